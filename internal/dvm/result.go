package dvm

import (
	"encoding/json"
	"strconv"

	"github.com/OpenAgentsInc/commander/internal/cryptographic/keys"
	"github.com/OpenAgentsInc/commander/internal/cryptographic/payload"
	"github.com/OpenAgentsInc/commander/internal/errs"
	"github.com/OpenAgentsInc/commander/internal/model"

	"github.com/nbd-wtf/go-nostr"
)

// ResultParams describes the answer a service provider publishes for a request.
type ResultParams struct {
	Request    *model.SignedMessage
	Status     model.JobStatus
	StatusInfo string
	Content    string
	Amount     int64
	Bolt11     string
	RelayHint  string
}

// BuildResult signs a result for p.Request. If the request was encrypted the
// result content is encrypted back to the request author.
func (b *Builder) BuildResult(secretKey string, p ResultParams) (*model.SignedMessage, error) {
	return b.buildResponse(secretKey, model.ResultKind(p.Request.Kind), p, true)
}

// BuildFeedback signs a kind 7000 status update for p.Request.
func (b *Builder) BuildFeedback(secretKey string, p ResultParams) (*model.SignedMessage, error) {
	if p.Status == "" {
		return nil, errs.New(errs.InvalidInput, "dvm.BuildFeedback", "feedback needs a status")
	}
	return b.buildResponse(secretKey, model.JobFeedbackKind, p, false)
}

func (b *Builder) buildResponse(secretKey string, kind int, p ResultParams, result bool) (*model.SignedMessage, error) {
	const op = "dvm.BuildResult"

	if p.Request == nil || !model.IsJobRequestKind(p.Request.Kind) {
		return nil, errs.New(errs.InvalidInput, op, "result needs the originating job request")
	}
	if p.Status != "" && !p.Status.Valid() {
		return nil, errs.New(errs.InvalidInput, op, "unknown status "+string(p.Status))
	}

	tags := nostr.Tags{
		{"e", p.Request.ID, p.RelayHint, "request"},
		{"p", p.Request.PubKey},
	}
	if p.Status != "" {
		status := nostr.Tag{"status", string(p.Status)}
		if p.StatusInfo != "" {
			status = append(status, p.StatusInfo)
		}
		tags = append(tags, status)
	}
	if p.Amount > 0 {
		amount := nostr.Tag{"amount", strconv.FormatInt(p.Amount, 10)}
		if p.Bolt11 != "" {
			amount = append(amount, p.Bolt11)
		}
		tags = append(tags, amount)
	}

	content := p.Content
	if payload.IsEncrypted(p.Request) && content != "" {
		ciphertext, err := b.cipher.Encrypt(secretKey, p.Request.PubKey, content)
		if err != nil {
			return nil, err
		}
		content = ciphertext
		tags = append(tags, nostr.Tag{payload.EncryptedTag})
	} else if result && !payload.IsEncrypted(p.Request) {
		tags = append(tags, nostr.Tag{"request", requestJSON(p.Request)})
	}

	return keys.Sign(secretKey, model.Template{
		Kind:      kind,
		CreatedAt: nostr.Timestamp(b.now().Unix()),
		Tags:      tags,
		Content:   content,
	})
}

func requestJSON(msg *model.SignedMessage) string {
	data, err := json.Marshal(msg)
	if err != nil {
		return ""
	}
	return string(data)
}
