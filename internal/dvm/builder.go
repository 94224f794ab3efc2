// Package dvm implements the NIP-90 job request/result handshake: building
// (optionally encrypted) job requests and correlating the results that
// answer them.
package dvm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/OpenAgentsInc/commander/internal/cryptographic/keys"
	"github.com/OpenAgentsInc/commander/internal/cryptographic/payload"
	"github.com/OpenAgentsInc/commander/internal/errs"
	"github.com/OpenAgentsInc/commander/internal/model"

	"github.com/nbd-wtf/go-nostr"
)

const category = "dvm"

var inputTypes = map[string]bool{
	"url":   true,
	"event": true,
	"job":   true,
	"text":  true,
}

type (
	BuilderOption func(*Builder)

	Builder struct {
		cipher payload.Cipher
		now    func() time.Time
	}
)

func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		b.now = now
	}
}

func NewBuilder(cipher payload.Cipher, opts ...BuilderOption) *Builder {
	b := &Builder{
		cipher: cipher,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build validates params and returns a request signed by secretKey. With a
// recipient the input and param tags travel only inside the encrypted
// content.
func (b *Builder) Build(secretKey string, params model.JobRequestParams) (*model.SignedMessage, error) {
	const op = "dvm.Build"

	if err := validateRequest(params); err != nil {
		return nil, err
	}

	sensitive := sensitiveTags(params)
	tmpl := model.Template{
		Kind:      params.Kind,
		CreatedAt: nostr.Timestamp(b.now().Unix()),
	}

	if params.Recipient != "" {
		plaintext, err := json.Marshal(sensitive)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidInput, op, "serialize payload", err)
		}
		ciphertext, err := b.cipher.Encrypt(secretKey, params.Recipient, string(plaintext))
		if err != nil {
			return nil, err
		}
		tmpl.Content = ciphertext
		tmpl.Tags = nostr.Tags{
			{"p", params.Recipient},
			{payload.EncryptedTag},
		}
	} else {
		tmpl.Content = params.Description
		tmpl.Tags = append(tmpl.Tags, sensitive...)
	}

	if params.OutputMIME != "" {
		tmpl.Tags = append(tmpl.Tags, nostr.Tag{"output", params.OutputMIME})
	}
	if params.Bid > 0 {
		tmpl.Tags = append(tmpl.Tags, nostr.Tag{"bid", strconv.FormatInt(params.Bid, 10)})
	}
	if len(params.RelayHints) > 0 {
		tmpl.Tags = append(tmpl.Tags, append(nostr.Tag{"relays"}, params.RelayHints...))
	}

	return keys.Sign(secretKey, tmpl)
}

func validateRequest(p model.JobRequestParams) error {
	const op = "dvm.Build"

	if !model.IsJobRequestKind(p.Kind) {
		return errs.New(errs.InvalidInput, op,
			fmt.Sprintf("job kind %d outside %d-%d", p.Kind, model.JobRequestKindMin, model.JobRequestKindMax))
	}
	if len(p.Inputs) == 0 {
		return errs.New(errs.InvalidInput, op, "at least one input is required")
	}
	for i, in := range p.Inputs {
		if in.Data == "" {
			return errs.New(errs.InvalidInput, op, fmt.Sprintf("input %d has no data", i))
		}
		if !inputTypes[in.Type] {
			return errs.New(errs.InvalidInput, op, fmt.Sprintf("input %d has unknown type %q", i, in.Type))
		}
	}
	for i, prm := range p.Params {
		if prm.Name == "" {
			return errs.New(errs.InvalidInput, op, fmt.Sprintf("param %d has no name", i))
		}
	}
	if p.Bid < 0 {
		return errs.New(errs.InvalidInput, op, "bid must not be negative")
	}
	if p.Recipient != "" {
		if err := keys.ValidatePublicKey(p.Recipient); err != nil {
			return errs.Wrap(errs.InvalidInput, op, "recipient", err)
		}
	}
	return nil
}

func sensitiveTags(p model.JobRequestParams) nostr.Tags {
	tags := make(nostr.Tags, 0, len(p.Inputs)+len(p.Params))
	for _, in := range p.Inputs {
		tag := nostr.Tag{"i", in.Data, in.Type}
		if in.Relay != "" || in.Marker != "" {
			tag = append(tag, in.Relay)
		}
		if in.Marker != "" {
			tag = append(tag, in.Marker)
		}
		tags = append(tags, tag)
	}
	for _, prm := range p.Params {
		tags = append(tags, nostr.Tag{"param", prm.Name, prm.Value})
	}
	return tags
}

// DecodeRequest recovers the logical request from a job request message.
// Encrypted requests are decrypted with secretKey and the request author,
// which is what the addressed service provider holds.
func DecodeRequest(cipher payload.Cipher, msg *model.SignedMessage, secretKey string) (*model.JobRequestParams, error) {
	const op = "dvm.DecodeRequest"

	if msg == nil || !model.IsJobRequestKind(msg.Kind) {
		return nil, errs.New(errs.Protocol, op, "not a job request")
	}

	out := &model.JobRequestParams{
		Kind:       msg.Kind,
		OutputMIME: model.TagValue(msg.Tags, "output"),
	}
	if bid := model.TagValue(msg.Tags, "bid"); bid != "" {
		v, err := strconv.ParseInt(bid, 10, 64)
		if err != nil {
			return nil, errs.Wrap(errs.Protocol, op, "malformed bid", err)
		}
		out.Bid = v
	}
	if relays := model.FindTag(msg.Tags, "relays"); len(relays) > 1 {
		out.RelayHints = append([]string(nil), relays[1:]...)
	}

	sensitive := msg.Tags
	if payload.IsEncrypted(msg) {
		out.Recipient = model.TagValue(msg.Tags, "p")
		plaintext, err := cipher.Decrypt(secretKey, msg.PubKey, msg.Content)
		if err != nil {
			return nil, err
		}
		sensitive = nil
		if err := json.Unmarshal([]byte(plaintext), &sensitive); err != nil {
			return nil, errs.Wrap(errs.Protocol, op, "decrypted payload is not a tag list", err)
		}
	} else {
		out.Description = msg.Content
	}

	for _, tag := range sensitive {
		switch {
		case len(tag) >= 3 && tag[0] == "i":
			in := model.JobInput{Data: tag[1], Type: tag[2]}
			if len(tag) > 3 {
				in.Relay = tag[3]
			}
			if len(tag) > 4 {
				in.Marker = tag[4]
			}
			out.Inputs = append(out.Inputs, in)
		case len(tag) >= 2 && tag[0] == "param":
			prm := model.JobParam{Name: tag[1]}
			if len(tag) > 2 {
				prm.Value = tag[2]
			}
			out.Params = append(out.Params, prm)
		}
	}
	if len(out.Inputs) == 0 {
		return nil, errs.New(errs.Protocol, op, "request has no inputs")
	}
	return out, nil
}
