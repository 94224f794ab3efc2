// Package chat implements public chat channels (NIP-28) on top of the relay
// gateway: channel creation and metadata, messages, and per-user moderation.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/OpenAgentsInc/commander/internal/cryptographic/keys"
	"github.com/OpenAgentsInc/commander/internal/errs"
	"github.com/OpenAgentsInc/commander/internal/model"
	"github.com/OpenAgentsInc/commander/internal/relay"
	"github.com/OpenAgentsInc/commander/internal/telemetry"
	"github.com/OpenAgentsInc/commander/internal/utils/log"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

const (
	category = "chat"

	DefaultListLimit = 50
	maxListLimit     = 500
)

var ErrChannelNotFound = errors.New("chat: channel not found")

type (
	Gateway interface {
		Fetch(ctx context.Context, filters []model.Filter, timeout time.Duration) ([]*model.SignedMessage, error)
		Publish(ctx context.Context, msg *model.SignedMessage) (*relay.PublishReport, error)
	}

	Option func(*Service)

	Service struct {
		gateway      Gateway
		tracker      *telemetry.Tracker
		now          func() time.Time
		fetchTimeout time.Duration
	}

	// ListOptions narrows ListMessages. Viewer, when set, hides the messages
	// that key has hidden and the authors it has muted.
	ListOptions struct {
		Limit  int
		Since  time.Time
		Viewer string
	}

	moderation struct {
		Reason string `json:"reason,omitempty"`
	}
)

func WithTracker(t *telemetry.Tracker) Option {
	return func(s *Service) {
		s.tracker = t
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithFetchTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.fetchTimeout = d
	}
}

func NewService(gw Gateway, opts ...Option) *Service {
	s := &Service{
		gateway:      gw,
		now:          time.Now,
		fetchTimeout: relay.DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) CreateChannel(ctx context.Context, secretKey string, meta model.ChannelMetadata) (*model.Channel, error) {
	const op = "chat.CreateChannel"

	content, err := encodeMetadata(op, meta)
	if err != nil {
		return nil, err
	}
	msg, err := s.publish(ctx, op, secretKey, model.KindChannelCreate, nostr.Tags{}, content)
	if err != nil {
		return nil, err
	}
	return &model.Channel{
		ID:        msg.ID,
		Creator:   msg.PubKey,
		CreatedAt: msg.CreatedAt.Time(),
		Metadata:  meta,
	}, nil
}

// UpdateMetadata replaces the channel metadata. Clients only honour updates
// signed by the channel creator.
func (s *Service) UpdateMetadata(ctx context.Context, secretKey, channelID string, meta model.ChannelMetadata) (*model.SignedMessage, error) {
	const op = "chat.UpdateMetadata"

	if err := keys.ValidateID(channelID); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, op, "channel id", err)
	}
	content, err := encodeMetadata(op, meta)
	if err != nil {
		return nil, err
	}
	return s.publish(ctx, op, secretKey, model.KindChannelMetadata, nostr.Tags{{"e", channelID, "", "root"}}, content)
}

func (s *Service) SendMessage(ctx context.Context, secretKey, channelID, text string, reply *model.Reply) (*model.ChannelMessage, error) {
	const op = "chat.SendMessage"

	if err := keys.ValidateID(channelID); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, op, "channel id", err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, errs.New(errs.InvalidInput, op, "message is empty")
	}

	tags := nostr.Tags{{"e", channelID, "", "root"}}
	if reply != nil {
		if err := keys.ValidateID(reply.EventID); err != nil {
			return nil, errs.Wrap(errs.InvalidInput, op, "reply id", err)
		}
		tags = append(tags, nostr.Tag{"e", reply.EventID, reply.Relay, "reply"})
		if reply.Author != "" {
			if err := keys.ValidatePublicKey(reply.Author); err != nil {
				return nil, errs.Wrap(errs.InvalidInput, op, "reply author", err)
			}
			tags = append(tags, nostr.Tag{"p", reply.Author, reply.Relay})
		}
	}

	msg, err := s.publish(ctx, op, secretKey, model.KindChannelMessage, tags, text)
	if err != nil {
		return nil, err
	}
	return toMessage(msg, channelID), nil
}

func (s *Service) HideMessage(ctx context.Context, secretKey, messageID, reason string) (*model.SignedMessage, error) {
	const op = "chat.HideMessage"

	if err := keys.ValidateID(messageID); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, op, "message id", err)
	}
	content, _ := json.Marshal(moderation{Reason: reason})
	return s.publish(ctx, op, secretKey, model.KindChannelHide, nostr.Tags{{"e", messageID}}, string(content))
}

func (s *Service) MuteUser(ctx context.Context, secretKey, pubkey, reason string) (*model.SignedMessage, error) {
	const op = "chat.MuteUser"

	if err := keys.ValidatePublicKey(pubkey); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, op, "user", err)
	}
	content, _ := json.Marshal(moderation{Reason: reason})
	return s.publish(ctx, op, secretKey, model.KindChannelMute, nostr.Tags{{"p", pubkey}}, string(content))
}

func (s *Service) publish(ctx context.Context, op, secretKey string, kind int, tags nostr.Tags, content string) (*model.SignedMessage, error) {
	if err := keys.ValidateSecretKey(secretKey); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, op, "secret key", err)
	}
	msg, err := keys.Sign(secretKey, model.Template{
		Kind:      kind,
		CreatedAt: nostr.Timestamp(s.now().Unix()),
		Tags:      tags,
		Content:   content,
	})
	if err != nil {
		return nil, err
	}

	report, err := s.gateway.Publish(ctx, msg)
	if err != nil {
		return nil, err
	}
	if report.Partial() {
		log.Debug("chat message only reached some relays", zap.String("event", msg.ID), zap.String("warning", report.Warning()))
	}
	s.tracker.Track(category, "publish", telemetry.WithLabel(op), telemetry.WithValue(float64(kind)))
	return msg, nil
}

func encodeMetadata(op string, meta model.ChannelMetadata) (string, error) {
	if strings.TrimSpace(meta.Name) == "" {
		return "", errs.New(errs.InvalidInput, op, "channel name is required")
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", errs.Wrap(errs.InvalidInput, op, "encode metadata", err)
	}
	return string(data), nil
}
