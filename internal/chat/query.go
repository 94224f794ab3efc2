package chat

import (
	"context"
	"encoding/json"

	"github.com/OpenAgentsInc/commander/internal/cryptographic/keys"
	"github.com/OpenAgentsInc/commander/internal/errs"
	"github.com/OpenAgentsInc/commander/internal/model"
	"github.com/OpenAgentsInc/commander/internal/telemetry"
	"github.com/OpenAgentsInc/commander/internal/utils/log"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// GetChannel returns the channel with the newest metadata its creator
// published.
func (s *Service) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	const op = "chat.GetChannel"

	if err := keys.ValidateID(channelID); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, op, "channel id", err)
	}

	events, err := s.gateway.Fetch(ctx, []model.Filter{
		{IDs: []string{channelID}, Kinds: []int{model.KindChannelCreate}},
		{Kinds: []int{model.KindChannelMetadata}, Tags: nostr.TagMap{"e": []string{channelID}}, Limit: 10},
	}, s.fetchTimeout)
	if err != nil {
		return nil, err
	}

	channels := s.channels(verified(events))
	if len(channels) == 0 {
		return nil, errs.Wrap(errs.Request, op, channelID, ErrChannelNotFound)
	}
	s.tracker.Track(category, "get_channel", telemetry.WithLabel(channelID))
	return channels[0], nil
}

// ListChannels returns up to limit recently created channels, newest first.
func (s *Service) ListChannels(ctx context.Context, limit int) ([]*model.Channel, error) {
	limit = clampLimit(limit)

	events, err := s.gateway.Fetch(ctx, []model.Filter{
		{Kinds: []int{model.KindChannelCreate}, Limit: limit},
	}, s.fetchTimeout)
	if err != nil {
		return nil, err
	}
	events = verified(events)
	if len(events) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	updates, err := s.gateway.Fetch(ctx, []model.Filter{
		{Kinds: []int{model.KindChannelMetadata}, Tags: nostr.TagMap{"e": ids}, Limit: limit * 4},
	}, s.fetchTimeout)
	if err != nil {
		// creation metadata is still usable
		log.Warn("fetch channel metadata updates failed", zap.Error(err))
	}

	channels := s.channels(append(events, verified(updates)...))
	s.tracker.Track(category, "list_channels", telemetry.WithValue(float64(len(channels))))
	return channels, nil
}

// ListMessages returns channel messages newest first.
func (s *Service) ListMessages(ctx context.Context, channelID string, opts ListOptions) ([]*model.ChannelMessage, error) {
	const op = "chat.ListMessages"

	if err := keys.ValidateID(channelID); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, op, "channel id", err)
	}
	if opts.Viewer != "" {
		if err := keys.ValidatePublicKey(opts.Viewer); err != nil {
			return nil, errs.Wrap(errs.InvalidInput, op, "viewer", err)
		}
	}

	filter := model.Filter{
		Kinds: []int{model.KindChannelMessage},
		Tags:  nostr.TagMap{"e": []string{channelID}},
		Limit: clampLimit(opts.Limit),
	}
	if !opts.Since.IsZero() {
		since := nostr.Timestamp(opts.Since.Unix())
		filter.Since = &since
	}
	filters := []model.Filter{filter}
	if opts.Viewer != "" {
		filters = append(filters, model.Filter{
			Kinds:   []int{model.KindChannelHide, model.KindChannelMute},
			Authors: []string{opts.Viewer},
		})
	}

	events, err := s.gateway.Fetch(ctx, filters, s.fetchTimeout)
	if err != nil {
		return nil, err
	}

	events = verified(events)
	hidden, muted := moderationSets(events, opts.Viewer)
	var out []*model.ChannelMessage
	for _, ev := range events {
		if ev.Kind != model.KindChannelMessage || rootOf(ev) != channelID {
			continue
		}
		if hidden[ev.ID] || muted[ev.PubKey] {
			continue
		}
		out = append(out, toMessage(ev, channelID))
	}
	s.tracker.Track(category, "list_messages", telemetry.WithLabel(channelID), telemetry.WithValue(float64(len(out))))
	return out, nil
}

// channels builds a channel for every kind 40 event in events and applies
// the newest kind 41 signed by its creator. events must be newest first.
func (s *Service) channels(events []*model.SignedMessage) []*model.Channel {
	var (
		out  []*model.Channel
		byID = make(map[string]*model.Channel)
	)
	for _, ev := range events {
		if ev.Kind != model.KindChannelCreate {
			continue
		}
		var meta model.ChannelMetadata
		if err := json.Unmarshal([]byte(ev.Content), &meta); err != nil {
			log.Debug("skipping channel with malformed metadata", zap.String("event", ev.ID), zap.Error(err))
			continue
		}
		ch := &model.Channel{ID: ev.ID, Creator: ev.PubKey, CreatedAt: ev.CreatedAt.Time(), Metadata: meta}
		byID[ev.ID] = ch
		out = append(out, ch)
	}

	updated := make(map[string]bool)
	for _, ev := range events {
		if ev.Kind != model.KindChannelMetadata {
			continue
		}
		ch := byID[rootOf(ev)]
		if ch == nil || updated[ch.ID] || ev.PubKey != ch.Creator {
			continue
		}
		var meta model.ChannelMetadata
		if err := json.Unmarshal([]byte(ev.Content), &meta); err != nil {
			continue
		}
		ch.Metadata = meta
		updated[ch.ID] = true
	}
	return out
}

func moderationSets(events []*model.SignedMessage, viewer string) (hidden, muted map[string]bool) {
	hidden, muted = make(map[string]bool), make(map[string]bool)
	if viewer == "" {
		return hidden, muted
	}
	for _, ev := range events {
		if ev.PubKey != viewer {
			continue
		}
		switch ev.Kind {
		case model.KindChannelHide:
			for _, tag := range model.FilterTags(ev.Tags, "e") {
				hidden[tag[1]] = true
			}
		case model.KindChannelMute:
			for _, tag := range model.FilterTags(ev.Tags, "p") {
				muted[tag[1]] = true
			}
		}
	}
	return hidden, muted
}

// rootOf finds the channel an event belongs to: the e tag marked root, or
// the first e tag for events using positional tags.
func rootOf(ev *model.SignedMessage) string {
	first := ""
	for _, tag := range model.FilterTags(ev.Tags, "e") {
		if len(tag) >= 4 && tag[3] == "root" {
			return tag[1]
		}
		if first == "" {
			first = tag[1]
		}
	}
	return first
}

func toMessage(ev *model.SignedMessage, channelID string) *model.ChannelMessage {
	m := &model.ChannelMessage{
		ID:        ev.ID,
		ChannelID: channelID,
		Author:    ev.PubKey,
		Content:   ev.Content,
		CreatedAt: ev.CreatedAt.Time(),
	}
	for _, tag := range model.FilterTags(ev.Tags, "e") {
		if len(tag) >= 4 && tag[3] == "reply" {
			m.ReplyTo = tag[1]
		}
	}
	return m
}

func verified(events []*model.SignedMessage) []*model.SignedMessage {
	out := events[:0:0]
	for _, ev := range events {
		if err := keys.Verify(ev); err != nil {
			log.Warn("dropping event with bad signature", zap.String("event", ev.ID), zap.Error(err))
			continue
		}
		out = append(out, ev)
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, maxListLimit)
}
