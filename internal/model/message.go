package model

import (
	"github.com/nbd-wtf/go-nostr"
)

type (
	// SignedMessage is a relay event. ID, PubKey and Sig are derived by
	// signing a Template and must never be set by hand.
	SignedMessage = nostr.Event

	Filter = nostr.Filter
	Tag    = nostr.Tag
	Tags   = nostr.Tags

	// Template is the unsigned part of a message.
	Template struct {
		Kind      int
		CreatedAt nostr.Timestamp
		Tags      nostr.Tags
		Content   string
	}
)

// FindTag returns the first tag named name, or nil.
func FindTag(tags nostr.Tags, name string) nostr.Tag {
	for _, t := range tags {
		if len(t) > 0 && t[0] == name {
			return t
		}
	}
	return nil
}

func HasTag(tags nostr.Tags, name string) bool {
	return FindTag(tags, name) != nil
}

// TagValue returns the second element of the first tag named name.
func TagValue(tags nostr.Tags, name string) string {
	t := FindTag(tags, name)
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// FilterTags returns every tag named name that carries a value, in order.
func FilterTags(tags nostr.Tags, name string) nostr.Tags {
	var out nostr.Tags
	for _, t := range tags {
		if len(t) > 1 && t[0] == name {
			out = append(out, t)
		}
	}
	return out
}
