package model

import "time"

const (
	KindChannelCreate   = 40
	KindChannelMetadata = 41
	KindChannelMessage  = 42
	KindChannelHide     = 43
	KindChannelMute     = 44
)

type (
	ChannelMetadata struct {
		Name    string   `json:"name"`
		About   string   `json:"about,omitempty"`
		Picture string   `json:"picture,omitempty"`
		Relays  []string `json:"relays,omitempty"`
	}

	Channel struct {
		ID        string
		Creator   string
		CreatedAt time.Time
		Metadata  ChannelMetadata
	}

	Reply struct {
		EventID string
		Author  string
		Relay   string
	}

	ChannelMessage struct {
		ID        string
		ChannelID string
		Author    string
		Content   string
		ReplyTo   string
		CreatedAt time.Time
	}
)
