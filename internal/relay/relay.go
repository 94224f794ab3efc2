// Package relay gives a uniform fetch/publish interface over a set of relay
// connections.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/OpenAgentsInc/commander/internal/model"
)

const category = "relay"

var ErrPoolClosed = errors.New("relay pool is closed")

type (
	// Relay is a single relay connection.
	Relay interface {
		URL() string
		// Query returns the stored messages matching filters. It returns
		// whatever arrived so far together with ctx's error when ctx ends
		// before the relay signals the end of stored messages.
		Query(ctx context.Context, filters []model.Filter) ([]*model.SignedMessage, error)
		// Send publishes msg and waits for the relay's acknowledgement.
		Send(ctx context.Context, msg *model.SignedMessage) error
		Close() error
	}

	// RejectedError is returned by Send when a relay answers OK=false.
	RejectedError struct {
		Reason string
	}

	RelayFailure struct {
		URL    string
		Reason string
		Err    error
	}

	PublishReport struct {
		EventID  string
		Accepted []string
		Rejected []RelayFailure
	}
)

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return "rejected"
	}
	return "rejected: " + e.Reason
}

// Partial reports whether some relays rejected a publish that still succeeded.
func (r *PublishReport) Partial() bool {
	return len(r.Accepted) > 0 && len(r.Rejected) > 0
}

// Warning enumerates the rejecting relays, or returns "" when none rejected.
func (r *PublishReport) Warning() string {
	if r == nil || len(r.Rejected) == 0 {
		return ""
	}
	parts := make([]string, 0, len(r.Rejected))
	for _, f := range r.Rejected {
		parts = append(parts, fmt.Sprintf("%s (%s)", f.URL, f.Reason))
	}
	total := len(r.Accepted) + len(r.Rejected)
	return fmt.Sprintf("published to %d/%d relays; rejected by %s", len(r.Accepted), total, strings.Join(parts, ", "))
}
