// Package relaytest provides in-process relays for tests: MemoryRelay
// implements relay.Relay directly and Server speaks the websocket protocol.
package relaytest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/OpenAgentsInc/commander/internal/model"
	"github.com/OpenAgentsInc/commander/internal/relay"
)

type (
	MemoryOption func(*MemoryRelay)

	MemoryRelay struct {
		url string

		mu          sync.Mutex
		events      map[string]*model.SignedMessage
		acceptKinds []int
		failErr     error
		delay       time.Duration
		queries     int
		sends       int
		closes      int
	}
)

// AcceptOnlyKinds makes the relay reject every other kind, like relays that
// only store profiles or contact lists.
func AcceptOnlyKinds(kinds ...int) MemoryOption {
	return func(r *MemoryRelay) {
		r.acceptKinds = kinds
	}
}

// FailWith makes every query and send fail with err.
func FailWith(err error) MemoryOption {
	return func(r *MemoryRelay) {
		r.failErr = err
	}
}

// WithDelay holds every query for d (or until its context ends).
func WithDelay(d time.Duration) MemoryOption {
	return func(r *MemoryRelay) {
		r.delay = d
	}
}

func NewMemoryRelay(url string, opts ...MemoryOption) *MemoryRelay {
	r := &MemoryRelay{
		url:    url,
		events: make(map[string]*model.SignedMessage),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MemoryRelay) URL() string {
	return r.url
}

func (r *MemoryRelay) Query(ctx context.Context, filters []model.Filter) ([]*model.SignedMessage, error) {
	r.mu.Lock()
	r.queries++
	failErr, delay := r.failErr, r.delay
	r.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if failErr != nil {
		return nil, failErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return Match(r.snapshot(), filters), nil
}

func (r *MemoryRelay) Send(_ context.Context, msg *model.SignedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sends++
	if r.failErr != nil {
		return r.failErr
	}
	if len(r.acceptKinds) > 0 && !slices.Contains(r.acceptKinds, msg.Kind) {
		return &relay.RejectedError{Reason: fmt.Sprintf("blocked: only accepts kind %v", r.acceptKinds)}
	}

	cp := *msg
	r.events[msg.ID] = &cp
	return nil
}

func (r *MemoryRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	return nil
}

// Inject stores messages without applying the acceptance policy.
func (r *MemoryRelay) Inject(msgs ...*model.SignedMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		cp := *m
		r.events[m.ID] = &cp
	}
}

func (r *MemoryRelay) Events() []*model.SignedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.snapshot()
	relay.SortNewestFirst(out)
	return out
}

func (r *MemoryRelay) Queries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queries
}

func (r *MemoryRelay) Sends() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sends
}

func (r *MemoryRelay) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

func (r *MemoryRelay) snapshot() []*model.SignedMessage {
	out := make([]*model.SignedMessage, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev)
	}
	return out
}

// Match applies filters the way a relay does: each filter contributes its
// newest matches up to its limit, and the union is returned newest first.
func Match(events []*model.SignedMessage, filters []model.Filter) []*model.SignedMessage {
	sorted := slices.Clone(events)
	relay.SortNewestFirst(sorted)

	picked := make(map[string]bool)
	var out []*model.SignedMessage
	for _, f := range filters {
		n := 0
		for _, ev := range sorted {
			if f.Limit > 0 && n >= f.Limit {
				break
			}
			if !f.Matches(ev) {
				continue
			}
			n++
			if !picked[ev.ID] {
				picked[ev.ID] = true
				out = append(out, ev)
			}
		}
	}
	relay.SortNewestFirst(out)
	return out
}

// Dialer connects to the given memory relays by URL; any other URL is refused.
func Dialer(relays ...*MemoryRelay) relay.Dialer {
	byURL := make(map[string]*MemoryRelay, len(relays))
	for _, r := range relays {
		byURL[r.URL()] = r
	}
	return func(_ context.Context, url string) (relay.Relay, error) {
		r, ok := byURL[url]
		if !ok {
			return nil, fmt.Errorf("dial %s: connection refused", url)
		}
		return r, nil
	}
}

// Gateway builds a gateway over memory relays.
func Gateway(relays []*MemoryRelay, opts ...relay.Option) (*relay.Gateway, error) {
	urls := make([]string, 0, len(relays))
	for _, r := range relays {
		urls = append(urls, r.URL())
	}
	pool, err := relay.NewPool(urls, relay.WithDialer(Dialer(relays...)))
	if err != nil {
		return nil, err
	}
	return relay.NewGateway(pool, opts...), nil
}
