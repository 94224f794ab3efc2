package relay

import (
	"context"
	"strings"
	"sync"

	"github.com/OpenAgentsInc/commander/internal/errs"
	"github.com/OpenAgentsInc/commander/internal/utils/log"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type (
	Dialer func(ctx context.Context, url string) (Relay, error)

	PoolOption func(*Pool)

	// Pool owns the connections to a fixed set of relays. Connections are
	// dialled on first use and shared by every caller until Close.
	Pool struct {
		urls    []string
		dial    Dialer
		mu      sync.Mutex
		entries map[string]*entry
		closed  bool
	}

	entry struct {
		mu    sync.Mutex
		relay Relay
	}

	aliver interface {
		Alive() bool
	}
)

func WithDialer(d Dialer) PoolOption {
	return func(p *Pool) {
		p.dial = d
	}
}

func NewPool(urls []string, opts ...PoolOption) (*Pool, error) {
	p := &Pool{
		dial:    DialWebsocket,
		entries: make(map[string]*entry),
	}
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := p.entries[u]; dup {
			continue
		}
		p.urls = append(p.urls, u)
		p.entries[u] = &entry{}
	}
	if len(p.urls) == 0 {
		return nil, errs.New(errs.InvalidInput, "relay.NewPool", "no relay urls configured")
	}

	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Pool) URLs() []string {
	out := make([]string, len(p.urls))
	copy(out, p.urls)
	return out
}

// Relay returns the live connection for url, dialling it if needed. A
// connection that has died is replaced.
func (p *Pool) Relay(ctx context.Context, url string) (Relay, error) {
	p.mu.Lock()
	e, ok := p.entries[url]
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return nil, ErrPoolClosed
	}
	if !ok {
		return nil, errs.New(errs.InvalidInput, "relay.Pool", "unknown relay "+url)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.relay != nil {
		if a, ok := e.relay.(aliver); !ok || a.Alive() {
			return e.relay, nil
		}
		log.Debug("relay connection lost, redialling", zap.String("relay", url))
		_ = e.relay.Close()
		e.relay = nil
	}

	r, err := p.dial(ctx, url)
	if err != nil {
		return nil, err
	}

	if p.isClosed() {
		_ = r.Close()
		return nil, ErrPoolClosed
	}
	e.relay = r
	return r, nil
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close closes every open connection. Calling it again is a no-op.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := make([]*entry, 0, len(p.entries))
	for _, u := range p.urls {
		entries = append(entries, p.entries[u])
	}
	p.mu.Unlock()

	var err error
	for _, e := range entries {
		e.mu.Lock()
		if e.relay != nil {
			err = multierr.Append(err, e.relay.Close())
			e.relay = nil
		}
		e.mu.Unlock()
	}
	return err
}
