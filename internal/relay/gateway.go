package relay

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/OpenAgentsInc/commander/internal/errs"
	"github.com/OpenAgentsInc/commander/internal/model"
	"github.com/OpenAgentsInc/commander/internal/telemetry"
	"github.com/OpenAgentsInc/commander/internal/utils/log"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultFetchTimeout   = 10 * time.Second
	DefaultPublishTimeout = 10 * time.Second
)

// PublishPolicy decides how many relays must accept a publish.
type PublishPolicy int

const (
	AtLeastOne PublishPolicy = iota
	Majority
)

func ParsePublishPolicy(s string) (PublishPolicy, error) {
	switch s {
	case "", "at-least-one":
		return AtLeastOne, nil
	case "majority":
		return Majority, nil
	}
	return AtLeastOne, fmt.Errorf("unknown publish policy %q", s)
}

func (p PublishPolicy) String() string {
	if p == Majority {
		return "majority"
	}
	return "at-least-one"
}

func (p PublishPolicy) satisfied(accepted, total int) bool {
	if p == Majority {
		return accepted*2 > total
	}
	return accepted >= 1
}

type (
	Option func(*Gateway)

	Gateway struct {
		pool           *Pool
		publishTimeout time.Duration
		policy         PublishPolicy
		tracker        *telemetry.Tracker
	}

	queryResult struct {
		url    string
		events []*model.SignedMessage
		err    error
	}
)

func WithPublishTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.publishTimeout = d
		}
	}
}

func WithPublishPolicy(p PublishPolicy) Option {
	return func(g *Gateway) {
		g.policy = p
	}
}

func WithTracker(t *telemetry.Tracker) Option {
	return func(g *Gateway) {
		g.tracker = t
	}
}

// NewGateway wraps an explicitly owned pool. The caller decides when the
// pool is created and released; the gateway never builds one on its own.
func NewGateway(pool *Pool, opts ...Option) *Gateway {
	g := &Gateway{
		pool:           pool,
		publishTimeout: DefaultPublishTimeout,
		policy:         AtLeastOne,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Fetch queries every relay, merges the results, drops duplicate ids and
// returns them newest first (ties by id).
func (g *Gateway) Fetch(ctx context.Context, filters []model.Filter, timeout time.Duration) ([]*model.SignedMessage, error) {
	const op = "relay.Fetch"

	if len(filters) == 0 {
		return nil, errs.New(errs.InvalidInput, op, "at least one filter is required")
	}
	for _, f := range filters {
		if unbounded(f) {
			return nil, errs.New(errs.InvalidInput, op, "empty filter would match every event")
		}
	}
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}

	urls := g.pool.URLs()
	g.tracker.Track(category, "fetch_attempt", telemetry.WithValue(float64(len(urls))))

	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make([]queryResult, len(urls))
	var eg errgroup.Group
	for i, url := range urls {
		eg.Go(func() error {
			results[i] = g.query(qctx, url, filters)
			return nil
		})
	}
	_ = eg.Wait()

	var (
		useful  int
		failure error
	)
	seen := make(map[string]*model.SignedMessage)
	for _, res := range results {
		if res.err == nil || len(res.events) > 0 {
			useful++
		}
		if res.err != nil {
			failure = multierr.Append(failure, fmt.Errorf("%s: %w", res.url, res.err))
			log.Debug("relay query failed", zap.String("relay", res.url), zap.Error(res.err))
		}
		for _, ev := range res.events {
			if ev == nil || ev.ID == "" {
				continue
			}
			seen[ev.ID] = ev
		}
	}

	if useful == 0 {
		g.tracker.Track(category, "fetch_error", telemetry.WithLabel(failure.Error()))
		switch {
		case ctx.Err() != nil:
			return nil, errs.Wrap(errs.Request, op, "fetch cancelled", ctx.Err())
		case errors.Is(qctx.Err(), context.DeadlineExceeded):
			return nil, errs.Wrap(errs.Request, op, fmt.Sprintf("no relay responded within %s", timeout), failure)
		default:
			return nil, errs.Wrap(errs.Request, op, "all relays failed", failure)
		}
	}

	out := make([]*model.SignedMessage, 0, len(seen))
	for _, ev := range seen {
		out = append(out, ev)
	}
	SortNewestFirst(out)

	g.tracker.Track(category, "fetch_ok", telemetry.WithValue(float64(len(out))))
	return out, nil
}

func (g *Gateway) query(ctx context.Context, url string, filters []model.Filter) queryResult {
	r, err := g.pool.Relay(ctx, url)
	if err != nil {
		return queryResult{url: url, err: err}
	}
	events, err := r.Query(ctx, filters)
	return queryResult{url: url, events: events, err: err}
}

// SortNewestFirst orders by CreatedAt descending, then id ascending.
func SortNewestFirst(msgs []*model.SignedMessage) {
	slices.SortFunc(msgs, func(a, b *model.SignedMessage) int {
		if c := cmp.Compare(b.CreatedAt, a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Publish sends msg to every relay concurrently. Per-relay sends are detached
// from ctx's cancellation and bounded by the publish timeout. It fails only
// when the publish policy is not met; other rejections are reported in the
// returned report and logged as a warning.
func (g *Gateway) Publish(ctx context.Context, msg *model.SignedMessage) (*PublishReport, error) {
	const op = "relay.Publish"

	if msg == nil || msg.ID == "" || msg.Sig == "" {
		return nil, errs.New(errs.InvalidInput, op, "message is not signed")
	}

	urls := g.pool.URLs()
	g.tracker.Track(category, "publish_attempt", telemetry.WithLabel(msg.ID), telemetry.WithValue(float64(len(urls))))

	sendCtx := context.WithoutCancel(ctx)
	outcomes := make([]error, len(urls))

	var wg sync.WaitGroup
	for i, url := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()

			rctx, cancel := context.WithTimeout(sendCtx, g.publishTimeout)
			defer cancel()

			r, err := g.pool.Relay(rctx, url)
			if err == nil {
				err = r.Send(rctx, msg)
			}
			outcomes[i] = err
		}()
	}
	wg.Wait()

	report := &PublishReport{EventID: msg.ID}
	var failure error
	for i, err := range outcomes {
		if err == nil {
			report.Accepted = append(report.Accepted, urls[i])
			continue
		}
		report.Rejected = append(report.Rejected, RelayFailure{URL: urls[i], Reason: err.Error(), Err: err})
		failure = multierr.Append(failure, fmt.Errorf("%s: %w", urls[i], err))
	}

	if !g.policy.satisfied(len(report.Accepted), len(urls)) {
		g.tracker.Track(category, "publish_error", telemetry.WithLabel(failure.Error()))
		reason := fmt.Sprintf("accepted by %d/%d relays, policy %s not met", len(report.Accepted), len(urls), g.policy)
		return report, errs.Wrap(errs.Publish, op, reason, failure)
	}

	if len(report.Rejected) > 0 {
		log.Warn("partial publish", zap.String("event", msg.ID), zap.String("warning", report.Warning()))
		g.tracker.Track(category, "publish_partial", telemetry.WithLabel(report.Warning()), telemetry.WithValue(float64(len(report.Accepted))))
		return report, nil
	}

	g.tracker.Track(category, "publish_ok", telemetry.WithLabel(msg.ID), telemetry.WithValue(float64(len(report.Accepted))))
	return report, nil
}

// Release closes all relay connections. It is safe to call repeatedly.
func (g *Gateway) Release() error {
	return g.pool.Close()
}

func unbounded(f model.Filter) bool {
	return len(f.IDs) == 0 && len(f.Authors) == 0 && len(f.Kinds) == 0 && len(f.Tags) == 0 &&
		f.Since == nil && f.Until == nil && f.Limit == 0 && f.Search == ""
}
