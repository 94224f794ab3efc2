package dvm

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/OpenAgentsInc/commander/internal/cryptographic/keys"
	"github.com/OpenAgentsInc/commander/internal/cryptographic/payload"
	"github.com/OpenAgentsInc/commander/internal/errs"
	"github.com/OpenAgentsInc/commander/internal/model"
	"github.com/OpenAgentsInc/commander/internal/telemetry"
	"github.com/OpenAgentsInc/commander/internal/utils/log"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

const resultFetchLimit = 20

type (
	Fetcher interface {
		Fetch(ctx context.Context, filters []model.Filter, timeout time.Duration) ([]*model.SignedMessage, error)
	}

	// PollPolicy bounds how long AwaitResult looks for a result. Attempts is
	// the exact number of fetches made when nothing matches.
	PollPolicy struct {
		Attempts        int
		Interval        time.Duration
		MaxInterval     time.Duration
		Multiplier      float64
		FetchTimeout    time.Duration
		IncludeFeedback bool
	}

	AwaitRequest struct {
		RequestID   string
		RequestKind int
		// SecretKey is the ephemeral key that signed the request.
		SecretKey string
		// Responder, when set, is the only author accepted.
		Responder string
	}

	CorrelatorOption func(*Correlator)

	Correlator struct {
		fetcher Fetcher
		cipher  payload.Cipher
		sleep   func(ctx context.Context, d time.Duration) error
		tracker *telemetry.Tracker
	}
)

func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		Attempts:     10,
		Interval:     2 * time.Second,
		MaxInterval:  15 * time.Second,
		Multiplier:   1.5,
		FetchTimeout: 5 * time.Second,
	}
}

func (p PollPolicy) validate() error {
	if p.Attempts <= 0 {
		return errs.New(errs.InvalidInput, "dvm.PollPolicy", "attempts must be positive")
	}
	if p.Interval < 0 || p.MaxInterval < 0 || p.Multiplier < 0 {
		return errs.New(errs.InvalidInput, "dvm.PollPolicy", "intervals must not be negative")
	}
	return nil
}

// delay is the wait before attempt n+1, n starting at 1.
func (p PollPolicy) delay(n int) time.Duration {
	d := p.Interval
	if p.Multiplier > 1 {
		d = time.Duration(float64(p.Interval) * math.Pow(p.Multiplier, float64(n-1)))
	}
	if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}

func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) CorrelatorOption {
	return func(c *Correlator) {
		c.sleep = sleep
	}
}

func WithCorrelatorTracker(t *telemetry.Tracker) CorrelatorOption {
	return func(c *Correlator) {
		c.tracker = t
	}
}

func NewCorrelator(fetcher Fetcher, cipher payload.Cipher, opts ...CorrelatorOption) *Correlator {
	c := &Correlator{
		fetcher: fetcher,
		cipher:  cipher,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AwaitResult polls for the message answering req.RequestID. It makes at
// most policy.Attempts fetches and fails with a Timeout error once they are
// spent. Cancelling ctx stops the loop at the next attempt boundary.
func (c *Correlator) AwaitResult(ctx context.Context, req AwaitRequest, policy PollPolicy) (*model.JobResult, error) {
	const op = "dvm.AwaitResult"

	if err := validateAwait(req); err != nil {
		return nil, err
	}
	if err := policy.validate(); err != nil {
		return nil, err
	}

	filters := resultFilters(req, policy)
	var lastErr error

	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, policy.delay(attempt-1)); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		events, err := c.fetcher.Fetch(ctx, filters, policy.FetchTimeout)
		if err != nil {
			if errs.Is(err, errs.InvalidInput) {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s: %w", op, ctx.Err())
			}
			lastErr = err
			log.Debug("result fetch failed", zap.String("request", req.RequestID), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		res, err := c.match(events, req)
		if err != nil {
			c.tracker.Track(category, "correlation_error", telemetry.WithLabel(req.RequestID))
			return nil, err
		}
		if res != nil {
			c.tracker.Track(category, "correlation_match", telemetry.WithLabel(req.RequestID), telemetry.WithValue(float64(attempt)))
			return res, nil
		}
	}

	c.tracker.Track(category, "correlation_timeout", telemetry.WithLabel(req.RequestID), telemetry.WithValue(float64(policy.Attempts)))
	return nil, errs.Wrap(errs.Timeout, op,
		fmt.Sprintf("no result for request %s after %d attempts", req.RequestID, policy.Attempts), lastErr)
}

func validateAwait(req AwaitRequest) error {
	const op = "dvm.AwaitResult"

	if err := keys.ValidateID(req.RequestID); err != nil {
		return errs.Wrap(errs.InvalidInput, op, "request id", err)
	}
	if !model.IsJobRequestKind(req.RequestKind) {
		return errs.New(errs.InvalidInput, op, fmt.Sprintf("job kind %d outside %d-%d", req.RequestKind, model.JobRequestKindMin, model.JobRequestKindMax))
	}
	if err := keys.ValidateSecretKey(req.SecretKey); err != nil {
		return errs.Wrap(errs.InvalidInput, op, "requester key", err)
	}
	if req.Responder != "" {
		if err := keys.ValidatePublicKey(req.Responder); err != nil {
			return errs.Wrap(errs.InvalidInput, op, "responder", err)
		}
	}
	return nil
}

// resultFilters asks for results and, when wanted, feedback separately so a
// burst of feedback cannot crowd the result out of the limit.
func resultFilters(req AwaitRequest, policy PollPolicy) []model.Filter {
	filters := []model.Filter{responseFilter(req, model.ResultKind(req.RequestKind))}
	if policy.IncludeFeedback {
		filters = append(filters, responseFilter(req, model.JobFeedbackKind))
	}
	return filters
}

func responseFilter(req AwaitRequest, kind int) model.Filter {
	f := model.Filter{
		Kinds: []int{kind},
		Tags:  nostr.TagMap{"e": []string{req.RequestID}},
		Limit: resultFetchLimit,
	}
	if req.Responder != "" {
		f.Authors = []string{req.Responder}
	}
	return f
}

// match returns the first correlated message that settles the request, or
// nil when polling should go on. events are newest first.
func (c *Correlator) match(events []*model.SignedMessage, req AwaitRequest) (*model.JobResult, error) {
	for _, ev := range events {
		if !correlates(ev, req) {
			continue
		}
		if err := keys.Verify(ev); err != nil {
			log.Warn("ignoring correlated message with bad signature",
				zap.String("request", req.RequestID), zap.String("event", ev.ID), zap.Error(err))
			continue
		}

		if ev.Kind == model.JobFeedbackKind {
			status, info, err := parseStatus(ev, false)
			if err != nil {
				return nil, err
			}
			if status != model.JobStatusError && status != model.JobStatusPaymentRequired {
				c.tracker.Track(category, "feedback", telemetry.WithLabel(string(status)))
				log.Debug("job feedback", zap.String("request", req.RequestID), zap.String("status", string(status)), zap.String("info", info))
				continue
			}
		}

		return c.toResult(ev, req)
	}
	return nil, nil
}

// correlates checks kind, author and the e tag pointing at the request.
func correlates(ev *model.SignedMessage, req AwaitRequest) bool {
	if ev == nil {
		return false
	}
	if ev.Kind != model.ResultKind(req.RequestKind) && ev.Kind != model.JobFeedbackKind {
		return false
	}
	if req.Responder != "" && ev.PubKey != req.Responder {
		return false
	}
	for _, tag := range model.FilterTags(ev.Tags, "e") {
		if len(tag) < 2 || tag[1] != req.RequestID {
			continue
		}
		if len(tag) < 4 || tag[3] == "" || tag[3] == "request" {
			return true
		}
	}
	return false
}

func (c *Correlator) toResult(ev *model.SignedMessage, req AwaitRequest) (*model.JobResult, error) {
	const op = "dvm.AwaitResult"

	status, info, err := parseStatus(ev, ev.Kind != model.JobFeedbackKind)
	if err != nil {
		return nil, err
	}

	content := ev.Content
	if payload.IsEncrypted(ev) {
		content, err = c.cipher.Decrypt(req.SecretKey, ev.PubKey, ev.Content)
		if err != nil {
			return nil, err
		}
	}

	res := &model.JobResult{
		RequestID:  req.RequestID,
		ResultID:   ev.ID,
		Kind:       ev.Kind,
		Author:     ev.PubKey,
		Status:     status,
		StatusInfo: info,
		Content:    content,
		CreatedAt:  ev.CreatedAt.Time(),
	}
	if amount := model.FindTag(ev.Tags, "amount"); len(amount) >= 2 {
		v, err := strconv.ParseInt(amount[1], 10, 64)
		if err != nil || v < 0 {
			return nil, errs.New(errs.Protocol, op, fmt.Sprintf("malformed amount %q", amount[1]))
		}
		res.Amount = v
		if len(amount) > 2 {
			res.Bolt11 = amount[2]
		}
	}
	return res, nil
}

// parseStatus reads the status tag. Result messages without one count as
// success; feedback must always carry one.
func parseStatus(ev *model.SignedMessage, defaultSuccess bool) (model.JobStatus, string, error) {
	const op = "dvm.AwaitResult"

	tag := model.FindTag(ev.Tags, "status")
	if len(tag) < 2 {
		if defaultSuccess {
			return model.JobStatusSuccess, "", nil
		}
		return "", "", errs.New(errs.Protocol, op, "feedback without status in "+ev.ID)
	}

	status := model.JobStatus(tag[1])
	if !status.Valid() {
		return "", "", errs.New(errs.Protocol, op, fmt.Sprintf("unrecognized status %q in %s", tag[1], ev.ID))
	}
	info := ""
	if len(tag) > 2 {
		info = tag[2]
	}
	return status, info, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
