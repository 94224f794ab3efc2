package dvm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/OpenAgentsInc/commander/internal/cryptographic/keys"
	"github.com/OpenAgentsInc/commander/internal/cryptographic/payload"
	"github.com/OpenAgentsInc/commander/internal/errs"
	"github.com/OpenAgentsInc/commander/internal/model"
	"github.com/OpenAgentsInc/commander/internal/relay/relaytest"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	Fetcher
	mu      sync.Mutex
	calls   int
	filters [][]model.Filter
	err     error
}

func (f *countingFetcher) Fetch(ctx context.Context, filters []model.Filter, timeout time.Duration) ([]*model.SignedMessage, error) {
	f.mu.Lock()
	f.calls++
	f.filters = append(f.filters, filters)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Fetcher.Fetch(ctx, filters, timeout)
}

type handshake struct {
	relay     *relaytest.MemoryRelay
	fetcher   *countingFetcher
	builder   *Builder
	requester model.EphemeralIdentity
	provider  model.EphemeralIdentity
	request   *model.SignedMessage
	delays    []time.Duration
	onSleep   func()
}

func newHandshake(t *testing.T, encrypted bool) *handshake {
	t.Helper()
	h := &handshake{
		relay:     relaytest.NewMemoryRelay("wss://relay.example"),
		builder:   newBuilder(),
		requester: newIdentity(t),
		provider:  newIdentity(t),
	}
	gw, err := relaytest.Gateway([]*relaytest.MemoryRelay{h.relay})
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Release() })
	h.fetcher = &countingFetcher{Fetcher: gw}

	recipient := ""
	if encrypted {
		recipient = h.provider.PublicKey
	}
	h.request, err = h.builder.Build(h.requester.SecretKey, helloParams(recipient))
	require.NoError(t, err)
	return h
}

func (h *handshake) correlator() *Correlator {
	return NewCorrelator(h.fetcher, payload.New(nil), WithSleeper(func(ctx context.Context, d time.Duration) error {
		h.delays = append(h.delays, d)
		if h.onSleep != nil {
			h.onSleep()
		}
		return ctx.Err()
	}))
}

func (h *handshake) await(policy PollPolicy) (*model.JobResult, error) {
	return h.correlator().AwaitResult(context.Background(), AwaitRequest{
		RequestID:   h.request.ID,
		RequestKind: h.request.Kind,
		SecretKey:   h.requester.SecretKey,
		Responder:   h.provider.PublicKey,
	}, policy)
}

func (h *handshake) respond(t *testing.T, p ResultParams) *model.SignedMessage {
	t.Helper()
	p.Request = h.request
	res, err := h.builder.BuildResult(h.provider.SecretKey, p)
	require.NoError(t, err)
	h.relay.Inject(res)
	return res
}

func policy(attempts int) PollPolicy {
	return PollPolicy{Attempts: attempts, Interval: time.Second, MaxInterval: 3 * time.Second, Multiplier: 2, FetchTimeout: time.Second}
}

func TestAwaitResultDecryptsEncryptedResult(t *testing.T) {
	h := newHandshake(t, true)
	res := h.respond(t, ResultParams{Status: model.JobStatusSuccess, Content: "HELLO"})
	require.Contains(t, res.Tags, nostr.Tag{"e", h.request.ID, "", "request"})

	got, err := h.await(policy(3))
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusSuccess, got.Status)
	assert.Equal(t, "HELLO", got.Content)
	assert.Equal(t, h.request.ID, got.RequestID)
	assert.Equal(t, res.ID, got.ResultID)
	assert.Equal(t, h.provider.PublicKey, got.Author)
	assert.Equal(t, 6100, got.Kind)
	assert.Equal(t, 1, h.fetcher.calls)

	f := h.fetcher.filters[0][0]
	assert.Equal(t, []int{6100}, f.Kinds)
	assert.Equal(t, []string{h.provider.PublicKey}, f.Authors)
	assert.Equal(t, []string{h.request.ID}, f.Tags["e"])
}

func TestAwaitResultPlainResultWithAmount(t *testing.T) {
	h := newHandshake(t, false)
	h.respond(t, ResultParams{Content: "plain output", Amount: 21000, Bolt11: "lnbc210n1..."})

	got, err := h.await(policy(1))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusSuccess, got.Status)
	assert.Equal(t, "plain output", got.Content)
	assert.Equal(t, int64(21000), got.Amount)
	assert.Equal(t, "lnbc210n1...", got.Bolt11)
}

func TestAwaitResultTimesOutAfterExactAttempts(t *testing.T) {
	h := newHandshake(t, true)

	_, err := h.await(policy(4))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Timeout))
	assert.Equal(t, 4, h.fetcher.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, h.delays)
}

func TestAwaitResultResolvesOnLaterAttempt(t *testing.T) {
	h := newHandshake(t, true)
	sleeps := 0
	h.onSleep = func() {
		sleeps++
		if sleeps == 2 {
			h.respond(t, ResultParams{Status: model.JobStatusSuccess, Content: "late"})
		}
	}

	got, err := h.await(policy(5))
	require.NoError(t, err)
	assert.Equal(t, "late", got.Content)
	assert.Equal(t, 3, h.fetcher.calls)
}

func TestAwaitResultIgnoresUncorrelatedMessages(t *testing.T) {
	h := newHandshake(t, false)
	stranger := newIdentity(t)

	// right request, wrong author
	imposter, err := h.builder.BuildResult(stranger.SecretKey, ResultParams{Request: h.request, Content: "fake"})
	require.NoError(t, err)
	// right author, e tag used as a reply rather than a request reference
	reply, err := keys.Sign(h.provider.SecretKey, model.Template{
		Kind: 6100,
		Tags: nostr.Tags{{"e", h.request.ID, "", "reply"}},
	})
	require.NoError(t, err)
	h.relay.Inject(imposter, reply)

	req := AwaitRequest{RequestID: h.request.ID, RequestKind: 5100, Responder: h.provider.PublicKey}
	assert.False(t, correlates(imposter, req))
	assert.False(t, correlates(reply, req))

	_, err = h.await(policy(2))
	assert.True(t, errs.Is(err, errs.Timeout))

	h.respond(t, ResultParams{Content: "real"})
	got, err := h.await(policy(1))
	require.NoError(t, err)
	assert.Equal(t, "real", got.Content)
}

func TestMatchSkipsBadSignature(t *testing.T) {
	h := newHandshake(t, false)
	res, err := h.builder.BuildResult(h.provider.SecretKey, ResultParams{Request: h.request, Content: "real"})
	require.NoError(t, err)
	tampered := *res
	tampered.Content = "tampered"

	got, err := h.correlator().match([]*model.SignedMessage{&tampered}, AwaitRequest{RequestID: h.request.ID, RequestKind: 5100})
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = h.correlator().match([]*model.SignedMessage{&tampered, res}, AwaitRequest{RequestID: h.request.ID, RequestKind: 5100})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "real", got.Content)
}

func TestAwaitResultUnknownStatusIsProtocolError(t *testing.T) {
	h := newHandshake(t, false)
	msg, err := keys.Sign(h.provider.SecretKey, model.Template{
		Kind: 6100,
		Tags: nostr.Tags{{"e", h.request.ID, "", "request"}, {"status", "exploded"}},
	})
	require.NoError(t, err)
	h.relay.Inject(msg)

	_, err = h.await(policy(3))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Protocol))
	assert.Contains(t, err.Error(), "exploded")
	assert.Equal(t, 1, h.fetcher.calls)
}

func TestAwaitResultMalformedAmountIsProtocolError(t *testing.T) {
	h := newHandshake(t, false)
	msg, err := keys.Sign(h.provider.SecretKey, model.Template{
		Kind: 6100,
		Tags: nostr.Tags{{"e", h.request.ID}, {"amount", "lots"}},
	})
	require.NoError(t, err)
	h.relay.Inject(msg)

	_, err = h.await(policy(1))
	assert.True(t, errs.Is(err, errs.Protocol))
}

func TestAwaitResultDecryptFailurePropagates(t *testing.T) {
	h := newHandshake(t, true)
	msg, err := keys.Sign(h.provider.SecretKey, model.Template{
		Kind:    6100,
		Tags:    nostr.Tags{{"e", h.request.ID, "", "request"}, {"encrypted"}},
		Content: "not ciphertext",
	})
	require.NoError(t, err)
	h.relay.Inject(msg)

	_, err = h.await(policy(2))
	assert.True(t, errs.Is(err, errs.Decrypt))
}

func TestAwaitResultFeedback(t *testing.T) {
	h := newHandshake(t, true)
	p := policy(3)
	p.IncludeFeedback = true

	processing, err := h.builder.BuildFeedback(h.provider.SecretKey, ResultParams{Request: h.request, Status: model.JobStatusProcessing})
	require.NoError(t, err)
	h.relay.Inject(processing)

	h.onSleep = func() {
		if len(h.delays) == 1 {
			fb, err := h.builder.BuildFeedback(h.provider.SecretKey, ResultParams{
				Request:    h.request,
				Status:     model.JobStatusPaymentRequired,
				StatusInfo: "pay first",
				Amount:     5000,
			})
			require.NoError(t, err)
			h.relay.Inject(fb)
		}
	}

	got, err := h.await(p)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPaymentRequired, got.Status)
	assert.Equal(t, "pay first", got.StatusInfo)
	assert.Equal(t, int64(5000), got.Amount)
	assert.Equal(t, model.JobFeedbackKind, got.Kind)
	assert.Equal(t, 2, h.fetcher.calls)
	require.Len(t, h.fetcher.filters[0], 2)
	assert.Equal(t, []int{6100}, h.fetcher.filters[0][0].Kinds)
	assert.Equal(t, []int{7000}, h.fetcher.filters[0][1].Kinds)
}

func TestAwaitResultFindsResultBehindFeedbackBurst(t *testing.T) {
	h := newHandshake(t, true)
	p := policy(3)
	p.IncludeFeedback = true

	h.respond(t, ResultParams{Status: model.JobStatusSuccess, Content: "done"})
	for i := range resultFetchLimit + 5 {
		h.relay.Inject(relaytest.Sign(h.provider.SecretKey, model.Template{
			Kind:      model.JobFeedbackKind,
			CreatedAt: nostr.Timestamp(fixedNow.Unix() + int64(i) + 1),
			Tags: nostr.Tags{
				{"e", h.request.ID, "", "request"},
				{"status", string(model.JobStatusProcessing), fmt.Sprintf("step %d", i)},
			},
		}))
	}

	got, err := h.await(p)
	require.NoError(t, err)
	assert.Equal(t, "done", got.Content)
	assert.Equal(t, 1, h.fetcher.calls)
}

func TestAwaitResultKeepsPollingThroughFetchErrors(t *testing.T) {
	h := newHandshake(t, true)
	h.fetcher.err = errs.New(errs.Request, "relay.Fetch", "all relays failed")

	_, err := h.await(policy(3))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Timeout))
	assert.Contains(t, err.Error(), "all relays failed")
	assert.Equal(t, 3, h.fetcher.calls)
}

func TestAwaitResultStopsOnCancel(t *testing.T) {
	h := newHandshake(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	h.onSleep = cancel

	_, err := h.correlator().AwaitResult(ctx, AwaitRequest{
		RequestID:   h.request.ID,
		RequestKind: h.request.Kind,
		SecretKey:   h.requester.SecretKey,
	}, policy(10))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errs.Is(err, errs.Timeout))
	assert.Equal(t, 1, h.fetcher.calls)
}

func TestAwaitResultValidatesInput(t *testing.T) {
	h := newHandshake(t, true)
	c := h.correlator()
	ctx := context.Background()

	cases := map[string]AwaitRequest{
		"bad id":        {RequestID: "x", RequestKind: 5100, SecretKey: h.requester.SecretKey},
		"bad kind":      {RequestID: h.request.ID, RequestKind: 1, SecretKey: h.requester.SecretKey},
		"bad key":       {RequestID: h.request.ID, RequestKind: 5100, SecretKey: "nope"},
		"bad responder": {RequestID: h.request.ID, RequestKind: 5100, SecretKey: h.requester.SecretKey, Responder: "nope"},
	}
	for name, req := range cases {
		_, err := c.AwaitResult(ctx, req, policy(1))
		assert.True(t, errs.Is(err, errs.InvalidInput), name)
	}

	_, err := c.AwaitResult(ctx, AwaitRequest{RequestID: h.request.ID, RequestKind: 5100, SecretKey: h.requester.SecretKey}, PollPolicy{})
	assert.True(t, errs.Is(err, errs.InvalidInput))
	assert.Zero(t, h.fetcher.calls)
}

func TestPollPolicyDelay(t *testing.T) {
	p := PollPolicy{Interval: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.delay(1))
	assert.Equal(t, 100*time.Millisecond, p.delay(5))

	p = PollPolicy{Interval: time.Second, Multiplier: 1.5, MaxInterval: 2 * time.Second}
	assert.Equal(t, time.Second, p.delay(1))
	assert.Equal(t, 1500*time.Millisecond, p.delay(2))
	assert.Equal(t, 2*time.Second, p.delay(3))
}
