package dvm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/OpenAgentsInc/commander/internal/cryptographic/payload"
	"github.com/OpenAgentsInc/commander/internal/errs"
	"github.com/OpenAgentsInc/commander/internal/model"
	"github.com/OpenAgentsInc/commander/internal/relay/relaytest"
	"github.com/OpenAgentsInc/commander/internal/service/identity"
	"github.com/OpenAgentsInc/commander/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	mu       sync.Mutex
	created  []*model.JobRecord
	states   []model.JobState
	resolved []*model.JobResult
	failing  bool
}

func (h *fakeHistory) Create(_ context.Context, rec *model.JobRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failing {
		return errors.New("history down")
	}
	h.created = append(h.created, rec)
	return nil
}

func (h *fakeHistory) UpdateState(_ context.Context, _ string, state model.JobState) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, state)
	return nil
}

func (h *fakeHistory) MarkResolved(_ context.Context, res *model.JobResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resolved = append(h.resolved, res)
	return nil
}

type failingStore struct{ identity.Store }

func (failingStore) Save(context.Context, string, model.EphemeralIdentity) error {
	return errors.New("store down")
}

type serviceFixture struct {
	relays   []*relaytest.MemoryRelay
	store    *identity.MemoryStore
	history  *fakeHistory
	provider model.EphemeralIdentity
	events   []telemetry.Event
	svc      *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		relays: []*relaytest.MemoryRelay{
			relaytest.NewMemoryRelay("wss://a.example"),
			relaytest.NewMemoryRelay("wss://b.example"),
		},
		store:    identity.NewMemoryStore(),
		history:  &fakeHistory{},
		provider: newIdentity(t),
	}
	gw, err := relaytest.Gateway(f.relays)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Release() })

	var mu sync.Mutex
	tracker := telemetry.NewTracker(telemetry.SinkFunc(func(ev telemetry.Event) error {
		mu.Lock()
		defer mu.Unlock()
		f.events = append(f.events, ev)
		return nil
	}))
	cipher := payload.New(tracker)
	f.svc = NewService(gw, cipher, f.store,
		WithHistory(f.history),
		WithServiceTracker(tracker),
		WithCorrelator(NewCorrelator(gw, cipher,
			WithCorrelatorTracker(tracker),
			WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))),
	)
	return f
}

// answer plays the service provider: it reads the request off a relay and
// publishes an encrypted result.
func (f *serviceFixture) answer(t *testing.T, requestID string, reply func(in string) string) {
	t.Helper()
	var req *model.SignedMessage
	for _, ev := range f.relays[1].Events() {
		if ev.ID == requestID {
			req = ev
		}
	}
	require.NotNil(t, req, "request not on relay")

	decoded, err := DecodeRequest(payload.New(nil), req, f.provider.SecretKey)
	require.NoError(t, err)

	res, err := newBuilder().BuildResult(f.provider.SecretKey, ResultParams{
		Request: req,
		Status:  model.JobStatusSuccess,
		Content: reply(decoded.Inputs[0].Data),
	})
	require.NoError(t, err)
	f.relays[0].Inject(res)
}

func (f *serviceFixture) actions() []string {
	var out []string
	for _, ev := range f.events {
		out = append(out, ev.Action)
	}
	return out
}

func TestServiceSubmitAndAwait(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	sub, err := f.svc.Submit(ctx, helloParams(f.provider.PublicKey))
	require.NoError(t, err)
	assert.Len(t, sub.Report.Accepted, 2)
	assert.Equal(t, sub.Request.ID, sub.Identity.RequestID)
	assert.Equal(t, sub.Request.PubKey, sub.Identity.PublicKey)

	stored, err := f.store.Load(ctx, sub.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.Identity.SecretKey, stored.SecretKey)
	assert.Equal(t, f.provider.PublicKey, stored.Recipient)

	require.Len(t, f.history.created, 1)
	assert.Equal(t, model.JobStateIssued, f.history.created[0].State)
	assert.Equal(t, 5100, f.history.created[0].Kind)

	f.answer(t, sub.Request.ID, func(in string) string { return "echo: " + in })

	res, err := f.svc.Await(ctx, sub.Request.ID, "", DefaultPollPolicy())
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", res.Content)
	assert.Equal(t, model.JobStatusSuccess, res.Status)

	_, err = f.store.Load(ctx, sub.Request.ID)
	assert.ErrorIs(t, err, identity.ErrNotFound)
	assert.Equal(t, []model.JobState{model.JobStatePolling}, f.history.states)
	require.Len(t, f.history.resolved, 1)
	assert.Equal(t, sub.Request.ID, f.history.resolved[0].RequestID)

	assert.Contains(t, f.actions(), "submit")
	assert.Contains(t, f.actions(), "encrypt")
	assert.Contains(t, f.actions(), "decrypt")
	assert.Contains(t, f.actions(), "correlation_match")
}

func TestServiceAwaitTimeoutKeepsIdentity(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	sub, err := f.svc.Submit(ctx, helloParams(f.provider.PublicKey))
	require.NoError(t, err)

	_, err = f.svc.Await(ctx, sub.Request.ID, "", policy(3))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Timeout))
	assert.Equal(t, []model.JobState{model.JobStatePolling, model.JobStateTimedOut}, f.history.states)
	assert.Contains(t, f.actions(), "correlation_timeout")

	_, err = f.store.Load(ctx, sub.Request.ID)
	require.NoError(t, err)

	// a late answer is still picked up by a second Await
	f.answer(t, sub.Request.ID, func(string) string { return "late" })
	res, err := f.svc.Await(ctx, sub.Request.ID, "", policy(1))
	require.NoError(t, err)
	assert.Equal(t, "late", res.Content)
}

func TestServiceAwaitUnknownRequest(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Await(context.Background(), "f00d", "", policy(1))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvalidInput))
	assert.ErrorIs(t, err, identity.ErrNotFound)
	assert.Empty(t, f.history.states)
}

func TestServiceForget(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	sub, err := f.svc.Submit(ctx, helloParams(f.provider.PublicKey))
	require.NoError(t, err)
	require.NoError(t, f.svc.Forget(ctx, sub.Request.ID))

	_, err = f.store.Load(ctx, sub.Request.ID)
	assert.ErrorIs(t, err, identity.ErrNotFound)
	assert.Equal(t, []model.JobState{model.JobStateAbandoned}, f.history.states)
}

func TestServiceSubmitRejectsInvalidParams(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Submit(context.Background(), model.JobRequestParams{Kind: 1})
	assert.True(t, errs.Is(err, errs.InvalidInput))
	for _, r := range f.relays {
		assert.Zero(t, r.Sends())
	}
	assert.Empty(t, f.history.created)
}

func TestServiceSubmitFailsWhenNoRelayAccepts(t *testing.T) {
	relays := []*relaytest.MemoryRelay{relaytest.NewMemoryRelay("wss://strict.example", relaytest.AcceptOnlyKinds(0))}
	gw, err := relaytest.Gateway(relays)
	require.NoError(t, err)
	store := identity.NewMemoryStore()
	svc := NewService(gw, payload.New(nil), store)

	_, err = svc.Submit(context.Background(), helloParams(""))
	assert.True(t, errs.Is(err, errs.Publish))
}

func TestServiceSubmitReportsUnsavedIdentity(t *testing.T) {
	f := newServiceFixture(t)
	gw, err := relaytest.Gateway(f.relays)
	require.NoError(t, err)
	svc := NewService(gw, payload.New(nil), failingStore{})

	sub, err := svc.Submit(context.Background(), helloParams(""))
	require.Error(t, err)
	require.NotNil(t, sub)
	assert.NotEmpty(t, sub.Request.ID)
	assert.Contains(t, err.Error(), "identity was not saved")
}

func TestServiceHistoryFailureIsNotFatal(t *testing.T) {
	f := newServiceFixture(t)
	f.history.failing = true

	sub, err := f.svc.Submit(context.Background(), helloParams(f.provider.PublicKey))
	require.NoError(t, err)
	assert.NotNil(t, sub)
}
