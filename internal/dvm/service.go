package dvm

import (
	"context"
	"errors"

	"github.com/OpenAgentsInc/commander/internal/cryptographic/keys"
	"github.com/OpenAgentsInc/commander/internal/cryptographic/payload"
	"github.com/OpenAgentsInc/commander/internal/errs"
	"github.com/OpenAgentsInc/commander/internal/model"
	"github.com/OpenAgentsInc/commander/internal/relay"
	"github.com/OpenAgentsInc/commander/internal/service/identity"
	"github.com/OpenAgentsInc/commander/internal/telemetry"
	"github.com/OpenAgentsInc/commander/internal/utils/log"

	"go.uber.org/zap"
)

type (
	Gateway interface {
		Fetcher
		Publish(ctx context.Context, msg *model.SignedMessage) (*relay.PublishReport, error)
	}

	// History records requests and outcomes. Failures are logged, never
	// returned to the caller.
	History interface {
		Create(ctx context.Context, rec *model.JobRecord) error
		UpdateState(ctx context.Context, requestID string, state model.JobState) error
		MarkResolved(ctx context.Context, res *model.JobResult) error
	}

	ServiceOption func(*Service)

	Service struct {
		gateway    Gateway
		builder    *Builder
		correlator *Correlator
		identities identity.Store
		history    History
		tracker    *telemetry.Tracker
	}

	Submission struct {
		Request  *model.SignedMessage
		Identity model.EphemeralIdentity
		Report   *relay.PublishReport
	}
)

func WithHistory(h History) ServiceOption {
	return func(s *Service) {
		s.history = h
	}
}

func WithServiceTracker(t *telemetry.Tracker) ServiceOption {
	return func(s *Service) {
		s.tracker = t
	}
}

func WithBuilder(b *Builder) ServiceOption {
	return func(s *Service) {
		s.builder = b
	}
}

func WithCorrelator(c *Correlator) ServiceOption {
	return func(s *Service) {
		s.correlator = c
	}
}

func NewService(gw Gateway, cipher payload.Cipher, identities identity.Store, opts ...ServiceOption) *Service {
	s := &Service{
		gateway:    gw,
		identities: identities,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.builder == nil {
		s.builder = NewBuilder(cipher)
	}
	if s.correlator == nil {
		s.correlator = NewCorrelator(gw, cipher, WithCorrelatorTracker(s.tracker))
	}
	return s
}

// Submit signs params with a fresh ephemeral identity, publishes the request
// and stores the identity under the request id for a later Await.
func (s *Service) Submit(ctx context.Context, params model.JobRequestParams) (*Submission, error) {
	id, err := keys.Generate()
	if err != nil {
		return nil, err
	}

	msg, err := s.builder.Build(id.SecretKey, params)
	if err != nil {
		return nil, err
	}

	report, err := s.gateway.Publish(ctx, msg)
	if err != nil {
		return nil, err
	}

	id.RequestID = msg.ID
	id.RequestKind = msg.Kind
	id.Recipient = params.Recipient

	sub := &Submission{Request: msg, Identity: id, Report: report}
	s.tracker.Track(category, "submit", telemetry.WithLabel(msg.ID), telemetry.WithValue(float64(msg.Kind)))

	if err := s.identities.Save(ctx, msg.ID, id); err != nil {
		return sub, errs.Wrap(errs.Other, "dvm.Submit", "request published but identity was not saved", err)
	}

	s.record(func(h History) error {
		return h.Create(ctx, &model.JobRecord{
			RequestID: msg.ID,
			Kind:      msg.Kind,
			Requester: msg.PubKey,
			Recipient: params.Recipient,
			State:     model.JobStateIssued,
			CreatedAt: msg.CreatedAt.Time().UTC(),
		})
	})
	return sub, nil
}

// Await resumes the request stored under requestID and waits for its result.
// An empty responder falls back to the recipient the request was encrypted
// for. The identity is discarded once the request is resolved; after a
// timeout it is kept so the caller may try again.
func (s *Service) Await(ctx context.Context, requestID, responder string, policy PollPolicy) (*model.JobResult, error) {
	id, err := s.identities.Load(ctx, requestID)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, errs.Wrap(errs.InvalidInput, "dvm.Await", "no stored identity for request "+requestID, err)
	}
	if err != nil {
		return nil, err
	}

	if responder == "" {
		responder = id.Recipient
	}

	s.record(func(h History) error { return h.UpdateState(ctx, requestID, model.JobStatePolling) })

	res, err := s.correlator.AwaitResult(ctx, AwaitRequest{
		RequestID:   requestID,
		RequestKind: id.RequestKind,
		SecretKey:   id.SecretKey,
		Responder:   responder,
	}, policy)
	if errs.Is(err, errs.Timeout) {
		s.record(func(h History) error { return h.UpdateState(ctx, requestID, model.JobStateTimedOut) })
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if err := s.identities.Delete(ctx, requestID); err != nil {
		log.Warn("discard identity failed", zap.String("request", requestID), zap.Error(err))
	}
	s.record(func(h History) error { return h.MarkResolved(ctx, res) })
	return res, nil
}

// Forget discards the identity of a request the caller has given up on.
func (s *Service) Forget(ctx context.Context, requestID string) error {
	if err := s.identities.Delete(ctx, requestID); err != nil {
		return err
	}
	s.record(func(h History) error { return h.UpdateState(ctx, requestID, model.JobStateAbandoned) })
	return nil
}

func (s *Service) record(fn func(History) error) {
	if s.history == nil {
		return
	}
	if err := fn(s.history); err != nil {
		log.Warn("job history update failed", zap.Error(err))
	}
}
