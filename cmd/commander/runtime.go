package main

import (
	"context"
	"fmt"
	"time"

	"github.com/OpenAgentsInc/commander/internal/chat"
	"github.com/OpenAgentsInc/commander/internal/config"
	"github.com/OpenAgentsInc/commander/internal/cryptographic/payload"
	"github.com/OpenAgentsInc/commander/internal/dvm"
	"github.com/OpenAgentsInc/commander/internal/relay"
	jobRepo "github.com/OpenAgentsInc/commander/internal/repository/job"
	"github.com/OpenAgentsInc/commander/internal/service/identity"
	redisSvc "github.com/OpenAgentsInc/commander/internal/service/redis"
	"github.com/OpenAgentsInc/commander/internal/telemetry"
	"github.com/OpenAgentsInc/commander/internal/utils/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// runtime holds the collaborators a command needs. Close releases all of
// them.
type runtime struct {
	cfg        *config.Config
	tracker    *telemetry.Tracker
	cipher     *payload.NIP04
	gateway    *relay.Gateway
	identities identity.Store
	history    *jobRepo.JobRepo

	// volatileIdentities is set when request keys do not outlive the process.
	volatileIdentities bool

	closers []func() error
}

func newRuntime(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*runtime, error) {
	metrics, err := telemetry.NewMetricsSink(reg)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		cfg:     cfg,
		tracker: telemetry.NewTracker(telemetry.LogSink{}, metrics),
	}
	rt.cipher = payload.New(rt.tracker)

	pool, err := relay.NewPool(cfg.Relays)
	if err != nil {
		return nil, err
	}
	rt.gateway = relay.NewGateway(pool,
		relay.WithPublishTimeout(cfg.PublishTimeout),
		relay.WithPublishPolicy(cfg.Policy()),
		relay.WithTracker(rt.tracker),
	)
	rt.closers = append(rt.closers, rt.gateway.Release)

	if err := rt.initIdentities(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	if err := rt.initHistory(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) initIdentities(ctx context.Context) error {
	if rt.cfg.Redis.Addr == "" {
		log.Warn("no redis configured, request keys are kept in memory and lost when the command exits")
		rt.identities = identity.NewMemoryStore()
		rt.volatileIdentities = true
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     rt.cfg.Redis.Addr,
		Password: rt.cfg.Redis.Password,
		DB:       rt.cfg.Redis.DB,
	})
	svc := redisSvc.NewRedis(rdb)
	rt.closers = append(rt.closers, svc.Close)

	if err := svc.Ping(ctx); err != nil {
		return fmt.Errorf("redis %s: %w", rt.cfg.Redis.Addr, err)
	}
	store, err := identity.NewRedisStore(svc, rt.cfg.Redis.SealKey, rt.cfg.Redis.IdentityTTL)
	if err != nil {
		return err
	}
	rt.identities = store
	return nil
}

func (rt *runtime) initHistory(ctx context.Context) error {
	if rt.cfg.Mongo.URI == "" {
		return nil
	}

	client, err := initMongo(ctx, rt.cfg.Mongo.URI)
	if err != nil {
		return fmt.Errorf("mongo: %w", err)
	}
	rt.closers = append(rt.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return client.Disconnect(ctx)
	})

	repo := jobRepo.NewJobRepo(client.Database(rt.cfg.Mongo.Database))
	if err := repo.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("mongo indexes: %w", err)
	}
	rt.history = repo
	return nil
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}

// awaitLaterNote warns that a request submitted without --wait cannot be
// awaited by another invocation.
func (rt *runtime) awaitLaterNote(wait bool) string {
	if wait || !rt.volatileIdentities {
		return ""
	}
	return "note: redis is not configured, so the request key is lost when this command exits; " +
		"use --wait or set redis.addr to run `commander job await` later"
}

func (rt *runtime) jobs() *dvm.Service {
	opts := []dvm.ServiceOption{dvm.WithServiceTracker(rt.tracker)}
	if rt.history != nil {
		opts = append(opts, dvm.WithHistory(rt.history))
	}
	return dvm.NewService(rt.gateway, rt.cipher, rt.identities, opts...)
}

func (rt *runtime) chat() *chat.Service {
	return chat.NewService(rt.gateway,
		chat.WithTracker(rt.tracker),
		chat.WithFetchTimeout(rt.cfg.FetchTimeout),
	)
}

func (rt *runtime) Close() error {
	var err error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, rt.closers[i]())
	}
	rt.closers = nil
	return err
}

// withRuntime builds the runtime for one command invocation and closes it
// afterwards.
func withRuntime(ctx context.Context, fn func(rt *runtime) error) error {
	rt, err := newRuntime(ctx, cfg, registry)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Warn("release resources failed", zap.Error(err))
		}
	}()
	return fn(rt)
}
