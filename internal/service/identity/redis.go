package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/OpenAgentsInc/commander/internal/cryptographic/encryption"
	"github.com/OpenAgentsInc/commander/internal/cryptographic/kdf"
	"github.com/OpenAgentsInc/commander/internal/model"
	redisSvc "github.com/OpenAgentsInc/commander/internal/service/redis"
)

const sealInfo = "commander/identity-seal/v1"

// RedisStore saves identities sealed with AES-GCM under a key derived from
// a configured secret. Entries expire after ttl.
type RedisStore struct {
	redis  *redisSvc.RedisService
	sealer *encryption.Sealer
	ttl    time.Duration
}

func NewRedisStore(redis *redisSvc.RedisService, sealSecret string, ttl time.Duration) (*RedisStore, error) {
	key, err := kdf.DeriveKey([]byte(sealSecret), nil, []byte(sealInfo), 32)
	if err != nil {
		return nil, fmt.Errorf("identity: derive seal key: %w", err)
	}
	sealer, err := encryption.NewSealer(key)
	if err != nil {
		return nil, err
	}
	return &RedisStore{
		redis:  redis,
		sealer: sealer,
		ttl:    ttl,
	}, nil
}

func storageKey(requestID string) string {
	return fmt.Sprintf("identity: %s", requestID)
}

func (s *RedisStore) Save(ctx context.Context, requestID string, id model.EphemeralIdentity) error {
	key := storageKey(requestID)
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	sealed, err := s.sealer.Seal(data, []byte(key))
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, key, sealed, s.ttl)
}

func (s *RedisStore) Load(ctx context.Context, requestID string) (*model.EphemeralIdentity, error) {
	key := storageKey(requestID)
	v, err := s.redis.Get(ctx, key)
	if redisSvc.IsNil(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	data, err := s.sealer.Open(v, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("identity: open %s: %w", requestID, err)
	}

	var id model.EphemeralIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

func (s *RedisStore) Delete(ctx context.Context, requestID string) error {
	return s.redis.Del(ctx, storageKey(requestID))
}
