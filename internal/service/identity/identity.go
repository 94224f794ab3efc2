// Package identity keeps the ephemeral key of each outstanding job request
// so that a later call, possibly from another process, can decrypt the result.
package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/OpenAgentsInc/commander/internal/model"
)

var ErrNotFound = errors.New("identity: not found")

type Store interface {
	Save(ctx context.Context, requestID string, id model.EphemeralIdentity) error
	Load(ctx context.Context, requestID string) (*model.EphemeralIdentity, error)
	Delete(ctx context.Context, requestID string) error
}

// MemoryStore keeps identities for the lifetime of the process.
type MemoryStore struct {
	mu  sync.Mutex
	ids map[string]model.EphemeralIdentity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]model.EphemeralIdentity)}
}

func (s *MemoryStore) Save(_ context.Context, requestID string, id model.EphemeralIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[requestID] = id
	return nil
}

func (s *MemoryStore) Load(_ context.Context, requestID string) (*model.EphemeralIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return &id, nil
}

func (s *MemoryStore) Delete(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, requestID)
	return nil
}
