package store

import (
	"context"
	"sync"

	"github.com/zen-systems/referralgate/pkg/referral"
)

// MemoryStore keeps deep copies of cases in a map.
type MemoryStore struct {
	mu    sync.RWMutex
	cases map[string]*referral.Case
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cases: make(map[string]*referral.Case)}
}

// Load returns a copy of the stored case.
func (s *MemoryStore) Load(ctx context.Context, conversationID string) (*referral.Case, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// Save stores a copy of c and bumps its version.
func (s *MemoryStore) Save(ctx context.Context, c *referral.Case) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var stored int64
	if cur, ok := s.cases[c.ConversationID]; ok {
		stored = cur.Version
	}
	if c.Version != stored {
		return ErrVersionConflict
	}
	c.Version++
	s.cases[c.ConversationID] = c.Clone()
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// CountByTaskState returns how many cases sit in each task state.
func (s *MemoryStore) CountByTaskState(ctx context.Context) (map[referral.TaskState]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[referral.TaskState]int{}
	for _, c := range s.cases {
		out[c.TaskState]++
	}
	return out, nil
}
