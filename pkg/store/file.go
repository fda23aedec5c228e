package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zen-systems/referralgate/pkg/referral"
)

// FileStore keeps one JSON snapshot per case, sharded by the hash of the
// conversation ID.
type FileStore struct {
	BasePath string

	mu sync.Mutex
}

// NewFileStore creates the case directory under basePath. An empty path
// defaults to ~/.referralgate/cases.
func NewFileStore(basePath string) (*FileStore, error) {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		basePath = filepath.Join(home, ".referralgate", "cases")
	}
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, err
	}
	return &FileStore{BasePath: basePath}, nil
}

func (s *FileStore) path(conversationID string) string {
	sum := sha256.Sum256([]byte(conversationID))
	hash := hex.EncodeToString(sum[:])
	return filepath.Join(s.BasePath, hash[:2], hash+".json")
}

// Load reads the snapshot for conversationID.
func (s *FileStore) Load(ctx context.Context, conversationID string) (*referral.Case, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(conversationID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var c referral.Case
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode case: %w", err)
	}
	return &c, nil
}

// Save replaces the snapshot via a temp file and rename.
func (s *FileStore) Save(ctx context.Context, c *referral.Case) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored int64
	cur, err := s.Load(ctx, c.ConversationID)
	switch {
	case err == nil:
		stored = cur.Version
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}
	if c.Version != stored {
		return ErrVersionConflict
	}

	next := *c
	next.Version++
	data, err := json.MarshalIndent(&next, "", "  ")
	if err != nil {
		return err
	}

	path := s.path(c.ConversationID)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	c.Version = next.Version
	return nil
}

// Ping checks the base directory is still there.
func (s *FileStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := os.Stat(s.BasePath)
	return err
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}
