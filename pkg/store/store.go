// Package store persists referral cases between turns.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/zen-systems/referralgate/pkg/referral"
)

var (
	// ErrNotFound is returned when no case exists for a conversation.
	ErrNotFound = errors.New("store: case not found")
	// ErrVersionConflict is returned when Save sees a stale case version.
	ErrVersionConflict = errors.New("store: version conflict")
)

// CaseStore loads and saves cases by conversation ID. Save is optimistic:
// the case's Version must equal the stored version, and on success the
// store increments it.
type CaseStore interface {
	Load(ctx context.Context, conversationID string) (*referral.Case, error)
	Save(ctx context.Context, c *referral.Case) error
	Ping(ctx context.Context) error
	Close() error
}

// Counter is implemented by stores that can tally cases by task state.
type Counter interface {
	CountByTaskState(ctx context.Context) (map[referral.TaskState]int, error)
}

// Drivers accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverFile   = "file"
)

// Open returns the store for driver. path is ignored by the memory driver.
func Open(driver, path string) (CaseStore, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return NewSQLiteStore(path)
	case DriverFile:
		return NewFileStore(path)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
}
