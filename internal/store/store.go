// Package store is the durable state store: the single source of truth
// for coordinator configuration, counters and the offline pending queue.
// It survives coordinator teardown and is the only shared mutable
// resource between contexts.
package store

import (
	"context"
	"errors"
	"time"

	"carbontrail/internal/event"
)

var (
	ErrClosed   = errors.New("store closed")
	ErrNotFound = errors.New("pending item not found")
)

// Persisted state keys. Writers must always write whole, self-consistent
// fragments so a concurrently-initializing reader never observes a torn
// state.
const (
	KeyMode           = "mode"
	KeyBackendBaseURL = "backendBaseUrl"
	KeyTotalTracked   = "totalActivitiesTracked"
	KeyLastSyncStatus = "lastSyncStatus"
	KeyLastSyncAt     = "lastSyncAt"
)

// PendingItem is an activity event that could not be handed to the
// coordinator. The dispatch client is the only appender; the coordinator
// is the only remover.
type PendingItem struct {
	ID       int64
	Payload  event.ActivityEvent
	Source   event.Provider
	QueuedAt time.Time
}

// Store is the persistence API shared by the dispatch client and the
// coordinator.
type Store interface {
	// LoadState returns every persisted state key. Missing keys are
	// simply absent from the map; callers apply defaults.
	LoadState(ctx context.Context) (map[string]string, error)

	// SaveState writes all given fields in a single transaction.
	SaveState(ctx context.Context, fields map[string]string) error

	// AppendPending adds an item to the tail of the offline queue.
	AppendPending(ctx context.Context, item PendingItem) error

	// ListPending returns up to limit items in queue order (FIFO).
	// limit <= 0 means no bound.
	ListPending(ctx context.Context, limit int) ([]PendingItem, error)

	// RemovePending deletes one item by id after successful handling.
	RemovePending(ctx context.Context, id int64) error

	// PendingCount reports the queue depth.
	PendingCount(ctx context.Context) (int, error)

	Close() error
}

// Config configures the sqlite backend.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}
