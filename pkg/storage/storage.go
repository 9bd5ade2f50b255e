package storage

import (
	"context"
	"errors"

	"github.com/ha1tch/archety/pkg/models"
)

var (
	// ErrNotFound is returned when an entity or relationship is not found
	ErrNotFound = errors.New("not found")
	// ErrStorageClosed is returned when the store has been closed
	ErrStorageClosed = errors.New("storage closed")
	// ErrTxDone is returned when a finished transaction is used again
	ErrTxDone = errors.New("transaction already committed or rolled back")
	// ErrInvalidKind is returned for an unknown entity kind
	ErrInvalidKind = errors.New("invalid entity kind")
	// ErrInvalidHandle is returned for a handle that no store could have issued
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrInvalidRelType is returned for an unknown relationship type
	ErrInvalidRelType = errors.New("invalid relationship type")
)

// Store is a graph store: a read path used by request handlers and the
// entity resolver, and a transaction factory used by the single writer.
type Store interface {
	// FindEntity looks up an entity by its unique (kind, key) index.
	// Returns ErrNotFound when absent.
	FindEntity(ctx context.Context, kind models.Kind, key string) (models.Handle, error)

	// FindByAttr looks up the first entity of kind whose attribute equals value.
	FindByAttr(ctx context.Context, kind models.Kind, attr, value string) (models.Handle, error)

	// GetEntity loads an entity by handle
	GetEntity(ctx context.Context, h models.Handle) (*models.Entity, error)

	// Related returns the outgoing relationships of type t with their targets
	Related(ctx context.Context, h models.Handle, t models.RelType) ([]models.Related, error)

	// Begin opens a write transaction. Stores serialize writers.
	Begin(ctx context.Context) (Tx, error)

	// Lifecycle
	Close() error
}

// Tx is a unit of work against a Store
type Tx interface {
	// GetOrCreateEntity returns the handle of the entity with the given
	// unique key, creating it if absent. attrs are applied only where the
	// entity does not already carry a value.
	GetOrCreateEntity(ctx context.Context, kind models.Kind, key string, attrs map[string]string) (models.Handle, bool, error)

	// SetAttr sets (or overwrites) one attribute
	SetAttr(ctx context.Context, h models.Handle, name, value string) error

	// FindEdge returns the directed edge src-[t]->dst, or ErrNotFound
	FindEdge(ctx context.Context, src, dst models.Handle, t models.RelType) (*models.Edge, error)

	// CreateEdge creates a directed edge unconditionally
	CreateEdge(ctx context.Context, src, dst models.Handle, t models.RelType, attrs map[string]string) (*models.Edge, error)

	Commit() error
	Rollback() error
}

// Savepointer is implemented by transactions that can undo part of their work
type Savepointer interface {
	Savepoint(ctx context.Context) (Savepoint, error)
}

// Savepoint marks a position inside a transaction
type Savepoint interface {
	// Release keeps the work done since the savepoint
	Release(ctx context.Context) error
	// RollbackTo discards the work done since the savepoint
	RollbackTo(ctx context.Context) error
}

// Exporter defines optional full scans, used by cache warm-up and migration
type Exporter interface {
	ForEachEntity(ctx context.Context, fn func(models.Entity) error) error
	ForEachEdge(ctx context.Context, fn func(models.Edge) error) error
}

// Counts summarizes the contents of a store
type Counts struct {
	Entities      map[models.Kind]int64    `json:"entities"`
	Relationships map[models.RelType]int64 `json:"relationships"`
}

// Counter defines optional content statistics
type Counter interface {
	Counts(ctx context.Context) (Counts, error)
}

// StoreInfo provides metadata about the store implementation
type StoreInfo struct {
	Type               string // "memory", "sqlite", "badger", "neo4j", etc.
	Version            string
	SupportsSavepoints bool
	SupportsExport     bool
	PersistentOnDisk   bool
}

// InfoProvider allows stores to provide metadata about their capabilities
type InfoProvider interface {
	Info() StoreInfo
}

func validKey(kind models.Kind, key string) error {
	if !kind.Valid() {
		return ErrInvalidKind
	}
	if key == "" {
		return errors.New("empty entity key")
	}
	return nil
}

func validEdge(src, dst models.Handle, t models.RelType) error {
	if !src.Valid() || !dst.Valid() {
		return ErrInvalidHandle
	}
	if !t.Valid() {
		return ErrInvalidRelType
	}
	return nil
}
