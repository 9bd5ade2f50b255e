package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ha1tch/archety/pkg/graph"
	"github.com/ha1tch/archety/pkg/models"
)

type entityKey struct {
	kind models.Kind
	key  string
}

type attrKey struct {
	kind  models.Kind
	name  string
	value string
}

type edgeKey struct {
	src models.Handle
	dst models.Handle
	typ models.RelType
}

// MemoryStore implements Store in process memory. Relationships are
// indexed with a graph.Index so one-hop lookups never scan.
type MemoryStore struct {
	mu         sync.RWMutex
	entities   map[models.Handle]*models.Entity
	keys       map[entityKey]models.Handle
	attrs      map[attrKey]models.Handle
	edges      map[int64]*models.Edge
	index      *graph.Index
	nextHandle int64
	nextEdge   int64
	closed     bool

	// writeMu is held for the lifetime of a write transaction
	writeMu  sync.Mutex
	onCommit func() error
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[models.Handle]*models.Entity),
		keys:     make(map[entityKey]models.Handle),
		attrs:    make(map[attrKey]models.Handle),
		edges:    make(map[int64]*models.Edge),
		index:    graph.NewIndex(),
	}
}

// Info returns metadata about the memory store
func (s *MemoryStore) Info() StoreInfo {
	return StoreInfo{
		Type:           "memory",
		Version:        "1.0",
		SupportsExport: true,
	}
}

// FindEntity looks up an entity by kind and key
func (s *MemoryStore) FindEntity(ctx context.Context, kind models.Kind, key string) (models.Handle, error) {
	if err := validKey(kind, key); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStorageClosed
	}
	h, ok := s.keys[entityKey{kind, key}]
	if !ok {
		return 0, ErrNotFound
	}
	return h, nil
}

// FindByAttr looks up an entity by attribute value
func (s *MemoryStore) FindByAttr(ctx context.Context, kind models.Kind, attr, value string) (models.Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStorageClosed
	}
	h, ok := s.attrs[attrKey{kind, attr, value}]
	if !ok {
		return 0, ErrNotFound
	}
	return h, nil
}

// GetEntity returns a copy of the entity
func (s *MemoryStore) GetEntity(ctx context.Context, h models.Handle) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStorageClosed
	}
	e, ok := s.entities[h]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

// Related returns outgoing relationships of one type with their targets
func (s *MemoryStore) Related(ctx context.Context, h models.Handle, t models.RelType) ([]models.Related, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStorageClosed
	}
	ids := s.index.Outgoing(h, t)
	out := make([]models.Related, 0, len(ids))
	for _, id := range ids {
		edge, ok := s.edges[id]
		if !ok {
			continue
		}
		target, ok := s.entities[edge.Target]
		if !ok {
			continue
		}
		e := *edge
		e.Attrs = models.CopyAttrs(edge.Attrs)
		out = append(out, models.Related{Edge: e, Entity: *target.Clone()})
	}
	return out, nil
}

// Begin opens the single write transaction, blocking while another is open
func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	s.writeMu.Lock()

	s.mu.RLock()
	closed := s.closed
	nextHandle, nextEdge := s.nextHandle, s.nextEdge
	s.mu.RUnlock()

	if closed {
		s.writeMu.Unlock()
		return nil, ErrStorageClosed
	}
	return &memoryTx{
		s:          s,
		entities:   make(map[models.Handle]*models.Entity),
		keys:       make(map[entityKey]models.Handle),
		edgeIdx:    make(map[edgeKey]*models.Edge),
		nextHandle: nextHandle,
		nextEdge:   nextEdge,
	}, nil
}

// ForEachEntity visits every entity in handle order
func (s *MemoryStore) ForEachEntity(ctx context.Context, fn func(models.Entity) error) error {
	s.mu.RLock()
	entities := make([]models.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		entities = append(entities, *e.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(entities, func(i, j int) bool { return entities[i].Handle < entities[j].Handle })
	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// ForEachEdge visits every relationship in id order
func (s *MemoryStore) ForEachEdge(ctx context.Context, fn func(models.Edge) error) error {
	s.mu.RLock()
	edges := make([]models.Edge, 0, len(s.edges))
	for _, e := range s.edges {
		c := *e
		c.Attrs = models.CopyAttrs(e.Attrs)
		edges = append(edges, c)
	}
	s.mu.RUnlock()

	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	for _, e := range edges {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Counts returns entity and relationship totals
func (s *MemoryStore) Counts(ctx context.Context) (Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := Counts{
		Entities:      make(map[models.Kind]int64),
		Relationships: make(map[models.RelType]int64),
	}
	for _, e := range s.entities {
		c.Entities[e.Kind]++
	}
	for _, e := range s.edges {
		c.Relationships[e.Type]++
	}
	return c, nil
}

// Close marks the store closed
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// apply merges a committed transaction into the store
func (s *MemoryStore) apply(tx *memoryTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for h, e := range tx.entities {
		if old, ok := s.entities[h]; ok {
			for name, value := range old.Attrs {
				k := attrKey{old.Kind, name, value}
				if e.Attrs[name] != value && s.attrs[k] == h {
					delete(s.attrs, k)
				}
			}
		}
		s.entities[h] = e
		s.keys[entityKey{e.Kind, e.Key}] = h
		for name, value := range e.Attrs {
			k := attrKey{e.Kind, name, value}
			if _, taken := s.attrs[k]; !taken {
				s.attrs[k] = h
			}
		}
	}
	for _, e := range tx.edges {
		s.edges[e.ID] = e
		s.index.AddEdge(e.Source, e.Target, e.Type, e.ID)
	}
	s.nextHandle = tx.nextHandle
	s.nextEdge = tx.nextEdge
}

// memoryTx stages writes in an overlay that is merged on commit
type memoryTx struct {
	s          *MemoryStore
	entities   map[models.Handle]*models.Entity
	keys       map[entityKey]models.Handle
	edges      []*models.Edge
	edgeIdx    map[edgeKey]*models.Edge
	nextHandle int64
	nextEdge   int64
	done       bool
}

func (tx *memoryTx) lookupKey(k entityKey) (models.Handle, bool) {
	if h, ok := tx.keys[k]; ok {
		return h, true
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	h, ok := tx.s.keys[k]
	return h, ok
}

// writable returns the overlay copy of an entity, cloning it from the store on first write
func (tx *memoryTx) writable(h models.Handle) (*models.Entity, error) {
	if e, ok := tx.entities[h]; ok {
		return e, nil
	}
	tx.s.mu.RLock()
	base, ok := tx.s.entities[h]
	tx.s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("entity %d: %w", h, ErrNotFound)
	}
	e := base.Clone()
	tx.entities[h] = e
	return e, nil
}

func (tx *memoryTx) GetOrCreateEntity(ctx context.Context, kind models.Kind, key string, attrs map[string]string) (models.Handle, bool, error) {
	if tx.done {
		return 0, false, ErrTxDone
	}
	if err := validKey(kind, key); err != nil {
		return 0, false, err
	}

	k := entityKey{kind, key}
	if h, ok := tx.lookupKey(k); ok {
		if len(attrs) > 0 {
			e, err := tx.writable(h)
			if err != nil {
				return 0, false, err
			}
			for name, value := range attrs {
				if e.Attr(name) == "" {
					if e.Attrs == nil {
						e.Attrs = make(map[string]string)
					}
					e.Attrs[name] = value
				}
			}
		}
		return h, false, nil
	}

	tx.nextHandle++
	h := models.Handle(tx.nextHandle)
	tx.entities[h] = &models.Entity{Handle: h, Kind: kind, Key: key, Attrs: models.CopyAttrs(attrs)}
	tx.keys[k] = h
	return h, true, nil
}

func (tx *memoryTx) SetAttr(ctx context.Context, h models.Handle, name, value string) error {
	if tx.done {
		return ErrTxDone
	}
	e, err := tx.writable(h)
	if err != nil {
		return err
	}
	if e.Attrs == nil {
		e.Attrs = make(map[string]string)
	}
	e.Attrs[name] = value
	return nil
}

func (tx *memoryTx) FindEdge(ctx context.Context, src, dst models.Handle, t models.RelType) (*models.Edge, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if e, ok := tx.edgeIdx[edgeKey{src, dst, t}]; ok {
		c := *e
		return &c, nil
	}
	id, ok := tx.s.index.EdgeID(src, dst, t)
	if !ok {
		return nil, ErrNotFound
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	e, ok := tx.s.edges[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *e
	c.Attrs = models.CopyAttrs(e.Attrs)
	return &c, nil
}

func (tx *memoryTx) CreateEdge(ctx context.Context, src, dst models.Handle, t models.RelType, attrs map[string]string) (*models.Edge, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if err := validEdge(src, dst, t); err != nil {
		return nil, err
	}
	for _, h := range []models.Handle{src, dst} {
		if !tx.exists(h) {
			return nil, fmt.Errorf("entity %d: %w", h, ErrNotFound)
		}
	}

	tx.nextEdge++
	e := &models.Edge{ID: tx.nextEdge, Source: src, Target: dst, Type: t, Attrs: models.CopyAttrs(attrs)}
	tx.edges = append(tx.edges, e)
	if _, dup := tx.edgeIdx[edgeKey{src, dst, t}]; !dup {
		tx.edgeIdx[edgeKey{src, dst, t}] = e
	}
	c := *e
	return &c, nil
}

func (tx *memoryTx) exists(h models.Handle) bool {
	if _, ok := tx.entities[h]; ok {
		return true
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	_, ok := tx.s.entities[h]
	return ok
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	defer tx.s.writeMu.Unlock()

	tx.s.apply(tx)
	if tx.s.onCommit != nil {
		return tx.s.onCommit()
	}
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.s.writeMu.Unlock()
	return nil
}
