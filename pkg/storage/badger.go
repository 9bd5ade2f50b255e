package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/ha1tch/archety/pkg/models"
)

// Key prefixes for the Badger layout
//   - Entities:     0x01 + handle -> JSON(Entity)
//   - Edges:        0x02 + edgeID -> JSON(Edge)
//   - Key index:    0x03 + kind + 0x00 + key -> handle
//   - Attr index:   0x04 + kind + 0x00 + name + 0x00 + value -> handle
//   - One-hop:      0x05 + src + type + 0x00 + dst -> edgeID
//   - Outgoing:     0x06 + src + type + 0x00 + edgeID -> empty
const (
	prefixEntity   = byte(0x01)
	prefixEdge     = byte(0x02)
	prefixKeyIndex = byte(0x03)
	prefixAttr     = byte(0x04)
	prefixOneHop   = byte(0x05)
	prefixOutgoing = byte(0x06)
)

var (
	seqEntityKey = []byte("seq:entity")
	seqEdgeKey   = []byte("seq:edge")
)

// BadgerOptions configures the Badger store
type BadgerOptions struct {
	DataDir    string
	InMemory   bool
	SyncWrites bool
}

// BadgerStore implements Store on an embedded Badger key-value database.
// A chunk that outgrows Badger's transaction size limit is committed as a
// run of Badger transactions, so on this store a chunk is atomic only up to
// the last rollover.
type BadgerStore struct {
	db      *badger.DB
	handles *badger.Sequence
	edgeIDs *badger.Sequence
	opts    BadgerOptions
	mu      sync.RWMutex
	closed  bool

	// writeMu is held for the lifetime of a write transaction
	writeMu sync.Mutex
}

// NewBadgerStore opens a Badger store
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	// Use a quiet logger
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	handles, err := db.GetSequence(seqEntityKey, 1000)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open entity sequence: %w", err)
	}
	edgeIDs, err := db.GetSequence(seqEdgeKey, 1000)
	if err != nil {
		handles.Release()
		db.Close()
		return nil, fmt.Errorf("failed to open edge sequence: %w", err)
	}

	return &BadgerStore{db: db, handles: handles, edgeIDs: edgeIDs, opts: opts}, nil
}

// Info returns store information
func (s *BadgerStore) Info() StoreInfo {
	return StoreInfo{
		Type:             "badger",
		Version:          "4",
		SupportsExport:   true,
		PersistentOnDisk: !s.opts.InMemory,
	}
}

func u64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func entityKeyBytes(h models.Handle) []byte {
	return append([]byte{prefixEntity}, u64(int64(h))...)
}

func edgeKeyBytes(id int64) []byte {
	return append([]byte{prefixEdge}, u64(id)...)
}

func keyIndexKey(kind models.Kind, key string) []byte {
	k := []byte{prefixKeyIndex}
	k = append(k, string(kind)...)
	k = append(k, 0x00)
	return append(k, key...)
}

func attrIndexKey(kind models.Kind, name, value string) []byte {
	k := []byte{prefixAttr}
	k = append(k, string(kind)...)
	k = append(k, 0x00)
	k = append(k, name...)
	k = append(k, 0x00)
	return append(k, value...)
}

func oneHopKey(src, dst models.Handle, t models.RelType) []byte {
	k := []byte{prefixOneHop}
	k = append(k, u64(int64(src))...)
	k = append(k, string(t)...)
	k = append(k, 0x00)
	return append(k, u64(int64(dst))...)
}

func outgoingPrefix(src models.Handle, t models.RelType) []byte {
	k := []byte{prefixOutgoing}
	k = append(k, u64(int64(src))...)
	k = append(k, string(t)...)
	return append(k, 0x00)
}

func getHandle(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	var v int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt index value for key %x", key)
		}
		v = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return v, err
}

func getJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}


func (s *BadgerStore) view(fn func(txn *badger.Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageClosed
	}
	return s.db.View(fn)
}

// FindEntity looks up an entity by its unique key
func (s *BadgerStore) FindEntity(ctx context.Context, kind models.Kind, key string) (models.Handle, error) {
	if err := validKey(kind, key); err != nil {
		return 0, err
	}
	var h int64
	err := s.view(func(txn *badger.Txn) error {
		var err error
		h, err = getHandle(txn, keyIndexKey(kind, key))
		return err
	})
	return models.Handle(h), err
}

// FindByAttr looks up an entity by attribute value
func (s *BadgerStore) FindByAttr(ctx context.Context, kind models.Kind, attr, value string) (models.Handle, error) {
	var h int64
	err := s.view(func(txn *badger.Txn) error {
		var err error
		h, err = getHandle(txn, attrIndexKey(kind, attr, value))
		return err
	})
	return models.Handle(h), err
}

// GetEntity loads an entity
func (s *BadgerStore) GetEntity(ctx context.Context, h models.Handle) (*models.Entity, error) {
	var e models.Entity
	err := s.view(func(txn *badger.Txn) error {
		return getJSON(txn, entityKeyBytes(h), &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Related returns outgoing relationships of type t with their targets
func (s *BadgerStore) Related(ctx context.Context, h models.Handle, t models.RelType) ([]models.Related, error) {
	var out []models.Related
	err := s.view(func(txn *badger.Txn) error {
		prefix := outgoingPrefix(h, t)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false // edge id is in the key
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			id := int64(binary.BigEndian.Uint64(key[len(key)-8:]))

			var edge models.Edge
			if err := getJSON(txn, edgeKeyBytes(id), &edge); err != nil {
				return err
			}
			var target models.Entity
			if err := getJSON(txn, entityKeyBytes(edge.Target), &target); err != nil {
				return err
			}
			out = append(out, models.Related{Edge: edge, Entity: target})
		}
		return nil
	})
	return out, err
}

// Begin opens the single write transaction, blocking while another is open
func (s *BadgerStore) Begin(ctx context.Context) (Tx, error) {
	s.writeMu.Lock()

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		s.writeMu.Unlock()
		return nil, ErrStorageClosed
	}
	return &badgerTx{s: s, txn: s.db.NewTransaction(true)}, nil
}

func (s *BadgerStore) scan(prefix byte, fn func(val []byte) error) error {
	return s.view(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte{prefix}
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// ForEachEntity visits every entity in handle order
func (s *BadgerStore) ForEachEntity(ctx context.Context, fn func(models.Entity) error) error {
	return s.scan(prefixEntity, func(val []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var e models.Entity
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		return fn(e)
	})
}

// ForEachEdge visits every relationship in id order
func (s *BadgerStore) ForEachEdge(ctx context.Context, fn func(models.Edge) error) error {
	return s.scan(prefixEdge, func(val []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var e models.Edge
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		return fn(e)
	})
}

// Counts returns entity and relationship totals
func (s *BadgerStore) Counts(ctx context.Context) (Counts, error) {
	c := Counts{
		Entities:      make(map[models.Kind]int64),
		Relationships: make(map[models.RelType]int64),
	}
	err := s.ForEachEntity(ctx, func(e models.Entity) error {
		c.Entities[e.Kind]++
		return nil
	})
	if err != nil {
		return c, err
	}
	err = s.ForEachEdge(ctx, func(e models.Edge) error {
		c.Relationships[e.Type]++
		return nil
	})
	return c, err
}

// Close releases the sequences and closes the database
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	errs = append(errs, s.handles.Release(), s.edgeIDs.Release())
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

// badgerTx wraps a read-write Badger transaction held by the single writer
type badgerTx struct {
	s    *BadgerStore
	txn  *badger.Txn
	done bool
}

// rollover commits the pending writes and continues in a fresh transaction
func (t *badgerTx) rollover() error {
	if err := t.txn.Commit(); err != nil {
		t.txn = t.s.db.NewTransaction(true)
		return fmt.Errorf("failed to commit partial chunk: %w", err)
	}
	t.txn = t.s.db.NewTransaction(true)
	return nil
}

func (t *badgerTx) set(key, val []byte) error {
	err := t.txn.Set(key, val)
	if errors.Is(err, badger.ErrTxnTooBig) {
		if err = t.rollover(); err != nil {
			return err
		}
		err = t.txn.Set(key, val)
	}
	return err
}

func (t *badgerTx) delete(key []byte) error {
	err := t.txn.Delete(key)
	if errors.Is(err, badger.ErrTxnTooBig) {
		if err = t.rollover(); err != nil {
			return err
		}
		err = t.txn.Delete(key)
	}
	return err
}

func (t *badgerTx) setJSON(key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.set(key, b)
}

func (t *badgerTx) GetOrCreateEntity(ctx context.Context, kind models.Kind, key string, attrs map[string]string) (models.Handle, bool, error) {
	if t.done {
		return 0, false, ErrTxDone
	}
	if err := validKey(kind, key); err != nil {
		return 0, false, err
	}

	id, err := getHandle(t.txn, keyIndexKey(kind, key))
	switch {
	case err == nil:
		h := models.Handle(id)
		if len(attrs) == 0 {
			return h, false, nil
		}
		var e models.Entity
		if err := getJSON(t.txn, entityKeyBytes(h), &e); err != nil {
			return 0, false, err
		}
		changed := false
		for name, value := range attrs {
			if value != "" && e.Attr(name) == "" {
				if err := t.setAttr(&e, name, value); err != nil {
					return 0, false, err
				}
				changed = true
			}
		}
		if changed {
			if err := t.setJSON(entityKeyBytes(h), &e); err != nil {
				return 0, false, err
			}
		}
		return h, false, nil
	case !errors.Is(err, ErrNotFound):
		return 0, false, err
	}

	next, err := t.s.handles.Next()
	if err != nil {
		return 0, false, fmt.Errorf("failed to allocate handle: %w", err)
	}
	h := models.Handle(next + 1)
	e := models.Entity{Handle: h, Kind: kind, Key: key}
	for name, value := range attrs {
		if value == "" {
			continue
		}
		if err := t.setAttr(&e, name, value); err != nil {
			return 0, false, err
		}
	}
	if err := t.set(keyIndexKey(kind, key), u64(int64(h))); err != nil {
		return 0, false, err
	}
	if err := t.setJSON(entityKeyBytes(h), &e); err != nil {
		return 0, false, err
	}
	return h, true, nil
}

// setAttr updates e in place and maintains the attribute index; the caller writes e
func (t *badgerTx) setAttr(e *models.Entity, name, value string) error {
	if old := e.Attr(name); old != "" && old != value {
		k := attrIndexKey(e.Kind, name, old)
		if owner, err := getHandle(t.txn, k); err == nil && models.Handle(owner) == e.Handle {
			if err := t.delete(k); err != nil {
				return err
			}
		}
	}
	k := attrIndexKey(e.Kind, name, value)
	if _, err := getHandle(t.txn, k); errors.Is(err, ErrNotFound) {
		if err := t.set(k, u64(int64(e.Handle))); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	if e.Attrs == nil {
		e.Attrs = make(map[string]string)
	}
	e.Attrs[name] = value
	return nil
}

func (t *badgerTx) SetAttr(ctx context.Context, h models.Handle, name, value string) error {
	if t.done {
		return ErrTxDone
	}
	var e models.Entity
	if err := getJSON(t.txn, entityKeyBytes(h), &e); err != nil {
		return fmt.Errorf("entity %d: %w", h, err)
	}
	if err := t.setAttr(&e, name, value); err != nil {
		return err
	}
	return t.setJSON(entityKeyBytes(h), &e)
}

func (t *badgerTx) FindEdge(ctx context.Context, src, dst models.Handle, rt models.RelType) (*models.Edge, error) {
	if t.done {
		return nil, ErrTxDone
	}
	id, err := getHandle(t.txn, oneHopKey(src, dst, rt))
	if err != nil {
		return nil, err
	}
	var e models.Edge
	if err := getJSON(t.txn, edgeKeyBytes(id), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *badgerTx) CreateEdge(ctx context.Context, src, dst models.Handle, rt models.RelType, attrs map[string]string) (*models.Edge, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if err := validEdge(src, dst, rt); err != nil {
		return nil, err
	}
	for _, h := range []models.Handle{src, dst} {
		if _, err := t.txn.Get(entityKeyBytes(h)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil, fmt.Errorf("entity %d: %w", h, ErrNotFound)
			}
			return nil, err
		}
	}

	next, err := t.s.edgeIDs.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate edge id: %w", err)
	}
	e := &models.Edge{ID: int64(next + 1), Source: src, Target: dst, Type: rt, Attrs: models.CopyAttrs(attrs)}
	if err := t.setJSON(edgeKeyBytes(e.ID), e); err != nil {
		return nil, err
	}
	hop := oneHopKey(src, dst, rt)
	if _, err := t.txn.Get(hop); errors.Is(err, badger.ErrKeyNotFound) {
		if err := t.set(hop, u64(e.ID)); err != nil {
			return nil, err
		}
	}
	out := append(outgoingPrefix(src, rt), u64(e.ID)...)
	if err := t.set(out, nil); err != nil {
		return nil, err
	}
	return e, nil
}

func (t *badgerTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.s.writeMu.Unlock()

	if err := t.txn.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (t *badgerTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.txn.Discard()
	t.s.writeMu.Unlock()
	return nil
}
