package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/ha1tch/archety/pkg/models"
)

// SQLiteStore implements Store on a SQLite database. Entities are unique
// on (kind, key); relationships carry a one-hop lookup index on
// (source_id, rel_type, target_id).
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
	closed bool
	config SQLiteConfig

	// writeMu is held for the lifetime of a write transaction
	writeMu sync.Mutex
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	DBPath            string
	EnableWAL         bool // Write-Ahead Logging so readers never block the writer
	EnableForeignKeys bool
	CacheSize         int // Page cache size in KB
	BusyTimeout       int // Milliseconds to wait on locked database
}

// NewSQLiteStore creates a new SQLite-based storage
func NewSQLiteStore(dbPath string, config SQLiteConfig) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "archety.db"
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", dbPath, config.BusyTimeout)
	if config.EnableForeignKeys {
		dsn += "&_pragma=foreign_keys(1)"
	}

	// Open database
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	store := &SQLiteStore{
		db:     db,
		dbPath: dbPath,
		config: config,
	}

	// Initialize database schema
	if err := store.initialize(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return store, nil
}

// initialize applies pragmas and creates the schema
func (s *SQLiteStore) initialize(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA cache_size = -%d", s.config.CacheSize),
	}
	if s.config.EnableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS entities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			key TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (kind, key)
		);

		CREATE TABLE IF NOT EXISTS entity_attrs (
			entity_id INTEGER NOT NULL REFERENCES entities(id),
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (entity_id, name)
		);

		CREATE INDEX IF NOT EXISTS idx_attr_value ON entity_attrs(name, value);

		-- No uniqueness on (source, type, target): deduplication is the writer's job
		CREATE TABLE IF NOT EXISTS relationships (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id INTEGER NOT NULL REFERENCES entities(id),
			target_id INTEGER NOT NULL REFERENCES entities(id),
			rel_type TEXT NOT NULL,
			attrs TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_rel_one_hop ON relationships(source_id, rel_type, target_id);
		CREATE INDEX IF NOT EXISTS idx_rel_target ON relationships(target_id, rel_type);

		-- Version tracking for migrations
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// Mark current schema version
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return nil
}

// Info returns store information
func (s *SQLiteStore) Info() StoreInfo {
	return StoreInfo{
		Type:               "sqlite",
		Version:            "1.0.0",
		SupportsSavepoints: true,
		SupportsExport:     true,
		PersistentOnDisk:   true,
	}
}

func (s *SQLiteStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// FindEntity looks up an entity by its unique key
func (s *SQLiteStore) FindEntity(ctx context.Context, kind models.Kind, key string) (models.Handle, error) {
	if err := validKey(kind, key); err != nil {
		return 0, err
	}
	if s.isClosed() {
		return 0, ErrStorageClosed
	}
	return findEntity(ctx, s.db, kind, key)
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func findEntity(ctx context.Context, q queryer, kind models.Kind, key string) (models.Handle, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		SELECT id FROM entities WHERE kind = ? AND key = ?
	`, string(kind), key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query entity: %w", err)
	}
	return models.Handle(id), nil
}

// FindByAttr looks up the lowest-handle entity whose attribute matches
func (s *SQLiteStore) FindByAttr(ctx context.Context, kind models.Kind, attr, value string) (models.Handle, error) {
	if s.isClosed() {
		return 0, ErrStorageClosed
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT a.entity_id FROM entity_attrs a
		JOIN entities e ON e.id = a.entity_id
		WHERE e.kind = ? AND a.name = ? AND a.value = ?
		ORDER BY a.entity_id LIMIT 1
	`, string(kind), attr, value).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query attribute: %w", err)
	}
	return models.Handle(id), nil
}

// GetEntity loads an entity with its attributes
func (s *SQLiteStore) GetEntity(ctx context.Context, h models.Handle) (*models.Entity, error) {
	if s.isClosed() {
		return nil, ErrStorageClosed
	}

	e := &models.Entity{Handle: h}
	var kind string
	err := s.db.QueryRowContext(ctx, `
		SELECT kind, key FROM entities WHERE id = ?
	`, int64(h)).Scan(&kind, &e.Key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query entity: %w", err)
	}
	e.Kind = models.Kind(kind)

	attrs, err := s.loadAttrs(ctx, `SELECT entity_id, name, value FROM entity_attrs WHERE entity_id = ?`, int64(h))
	if err != nil {
		return nil, err
	}
	e.Attrs = attrs[h]
	return e, nil
}

func (s *SQLiteStore) loadAttrs(ctx context.Context, query string, args ...any) (map[models.Handle]map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query attributes: %w", err)
	}
	defer rows.Close()

	out := make(map[models.Handle]map[string]string)
	for rows.Next() {
		var id int64
		var name, value string
		if err := rows.Scan(&id, &name, &value); err != nil {
			return nil, err
		}
		h := models.Handle(id)
		if out[h] == nil {
			out[h] = make(map[string]string)
		}
		out[h][name] = value
	}
	return out, rows.Err()
}

// Related returns outgoing relationships of type t joined with their targets
func (s *SQLiteStore) Related(ctx context.Context, h models.Handle, t models.RelType) ([]models.Related, error) {
	if s.isClosed() {
		return nil, ErrStorageClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.target_id, r.attrs, e.kind, e.key
		FROM relationships r
		JOIN entities e ON e.id = r.target_id
		WHERE r.source_id = ? AND r.rel_type = ?
		ORDER BY r.id
	`, int64(h), string(t))
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer rows.Close()

	var out []models.Related
	for rows.Next() {
		var id, target int64
		var attrs, kind, key string
		if err := rows.Scan(&id, &target, &attrs, &kind, &key); err != nil {
			return nil, err
		}
		edge := models.Edge{ID: id, Source: h, Target: models.Handle(target), Type: t}
		if err := decodeAttrs(attrs, &edge.Attrs); err != nil {
			return nil, err
		}
		out = append(out, models.Related{
			Edge:   edge,
			Entity: models.Entity{Handle: models.Handle(target), Kind: models.Kind(kind), Key: key},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	attrs, err := s.loadAttrs(ctx, `
		SELECT entity_id, name, value FROM entity_attrs
		WHERE entity_id IN (SELECT target_id FROM relationships WHERE source_id = ? AND rel_type = ?)
	`, int64(h), string(t))
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Entity.Attrs = models.CopyAttrs(attrs[out[i].Entity.Handle])
	}
	return out, nil
}

// Begin opens the single write transaction, blocking while another is open
func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	s.writeMu.Lock()
	if s.isClosed() {
		s.writeMu.Unlock()
		return nil, ErrStorageClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.writeMu.Unlock()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqliteTx{s: s, tx: tx}, nil
}

// ForEachEntity visits every entity in handle order
func (s *SQLiteStore) ForEachEntity(ctx context.Context, fn func(models.Entity) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.kind, e.key, a.name, a.value
		FROM entities e
		LEFT JOIN entity_attrs a ON a.entity_id = e.id
		ORDER BY e.id
	`)
	if err != nil {
		return fmt.Errorf("failed to scan entities: %w", err)
	}
	defer rows.Close()

	var current *models.Entity
	for rows.Next() {
		var id int64
		var kind, key string
		var name, value sql.NullString
		if err := rows.Scan(&id, &kind, &key, &name, &value); err != nil {
			return err
		}
		if current == nil || current.Handle != models.Handle(id) {
			if current != nil {
				if err := fn(*current); err != nil {
					return err
				}
			}
			current = &models.Entity{Handle: models.Handle(id), Kind: models.Kind(kind), Key: key}
		}
		if name.Valid {
			if current.Attrs == nil {
				current.Attrs = make(map[string]string)
			}
			current.Attrs[name.String] = value.String
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if current != nil {
		return fn(*current)
	}
	return nil
}

// ForEachEdge visits every relationship in id order
func (s *SQLiteStore) ForEachEdge(ctx context.Context, fn func(models.Edge) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, target_id, rel_type, attrs FROM relationships ORDER BY id
	`)
	if err != nil {
		return fmt.Errorf("failed to scan relationships: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e models.Edge
		var src, dst int64
		var typ, attrs string
		if err := rows.Scan(&e.ID, &src, &dst, &typ, &attrs); err != nil {
			return err
		}
		e.Source, e.Target, e.Type = models.Handle(src), models.Handle(dst), models.RelType(typ)
		if err := decodeAttrs(attrs, &e.Attrs); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Counts returns entity and relationship totals
func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	c := Counts{
		Entities:      make(map[models.Kind]int64),
		Relationships: make(map[models.RelType]int64),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM entities GROUP BY kind`)
	if err != nil {
		return c, err
	}
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			rows.Close()
			return c, err
		}
		c.Entities[models.Kind(kind)] = n
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT rel_type, COUNT(*) FROM relationships GROUP BY rel_type`)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return c, err
		}
		c.Relationships[models.RelType(typ)] = n
	}
	return c, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func decodeAttrs(raw string, dst *map[string]string) error {
	if raw == "" || raw == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("failed to unmarshal attributes: %w", err)
	}
	return nil
}

// sqliteTx wraps a database transaction held by the single writer
type sqliteTx struct {
	s          *SQLiteStore
	tx         *sql.Tx
	savepoints int
	done       bool
}

func (t *sqliteTx) GetOrCreateEntity(ctx context.Context, kind models.Kind, key string, attrs map[string]string) (models.Handle, bool, error) {
	if t.done {
		return 0, false, ErrTxDone
	}
	if err := validKey(kind, key); err != nil {
		return 0, false, err
	}

	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO entities (kind, key) VALUES (?, ?)
		ON CONFLICT (kind, key) DO NOTHING
	`, string(kind), key)
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert entity: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, false, err
	}

	h, err := findEntity(ctx, t.tx, kind, key)
	if err != nil {
		return 0, false, err
	}

	for name, value := range attrs {
		if value == "" {
			continue
		}
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO entity_attrs (entity_id, name, value) VALUES (?, ?, ?)
			ON CONFLICT (entity_id, name) DO NOTHING
		`, int64(h), name, value); err != nil {
			return 0, false, fmt.Errorf("failed to set attribute %s: %w", name, err)
		}
	}

	return h, rows == 1, nil
}

func (t *sqliteTx) SetAttr(ctx context.Context, h models.Handle, name, value string) error {
	if t.done {
		return ErrTxDone
	}

	var exists int
	err := t.tx.QueryRowContext(ctx, `SELECT 1 FROM entities WHERE id = ?`, int64(h)).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("entity %d: %w", h, ErrNotFound)
	}
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO entity_attrs (entity_id, name, value) VALUES (?, ?, ?)
		ON CONFLICT (entity_id, name) DO UPDATE SET value = excluded.value
	`, int64(h), name, value)
	if err != nil {
		return fmt.Errorf("failed to set attribute %s: %w", name, err)
	}
	return nil
}

func (t *sqliteTx) FindEdge(ctx context.Context, src, dst models.Handle, rt models.RelType) (*models.Edge, error) {
	if t.done {
		return nil, ErrTxDone
	}

	e := &models.Edge{Source: src, Target: dst, Type: rt}
	var attrs string
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, attrs FROM relationships
		WHERE source_id = ? AND rel_type = ? AND target_id = ?
		ORDER BY id LIMIT 1
	`, int64(src), string(rt), int64(dst)).Scan(&e.ID, &attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query relationship: %w", err)
	}
	if err := decodeAttrs(attrs, &e.Attrs); err != nil {
		return nil, err
	}
	return e, nil
}

func (t *sqliteTx) CreateEdge(ctx context.Context, src, dst models.Handle, rt models.RelType, attrs map[string]string) (*models.Edge, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if err := validEdge(src, dst, rt); err != nil {
		return nil, err
	}

	raw := "{}"
	if len(attrs) > 0 {
		b, err := json.Marshal(attrs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal attributes: %w", err)
		}
		raw = string(b)
	}

	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO relationships (source_id, target_id, rel_type, attrs)
		VALUES (?, ?, ?, ?)
	`, int64(src), int64(dst), string(rt), raw)
	if err != nil {
		return nil, fmt.Errorf("failed to insert relationship: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.Edge{ID: id, Source: src, Target: dst, Type: rt, Attrs: models.CopyAttrs(attrs)}, nil
}

// Savepoint opens a nested savepoint inside the transaction
func (t *sqliteTx) Savepoint(ctx context.Context) (Savepoint, error) {
	if t.done {
		return nil, ErrTxDone
	}
	t.savepoints++
	name := fmt.Sprintf("sp_%d", t.savepoints)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("failed to create savepoint: %w", err)
	}
	return &sqliteSavepoint{tx: t.tx, name: name}, nil
}

func (t *sqliteTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.s.writeMu.Unlock()

	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.s.writeMu.Unlock()
	return t.tx.Rollback()
}

type sqliteSavepoint struct {
	tx   *sql.Tx
	name string
}

func (sp *sqliteSavepoint) Release(ctx context.Context) error {
	_, err := sp.tx.ExecContext(ctx, "RELEASE "+sp.name)
	return err
}

func (sp *sqliteSavepoint) RollbackTo(ctx context.Context) error {
	if _, err := sp.tx.ExecContext(ctx, "ROLLBACK TO "+sp.name); err != nil {
		return err
	}
	_, err := sp.tx.ExecContext(ctx, "RELEASE "+sp.name)
	return err
}
