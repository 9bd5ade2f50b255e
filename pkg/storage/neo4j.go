package storage

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/ha1tch/archety/pkg/models"
)

// Neo4jConfig holds connection settings for the Neo4j store
type Neo4jConfig struct {
	URI      string
	User     string
	Password string
	Database string
}

// Neo4jStore implements Store on a Neo4j server. Entities are nodes
// labelled by kind with a uniqueness constraint on the key property.
// Transactions are not savepoint-capable: a failing statement fails the
// whole chunk on commit.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
}

var propertyName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NewNeo4jStore connects to Neo4j and ensures the schema constraints
func NewNeo4jStore(ctx context.Context, cfg Neo4jConfig) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.User, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to Neo4j: %w", err)
	}

	s := &Neo4jStore{driver: driver, database: cfg.Database}
	if err := s.EnsureSchema(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the unique constraints and token indexes
func (s *Neo4jStore) EnsureSchema(ctx context.Context) error {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	statements := []string{
		"CREATE CONSTRAINT identity_unique IF NOT EXISTS FOR (n:Identity) REQUIRE n.identity IS UNIQUE",
		"CREATE CONSTRAINT page_url_unique IF NOT EXISTS FOR (n:Page) REQUIRE n.url IS UNIQUE",
		"CREATE INDEX identity_generated_token IF NOT EXISTS FOR (n:Identity) ON (n.generatedToken)",
		"CREATE INDEX identity_authenticated_token IF NOT EXISTS FOR (n:Identity) ON (n.authenticatedToken)",
	}
	for _, stmt := range statements {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("failed to apply schema %q: %w", stmt, err)
		}
	}
	return nil
}

// Info returns store information
func (s *Neo4jStore) Info() StoreInfo {
	return StoreInfo{
		Type:             "neo4j",
		Version:          "5",
		SupportsExport:   true,
		PersistentOnDisk: true,
	}
}

func (s *Neo4jStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: s.database})
}

func (s *Neo4jStore) read(ctx context.Context, query string, params map[string]any) ([]*neo4j.Record, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.([]*neo4j.Record), nil
}

func label(kind models.Kind) (string, string, error) {
	if !kind.Valid() {
		return "", "", ErrInvalidKind
	}
	return string(kind), kind.KeyProperty(), nil
}

// FindEntity looks up a node by label and key property
func (s *Neo4jStore) FindEntity(ctx context.Context, kind models.Kind, key string) (models.Handle, error) {
	if err := validKey(kind, key); err != nil {
		return 0, err
	}
	lbl, prop, _ := label(kind)

	records, err := s.read(ctx,
		fmt.Sprintf("MATCH (n:%s {%s: $key}) RETURN id(n) AS id LIMIT 1", lbl, prop),
		map[string]any{"key": key})
	if err != nil {
		return 0, fmt.Errorf("failed to query entity: %w", err)
	}
	if len(records) == 0 {
		return 0, ErrNotFound
	}
	return handleFromRecord(records[0], "id"), nil
}

// FindByAttr looks up the lowest-id node whose property matches
func (s *Neo4jStore) FindByAttr(ctx context.Context, kind models.Kind, attr, value string) (models.Handle, error) {
	lbl, _, err := label(kind)
	if err != nil {
		return 0, err
	}
	if !propertyName.MatchString(attr) {
		return 0, fmt.Errorf("invalid attribute name %q", attr)
	}

	records, err := s.read(ctx,
		fmt.Sprintf("MATCH (n:%s) WHERE n.%s = $value RETURN id(n) AS id ORDER BY id LIMIT 1", lbl, attr),
		map[string]any{"value": value})
	if err != nil {
		return 0, fmt.Errorf("failed to query attribute: %w", err)
	}
	if len(records) == 0 {
		return 0, ErrNotFound
	}
	return handleFromRecord(records[0], "id"), nil
}

// GetEntity loads a node by id
func (s *Neo4jStore) GetEntity(ctx context.Context, h models.Handle) (*models.Entity, error) {
	records, err := s.read(ctx,
		"MATCH (n) WHERE id(n) = $id RETURN labels(n) AS labels, properties(n) AS props",
		map[string]any{"id": nodeID(h)})
	if err != nil {
		return nil, fmt.Errorf("failed to query entity: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	e := entityFromRecord(records[0], h, "labels", "props")
	return &e, nil
}

// Related returns outgoing relationships of type t with their targets
func (s *Neo4jStore) Related(ctx context.Context, h models.Handle, t models.RelType) ([]models.Related, error) {
	if !t.Valid() {
		return nil, ErrInvalidRelType
	}
	records, err := s.read(ctx, fmt.Sprintf(`
		MATCH (a)-[r:%s]->(b) WHERE id(a) = $id
		RETURN id(r) AS rid, properties(r) AS rprops, id(b) AS bid, labels(b) AS blabels, properties(b) AS bprops
		ORDER BY rid`, t),
		map[string]any{"id": nodeID(h)})
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}

	out := make([]models.Related, 0, len(records))
	for _, rec := range records {
		target := handleFromRecord(rec, "bid")
		out = append(out, models.Related{
			Edge: models.Edge{
				ID:     edgeIDFromRecord(rec, "rid"),
				Source: h,
				Target: target,
				Type:   t,
				Attrs:  stringProps(getMapFromRecord(rec, "rprops"), ""),
			},
			Entity: entityFromRecord(rec, target, "blabels", "bprops"),
		})
	}
	return out, nil
}

// Begin opens an explicit write transaction
func (s *Neo4jStore) Begin(ctx context.Context) (Tx, error) {
	session := s.session(ctx, neo4j.AccessModeWrite)
	tx, err := session.BeginTransaction(ctx)
	if err != nil {
		session.Close(ctx)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &neo4jTx{ctx: ctx, session: session, tx: tx}, nil
}

func (s *Neo4jStore) stream(ctx context.Context, query string, fn func(*neo4j.Record) error) error {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, nil)
	if err != nil {
		return err
	}
	for result.Next(ctx) {
		if err := fn(result.Record()); err != nil {
			return err
		}
	}
	return result.Err()
}

// ForEachEntity visits every Identity and Page node in id order
func (s *Neo4jStore) ForEachEntity(ctx context.Context, fn func(models.Entity) error) error {
	return s.stream(ctx, `
		MATCH (n) WHERE n:Identity OR n:Page
		RETURN id(n) AS id, labels(n) AS labels, properties(n) AS props
		ORDER BY id`,
		func(rec *neo4j.Record) error {
			return fn(entityFromRecord(rec, handleFromRecord(rec, "id"), "labels", "props"))
		})
}

// ForEachEdge visits every LIKES, HATES and KNOWS relationship in id order
func (s *Neo4jStore) ForEachEdge(ctx context.Context, fn func(models.Edge) error) error {
	return s.stream(ctx, `
		MATCH (a)-[r]->(b) WHERE type(r) IN ['LIKES', 'HATES', 'KNOWS']
		RETURN id(r) AS id, id(a) AS src, id(b) AS dst, type(r) AS type, properties(r) AS props
		ORDER BY id`,
		func(rec *neo4j.Record) error {
			return fn(models.Edge{
				ID:     edgeIDFromRecord(rec, "id"),
				Source: handleFromRecord(rec, "src"),
				Target: handleFromRecord(rec, "dst"),
				Type:   models.RelType(getStringFromRecord(rec, "type")),
				Attrs:  stringProps(getMapFromRecord(rec, "props"), ""),
			})
		})
}

// Counts returns entity and relationship totals
func (s *Neo4jStore) Counts(ctx context.Context) (Counts, error) {
	c := Counts{
		Entities:      make(map[models.Kind]int64),
		Relationships: make(map[models.RelType]int64),
	}
	for _, kind := range []models.Kind{models.KindIdentity, models.KindPage} {
		records, err := s.read(ctx, fmt.Sprintf("MATCH (n:%s) RETURN count(n) AS n", kind), nil)
		if err != nil {
			return c, err
		}
		if len(records) > 0 {
			c.Entities[kind] = getInt64FromRecord(records[0], "n")
		}
	}
	for _, t := range []models.RelType{models.RelLikes, models.RelHates, models.RelKnows} {
		records, err := s.read(ctx, fmt.Sprintf("MATCH ()-[r:%s]->() RETURN count(r) AS n", t), nil)
		if err != nil {
			return c, err
		}
		if len(records) > 0 {
			c.Relationships[t] = getInt64FromRecord(records[0], "n")
		}
	}
	return c, nil
}

// Close closes the driver
func (s *Neo4jStore) Close() error {
	return s.driver.Close(context.Background())
}

// neo4jTx wraps an explicit transaction and the session that owns it
type neo4jTx struct {
	ctx     context.Context
	session neo4j.SessionWithContext
	tx      neo4j.ExplicitTransaction
	done    bool
}

func (t *neo4jTx) run(ctx context.Context, query string, params map[string]any) ([]*neo4j.Record, error) {
	if t.done {
		return nil, ErrTxDone
	}
	result, err := t.tx.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return result.Collect(ctx)
}

func (t *neo4jTx) GetOrCreateEntity(ctx context.Context, kind models.Kind, key string, attrs map[string]string) (models.Handle, bool, error) {
	if err := validKey(kind, key); err != nil {
		return 0, false, err
	}
	lbl, prop, _ := label(kind)

	params := map[string]any{"key": key}
	names := make([]string, 0, len(attrs))
	for name, value := range attrs {
		if value == "" {
			continue
		}
		if !propertyName.MatchString(name) {
			return 0, false, fmt.Errorf("invalid attribute name %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var sets strings.Builder
	for i, name := range names {
		p := fmt.Sprintf("a%d", i)
		params[p] = attrs[name]
		fmt.Fprintf(&sets, "SET n.%s = coalesce(n.%s, $%s)\n", name, name, p)
	}

	query := fmt.Sprintf(`
		MERGE (n:%s {%s: $key})
		ON CREATE SET n.__created = true
		WITH n, coalesce(n.__created, false) AS created
		REMOVE n.__created
		%s
		RETURN id(n) AS id, created`, lbl, prop, sets.String())

	records, err := t.run(ctx, query, params)
	if err != nil {
		return 0, false, fmt.Errorf("failed to merge %s: %w", lbl, err)
	}
	if len(records) == 0 {
		return 0, false, fmt.Errorf("merge %s returned no rows", lbl)
	}
	created, _ := records[0].Get("created")
	isNew, _ := created.(bool)
	return handleFromRecord(records[0], "id"), isNew, nil
}

func (t *neo4jTx) SetAttr(ctx context.Context, h models.Handle, name, value string) error {
	if !propertyName.MatchString(name) {
		return fmt.Errorf("invalid attribute name %q", name)
	}
	records, err := t.run(ctx,
		fmt.Sprintf("MATCH (n) WHERE id(n) = $id SET n.%s = $value RETURN id(n) AS id", name),
		map[string]any{"id": nodeID(h), "value": value})
	if err != nil {
		return fmt.Errorf("failed to set attribute %s: %w", name, err)
	}
	if len(records) == 0 {
		return fmt.Errorf("entity %d: %w", h, ErrNotFound)
	}
	return nil
}

func (t *neo4jTx) FindEdge(ctx context.Context, src, dst models.Handle, rt models.RelType) (*models.Edge, error) {
	if !rt.Valid() {
		return nil, ErrInvalidRelType
	}
	records, err := t.run(ctx, fmt.Sprintf(`
		MATCH (a)-[r:%s]->(b) WHERE id(a) = $src AND id(b) = $dst
		RETURN id(r) AS id, properties(r) AS props
		ORDER BY id LIMIT 1`, rt),
		map[string]any{"src": nodeID(src), "dst": nodeID(dst)})
	if err != nil {
		return nil, fmt.Errorf("failed to query relationship: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return &models.Edge{
		ID:     edgeIDFromRecord(records[0], "id"),
		Source: src,
		Target: dst,
		Type:   rt,
		Attrs:  stringProps(getMapFromRecord(records[0], "props"), ""),
	}, nil
}

func (t *neo4jTx) CreateEdge(ctx context.Context, src, dst models.Handle, rt models.RelType, attrs map[string]string) (*models.Edge, error) {
	if err := validEdge(src, dst, rt); err != nil {
		return nil, err
	}
	props := make(map[string]any, len(attrs))
	for k, v := range attrs {
		props[k] = v
	}
	records, err := t.run(ctx, fmt.Sprintf(`
		MATCH (a), (b) WHERE id(a) = $src AND id(b) = $dst
		CREATE (a)-[r:%s]->(b)
		SET r = $props
		RETURN id(r) AS id`, rt),
		map[string]any{"src": nodeID(src), "dst": nodeID(dst), "props": props})
	if err != nil {
		return nil, fmt.Errorf("failed to create relationship: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("relationship endpoints %d, %d: %w", src, dst, ErrNotFound)
	}
	return &models.Edge{
		ID:     edgeIDFromRecord(records[0], "id"),
		Source: src,
		Target: dst,
		Type:   rt,
		Attrs:  models.CopyAttrs(attrs),
	}, nil
}

func (t *neo4jTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.session.Close(t.ctx)

	if err := t.tx.Commit(t.ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (t *neo4jTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.session.Close(t.ctx)
	return t.tx.Rollback(t.ctx)
}

func entityFromRecord(rec *neo4j.Record, h models.Handle, labelsKey, propsKey string) models.Entity {
	e := models.Entity{Handle: h}
	if raw, ok := rec.Get(labelsKey); ok {
		if labels, ok := raw.([]any); ok {
			for _, l := range labels {
				if k := models.Kind(fmt.Sprint(l)); k.Valid() {
					e.Kind = k
					break
				}
			}
		}
	}
	props := getMapFromRecord(rec, propsKey)
	keyProp := e.Kind.KeyProperty()
	if v, ok := props[keyProp].(string); ok {
		e.Key = v
	}
	e.Attrs = stringProps(props, keyProp)
	return e
}

// stringProps keeps the string-valued properties, skipping one name
func stringProps(props map[string]any, skip string) map[string]string {
	var out map[string]string
	for k, v := range props {
		s, ok := v.(string)
		if !ok || k == skip {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[k] = s
	}
	return out
}

func getStringFromRecord(record *neo4j.Record, key string) string {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return ""
	}
	if str, ok := val.(string); ok {
		return str
	}
	return ""
}

// Neo4j element ids start at 0 and handles at 1
func handleFromRecord(record *neo4j.Record, key string) models.Handle {
	return models.Handle(edgeIDFromRecord(record, key))
}

func edgeIDFromRecord(record *neo4j.Record, key string) int64 {
	if val, ok := record.Get(key); !ok || val == nil {
		return 0
	}
	return getInt64FromRecord(record, key) + 1
}

func nodeID(h models.Handle) int64 {
	return int64(h) - 1
}

func getInt64FromRecord(record *neo4j.Record, key string) int64 {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return 0
	}
	if i, ok := val.(int64); ok {
		return i
	}
	if i, ok := val.(int); ok {
		return int64(i)
	}
	return 0
}

func getMapFromRecord(record *neo4j.Record, key string) map[string]any {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return nil
	}
	m, _ := val.(map[string]any)
	return m
}
