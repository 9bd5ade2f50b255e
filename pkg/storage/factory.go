package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// StoreFactory is a function that creates a new Store instance
type StoreFactory func(config map[string]interface{}) (Store, error)

var (
	storeMu       sync.RWMutex
	storeRegistry = make(map[string]StoreFactory)
)

// RegisterStore registers a new store implementation
func RegisterStore(name string, factory StoreFactory) {
	storeMu.Lock()
	defer storeMu.Unlock()
	storeRegistry[name] = factory
}

// NewStore creates a new store instance by name
func NewStore(name string, config map[string]interface{}) (Store, error) {
	storeMu.RLock()
	factory, exists := storeRegistry[name]
	storeMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown store type: %s", name)
	}

	return factory(config)
}

// ListStores returns all registered store types, sorted
func ListStores() []string {
	storeMu.RLock()
	defer storeMu.RUnlock()

	stores := make([]string, 0, len(storeRegistry))
	for name := range storeRegistry {
		stores = append(stores, name)
	}
	sort.Strings(stores)
	return stores
}

func stringOption(config map[string]interface{}, key, fallback string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// init registers built-in stores
func init() {
	RegisterStore("memory", func(config map[string]interface{}) (Store, error) {
		return NewMemoryStore(), nil
	})

	RegisterStore("jsonfile", func(config map[string]interface{}) (Store, error) {
		dataDir := stringOption(config, "data_dir", "data")
		return NewJSONFileStore(filepath.Join(dataDir, "archety.json"))
	})

	RegisterStore("sqlite", func(config map[string]interface{}) (Store, error) {
		dbPath := stringOption(config, "db_path", "archety.db")

		sqliteConfig := SQLiteConfig{
			DBPath:            dbPath,
			EnableWAL:         true,
			EnableForeignKeys: true,
			CacheSize:         2000, // 2MB
			BusyTimeout:       5000, // 5 seconds
		}

		// Allow overriding config options
		if wal, ok := config["enable_wal"].(bool); ok {
			sqliteConfig.EnableWAL = wal
		}
		if fk, ok := config["enable_foreign_keys"].(bool); ok {
			sqliteConfig.EnableForeignKeys = fk
		}
		if cache, ok := config["cache_size"].(int); ok {
			sqliteConfig.CacheSize = cache
		}
		if timeout, ok := config["busy_timeout"].(int); ok {
			sqliteConfig.BusyTimeout = timeout
		}

		return NewSQLiteStore(dbPath, sqliteConfig)
	})

	RegisterStore("badger", func(config map[string]interface{}) (Store, error) {
		opts := BadgerOptions{
			DataDir: filepath.Join(stringOption(config, "data_dir", "data"), "badger"),
		}
		if inMemory, ok := config["in_memory"].(bool); ok {
			opts.InMemory = inMemory
		}
		if sync, ok := config["sync_writes"].(bool); ok {
			opts.SyncWrites = sync
		}
		return NewBadgerStore(opts)
	})

	RegisterStore("neo4j", func(config map[string]interface{}) (Store, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		return NewNeo4jStore(ctx, Neo4jConfig{
			URI:      stringOption(config, "neo4j_uri", "bolt://localhost:7687"),
			User:     stringOption(config, "neo4j_user", "neo4j"),
			Password: stringOption(config, "neo4j_password", ""),
			Database: stringOption(config, "neo4j_database", ""),
		})
	})
}

// WithTransaction runs fn inside a write transaction, committing on
// success and rolling back on error or panic.
func WithTransaction(ctx context.Context, store Store, fn func(Tx) error) error {
	tx, err := store.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}
