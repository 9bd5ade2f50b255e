package storage_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/archety/pkg/models"
	"github.com/ha1tch/archety/pkg/storage"
)

func setupSQLiteTest(t *testing.T) (storage.Store, string, func()) {
	t.Helper()

	// Create temp database file
	tmpFile, err := os.CreateTemp("", "archety-test-*.db")
	require.NoError(t, err)
	tmpFile.Close()

	dbPath := tmpFile.Name()

	store, err := storage.NewStore("sqlite", map[string]interface{}{
		"db_path": dbPath,
	})
	require.NoError(t, err)
	require.NotNil(t, store)

	cleanup := func() {
		if store != nil {
			store.Close()
		}
		os.Remove(dbPath)
		os.Remove(dbPath + "-wal")
		os.Remove(dbPath + "-shm")
	}

	return store, dbPath, cleanup
}

// =============================================================================
// Savepoints
// =============================================================================

func TestSQLiteStore_SavepointRollbackKeepsEarlierWork(t *testing.T) {
	store, _, cleanup := setupSQLiteTest(t)
	defer cleanup()

	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	sp, ok := tx.(storage.Savepointer)
	require.True(t, ok, "sqlite transactions support savepoints")

	_, _, err = tx.GetOrCreateEntity(ctx, models.KindIdentity, "kept@example.com", nil)
	require.NoError(t, err)

	mark, err := sp.Savepoint(ctx)
	require.NoError(t, err)
	_, _, err = tx.GetOrCreateEntity(ctx, models.KindIdentity, "dropped@example.com", nil)
	require.NoError(t, err)
	require.NoError(t, mark.RollbackTo(ctx))

	mark, err = sp.Savepoint(ctx)
	require.NoError(t, err)
	_, _, err = tx.GetOrCreateEntity(ctx, models.KindIdentity, "released@example.com", nil)
	require.NoError(t, err)
	require.NoError(t, mark.Release(ctx))

	require.NoError(t, tx.Commit())

	_, err = store.FindEntity(ctx, models.KindIdentity, "kept@example.com")
	assert.NoError(t, err)
	_, err = store.FindEntity(ctx, models.KindIdentity, "released@example.com")
	assert.NoError(t, err)
	_, err = store.FindEntity(ctx, models.KindIdentity, "dropped@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// =============================================================================
// Persistence
// =============================================================================

func TestSQLiteStore_Reopen(t *testing.T) {
	store, dbPath, cleanup := setupSQLiteTest(t)
	defer cleanup()

	ctx := context.Background()
	h := mustCreate(t, ctx, store, models.KindPage, "http://en.wikipedia.org/wiki/Tea", map[string]string{models.AttrTitle: "Tea"})
	require.NoError(t, store.Close())

	reopened, err := storage.NewStore("sqlite", map[string]interface{}{"db_path": dbPath})
	require.NoError(t, err)
	defer reopened.Close()

	e, err := reopened.GetEntity(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "Tea", e.Attr(models.AttrTitle))
}

func TestSQLiteStore_DuplicateEdgesAreNotRejected(t *testing.T) {
	store, _, cleanup := setupSQLiteTest(t)
	defer cleanup()

	ctx := context.Background()
	a := mustCreate(t, ctx, store, models.KindIdentity, "a@example.com", nil)
	b := mustCreate(t, ctx, store, models.KindIdentity, "b@example.com", nil)

	// The schema leaves deduplication to the writer; the first edge wins lookups
	var first *models.Edge
	err := storage.WithTransaction(ctx, store, func(tx storage.Tx) error {
		var err error
		if first, err = tx.CreateEdge(ctx, a, b, models.RelKnows, nil); err != nil {
			return err
		}
		_, err = tx.CreateEdge(ctx, a, b, models.RelKnows, nil)
		return err
	})
	require.NoError(t, err)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	found, err := tx.FindEdge(ctx, a, b, models.RelKnows)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
}

// =============================================================================
// Concurrency Tests
// =============================================================================

func TestSQLiteStore_ConcurrentReadsDuringWrite(t *testing.T) {
	store, _, cleanup := setupSQLiteTest(t)
	defer cleanup()

	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		mustCreate(t, ctx, store, models.KindIdentity, fmt.Sprintf("user%d@example.com", i), nil)
	}

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	for i := 11; i <= 20; i++ {
		_, _, err := tx.GetOrCreateEntity(ctx, models.KindIdentity, fmt.Sprintf("user%d@example.com", i), nil)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errors := make(chan error, 20)

	// Concurrent readers while the writer holds its transaction
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.FindEntity(ctx, models.KindIdentity, fmt.Sprintf("user%d@example.com", (n%10)+1))
			if err != nil {
				errors <- err
			}
		}(i)
	}

	wg.Wait()
	close(errors)
	for err := range errors {
		t.Errorf("Concurrent read error: %v", err)
	}

	require.NoError(t, tx.Commit())
	counts := storeCounts(t, ctx, store)
	assert.Equal(t, int64(20), counts.Entities[models.KindIdentity])
}

func TestSQLiteStore_Info(t *testing.T) {
	store, _, cleanup := setupSQLiteTest(t)
	defer cleanup()

	info := store.(storage.InfoProvider).Info()
	assert.Equal(t, "sqlite", info.Type)
	assert.True(t, info.SupportsSavepoints)
	assert.True(t, info.PersistentOnDisk)
}

// =============================================================================
// Benchmark Tests
// =============================================================================

func BenchmarkSQLiteStore_GetOrCreate(b *testing.B) {
	tmpFile, _ := os.CreateTemp("", "archety-bench-*.db")
	tmpFile.Close()
	dbPath := tmpFile.Name()
	defer os.Remove(dbPath)

	store, _ := storage.NewStore("sqlite", map[string]interface{}{"db_path": dbPath})
	defer store.Close()

	ctx := context.Background()
	tx, _ := store.Begin(ctx)
	defer tx.Commit()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tx.GetOrCreateEntity(ctx, models.KindIdentity, fmt.Sprintf("user%d@example.com", i%1000), nil)
	}
}

func BenchmarkSQLiteStore_FindEntity(b *testing.B) {
	tmpFile, _ := os.CreateTemp("", "archety-bench-*.db")
	tmpFile.Close()
	dbPath := tmpFile.Name()
	defer os.Remove(dbPath)

	store, _ := storage.NewStore("sqlite", map[string]interface{}{"db_path": dbPath})
	defer store.Close()

	ctx := context.Background()
	storage.WithTransaction(ctx, store, func(tx storage.Tx) error {
		_, _, err := tx.GetOrCreateEntity(ctx, models.KindIdentity, "user@example.com", nil)
		return err
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.FindEntity(ctx, models.KindIdentity, "user@example.com")
	}
}
