package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ha1tch/archety/pkg/batch"
	"github.com/ha1tch/archety/pkg/models"
	"github.com/ha1tch/archety/pkg/storage"
)

// Summary reports what a migration read and wrote
type Summary struct {
	Entities        int
	EntitiesCreated int
	Edges           int
	EdgesCreated    int
	EdgesSkipped    int
	Duration        time.Duration
}

// Migrator copies a graph between stores in chunked transactions
type Migrator struct {
	ChunkSize int
	Logger    zerolog.Logger
}

// Run copies every entity, then every relationship, from source to
// target. Source handles are remapped to the handles the target assigns.
func (m *Migrator) Run(ctx context.Context, source, target storage.Store) (Summary, error) {
	start := time.Now()
	var sum Summary

	exporter, ok := source.(storage.Exporter)
	if !ok {
		return sum, errors.New("source store does not support export")
	}
	chunkSize := m.ChunkSize
	if chunkSize <= 0 {
		chunkSize = batch.DefaultChunkSize
	}

	handles := make(map[models.Handle]models.Handle)

	// Entities
	pending := make([]models.Entity, 0, chunkSize)
	writeEntities := func() error {
		if len(pending) == 0 {
			return nil
		}
		created := 0
		mapped := make(map[models.Handle]models.Handle, len(pending))
		err := storage.WithTransaction(ctx, target, func(tx storage.Tx) error {
			for _, e := range pending {
				h, isNew, err := tx.GetOrCreateEntity(ctx, e.Kind, e.Key, e.Attrs)
				if err != nil {
					return fmt.Errorf("copy %s %q: %w", e.Kind, e.Key, err)
				}
				mapped[e.Handle] = h
				if isNew {
					created++
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		// Only committed handles are usable by relationships
		for from, to := range mapped {
			handles[from] = to
		}
		sum.EntitiesCreated += created
		m.Logger.Debug().Int("entities", len(pending)).Int("created", created).Msg("Committed entity chunk")
		pending = pending[:0]
		return nil
	}

	err := exporter.ForEachEntity(ctx, func(e models.Entity) error {
		sum.Entities++
		pending = append(pending, e)
		if len(pending) >= chunkSize {
			return writeEntities()
		}
		return nil
	})
	if err == nil {
		err = writeEntities()
	}
	if err != nil {
		return sum, fmt.Errorf("migrate entities: %w", err)
	}
	m.Logger.Info().Int("read", sum.Entities).Int("created", sum.EntitiesCreated).Msg("Entities migrated")

	// Relationships
	edges := make([]models.Edge, 0, chunkSize)
	writeEdges := func() error {
		if len(edges) == 0 {
			return nil
		}
		created := 0
		err := storage.WithTransaction(ctx, target, func(tx storage.Tx) error {
			for _, e := range edges {
				_, isNew, err := batch.EnsureEdge(ctx, tx, handles[e.Source], handles[e.Target], e.Type, e.Attrs)
				if err != nil {
					return fmt.Errorf("copy edge %d: %w", e.ID, err)
				}
				if isNew {
					created++
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		sum.EdgesCreated += created
		m.Logger.Debug().Int("relationships", len(edges)).Int("created", created).Msg("Committed relationship chunk")
		edges = edges[:0]
		return nil
	}

	err = exporter.ForEachEdge(ctx, func(e models.Edge) error {
		sum.Edges++
		_, srcOK := handles[e.Source]
		_, dstOK := handles[e.Target]
		if !srcOK || !dstOK {
			sum.EdgesSkipped++
			m.Logger.Warn().
				Int64("edge", e.ID).
				Int64("source", int64(e.Source)).
				Int64("target", int64(e.Target)).
				Msg("Skipping relationship with unknown endpoint")
			return nil
		}
		edges = append(edges, e)
		if len(edges) >= chunkSize {
			return writeEdges()
		}
		return nil
	})
	if err == nil {
		err = writeEdges()
	}
	if err != nil {
		return sum, fmt.Errorf("migrate relationships: %w", err)
	}
	m.Logger.Info().
		Int("read", sum.Edges).
		Int("created", sum.EdgesCreated).
		Int("skipped", sum.EdgesSkipped).
		Msg("Relationships migrated")

	sum.Duration = time.Since(start)
	return sum, nil
}
