package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/ha1tch/archety/pkg/models"
	"github.com/ha1tch/archety/pkg/storage"
)

// EnsureEdge returns the existing src-[t]->dst edge, or creates one with
// attrs. An existing edge is returned unchanged: attrs on later calls are
// discarded. The check and the create run in the same transaction, and
// only the coalescer writes, so two records in one batch cannot both
// create the edge.
func EnsureEdge(ctx context.Context, tx storage.Tx, src, dst models.Handle, t models.RelType, attrs map[string]string) (*models.Edge, bool, error) {
	edge, err := tx.FindEdge(ctx, src, dst, t)
	if err == nil {
		return edge, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("one-hop lookup %d-[%s]->%d: %w", src, t, dst, err)
	}

	edge, err = tx.CreateEdge(ctx, src, dst, t, attrs)
	if err != nil {
		return nil, false, fmt.Errorf("create edge %d-[%s]->%d: %w", src, t, dst, err)
	}
	return edge, true, nil
}
