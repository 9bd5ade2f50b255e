package graph

import (
	"sort"
	"sync"

	"github.com/ha1tch/archety/pkg/models"
)

// edgeSet maps neighbor -> edge id
type edgeSet map[models.Handle]int64

// Index is a typed outgoing adjacency index over entity handles, kept per
// relationship type so one-hop lookups are a pair of map reads.
type Index struct {
	adjacency map[models.Handle]map[models.RelType]edgeSet // source -> type -> target
	mu        sync.RWMutex
}

// NewIndex creates an empty adjacency index
func NewIndex() *Index {
	return &Index{
		adjacency: make(map[models.Handle]map[models.RelType]edgeSet),
	}
}

// AddEdge records the directed edge from-[t]->to with the given id.
// An existing edge for the same triple keeps its id.
func (g *Index) AddEdge(from, to models.Handle, t models.RelType, id int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	byType, ok := g.adjacency[from]
	if !ok {
		byType = make(map[models.RelType]edgeSet)
		g.adjacency[from] = byType
	}
	out, ok := byType[t]
	if !ok {
		out = make(edgeSet)
		byType[t] = out
	}
	if _, exists := out[to]; exists {
		return false
	}
	out[to] = id
	return true
}

// EdgeID returns the id of the edge from-[t]->to
func (g *Index) EdgeID(from, to models.Handle, t models.RelType) (int64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	id, ok := g.adjacency[from][t][to]
	return id, ok
}

// Outgoing returns the edge ids leaving from with type t, ordered by id
func (g *Index) Outgoing(from models.Handle, t models.RelType) []int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedIDs(g.adjacency[from][t])
}

func sortedIDs(set edgeSet) []int64 {
	ids := make([]int64, 0, len(set))
	for _, id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
