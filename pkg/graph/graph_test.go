package graph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ha1tch/archety/pkg/graph"
	"github.com/ha1tch/archety/pkg/models"
)

func TestIndexAddAndLookup(t *testing.T) {
	g := graph.NewIndex()

	assert.True(t, g.AddEdge(1, 2, models.RelLikes, 10))
	assert.True(t, g.AddEdge(1, 3, models.RelLikes, 11))
	assert.True(t, g.AddEdge(1, 2, models.RelHates, 12))

	id, ok := g.EdgeID(1, 2, models.RelLikes)
	assert.True(t, ok)
	assert.Equal(t, int64(10), id)

	_, ok = g.EdgeID(2, 1, models.RelLikes)
	assert.False(t, ok, "edges are directed")

	_, ok = g.EdgeID(1, 3, models.RelHates)
	assert.False(t, ok, "edges are typed")

	assert.Equal(t, []int64{10, 11}, g.Outgoing(1, models.RelLikes))
	assert.Equal(t, []int64{12}, g.Outgoing(1, models.RelHates))
	assert.Empty(t, g.Outgoing(42, models.RelKnows))
}

func TestIndexDuplicateKeepsFirstID(t *testing.T) {
	g := graph.NewIndex()

	assert.True(t, g.AddEdge(1, 2, models.RelKnows, 5))
	assert.False(t, g.AddEdge(1, 2, models.RelKnows, 6))

	id, _ := g.EdgeID(1, 2, models.RelKnows)
	assert.Equal(t, int64(5), id)
	assert.Equal(t, []int64{5}, g.Outgoing(1, models.RelKnows))
}
