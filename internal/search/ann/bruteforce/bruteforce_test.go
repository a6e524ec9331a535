package bruteforce

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSearchReturnsClosestFirst(t *testing.T) {
	idx := New([]Vector{
		{ID: "same", Values: []float32{1, 0, 0}},
		{ID: "orthogonal", Values: []float32{0, 1, 0}},
		{ID: "opposite", Values: []float32{-1, 0, 0}},
	})

	got, err := idx.Search(context.Background(), []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "same", got[0].ID)
	require.InDelta(t, 1.0, got[0].Score, 1e-9)
}

func TestSearchRespectsK(t *testing.T) {
	idx := New([]Vector{
		{ID: "a", Values: []float32{1, 0}},
		{ID: "b", Values: []float32{0, 1}},
		{ID: "c", Values: []float32{1, 1}},
	})

	got, err := idx.Search(context.Background(), []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
}
