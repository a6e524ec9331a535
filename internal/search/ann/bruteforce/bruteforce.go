// Package bruteforce implements internal/search/ann.Index as a linear
// scan with cosine similarity. This is the documented degrade path for
// databases too small to benefit from an index, or a platform without the
// sqlite-vec extension available — not a default, a fallback.
package bruteforce

import (
	"container/heap"
	"context"
	"math"

	"github.com/thrr87/hoard/internal/search/ann"
)

// Vector is one stored embedding keyed by id.
type Vector struct {
	ID     string
	Values []float32
}

// Index holds an in-memory copy of every vector it was built from. Build
// it from the rows a caller already fetched; it is not connected to the
// database itself.
type Index struct {
	vectors []Vector
}

// New constructs an Index over vectors.
func New(vectors []Vector) *Index {
	return &Index{vectors: vectors}
}

// Search scans every stored vector and returns the k most cosine-similar.
func (idx *Index) Search(ctx context.Context, query []float32, k int) ([]ann.Candidate, error) {
	h := &topKHeap{}
	heap.Init(h)

	for _, v := range idx.vectors {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		score := cosineSimilarity(query, v.Values)
		cand := ann.Candidate{ID: v.ID, Score: score}
		if h.Len() < k {
			heap.Push(h, cand)
		} else if h.Len() > 0 && (*h)[0].Score < score {
			heap.Pop(h)
			heap.Push(h, cand)
		}
	}

	out := make([]ann.Candidate, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(ann.Candidate)
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// topKHeap is a min-heap on Score, so the smallest of the current top-k
// sits at the root and is the cheap thing to evict.
type topKHeap []ann.Candidate

func (h topKHeap) Len() int            { return len(h) }
func (h topKHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h topKHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *topKHeap) Push(x interface{}) { *h = append(*h, x.(ann.Candidate)) }
func (h *topKHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
