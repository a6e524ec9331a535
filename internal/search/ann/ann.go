// Package ann defines the approximate-nearest-neighbor search boundary
// used by internal/search's vector branch, with a real sqlite-vec backed
// implementation and a brute-force fallback for the documented degrade
// path.
package ann

import "context"

// Candidate is one nearest-neighbor search hit.
type Candidate struct {
	ID    string
	Score float64 // higher is more similar
}

// Index searches a fixed-dimension vector space for the k nearest
// neighbors of query.
type Index interface {
	Search(ctx context.Context, query []float32, k int) ([]Candidate, error)
}

// fallbackIndex tries primary first and falls through to secondary on
// any error, so a caller can wire a real ANN backend without losing
// vector search entirely when that backend's schema is missing or the
// query otherwise fails.
type fallbackIndex struct {
	primary   Index
	secondary Index
}

// WithFallback wraps primary so that a failed Search retries against
// secondary instead of surfacing the error. Use this to pair a sqlite-vec
// backed index with a brute-force one covering the "ANN disabled or
// construction fails" degrade path.
func WithFallback(primary, secondary Index) Index {
	return &fallbackIndex{primary: primary, secondary: secondary}
}

func (f *fallbackIndex) Search(ctx context.Context, query []float32, k int) ([]Candidate, error) {
	candidates, err := f.primary.Search(ctx, query, k)
	if err != nil {
		return f.secondary.Search(ctx, query, k)
	}
	return candidates, nil
}
