// Package embedding defines the pluggable vector-embedding boundary. The
// spec treats the embedding model as swappable infrastructure; this
// package's Model interface is the contract, with one deterministic
// built-in implementation so the worker and search paths have something
// real to exercise without a network call.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// Model turns text into fixed-dimension vectors.
type Model interface {
	Name() string
	Version() string
	Dimensions() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// HashEmbedder is a deterministic, dependency-free Model: each dimension
// is derived from a distinct SHA-256 stream of the input text, then
// L2-normalized. It produces stable, content-sensitive vectors suitable
// for exercising the storage/search pipeline without a real model.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder constructs a HashEmbedder with the given vector width.
func NewHashEmbedder(dims int) *HashEmbedder {
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Name() string    { return "hoard-builtin-hash-embed" }
func (h *HashEmbedder) Version() string { return "1" }
func (h *HashEmbedder) Dimensions() int { return h.dims }

func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = h.embedOne(text)
	}
	return out, nil
}

func (h *HashEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, h.dims)
	block := make([]byte, len(text)+4)
	copy(block, text)

	for i := 0; i < h.dims; i++ {
		binary.LittleEndian.PutUint32(block[len(text):], uint32(i))
		sum := sha256.Sum256(block)
		// Fold the 32-byte digest into a single float via its first 4 bytes,
		// mapped into [-1, 1].
		bits := binary.LittleEndian.Uint32(sum[:4])
		vec[i] = float32(bits)/float32(math.MaxUint32)*2 - 1
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}

// EncodeVector packs a float32 vector into the little-endian byte layout
// stored in the embedding BLOB columns.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector reverses EncodeVector.
func DecodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
