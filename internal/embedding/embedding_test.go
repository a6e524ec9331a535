package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	m := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := m.Embed(ctx, []string{"hello world"})
	require.NoError(t, err)
	b, err := m.Embed(ctx, []string{"hello world"})
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a[0], 64)
}

func TestHashEmbedderDistinguishesInput(t *testing.T) {
	m := NewHashEmbedder(32)
	ctx := context.Background()

	out, err := m.Embed(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	require.NotEqual(t, out[0], out[1])
}

func TestEncodeDecodeVectorRoundTrip(t *testing.T) {
	v := []float32{0.5, -0.25, 1, -1, 0}
	decoded := DecodeVector(EncodeVector(v))
	require.Equal(t, v, decoded)
}
