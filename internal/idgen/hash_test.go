package idgen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEntityIDIsDeterministic(t *testing.T) {
	a := EntityID("local_files", "/home/user/notes/todo.md")
	b := EntityID("local_files", "/home/user/notes/todo.md")
	require.Equal(t, a, b)
	require.Len(t, a, 32)
}

func TestEntityIDDistinguishesSourceAndSourceID(t *testing.T) {
	byPath := EntityID("local_files", "/a")
	byOtherPath := EntityID("local_files", "/b")
	require.NotEqual(t, byPath, byOtherPath)

	byOtherSource := EntityID("obsidian", "/a")
	require.NotEqual(t, byPath, byOtherSource)
}

func TestChunkID(t *testing.T) {
	require.Equal(t, "abc123:0", ChunkID("abc123", 0))
	require.Equal(t, "abc123:7", ChunkID("abc123", 7))
}

func TestContentHashStableAndSensitive(t *testing.T) {
	require.Equal(t, ContentHash("hello"), ContentHash("hello"))
	require.NotEqual(t, ContentHash("hello"), ContentHash("hellp"))
	require.Len(t, ContentHash("hello"), 32)
}
