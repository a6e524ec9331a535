package idgen

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// EntityID derives the deterministic identifier for an ingested entity from
// its source and source-local id: hex(sha256("source:source_id"))[:32].
// Re-scanning the same (source, source_id) pair always yields the same id,
// which is what lets upsert_entity find the existing row.
func EntityID(source, sourceID string) string {
	return ContentHash(source + ":" + sourceID)
}

// ChunkID derives a chunk's identifier from its parent entity id and
// sequence index within that entity.
func ChunkID(entityID string, index int) string {
	return fmt.Sprintf("%s:%d", entityID, index)
}

// ContentHash returns the first 32 hex characters of the SHA-256 digest of
// content. Used both for entity ids and for the chunk content_hash column
// that lets sync detect unchanged content and skip chunk replacement.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:32]
}
