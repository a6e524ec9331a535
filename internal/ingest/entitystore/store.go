// Package entitystore implements the ingest-side persistence contract:
// upserting one entity's metadata and atomically replacing its chunk set
// in the same transaction, so a reader never observes a half-replaced
// document.
package entitystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/thrr87/hoard/internal/coordinator"
	"github.com/thrr87/hoard/internal/idgen"
	"github.com/thrr87/hoard/internal/types"
)

// Store persists entities and chunks through the coordinator.
type Store struct {
	coord  *coordinator.Coordinator
	reader *sql.DB
}

// New constructs a Store.
func New(coord *coordinator.Coordinator, reader *sql.DB) *Store {
	return &Store{coord: coord, reader: reader}
}

// ChunkInput is one chunk of an entity's content, prior to ID assignment.
type ChunkInput struct {
	Index       int
	Content     string
	ChunkType   string
	StartOffset *int
	EndOffset   *int
}

// EntityInput is the caller-supplied payload for UpsertEntity.
type EntityInput struct {
	Source           string
	SourceID         string
	EntityType       string
	Title            string
	URI              string
	MimeType         string
	Tags             []string
	Metadata         map[string]any
	Sensitivity      types.Sensitivity
	ConnectorName    string
	ConnectorVersion string
	Chunks           []ChunkInput
}

// UpsertResult reports what UpsertEntity did, so callers (the sync
// engine) can short-circuit embedding work when content didn't change.
type UpsertResult struct {
	EntityID       string
	Created        bool
	ContentChanged bool
}

// contentHash hashes the connector version (which carries the connector's
// chunking parameters) followed by the concatenation of all chunk
// contents, so a single-byte change anywhere in the document, or a change
// of chunking configuration, is detected without hashing the (possibly
// much larger) raw source bytes.
func contentHash(connectorVersion string, chunks []ChunkInput) string {
	var sb strings.Builder
	sb.WriteString(connectorVersion)
	sb.WriteByte(0)
	for _, c := range chunks {
		sb.WriteString(c.Content)
		sb.WriteByte(0)
	}
	return idgen.ContentHash(sb.String())
}

// UpsertEntity inserts or updates one entity row and, within the same
// transaction, replaces its chunk set — deleting chunks (and their
// embeddings, via ON DELETE CASCADE) whose index no longer appears and
// inserting/updating the rest. When the newly computed content hash
// matches the stored one, the chunk replacement is skipped entirely so a
// re-scan of unchanged content does not re-trigger embedding jobs.
func (s *Store) UpsertEntity(ctx context.Context, in EntityInput) (*UpsertResult, error) {
	if in.Source == "" || in.SourceID == "" {
		return nil, &types.ValidationError{Field: "source/source_id", Reason: "both required"}
	}
	entityID := idgen.EntityID(in.Source, in.SourceID)
	hash := contentHash(in.ConnectorVersion, in.Chunks)

	tagsJSON, err := json.Marshal(normalizeTags(in.Tags))
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	metaJSON, err := json.Marshal(in.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	result := &UpsertResult{EntityID: entityID}

	err = s.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)

		var existingHash string
		err := tx.QueryRowContext(ctx, `SELECT content_hash FROM entities WHERE entity_id = ?`, entityID).Scan(&existingHash)
		switch {
		case err == sql.ErrNoRows:
			result.Created = true
			result.ContentChanged = true
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO entities (
					entity_id, source, source_id, entity_type, title, uri, mime_type,
					tags, metadata, sensitivity, content_hash, connector_name, connector_version,
					created_at, updated_at, synced_at, last_seen_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				entityID, in.Source, in.SourceID, orDefault(in.EntityType, "document"), in.Title, in.URI, in.MimeType,
				string(tagsJSON), string(metaJSON), orDefault(string(in.Sensitivity), "normal"), hash,
				in.ConnectorName, in.ConnectorVersion, now, now, now, now); err != nil {
				return fmt.Errorf("insert entity: %w", err)
			}
		case err != nil:
			return fmt.Errorf("lookup entity: %w", err)
		default:
			result.ContentChanged = existingHash != hash
			if _, err := tx.ExecContext(ctx, `
				UPDATE entities SET
					entity_type = ?, title = ?, uri = ?, mime_type = ?, tags = ?, metadata = ?,
					sensitivity = ?, content_hash = ?, connector_name = ?, connector_version = ?,
					updated_at = ?, synced_at = ?, last_seen_at = ?, tombstoned_at = NULL
				WHERE entity_id = ?`,
				orDefault(in.EntityType, "document"), in.Title, in.URI, in.MimeType, string(tagsJSON), string(metaJSON),
				orDefault(string(in.Sensitivity), "normal"), hash, in.ConnectorName, in.ConnectorVersion,
				now, now, now, entityID); err != nil {
				return fmt.Errorf("update entity: %w", err)
			}
		}

		if result.ContentChanged {
			if err := replaceChunks(ctx, tx, entityID, in.Chunks); err != nil {
				return err
			}
		} else {
			// content_hash unchanged: chunks are left as they are; the
			// UPDATE above has already refreshed last_seen_at, so cleanup
			// doesn't tombstone an entity a scan genuinely re-observed.
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func replaceChunks(ctx context.Context, tx *sql.Tx, entityID string, chunks []ChunkInput) error {
	keepIndexes := make([]int, 0, len(chunks))
	for _, c := range chunks {
		keepIndexes = append(keepIndexes, c.Index)
	}

	existingRows, err := tx.QueryContext(ctx, `SELECT chunk_index FROM chunks WHERE entity_id = ?`, entityID)
	if err != nil {
		return fmt.Errorf("list existing chunks: %w", err)
	}
	var existing []int
	for existingRows.Next() {
		var idx int
		if err := existingRows.Scan(&idx); err != nil {
			existingRows.Close()
			return err
		}
		existing = append(existing, idx)
	}
	existingRows.Close()
	if err := existingRows.Err(); err != nil {
		return err
	}

	keep := map[int]bool{}
	for _, idx := range keepIndexes {
		keep[idx] = true
	}
	for _, idx := range existing {
		if !keep[idx] {
			if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE entity_id = ? AND chunk_index = ?`, entityID, idx); err != nil {
				return fmt.Errorf("delete stale chunk %d: %w", idx, err)
			}
		}
	}

	for _, c := range chunks {
		chunkID := idgen.ChunkID(entityID, c.Index)
		hash := idgen.ContentHash(c.Content)
		chunkType := c.ChunkType
		if chunkType == "" {
			chunkType = "text"
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (chunk_id, entity_id, chunk_index, content, content_hash, chunk_type, start_offset, end_offset)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_id, chunk_index) DO UPDATE SET
				content = excluded.content,
				content_hash = excluded.content_hash,
				chunk_type = excluded.chunk_type,
				start_offset = excluded.start_offset,
				end_offset = excluded.end_offset
			WHERE chunks.content_hash != excluded.content_hash`,
			chunkID, entityID, c.Index, c.Content, hash, chunkType, c.StartOffset, c.EndOffset)
		if err != nil {
			return fmt.Errorf("upsert chunk %d: %w", c.Index, err)
		}
	}
	return nil
}

func normalizeTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// TouchLastSeen updates last_seen_at for entities observed again during a
// scan without otherwise changing them; called by the sync engine between
// UpsertEntity calls and the final tombstone sweep.
func (s *Store) TouchLastSeen(ctx context.Context, entityID string) error {
	return s.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE entities SET last_seen_at = ? WHERE entity_id = ?`,
			time.Now().UTC().Format(time.RFC3339Nano), entityID)
		return err
	})
}

// GetBySource looks up an entity by its (source, source_id) natural key.
func (s *Store) GetBySource(ctx context.Context, source, sourceID string) (*types.Entity, error) {
	row := s.reader.QueryRowContext(ctx, `
		SELECT entity_id, source, source_id, entity_type, title, uri, mime_type, tags, sensitivity,
		       content_hash, connector_name, connector_version, created_at, updated_at, synced_at,
		       last_seen_at, tombstoned_at
		FROM entities WHERE source = ? AND source_id = ?`, source, sourceID)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity by source: %w", err)
	}
	return e, nil
}

// GetByID looks up an entity by its primary key.
func (s *Store) GetByID(ctx context.Context, entityID string) (*types.Entity, error) {
	row := s.reader.QueryRowContext(ctx, `
		SELECT entity_id, source, source_id, entity_type, title, uri, mime_type, tags, sensitivity,
		       content_hash, connector_name, connector_version, created_at, updated_at, synced_at,
		       last_seen_at, tombstoned_at
		FROM entities WHERE entity_id = ?`, entityID)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity by id: %w", err)
	}
	return e, nil
}

// GetChunk returns one chunk by id, along with up to contextChunks
// neighboring chunks on either side (by chunk_index, within the same
// entity) so a caller can expand a search hit's surrounding context.
func (s *Store) GetChunk(ctx context.Context, chunkID string, contextChunks int) (*types.Chunk, []types.Chunk, error) {
	target, err := s.scanChunkByID(ctx, chunkID)
	if err != nil {
		return nil, nil, err
	}
	if target == nil {
		return nil, nil, nil
	}
	if contextChunks <= 0 {
		return target, nil, nil
	}

	rows, err := s.reader.QueryContext(ctx, `
		SELECT chunk_id, entity_id, chunk_index, content, content_hash, chunk_type, start_offset, end_offset
		FROM chunks
		WHERE entity_id = ? AND chunk_index BETWEEN ? AND ? AND chunk_id != ?
		ORDER BY chunk_index`,
		target.EntityID, target.Index-contextChunks, target.Index+contextChunks, chunkID)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch context chunks: %w", err)
	}
	defer rows.Close()

	var neighbors []types.Chunk
	for rows.Next() {
		c, err := scanChunkRow(rows)
		if err != nil {
			return nil, nil, err
		}
		neighbors = append(neighbors, *c)
	}
	return target, neighbors, rows.Err()
}

func (s *Store) scanChunkByID(ctx context.Context, chunkID string) (*types.Chunk, error) {
	row := s.reader.QueryRowContext(ctx, `
		SELECT chunk_id, entity_id, chunk_index, content, content_hash, chunk_type, start_offset, end_offset
		FROM chunks WHERE chunk_id = ?`, chunkID)
	var c types.Chunk
	var startOffset, endOffset sql.NullInt64
	if err := row.Scan(&c.ChunkID, &c.EntityID, &c.Index, &c.Content, &c.ContentHash, &c.ChunkType,
		&startOffset, &endOffset); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	if startOffset.Valid {
		v := int(startOffset.Int64)
		c.StartOffset = &v
	}
	if endOffset.Valid {
		v := int(endOffset.Int64)
		c.EndOffset = &v
	}
	return &c, nil
}

func scanChunkRow(rows *sql.Rows) (*types.Chunk, error) {
	var c types.Chunk
	var startOffset, endOffset sql.NullInt64
	if err := rows.Scan(&c.ChunkID, &c.EntityID, &c.Index, &c.Content, &c.ContentHash, &c.ChunkType,
		&startOffset, &endOffset); err != nil {
		return nil, err
	}
	if startOffset.Valid {
		v := int(startOffset.Int64)
		c.StartOffset = &v
	}
	if endOffset.Valid {
		v := int(endOffset.Int64)
		c.EndOffset = &v
	}
	return &c, nil
}

func scanEntity(row *sql.Row) (*types.Entity, error) {
	var e types.Entity
	var title, uri, mimeType, tagsJSON, tombstonedAt sql.NullString
	var createdAt, updatedAt, syncedAt, lastSeenAt, sensitivity string

	if err := row.Scan(&e.EntityID, &e.Source, &e.SourceID, &e.EntityType, &title, &uri, &mimeType, &tagsJSON,
		&sensitivity, &e.ContentHash, &e.ConnectorName, &e.ConnectorVersion, &createdAt, &updatedAt, &syncedAt,
		&lastSeenAt, &tombstonedAt); err != nil {
		return nil, err
	}
	e.Title = title.String
	e.URI = uri.String
	e.MimeType = mimeType.String
	e.Sensitivity = types.Sensitivity(sensitivity)
	if tagsJSON.Valid {
		_ = json.Unmarshal([]byte(tagsJSON.String), &e.Tags)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	e.SyncedAt, _ = time.Parse(time.RFC3339Nano, syncedAt)
	e.LastSeenAt, _ = time.Parse(time.RFC3339Nano, lastSeenAt)
	if tombstonedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, tombstonedAt.String); err == nil {
			e.TombstonedAt = &t
		}
	}
	return &e, nil
}
