// Package memory implements the slot/scope-addressed durable memory
// subsystem: validated writes, retraction/supersession, proposals awaiting
// review, and the duplicate/conflict cluster read paths the background
// worker populates.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thrr87/hoard/internal/coordinator"
	"github.com/thrr87/hoard/internal/storage"
	"github.com/thrr87/hoard/internal/types"
)

// defaultSlotPattern matches spec.md's slot grammar:
// ^(pref|fact|ctx|decision|event):[a-z0-9_]+(\.[a-z0-9_]+){0,3}$
var defaultSlotPattern = regexp.MustCompile(`^(pref|fact|ctx|decision|event):[a-z0-9_]+(\.[a-z0-9_]+){0,3}$`)

// OnInvalidSlot selects the policy for a malformed slot on write.
type OnInvalidSlot string

const (
	// OnInvalidReject refuses the write with a ValidationError.
	OnInvalidReject OnInvalidSlot = "reject"
	// OnInvalidDrop clears the slot to empty and proceeds with the write.
	OnInvalidDrop OnInvalidSlot = "drop"
)

// Store is the memory subsystem's entry point: reads go straight to the
// reader pool, writes are serialized through the coordinator.
type Store struct {
	coord  *coordinator.Coordinator
	reader *sql.DB

	SlotPattern      *regexp.Regexp
	OnInvalidSlot    OnInvalidSlot
	DefaultTTLDays   int
	MaxProposalTTL   int
	DefaultProposalTTL int
}

// New constructs a Store with spec.md's documented defaults.
func New(coord *coordinator.Coordinator, reader *sql.DB) *Store {
	return &Store{
		coord:              coord,
		reader:             reader,
		SlotPattern:        defaultSlotPattern,
		OnInvalidSlot:      OnInvalidReject,
		DefaultTTLDays:     30,
		MaxProposalTTL:     30,
		DefaultProposalTTL: 7,
	}
}

// WriteInput is the caller-supplied payload for a new memory.
type WriteInput struct {
	Content      string
	MemoryType   types.MemoryType
	ScopeType    types.ScopeType
	ScopeID      string // ignored when ScopeType == user
	Slot         string
	Sensitivity  types.Sensitivity
	SourceAgent  string
	SessionID    string
	Conversation string
	ContextLabel string
	Tags         []string
	Relations    []Relation
	ExpiresAt    *time.Time
}

// Relation is one memory_relations row to attach on write.
type Relation struct {
	RelatedURI string
	Relation   string
}

// Written is the materialised memory plus its sidecars, returned from
// Write and Review(approve=true).
type Written struct {
	Memory types.Memory
	Tags   []string
}

// RateLimiter is consulted before every write when the caller's
// RateLimitPerHour is positive. Implementations must be safe to call from
// within a coordinator closure (i.e. not themselves re-enter Submit).
type RateLimiter interface {
	// Allow records and checks agentID's current hour-bucket write count
	// against limit, returning false (without recording) if the write
	// would exceed it.
	Allow(ctx context.Context, tx *sql.Tx, agentID string, limitPerHour int) (bool, error)
}

// hourBucketLimiter implements RateLimiter against agent_rate_limits,
// matching the reference store's hour-bucket upsert-then-check shape.
type hourBucketLimiter struct{}

func (hourBucketLimiter) Allow(ctx context.Context, tx *sql.Tx, agentID string, limit int) (bool, error) {
	bucket := time.Now().UTC().Truncate(time.Hour).Format(time.RFC3339)
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT count FROM agent_rate_limits WHERE agent_id = ? AND hour_bucket = ?`,
		agentID, bucket).Scan(&count)
	switch {
	case err == sql.ErrNoRows:
		if limit <= 0 {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO agent_rate_limits(agent_id, hour_bucket, count) VALUES (?, ?, 1)`,
				agentID, bucket)
			return true, err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO agent_rate_limits(agent_id, hour_bucket, count) VALUES (?, ?, 1)`,
			agentID, bucket)
		return true, err
	case err != nil:
		return false, err
	default:
		if count >= limit {
			return false, nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE agent_rate_limits SET count = count + 1 WHERE agent_id = ? AND hour_bucket = ?`,
			agentID, bucket)
		return true, err
	}
}

// DefaultRateLimiter is the hour-bucket counter backed by agent_rate_limits.
var DefaultRateLimiter RateLimiter = hourBucketLimiter{}

func normalizeTags(tags []string) []string {
	set := map[string]bool{}
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			set[t] = true
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *Store) validate(in *WriteInput) error {
	if strings.TrimSpace(in.Content) == "" {
		return &types.ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if in.MemoryType == "" {
		return &types.ValidationError{Field: "memory_type", Reason: "required"}
	}
	if in.ScopeType == "" {
		return &types.ValidationError{Field: "scope_type", Reason: "required"}
	}
	if in.SourceAgent == "" {
		return &types.ValidationError{Field: "source_agent", Reason: "required"}
	}
	if in.ScopeType == types.ScopeTypeUser {
		in.ScopeID = ""
	} else if in.ScopeID == "" {
		return &types.ValidationError{Field: "scope_id", Reason: "required for non-user scope"}
	}
	if in.Sensitivity == "" {
		in.Sensitivity = types.SensitivityNormal
	}

	if in.Slot != "" && !s.SlotPattern.MatchString(in.Slot) {
		switch s.OnInvalidSlot {
		case OnInvalidDrop:
			in.Slot = ""
		default:
			return &types.ValidationError{Field: "slot", Reason: fmt.Sprintf("%q does not match the configured slot pattern", in.Slot)}
		}
	}
	return nil
}

// Write validates, persists, and enqueues background jobs for a new memory.
// limiter may be nil to use DefaultRateLimiter.
func (s *Store) Write(ctx context.Context, in WriteInput, rateLimitPerHour int, limiter RateLimiter) (*Written, error) {
	if err := s.validate(&in); err != nil {
		return nil, err
	}
	if limiter == nil {
		limiter = DefaultRateLimiter
	}
	tags := normalizeTags(in.Tags)

	memID := uuid.NewString()
	now := time.Now().UTC()

	var result *Written
	err := s.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if rateLimitPerHour > 0 {
			ok, err := limiter.Allow(ctx, tx, in.SourceAgent, rateLimitPerHour)
			if err != nil {
				return fmt.Errorf("rate limit check: %w", err)
			}
			if !ok {
				return &types.RateLimitError{AgentID: in.SourceAgent, Limit: rateLimitPerHour}
			}
		}

		var scopeID, slot sql.NullString
		if in.ScopeID != "" {
			scopeID = sql.NullString{String: in.ScopeID, Valid: true}
		}
		if in.Slot != "" {
			slot = sql.NullString{String: in.Slot, Valid: true}
		}
		var expiresAt sql.NullString
		if in.ExpiresAt != nil {
			expiresAt = sql.NullString{String: in.ExpiresAt.UTC().Format(time.RFC3339Nano), Valid: true}
		}

		nowStr := now.Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memories (
				memory_id, memory_type, scope_type, scope_id, content, slot,
				sensitivity, source_agent, session_id, conversation, context_label,
				created_at, expires_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			memID, string(in.MemoryType), string(in.ScopeType), scopeID, in.Content, slot,
			string(in.Sensitivity), in.SourceAgent, in.SessionID, in.Conversation, in.ContextLabel,
			nowStr, expiresAt); err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_counters (memory_id, confidence) VALUES (?, 0.8)`, memID); err != nil {
			return fmt.Errorf("insert counter: %w", err)
		}

		for _, tag := range tags {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO memory_tags (memory_id, tag) VALUES (?, ?)`, memID, tag); err != nil {
				return fmt.Errorf("insert tag: %w", err)
			}
		}

		for _, rel := range in.Relations {
			if rel.RelatedURI == "" {
				continue
			}
			relType := rel.Relation
			if relType == "" {
				relType = "related"
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO memory_relations (memory_id, related_uri, relation) VALUES (?, ?, ?)`,
				memID, rel.RelatedURI, relType); err != nil {
				return fmt.Errorf("insert relation: %w", err)
			}
		}

		if err := insertEvent(ctx, tx, memID, types.MemoryEventCreated, in.SourceAgent, ""); err != nil {
			return err
		}

		for _, jt := range []types.JobType{types.JobTypeEmbedMemory, types.JobTypeDetectDuplicates, types.JobTypeDetectConflicts} {
			if err := enqueueJob(ctx, tx, jt, memID, 0); err != nil {
				return err
			}
		}

		mem := types.Memory{
			MemoryID:     memID,
			MemoryType:   in.MemoryType,
			ScopeType:    in.ScopeType,
			Content:      in.Content,
			Sensitivity:  in.Sensitivity,
			SourceAgent:  in.SourceAgent,
			SessionID:    in.SessionID,
			Conversation: in.Conversation,
			ContextLabel: in.ContextLabel,
			CreatedAt:    now,
			ExpiresAt:    in.ExpiresAt,
		}
		if in.ScopeID != "" {
			mem.ScopeID = &in.ScopeID
		}
		if in.Slot != "" {
			mem.Slot = &in.Slot
		}
		result = &Written{Memory: mem, Tags: tags}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, memoryID string, eventType types.MemoryEventType, actor, detail string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO memory_events (memory_id, event_type, actor, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		memoryID, string(eventType), actor, detail, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func enqueueJob(ctx context.Context, tx *sql.Tx, jobType types.JobType, memoryID string, priority int) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO background_jobs (job_type, memory_id, priority, status, created_at, max_retries)
		 VALUES (?, ?, ?, 'pending', ?, 3)`,
		string(jobType), memoryID, priority, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// Get returns any memory row by id regardless of lifecycle state, for
// audit purposes — unlike the active-only view Query returns.
func (s *Store) Get(ctx context.Context, memoryID string) (*types.Memory, []string, error) {
	row := s.reader.QueryRowContext(ctx, `
		SELECT memory_id, memory_type, scope_type, scope_id, content, slot, sensitivity,
		       source_agent, session_id, conversation, context_label, created_at, expires_at,
		       retracted_at, retracted_by, retracted_reason, superseded_at, superseded_by
		FROM memories WHERE memory_id = ?`, memoryID)

	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get memory %s: %w", memoryID, err)
	}

	tags, err := s.loadTags(ctx, memoryID)
	if err != nil {
		return nil, nil, err
	}
	return m, tags, nil
}

func (s *Store) loadTags(ctx context.Context, memoryID string) ([]string, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT tag FROM memory_tags WHERE memory_id = ? ORDER BY tag`, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(row scanner) (*types.Memory, error) {
	var m types.Memory
	var scopeID, slot, retractedBy, retractedReason, supersededBy sql.NullString
	var expiresAt, retractedAt, supersededAt sql.NullString
	var createdAt string
	var memType, scopeType, sensitivity string

	if err := row.Scan(&m.MemoryID, &memType, &scopeType, &scopeID, &m.Content, &slot, &sensitivity,
		&m.SourceAgent, &m.SessionID, &m.Conversation, &m.ContextLabel, &createdAt, &expiresAt,
		&retractedAt, &retractedBy, &retractedReason, &supersededAt, &supersededBy); err != nil {
		return nil, err
	}

	m.MemoryType = types.MemoryType(memType)
	m.ScopeType = types.ScopeType(scopeType)
	m.Sensitivity = types.Sensitivity(sensitivity)
	if scopeID.Valid {
		m.ScopeID = &scopeID.String
	}
	if slot.Valid {
		m.Slot = &slot.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		m.CreatedAt = t
	}
	if expiresAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, expiresAt.String); err == nil {
			m.ExpiresAt = &t
		}
	}
	if retractedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, retractedAt.String); err == nil {
			m.RetractedAt = &t
		}
	}
	if retractedBy.Valid {
		m.RetractedBy = &retractedBy.String
	}
	if retractedReason.Valid {
		m.RetractedReason = &retractedReason.String
	}
	if supersededAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, supersededAt.String); err == nil {
			m.SupersededAt = &t
		}
	}
	if supersededBy.Valid {
		m.SupersededBy = &supersededBy.String
	}
	return &m, nil
}

// Retract marks a memory retracted; a no-op error (types.ValidationError)
// is returned if the memory does not exist.
func (s *Store) Retract(ctx context.Context, memoryID, reason, actor string) error {
	return s.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := tx.ExecContext(ctx,
			`UPDATE memories SET retracted_at = ?, retracted_by = ?, retracted_reason = ?
			 WHERE memory_id = ? AND retracted_at IS NULL`,
			now, actor, nullableString(reason), memoryID)
		if err != nil {
			return fmt.Errorf("retract memory: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &types.ValidationError{Field: "memory_id", Reason: "not found or already retracted"}
		}
		return insertEvent(ctx, tx, memoryID, types.MemoryEventRetracted, actor, reason)
	})
}

// Supersede marks memoryID superseded by supersededByID.
func (s *Store) Supersede(ctx context.Context, memoryID, supersededByID, actor string) error {
	return s.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := tx.ExecContext(ctx,
			`UPDATE memories SET superseded_at = ?, superseded_by = ?
			 WHERE memory_id = ? AND superseded_at IS NULL`,
			now, supersededByID, memoryID)
		if err != nil {
			return fmt.Errorf("supersede memory: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &types.ValidationError{Field: "memory_id", Reason: "not found or already superseded"}
		}
		return insertEvent(ctx, tx, memoryID, types.MemoryEventSuperseded, actor, supersededByID)
	})
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Propose records a pending memory suggestion without materialising it.
func (s *Store) Propose(ctx context.Context, in WriteInput, proposer string, ttlDays int) (*types.MemoryProposal, error) {
	if ttlDays <= 0 {
		ttlDays = s.DefaultProposalTTL
	}
	if ttlDays > s.MaxProposalTTL {
		ttlDays = s.MaxProposalTTL
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal proposed memory: %w", err)
	}

	now := time.Now().UTC()
	expiresAt := now.AddDate(0, 0, ttlDays)
	p := &types.MemoryProposal{
		ProposalID:         uuid.NewString(),
		ProposedMemoryJSON: string(payload),
		ProposedBy:         proposer,
		ProposedAt:         now,
		ExpiresAt:          expiresAt,
		Status:             types.ProposalPending,
	}

	err = s.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO memory_proposals (proposal_id, proposed_memory_json, proposed_by, proposed_at, expires_at, status)
			VALUES (?, ?, ?, ?, ?, 'pending')`,
			p.ProposalID, p.ProposedMemoryJSON, p.ProposedBy,
			p.ProposedAt.Format(time.RFC3339Nano), p.ExpiresAt.Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Review approves or rejects a pending proposal. On approval the proposed
// payload is materialised via Write using the original caller's rate
// limit (rateLimitPerHour, limiter — pass rateLimitPerHour 0 to skip the
// check, since the reviewer is typically trusted tooling, not the original
// proposer; a nil limiter selects the default one).
func (s *Store) Review(ctx context.Context, proposalID string, approve bool, reviewer string, rateLimitPerHour int, limiter RateLimiter) (*Written, error) {
	var payload string
	row := s.reader.QueryRowContext(ctx,
		`SELECT proposed_memory_json FROM memory_proposals WHERE proposal_id = ? AND status = 'pending'`, proposalID)
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, &types.ValidationError{Field: "proposal_id", Reason: "not found or already resolved"}
		}
		return nil, fmt.Errorf("load proposal: %w", err)
	}

	if !approve {
		err := s.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
			now := time.Now().UTC().Format(time.RFC3339Nano)
			_, err := tx.ExecContext(ctx,
				`UPDATE memory_proposals SET status = 'rejected', resolved_at = ? WHERE proposal_id = ?`,
				now, proposalID)
			return err
		})
		return nil, err
	}

	var in WriteInput
	if err := json.Unmarshal([]byte(payload), &in); err != nil {
		return nil, fmt.Errorf("decode proposed memory: %w", err)
	}
	if in.SourceAgent == "" {
		in.SourceAgent = reviewer
	}

	written, err := s.Write(ctx, in, rateLimitPerHour, limiter)
	if err != nil {
		return nil, err
	}

	err = s.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		_, err := tx.ExecContext(ctx,
			`UPDATE memory_proposals SET status = 'approved', resolved_at = ?, resolved_memory_id = ? WHERE proposal_id = ?`,
			now, written.Memory.MemoryID, proposalID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

// ConflictsList returns conflict clusters, optionally filtered to
// unresolved ones only.
func (s *Store) ConflictsList(ctx context.Context, unresolvedOnly bool) ([]types.ConflictCluster, error) {
	q := `SELECT cluster_id, slot, scope_type, scope_id, detected_at, resolved_at, resolution, resolved_by
	      FROM memory_conflicts`
	if unresolvedOnly {
		q += " WHERE resolved_at IS NULL"
	}
	q += " ORDER BY detected_at DESC"

	rows, err := s.reader.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []types.ConflictCluster
	for rows.Next() {
		var c types.ConflictCluster
		var scopeID, resolvedAt, resolution, resolvedBy sql.NullString
		var scopeType, detectedAt string
		if err := rows.Scan(&c.ClusterID, &c.Slot, &scopeType, &scopeID, &detectedAt, &resolvedAt, &resolution, &resolvedBy); err != nil {
			return nil, err
		}
		c.ScopeType = types.ScopeType(scopeType)
		if scopeID.Valid {
			c.ScopeID = &scopeID.String
		}
		if t, err := time.Parse(time.RFC3339Nano, detectedAt); err == nil {
			c.DetectedAt = t
		}
		if resolvedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, resolvedAt.String); err == nil {
				c.ResolvedAt = &t
			}
		}
		if resolution.Valid {
			c.Resolution = &resolution.String
		}
		if resolvedBy.Valid {
			c.ResolvedBy = &resolvedBy.String
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ConflictResolve marks a conflict cluster resolved.
func (s *Store) ConflictResolve(ctx context.Context, clusterID, resolution, resolvedBy string) error {
	return s.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := tx.ExecContext(ctx,
			`UPDATE memory_conflicts SET resolved_at = ?, resolution = ?, resolved_by = ? WHERE cluster_id = ? AND resolved_at IS NULL`,
			now, resolution, resolvedBy, clusterID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &types.ValidationError{Field: "cluster_id", Reason: "not found or already resolved"}
		}
		return nil
	})
}

// DuplicatesList returns duplicate clusters, optionally filtered to
// unresolved ones only.
func (s *Store) DuplicatesList(ctx context.Context, unresolvedOnly bool) ([]types.DuplicateCluster, error) {
	q := `SELECT cluster_id, detected_at, similarity, resolved_at, resolution FROM memory_duplicates`
	if unresolvedOnly {
		q += " WHERE resolved_at IS NULL"
	}
	q += " ORDER BY detected_at DESC"

	rows, err := s.reader.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list duplicates: %w", err)
	}
	defer rows.Close()

	var out []types.DuplicateCluster
	for rows.Next() {
		var c types.DuplicateCluster
		var resolvedAt, resolution sql.NullString
		var detectedAt string
		if err := rows.Scan(&c.ClusterID, &detectedAt, &c.Similarity, &resolvedAt, &resolution); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, detectedAt); err == nil {
			c.DetectedAt = t
		}
		if resolvedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, resolvedAt.String); err == nil {
				c.ResolvedAt = &t
			}
		}
		if resolution.Valid {
			c.Resolution = &resolution.String
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DuplicateResolve marks a duplicate cluster resolved.
func (s *Store) DuplicateResolve(ctx context.Context, clusterID, resolution string) error {
	return s.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := tx.ExecContext(ctx,
			`UPDATE memory_duplicates SET resolved_at = ?, resolution = ? WHERE cluster_id = ? AND resolved_at IS NULL`,
			now, resolution, clusterID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &types.ValidationError{Field: "cluster_id", Reason: "not found or already resolved"}
		}
		return nil
	})
}

// ExpireProposals sweeps pending proposals past their TTL, called
// periodically by the background worker's lease loop.
func ExpireProposals(ctx context.Context, tx *sql.Tx) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE memory_proposals SET status = 'expired' WHERE status = 'pending' AND expires_at <= ?`,
		storage.Now())
	if err != nil {
		return 0, fmt.Errorf("expire proposals: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
