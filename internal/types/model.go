package types

import "time"

// Entity is a single ingested unit of content from a connector source
// (a file, a bookmark, a Notion page...). Identity is content-addressed:
// EntityID is derived from (Source, SourceID) so re-scanning the same
// item finds the same row.
type Entity struct {
	EntityID         string
	Source           string
	SourceID         string
	EntityType       string
	Title            string
	URI              string
	MimeType         string
	Tags             []string
	Metadata         map[string]any
	Sensitivity      Sensitivity
	ContentHash      string
	ConnectorName    string
	ConnectorVersion string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	SyncedAt         time.Time
	LastSeenAt       time.Time
	TombstonedAt     *time.Time
}

// Tombstoned reports whether the entity is currently soft-deleted.
func (e Entity) Tombstoned() bool { return e.TombstonedAt != nil }

// Chunk is one piece of an Entity's content, the unit embeddings and FTS
// operate over. ChunkID is EntityID + ":" + Index.
type Chunk struct {
	ChunkID     string
	EntityID    string
	Index       int
	Content     string
	ContentHash string
	ChunkType   string
	StartOffset *int
	EndOffset   *int
}

// Embedding stores one Chunk's vector alongside the model that produced it,
// so a model upgrade can be detected instead of silently mixing vector
// spaces.
type Embedding struct {
	ChunkID   string
	Model     string
	Version   string
	Dimension int
	Vector    []float32
}

// MemoryType enumerates the kinds of durable agent memory.
type MemoryType string

const (
	MemoryTypeFact        MemoryType = "fact"
	MemoryTypePreference  MemoryType = "preference"
	MemoryTypeDecision    MemoryType = "decision"
	MemoryTypeObservation MemoryType = "observation"
	MemoryTypeEvent       MemoryType = "event"
	MemoryTypeContext     MemoryType = "context"
)

// ScopeType enumerates who a Memory belongs to.
type ScopeType string

const (
	ScopeTypeUser    ScopeType = "user"
	ScopeTypeProject ScopeType = "project"
	ScopeTypeEntity  ScopeType = "entity"
	ScopeTypeDomain  ScopeType = "domain"
)

// Sensitivity enumerates a row's visibility tier. A caller may see rows at
// or below its maximum granted tier; restricted memories are excluded from
// the FTS shadow table entirely.
type Sensitivity string

const (
	SensitivityNormal     Sensitivity = "normal"
	SensitivitySensitive  Sensitivity = "sensitive"
	SensitivityRestricted Sensitivity = "restricted"
)

// sensitivityRank orders tiers for "at or below" comparisons.
var sensitivityRank = map[Sensitivity]int{
	SensitivityNormal:     0,
	SensitivitySensitive:  1,
	SensitivityRestricted: 2,
}

// Visible reports whether a caller whose maximum granted tier is max may
// see a row at sensitivity s.
func (s Sensitivity) Visible(max Sensitivity) bool {
	return sensitivityRank[s] <= sensitivityRank[max]
}

// Memory is one durable, attributable fact, preference, decision,
// observation, event, or context record written by an agent.
type Memory struct {
	MemoryID     string
	MemoryType   MemoryType
	ScopeType    ScopeType
	ScopeID      *string // NULL iff ScopeType == ScopeTypeUser
	Content      string
	Slot         *string
	Sensitivity  Sensitivity
	SourceAgent  string
	SessionID    string
	Conversation string
	ContextLabel string
	CreatedAt    time.Time
	ExpiresAt    *time.Time
	RetractedAt  *time.Time
	RetractedBy  *string
	RetractedReason *string
	SupersededAt *time.Time
	SupersededBy *string
}

// Active reports whether m is visible to ordinary queries at observation
// time now: not retracted, not superseded, and not past its expiry.
func (m Memory) Active(now time.Time) bool {
	if m.RetractedAt != nil || m.SupersededAt != nil {
		return false
	}
	if m.ExpiresAt != nil && !m.ExpiresAt.After(now) {
		return false
	}
	return true
}

// MemoryCounter tracks a Memory's confidence score, independent of the
// immutable Memory row itself so confidence can evolve via events.
type MemoryCounter struct {
	MemoryID   string
	Confidence float64
	AccessCount int
	LastAccessedAt *time.Time
}

// MemoryTag is one lowercased, deduplicated tag attached to a Memory.
type MemoryTag struct {
	MemoryID string
	Tag      string
}

// MemoryRelation links a Memory to an external URI (another memory, an
// entity, a chunk).
type MemoryRelation struct {
	MemoryID   string
	RelatedURI string
	Relation   string
}

// MemoryEventType enumerates the append-only event log entries recorded
// against a Memory.
type MemoryEventType string

const (
	MemoryEventCreated    MemoryEventType = "created"
	MemoryEventRetracted  MemoryEventType = "retracted"
	MemoryEventSuperseded MemoryEventType = "superseded"
	MemoryEventAccessed   MemoryEventType = "accessed"
	MemoryEventConfidenceChanged MemoryEventType = "confidence_changed"
	MemoryEventEmbeddingAdded MemoryEventType = "embedding_added"
)

// MemoryEvent is one append-only row in a Memory's audit trail.
type MemoryEvent struct {
	EventID   int64
	MemoryID  string
	EventType MemoryEventType
	Actor     string
	Detail    string
	CreatedAt time.Time
}

// ProposalStatus enumerates the lifecycle of a pending edit proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExpired  ProposalStatus = "expired"
)

// MemoryProposal is a suggested new memory awaiting review before it is
// materialised by memory_write.
type MemoryProposal struct {
	ProposalID         string
	ProposedMemoryJSON string
	ProposedBy         string
	ProposedAt         time.Time
	ExpiresAt          time.Time
	Status             ProposalStatus
	ResolvedAt         *time.Time
	ResolvedMemoryID   *string
}

// DuplicateCluster groups memories the duplicate-detection job believes
// describe the same fact.
type DuplicateCluster struct {
	ClusterID  string
	DetectedAt time.Time
	Similarity float64
	ResolvedAt *time.Time
	Resolution *string
}

// DuplicateMember is one Memory belonging to a DuplicateCluster; exactly
// one member per cluster is flagged canonical (the earlier memory).
type DuplicateMember struct {
	ClusterID string
	MemoryID  string
	Canonical bool
}

// ConflictCluster groups memories the conflict-detection job believes
// occupy the same (slot, scope_type, scope_id) simultaneously.
type ConflictCluster struct {
	ClusterID  string
	Slot       string
	ScopeType  ScopeType
	ScopeID    *string
	DetectedAt time.Time
	ResolvedAt *time.Time
	Resolution *string
	ResolvedBy *string
}

// ConflictMember is one Memory belonging to a ConflictCluster.
type ConflictMember struct {
	ClusterID string
	MemoryID  string
}

// JobStatus enumerates a BackgroundJob's lifecycle.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "completed"
	JobFailed  JobStatus = "failed"
)

// JobType enumerates the background work kinds the worker dispatches.
type JobType string

const (
	JobTypeEmbedMemory       JobType = "embed_memory"
	JobTypeDetectDuplicates  JobType = "detect_duplicates"
	JobTypeDetectConflicts   JobType = "detect_conflicts"
)

// BackgroundJob is one unit of asynchronous work pulled by the worker.
type BackgroundJob struct {
	JobID       int64
	JobType     JobType
	MemoryID    string
	Priority    int
	Status      JobStatus
	Attempts    int
	MaxRetries  int
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	ClaimedBy   *string
	CompletedAt *time.Time
	LastError   *string
}

// WorkerLease is the singleton row (id = 1) that exactly one worker
// process holds at a time.
type WorkerLease struct {
	ID          int
	WorkerID    string
	Host        string
	PID         int
	AcquiredAt  time.Time
	ExpiresAt   time.Time
	HeartbeatAt time.Time
}

// AgentToken is one registered agent's credential and authorization
// envelope.
type AgentToken struct {
	AgentID          string
	LookupHash       string
	TokenHash        string
	Scopes           []string
	Capabilities     []string
	TrustLevel       string
	Flags            map[string]bool
	RateLimitPerHour int
	ProposalTTLDays  int
	CreatedAt        time.Time
	RevokedAt        *time.Time
}

// AgentInfo is the resolved identity and authorization envelope returned
// by authenticating an agent token; callers never see the raw token again.
type AgentInfo struct {
	AgentID          string
	Scopes           []string
	Capabilities     []string
	TrustLevel       string
	Flags            map[string]bool
	RateLimitPerHour int
	ProposalTTLDays  int
	IsAdmin          bool
}

// MaxSensitivity returns the highest sensitivity tier the agent may see:
// admins and agents with the "restricted" flag see everything, agents with
// the "sensitive" flag see normal+sensitive, everyone else sees normal only.
func (a AgentInfo) MaxSensitivity() Sensitivity {
	if a.IsAdmin || a.Flags["restricted"] {
		return SensitivityRestricted
	}
	if a.Flags["sensitive"] {
		return SensitivitySensitive
	}
	return SensitivityNormal
}

// AgentRateLimit is one hour-bucket counter row under agent_rate_limits.
type AgentRateLimit struct {
	AgentID    string
	HourBucket time.Time
	Count      int
}

// AuditLog is one row in the audit trail for sensitive operations.
type AuditLog struct {
	LogID     int64
	Actor     string
	Action    string
	Detail    string
	CreatedAt time.Time
}

// SystemConfig is one key/value row in the system_config table, seeded
// with the active embedding model name/version/dimensions and schema
// version at migration time.
type SystemConfig struct {
	Key   string
	Value string
}
