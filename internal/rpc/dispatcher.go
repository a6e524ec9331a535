package rpc

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/thrr87/hoard/internal/auth"
	"github.com/thrr87/hoard/internal/coordinator"
	"github.com/thrr87/hoard/internal/embedding"
	"github.com/thrr87/hoard/internal/ingest/embed"
	"github.com/thrr87/hoard/internal/ingest/entitystore"
	"github.com/thrr87/hoard/internal/ingest/sync"
	"github.com/thrr87/hoard/internal/memory"
	"github.com/thrr87/hoard/internal/search"
	"github.com/thrr87/hoard/internal/search/ann"
	"github.com/thrr87/hoard/internal/types"
)

// Connectors resolves configured connectors for the ingest.* tools.
type Connectors interface {
	Get(name string) (sync.Connector, bool)
	All() []sync.Connector
	Names() []string
}

// Limits are the config-level request/quota ceilings the rate limiter
// enforces on top of an agent's own memory-write rate_limit_per_hour.
type Limits struct {
	SearchRequestsPerMinute int
	GetRequestsPerMinute    int
	ChunksReturnedPerHour   int
	BytesReturnedPerHour    int
}

// Dispatcher routes authenticated JSON-RPC requests to the daemon's
// subsystems, recording an audit_logs row for every call regardless of
// outcome.
type Dispatcher struct {
	auther     *auth.Authenticator
	limiter    *auth.RateLimiter
	coord      *coordinator.Coordinator
	reader     *sql.DB
	memory     *memory.Store
	entities   *entitystore.Store
	sync       *sync.Engine
	connectors Connectors
	embedder   embedding.Model
	annIndex   ann.Index
	limits     Limits
	logger     *log.Logger

	seenAliases map[string]bool
	logAliases  bool
}

// New constructs a Dispatcher wired to every subsystem it routes to.
func New(auther *auth.Authenticator, limiter *auth.RateLimiter, coord *coordinator.Coordinator, reader *sql.DB,
	memStore *memory.Store, entities *entitystore.Store, syncEngine *sync.Engine, connectors Connectors,
	embedder embedding.Model, annIndex ann.Index, limits Limits, logger *log.Logger, logLegacyAliasUse bool) *Dispatcher {
	return &Dispatcher{
		auther:      auther,
		limiter:     limiter,
		coord:       coord,
		reader:      reader,
		memory:      memStore,
		entities:    entities,
		sync:        syncEngine,
		connectors:  connectors,
		embedder:    embedder,
		annIndex:    annIndex,
		limits:      limits,
		logger:      logger,
		seenAliases: map[string]bool{},
		logAliases:  logLegacyAliasUse,
	}
}

func (d *Dispatcher) resolveTool(method string) (Tool, bool) {
	if canon, ok := legacyAliases[method]; ok {
		if d.logAliases && !d.seenAliases[method] {
			d.seenAliases[method] = true
			d.logger.Printf("legacy tool alias used: %q -> %q", method, canon)
		}
		return canon, true
	}
	switch Tool(method) {
	case ToolDataSearch, ToolDataGet, ToolDataGetChunk,
		ToolMemoryWrite, ToolMemoryGet, ToolMemoryQuery, ToolMemorySearch, ToolMemoryRetract, ToolMemorySupersede,
		ToolMemoryPropose, ToolMemoryReview, ToolMemoryConflictsList, ToolMemoryConflictsResolve,
		ToolMemoryDuplicatesList, ToolMemoryDuplicatesResolve,
		ToolIngestSync, ToolIngestStatus, ToolIngestRun, ToolIngestEmbeddingsBuild, ToolIngestInboxPut,
		ToolAdminAgentRegister, ToolAdminAgentList, ToolAdminAgentRemove, ToolStatus:
		return Tool(method), true
	default:
		return "", false
	}
}

// requiredScope names the scope string an agent's token must carry (or
// "*", or admin) to call tool. Empty means any authenticated agent.
func requiredScope(tool Tool) string {
	switch tool {
	case ToolDataSearch, ToolDataGet, ToolDataGetChunk:
		return "data:read"
	case ToolMemoryGet, ToolMemoryQuery, ToolMemorySearch, ToolMemoryConflictsList, ToolMemoryDuplicatesList:
		return "memory:read"
	case ToolMemoryWrite, ToolMemoryPropose, ToolMemoryRetract, ToolMemorySupersede, ToolMemoryReview,
		ToolMemoryConflictsResolve, ToolMemoryDuplicatesResolve:
		return "memory:write"
	case ToolIngestStatus:
		return "ingest:read"
	case ToolIngestSync, ToolIngestRun, ToolIngestEmbeddingsBuild, ToolIngestInboxPut:
		return "ingest:write"
	default:
		return ""
	}
}

func hasScope(agent *types.AgentInfo, scope string) bool {
	if scope == "" || agent.IsAdmin {
		return true
	}
	for _, s := range agent.Scopes {
		if s == "*" || s == scope {
			return true
		}
	}
	return false
}

// requestLimit returns the 60s-window request-rate ceiling tool falls
// under: data.search uses the search ceiling, every other tool the get
// ceiling. Each (agent, tool) pair still counts in its own bucket.
func (d *Dispatcher) requestLimit(tool Tool) int {
	if tool == ToolDataSearch {
		return d.limits.SearchRequestsPerMinute
	}
	return d.limits.GetRequestsPerMinute
}

// Dispatch authenticates token, resolves method to a canonical Tool,
// enforces scope and rate limits, executes the handler, and records an
// audit log entry before returning the JSON-RPC response. allowWrites is
// false on the stdio transport, which never executes a mutating tool.
func (d *Dispatcher) Dispatch(ctx context.Context, token string, req Request, allowWrites bool) Response {
	tool, method, params, ok := d.resolveMethod(req)
	if !ok {
		d.audit("", req.Method, false, 0, 0)
		return errorOf(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
	if method == "initialize" {
		d.audit("", method, true, 0, 0)
		return resultOf(req.ID, initializeResult())
	}
	if method == "tools/list" {
		d.audit("", method, true, 0, 0)
		return resultOf(req.ID, toolsListResult())
	}

	if !allowWrites && IsWriteTool(tool) {
		err := &types.WriteDisabledError{Tool: string(tool)}
		d.audit("", string(tool), false, 0, 0)
		return errorOf(req.ID, CodeWriteDisabled, err.Error())
	}

	agentInfo, err := d.auther.Authenticate(ctx, token)
	if err != nil {
		d.audit("", string(tool), false, 0, 0)
		return errorOf(req.ID, codeForError(err), err.Error())
	}

	if !hasScope(agentInfo, requiredScope(tool)) {
		scopeErr := &types.ScopeError{Scope: requiredScope(tool)}
		d.audit(agentInfo.AgentID, string(tool), false, 0, 0)
		return errorOf(req.ID, CodeScope, scopeErr.Error())
	}

	if !d.limiter.AllowRequest(agentInfo.AgentID, string(tool), d.requestLimit(tool)) {
		rateErr := &types.RateLimitError{AgentID: agentInfo.AgentID, Limit: d.requestLimit(tool)}
		d.audit(agentInfo.AgentID, string(tool), false, 0, 0)
		return errorOf(req.ID, CodeRateLimit, rateErr.Error())
	}

	result, chunks, bytes, handlerErr := d.handle(ctx, tool, agentInfo, params)
	if handlerErr == nil && (chunks > 0 || bytes > 0) {
		if !d.limiter.AllowQuota(agentInfo.AgentID, d.limits.ChunksReturnedPerHour, d.limits.BytesReturnedPerHour, chunks, bytes) {
			handlerErr = &types.RateLimitError{AgentID: agentInfo.AgentID, Limit: d.limits.ChunksReturnedPerHour}
			result = nil
		}
	}
	d.audit(agentInfo.AgentID, string(tool), handlerErr == nil, chunks, bytes)
	if handlerErr != nil {
		return errorOf(req.ID, codeForError(handlerErr), handlerErr.Error())
	}
	return resultOf(req.ID, result)
}

// resolveMethod normalizes the three supported request shapes: a
// top-level protocol method ("initialize", "tools/list"), a "tools/call"
// envelope naming the tool in its params, or (for direct-dispatch
// convenience and backward compatibility) a bare tool name as Method.
func (d *Dispatcher) resolveMethod(req Request) (tool Tool, method string, params json.RawMessage, ok bool) {
	switch req.Method {
	case "initialize":
		return "", "initialize", nil, true
	case "tools/list":
		return "", "tools/list", nil, true
	case "tools/call":
		var call toolsCallParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &call); err != nil {
				return "", "", nil, false
			}
		}
		t, ok := d.resolveTool(call.Name)
		return t, "tools/call", call.Arguments, ok
	default:
		t, ok := d.resolveTool(req.Method)
		return t, req.Method, req.Params, ok
	}
}

func initializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": "2024-11-05",
		"serverInfo":      map[string]any{"name": "hoardd", "version": "1"},
		"capabilities":    map[string]any{"tools": map[string]any{}},
	}
}

func toolsListResult() map[string]any {
	all := []Tool{
		ToolDataSearch, ToolDataGet, ToolDataGetChunk,
		ToolMemoryWrite, ToolMemoryGet, ToolMemoryQuery, ToolMemorySearch, ToolMemoryRetract, ToolMemorySupersede,
		ToolMemoryPropose, ToolMemoryReview, ToolMemoryConflictsList, ToolMemoryConflictsResolve,
		ToolMemoryDuplicatesList, ToolMemoryDuplicatesResolve,
		ToolIngestSync, ToolIngestStatus, ToolIngestRun, ToolIngestEmbeddingsBuild, ToolIngestInboxPut,
		ToolAdminAgentRegister, ToolAdminAgentList, ToolAdminAgentRemove, ToolStatus,
	}
	listings := make([]toolListing, 0, len(all)+len(legacyAliases))
	for _, t := range all {
		listings = append(listings, toolListing{Name: string(t), WriteTool: IsWriteTool(t)})
	}
	for alias, canon := range legacyAliases {
		listings = append(listings, toolListing{Name: alias, Deprecated: true, WriteTool: IsWriteTool(canon)})
	}
	return map[string]any{"tools": listings}
}

func (d *Dispatcher) audit(agentID, tool string, success bool, chunks, bytes int) {
	err := d.coord.Submit(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		return auth.Audit(ctx, tx, agentID, tool, "", success, chunks, bytes, nil)
	})
	if err != nil && d.logger != nil {
		d.logger.Printf("audit log write failed: %v", err)
	}
}

func (d *Dispatcher) handle(ctx context.Context, tool Tool, agent *types.AgentInfo, params json.RawMessage) (any, int, int, error) {
	switch tool {
	case ToolDataSearch:
		return d.handleDataSearch(ctx, agent, params)
	case ToolDataGet:
		return d.handleDataGet(ctx, params)
	case ToolDataGetChunk:
		return d.handleDataGetChunk(ctx, params)
	case ToolMemoryWrite:
		return d.handleMemoryWrite(ctx, agent, params)
	case ToolMemoryGet:
		return d.handleMemoryGet(ctx, params)
	case ToolMemoryQuery, ToolMemorySearch:
		return d.handleMemoryQuery(ctx, agent, params)
	case ToolMemoryRetract:
		return d.handleMemoryRetract(ctx, agent, params)
	case ToolMemorySupersede:
		return d.handleMemorySupersede(ctx, agent, params)
	case ToolMemoryPropose:
		return d.handleMemoryPropose(ctx, agent, params)
	case ToolMemoryReview:
		return d.handleMemoryReview(ctx, agent, params)
	case ToolMemoryConflictsList:
		return d.handleConflictsList(ctx, params)
	case ToolMemoryConflictsResolve:
		return d.handleConflictsResolve(ctx, agent, params)
	case ToolMemoryDuplicatesList:
		return d.handleDuplicatesList(ctx, params)
	case ToolMemoryDuplicatesResolve:
		return d.handleDuplicatesResolve(ctx, params)
	case ToolIngestSync:
		return d.handleIngestSync(ctx, params)
	case ToolIngestStatus:
		return d.handleIngestStatus(ctx)
	case ToolIngestRun:
		return d.handleIngestRun(ctx)
	case ToolIngestEmbeddingsBuild:
		return d.handleIngestEmbeddingsBuild(ctx, params)
	case ToolIngestInboxPut:
		return d.handleIngestInboxPut(ctx, params)
	case ToolAdminAgentRegister:
		return d.handleAgentRegister(ctx, agent, params)
	case ToolAdminAgentList:
		return d.handleAgentList(ctx, agent)
	case ToolAdminAgentRemove:
		return d.handleAgentRemove(ctx, agent, params)
	case ToolStatus:
		return d.handleStatus(ctx)
	default:
		return nil, 0, 0, fmt.Errorf("unhandled tool %q", tool)
	}
}

func decodeParams[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, &types.ValidationError{Field: "params", Reason: err.Error()}
	}
	return v, nil
}

func (d *Dispatcher) handleDataSearch(ctx context.Context, agent *types.AgentInfo, params json.RawMessage) (any, int, int, error) {
	p, err := decodeParams[struct {
		Query         string   `json:"query"`
		Limit         int      `json:"limit"`
		Cursor        int      `json:"cursor"`
		Source        string   `json:"source"`
		Types         []string `json:"types"`
		IncludeMemory bool     `json:"include_memory"`
	}](params)
	if err != nil {
		return nil, 0, 0, err
	}
	page, err := search.SearchEntities(ctx, d.reader, d.embedder, d.annIndex, search.EntityQueryParams{
		Query:          p.Query,
		Limit:          p.Limit,
		Cursor:         p.Cursor,
		Source:         p.Source,
		Types:          p.Types,
		MaxSensitivity: string(agent.MaxSensitivity()),
	})
	if err != nil {
		return nil, 0, 0, err
	}
	chunks, bytes := 0, 0
	for _, r := range page.Results {
		for _, c := range r.Chunks {
			chunks++
			bytes += len(c.Snippet)
		}
	}

	out := map[string]any{"results": page.Results, "next_cursor": page.NextCursor}
	if p.IncludeMemory && hasScope(agent, "memory:read") {
		memResults, memErr := search.MemoryQuery(ctx, d.reader, d.embedder, search.MemoryQueryParams{
			Query:          p.Query,
			Limit:          p.Limit,
			MaxSensitivity: string(agent.MaxSensitivity()),
		})
		if memErr == nil {
			out["memories"] = memResults
			for _, r := range memResults {
				chunks++
				bytes += len(r.Content)
			}
		}
	}
	return out, chunks, bytes, nil
}

func (d *Dispatcher) handleDataGet(ctx context.Context, params json.RawMessage) (any, int, int, error) {
	p, err := decodeParams[struct {
		EntityID string `json:"entity_id"`
	}](params)
	if err != nil {
		return nil, 0, 0, err
	}
	e, err := d.entities.GetByID(ctx, p.EntityID)
	if err != nil {
		return nil, 0, 0, err
	}
	if e == nil {
		return nil, 0, 0, &types.ValidationError{Field: "entity_id", Reason: "not found"}
	}
	return map[string]any{"entity": e}, 1, len(e.Title) + len(e.URI), nil
}

func (d *Dispatcher) handleDataGetChunk(ctx context.Context, params json.RawMessage) (any, int, int, error) {
	p, err := decodeParams[struct {
		ChunkID       string `json:"chunk_id"`
		ContextChunks int    `json:"context_chunks"`
	}](params)
	if err != nil {
		return nil, 0, 0, err
	}
	target, neighbors, err := d.entities.GetChunk(ctx, p.ChunkID, p.ContextChunks)
	if err != nil {
		return nil, 0, 0, err
	}
	if target == nil {
		return nil, 0, 0, &types.ValidationError{Field: "chunk_id", Reason: "not found"}
	}
	bytes := len(target.Content)
	for _, c := range neighbors {
		bytes += len(c.Content)
	}
	return map[string]any{"chunk": target, "context": neighbors}, 1 + len(neighbors), bytes, nil
}

type memoryWriteParams struct {
	Content      string   `json:"content"`
	MemoryType   string   `json:"memory_type"`
	ScopeType    string   `json:"scope_type"`
	ScopeID      string   `json:"scope_id"`
	Slot         string   `json:"slot"`
	Sensitivity  string   `json:"sensitivity"`
	SessionID    string   `json:"session_id"`
	Conversation string   `json:"conversation"`
	ContextLabel string   `json:"context_label"`
	Tags         []string `json:"tags"`
}

func (d *Dispatcher) handleMemoryWrite(ctx context.Context, agent *types.AgentInfo, params json.RawMessage) (any, int, int, error) {
	p, err := decodeParams[memoryWriteParams](params)
	if err != nil {
		return nil, 0, 0, err
	}
	written, err := d.memory.Write(ctx, memory.WriteInput{
		Content:      p.Content,
		MemoryType:   types.MemoryType(p.MemoryType),
		ScopeType:    types.ScopeType(p.ScopeType),
		ScopeID:      p.ScopeID,
		Slot:         p.Slot,
		Sensitivity:  types.Sensitivity(p.Sensitivity),
		SourceAgent:  agent.AgentID,
		SessionID:    p.SessionID,
		Conversation: p.Conversation,
		ContextLabel: p.ContextLabel,
		Tags:         p.Tags,
	}, agent.RateLimitPerHour, nil)
	if err != nil {
		return nil, 0, 0, err
	}
	return written, 0, len(written.Memory.Content), nil
}

func (d *Dispatcher) handleMemoryGet(ctx context.Context, params json.RawMessage) (any, int, int, error) {
	p, err := decodeParams[struct {
		MemoryID string `json:"memory_id"`
	}](params)
	if err != nil {
		return nil, 0, 0, err
	}
	m, tags, err := d.memory.Get(ctx, p.MemoryID)
	if err != nil {
		return nil, 0, 0, err
	}
	if m == nil {
		return nil, 0, 0, &types.ValidationError{Field: "memory_id", Reason: "not found"}
	}
	return map[string]any{"memory": m, "tags": tags}, 1, len(m.Content), nil
}

func (d *Dispatcher) handleMemoryQuery(ctx context.Context, agent *types.AgentInfo, params json.RawMessage) (any, int, int, error) {
	p, err := decodeParams[struct {
		Query      string   `json:"query"`
		Slot       string   `json:"slot"`
		ScopeType  string   `json:"scope_type"`
		ScopeID    string   `json:"scope_id"`
		MemoryType string   `json:"memory_type"`
		Tags       []string `json:"tags"`
		Limit      int      `json:"limit"`
	}](params)
	if err != nil {
		return nil, 0, 0, err
	}
	results, err := search.MemoryQuery(ctx, d.reader, d.embedder, search.MemoryQueryParams{
		Query:          p.Query,
		Slot:           p.Slot,
		ScopeType:      p.ScopeType,
		ScopeID:        p.ScopeID,
		MemoryType:     p.MemoryType,
		Tags:           p.Tags,
		Limit:          p.Limit,
		MaxSensitivity: string(agent.MaxSensitivity()),
	})
	if err != nil {
		return nil, 0, 0, err
	}
	bytes := 0
	for _, r := range results {
		bytes += len(r.Content)
	}
	return results, len(results), bytes, nil
}

func (d *Dispatcher) handleMemoryRetract(ctx context.Context, agent *types.AgentInfo, params json.RawMessage) (any, int, int, error) {
	p, err := decodeParams[struct {
		MemoryID string `json:"memory_id"`
		Reason   string `json:"reason"`
	}](params)
	if err != nil {
		return nil, 0, 0, err
	}
	if err := d.memory.Retract(ctx, p.MemoryID, p.Reason, agent.AgentID); err != nil {
		return nil, 0, 0, err
	}
	return map[string]any{"ok": true}, 0, 0, nil
}

func (d *Dispatcher) handleMemorySupersede(ctx context.Context, agent *types.AgentInfo, params json.RawMessage) (any, int, int, error) {
	p, err := decodeParams[struct {
		MemoryID       string `json:"memory_id"`
		SupersededByID string `json:"superseded_by_id"`
	}](params)
	if err != nil {
		return nil, 0, 0, err
	}
	if err := d.memory.Supersede(ctx, p.MemoryID, p.SupersededByID, agent.AgentID); err != nil {
		return nil, 0, 0, err
	}
	return map[string]any{"ok": true}, 0, 0, nil
}

func (d *Dispatcher) handleMemoryPropose(ctx context.Context, agent *types.AgentInfo, params json.RawMessage) (any, int, int, error) {
	p, err := decodeParams[struct {
		memoryWriteParams
		TTLDays int `json:"ttl_days"`
	}](params)
	if err != nil {
		return nil, 0, 0, err
	}
	proposal, err := d.memory.Propose(ctx, memory.WriteInput{
		Content:      p.Content,
		MemoryType:   types.MemoryType(p.MemoryType),
		ScopeType:    types.ScopeType(p.ScopeType),
		ScopeID:      p.ScopeID,
		Slot:         p.Slot,
		Sensitivity:  types.Sensitivity(p.Sensitivity),
		SourceAgent:  agent.AgentID,
		SessionID:    p.SessionID,
		Conversation: p.Conversation,
		ContextLabel: p.ContextLabel,
		Tags:         p.Tags,
	}, agent.AgentID, p.TTLDays)
	if err != nil {
		return nil, 0, 0, err
	}
	return proposal, 0, len(proposal.ProposedMemoryJSON), nil
}

func (d *Dispatcher) handleMemoryReview(ctx context.Context, agent *types.AgentInfo, params json.RawMessage) (any, int, int, error) {
	p, err := decodeParams[struct {
		ProposalID string `json:"proposal_id"`
		Approve    bool   `json:"approve"`
	}](params)
	if err != nil {
		return nil, 0, 0, err
	}
	written, err := d.memory.Review(ctx, p.ProposalID, p.Approve, agent.AgentID, agent.RateLimitPerHour, nil)
	if err != nil {
		return nil, 0, 0, err
	}
	if written == nil {
		return map[string]any{"approved": false}, 0, 0, nil
	}
	return map[string]any{"approved": true, "memory": written.Memory}, 0, len(written.Memory.Content), nil
}

func (d *Dispatcher) handleConflictsList(ctx context.Context, params json.RawMessage) (any, int, int, error) {
	p, err := decodeParams[struct {
		UnresolvedOnly bool `json:"unresolved_only"`
	}](params)
	if err != nil {
		return nil, 0, 0, err
	}
	clusters, err := d.memory.ConflictsList(ctx, p.UnresolvedOnly)
	if err != nil {
		return nil, 0, 0, err
	}
	return clusters, len(clusters), 0, nil
}

func (d *Dispatcher) handleConflictsResolve(ctx context.Context, agent *types.AgentInfo, params json.RawMessage) (any, int, int, error) {
	p, err := decodeParams[struct {
		ClusterID  string `json:"cluster_id"`
		Resolution string `json:"resolution"`
	}](params)
	if err != nil {
		return nil, 0, 0, err
	}
	if err := d.memory.ConflictResolve(ctx, p.ClusterID, p.Resolution, agent.AgentID); err != nil {
		return nil, 0, 0, err
	}
	return map[string]any{"ok": true}, 0, 0, nil
}

func (d *Dispatcher) handleDuplicatesList(ctx context.Context, params json.RawMessage) (any, int, int, error) {
	p, err := decodeParams[struct {
		UnresolvedOnly bool `json:"unresolved_only"`
	}](params)
	if err != nil {
		return nil, 0, 0, err
	}
	clusters, err := d.memory.DuplicatesList(ctx, p.UnresolvedOnly)
	if err != nil {
		return nil, 0, 0, err
	}
	return clusters, len(clusters), 0, nil
}

func (d *Dispatcher) handleDuplicatesResolve(ctx context.Context, params json.RawMessage) (any, int, int, error) {
	p, err := decodeParams[struct {
		ClusterID  string `json:"cluster_id"`
		Resolution string `json:"resolution"`
	}](params)
	if err != nil {
		return nil, 0, 0, err
	}
	if err := d.memory.DuplicateResolve(ctx, p.ClusterID, p.Resolution); err != nil {
		return nil, 0, 0, err
	}
	return map[string]any{"ok": true}, 0, 0, nil
}

func (d *Dispatcher) handleIngestSync(ctx context.Context, params json.RawMessage) (any, int, int, error) {
	p, err := decodeParams[struct {
		Connector string `json:"connector"`
	}](params)
	if err != nil {
		return nil, 0, 0, err
	}
	conn, ok := d.connectors.Get(p.Connector)
	if !ok {
		return nil, 0, 0, &types.ValidationError{Field: "connector", Reason: fmt.Sprintf("unknown connector %q", p.Connector)}
	}
	result, err := d.sync.Run(ctx, conn)
	if err != nil {
		return nil, 0, 0, err
	}
	return result, result.Upserted, 0, nil
}

func (d *Dispatcher) handleIngestRun(ctx context.Context) (any, int, int, error) {
	var results []*sync.Result
	var failures []string
	upserted := 0
	for _, conn := range d.connectors.All() {
		result, err := d.sync.Run(ctx, conn)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", conn.Name(), err))
			continue
		}
		results = append(results, result)
		upserted += result.Upserted
	}
	return map[string]any{"results": results, "failures": failures}, upserted, 0, nil
}

func (d *Dispatcher) handleIngestStatus(ctx context.Context) (any, int, int, error) {
	rows, err := d.reader.QueryContext(ctx, `
		SELECT status, count(*) FROM background_jobs GROUP BY status`)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("ingest status query: %w", err)
	}
	defer rows.Close()
	jobsByStatus := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, 0, 0, err
		}
		jobsByStatus[status] = n
	}
	return map[string]any{
		"connectors":     d.connectors.Names(),
		"jobs_by_status": jobsByStatus,
	}, 0, 0, nil
}

func (d *Dispatcher) handleIngestEmbeddingsBuild(ctx context.Context, params json.RawMessage) (any, int, int, error) {
	p, err := decodeParams[struct {
		Limit int `json:"limit"`
	}](params)
	if err != nil {
		return nil, 0, 0, err
	}
	result, err := embed.Build(ctx, d.coord, d.reader, d.embedder, p.Limit)
	if err != nil {
		return nil, 0, 0, err
	}
	return result, result.Embedded, 0, nil
}

func (d *Dispatcher) handleIngestInboxPut(ctx context.Context, params json.RawMessage) (any, int, int, error) {
	p, err := decodeParams[struct {
		Title   string   `json:"title"`
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}](params)
	if err != nil {
		return nil, 0, 0, err
	}
	if p.Content == "" {
		return nil, 0, 0, &types.ValidationError{Field: "content", Reason: "required"}
	}
	sourceID := fmt.Sprintf("%d", time.Now().UnixNano())
	result, err := d.entities.UpsertEntity(ctx, entitystore.EntityInput{
		Source:        "inbox",
		SourceID:      sourceID,
		EntityType:    "note",
		Title:         p.Title,
		ConnectorName: "inbox",
		Tags:          p.Tags,
		Chunks: []entitystore.ChunkInput{
			{Index: 0, Content: p.Content, ChunkType: "text"},
		},
	})
	if err != nil {
		return nil, 0, 0, err
	}
	return map[string]any{"entity_id": result.EntityID}, 1, len(p.Content), nil
}

func (d *Dispatcher) handleAgentRegister(ctx context.Context, agent *types.AgentInfo, params json.RawMessage) (any, int, int, error) {
	if !agent.IsAdmin {
		return nil, 0, 0, &types.ScopeError{Scope: "admin"}
	}
	p, err := decodeParams[struct {
		Scopes           []string        `json:"scopes"`
		Capabilities     []string        `json:"capabilities"`
		TrustLevel       string          `json:"trust_level"`
		Flags            map[string]bool `json:"flags"`
		RateLimitPerHour int             `json:"rate_limit_per_hour"`
		ProposalTTLDays  int             `json:"proposal_ttl_days"`
	}](params)
	if err != nil {
		return nil, 0, 0, err
	}
	agentID, token, err := d.auther.Register(ctx, auth.RegisterInput{
		Scopes:           p.Scopes,
		Capabilities:     p.Capabilities,
		TrustLevel:       p.TrustLevel,
		Flags:            p.Flags,
		RateLimitPerHour: p.RateLimitPerHour,
		ProposalTTLDays:  p.ProposalTTLDays,
	})
	if err != nil {
		return nil, 0, 0, err
	}
	return map[string]any{"agent_id": agentID, "token": token}, 0, 0, nil
}

func (d *Dispatcher) handleAgentList(ctx context.Context, agent *types.AgentInfo) (any, int, int, error) {
	if !agent.IsAdmin {
		return nil, 0, 0, &types.ScopeError{Scope: "admin"}
	}
	tokens, err := d.auther.List(ctx)
	if err != nil {
		return nil, 0, 0, err
	}
	return tokens, len(tokens), 0, nil
}

func (d *Dispatcher) handleAgentRemove(ctx context.Context, agent *types.AgentInfo, params json.RawMessage) (any, int, int, error) {
	if !agent.IsAdmin {
		return nil, 0, 0, &types.ScopeError{Scope: "admin"}
	}
	p, err := decodeParams[struct {
		AgentID string `json:"agent_id"`
	}](params)
	if err != nil {
		return nil, 0, 0, err
	}
	if err := d.auther.Revoke(ctx, p.AgentID); err != nil {
		return nil, 0, 0, err
	}
	return map[string]any{"ok": true}, 0, 0, nil
}

func (d *Dispatcher) handleStatus(ctx context.Context) (any, int, int, error) {
	var jobCount int
	if err := d.reader.QueryRowContext(ctx, `SELECT count(*) FROM background_jobs WHERE status = 'pending'`).Scan(&jobCount); err != nil {
		return nil, 0, 0, fmt.Errorf("status query: %w", err)
	}
	return map[string]any{
		"ok":              true,
		"pending_jobs":    jobCount,
		"server_time_utc": time.Now().UTC().Format(time.RFC3339),
	}, 0, 0, nil
}
