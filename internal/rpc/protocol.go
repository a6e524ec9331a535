// Package rpc implements the JSON-RPC 2.0 tool dispatcher: one canonical
// tool catalogue, a legacy-alias table for pre-rename clients, and two
// transports (HTTP POST /mcp, line-delimited stdio) over the same
// Dispatcher.
package rpc

import "encoding/json"

// Tool enumerates the canonical, dotted tool names this daemon serves.
type Tool string

const (
	ToolDataSearch    Tool = "data.search"
	ToolDataGet       Tool = "data.get"
	ToolDataGetChunk  Tool = "data.get_chunk"

	ToolMemoryWrite     Tool = "memory.write"
	ToolMemoryGet       Tool = "memory.get"
	ToolMemoryQuery     Tool = "memory.query"
	ToolMemorySearch    Tool = "memory.search" // alias of memory.query kept as its own entry per the tool listing
	ToolMemoryRetract   Tool = "memory.retract"
	ToolMemorySupersede Tool = "memory.supersede"
	ToolMemoryPropose   Tool = "memory.propose"
	ToolMemoryReview    Tool = "memory.review"

	ToolMemoryConflictsList     Tool = "memory.conflicts.list"
	ToolMemoryConflictsResolve  Tool = "memory.conflicts.resolve"
	ToolMemoryDuplicatesList    Tool = "memory.duplicates.list"
	ToolMemoryDuplicatesResolve Tool = "memory.duplicates.resolve"

	ToolIngestSync            Tool = "ingest.sync"
	ToolIngestStatus          Tool = "ingest.status"
	ToolIngestRun             Tool = "ingest.run"
	ToolIngestEmbeddingsBuild Tool = "ingest.embeddings.build"
	ToolIngestInboxPut        Tool = "ingest.inbox.put"

	ToolAdminAgentRegister Tool = "admin.agent.register"
	ToolAdminAgentList     Tool = "admin.agent.list"
	ToolAdminAgentRemove   Tool = "admin.agent.remove"

	ToolStatus Tool = "status"
)

// writeTools is the set of tools the stdio transport refuses, per
// spec.md §6: a line-delimited local channel never gets to mutate state.
var writeTools = map[Tool]bool{
	ToolMemoryWrite:             true,
	ToolMemoryRetract:           true,
	ToolMemorySupersede:         true,
	ToolMemoryPropose:           true,
	ToolMemoryReview:            true,
	ToolMemoryConflictsResolve:  true,
	ToolMemoryDuplicatesResolve: true,
	ToolIngestSync:              true,
	ToolIngestRun:               true,
	ToolIngestEmbeddingsBuild:   true,
	ToolIngestInboxPut:          true,
	ToolAdminAgentRegister:      true,
	ToolAdminAgentRemove:        true,
}

// IsWriteTool reports whether tool mutates daemon state (including
// triggering background work), as opposed to a pure read.
func IsWriteTool(tool Tool) bool { return writeTools[tool] }

// legacyAliases maps a pre-rename flat tool name to its canonical dotted
// equivalent — kept for older clients, logged once per alias on first use.
var legacyAliases = map[string]Tool{
	"search_hybrid":      ToolDataSearch,
	"search_entities":    ToolDataSearch,
	"data_get":           ToolDataGet,
	"data_get_chunk":     ToolDataGetChunk,
	"memory_write":       ToolMemoryWrite,
	"memory_get":         ToolMemoryGet,
	"memory_query":       ToolMemoryQuery,
	"memory_search":      ToolMemoryQuery,
	"memory_retract":     ToolMemoryRetract,
	"memory_supersede":   ToolMemorySupersede,
	"memory_propose":     ToolMemoryPropose,
	"memory_review":      ToolMemoryReview,
	"conflicts_list":     ToolMemoryConflictsList,
	"conflicts_resolve":  ToolMemoryConflictsResolve,
	"duplicates_list":    ToolMemoryDuplicatesList,
	"duplicates_resolve": ToolMemoryDuplicatesResolve,
	"sync_connector":     ToolIngestSync,
	"sync_run":           ToolIngestSync,
	"sync_status":        ToolIngestStatus,
	"agent_register":     ToolAdminAgentRegister,
	"agent_list":         ToolAdminAgentList,
	"agent_revoke":       ToolAdminAgentRemove,
}

// Request is one JSON-RPC 2.0 call envelope. Method is either a top-level
// protocol method ("initialize", "tools/list", "tools/call") or, for
// direct dispatch convenience, a bare tool name.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Token   string          `json:"token,omitempty"` // bearer token; HTTP transport also accepts Authorization
}

// Response is one JSON-RPC 2.0 reply envelope; exactly one of Result or
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// toolsCallParams is the params shape of a "tools/call" method request.
type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// toolListing is one entry in a "tools/list" response.
type toolListing struct {
	Name       string `json:"name"`
	Deprecated bool   `json:"deprecated,omitempty"`
	WriteTool  bool   `json:"write_tool"`
}

// JSON-RPC 2.0 reserves -32700..-32600 for transport-level errors.
// spec.md §6/§7 fixes four domain codes; the rest of this daemon's
// errors occupy -32010..-32019, outside that reserved band.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeAuth          = -32001
	CodeScope         = -32002
	CodeRateLimit     = -32003
	CodeWriteDisabled = -32004

	CodeValidation  = -32010
	CodeLockTimeout = -32011
	CodeMigration   = -32012
	CodeTransient   = -32013
	CodeConnector   = -32014
	CodeJob         = -32015
)

func resultOf(id json.RawMessage, v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: CodeInternalError, Message: err.Error()}}
	}
	return Response{JSONRPC: "2.0", ID: id, Result: data}
}

func errorOf(id json.RawMessage, code int, msg string) Response {
	return Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: msg}}
}
