package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
)

// StdioHandler serves a Dispatcher over a line-delimited JSON channel:
// one request per line in, one response per line out. Per spec.md §6,
// write tools are refused on this transport (error code -32004) since a
// local stdio channel has no way to distinguish a trusted caller from an
// untrusted one the way a bearer token on HTTP does.
type StdioHandler struct {
	dispatcher *Dispatcher
	token      string // fixed bearer identity for this stdio session
	logger     *log.Logger
}

// NewStdioHandler wraps dispatcher for serving over stdio, authenticating
// every request as token (typically supplied once at process launch via
// HOARD_TOKEN, since a line-oriented channel carries no per-request
// Authorization header).
func NewStdioHandler(dispatcher *Dispatcher, token string, logger *log.Logger) *StdioHandler {
	return &StdioHandler{dispatcher: dispatcher, token: token, logger: logger}
}

// Run reads newline-delimited JSON-RPC requests from r and writes
// newline-delimited responses to w until ctx is cancelled or r reaches
// EOF.
func (h *StdioHandler) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(w)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if len(line) == 0 {
				continue
			}
			resp := h.handleLine(ctx, line)
			if err := enc.Encode(resp); err != nil {
				if h.logger != nil {
					h.logger.Printf("stdio transport: encode response: %v", err)
				}
			}
		}
	}
}

func (h *StdioHandler) handleLine(ctx context.Context, line string) Response {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return errorOf(nil, CodeParseError, "malformed JSON request line")
	}
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	return h.dispatcher.Dispatch(ctx, h.token, req, false)
}
