// Package localfiles implements the built-in filesystem Connector: it
// walks one or more configured root directories, chunks each readable
// text file, and optionally watches them for changes via fsnotify so a
// running daemon can pick up edits without waiting for the next
// scheduled sync.
package localfiles

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/thrr87/hoard/internal/ingest/entitystore"
	"github.com/thrr87/hoard/internal/ingest/sync"
)

// Config controls which files are ingested and how they're chunked.
type Config struct {
	Roots             []string
	IncludeExtensions  []string // e.g. [".md", ".txt"]; empty means all regular files
	ChunkMaxTokens     int      // approximated as words; default 400
	ChunkOverlapTokens int      // default 50
}

// DefaultConfig returns the documented chunking defaults.
func DefaultConfig(roots ...string) Config {
	return Config{
		Roots:              roots,
		IncludeExtensions:  []string{".md", ".txt", ".org"},
		ChunkMaxTokens:     400,
		ChunkOverlapTokens: 50,
	}
}

// Connector walks Config.Roots and yields one entitystore.EntityInput per
// readable matching file.
type Connector struct {
	cfg Config
}

// New constructs a Connector.
func New(cfg Config) *Connector {
	return &Connector{cfg: cfg}
}

// Name is the stable `source` column value this connector writes.
func (c *Connector) Name() string { return "local_files" }

func (c *Connector) included(path string) bool {
	if len(c.cfg.IncludeExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, want := range c.cfg.IncludeExtensions {
		if ext == want {
			return true
		}
	}
	return false
}

// Scan walks every configured root, yielding one DiscoveredEntity per
// matching file. A walk error for one root aborts the whole scan (the
// sync engine's fail-closed contract: a partial directory walk must not
// be mistaken for "this root is now empty").
func (c *Connector) Scan(ctx context.Context, yield func(sync.DiscoveredEntity) error) error {
	for _, root := range c.cfg.Roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return fmt.Errorf("walk %s: %w", path, walkErr)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() || !c.included(path) {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("stat %s: %w", path, err)
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			if !isLikelyText(content) {
				return nil
			}

			rel, err := filepath.Rel(root, path)
			if err != nil {
				rel = path
			}
			chunks := chunkText(string(content), c.cfg.ChunkMaxTokens, c.cfg.ChunkOverlapTokens)

			return yield(sync.DiscoveredEntity{
				SourceID: path,
				Entity: entitystore.EntityInput{
					Source:           c.Name(),
					SourceID:         path,
					EntityType:       "document",
					Title:            filepath.Base(path),
					URI:              "file://" + path,
					MimeType:         mimeFor(path),
					ConnectorName:    c.Name(),
					ConnectorVersion: fmt.Sprintf("chunk-%d-%d", c.cfg.ChunkMaxTokens, c.cfg.ChunkOverlapTokens),
					Metadata:         map[string]any{"rel_path": rel, "size_bytes": info.Size()},
					Chunks:           chunks,
				},
			})
		})
		if err != nil {
			return fmt.Errorf("scan root %s: %w", root, err)
		}
	}
	return nil
}

func mimeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md":
		return "text/markdown"
	case ".org":
		return "text/org"
	default:
		return "text/plain"
	}
}

// isLikelyText rejects files containing a NUL byte in their first 8KB, a
// cheap binary-content heuristic that avoids chunking images/binaries
// that happen to sit under a watched root without a recognized extension.
func isLikelyText(content []byte) bool {
	limit := len(content)
	if limit > 8192 {
		limit = 8192
	}
	for _, b := range content[:limit] {
		if b == 0 {
			return false
		}
	}
	return true
}

// chunkText splits content into overlapping word-count windows. Token
// count is approximated by whitespace-delimited word count, which is
// adequate for a local-files connector with no tokenizer dependency.
func chunkText(content string, maxTokens, overlapTokens int) []entitystore.ChunkInput {
	words := strings.Fields(content)
	if len(words) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		maxTokens = 400
	}
	if overlapTokens < 0 || overlapTokens >= maxTokens {
		overlapTokens = 0
	}

	var chunks []entitystore.ChunkInput
	stride := maxTokens - overlapTokens
	idx := 0
	for start := 0; start < len(words); start += stride {
		end := start + maxTokens
		if end > len(words) {
			end = len(words)
		}
		text := strings.Join(words[start:end], " ")
		s, e := start, end
		chunks = append(chunks, entitystore.ChunkInput{
			Index:       idx,
			Content:     text,
			ChunkType:   "text",
			StartOffset: &s,
			EndOffset:   &e,
		})
		idx++
		if end == len(words) {
			break
		}
	}
	return chunks
}

// Watcher wraps fsnotify to trigger re-scans of a Connector's roots when
// files change, for the optional sync.watcher_enabled config path.
type Watcher struct {
	w     *fsnotify.Watcher
	roots []string
}

// NewWatcher starts watching every root directory (non-recursively per
// root; callers add subdirectories discovered during a scan via Add).
func NewWatcher(roots []string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	for _, root := range roots {
		if err := w.Add(root); err != nil {
			w.Close()
			return nil, fmt.Errorf("watch %s: %w", root, err)
		}
	}
	return &Watcher{w: w, roots: roots}, nil
}

// Add registers an additional directory (e.g. one discovered mid-scan).
func (w *Watcher) Add(dir string) error { return w.w.Add(dir) }

// Events returns the channel of filesystem change events.
func (w *Watcher) Events() <-chan fsnotify.Event { return w.w.Events }

// Errors returns the channel of watcher errors.
func (w *Watcher) Errors() <-chan error { return w.w.Errors }

// Close stops the watcher.
func (w *Watcher) Close() error { return w.w.Close() }
