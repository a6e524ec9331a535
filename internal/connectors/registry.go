// Package connectors builds the set of configured ingest connectors from
// config.ConnectorConfig entries and exposes them by name to the sync
// engine and the ingest.* RPC tools.
package connectors

import (
	"fmt"
	"strings"

	"github.com/thrr87/hoard/internal/config"
	"github.com/thrr87/hoard/internal/connectors/localfiles"
	"github.com/thrr87/hoard/internal/ingest/sync"
)

// Registry resolves a configured connector by the stable name its Scan
// results are written under.
type Registry struct {
	byName map[string]sync.Connector
	order  []string
}

// New builds a Registry from cfg, the config.yaml connectors list. An
// unrecognized connector type fails startup rather than silently
// dropping a configured source.
func New(cfg []config.ConnectorConfig) (*Registry, error) {
	r := &Registry{byName: map[string]sync.Connector{}}
	for _, c := range cfg {
		conn, err := build(c)
		if err != nil {
			return nil, err
		}
		name := conn.Name()
		if c.Name != "" {
			name = c.Name
		}
		r.byName[name] = conn
		r.order = append(r.order, name)
	}
	return r, nil
}

func build(c config.ConnectorConfig) (sync.Connector, error) {
	switch c.Type {
	case "local_files":
		roots := splitList(c.Opts["roots"])
		lfCfg := localfiles.DefaultConfig(roots...)
		if exts := splitList(c.Opts["include_extensions"]); len(exts) > 0 {
			lfCfg.IncludeExtensions = exts
		}
		return localfiles.New(lfCfg), nil
	default:
		return nil, fmt.Errorf("connectors: unknown type %q for connector %q", c.Type, c.Name)
	}
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Get resolves a connector by its configured name.
func (r *Registry) Get(name string) (sync.Connector, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// All returns every configured connector, in config order, for ingest.run.
func (r *Registry) All() []sync.Connector {
	out := make([]sync.Connector, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Names returns every configured connector's name, for ingest.status.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
