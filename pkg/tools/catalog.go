package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/maruntime/maruntime/pkg/protocol"
	"github.com/maruntime/maruntime/pkg/store"
)

// CatalogError wraps a catalog failure with its component and action.
type CatalogError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *CatalogError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Component, e.Action, e.Message)
}

func (e *CatalogError) Unwrap() error {
	return e.Err
}

// Entry is one resolved catalog tool: the built instance plus its row.
type Entry struct {
	Tool Tool
	Row  store.Tool
}

// Catalog resolves tool names (case-insensitive) to executable instances.
// Resolution is cached; a background poll watches the store's catalog
// generation so admin edits show up within one polling interval.
type Catalog struct {
	store *store.Store
	deps  Deps

	mu         sync.RWMutex
	entries    map[string]*Entry // lower-cased name -> entry
	external   map[string]*Entry // MCP-provided, survives refreshes
	sources    map[string]*MCPSource
	generation time.Time

	pollInterval time.Duration
}

// NewCatalog builds a catalog and performs the initial load.
func NewCatalog(ctx context.Context, st *store.Store, pollInterval time.Duration) (*Catalog, error) {
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second
	}
	c := &Catalog{
		store:        st,
		deps:         Deps{Store: st},
		entries:      map[string]*Entry{},
		external:     map[string]*Entry{},
		sources:      map[string]*MCPSource{},
		pollInterval: pollInterval,
	}
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh reloads active tools from the store and rebuilds instances whose
// entrypoints resolve. Rows without a registered builder are skipped with a
// warning so one bad row cannot take the catalog down.
func (c *Catalog) Refresh(ctx context.Context) error {
	rows, err := c.store.ListTools(ctx, true)
	if err != nil {
		return &CatalogError{Component: "catalog", Action: "refresh", Message: "failed to list tools", Err: err}
	}
	generation, err := c.store.CatalogGeneration(ctx)
	if err != nil {
		return &CatalogError{Component: "catalog", Action: "refresh", Message: "failed to read generation", Err: err}
	}

	entries := make(map[string]*Entry, len(rows))
	for _, row := range rows {
		builder, ok := LookupBuilder(row.Entrypoint)
		if !ok {
			slog.Warn("No builder for tool entrypoint", "tool", row.Name, "entrypoint", row.Entrypoint)
			continue
		}
		tool, err := builder(row.Config, c.deps)
		if err != nil {
			slog.Warn("Tool builder failed", "tool", row.Name, "error", err)
			continue
		}
		entries[strings.ToLower(row.Name)] = &Entry{Tool: tool, Row: row}
	}

	c.mu.Lock()
	c.entries = entries
	c.generation = generation
	c.mu.Unlock()
	return nil
}

// StartPolling re-checks the catalog generation until ctx is cancelled.
func (c *Catalog) StartPolling(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				generation, err := c.store.CatalogGeneration(ctx)
				if err != nil {
					slog.Warn("Catalog generation check failed", "error", err)
					continue
				}
				c.mu.RLock()
				stale := generation.After(c.generation)
				c.mu.RUnlock()
				if stale {
					if err := c.Refresh(ctx); err != nil {
						slog.Warn("Catalog refresh failed", "error", err)
					} else {
						slog.Info("Tool catalog refreshed")
					}
				}
			}
		}
	}()
}

// ConnectMCP connects the configured MCP servers and exposes their tools
// as catalog entries. Already-connected servers (by name) are skipped, so
// repeated prewarms are cheap. A server that fails to connect is reported
// but does not block the others.
func (c *Catalog) ConnectMCP(ctx context.Context, servers []MCPServerConfig) error {
	var firstErr error
	for _, cfg := range servers {
		c.mu.RLock()
		_, connected := c.sources[cfg.Name]
		c.mu.RUnlock()
		if connected {
			continue
		}

		source, err := NewMCPSource(cfg)
		if err == nil {
			var list []Tool
			list, err = source.Tools(ctx)
			if err == nil {
				c.addExternal(cfg.Name, source, list)
				continue
			}
		}
		slog.Warn("MCP server unavailable", "server", cfg.Name, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Catalog) addExternal(server string, source *MCPSource, list []Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[server] = source
	for _, tool := range list {
		c.external[strings.ToLower(tool.Name())] = &Entry{
			Tool: tool,
			Row: store.Tool{
				Name:        tool.Name(),
				Description: tool.Description(),
				Entrypoint:  "mcp:" + server,
				IsActive:    true,
			},
		}
	}
}

// Close shuts down any connected MCP server subprocesses.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for name, source := range c.sources {
		if err := source.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.sources, name)
	}
	return firstErr
}

// Resolve looks up a tool by case-insensitive name.
func (c *Catalog) Resolve(name string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key := strings.ToLower(name)
	if entry, ok := c.entries[key]; ok {
		return entry, nil
	}
	if entry, ok := c.external[key]; ok {
		return entry, nil
	}
	return nil, &CatalogError{Component: "catalog", Action: "resolve", Message: fmt.Sprintf("unknown tool %q", name)}
}

// Has reports whether a tool is resolvable.
func (c *Catalog) Has(name string) bool {
	_, err := c.Resolve(name)
	return err == nil
}

// Entries returns all resolvable entries keyed by canonical name.
func (c *Catalog) Entries() map[string]*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*Entry, len(c.entries)+len(c.external))
	for _, e := range c.entries {
		out[e.Row.Name] = e
	}
	for _, e := range c.external {
		if _, taken := out[e.Row.Name]; !taken {
			out[e.Row.Name] = e
		}
	}
	return out
}

// Definitions returns the LLM function definitions for the named tools,
// preserving order and skipping unresolvable names.
func (c *Catalog) Definitions(names []string) []protocol.ToolDefinition {
	var defs []protocol.ToolDefinition
	for _, name := range names {
		entry, err := c.Resolve(name)
		if err != nil {
			continue
		}
		defs = append(defs, entry.Tool.Definition())
	}
	return defs
}
