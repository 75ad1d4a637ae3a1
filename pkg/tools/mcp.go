package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/maruntime/maruntime/pkg/protocol"
)

// MCPServerConfig describes one external MCP tool server launched over
// stdio. Templates opt in via their mcp settings section.
type MCPServerConfig struct {
	Name    string            `json:"name" mapstructure:"name"`
	Command string            `json:"command" mapstructure:"command"`
	Args    []string          `json:"args" mapstructure:"args"`
	Env     map[string]string `json:"env" mapstructure:"env"`
	// Filter limits which server tools are exposed; empty means all.
	Filter []string `json:"filter" mapstructure:"filter"`
}

// MCPSource connects to an MCP server lazily and exposes its tools through
// the catalog's Tool interface.
type MCPSource struct {
	cfg MCPServerConfig

	mu        sync.Mutex
	client    *client.Client
	tools     []Tool
	connected bool
}

func NewMCPSource(cfg MCPServerConfig) (*MCPSource, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp server command is required")
	}
	return &MCPSource{cfg: cfg}, nil
}

// Tools connects on first use and returns the server's exposed tools.
func (s *MCPSource) Tools(ctx context.Context) ([]Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return s.tools, nil
	}
	if err := s.connectLocked(ctx); err != nil {
		return nil, err
	}
	return s.tools, nil
}

func (s *MCPSource) connectLocked(ctx context.Context) error {
	env := make([]string, 0, len(s.cfg.Env))
	for k, v := range s.cfg.Env {
		env = append(env, k+"="+v)
	}

	mcpClient, err := client.NewStdioMCPClient(s.cfg.Command, env, s.cfg.Args...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "maruntime", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP session: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list MCP tools: %w", err)
	}

	var filter map[string]bool
	if len(s.cfg.Filter) > 0 {
		filter = make(map[string]bool, len(s.cfg.Filter))
		for _, name := range s.cfg.Filter {
			filter[name] = true
		}
	}

	var tools []Tool
	for _, t := range listResp.Tools {
		if filter != nil && !filter[t.Name] {
			continue
		}
		tools = append(tools, &mcpTool{
			source:      s,
			name:        t.Name,
			description: t.Description,
			schema:      convertMCPSchema(t.InputSchema),
		})
	}

	s.client = mcpClient
	s.tools = tools
	s.connected = true
	slog.Info("Connected to MCP server", "name", s.cfg.Name, "command", s.cfg.Command, "tools", len(tools))
	return nil
}

// Close shuts down the server subprocess.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		s.connected = false
		return err
	}
	return nil
}

type mcpTool struct {
	source      *MCPSource
	name        string
	description string
	schema      map[string]any
}

func (t *mcpTool) Name() string        { return t.name }
func (t *mcpTool) Description() string { return t.description }

func (t *mcpTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        t.name,
		Description: t.description,
		Parameters:  t.schema,
	}
}

func (t *mcpTool) Execute(ctx context.Context, ec *ExecContext, args map[string]any) (*Result, error) {
	t.source.mu.Lock()
	mcpClient := t.source.client
	t.source.mu.Unlock()
	if mcpClient == nil {
		return nil, fmt.Errorf("MCP client not connected")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("MCP call failed: %w", err)
	}

	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	text := ""
	if len(texts) > 0 {
		text = texts[0]
		for _, extra := range texts[1:] {
			text += "\n" + extra
		}
	}

	if resp.IsError {
		if text == "" {
			text = "unknown error"
		}
		return ErrorResult(text), nil
	}
	return OKResult(text), nil
}

func convertMCPSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	return out
}
