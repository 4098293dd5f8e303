// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cleecy/mcp-retreaver/internal/config"
	"github.com/cleecy/mcp-retreaver/internal/logging"
)

func errUnknownTool(name string) error {
	return fmt.Errorf("unknown tool: %s", name)
}

// MCPRegistry aggregates the tools of one or more MCP servers and routes
// invocations to the server that exposes each tool.
type MCPRegistry struct {
	mu       sync.RWMutex
	order    []string
	sessions map[string]*mcp.ClientSession
	tools    []ToolDefinition
	tool2srv map[string]string // toolName -> serverName
	logger   *logging.Logger
}

// NewMCPRegistry creates an empty registry.
func NewMCPRegistry(logger *logging.Logger) *MCPRegistry {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &MCPRegistry{
		sessions: make(map[string]*mcp.ClientSession),
		tool2srv: make(map[string]string),
		logger:   logger,
	}
}

// ConnectMCPRegistry connects to every configured server. Servers that fail
// to connect are logged and skipped; the host still runs without their tools.
func ConnectMCPRegistry(ctx context.Context, servers []config.MCPServerConfig, logger *logging.Logger) *MCPRegistry {
	r := NewMCPRegistry(logger)
	for _, spec := range servers {
		if err := r.Connect(ctx, spec); err != nil {
			r.logger.Warnf("Failed to connect to MCP server %s: %v", spec.Name, err)
		}
	}
	return r
}

// Connect opens a client session to one server and loads its tools.
func (r *MCPRegistry) Connect(ctx context.Context, spec config.MCPServerConfig) error {
	var tp mcp.Transport
	switch {
	case spec.Command != "":
		tp = &mcp.CommandTransport{Command: exec.Command(spec.Command, spec.Args...)}
	case spec.URL != "" && spec.Transport == "streamable":
		tp = &mcp.StreamableClientTransport{Endpoint: spec.URL}
	case spec.URL != "":
		tp = &mcp.SSEClientTransport{Endpoint: spec.URL}
	default:
		return fmt.Errorf("server %s has neither command nor url", spec.Name)
	}

	cli := mcp.NewClient(&mcp.Implementation{Name: "retreaver-host", Version: "1.0.0"}, nil)
	session, err := cli.Connect(ctx, tp, nil)
	if err != nil {
		return err
	}
	return r.AddSession(ctx, spec.Name, session)
}

// AddSession registers an already connected session and loads its tools.
func (r *MCPRegistry) AddSession(ctx context.Context, name string, session *mcp.ClientSession) error {
	r.mu.Lock()
	if _, exists := r.sessions[name]; !exists {
		r.order = append(r.order, name)
	}
	r.sessions[name] = session
	r.mu.Unlock()
	return r.Refresh(ctx)
}

// Refresh re-lists the tools of every connected server. The first server to
// expose a tool name owns it.
func (r *MCPRegistry) Refresh(ctx context.Context) error {
	r.mu.RLock()
	order := append([]string(nil), r.order...)
	sessions := make(map[string]*mcp.ClientSession, len(r.sessions))
	for k, v := range r.sessions {
		sessions[k] = v
	}
	r.mu.RUnlock()

	var tools []ToolDefinition
	tool2srv := map[string]string{}
	var firstErr error
	for _, name := range order {
		resp, err := sessions[name].ListTools(ctx, nil)
		if err != nil {
			r.logger.Warnf("Failed to list tools for server %s: %v", name, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("list tools for %s: %w", name, err)
			}
			continue
		}
		for _, tl := range resp.Tools {
			if owner, dup := tool2srv[tl.Name]; dup {
				r.logger.Warnf("Tool %s from server %s shadowed by server %s", tl.Name, name, owner)
				continue
			}
			params, err := schemaMap(tl.InputSchema)
			if err != nil {
				r.logger.Warnf("Skipping tool %s: %v", tl.Name, err)
				continue
			}
			tools = append(tools, ToolDefinition{
				Name:        tl.Name,
				Description: tl.Description,
				Parameters:  params,
			})
			tool2srv[tl.Name] = name
		}
	}

	r.mu.Lock()
	r.tools = tools
	r.tool2srv = tool2srv
	r.mu.Unlock()
	r.logger.Debugf("Loaded %d tools from %d MCP servers", len(tools), len(order))
	return firstErr
}

// schemaMap converts an MCP input schema to a plain JSON-schema map.
func schemaMap(schema any) (map[string]interface{}, error) {
	if schema == nil {
		return objectSchema(nil), nil
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input schema: %w", err)
	}
	var params map[string]interface{}
	if err := json.Unmarshal(b, &params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input schema: %w", err)
	}
	if params == nil {
		return objectSchema(nil), nil
	}
	return params, nil
}

// ListTools returns a snapshot of the registered tools.
func (r *MCPRegistry) ListTools() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ToolDefinition(nil), r.tools...)
}

// ServerNames returns the connected servers in sorted order.
func (r *MCPRegistry) ServerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Invoke routes a call to the server that owns the tool.
func (r *MCPRegistry) Invoke(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	r.mu.RLock()
	serverName, ok := r.tool2srv[name]
	session := r.sessions[serverName]
	r.mu.RUnlock()
	if !ok {
		return nil, errUnknownTool(name)
	}
	if session == nil {
		return nil, fmt.Errorf("server not found for tool: %s", name)
	}
	if args == nil {
		args = map[string]any{}
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	out := &ToolResult{IsError: res.IsError}
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			out.Content = append(out.Content, ToolContent{Type: "text", Text: tc.Text})
			continue
		}
		raw, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("failed to encode tool content: %w", err)
		}
		out.Content = append(out.Content, ToolContent{Type: "json", Raw: raw})
	}
	return out, nil
}

// Close closes every client session.
func (r *MCPRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, s := range r.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", name, err)
		}
	}
	r.sessions = map[string]*mcp.ClientSession{}
	r.order = nil
	r.tools = nil
	r.tool2srv = map[string]string{}
	return firstErr
}

// LoadMCPServersFile reads additional servers from a JSON file in the common
// {"mcpServers": {...}} layout. A missing path yields no servers.
func LoadMCPServersFile(path string) ([]config.MCPServerConfig, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cfg struct {
		MCP map[string]config.MCPServerConfig `json:"mcpServers"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	names := make([]string, 0, len(cfg.MCP))
	for name := range cfg.MCP {
		names = append(names, name)
	}
	sort.Strings(names)
	servers := make([]config.MCPServerConfig, 0, len(names))
	for _, name := range names {
		spec := cfg.MCP[name]
		spec.Name = name
		servers = append(servers, spec)
	}
	return servers, nil
}
