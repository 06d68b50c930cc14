package tools

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/kimigas/config"
	"github.com/m4xw311/kimigas/tools/mcp"
)

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Name() string
	Description() string
	// Parameters is the JSON schema (type "object") of the arguments.
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Options tune the built-in tools.
type Options struct {
	// AutoApprove lets execute_command run commands outside the allowlist.
	AutoApprove bool
	Logger      *slog.Logger
}

// ToolRegistry holds all built-in tools, including tools discovered on
// configured MCP servers.
type ToolRegistry struct {
	tools      map[string]Tool
	mcpClients map[string]*mcp.MCPClient
	logger     *slog.Logger
}

// NewToolRegistry registers the default tools and connects to every MCP
// server listed in the configuration.
func NewToolRegistry(ctx context.Context, cfg *config.Config, opts Options) (*ToolRegistry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &ToolRegistry{
		tools:      make(map[string]Tool),
		mcpClients: make(map[string]*mcp.MCPClient),
		logger:     logger,
	}

	r.Register(&ReadFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&WriteFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&ExecuteCommandTool{allowedCommands: cfg.AllowedCommands, autoApprove: opts.AutoApprove})

	for _, server := range cfg.AdditionalMCPServers {
		client, err := mcp.NewMCPClient(ctx, server.Name, server.Command, server.Args)
		if err != nil {
			r.Close()
			return nil, err
		}
		logger.Info("mcp server connected", "server", server.Name, "tools", len(client.ToolNames()))
		r.mcpClients[server.Name] = client
	}

	return r, nil
}

func (r *ToolRegistry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *ToolRegistry) GetTool(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names lists every tool name the registry can serve, built-in and MCP.
// External tools may not reuse any of them.
func (r *ToolRegistry) Names() []string {
	var names []string
	for name := range r.tools {
		names = append(names, name)
	}
	for _, c := range r.mcpClients {
		names = append(names, c.ToolNames()...)
	}
	sort.Strings(names)
	return names
}

// GetActiveTools returns the tool instances for a given toolset. Entries of
// the form "<server>.<tool>" or "<server>:<tool>" select MCP tools, and
// "<server>.*" selects every tool of that server. A toolset that lists
// nothing gets every built-in tool.
func (r *ToolRegistry) GetActiveTools(ts *config.Toolset) ([]Tool, error) {
	var activeTools []Tool
	if len(ts.Tools) == 0 {
		names := make([]string, 0, len(r.tools))
		for name := range r.tools {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			activeTools = append(activeTools, r.tools[name])
		}
		return activeTools, nil
	}
	for _, toolName := range ts.Tools {
		if server, tool, ok := splitMCPName(toolName); ok {
			client, found := r.mcpClients[server]
			if !found {
				return nil, fmt.Errorf("MCP server '%s' referenced by toolset '%s' is not configured", server, ts.Name)
			}
			if tool == "*" {
				for _, name := range client.ToolNames() {
					t, _ := client.GetTool(name)
					activeTools = append(activeTools, t)
				}
				continue
			}
			t, found := client.GetTool(tool)
			if !found {
				return nil, fmt.Errorf("MCP server '%s' has no tool '%s'", server, tool)
			}
			activeTools = append(activeTools, t)
			continue
		}

		if t, ok := r.GetTool(toolName); ok {
			activeTools = append(activeTools, t)
		} else {
			return nil, fmt.Errorf("tool '%s' from toolset '%s' is not registered", toolName, ts.Name)
		}
	}
	return activeTools, nil
}

// Close stops every MCP server subprocess.
func (r *ToolRegistry) Close() {
	for name, c := range r.mcpClients {
		if err := c.Stop(); err != nil {
			r.logger.Warn("stopping mcp server", "server", name, "error", err)
		}
	}
}

func splitMCPName(name string) (server, tool string, ok bool) {
	if i := strings.IndexAny(name, ":."); i > 0 && i < len(name)-1 {
		return name[:i], name[i+1:], true
	}
	return "", "", false
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, fmt.Errorf("invalid glob pattern '%s': %w", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks if a command is in the allowlist (with regex support).
func isCommandAllowed(command string, allowed []string) bool {
	if len(strings.Fields(command)) == 0 {
		return false
	}

	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			// Fallback to simple string comparison if regex is invalid
			if command == pattern {
				return true
			}
			continue
		}
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// objectSchema builds a flat object schema of required string properties.
func objectSchema(props map[string]string, required ...string) map[string]interface{} {
	properties := make(map[string]interface{}, len(props))
	for name, desc := range props {
		properties[name] = map[string]interface{}{"type": "string", "description": desc}
	}
	req := make([]interface{}, 0, len(required))
	for _, r := range required {
		req = append(req, r)
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   req,
	}
}
