// Package mcphost provides a concrete implementation of [tools.Executor]
// backed by the Model Context Protocol.
//
// It connects to MCP servers via stdio or streamable-HTTP transports using
// the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk) and
// maintains a concurrent-safe in-memory tool registry. In-process Go
// functions can be registered alongside external servers via
// [Host.RegisterBuiltin].
//
// Typical usage:
//
//	h := mcphost.New()
//
//	// Register an external MCP server.
//	err := h.RegisterServer(ctx, mcphost.ServerConfig{
//	    Name:      "search",
//	    Transport: TransportStdio,
//	    Command:   "/usr/local/bin/mcp-search-server",
//	})
//
//	// Or register a built-in Go function.
//	h.RegisterBuiltin(mcphost.BuiltinTool{
//	    Definition: llm.ToolDefinition{Name: "current_time", ...},
//	    Handler:    currentTime,
//	})
//
//	result, err := h.Execute(ctx, "current_time", "{}")
//
//	h.Close()
package mcphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/ensemble/internal/tools"
	"github.com/MrWong99/ensemble/pkg/provider/llm"
)

// Transport selects the connection mechanism to an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP streamable-HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name is the unique human-readable identifier for this server.
	Name string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command is the executable (with optional arguments) launched when
	// Transport is stdio. Ignored for streamable-http.
	Command string

	// URL is the endpoint address used when Transport is streamable-http.
	URL string

	// Env holds additional environment variables injected into the
	// subprocess when Transport is stdio. May be nil.
	Env map[string]string
}

// BuiltinTool pairs a tool definition with an in-process handler.
type BuiltinTool struct {
	// Definition is the schema offered to the model.
	Definition llm.ToolDefinition

	// Handler executes the tool. args is a JSON-encoded argument string;
	// the returned string is the tool output.
	Handler func(ctx context.Context, args string) (string, error)
}

// toolEntry holds all metadata for a single registered tool.
type toolEntry struct {
	def        llm.ToolDefinition
	serverName string // empty for builtins

	// builtinFn is non-nil for in-process tools.
	builtinFn func(ctx context.Context, args string) (string, error)
}

// serverConn holds a live connection to an external MCP server.
type serverConn struct {
	session *mcpsdk.ClientSession
}

// Host is a concrete implementation of [tools.Executor].
//
// The zero value is NOT usable; create instances with [New].
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry  // key: tool name
	servers map[string]serverConn // key: server name

	// client is reused across all server connections. The official SDK
	// allows a single Client to manage multiple sessions concurrently.
	client *mcpsdk.Client
}

// Compile-time check: Host must implement tools.Executor.
var _ tools.Executor = (*Host)(nil)

// New creates and returns a ready-to-use Host.
func New() *Host {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "ensemble-mcphost", Version: "1.0.0"},
		nil,
	)
	return &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]serverConn),
		client:  client,
	}
}

// RegisterServer connects to the MCP server described by cfg and imports its
// tool catalogue into the host. If a server with the same Name is already
// registered, the old connection is closed and replaced.
//
// For [TransportStdio]: cfg.Command is split on spaces into executable +
// args; cfg.Env is passed as additional environment variables.
//
// For [TransportStreamableHTTP]: cfg.URL is the endpoint address.
//
// Returns an error if the transport cannot be established or the initial
// tool listing fails.
func (h *Host) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcphost: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcphost: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcphost: stdio server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcphost: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcphost: failed to connect to server %q: %w", cfg.Name, err)
	}

	// Discover tools using the iterator.
	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcphost: failed to list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Close the old connection if it exists and drop its tools.
	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.session.Close()
		for name, t := range h.tools {
			if t.serverName == cfg.Name {
				delete(h.tools, name)
			}
		}
	}

	h.servers[cfg.Name] = serverConn{session: session}

	for _, mcpTool := range discovered {
		h.tools[mcpTool.Name] = toolEntry{
			def: llm.ToolDefinition{
				Name:        mcpTool.Name,
				Description: mcpTool.Description,
				Parameters:  schemaToMap(mcpTool.InputSchema),
			},
			serverName: cfg.Name,
		}
	}

	return nil
}

// RegisterBuiltin registers an in-process tool. A builtin with the same name
// as an existing tool replaces it.
func (h *Host) RegisterBuiltin(t BuiltinTool) error {
	if t.Definition.Name == "" {
		return fmt.Errorf("mcphost: builtin tool must have a non-empty name")
	}
	if t.Handler == nil {
		return fmt.Errorf("mcphost: builtin tool %q must have a handler", t.Definition.Name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[t.Definition.Name] = toolEntry{
		def:       t.Definition,
		builtinFn: t.Handler,
	}
	return nil
}

// Definitions implements [tools.Executor]. Results are sorted by tool name
// for deterministic prompt construction.
func (h *Host) Definitions(names []string) []llm.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var defs []llm.ToolDefinition
	if names == nil {
		for _, e := range h.tools {
			defs = append(defs, e.def)
		}
	} else {
		for _, name := range names {
			if e, ok := h.tools[name]; ok {
				defs = append(defs, e.def)
			}
		}
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute implements [tools.Executor].
func (h *Host) Execute(ctx context.Context, name string, args string) (*tools.Result, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("mcphost: tool %q not found", name)
	}

	start := time.Now()

	var result *tools.Result
	var execErr error

	if entry.builtinFn != nil {
		result, execErr = h.executeBuiltin(ctx, entry, args)
	} else {
		result, execErr = h.executeRemote(ctx, entry, args)
	}

	if execErr != nil {
		return nil, execErr
	}
	result.ExecutionTime = time.Since(start)
	return result, nil
}

// executeBuiltin calls the in-process handler for a builtin tool.
func (h *Host) executeBuiltin(ctx context.Context, entry toolEntry, args string) (*tools.Result, error) {
	output, err := entry.builtinFn(ctx, args)
	if err != nil {
		return &tools.Result{Output: err.Error(), IsError: true}, nil
	}
	return &tools.Result{Output: output}, nil
}

// executeRemote routes the call to the appropriate server session.
func (h *Host) executeRemote(ctx context.Context, entry toolEntry, args string) (*tools.Result, error) {
	h.mu.RLock()
	conn, ok := h.servers[entry.serverName]
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("mcphost: server %q not found for tool %q", entry.serverName, entry.def.Name)
	}

	// Decode args into a map for the SDK.
	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return nil, fmt.Errorf("mcphost: invalid args JSON for tool %q: %w", entry.def.Name, err)
		}
	}

	callResult, err := conn.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      entry.def.Name,
		Arguments: argsMap,
	})
	if err != nil {
		return nil, fmt.Errorf("mcphost: call to tool %q failed: %w", entry.def.Name, err)
	}

	// Concatenate all text content from the result.
	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	return &tools.Result{
		Output:  sb.String(),
		IsError: callResult.IsError,
	}, nil
}

// Close shuts down all server connections. Safe to call multiple times.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for name, conn := range h.servers {
		if err := conn.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcphost: close server %q: %w", name, err))
		}
		delete(h.servers, name)
	}
	return errors.Join(errs...)
}

// splitCommand splits a command string on spaces into executable + args.
// Quoting is not supported; configs needing complex invocations should use
// a wrapper script.
func splitCommand(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
