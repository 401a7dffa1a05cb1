// Package tools defines the tools available to the agent.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/agentd/internal/apierr"
	"github.com/nugget/agentd/internal/buildinfo"
	"github.com/nugget/agentd/internal/events"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SideEffectClass categorizes a tool's blast radius: pure/read tools
// are safe to retry and to run speculatively; write and external tools
// are not.
type SideEffectClass string

const (
	SideEffectPure     SideEffectClass = "pure"
	SideEffectRead     SideEffectClass = "read"
	SideEffectWrite    SideEffectClass = "write"
	SideEffectExternal SideEffectClass = "external"
)

// Tool represents a callable tool.
type Tool struct {
	Name            string                                                         `json:"name"`
	Description     string                                                         `json:"description"`
	Parameters      map[string]any                                                 `json:"parameters"`
	Handler         func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
	Timeout         time.Duration                                                  `json:"-"` // 0 = registry default
	SideEffectClass SideEffectClass                                                `json:"-"`
	// Terminal marks a tool (send_message) whose successful invocation
	// ends the reasoning loop's turn instead of looping back to the model.
	Terminal bool `json:"-"`

	schema *jsonschema.Schema // compiled lazily from Parameters on first dispatch
}

// Registry holds available tools.
type Registry struct {
	tools          map[string]*Tool
	tagIndex       map[string][]string // tag → tool names
	fileTools      *FileTools
	shellExec      *ShellExec
	bus            *events.Bus   // may be nil; Publish is nil-safe
	defaultTimeout time.Duration // applied when a Tool has no Timeout of its own
}

// NewEmptyRegistry creates an empty tool registry with no built-in tools.
// Use this for testing or when constructing a registry manually.
func NewEmptyRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool), defaultTimeout: 30 * time.Second}
}

// SetEventBus wires the operational event bus so Dispatch can trace
// (name, duration_ms, status) per call.
func (r *Registry) SetEventBus(bus *events.Bus) { r.bus = bus }

// SetDefaultTimeout sets the timeout applied to tools that don't
// specify their own (a 30s default otherwise).
func (r *Registry) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		r.defaultTimeout = d
	}
}

// NewRegistry creates a tool registry with the built-in tools registered.
func NewRegistry() *Registry {
	r := &Registry{
		tools:          make(map[string]*Tool),
		defaultTimeout: 30 * time.Second,
	}
	r.registerBuiltins()
	r.registerCoreTools()
	return r
}

// SetFileTools adds file operation tools to the registry.
func (r *Registry) SetFileTools(ft *FileTools) {
	r.fileTools = ft
	r.registerFileTools()
}

// SetShellExec adds shell execution tools to the registry.
func (r *Registry) SetShellExec(se *ShellExec) {
	r.shellExec = se
	r.registerShellExec()
}

func (r *Registry) registerFileTools() {
	if r.fileTools == nil || !r.fileTools.Enabled() {
		return
	}

	r.Register(&Tool{
		Name:            "file_read",
		Description:     "Read the contents of a file from the workspace. Use for accessing configuration, memory files, documentation, or any text file.",
		SideEffectClass: SideEffectRead,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path to the file (relative to workspace root)",
				},
				"offset": map[string]any{
					"type":        "integer",
					"description": "Line number to start reading from (1-indexed, optional)",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of lines to read (optional)",
				},
			},
			"required": []string{"path"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			offset := 0
			limit := 0
			if o, ok := args["offset"].(float64); ok {
				offset = int(o)
			}
			if l, ok := args["limit"].(float64); ok {
				limit = int(l)
			}
			return r.fileTools.Read(ctx, path, offset, limit)
		},
	})

	r.Register(&Tool{
		Name:            "file_write",
		Description:     "Write content to a file in the workspace. Creates the file if it doesn't exist, overwrites if it does. Automatically creates parent directories.",
		SideEffectClass: SideEffectWrite,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path to the file (relative to workspace root)",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Content to write to the file",
				},
			},
			"required": []string{"path", "content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			if err := r.fileTools.Write(ctx, path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
		},
	})

	r.Register(&Tool{
		Name:            "file_edit",
		Description:     "Edit a file by replacing exact text. The old text must match exactly (including whitespace). Use this for precise, surgical edits.",
		SideEffectClass: SideEffectWrite,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path to the file (relative to workspace root)",
				},
				"old_text": map[string]any{
					"type":        "string",
					"description": "Exact text to find and replace (must match exactly)",
				},
				"new_text": map[string]any{
					"type":        "string",
					"description": "New text to replace the old text with",
				},
			},
			"required": []string{"path", "old_text", "new_text"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			oldText, _ := args["old_text"].(string)
			newText, _ := args["new_text"].(string)
			if err := r.fileTools.Edit(ctx, path, oldText, newText); err != nil {
				return "", err
			}
			return fmt.Sprintf("Successfully edited %s", path), nil
		},
	})

	r.Register(&Tool{
		Name:            "file_list",
		Description:     "List files and directories in a workspace path.",
		SideEffectClass: SideEffectRead,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path to the directory (relative to workspace root, use '.' for root)",
				},
			},
			"required": []string{"path"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			if path == "" {
				path = "."
			}
			entries, err := r.fileTools.List(ctx, path)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "Directory is empty", nil
			}
			return fmt.Sprintf("Contents of %s:\n%s", path, strings.Join(entries, "\n")), nil
		},
	})

	r.Register(&Tool{
		Name:            "file_search",
		Description:     "Search for files by name using glob patterns. Recursively searches a directory tree and returns matching file paths. Useful for finding configuration files, specific file types, or files with certain naming patterns.",
		SideEffectClass: SideEffectRead,
		Timeout:         searchTimeout,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{
					"type":        "string",
					"description": "Glob pattern to match file names (e.g., '*.yaml', 'config.*', 'test_*.py')",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Directory to search in (relative to workspace root, default '.')",
				},
				"max_depth": map[string]any{
					"type":        "integer",
					"description": "Maximum directory depth to search (default 10, max 20)",
				},
			},
			"required": []string{"pattern"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			pattern, _ := args["pattern"].(string)
			path := "."
			if p, ok := args["path"].(string); ok && p != "" {
				path = p
			}
			maxDepth := 0
			if d, ok := args["max_depth"].(float64); ok {
				maxDepth = int(d)
			}
			return r.fileTools.Search(ctx, path, pattern, maxDepth)
		},
	})

	r.Register(&Tool{
		Name:            "file_grep",
		Description:     "Search file contents for a regular expression pattern. Recursively searches files and returns matching lines with file paths and line numbers. Skips binary files and files larger than 1MB.",
		SideEffectClass: SideEffectRead,
		Timeout:         searchTimeout,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{
					"type":        "string",
					"description": "Regular expression pattern to search for in file contents",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Directory to search in (relative to workspace root, default '.')",
				},
				"max_depth": map[string]any{
					"type":        "integer",
					"description": "Maximum directory depth to search (default 10, max 20)",
				},
				"case_insensitive": map[string]any{
					"type":        "boolean",
					"description": "Whether to perform case-insensitive matching (default false)",
				},
			},
			"required": []string{"pattern"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			pattern, _ := args["pattern"].(string)
			path := "."
			if p, ok := args["path"].(string); ok && p != "" {
				path = p
			}
			maxDepth := 0
			if d, ok := args["max_depth"].(float64); ok {
				maxDepth = int(d)
			}
			caseInsensitive := false
			if ci, ok := args["case_insensitive"].(bool); ok {
				caseInsensitive = ci
			}
			return r.fileTools.Grep(ctx, path, pattern, maxDepth, caseInsensitive)
		},
	})

	r.Register(&Tool{
		Name:            "file_stat",
		Description:     "Get detailed information about one or more files or directories. Returns type, size, permissions, and modification time. Supports batch queries with comma-separated paths.",
		SideEffectClass: SideEffectRead,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"paths": map[string]any{
					"type":        "string",
					"description": "Comma-separated file or directory paths to inspect (relative to workspace root)",
				},
			},
			"required": []string{"paths"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			paths, _ := args["paths"].(string)
			return r.fileTools.Stat(ctx, paths)
		},
	})

	r.Register(&Tool{
		Name:            "file_tree",
		Description:     "Display a directory tree structure with indentation. Shows the hierarchy of files and directories with a summary count. Useful for understanding project layout.",
		SideEffectClass: SideEffectRead,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Root directory for the tree (relative to workspace root, default '.')",
				},
				"max_depth": map[string]any{
					"type":        "integer",
					"description": "Maximum depth to display (default 3, max 10)",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path := "."
			if p, ok := args["path"].(string); ok && p != "" {
				path = p
			}
			maxDepth := 0
			if d, ok := args["max_depth"].(float64); ok {
				maxDepth = int(d)
			}
			return r.fileTools.Tree(ctx, path, maxDepth)
		},
	})
}

func (r *Registry) registerShellExec() {
	if r.shellExec == nil || !r.shellExec.Enabled() {
		return
	}

	r.Register(&Tool{
		Name:            "exec",
		Description:     "Execute a shell command. Use for system administration, network diagnostics (ping, curl, traceroute), building software, or any task requiring shell access.",
		SideEffectClass: SideEffectExternal,
		Timeout:         300 * time.Second,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command to execute",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": "Timeout in seconds (optional, default 30, max 300)",
				},
			},
			"required": []string{"command"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			command, _ := args["command"].(string)
			timeout := 0
			if t, ok := args["timeout"].(float64); ok {
				timeout = int(t)
			}

			result, err := r.shellExec.Exec(ctx, command, timeout)
			if err != nil {
				return "", err
			}

			// Format result for LLM
			var output strings.Builder
			if result.Stdout != "" {
				output.WriteString(result.Stdout)
			}
			if result.Stderr != "" {
				if output.Len() > 0 {
					output.WriteString("\n\n[stderr]\n")
				}
				output.WriteString(result.Stderr)
			}
			if result.ExitCode != 0 {
				output.WriteString(fmt.Sprintf("\n\n[exit code: %d]", result.ExitCode))
			}
			if result.TimedOut {
				output.WriteString("\n\n[command timed out]")
			}
			if result.Error != "" {
				output.WriteString(fmt.Sprintf("\n\n[error: %s]", result.Error))
			}

			if output.Len() == 0 {
				return "(no output)", nil
			}
			return output.String(), nil
		},
	})
}

func (r *Registry) registerBuiltins() {
	// Get version/build info
	r.Register(&Tool{
		Name:            "get_version",
		Description:     "Get the agent server's version, build info, git commit, and uptime. Use when asked about your version or to diagnose issues.",
		SideEffectClass: SideEffectRead,
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			info := buildinfo.RuntimeInfo()
			out, _ := json.MarshalIndent(info, "", "  ")
			return string(out), nil
		},
	})
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// List returns all tools for the LLM.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, t := range r.tools {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// AllToolNames returns the names of all registered tools.
func (r *Registry) AllToolNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// FilteredCopy creates a new Registry containing only the named tools.
// Tools not found in the source are silently skipped. The returned
// registry shares tool handlers with the source but has its own map.
func (r *Registry) FilteredCopy(names []string) *Registry {
	filtered := &Registry{tools: make(map[string]*Tool, len(names)), bus: r.bus, defaultTimeout: r.defaultTimeout}
	for _, name := range names {
		if t := r.tools[name]; t != nil {
			filtered.tools[name] = t
		}
	}
	return filtered
}

// FilteredCopyExcluding creates a new Registry containing all tools
// except those in the exclude list.
func (r *Registry) FilteredCopyExcluding(exclude []string) *Registry {
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}
	filtered := &Registry{tools: make(map[string]*Tool, len(r.tools)), bus: r.bus, defaultTimeout: r.defaultTimeout}
	for name, t := range r.tools {
		if !skip[name] {
			filtered.tools[name] = t
		}
	}
	return filtered
}

// SetTagIndex builds the tag-to-tool mapping from config. Each tag
// name maps to a list of tool names. Tools not found in the registry
// are silently skipped (they may not be registered yet or the MCP
// server may be down).
func (r *Registry) SetTagIndex(tags map[string][]string) {
	r.tagIndex = make(map[string][]string, len(tags))
	for tag, toolNames := range tags {
		r.tagIndex[tag] = toolNames
	}
}

// FilterByTags creates a new Registry containing only the tools that
// belong to at least one of the given tags. If tags is empty or the
// tag index is nil, returns a copy of the full registry.
func (r *Registry) FilterByTags(tags []string) *Registry {
	if len(tags) == 0 || r.tagIndex == nil {
		// No filtering — return a shallow copy with all tools.
		filtered := &Registry{tools: make(map[string]*Tool, len(r.tools)), bus: r.bus, defaultTimeout: r.defaultTimeout}
		for name, t := range r.tools {
			filtered.tools[name] = t
		}
		return filtered
	}

	allowed := make(map[string]bool)
	for _, tag := range tags {
		for _, name := range r.tagIndex[tag] {
			allowed[name] = true
		}
	}

	filtered := &Registry{tools: make(map[string]*Tool, len(allowed)), bus: r.bus, defaultTimeout: r.defaultTimeout}
	for name := range allowed {
		if t := r.tools[name]; t != nil {
			filtered.tools[name] = t
		}
	}
	return filtered
}

// TaggedToolNames returns the tool names belonging to a tag. Returns
// nil for unknown tags.
func (r *Registry) TaggedToolNames(tag string) []string {
	if r.tagIndex == nil {
		return nil
	}
	return r.tagIndex[tag]
}

// Execute runs a tool by name with given arguments.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}

	return tool.Handler(ctx, args)
}

// DispatchResult carries the outcome of one C8 dispatch, including the
// trace fields (name, duration_ms, status) every call must report.
type DispatchResult struct {
	Name       string
	DurationMs int64
	Status     string // "ok", "tool_error", "tool_timeout"
	Result     string
	Err        *apierr.Error
}

// Dispatch validates arguments against the tool's JSON schema, runs the
// handler under its configured timeout (or the registry default), and
// captures any failure as a structured apierr.Error rather than letting
// it propagate as a bare error — the reasoning loop feeds the result
// back to the model either way. The caller never
// waits longer than the effective timeout, even if the handler ignores
// ctx cancellation: a panicking or wedged handler still returns at the
// timeout boundary because the result is read from a completion channel.
func (r *Registry) Dispatch(ctx context.Context, name string, arguments map[string]any) DispatchResult {
	start := time.Now()
	tool := r.tools[name]
	if tool == nil {
		return r.finish(name, start, "", apierr.New(apierr.InvalidRequest, "unknown tool: "+name))
	}

	if err := r.validateArgs(tool, arguments); err != nil {
		return r.finish(name, start, "", err)
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool handler panicked: %v", p)}
			}
		}()
		res, err := tool.Handler(callCtx, arguments)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return r.finish(name, start, "", apierr.Wrap(apierr.ToolError, "tool handler failed", o.err))
		}
		return r.finish(name, start, o.result, nil)
	case <-callCtx.Done():
		return r.finish(name, start, "", apierr.New(apierr.ToolTimeout, fmt.Sprintf("tool %q exceeded timeout %s", name, timeout)))
	}
}

func (r *Registry) finish(name string, start time.Time, result string, err *apierr.Error) DispatchResult {
	dur := time.Since(start)
	status := "ok"
	if err != nil {
		status = string(err.Kind)
	}
	r.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceAgent,
		Kind:      events.KindToolDone,
		Data: map[string]any{
			"tool":        name,
			"ok":          err == nil,
			"duration_ms": dur.Milliseconds(),
			"status":      status,
		},
	})
	return DispatchResult{Name: name, DurationMs: dur.Milliseconds(), Status: status, Result: result, Err: err}
}

// validateArgs compiles the tool's json_schema (cached on first use)
// and validates arguments against it, re-checking locally even though
// the provider is expected to have already validated the call.
func (r *Registry) validateArgs(tool *Tool, arguments map[string]any) *apierr.Error {
	if tool.Parameters == nil {
		return nil
	}
	if tool.schema == nil {
		schema, err := compileSchema(tool.Name, tool.Parameters)
		if err != nil {
			return apierr.Wrap(apierr.InvalidRequest, "compile tool schema", err)
		}
		tool.schema = schema
	}
	if tool.schema == nil {
		return nil
	}
	if err := tool.schema.Validate(toInterfaceMap(arguments)); err != nil {
		return apierr.Wrap(apierr.InvalidRequest, "tool arguments failed schema validation", err)
	}
	return nil
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	resourceName := name + ".json"
	if err := c.AddResource(resourceName, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return c.Compile(resourceName)
}

// toInterfaceMap converts map[string]any to the any value jsonschema.Validate
// expects after a JSON round trip (map[string]any is already that shape,
// but nested values may be Go-native rather than json.Unmarshal output;
// round-tripping keeps numeric types consistent with what the schema
// compiler assumes).
func toInterfaceMap(m map[string]any) any {
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return m
	}
	return v
}

