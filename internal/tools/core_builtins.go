package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/nugget/agentd/internal/apierr"
	"github.com/nugget/agentd/internal/memory"
)

// MemoryBackend is the subset of memory.BlockStore and memory.Engine the
// built-in memory tools dispatch against. Each is wired in from
// cmd/agentd/main.go once the agent's stores are open; a registry with a
// nil backend simply skips registering the corresponding tools, so unit
// tests can exercise the registry without standing up SQLite.
type MemoryBackend struct {
	Blocks *memory.BlockStore
	Engine *memory.Engine
}

// generateSchema builds a JSON-schema Parameters map from a Go struct's
// json/jsonschema tags, following the functiontool.generateSchema
// convention: inline properties, no $ref, ADK-compatible shape.
func generateSchema[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	if m["type"] != "object" {
		return m
	}
	result := map[string]any{
		"type":       "object",
		"properties": m["properties"],
	}
	if req, ok := m["required"]; ok {
		result["required"] = req
	}
	return result
}

// registerCoreTools installs the built-in tools every agent has
// available regardless of its configured tool allowlist: the two
// conversation-control tools (send_message, which is terminal, and
// request_heartbeat, which is not). The core-memory, archival-memory,
// and feedback tools are not installed here; SetMemoryBackend installs
// them once a backend is wired. A Registry built via NewEmptyRegistry
// registers none of these.
func (r *Registry) registerCoreTools() {
	r.registerMemoryTools()
	r.registerConversationTools()
}

// SetMemoryBackend wires the memory-backed built-in tools (core_memory_*,
// archival_memory_*, record_feedback) against the given agent's stores.
// Called once per agent from cmd/agentd/main.go; a Registry is otherwise
// agent-agnostic, so the handlers close over agentID rather than reading
// it from the arguments map.
func (r *Registry) SetMemoryBackend(agentID string, backend MemoryBackend) {
	if backend.Blocks != nil {
		r.registerCoreMemoryTools(agentID, backend.Blocks)
	}
	if backend.Engine != nil {
		r.registerArchivalMemoryTools(agentID, backend.Engine)
		r.registerFeedbackTool(agentID, backend.Engine)
	}
}

// registerMemoryTools registers nothing: no memory tool is in the
// registry until SetMemoryBackend runs.
func (r *Registry) registerMemoryTools() {}

type coreMemoryAppendArgs struct {
	Label string `json:"label" jsonschema:"required,description=Name of the memory block to append to (e.g. human, persona)"`
	Text  string `json:"text" jsonschema:"required,description=Line of text to append to the block"`
}

type coreMemoryReplaceArgs struct {
	Label      string `json:"label" jsonschema:"required,description=Name of the memory block to overwrite"`
	OldContent string `json:"old_content,omitempty" jsonschema:"description=Exact substring being replaced, for the caller's own tracking; not matched server-side"`
	NewContent string `json:"new_content" jsonschema:"required,description=Full replacement content for the block"`
}

func (r *Registry) registerCoreMemoryTools(agentID string, blocks *memory.BlockStore) {
	r.Register(&Tool{
		Name:            "core_memory_append",
		Description:     "Append a line to a named core memory block (e.g. human, persona) without disturbing its existing content.",
		Parameters:      generateSchema[coreMemoryAppendArgs](),
		SideEffectClass: SideEffectWrite,
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			var a coreMemoryAppendArgs
			if err := decodeArgs(args, &a); err != nil {
				return "", err
			}
			if err := blocks.Append(agentID, a.Label, a.Text); err != nil {
				return "", err
			}
			return fmt.Sprintf("appended to block %q", a.Label), nil
		},
	})

	r.Register(&Tool{
		Name:            "core_memory_replace",
		Description:     "Replace the entire content of a named core memory block.",
		Parameters:      generateSchema[coreMemoryReplaceArgs](),
		SideEffectClass: SideEffectWrite,
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			var a coreMemoryReplaceArgs
			if err := decodeArgs(args, &a); err != nil {
				return "", err
			}
			if err := blocks.Replace(agentID, a.Label, a.NewContent); err != nil {
				return "", err
			}
			return fmt.Sprintf("replaced block %q", a.Label), nil
		},
	})
}

type archivalMemoryInsertArgs struct {
	Content    string  `json:"content" jsonschema:"required,description=Text to store in archival (episodic) memory"`
	Category   string  `json:"category,omitempty" jsonschema:"description=One of: relationship_moment, emotion, insight, preference, fact, event"`
	Importance float64 `json:"importance,omitempty" jsonschema:"description=0-10 importance rating; defaults to 5 when omitted,minimum=0,maximum=10"`
}

type archivalMemorySearchArgs struct {
	Query string `json:"query" jsonschema:"required,description=Natural-language search query"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum results to return,default=5,minimum=1,maximum=20"`
}

func (r *Registry) registerArchivalMemoryTools(agentID string, engine *memory.Engine) {
	r.Register(&Tool{
		Name:            "archival_memory_insert",
		Description:     "Save a fact, preference, or event to long-term archival memory for later recall.",
		Parameters:      generateSchema[archivalMemoryInsertArgs](),
		SideEffectClass: SideEffectWrite,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			var a archivalMemoryInsertArgs
			if err := decodeArgs(args, &a); err != nil {
				return "", err
			}
			if a.Category == "" {
				a.Category = "fact"
			}
			if a.Importance == 0 {
				a.Importance = 5
			}
			item := &memory.MemoryItem{
				AgentID:    agentID,
				Tier:       memory.TierEpisodic,
				Category:   a.Category,
				Content:    a.Content,
				Importance: a.Importance,
			}
			if err := engine.Store(ctx, item); err != nil {
				return "", err
			}
			return fmt.Sprintf("stored archival memory %s", item.ID), nil
		},
	})

	r.Register(&Tool{
		Name:            "archival_memory_search",
		Description:     "Search archival memory for content relevant to a query.",
		Parameters:      generateSchema[archivalMemorySearchArgs](),
		SideEffectClass: SideEffectRead,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			var a archivalMemorySearchArgs
			if err := decodeArgs(args, &a); err != nil {
				return "", err
			}
			if a.Limit <= 0 {
				a.Limit = 5
			}
			mode := memory.AnalyzeQuery(a.Query)
			results, err := engine.Search(ctx, agentID, "", a.Query, nil, a.Limit, mode)
			if err != nil {
				return "", err
			}
			if len(results) == 0 {
				return "no matching memories found", nil
			}
			out, err := json.Marshal(results)
			if err != nil {
				return "", apierr.Wrap(apierr.ToolError, "marshal search results", err)
			}
			return string(out), nil
		},
	})
}

type recordFeedbackArgs struct {
	ItemID   string `json:"item_id" jsonschema:"required,description=ID of the memory item the feedback applies to"`
	Feedback string `json:"feedback" jsonschema:"required,description=One of: HELPFUL, NOT_HELPFUL, INCORRECT, OUTDATED, REDUNDANT"`
}

func (r *Registry) registerFeedbackTool(_ string, engine *memory.Engine) {
	r.Register(&Tool{
		Name:            "record_feedback",
		Description:     "Record feedback on a previously retrieved memory item, adjusting its importance and flags.",
		Parameters:      generateSchema[recordFeedbackArgs](),
		SideEffectClass: SideEffectWrite,
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			var a recordFeedbackArgs
			if err := decodeArgs(args, &a); err != nil {
				return "", err
			}
			fb := memory.Feedback(a.Feedback)
			flagged, outdated, err := memory.ApplyFeedback(engine.Items(), a.ItemID, fb)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("feedback recorded: flagged=%v outdated=%v", flagged, outdated), nil
		},
	})
}

type sendMessageArgs struct {
	Content string `json:"content" jsonschema:"required,description=Final message to deliver to the user"`
}

type requestHeartbeatArgs struct {
	Reason string `json:"reason,omitempty" jsonschema:"description=Why another reasoning step is needed"`
}

// registerConversationTools registers send_message and request_heartbeat.
// Neither touches a backend: send_message's Terminal flag is what the
// reasoning loop's INSPECT state checks to end the turn, and its handler
// only needs to echo the content back as the tool result that gets
// appended to the transcript; request_heartbeat's handler is a pure
// no-op that exists purely to give the model a way to ask for another
// step without emitting a user-visible message.
func (r *Registry) registerConversationTools() {
	r.Register(&Tool{
		Name:            "send_message",
		Description:     "Deliver a final response to the user and end the current turn.",
		Parameters:      generateSchema[sendMessageArgs](),
		SideEffectClass: SideEffectExternal,
		Terminal:        true,
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			var a sendMessageArgs
			if err := decodeArgs(args, &a); err != nil {
				return "", err
			}
			return a.Content, nil
		},
	})

	r.Register(&Tool{
		Name:            "request_heartbeat",
		Description:     "Request one more reasoning step without sending a message to the user yet.",
		Parameters:      generateSchema[requestHeartbeatArgs](),
		SideEffectClass: SideEffectPure,
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			var a requestHeartbeatArgs
			_ = decodeArgs(args, &a)
			return "heartbeat acknowledged", nil
		},
	})
}

// decodeArgs round-trips the dispatcher's already-validated arguments
// map through JSON into a typed struct, so handlers work with Go values
// instead of repeating map[string]any assertions.
func decodeArgs(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return apierr.Wrap(apierr.InvalidRequest, "marshal tool arguments", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apierr.Wrap(apierr.InvalidRequest, "decode tool arguments", err)
	}
	return nil
}
