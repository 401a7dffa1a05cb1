package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/nugget/agentd/internal/apierr"
	"github.com/nugget/agentd/internal/contextassembler"
	"github.com/nugget/agentd/internal/events"
	"github.com/nugget/agentd/internal/reasoning"
)

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func (s *Server) decodeChatRequest(r *http.Request) (reasoning.Request, error) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return reasoning.Request{}, apierr.Wrap(apierr.InvalidRequest, "decode request body", err)
	}
	if req.Message == "" {
		return reasoning.Request{}, apierr.New(apierr.InvalidRequest, "message is required")
	}
	if req.SessionID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return reasoning.Request{}, apierr.Wrap(apierr.StorageError, "generate session id", err)
		}
		req.SessionID = id.String()
	}
	return reasoning.Request{
		AgentID:     r.PathValue("id"),
		SessionID:   req.SessionID,
		UserMessage: req.Message,
	}, nil
}

// handleChat runs POST /agents/{id}/chat: one complete, non-streaming
// turn. A nil error from Loop.Run always means HTTP 200 — even a
// loop-bound or storage-error finish is reported in the body via
// finish_reason/error_kind, never as an HTTP error status, since by the
// time Run returns without error the turn has already been durably
// persisted (SPEC_FULL §7).
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeChatRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.loop.Run(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	usage := resp.Usage
	if resp.ErrorKind != "" {
		// SPEC_FULL §7: a terminated turn still returns HTTP 200, but its
		// usage is zeroed since the failed call is not billable.
		usage = contextassembler.Usage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":     req.SessionID,
		"content":        resp.Content,
		"tool_calls":     resp.ToolCalls,
		"reasoning_time": resp.ReasoningTime.Seconds(),
		"usage":          usage,
		"finish_reason":  resp.FinishReason,
		"error_kind":     string(resp.ErrorKind),
	}, s.logger)
}

// handleChatStream runs POST /agents/{id}/chat/stream: the turn runs
// to completion in a goroutine while this handler relays the reasoning
// loop's event-bus activity as SSE frames (tool_call, tool_result),
// followed by a single content_delta carrying the full response and a
// terminal done frame. The reasoning loop assembles and inspects each
// LLM response as a whole before deciding on tool dispatch, so there is
// no per-token stream to relay — this is a turn-lifecycle stream, not
// a token stream like an OpenAI-compatible completions endpoint.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeChatRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, apierr.New(apierr.StorageError, "streaming not supported by this connection"))
		return
	}
	w.WriteHeader(http.StatusOK)

	sub := s.bus.Subscribe(32)
	defer s.bus.Unsubscribe(sub)

	done := make(chan struct{})
	var resp *reasoning.Response
	var runErr error
	go func() {
		defer close(done)
		resp, runErr = s.loop.Run(r.Context(), req)
	}()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				continue
			}
			switch ev.Kind {
			case events.KindToolCall:
				s.writeSSE(w, flusher, "tool_call", ev.Data)
			case events.KindToolDone:
				s.writeSSE(w, flusher, "tool_result", ev.Data)
			}
		case <-done:
			s.drainPending(sub, w, flusher)
			if runErr != nil {
				s.writeSSE(w, flusher, "error", map[string]any{"message": runErr.Error()})
				return
			}
			s.writeSSE(w, flusher, "content_delta", map[string]any{"content": resp.Content})
			s.writeSSE(w, flusher, "done", map[string]any{
				"session_id":    req.SessionID,
				"finish_reason": resp.FinishReason,
				"error_kind":    string(resp.ErrorKind),
				"usage":         resp.Usage,
			})
			return
		case <-r.Context().Done():
			return
		}
	}
}

// drainPending flushes any tool_call/tool_done events still buffered
// on sub once the loop goroutine has finished, so the client sees the
// full tool-call trace before the terminal frames.
func (s *Server) drainPending(sub <-chan events.Event, w http.ResponseWriter, flusher http.Flusher) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Kind {
			case events.KindToolCall:
				s.writeSSE(w, flusher, "tool_call", ev.Data)
			case events.KindToolDone:
				s.writeSSE(w, flusher, "tool_result", ev.Data)
			}
		default:
			return
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, flusher http.Flusher, frame string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Debug("failed to marshal SSE payload", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame, payload); err != nil {
		s.logger.Debug("failed to write SSE frame", "error", err)
		return
	}
	flusher.Flush()
}

type newChatRequest struct {
	SessionID string `json:"session_id"`
}

// handleNewChat runs POST /agents/{id}/new-chat: summarize the current
// session (if it has any history) and clear it so the next turn starts
// fresh, without losing the prior conversation's substance. If
// summarization fails, the session is left untouched rather than
// cleared — SPEC_FULL's §4.13 guarantee that a failed summarize never
// silently drops messages extends here too.
func (s *Server) handleNewChat(w http.ResponseWriter, r *http.Request) {
	var req newChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apierr.Wrap(apierr.InvalidRequest, "decode request body", err))
		return
	}
	if req.SessionID == "" {
		s.writeError(w, apierr.New(apierr.InvalidRequest, "session_id is required"))
		return
	}

	messages, err := s.convo.Tail(r.Context(), req.SessionID, 1)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(messages) > 0 {
		last, err := s.convo.List(r.Context(), req.SessionID, 0, 0)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if len(last) > 0 {
			upTo := last[len(last)-1].Seq
			if _, err := s.onDemand.Summarize(r.Context(), req.SessionID, upTo); err != nil {
				s.writeError(w, err)
				return
			}
		}
	}
	if err := s.convo.Clear(r.Context(), req.SessionID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": req.SessionID, "status": "cleared"}, s.logger)
}
