package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/nugget/agentd/internal/apierr"
)

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	limit := queryInt(r, "limit", 0)
	cursor := int64(queryInt(r, "cursor", 0))

	messages, err := s.convo.List(r.Context(), sessionID, limit, cursor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "messages": messages}, s.logger)
}

func (s *Server) handleConversationClear(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	if err := s.convo.Clear(r.Context(), sessionID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "status": "cleared"}, s.logger)
}

type summarizeRequest struct {
	UpToSeq int64 `json:"up_to_seq"`
}

// handleConversationSummarize runs POST /conversation/{session}/summarize:
// force a summarization pass now rather than waiting for the context
// assembler's threshold to trip. up_to_seq defaults to the session's
// newest message when omitted.
func (s *Server) handleConversationSummarize(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	var req summarizeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	upTo := req.UpToSeq
	if upTo == 0 {
		messages, err := s.convo.List(r.Context(), sessionID, 0, 0)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if len(messages) == 0 {
			s.writeError(w, apierr.New(apierr.InvalidRequest, "session has no messages to summarize"))
			return
		}
		upTo = messages[len(messages)-1].Seq
	}

	summary, err := s.onDemand.Summarize(r.Context(), sessionID, upTo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "summary": summary}, s.logger)
}

// handleContextUsage runs GET /context/usage?session_id=: the current
// token-budget breakdown C7 would produce for the session's next turn,
// without submitting a message or advancing the conversation. The
// owning agent is recovered via conversation.Store's session_agents
// binding, so callers only need session_id.
func (s *Server) handleContextUsage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		s.writeError(w, apierr.New(apierr.InvalidRequest, "session_id query parameter is required"))
		return
	}
	agentID, err := s.convo.AgentForSession(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	agentCfg, err := s.agentCfg.GetCurrent(r.Context(), agentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.assembler.Assemble(r.Context(), agentID, sessionID, agentCfg.Model, agentCfg.SystemPrompt, "")
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":         sessionID,
		"agent_id":           agentID,
		"usage":              result.Usage,
		"message_count":      result.MessageCount,
		"compaction_count":   result.CompactionCount,
		"summarize_up_to_seq": result.SummarizeUpToSeq,
	}, s.logger)
}
