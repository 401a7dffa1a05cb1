package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/nugget/agentd/internal/agentconfig"
	"github.com/nugget/agentd/internal/apierr"
)

type createAgentRequest struct {
	DisplayName  string                `json:"display_name"`
	Description  string                `json:"description"`
	InitialConfig agentconfig.Config   `json:"initial_config"`
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	list, err := s.agentsReg.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list, s.logger)
}

// handleAgentCreate registers a new agent and bootstraps its first
// AgentConfig version and persona/human/system_context memory blocks,
// mirroring the order the reasoning loop expects: an agent is only
// turn-ready once both exist.
func (s *Server) handleAgentCreate(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apierr.Wrap(apierr.InvalidRequest, "decode request body", err))
		return
	}
	if req.DisplayName == "" {
		s.writeError(w, apierr.New(apierr.InvalidRequest, "display_name is required"))
		return
	}

	agent, err := s.agentsReg.Create(r.Context(), req.DisplayName, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}

	initial := req.InitialConfig
	if initial.Model == "" {
		initial.Model = "claude-sonnet-4-20250514"
	}
	if initial.Temperature == 0 {
		initial.Temperature = 1.0
	}
	if initial.TopP == 0 {
		initial.TopP = 1.0
	}
	if initial.ContextWindow == 0 {
		initial.ContextWindow = 128_000
	}
	cfg, err := s.agentCfg.Bootstrap(r.Context(), agent.ID, initial, "initial configuration")
	if err != nil {
		s.writeError(w, err)
		return
	}

	for _, label := range []string{"persona", "human", "system_context"} {
		if err := s.blocks.Define(agent.ID, label, "", 0, false); err != nil {
			s.writeError(w, apierr.Wrap(apierr.StorageError, "define default memory block", err))
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{"agent": agent, "config": cfg}, s.logger)
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agentsReg.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent, s.logger)
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.agentCfg.GetCurrent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg, s.logger)
}

type configPatchRequest struct {
	Patch       agentconfig.Patch `json:"patch"`
	Description string            `json:"description"`
}

func (s *Server) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	var req configPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apierr.Wrap(apierr.InvalidRequest, "decode request body", err))
		return
	}
	if req.Description == "" {
		req.Description = "configuration update"
	}
	cfg, err := s.agentCfg.Update(r.Context(), r.PathValue("id"), req.Patch, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg, s.logger)
}

func (s *Server) handleVersionList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	versions, err := s.agentCfg.ListVersions(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions, s.logger)
}

func (s *Server) handleVersionRollback(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.agentCfg.Rollback(r.Context(), r.PathValue("id"), r.PathValue("vid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg, s.logger)
}

func (s *Server) handleSystemPromptGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.agentCfg.GetCurrent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"system_prompt": cfg.SystemPrompt}, s.logger)
}

type systemPromptRequest struct {
	SystemPrompt string `json:"system_prompt"`
	Description  string `json:"description"`
}

func (s *Server) handleSystemPromptPut(w http.ResponseWriter, r *http.Request) {
	var req systemPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apierr.Wrap(apierr.InvalidRequest, "decode request body", err))
		return
	}
	if req.Description == "" {
		req.Description = "system prompt update"
	}
	patch := agentconfig.Patch{SystemPrompt: &req.SystemPrompt}
	cfg, err := s.agentCfg.Update(r.Context(), r.PathValue("id"), patch, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"system_prompt": cfg.SystemPrompt}, s.logger)
}

func (s *Server) handleBlocksList(w http.ResponseWriter, r *http.Request) {
	list, err := s.blocks.List(r.PathValue("id"))
	if err != nil {
		s.writeError(w, apierr.Wrap(apierr.StorageError, "list memory blocks", err))
		return
	}
	writeJSON(w, http.StatusOK, list, s.logger)
}

type blockPutRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleBlockPut(w http.ResponseWriter, r *http.Request) {
	var req blockPutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apierr.Wrap(apierr.InvalidRequest, "decode request body", err))
		return
	}
	agentID, label := r.PathValue("id"), r.PathValue("label")
	if err := s.blocks.Replace(agentID, label, req.Value); err != nil {
		s.writeError(w, err)
		return
	}
	block, err := s.blocks.GetBlock(agentID, label)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, block, s.logger)
}
