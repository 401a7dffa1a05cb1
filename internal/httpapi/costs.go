package httpapi

import (
	"net/http"
	"time"
)

// handleCostsStatistics runs GET /costs/statistics: aggregate usage
// totals over an optional [since, until) window (RFC3339 query params,
// default: all time), plus a per-model breakdown. This is the locally
// tracked C12 ledger, distinct from a provider's own account-balance
// API (see handleCostsOpenRouter).
func (s *Server) handleCostsStatistics(w http.ResponseWriter, r *http.Request) {
	start, end := parseWindow(r)

	summary, err := s.usageStore.Summary(start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	byModel, err := s.usageStore.SummaryByModel(start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source":   "local",
		"since":    start.UTC().Format(time.RFC3339),
		"until":    end.UTC().Format(time.RFC3339),
		"total":    summary,
		"by_model": byModel,
	}, s.logger)
}

// handleCostsOpenRouter runs GET /costs/openrouter: a provider-native
// account-balance figure, distinguishable from the locally computed
// C12 total. This deployment has no OpenRouter (or other provider)
// balance API wired in — SPEC_FULL §1 keeps the provider HTTP client
// out of the core's scope — so this reports unavailable rather than
// fabricating a number, leaving the route present for a deployment
// that does configure one.
func (s *Server) handleCostsOpenRouter(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"source":    "provider",
		"available": false,
		"reason":    "no provider-native balance endpoint is configured for this deployment",
	}, s.logger)
}

func parseWindow(r *http.Request) (time.Time, time.Time) {
	start := time.Time{}
	end := time.Now().UTC()
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = t
		}
	}
	if v := r.URL.Query().Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = t
		}
	}
	return start, end
}
