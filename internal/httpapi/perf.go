package httpapi

import (
	"net/http"
	"strings"

	"github.com/ent0n29/tutorvoice/internal/observability"
)

// handleTurnLatency reports the rolling turn latency window. ?stage= narrows
// the stages to one name.
func (s *Server) handleTurnLatency(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.SnapshotTurnStages()
	if snap.Stages == nil {
		snap.Stages = []observability.TurnStageStats{}
	}
	if stage := strings.TrimSpace(r.URL.Query().Get("stage")); stage != "" {
		filtered := []observability.TurnStageStats{}
		for _, st := range snap.Stages {
			if st.Stage == stage {
				filtered = append(filtered, st)
			}
		}
		snap.Stages = filtered
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"active_sessions": s.sessions.ActiveCount(),
		"latency":         snap,
	})
}
