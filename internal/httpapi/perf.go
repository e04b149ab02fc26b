package httpapi

import "net/http"

// handlePerfLatency reports rolling per-stage latency percentiles and
// degradation counters.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}

// handlePerfReset clears the rolling window so a replay measures only itself.
func (s *Server) handlePerfReset(w http.ResponseWriter, _ *http.Request) {
	s.metrics.ResetStages()
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}
