package httpapi

import "net/http"

// handlePerfLatency reports the latency window, narrowed to one pipeline by
// ?pipeline=.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotLatency(r.URL.Query().Get("pipeline")))
}
