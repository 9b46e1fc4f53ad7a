package gateway

import (
	"net/http"
	"time"
)

// StatusResponse is the JSON body returned by GET /status.
type StatusResponse struct {
	UptimeSeconds  int64 `json:"uptime_seconds"`
	Connections    int   `json:"connections"`
	MaxConnections int   `json:"max_connections"`
	// Highest sequence number issued so far; a client comparing this with
	// its own last-seen number can estimate how far behind it is.
	Sequence int64 `json:"sequence_number"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		UptimeSeconds:  int64(time.Since(s.startTime).Seconds()),
		Connections:    s.ConnectionCount(),
		MaxConnections: s.cfg.MaxConnections,
		Sequence:       s.seq.Current(),
	})
}
