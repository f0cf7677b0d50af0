package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/kiln/internal/scheduler"
)

// Version is the server version reported by the health endpoint.
const Version = "0.1.0"

type healthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	GoVersion string          `json:"go_version"`
	Uptime    string          `json:"uptime"`
	Strategy  string          `json:"strategy"`
	Archive   string          `json:"archive"`
	Scheduler scheduler.Stats `json:"scheduler"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	archive := "disabled"
	if s.store != nil {
		archive = "sqlite"
	}
	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Strategy:  string(s.config.Strategy),
		Archive:   archive,
		Scheduler: s.sched.Stats(),
	})
}
