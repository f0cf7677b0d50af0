package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "kiln API",
		Version:     "v1",
		Description: "kiln build scheduler: job submission, log streaming and worker dispatch",
		Endpoints: []endpointInfo{
			{"/api/v1/jobs", []string{"GET", "POST"}, "Submit a build or list jobs"},
			{"/api/v1/jobs/{id}", []string{"GET", "DELETE"}, "Job detail; DELETE releases the job"},
			{"/api/v1/jobs/{id}/log", []string{"GET"}, "Log from ?offset=; ?wait=true long-polls up to ?timeout="},
			{"/api/v1/jobs/{id}/status", []string{"GET"}, "Job state and result; ?wait=true blocks until terminal"},
			{"/api/v1/sse/jobs/{id}/log", []string{"GET"}, "Log stream (Server-Sent Events)"},
			{"/api/v1/workers", []string{"GET", "POST"}, "List workers; POST registers and streams assignments (SSE)"},
			{"/api/v1/workers/sessions", []string{"GET"}, "Archived worker registrations"},
			{"/api/v1/workers/{id}", []string{"DELETE"}, "Disconnect a worker"},
			{"/api/v1/workers/{id}/jobs/{jid}/start", []string{"PUT"}, "Mark an assigned job running"},
			{"/api/v1/workers/{id}/jobs/{jid}/log", []string{"POST"}, "Append build output"},
			{"/api/v1/workers/{id}/jobs/{jid}/complete", []string{"PUT"}, "Report the build outcome"},
			{"/api/v1/health", []string{"GET"}, "Server health and scheduler stats"},
		},
	})
}
