package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket push gateway
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// Submission routes. v1 is the legacy surface; v2 adds routing fields in
	// the response. Both accept the same body.
	mux.HandleFunc("/api/v1/generate", s.handleGenerateV1)
	mux.HandleFunc("/api/v2/generate", s.handleGenerateV2)

	// Job routes, mirrored on both versions
	mux.HandleFunc("/api/v1/jobs", s.app.JobHandler.ListJobsHandler)
	mux.HandleFunc("/api/v1/jobs/", func(w http.ResponseWriter, r *http.Request) {
		s.app.JobHandler.RouteJob(w, r, "/api/v1/jobs/")
	})
	mux.HandleFunc("/api/v2/jobs", s.app.JobHandler.ListJobsHandler)
	mux.HandleFunc("/api/v2/jobs/", func(w http.ResponseWriter, r *http.Request) {
		s.app.JobHandler.RouteJob(w, r, "/api/v2/jobs/")
	})

	// Backend registry
	mux.HandleFunc("/api/v1/backends", s.handleBackendsRoute)
	mux.HandleFunc("/api/v1/backends/", func(w http.ResponseWriter, r *http.Request) {
		s.app.BackendHandler.RouteBackend(w, r, "/api/v1/backends/")
	})

	// Model catalog
	mux.HandleFunc("/api/v1/models", s.app.ModelHandler.ListHandler)
	mux.HandleFunc("/api/v1/models/scan", s.handleModelScan)
	mux.HandleFunc("/api/v1/models/reset", s.handleModelReset)
	mux.HandleFunc("/api/v1/models/", func(w http.ResponseWriter, r *http.Request) {
		s.app.ModelHandler.RouteModel(w, r, "/api/v1/models/")
	})

	// API keys
	mux.HandleFunc("/api/v1/keys", s.handleKeysRoute)
	mux.HandleFunc("/api/v1/keys/", func(w http.ResponseWriter, r *http.Request) {
		s.app.APIKeyHandler.RouteKey(w, r, "/api/v1/keys/")
	})

	// System routes
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

func (s *Server) handleGenerateV1(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.app.JobHandler.GenerateV1Handler(w, r)
}

func (s *Server) handleGenerateV2(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.app.JobHandler.GenerateV2Handler(w, r)
}

func (s *Server) handleBackendsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.app.BackendHandler.ListHandler(w, r)
	case http.MethodPost:
		s.app.BackendHandler.CreateHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleModelScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.app.ModelHandler.ScanHandler(w, r)
}

func (s *Server) handleModelReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.app.ModelHandler.ResetHandler(w, r)
}

func (s *Server) handleKeysRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.app.APIKeyHandler.ListHandler(w, r)
	case http.MethodPost:
		s.app.APIKeyHandler.CreateHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
