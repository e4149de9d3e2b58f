package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Scan jobs
	mux.HandleFunc("/api/scans", s.handleScansRoute)
	mux.HandleFunc("/api/scans/", s.handleScanRoutes) // Handles /api/scans/{id} and subpaths

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleScansRoute dispatches collection-level scan requests
func (s *Server) handleScansRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.app.ScanHandler.CreateScanHandler(w, r)
	case http.MethodGet:
		s.app.ScanHandler.ListScansHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleScanRoutes dispatches /api/scans/{id} and /api/scans/{id}/cancel
func (s *Server) handleScanRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/scans/")
	if path == "" {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}

	if jobID, ok := strings.CutSuffix(path, "/cancel"); ok {
		s.app.ScanHandler.CancelScanHandler(w, r, jobID)
		return
	}

	if strings.Contains(path, "/") {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}

	s.app.ScanHandler.GetScanHandler(w, r, path)
}
