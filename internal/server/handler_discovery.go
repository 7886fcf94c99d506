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
	endpoints := []endpointInfo{
		{"/api/v1/health", []string{"GET"}, "Server health and version"},
		{"/api/v1/runs", []string{"GET"}, "Preprocessing runs, newest first. Accepts ?state=, ?limit=, ?offset="},
		{"/api/v1/runs/{id}", []string{"GET"}, "Single run with its subject summary"},
		{"/api/v1/runs/{id}/subjects", []string{"GET"}, "Per-subject state of a run. Accepts ?state="},
	}
	if s.gatherer != nil {
		endpoints = append(endpoints, endpointInfo{"/metrics", []string{"GET"}, "Run metrics in the Prometheus text format"})
	}
	respondOK(w, reqID, discoveryResponse{
		Name:        "dwiprep API",
		Version:     "v1",
		Description: "DWI preprocessing run status",
		Endpoints:   endpoints,
	})
}
