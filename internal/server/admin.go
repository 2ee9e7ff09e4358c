package server

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"gihan9a/braidhttp/internal/registry"
)

const adminPrefix = "/_braid"

type resourceList struct {
	Resources []string `json:"resources"`
}

type resourceState struct {
	registry.Snapshot
	Subscribers int    `json:"subscribers"`
	File        string `json:"file,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

// handleListResources lists the ids of all resources.
func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, resourceList{Resources: s.registry.ListResources()})
}

// handleResourceState reports the state and merge quality of one resource.
func (s *Server) handleResourceState(w http.ResponseWriter, r *http.Request) {
	id := "/" + mux.Vars(r)["id"]
	snap, ok := s.registry.GetResourceState(id)
	if !ok {
		http.Error(w, "Resource not found", http.StatusNotFound)
		return
	}
	state := resourceState{Snapshot: snap, Subscribers: s.hub.subscribers(id)}
	if path := s.getPathFromResourceID(id); fileExists(path) {
		state.File = path
	}
	s.writeJSON(w, state)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
