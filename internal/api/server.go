// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api implements the public-facing HTTP and WebSocket server for the
// collaboration engine. It decodes transport payloads, extracts the request
// identity, and delegates to the engine; no coordination logic lives here.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"collab/internal/engine/docstore"
	"collab/internal/engine/hub"
	"collab/internal/engine/kvc"
	"collab/internal/engine/persist"
	"collab/internal/engine/pipeline"
	"collab/internal/engine/presence"
	"collab/internal/engine/syncsvc"
)

// Server handles the collaboration HTTP API and the WebSocket endpoint.
type Server struct {
	sync     *syncsvc.Service
	pipe     *pipeline.Pipeline
	saver    *persist.Coordinator
	presence *presence.Registry
	fanout   *hub.Hub
}

// NewServer wires the API surface to the engine components.
func NewServer(sync *syncsvc.Service, pipe *pipeline.Pipeline, saver *persist.Coordinator, reg *presence.Registry, fanout *hub.Hub) *Server {
	return &Server{sync: sync, pipe: pipe, saver: saver, presence: reg, fanout: fanout}
}

// RegisterRoutes sets up the HTTP routes for the server on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/collab/ImportFile", s.handleImportFile)
	mux.HandleFunc("/api/collab/UpdateAction", s.handleUpdateAction)
	mux.HandleFunc("/api/collab/GetActionsFromServer", s.handleGetActions)
	mux.HandleFunc("/api/collab/ShouldSave", s.handleShouldSave)
	mux.HandleFunc("/api/collab/SaveDocument", s.handleSaveDocument)
	mux.HandleFunc("/ws", s.handleWebSocket)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to write response")
	}
}

// storeStatus maps engine failures that are not request errors to an HTTP
// status.
func storeStatus(err error) int {
	if errors.Is(err, kvc.ErrUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleImportFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileID string `json:"fileId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.FileID == "" {
		http.Error(w, "fileId is required", http.StatusBadRequest)
		return
	}

	res, err := s.sync.Import(r.Context(), req.FileID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			http.Error(w, fmt.Sprintf("unknown file %s", req.FileID), http.StatusNotFound)
			return
		}
		log.WithError(err).WithField("doc", req.FileID).Error("import failed")
		http.Error(w, "import failed", storeStatus(err))
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleUpdateAction(w http.ResponseWriter, r *http.Request) {
	var op pipeline.Operation
	if !decodeBody(w, r, &op) {
		return
	}
	if op.DocumentID == "" {
		http.Error(w, "fileId is required", http.StatusBadRequest)
		return
	}

	rc := pipeline.RequestContext{
		UserName:   op.UserName,
		SessionID:  op.ConnectionID,
		DocumentID: op.DocumentID,
	}
	committed, err := s.pipe.Submit(r.Context(), rc, op.Version, op)
	if err != nil {
		var stale *pipeline.StaleClientError
		if errors.As(err, &stale) {
			http.Error(w, fmt.Sprintf("RESYNC_REQUIRED: client at %d < persisted %d",
				stale.ClientVersion, stale.PersistedVersion), http.StatusConflict)
			return
		}
		if errors.Is(err, pipeline.ErrRetriesExhausted) {
			http.Error(w, "operation could not be committed", http.StatusInternalServerError)
			return
		}
		log.WithError(err).WithField("doc", op.DocumentID).Error("submit failed")
		http.Error(w, "submit failed", storeStatus(err))
		return
	}

	// An accepted operation counts as user activity.
	if rc.UserName != "" {
		if err := s.presence.Touch(r.Context(), rc.DocumentID, rc.UserName, kvc.Touch{Heartbeat: true, Action: true}); err != nil {
			log.WithError(err).WithField("doc", rc.DocumentID).Warn("failed to touch sessions")
		}
	}
	writeJSON(w, committed)
}

func (s *Server) handleGetActions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileID  string `json:"fileId"`
		Version int64  `json:"version"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.sync.GetSince(r.Context(), req.FileID, req.Version)
	if err != nil {
		log.WithError(err).WithField("doc", req.FileID).Error("get actions failed")
		http.Error(w, "get actions failed", storeStatus(err))
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleShouldSave(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileID               string `json:"fileId"`
		LatestAppliedVersion int64  `json:"latestAppliedVersion"`
		UserName             string `json:"currentUser,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	should, persisted, err := s.saver.ShouldSave(r.Context(), req.FileID, req.LatestAppliedVersion)
	if err != nil {
		log.WithError(err).WithField("doc", req.FileID).Error("should-save check failed")
		http.Error(w, "should-save check failed", storeStatus(err))
		return
	}
	// The save-check ping doubles as the client heartbeat.
	if req.UserName != "" {
		if err := s.presence.Touch(r.Context(), req.FileID, req.UserName, kvc.Touch{Heartbeat: true}); err != nil {
			log.WithError(err).WithField("doc", req.FileID).Warn("failed to touch sessions")
		}
	}
	writeJSON(w, struct {
		ShouldSave              bool  `json:"shouldSave"`
		CurrentPersistedVersion int64 `json:"currentPersistedVersion"`
	}{should, persisted})
}

func (s *Server) handleSaveDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileID               string `json:"fileId"`
		SFDT                 string `json:"sfdt"`
		LatestAppliedVersion int64  `json:"latestAppliedVersion"`
		UserName             string `json:"currentUser,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	skipped, err := s.saver.Save(r.Context(), req.FileID, req.SFDT, req.LatestAppliedVersion)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to save document: %v", err), http.StatusInternalServerError)
		return
	}
	if req.UserName != "" && !skipped {
		if err := s.presence.Touch(r.Context(), req.FileID, req.UserName, kvc.Touch{Save: true}); err != nil {
			log.WithError(err).WithField("doc", req.FileID).Warn("failed to touch sessions")
		}
	}

	resp := struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Skipped bool   `json:"skipped,omitempty"`
	}{Success: true, Skipped: skipped}
	if skipped {
		resp.Message = "already persisted"
	} else {
		resp.Message = fmt.Sprintf("saved at version %d", req.LatestAppliedVersion)
	}
	writeJSON(w, resp)
}

// Handler returns the routed handler; the caller owns the http.Server
// lifecycle.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}
