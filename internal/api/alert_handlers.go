// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"bacmon.is/bacmon/internal/alerting"
)

// alertsReady gates the alert endpoints on a configured manager and pulls in
// alert state written by the monitor daemon since the last request.
func (s *Server) alertsReady(w http.ResponseWriter, r *http.Request) bool {
	if s.alerts == nil {
		WriteError(w, r, http.StatusServiceUnavailable, "alerting not configured", 0)
		return false
	}
	if err := s.alerts.Refresh(r.Context()); err != nil {
		s.storeError(w, r, err)
		return false
	}
	return true
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if !s.alertsReady(w, r) {
		return
	}
	limit, offset, err := pageParams(r)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, err.Error(), ErrCodeBadPagination)
		return
	}
	minLevel := alerting.ParseLevel(r.URL.Query().Get("min_level"))
	alerts := s.alerts.Query(minLevel, limit, offset)
	WriteJSON(w, r, http.StatusOK, map[string]any{
		"alerts": alerts,
		"active": s.alerts.ActiveCount(),
	})
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	if !s.alertsReady(w, r) {
		return
	}
	limit, offset, err := pageParams(r)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, err.Error(), ErrCodeBadPagination)
		return
	}
	minLevel := alerting.ParseLevel(r.URL.Query().Get("min_level"))
	WriteJSON(w, r, http.StatusOK, map[string]any{
		"alerts": s.alerts.History(minLevel, limit, offset),
	})
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	if !s.alertsReady(w, r) {
		return
	}
	id := mux.Vars(r)["uuid"]
	a, ok := s.alerts.Get(id)
	if !ok {
		WriteError(w, r, http.StatusNotFound, "no such alert", 0)
		return
	}
	WriteJSON(w, r, http.StatusOK, a)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if !s.alertsReady(w, r) {
		return
	}
	id := mux.Vars(r)["uuid"]
	if !s.alerts.Acknowledge(r.Context(), id) {
		WriteError(w, r, http.StatusNotFound, "no such active alert", 0)
		return
	}
	WriteJSON(w, r, http.StatusOK, map[string]any{"uuid": id, "acknowledged": true})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if !s.alertsReady(w, r) {
		return
	}
	id := mux.Vars(r)["uuid"]
	if !s.alerts.Resolve(r.Context(), id) {
		WriteError(w, r, http.StatusNotFound, "no such active alert", 0)
		return
	}
	WriteJSON(w, r, http.StatusOK, map[string]any{"uuid": id, "resolved": true})
}

func (s *Server) handleListMaintenance(w http.ResponseWriter, r *http.Request) {
	if !s.alertsReady(w, r) {
		return
	}
	WriteJSON(w, r, http.StatusOK, map[string]any{"windows": s.alerts.Windows()})
}

func (s *Server) handleAddMaintenance(w http.ResponseWriter, r *http.Request) {
	if !s.alertsReady(w, r) {
		return
	}
	var win alerting.MaintenanceWindow
	if err := json.NewDecoder(r.Body).Decode(&win); err != nil {
		WriteError(w, r, http.StatusBadRequest, "bad maintenance window body", ErrCodeBadValue)
		return
	}
	if win.Name == "" {
		WriteError(w, r, http.StatusBadRequest, "maintenance window needs a name", ErrCodeInvalidName)
		return
	}
	if win.End <= win.Start {
		WriteError(w, r, http.StatusBadRequest, "window end must be after start", ErrCodeBadTimeRange)
		return
	}
	if err := s.alerts.AddWindow(r.Context(), win); err != nil {
		s.storeError(w, r, err)
		return
	}
	WriteJSON(w, r, http.StatusCreated, win)
}

func (s *Server) handleDeleteMaintenance(w http.ResponseWriter, r *http.Request) {
	if !s.alertsReady(w, r) {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		WriteError(w, r, http.StatusBadRequest, "maintenance window needs a name", ErrCodeInvalidName)
		return
	}
	if !s.alerts.DeleteWindow(r.Context(), body.Name) {
		WriteError(w, r, http.StatusNotFound, "no such maintenance window", 0)
		return
	}
	WriteJSON(w, r, http.StatusOK, map[string]any{"deleted": body.Name})
}
