package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nugget/proctrigger/internal/mqtt"
	"github.com/nugget/proctrigger/internal/trigger"
)

// TriggerResponse is returned by the trigger mutation endpoints.
// Warning is set when the change was applied in memory but could not
// be written to the store.
type TriggerResponse struct {
	Trigger *trigger.Trigger `json:"trigger,omitempty"`
	Warning string           `json:"warning,omitempty"`
}

// ConnectionResponse describes the broker settings and connectivity.
type ConnectionResponse struct {
	Host      string `json:"host"`
	Port      uint16 `json:"port"`
	Connected bool   `json:"connected"`
	Warning   string `json:"warning,omitempty"`
}

func (s *Server) handleTriggerList(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListTriggers(r.Context())
	if s.commandError(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"triggers": list}, s.logger)
}

func (s *Server) handleTriggerAdd(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.AddTrigger(r.Context())
	if s.commandError(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, TriggerResponse{Trigger: &t, Warning: warning(err)}, s.logger)
}

func (s *Server) handleTriggerUpdate(w http.ResponseWriter, r *http.Request) {
	var f trigger.Fields
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	t, err := s.engine.UpdateTrigger(r.Context(), r.PathValue("id"), f)
	if s.commandError(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, TriggerResponse{Trigger: &t, Warning: warning(err)}, s.logger)
}

func (s *Server) handleTriggerRemove(w http.ResponseWriter, r *http.Request) {
	err := s.engine.RemoveTrigger(r.Context(), r.PathValue("id"))
	if s.commandError(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, TriggerResponse{Warning: warning(err)}, s.logger)
}

func (s *Server) handleTriggerUpdateAt(w http.ResponseWriter, r *http.Request) {
	index, ok := s.pathIndex(w, r)
	if !ok {
		return
	}
	var f trigger.Fields
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	t, err := s.engine.UpdateTriggerAt(r.Context(), index, f)
	if s.commandError(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, TriggerResponse{Trigger: &t, Warning: warning(err)}, s.logger)
}

func (s *Server) handleTriggerRemoveAt(w http.ResponseWriter, r *http.Request) {
	index, ok := s.pathIndex(w, r)
	if !ok {
		return
	}
	err := s.engine.RemoveTriggerAt(r.Context(), index)
	if s.commandError(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, TriggerResponse{Warning: warning(err)}, s.logger)
}

// pathIndex parses the {index} path value. Negative numbers parse and
// are rejected by the registry as out of range.
func (s *Server) pathIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "index must be an integer")
		return 0, false
	}
	return index, true
}

func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	states, ids, err := s.engine.RunningStates(r.Context())
	if s.commandError(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"states": states, "ids": ids}, s.logger)
}

func (s *Server) connection(warn string) ConnectionResponse {
	cs := s.engine.ConnectionSettings()
	return ConnectionResponse{
		Host:      cs.Host,
		Port:      cs.Port,
		Connected: s.engine.IsConnected(),
		Warning:   warn,
	}
}

func (s *Server) handleConnectionGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.connection(""), s.logger)
}

func (s *Server) handleConnectionSet(w http.ResponseWriter, r *http.Request) {
	var cs mqtt.Settings
	if err := json.NewDecoder(r.Body).Decode(&cs); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := s.engine.SetConnectionSettings(r.Context(), cs)
	if s.commandError(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.connection(warning(err)), s.logger)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if s.commandError(w, s.engine.Reconnect(r.Context())) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, s.connection(""), s.logger)
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	names, err := s.engine.Processes(r.Context())
	if s.commandError(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"processes": names, "count": len(names)}, s.logger)
}
