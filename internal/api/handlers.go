// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flyingrobots/go-traffic-signal-controller/internal/engine"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/obs"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/traffic"
)

const (
	minManualDuration = 10
	maxManualDuration = 120
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleMemorySummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Summary())
}

type modeResponse struct {
	Mode   traffic.Mode       `json:"mode"`
	Manual traffic.ManualInfo `json:"manual"`
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	writeJSON(w, http.StatusOK, modeResponse{Mode: st.Mode, Manual: st.Manual})
}

type setModeRequest struct {
	Mode traffic.Mode `json:"mode"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req setModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "request body must be JSON")
		return
	}
	switch req.Mode {
	case traffic.ModeAuto:
		if err := s.engine.SetAutoMode(); err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "mode": string(traffic.ModeAuto)})
	case traffic.ModeManual:
		writeError(w, http.StatusBadRequest, "INVALID_MODE", "manual mode is entered via /control/manual/apply")
	default:
		writeError(w, http.StatusBadRequest, "INVALID_MODE", "mode must be AUTO or MANUAL")
	}
}

type manualApplyRequest struct {
	Command  traffic.ManualCommand `json:"command"`
	Duration int                   `json:"duration"`
}

func (s *Server) handleManualApply(w http.ResponseWriter, r *http.Request) {
	var req manualApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "request body must be JSON")
		return
	}
	if !req.Command.Valid() {
		writeError(w, http.StatusBadRequest, "INVALID_COMMAND", "command must be NS_GREEN, EW_GREEN or ALL_RED")
		return
	}
	if req.Duration < minManualDuration || req.Duration > maxManualDuration {
		writeError(w, http.StatusBadRequest, "INVALID_DURATION", "duration must be between 10 and 120 seconds")
		return
	}
	if err := s.engine.ApplyManual(req.Command, req.Duration); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.Info("manual override applied",
		obs.String("command", string(req.Command)),
		obs.Int("duration", req.Duration))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"command":  req.Command,
		"duration": req.Duration,
	})
}

func (s *Server) handleManualCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CancelManual(); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Start(s.baseCtx); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Stop(); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.engine.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotRunning):
		writeError(w, http.StatusConflict, "NOT_RUNNING", "simulation is not running")
	case errors.Is(err, engine.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "ALREADY_RUNNING", "simulation is already running")
	default:
		s.logger.Error("engine call failed", obs.Err(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}
