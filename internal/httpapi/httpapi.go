// Package httpapi exposes the loopback HTTP control surface: session
// lifecycle, router confirm/cancel, and mode toggling, plus the additive
// Prometheus metrics endpoint and a DAWRV integration passthrough for
// forwarding recognized commands directly to the host application.
package httpapi

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dawrv/asr-core/pkg/asrcore"
	"github.com/dawrv/asr-core/pkg/session"
)

// Controller is the subset of session.Session the HTTP surface drives.
type Controller interface {
	Start() error
	Stop()
	Pause()
	Resume()
	Confirm() error
	Cancel()
	SetMode(mode asrcore.Mode)
	Stats() session.Stats
	RecentAudio(seconds float64) []float32
}

// Server wires the Controller to the HTTP routes.
type Server struct {
	controller  Controller
	logger      asrcore.Logger
	router      *mux.Router
	httpServer  *http.Server
	commandPath string // source for the /integration/dawrv passthrough
}

// New builds a Server bound to addr (loopback, e.g. "127.0.0.1:8765").
// commandPath is the same file C7 writes executed commands to; it backs the
// /integration/dawrv passthrough.
func New(addr string, controller Controller, commandPath string, logger asrcore.Logger) *Server {
	if logger == nil {
		logger = asrcore.NoOpLogger{}
	}
	s := &Server{controller: controller, logger: logger, router: mux.NewRouter(), commandPath: commandPath}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the control surface until the process is
// shut down or an unrecoverable listener error occurs.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown() error {
	return s.httpServer.Close()
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/start", s.handleStart).Methods(http.MethodGet)
	s.router.HandleFunc("/stop", s.handleStop).Methods(http.MethodGet)
	s.router.HandleFunc("/pause", s.handlePause).Methods(http.MethodGet)
	s.router.HandleFunc("/resume", s.handleResume).Methods(http.MethodGet)
	s.router.HandleFunc("/confirm", s.handleConfirm).Methods(http.MethodPost)
	s.router.HandleFunc("/cancel", s.handleCancel).Methods(http.MethodPost)
	s.router.HandleFunc("/mode", s.handleMode).Methods(http.MethodPost)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/integration/dawrv", s.handleDawrvIntegration).Methods(http.MethodPost)
	s.router.HandleFunc("/recent-audio", s.handleRecentAudio).Methods(http.MethodGet)
	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Stats())
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	if err := s.controller.Start(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.controller.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.controller.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.controller.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleConfirm(w http.ResponseWriter, _ *http.Request) {
	if err := s.controller.Confirm(); err != nil {
		if err == asrcore.ErrNoPendingCommand {
			writeJSON(w, http.StatusOK, map[string]string{"status": "no_pending_command"})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	s.controller.Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var mode asrcore.Mode
	switch req.Mode {
	case string(asrcore.ModeCommand):
		mode = asrcore.ModeCommand
	case string(asrcore.ModeDictation):
		mode = asrcore.ModeDictation
	default:
		writeError(w, http.StatusBadRequest, "mode must be \"command\" or \"dictation\"")
		return
	}
	s.controller.SetMode(mode)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "mode": string(mode)})
}

// handleDawrvIntegration forwards the last command-file write as JSON,
// matching the original asr_to_dawrv.py webhook's role as a passthrough
// between the recognizer and the DAWRV intent engine. It performs no intent
// classification of its own.
func (s *Server) handleDawrvIntegration(w http.ResponseWriter, _ *http.Request) {
	data, err := os.ReadFile(s.commandPath)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"command": ""})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"command": strings.TrimRight(string(data), "\n")})
}

// handleRecentAudio reports how much of the C3 ring buffer's recent audio
// history is available, without shipping the raw samples over JSON.
// Defaults to 5s when ?seconds= is absent or unparsable.
func (s *Server) handleRecentAudio(w http.ResponseWriter, r *http.Request) {
	seconds := 5.0
	if raw := r.URL.Query().Get("seconds"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 {
			seconds = parsed
		}
	}
	samples := s.controller.RecentAudio(seconds)
	writeJSON(w, http.StatusOK, map[string]any{
		"requested_seconds": seconds,
		"sample_count":      len(samples),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}
