// Package session implements the Session Coordinator (C9): it
// owns the pipeline lifecycle (C1 capture → C2 VAD → C5 streaming engine →
// C7 router), wires the active voice profile, exposes idempotent
// start/stop/pause/resume, and tracks per-session statistics.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dawrv/asr-core/pkg/asrcore"
	"github.com/dawrv/asr-core/pkg/router"
)

// AudioSource is the subset of capture.Source the session drives: it opens
// and closes the input device and reports overflow counters.
type AudioSource interface {
	Start() error
	Stop()
	DroppedFrames() uint64
}

// Engine is the subset of streaming.Engine the session drives.
type Engine interface {
	Start()
	Stop()
	Finals() <-chan *asrcore.TranscriptResult
	Partials() <-chan *asrcore.PartialTranscript
	SetProfileName(name string)
	SetMode(mode asrcore.Mode)
	Mode() asrcore.Mode
	AvgLatencyMs() float64
	RecentAudio(seconds float64) []float32
}

// Stats is the per-session running total exposed over GET /status.
type Stats struct {
	StartedAt      time.Time      `json:"started_at"`
	FinalsEmitted  uint64         `json:"finals_emitted"`
	PartialsEmitted uint64        `json:"partials_emitted"`
	FramesDropped  uint64         `json:"frames_dropped"`
	AvgLatencyMs   float64        `json:"avg_latency_ms"`
	Mode           asrcore.Mode   `json:"mode"`
	ProfileName    string         `json:"profile_name"`
	Running        bool           `json:"running"`
	Paused         bool           `json:"paused"`
	RouterCounters router.Counters `json:"router_counters"`
}

// Session owns one end-to-end pipeline run.
type Session struct {
	source AudioSource
	engine Engine
	router *router.Router
	logger asrcore.Logger

	mu          sync.RWMutex
	profileName string
	startedAt   time.Time
	running     bool
	paused      bool

	finalsEmitted   atomic.Uint64
	partialsEmitted atomic.Uint64

	stopOnce  sync.Once
	pauseDone chan struct{} // closed to release pause-blocked delivery goroutines
	wg        sync.WaitGroup
}

// New builds a Session wiring an already-constructed capture source,
// streaming engine, and router together. Construction of the provider
// variant and capture device selection happens in the caller (typically
// cmd/asr-core) per the ASR_PROVIDER tunable.
func New(source AudioSource, engine Engine, rtr *router.Router, logger asrcore.Logger) *Session {
	if logger == nil {
		logger = asrcore.NoOpLogger{}
	}
	return &Session{source: source, engine: engine, router: rtr, logger: logger}
}

// SetProfileName records the active calibration profile and forwards it to
// the streaming engine so every emitted transcript is tagged.
func (s *Session) SetProfileName(name string) {
	s.mu.Lock()
	s.profileName = name
	s.mu.Unlock()
	s.engine.SetProfileName(name)
}

// Start launches the capture device and streaming engine, and begins
// relaying transcripts to the router. Idempotent.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.paused = false
	s.startedAt = time.Now()
	s.pauseDone = make(chan struct{})
	s.mu.Unlock()

	if err := s.source.Start(); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
	s.engine.Start()

	s.wg.Add(2)
	go s.relayFinals()
	go s.relayPartials()

	s.logger.Info("session started")
	return nil
}

// Stop tears down the streaming engine and capture device. Idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()

		s.engine.Stop()
		s.source.Stop()
		s.wg.Wait()
		s.logger.Info("session stopped")
	})
}

// Pause suspends delivery of transcripts to the router without tearing down
// the audio pipeline: capture and recognition continue running so resume is
// immediate, but router callbacks stop firing. Idempotent.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume re-enables transcript delivery to the router. Idempotent.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

func (s *Session) isPaused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

// relayFinals drains the engine's final transcripts into the router for as
// long as the session runs, skipping delivery while paused.
func (s *Session) relayFinals() {
	defer s.wg.Done()
	for result := range s.engine.Finals() {
		s.finalsEmitted.Add(1)
		if s.isPaused() {
			continue
		}
		if _, _, err := s.router.RouteFinal(result); err != nil {
			s.logger.Warn("session: routing final failed", "error", err)
		}
	}
}

// relayPartials drains the engine's partial transcripts into status-only
// router updates, skipping delivery while paused.
func (s *Session) relayPartials() {
	defer s.wg.Done()
	for partial := range s.engine.Partials() {
		s.partialsEmitted.Add(1)
		if s.isPaused() {
			continue
		}
		if err := s.router.RoutePartial(partial, s.engine.Mode(), ""); err != nil {
			s.logger.Warn("session: routing partial failed", "error", err)
		}
	}
}

// Confirm executes the router's pending command, if any.
func (s *Session) Confirm() error { return s.router.Confirm() }

// Cancel clears the router's pending command.
func (s *Session) Cancel() { s.router.Cancel() }

// SetMode forces the session's routing mode.
func (s *Session) SetMode(mode asrcore.Mode) { s.engine.SetMode(mode) }

// Mode returns the current routing mode.
func (s *Session) Mode() asrcore.Mode { return s.engine.Mode() }

// RecentAudio returns the last min(seconds, 30) seconds of raw captured
// samples, for post-hoc diagnostics.
func (s *Session) RecentAudio(seconds float64) []float32 { return s.engine.RecentAudio(seconds) }

// Stats returns a snapshot of the session's running statistics.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		StartedAt:       s.startedAt,
		FinalsEmitted:   s.finalsEmitted.Load(),
		PartialsEmitted: s.partialsEmitted.Load(),
		FramesDropped:   s.source.DroppedFrames(),
		AvgLatencyMs:    s.engine.AvgLatencyMs(),
		Mode:            s.engine.Mode(),
		ProfileName:     s.profileName,
		Running:         s.running,
		Paused:          s.paused,
		RouterCounters:  s.router.Counters(),
	}
}
