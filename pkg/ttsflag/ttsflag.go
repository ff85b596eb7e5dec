// Package ttsflag implements the filesystem contract between the ASR core
// and the external TTS subsystem: a well-known sentinel file whose
// existence means "TTS is speaking", auto-cleared after 30s of staleness,
// plus the barge-in signal file the capture path writes to request
// cancellation of in-progress playback.
//
// The ASR core only ever reads the speaking flag and only ever writes the
// barge-in signal — it never asserts or clears the speaking flag itself.
package ttsflag

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dawrv/asr-core/pkg/atomicfile"
)

// staleAfter is how old a speaking-flag file's mtime may be before it is
// treated as stale and auto-cleared.
const staleAfter = 30 * time.Second

// SpeakingState reports whether the external TTS is currently speaking.
// Hidden behind an interface so tests can substitute a programmable flag
// instead of touching the filesystem.
type SpeakingState interface {
	Speaking() bool
}

// FileSpeakingState polls a sentinel file on disk.
type FileSpeakingState struct {
	Path string
}

// NewFileSpeakingState returns a SpeakingState backed by the given sentinel
// file path.
func NewFileSpeakingState(path string) *FileSpeakingState {
	return &FileSpeakingState{Path: path}
}

// Speaking reports whether the sentinel file exists and is not stale.
func (f *FileSpeakingState) Speaking() bool {
	info, err := os.Stat(f.Path)
	if err != nil {
		return false
	}
	if time.Since(info.ModTime()) > staleAfter {
		return false
	}
	return true
}

// ProgrammableSpeakingState is an in-memory SpeakingState for tests.
type ProgrammableSpeakingState struct {
	speaking bool
}

func (p *ProgrammableSpeakingState) Speaking() bool { return p.speaking }
func (p *ProgrammableSpeakingState) Set(v bool)     { p.speaking = v }

// BargeInSignal is the JSON shape written to the barge-in signal file.
type BargeInSignal struct {
	Timestamp float64 `json:"timestamp"`
	RMS       float64 `json:"rms"`
}

// BargeInWriter rate-limits and atomically writes barge-in signals.
type BargeInWriter struct {
	Path     string
	MinGap   time.Duration
	lastSent time.Time
}

// NewBargeInWriter returns a writer that will not emit more often than every
// 50ms.
func NewBargeInWriter(path string) *BargeInWriter {
	return &BargeInWriter{Path: path, MinGap: 50 * time.Millisecond}
}

// Write emits a barge-in signal if the debounce interval has elapsed. It
// reports whether a signal was actually written.
func (w *BargeInWriter) Write(rms float64, now time.Time) (bool, error) {
	if !w.lastSent.IsZero() && now.Sub(w.lastSent) < w.MinGap {
		return false, nil
	}
	sig := BargeInSignal{
		Timestamp: float64(now.UnixNano()) / float64(time.Second),
		RMS:       rms,
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return false, err
	}
	if err := atomicfile.Write(w.Path, data); err != nil {
		return false, err
	}
	w.lastSent = now
	return true, nil
}
