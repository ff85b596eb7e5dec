// Package router implements the Command Router (C7): it tiers
// final transcripts by confidence, writes executable commands to the
// command output file, and maintains the single-slot pending-confirmation
// state machine for medium-confidence results.
package router

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/dawrv/asr-core/internal/metrics"
	"github.com/dawrv/asr-core/pkg/asrcore"
	"github.com/dawrv/asr-core/pkg/atomicfile"
	"github.com/dawrv/asr-core/pkg/vocab"
)

// Tier is the confidence bucket a final transcript falls into.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// Action is what the router did with a given final transcript.
type Action string

const (
	ActionExecute    Action = "execute"
	ActionConfirm    Action = "confirm"
	ActionRepeat     Action = "repeat"
	ActionModeSwitch Action = "mode_switch" // recognized mode phrase; status-only, never routed
	ActionNone       Action = "none"        // partials, and no-op confirm/cancel calls
)

// Thresholds are the fixed tiering boundaries
const (
	highThreshold   = 0.85
	mediumThreshold = 0.55
)

// Tiering classifies a confidence value.
func Tiering(confidence float64) Tier {
	switch {
	case confidence > highThreshold:
		return TierHigh
	case confidence > mediumThreshold:
		return TierMedium
	default:
		return TierLow
	}
}

// StatusFile is the JSON shape written to the status file on every update.
type StatusFile struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Mode       string  `json:"mode"`
	Timestamp  float64 `json:"timestamp"`
	IsFinal    bool    `json:"is_final"`
	Provider   string  `json:"provider"`
}

// Counters track routing outcomes for /status.
type Counters struct {
	Total     int `json:"total"`
	Executed  int `json:"executed"`
	Confirmed int `json:"confirmed"`
	Repeated  int `json:"repeated"`
}

// Router is the C7 Command Router.
type Router struct {
	commandPath string
	statusPath  string
	logger      asrcore.Logger

	mu       sync.Mutex
	pending  *asrcore.TranscriptResult
	counters Counters
}

// New builds a Router writing to the given command and status files.
func New(commandPath, statusPath string, logger asrcore.Logger) *Router {
	if logger == nil {
		logger = asrcore.NoOpLogger{}
	}
	return &Router{commandPath: commandPath, statusPath: statusPath, logger: logger}
}

// Counters returns a snapshot of the running counters.
func (r *Router) Counters() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

// Pending returns the currently pending transcript, if any.
func (r *Router) Pending() (*asrcore.TranscriptResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return nil, false
	}
	cp := *r.pending
	return &cp, true
}

// RouteFinal applies the tiering transitions to a final
// transcript and reports the action taken.
func (r *Router) RouteFinal(result *asrcore.TranscriptResult) (Action, Tier, error) {
	// A recognized mode-switch phrase is never routed as a command, even at
	// high confidence: the engine already flipped the session mode, this
	// only needs a status update so clients see the transcript.
	if _, ok := vocab.DetectModeSwitch(result.Text); ok {
		metrics.RouterActions.WithLabelValues(string(ActionModeSwitch)).Inc()
		if err := r.writeStatus(result, true); err != nil {
			return ActionModeSwitch, Tiering(result.Confidence), err
		}
		return ActionModeSwitch, Tiering(result.Confidence), nil
	}

	tier := Tiering(result.Confidence)

	r.mu.Lock()
	r.counters.Total++
	switch tier {
	case TierHigh:
		r.counters.Executed++
		r.pending = nil
	case TierMedium:
		r.counters.Confirmed++
		r.pending = result
	case TierLow:
		r.counters.Repeated++
	}
	r.mu.Unlock()

	var action Action
	switch tier {
	case TierHigh:
		action = ActionExecute
		if err := r.writeCommand(result.Text); err != nil {
			return action, tier, err
		}
	case TierMedium:
		action = ActionConfirm
	case TierLow:
		action = ActionRepeat
	}
	metrics.RouterActions.WithLabelValues(string(action)).Inc()

	// The command-file write (if any) happens-before this status write
	// becomes observable: writeCommand above already completed synchronously.
	if err := r.writeStatus(result, true); err != nil {
		return action, tier, err
	}
	return action, tier, nil
}

// RoutePartial emits a status-only update for an interim transcript. It
// never executes and never touches the pending slot.
func (r *Router) RoutePartial(partial *asrcore.PartialTranscript, mode asrcore.Mode, provider string) error {
	result := &asrcore.TranscriptResult{
		Text:       partial.Text,
		Confidence: partial.Confidence,
		Mode:       mode,
		Timestamp:  partial.Timestamp,
		Provider:   provider,
	}
	return r.writeStatus(result, false)
}

// Confirm executes the pending transcript, if any, with confidence forced
// to 1.0, and clears the pending slot. Returns ErrNoPendingCommand if
// nothing is pending.
func (r *Router) Confirm() error {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	if pending == nil {
		return asrcore.ErrNoPendingCommand
	}
	confirmed := *pending
	confirmed.Confidence = 1.0

	r.mu.Lock()
	r.counters.Executed++
	r.mu.Unlock()
	metrics.RouterActions.WithLabelValues(string(ActionExecute)).Inc()

	if err := r.writeCommand(confirmed.Text); err != nil {
		return err
	}
	return r.writeStatus(&confirmed, true)
}

// Cancel clears the pending slot without executing anything. It is a no-op
// (not an error) if nothing is pending,
func (r *Router) Cancel() {
	r.mu.Lock()
	r.pending = nil
	r.mu.Unlock()
}

// writeCommand atomically truncates and writes the canonical command text
// as a single newline-terminated line.
func (r *Router) writeCommand(text string) error {
	return atomicfile.WriteLine(r.commandPath, text)
}

func (r *Router) writeStatus(result *asrcore.TranscriptResult, isFinal bool) error {
	status := StatusFile{
		Text:       result.Text,
		Confidence: result.Confidence,
		Mode:       string(result.Mode),
		Timestamp:  float64(timeOrNow(result.Timestamp).UnixNano()) / float64(time.Second),
		IsFinal:    isFinal,
		Provider:   result.Provider,
	}
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return atomicfile.Write(r.statusPath, data)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
