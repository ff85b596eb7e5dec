// Package vad implements the adaptive energy-based Voice Activity Detector
// (C2): a per-frame SILENT/SPEAKING state machine
// with a noise floor that tracks the 20th-percentile RMS of recent
// non-speech frames, plus an optional externally supplied binary VAD that
// supersedes the energy rule on a per-frame basis.
package vad

import (
	"math"
	"sort"
	"time"

	"github.com/dawrv/asr-core/pkg/asrcore"
)

// State is the VAD's utterance-level state.
type State int

const (
	Silent State = iota
	Speaking
)

// Segment is a completed utterance: the concatenated speech frames
// (including trailing silence padding) bounded by VAD onset and offset.
type Segment struct {
	Samples []float32
	StartAt time.Time
	EndAt   time.Time
}

const (
	// floorFloor is the minimum energy threshold regardless of noise floor.
	floorFloor = 0.003

	// noiseFloorWindow is how many recent non-speech frames feed the
	// percentile noise floor estimate.
	noiseFloorWindow = 100

	// noiseFloorPercentile is the percentile (0-100) used for the floor.
	noiseFloorPercentile = 20

	// maxSegmentSeconds bounds an utterance's length.
	maxSegmentSeconds = 10.0
)

// ExternalVAD is an optional per-frame binary speech/silence classifier that,
// when present, is authoritative for a frame's classification — the
// adaptive energy floor continues to update from energy regardless.
type ExternalVAD interface {
	IsSpeech(frame []float32) bool
}

// Config tunes frame sizing and hysteresis windows.
type Config struct {
	SampleRate         int
	FrameDuration      time.Duration // 30ms
	MinSpeechDuration  time.Duration // ~250ms to enter SPEAKING
	MaxSilenceDuration time.Duration // 1.0-1.5s to leave SPEAKING
}

// DefaultConfig returns the standard 30ms-frame tuning: 250ms to enter
// SPEAKING, 1.2s of silence to leave it.
func DefaultConfig() Config {
	return Config{
		SampleRate:         16000,
		FrameDuration:      30 * time.Millisecond,
		MinSpeechDuration:  250 * time.Millisecond,
		MaxSilenceDuration: 1200 * time.Millisecond,
	}
}

// Detector is the adaptive energy VAD state machine.
type Detector struct {
	cfg      Config
	external ExternalVAD

	state         State
	speechFrames  int
	silenceFrames int
	minSpeech     int
	maxSilence    int

	noiseWindow []float64 // recent non-speech frame RMS values
	noiseFloor  float64

	segment      []float32
	segmentStart time.Time
	maxSegSamp   int

	logger asrcore.Logger
}

// New builds a Detector. external may be nil.
func New(cfg Config, external ExternalVAD, logger asrcore.Logger) *Detector {
	if logger == nil {
		logger = asrcore.NoOpLogger{}
	}
	minSpeech := int(cfg.MinSpeechDuration / cfg.FrameDuration)
	if minSpeech < 1 {
		minSpeech = 1
	}
	maxSilence := int(cfg.MaxSilenceDuration / cfg.FrameDuration)
	if maxSilence < 1 {
		maxSilence = 1
	}
	return &Detector{
		cfg:        cfg,
		external:   external,
		minSpeech:  minSpeech,
		maxSilence: maxSilence,
		maxSegSamp: int(maxSegmentSeconds * float64(cfg.SampleRate)),
		logger:     logger,
	}
}

// rms computes the root-mean-square energy of a float32 frame.
func rms(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// percentile returns the p-th percentile (0-100) of values using
// nearest-rank interpolation. values is not mutated.
func percentile(values []float64, p int) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := (p * (len(sorted) - 1)) / 100
	return sorted[idx]
}

// threshold returns the current energy threshold: max(floorFloor, 2.5 *
// noiseFloor)
func (d *Detector) threshold() float64 {
	t := 2.5 * d.noiseFloor
	if t < floorFloor {
		return floorFloor
	}
	return t
}

// Process classifies one fixed-size frame. It returns a completed Segment
// when the state machine transitions from SPEAKING back to SILENT, and a
// bool reporting whether the frame was classified as speech.
func (d *Detector) Process(frame asrcore.Frame) (*Segment, bool) {
	energy := rms(frame.Samples)

	var isSpeech bool
	if d.external != nil {
		isSpeech = d.external.IsSpeech(frame.Samples)
	} else {
		isSpeech = energy > d.threshold()
	}

	// The adaptive floor always updates from energy while SILENT, regardless
	// of whether an external VAD is authoritative for the frame.
	if d.state == Silent && !isSpeech {
		d.noiseWindow = append(d.noiseWindow, energy)
		if len(d.noiseWindow) > noiseFloorWindow {
			d.noiseWindow = d.noiseWindow[len(d.noiseWindow)-noiseFloorWindow:]
		}
		d.noiseFloor = percentile(d.noiseWindow, noiseFloorPercentile)
	}

	switch d.state {
	case Silent:
		if isSpeech {
			d.speechFrames++
			d.segment = append(d.segment, frame.Samples...)
			if d.segmentStart.IsZero() {
				d.segmentStart = frame.CapturedAt
			}
			if d.speechFrames >= d.minSpeech {
				d.state = Speaking
				d.silenceFrames = 0
			}
		} else {
			// Tie-break policy: previous state is sticky until the full count
			// is reached, so a lone speech frame doesn't commit to SPEAKING.
			d.speechFrames = 0
			d.segment = nil
			d.segmentStart = time.Time{}
		}
		return nil, isSpeech

	case Speaking:
		d.segment = append(d.segment, frame.Samples...)
		if isSpeech {
			d.silenceFrames = 0
		} else {
			d.silenceFrames++
		}

		truncated := d.maxSegSamp > 0 && len(d.segment) >= d.maxSegSamp
		if d.silenceFrames >= d.maxSilence || truncated {
			seg := &Segment{
				Samples: d.segment,
				StartAt: d.segmentStart,
				EndAt:   frame.CapturedAt,
			}
			d.reset()
			return seg, isSpeech
		}
		return nil, isSpeech
	}
	return nil, isSpeech
}

// reset clears per-utterance state after a segment completes, returning to
// SILENT. The noise floor window is preserved across utterances.
func (d *Detector) reset() {
	d.state = Silent
	d.speechFrames = 0
	d.silenceFrames = 0
	d.segment = nil
	d.segmentStart = time.Time{}
}

// IsSpeaking reports whether the detector is currently in the SPEAKING
// state.
func (d *Detector) IsSpeaking() bool { return d.state == Speaking }

// NoiseFloor returns the current adaptive noise floor estimate.
func (d *Detector) NoiseFloor() float64 { return d.noiseFloor }

// Reset forcibly returns the detector to SILENT, discarding any in-flight
// segment without emitting it. Used when the owning stream is interrupted.
func (d *Detector) Reset() { d.reset() }
