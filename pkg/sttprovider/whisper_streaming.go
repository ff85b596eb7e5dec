package sttprovider

import (
	"context"
	"sync"
	"time"

	"github.com/dawrv/asr-core/pkg/asrcore"
)

// batchTranscriber is the subset of WhisperBatch that WhisperStreaming
// drives; factored out so tests can substitute a fake model.
type batchTranscriber interface {
	Transcribe(ctx context.Context, segment []float32, boostWords []string) (*asrcore.TranscriptResult, error)
	Close() error
}

// WhisperStreaming is the "streaming local" provider variant:
// it wraps a WhisperBatch so the resident acoustic model is reused across
// segments, but additionally accepts fed frames and emits throttled partial
// transcripts over a channel the way a remote streaming backend would.
type WhisperStreaming struct {
	batch batchTranscriber

	mu           sync.Mutex
	buffer       []float32
	lastPartial  time.Time
	lastText     string
	partialEvery time.Duration

	boostWords []string

	partials chan *asrcore.PartialTranscript
	finals   chan *asrcore.TranscriptResult
}

// NewWhisperStreaming wraps an existing WhisperBatch (so model load cost is
// paid once and shared) with streaming frame accumulation.
func NewWhisperStreaming(batch *WhisperBatch, boostWords []string) *WhisperStreaming {
	return newWhisperStreaming(batch, boostWords)
}

func newWhisperStreaming(batch batchTranscriber, boostWords []string) *WhisperStreaming {
	return &WhisperStreaming{
		batch:        batch,
		partialEvery: 200 * time.Millisecond,
		boostWords:   boostWords,
		partials:     make(chan *asrcore.PartialTranscript, 8),
		finals:       make(chan *asrcore.TranscriptResult, 8),
	}
}

func (w *WhisperStreaming) Name() string { return "whisper-streaming" }

func (w *WhisperStreaming) Partials() <-chan *asrcore.PartialTranscript { return w.partials }

func (w *WhisperStreaming) Finals() <-chan *asrcore.TranscriptResult { return w.finals }

func (w *WhisperStreaming) Close() error { return w.batch.Close() }

// Feed accumulates a frame into the in-flight buffer and, once the ~200ms
// throttle window has elapsed, emits a deduplicated partial transcript by
// running inference on the buffer so far. The window is counted from the
// first fed frame, then from the last inference.
func (w *WhisperStreaming) Feed(frame asrcore.Frame) error {
	w.mu.Lock()
	w.buffer = append(w.buffer, frame.Samples...)
	if w.lastPartial.IsZero() {
		w.lastPartial = time.Now()
	}
	due := time.Since(w.lastPartial) >= w.partialEvery
	var snapshot []float32
	if due {
		snapshot = make([]float32, len(w.buffer))
		copy(snapshot, w.buffer)
		w.lastPartial = time.Now()
	}
	w.mu.Unlock()

	if !due || len(snapshot) == 0 {
		return nil
	}

	result, err := w.batch.Transcribe(context.Background(), snapshot, w.boostWords)
	if err != nil {
		return nil // partials are best-effort; errors are not fatal mid-utterance
	}

	w.mu.Lock()
	dup := result.Text == w.lastText
	if !dup {
		w.lastText = result.Text
	}
	w.mu.Unlock()
	if dup || result.Text == "" {
		return nil
	}

	select {
	case w.partials <- &asrcore.PartialTranscript{Text: result.Text, Confidence: result.Confidence, Timestamp: time.Now()}:
	default:
	}
	return nil
}

// Transcribe runs the final inference over segment and resets streaming
// state for the next utterance.
func (w *WhisperStreaming) Transcribe(ctx context.Context, segment []float32, boostWords []string) (*asrcore.TranscriptResult, error) {
	w.mu.Lock()
	w.buffer = nil
	w.lastText = ""
	w.mu.Unlock()

	result, err := w.batch.Transcribe(ctx, segment, boostWords)
	if err != nil {
		return nil, err
	}
	select {
	case w.finals <- result:
	default:
	}
	return result, nil
}
