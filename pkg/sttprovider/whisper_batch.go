package sttprovider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/dawrv/asr-core/pkg/asrcore"
)

// WhisperBatch is the "batch local" provider variant: it loads a
// whisper.cpp model once and runs a fresh inference context per utterance
// segment, attaching word-level timing and confidence from the model's
// token probabilities.
type WhisperBatch struct {
	mu       sync.Mutex
	model    whisperlib.Model
	language string
	name     string
}

// NewWhisperBatch loads the whisper.cpp model at modelPath. name labels the
// provider in logs/metrics (e.g. "whisper-small", "whisper-medium" for the
// second-pass rescoring model).
func NewWhisperBatch(modelPath, language, name string) (*WhisperBatch, error) {
	if modelPath == "" {
		return nil, errors.New("sttprovider: whisper model path must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("sttprovider: load whisper model %q: %w", modelPath, err)
	}
	if language == "" {
		language = "en"
	}
	if name == "" {
		name = "whisper-batch"
	}
	return &WhisperBatch{model: model, language: language, name: name}, nil
}

func (w *WhisperBatch) Name() string { return w.name }

// Feed is a no-op: the batch provider only transcribes complete segments.
func (w *WhisperBatch) Feed(asrcore.Frame) error { return nil }

// Finals returns nil: batch providers deliver results synchronously from
// Transcribe, not over a channel.
func (w *WhisperBatch) Finals() <-chan *asrcore.TranscriptResult { return nil }

// Partials returns nil for the same reason as Finals.
func (w *WhisperBatch) Partials() <-chan *asrcore.PartialTranscript { return nil }

// Close releases the shared model. Safe to call once all in-flight
// Transcribe calls have returned.
func (w *WhisperBatch) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.model == nil {
		return nil
	}
	err := w.model.Close()
	w.model = nil
	return err
}

// Transcribe runs one-shot inference over segment, using boostWords as an
// initial prompt to bias recognition toward DAW vocabulary. Each call
// creates its own whisper.cpp context; the model itself is not mutated and
// can be shared across concurrent calls.
func (w *WhisperBatch) Transcribe(ctx context.Context, segment []float32, boostWords []string) (*asrcore.TranscriptResult, error) {
	w.mu.Lock()
	model := w.model
	w.mu.Unlock()
	if model == nil {
		return nil, asrcore.ErrNilProvider
	}
	if len(segment) == 0 {
		return nil, asrcore.ErrEmptyResult
	}

	wctx, err := model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("%w: create context: %v", asrcore.ErrProviderTransient, err)
	}
	if err := wctx.SetLanguage(w.language); err != nil {
		return nil, fmt.Errorf("%w: set language: %v", asrcore.ErrProviderTransient, err)
	}
	if len(boostWords) > 0 {
		wctx.SetInitialPrompt(strings.Join(boostWords, ", "))
	}

	if err := wctx.Process(segment, nil, nil, nil); err != nil {
		if ctx.Err() != nil {
			return nil, asrcore.ErrTimeout
		}
		return nil, fmt.Errorf("%w: process audio: %v", asrcore.ErrProviderTransient, err)
	}

	var (
		textParts []string
		words     []asrcore.WordSegment
	)
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read segment: %v", asrcore.ErrSchemaViolation, err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		textParts = append(textParts, text)
		for _, tok := range seg.Tokens {
			w := strings.TrimSpace(tok.Text)
			if w == "" {
				continue
			}
			words = append(words, asrcore.WordSegment{
				Word:       w,
				StartS:     tok.Start.Seconds(),
				EndS:       tok.End.Seconds(),
				Confidence: float64(tok.P),
			})
		}
	}

	if len(textParts) == 0 {
		return nil, asrcore.ErrEmptyResult
	}

	result := &asrcore.TranscriptResult{
		Text:    strings.Join(textParts, " "),
		Words:   words,
		IsFinal: true,
	}
	result.Normalize()
	if !result.Valid() {
		return nil, asrcore.ErrSchemaViolation
	}
	return result, nil
}
