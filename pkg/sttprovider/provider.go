// Package sttprovider defines the Provider Abstraction (C4): a
// uniform capability set implemented by three variants — batch local
// (whisper.cpp, one-shot per segment), streaming local (resident model
// reused across segments), and streaming remote (websocket).
package sttprovider

import (
	"context"

	"github.com/dawrv/asr-core/pkg/asrcore"
)

// Provider is the polymorphic capability set every STT backend implements.
type Provider interface {
	// Transcribe runs a complete utterance segment through the backend and
	// returns a final transcript result.
	Transcribe(ctx context.Context, segment []float32, boostWords []string) (*asrcore.TranscriptResult, error)

	// Feed forwards a single captured frame to backends that maintain a
	// live streaming session (streaming local/remote). Batch-only
	// providers may treat this as a no-op.
	Feed(frame asrcore.Frame) error

	// Finals returns the channel final streaming results arrive on for
	// streaming variants. Batch-only providers return nil.
	Finals() <-chan *asrcore.TranscriptResult

	// Partials returns the channel interim transcripts arrive on for
	// streaming variants. Batch-only providers return nil.
	Partials() <-chan *asrcore.PartialTranscript

	// Name identifies the provider for logging and metrics.
	Name() string

	// Close releases any held resources (model contexts, sockets).
	Close() error
}

// MaxAttempts bounds the retry policy shared by every provider (see
// RetryPolicy): auth failures are fatal, everything else gets up to
// MaxAttempts tries with bounded exponential backoff.
const MaxAttempts = 3
