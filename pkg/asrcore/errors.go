package asrcore

import "errors"

// These are sentinel error values, not a typed hierarchy: callers match
// with errors.Is.
var (
	// ErrDeviceUnavailable is fatal: the capture device disappeared.
	ErrDeviceUnavailable = errors.New("audio device unavailable")

	// ErrProviderAuthFailed is fatal: the STT/TTS provider rejected credentials.
	ErrProviderAuthFailed = errors.New("provider authentication failed")

	// ErrProviderTransient covers network failures, schema mismatches, and
	// rate limiting — attempted up to 3 times before the streaming engine
	// falls back to an empty transcript.
	ErrProviderTransient = errors.New("provider transient failure")

	// ErrEmptyResult is returned by a provider that produced no text.
	ErrEmptyResult = errors.New("provider returned empty result")

	// ErrSchemaViolation marks a provider response that didn't match the
	// expected wire shape; the result is dropped and an error counter bumped.
	ErrSchemaViolation = errors.New("provider response schema violation")

	// ErrRateLimited marks a retryable rate-limit response.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrTimeout marks an abandoned per-utterance provider call.
	ErrTimeout = errors.New("provider call timed out")

	// ErrNilProvider guards against constructing a component without a
	// required collaborator.
	ErrNilProvider = errors.New("required provider is nil")

	// ErrNoPendingCommand is returned by Router.Confirm when there is nothing
	// pending. Router.Cancel on an empty slot is a silent no-op.
	ErrNoPendingCommand = errors.New("no pending command")

	// ErrCalibrationAborted marks a cancelled enrollment; no profile is
	// written.
	ErrCalibrationAborted = errors.New("calibration aborted")
)
