// Package streaming implements the Streaming Engine (C5): it
// pulls frames from the Audio Source, runs them through the VAD, drives the
// Provider Abstraction for partial and final transcripts, applies alias
// resolution and mode-switch detection, and attaches the noise-level,
// profile, and timestamp metadata the router and session layer depend on.
package streaming

import (
	"context"
	"errors"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dawrv/asr-core/internal/metrics"
	"github.com/dawrv/asr-core/pkg/asrcore"
	"github.com/dawrv/asr-core/pkg/ringbuffer"
	"github.com/dawrv/asr-core/pkg/sttprovider"
	"github.com/dawrv/asr-core/pkg/vad"
	"github.com/dawrv/asr-core/pkg/vocab"
)

// audioHistorySeconds bounds the C3 ring buffer's capacity to a typical
// 30s window at 16kHz.
const audioHistorySeconds = 30

// Config tunes the partial-emission throttle and second-pass rescoring.
type Config struct {
	PartialEvery time.Duration

	SecondPassEnabled        bool
	SecondPassMaxConfidence  float64       // rerun when final confidence <= this
	SecondPassMaxAudio       time.Duration // rerun only for segments this short or shorter
	SecondPassMinImprovement float64       // replace only if new confidence is at least this much higher
}

// DefaultConfig returns the default partial-emission and second-pass rescoring tunables.
func DefaultConfig() Config {
	return Config{
		PartialEvery:             200 * time.Millisecond,
		SecondPassEnabled:        true,
		SecondPassMaxConfidence:  0.80,
		SecondPassMaxAudio:       6 * time.Second,
		SecondPassMinImprovement: 0.08,
	}
}

// secondPassTrigger matches transcripts likely to contain a number or
// timeline term worth rescoring: digits, or the words bar, measure, track.
var secondPassTrigger = regexp.MustCompile(`(?i)\d|\bbar\b|\bmeasure\b|\btrack\b`)

// Engine is the C5 Streaming Engine.
type Engine struct {
	cfg        Config
	sampleRate int

	frames     <-chan asrcore.Frame
	detector   *vad.Detector
	provider   sttprovider.Provider
	secondPass sttprovider.Provider // optional larger local model for rescoring
	vocabulary *vocab.Vocabulary
	audio      *ringbuffer.RingBuffer // C3: last audioHistorySeconds of raw samples

	logger asrcore.Logger

	mu          sync.RWMutex
	mode        asrcore.Mode
	profileName string

	partials chan *asrcore.PartialTranscript
	finals   chan *asrcore.TranscriptResult

	latMu      sync.Mutex
	latencies  []float64 // rolling window, most recent last, capped at 100
	lastPartialBuf  []float32
	lastPartialSent time.Time
	lastPartialText string
	pendingSegment  *vad.Segment // most recent completed VAD segment, for push-mode finals

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds an Engine. provider must be non-nil; secondPass may be nil to
// disable rescoring regardless of cfg.SecondPassEnabled.
func New(cfg Config, sampleRate int, frames <-chan asrcore.Frame, detector *vad.Detector, provider sttprovider.Provider, secondPass sttprovider.Provider, vocabulary *vocab.Vocabulary, logger asrcore.Logger) *Engine {
	if logger == nil {
		logger = asrcore.NoOpLogger{}
	}
	return &Engine{
		cfg:         cfg,
		sampleRate:  sampleRate,
		frames:      frames,
		detector:    detector,
		provider:    provider,
		secondPass:  secondPass,
		vocabulary:  vocabulary,
		audio:       ringbuffer.New(audioHistorySeconds * sampleRate),
		logger:      logger,
		mode:        asrcore.ModeCommand,
		partials:    make(chan *asrcore.PartialTranscript, 32),
		finals:      make(chan *asrcore.TranscriptResult, 32),
	}
}

// RecentAudio returns the last min(seconds, 30) seconds of raw captured
// samples, for late consumers such as a post-hoc diagnostic dump. It never
// blocks the capture/recognition path.
func (e *Engine) RecentAudio(seconds float64) []float32 {
	if seconds <= 0 {
		return nil
	}
	return e.audio.Recent(int(seconds * float64(e.sampleRate)))
}

// Partials returns the channel of alias/mode-annotation-free interim
// transcripts (partials are never routed, so they need no alias pass).
func (e *Engine) Partials() <-chan *asrcore.PartialTranscript { return e.partials }

// Finals returns the channel of fully annotated final transcripts, ready
// for the router.
func (e *Engine) Finals() <-chan *asrcore.TranscriptResult { return e.finals }

// SetProfileName records the active calibration profile name attached to
// every emitted transcript.
func (e *Engine) SetProfileName(name string) {
	e.mu.Lock()
	e.profileName = name
	e.mu.Unlock()
}

// SetMode forces the session mode (used by external mode-toggle commands,
// distinct from in-utterance mode-switch phrase detection).
func (e *Engine) SetMode(mode asrcore.Mode) {
	e.mu.Lock()
	e.mode = mode
	e.mu.Unlock()
}

// Mode returns the current session mode.
func (e *Engine) Mode() asrcore.Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// AvgLatencyMs returns the rolling average of the last (up to 100)
// end-of-speech-to-final-emit latencies, in milliseconds.
func (e *Engine) AvgLatencyMs() float64 {
	e.latMu.Lock()
	defer e.latMu.Unlock()
	if len(e.latencies) == 0 {
		return 0
	}
	var sum float64
	for _, v := range e.latencies {
		sum += v
	}
	return sum / float64(len(e.latencies))
}

// Start launches the pull loop. Idempotent.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.ctx, e.cancel = context.WithCancel(context.Background())
		e.wg.Add(1)
		go e.run()

		if streamer, ok := e.provider.(streamingProvider); ok {
			e.wg.Add(1)
			go e.forwardPartials(streamer)

			if _, ok := e.provider.(autonomousFinalsProvider); ok {
				e.wg.Add(1)
				go e.forwardFinals(streamer)
			}
		}
	})
}

// Stop halts the pull loop and releases provider resources. Idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		close(e.partials)
		close(e.finals)
	})
}

// streamingProvider is satisfied by push-capable variants (streaming local,
// streaming remote) that deliver partial transcripts over a channel instead
// of via a synchronous Transcribe call.
type streamingProvider interface {
	Partials() <-chan *asrcore.PartialTranscript
	Finals() <-chan *asrcore.TranscriptResult
}

// autonomousFinalsProvider is satisfied by streaming providers whose
// Finals() channel is populated by their own background goroutine (a
// websocket read loop, for the remote streaming backend) rather than by the
// engine invoking Transcribe on VAD offset. The streaming-local provider
// pushes partials the same way but still relies on an explicit Transcribe
// call to produce a final, so it does not satisfy this.
type autonomousFinalsProvider interface {
	streamingProvider
	autonomousFinals()
}

func (e *Engine) isStreamingCapable() bool {
	s, ok := e.provider.(streamingProvider)
	return ok && s.Partials() != nil && s.Finals() != nil
}

func (e *Engine) hasAutonomousFinals() bool {
	_, ok := e.provider.(autonomousFinalsProvider)
	return ok
}

// run is the frame pull loop: it feeds each frame to
// the VAD and the provider, maintains the in-flight buffer, and drives
// throttled partial emission plus final dispatch on VAD offset for every
// provider except one whose finals arrive autonomously over its own
// channel.
func (e *Engine) run() {
	defer e.wg.Done()
	streamingCapable := e.isStreamingCapable()
	autonomousFinals := e.hasAutonomousFinals()

	for {
		select {
		case <-e.ctx.Done():
			return
		case frame, ok := <-e.frames:
			if !ok {
				return
			}
			if err := e.provider.Feed(frame); err != nil {
				e.logger.Warn("streaming: provider feed failed", "error", err)
			}
			e.audio.Write(frame.Samples)

			segment, isSpeech := e.detector.Process(frame)
			if isSpeech {
				e.latMu.Lock()
				e.lastPartialBuf = append(e.lastPartialBuf, frame.Samples...)
				e.latMu.Unlock()
				if !streamingCapable {
					e.maybeEmitPartial()
				}
			}

			if segment != nil {
				e.latMu.Lock()
				e.lastPartialBuf = nil
				e.latMu.Unlock()
				if autonomousFinals {
					e.noteSegmentForNoiseLevel(segment)
				} else {
					e.handleFinalSegment(segment)
				}
			}
		}
	}
}

// noteSegmentForNoiseLevel records the most recently completed VAD segment
// so push-mode providers (whose finals arrive detached from any segment
// pointer) still get a noise_level and second-pass source.
func (e *Engine) noteSegmentForNoiseLevel(segment *vad.Segment) {
	e.latMu.Lock()
	e.pendingSegment = segment
	e.latMu.Unlock()
}

// maybeEmitPartial calls the provider synchronously on a snapshot of the
// in-flight buffer, deduplicated and throttled to no faster than
// cfg.PartialEvery.
func (e *Engine) maybeEmitPartial() {
	e.latMu.Lock()
	due := time.Since(e.lastPartialSent) >= e.cfg.PartialEvery
	var snapshot []float32
	if due && len(e.lastPartialBuf) > 0 {
		snapshot = make([]float32, len(e.lastPartialBuf))
		copy(snapshot, e.lastPartialBuf)
	}
	e.latMu.Unlock()
	if !due || snapshot == nil {
		return
	}

	result, err := e.provider.Transcribe(e.ctx, snapshot, e.boostWords())
	if err != nil || result.Text == "" {
		return
	}

	e.latMu.Lock()
	dup := result.Text == e.lastPartialText
	if !dup {
		e.lastPartialText = result.Text
		e.lastPartialSent = time.Now()
	}
	e.latMu.Unlock()
	if dup {
		return
	}

	select {
	case e.partials <- &asrcore.PartialTranscript{Text: result.Text, Confidence: result.Confidence, Timestamp: time.Now()}:
	case <-e.ctx.Done():
	default:
	}
}

func (e *Engine) boostWords() []string {
	if e.vocabulary == nil {
		return nil
	}
	return e.vocabulary.BoostWords()
}

// handleFinalSegment runs the pull-mode final path for a completed VAD
// segment.
func (e *Engine) handleFinalSegment(segment *vad.Segment) {
	start := time.Now()
	policy := sttprovider.DefaultRetryPolicy()
	result, err := sttprovider.TranscribeWithRetry(e.ctx, policy, e.provider, segment.Samples, e.boostWords())
	if err != nil {
		metrics.ProviderErrors.WithLabelValues(classifyProviderError(err)).Inc()
		e.logger.Warn("streaming: final transcription failed", "error", err)
		if errors.Is(err, asrcore.ErrProviderAuthFailed) || e.ctx.Err() != nil {
			return
		}
		// Retries exhausted: report the utterance as an empty,
		// zero-confidence final instead of dropping it.
		result = &asrcore.TranscriptResult{}
	}
	e.finishFinal(result, segment.Samples, start)
}

// finishFinal applies the shared post-processing steps regardless of
// whether the final text came from a pull-mode Transcribe call or a
// push-mode provider's Finals() channel: optional second-pass rescoring,
// mode-switch detection, alias resolution, noise level, metadata, and
// latency bookkeeping.
func (e *Engine) finishFinal(result *asrcore.TranscriptResult, segmentSamples []float32, start time.Time) {
	if result.Provider == "" {
		result.Provider = e.provider.Name()
	}
	result = e.maybeSecondPass(result, segmentSamples)

	text := result.Text
	if mode, ok := vocab.DetectModeSwitch(text); ok {
		e.SetMode(mode)
	} else if e.vocabulary != nil {
		text = e.vocabulary.Resolve(text, e.Mode())
	}
	result.Text = text

	result.NoiseLevel = asrcore.ClassifyNoise(rms(segmentSamples))
	result.Mode = e.Mode()
	e.mu.RLock()
	result.ProfileName = e.profileName
	e.mu.RUnlock()
	result.Timestamp = time.Now()
	result.IsFinal = true

	e.recordLatency(time.Since(start))

	select {
	case e.finals <- result:
	case <-e.ctx.Done():
	}
}

// maybeSecondPass implements the optional rescoring pass:
// best-effort, never more than one extra provider call per utterance.
func (e *Engine) maybeSecondPass(result *asrcore.TranscriptResult, segmentSamples []float32) *asrcore.TranscriptResult {
	if !e.cfg.SecondPassEnabled || e.secondPass == nil {
		return result
	}
	if result.Confidence > e.cfg.SecondPassMaxConfidence {
		return result
	}
	audioDur := time.Duration(float64(len(segmentSamples))/float64(e.sampleRate)*1000) * time.Millisecond
	if e.sampleRate > 0 && audioDur > e.cfg.SecondPassMaxAudio {
		return result
	}
	if !secondPassTrigger.MatchString(result.Text) {
		return result
	}

	rescored, err := e.secondPass.Transcribe(e.ctx, segmentSamples, e.boostWords())
	if err != nil {
		e.logger.Debug("streaming: second pass failed", "error", err)
		return result
	}
	if rescored.Confidence >= result.Confidence+e.cfg.SecondPassMinImprovement {
		metrics.SecondPassUpgrades.Inc()
		rescored.Provider = e.secondPass.Name()
		return rescored
	}
	return result
}

func (e *Engine) recordLatency(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	metrics.FinalLatency.Observe(ms)

	e.latMu.Lock()
	e.latencies = append(e.latencies, ms)
	if len(e.latencies) > 100 {
		e.latencies = e.latencies[len(e.latencies)-100:]
	}
	var sum float64
	for _, v := range e.latencies {
		sum += v
	}
	avg := sum / float64(len(e.latencies))
	e.latMu.Unlock()

	metrics.AvgLatencyMs.Set(avg)
}

// forwardPartials relays a push-mode provider's interim transcripts
// directly; partials are never alias-resolved or routed.
func (e *Engine) forwardPartials(s streamingProvider) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case p, ok := <-s.Partials():
			if !ok {
				return
			}
			select {
			case e.partials <- p:
			case <-e.ctx.Done():
				return
			}
		}
	}
}

// forwardFinals relays a push-mode provider's final transcripts through the
// same post-processing pipeline pull-mode finals go through.
func (e *Engine) forwardFinals(s streamingProvider) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case result, ok := <-s.Finals():
			if !ok {
				return
			}
			start := time.Now()
			e.latMu.Lock()
			segment := e.pendingSegment
			e.pendingSegment = nil
			e.latMu.Unlock()

			var samples []float32
			if segment != nil {
				samples = segment.Samples
			}
			e.finishFinal(result, samples, start)
		}
	}
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func classifyProviderError(err error) string {
	switch {
	case strings.Contains(err.Error(), "auth"):
		return "auth"
	case strings.Contains(err.Error(), "timed out"):
		return "timeout"
	case strings.Contains(err.Error(), "empty"):
		return "empty_result"
	case strings.Contains(err.Error(), "schema"):
		return "schema"
	default:
		return "transient"
	}
}
