package streaming

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dawrv/asr-core/pkg/asrcore"
	"github.com/dawrv/asr-core/pkg/vad"
)

// fakeProvider is a pull-mode (batch-like) provider: nil channels, and a
// scripted sequence of Transcribe results. Once the script runs out, the last
// scripted result repeats, so the engine's partial calls on speech frames do
// not consume the result meant for the final.
type fakeProvider struct {
	results []*asrcore.TranscriptResult
	errs    []error
	calls   int
}

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) Feed(asrcore.Frame) error { return nil }
func (f *fakeProvider) Finals() <-chan *asrcore.TranscriptResult { return nil }
func (f *fakeProvider) Partials() <-chan *asrcore.PartialTranscript { return nil }
func (f *fakeProvider) Close() error { return nil }

func (f *fakeProvider) Transcribe(_ context.Context, segment []float32, _ []string) (*asrcore.TranscriptResult, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if len(f.results) > 0 {
		if i >= len(f.results) {
			i = len(f.results) - 1
		}
		r := *f.results[i]
		return &r, nil
	}
	return &asrcore.TranscriptResult{Text: "fallback"}, nil
}

// fakeStreamingProvider is a push-mode provider shaped like the
// streaming-local variant: non-nil Partials/Finals channels, but a final
// only ever reaches Finals() through an explicit Transcribe call on VAD
// offset, the way WhisperStreaming works.
type fakeStreamingProvider struct {
	partials chan *asrcore.PartialTranscript
	finals   chan *asrcore.TranscriptResult

	transcribeResult asrcore.TranscriptResult
	transcribeCalls  int
}

func newFakeStreamingProvider() *fakeStreamingProvider {
	return &fakeStreamingProvider{
		partials: make(chan *asrcore.PartialTranscript, 8),
		finals:   make(chan *asrcore.TranscriptResult, 8),
	}
}

func (f *fakeStreamingProvider) Name() string                                { return "fake-streaming-local" }
func (f *fakeStreamingProvider) Feed(asrcore.Frame) error                    { return nil }
func (f *fakeStreamingProvider) Partials() <-chan *asrcore.PartialTranscript { return f.partials }
func (f *fakeStreamingProvider) Finals() <-chan *asrcore.TranscriptResult    { return f.finals }
func (f *fakeStreamingProvider) Close() error                                { return nil }

func (f *fakeStreamingProvider) Transcribe(_ context.Context, _ []float32, _ []string) (*asrcore.TranscriptResult, error) {
	f.transcribeCalls++
	r := f.transcribeResult
	return &r, nil
}

// fakeAutonomousStreamingProvider is shaped like the streaming-remote
// variant: it satisfies autonomousFinalsProvider, so the engine must never
// invoke Transcribe on VAD offset and must instead forward whatever arrives
// on its own Finals() channel.
type fakeAutonomousStreamingProvider struct {
	partials chan *asrcore.PartialTranscript
	finals   chan *asrcore.TranscriptResult

	transcribeCalls int
}

func newFakeAutonomousStreamingProvider() *fakeAutonomousStreamingProvider {
	return &fakeAutonomousStreamingProvider{
		partials: make(chan *asrcore.PartialTranscript, 8),
		finals:   make(chan *asrcore.TranscriptResult, 8),
	}
}

func (f *fakeAutonomousStreamingProvider) Name() string                                { return "fake-streaming-remote" }
func (f *fakeAutonomousStreamingProvider) Feed(asrcore.Frame) error                    { return nil }
func (f *fakeAutonomousStreamingProvider) Partials() <-chan *asrcore.PartialTranscript { return f.partials }
func (f *fakeAutonomousStreamingProvider) Finals() <-chan *asrcore.TranscriptResult    { return f.finals }
func (f *fakeAutonomousStreamingProvider) Close() error                                { return nil }
func (f *fakeAutonomousStreamingProvider) autonomousFinals()                           {}

func (f *fakeAutonomousStreamingProvider) Transcribe(context.Context, []float32, []string) (*asrcore.TranscriptResult, error) {
	f.transcribeCalls++
	return nil, errors.New("fake: synchronous transcribe unsupported for an autonomous-finals provider")
}

func feedSegment(frames chan asrcore.Frame, vc vad.Config, now time.Time) {
	n := int(vc.MinSpeechDuration/vc.FrameDuration) + 2
	for i := 0; i < n; i++ {
		frames <- asrcore.Frame{Samples: loudFrame(480), CapturedAt: now.Add(time.Duration(i) * vc.FrameDuration)}
	}
	silenceFrames := int(vc.MaxSilenceDuration/vc.FrameDuration) + 2
	for i := 0; i < silenceFrames; i++ {
		frames <- asrcore.Frame{Samples: silentFrame(480), CapturedAt: now.Add(time.Duration(n+i) * vc.FrameDuration)}
	}
}

func TestStreamingLocalProviderGetsFinalViaTranscribeOnVADOffset(t *testing.T) {
	provider := newFakeStreamingProvider()
	provider.transcribeResult = asrcore.TranscriptResult{Text: "mute the drums", Confidence: 0.9}
	frames := make(chan asrcore.Frame, 256)

	cfg := DefaultConfig()
	cfg.SecondPassEnabled = false
	detector := vad.New(vad.DefaultConfig(), nil, nil)
	e := New(cfg, 16000, frames, detector, provider, nil, nil, nil)
	e.Start()
	defer e.Stop()

	feedSegment(frames, vad.DefaultConfig(), time.Now())

	select {
	case result := <-e.Finals():
		if result.Text != "mute the drums" {
			t.Fatalf("unexpected text %q", result.Text)
		}
		if !result.IsFinal {
			t.Fatal("expected IsFinal true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a final transcript from a streaming-capable provider")
	}

	if provider.transcribeCalls == 0 {
		t.Fatal("expected VAD offset to invoke Transcribe for a non-autonomous streaming provider")
	}
}

func TestAutonomousFinalsProviderBypassesTranscribe(t *testing.T) {
	provider := newFakeAutonomousStreamingProvider()
	frames := make(chan asrcore.Frame, 256)

	cfg := DefaultConfig()
	cfg.SecondPassEnabled = false
	detector := vad.New(vad.DefaultConfig(), nil, nil)
	e := New(cfg, 16000, frames, detector, provider, nil, nil, nil)
	e.Start()
	defer e.Stop()

	feedSegment(frames, vad.DefaultConfig(), time.Now())

	// Give the VAD offset a moment to (incorrectly) call Transcribe if the
	// engine were to route this provider through the pull-mode path.
	time.Sleep(50 * time.Millisecond)

	provider.finals <- &asrcore.TranscriptResult{Text: "solo track one", Confidence: 0.92}

	select {
	case result := <-e.Finals():
		if result.Text != "solo track one" {
			t.Fatalf("unexpected text %q", result.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a final forwarded from the provider's own Finals() channel")
	}

	if provider.transcribeCalls != 0 {
		t.Fatalf("expected VAD offset to never call Transcribe on an autonomous-finals provider, got %d calls", provider.transcribeCalls)
	}
}

func loudFrame(n int) []float32 {
	f := make([]float32, n)
	for i := range f {
		f[i] = 0.5
	}
	return f
}

func silentFrame(n int) []float32 { return make([]float32, n) }

func TestFinalGetsModeAndNoiseLevelAttached(t *testing.T) {
	provider := &fakeProvider{results: []*asrcore.TranscriptResult{{Text: "solo track 1", Confidence: 0.95}}}
	frames := make(chan asrcore.Frame, 256)

	cfg := DefaultConfig()
	cfg.SecondPassEnabled = false
	detector := vad.New(vad.DefaultConfig(), nil, nil)
	e := New(cfg, 16000, frames, detector, provider, nil, nil, nil)
	e.Start()
	defer e.Stop()

	vc := vad.DefaultConfig()
	n := int(vc.MinSpeechDuration/vc.FrameDuration) + 2
	now := time.Now()
	for i := 0; i < n; i++ {
		frames <- asrcore.Frame{Samples: loudFrame(480), CapturedAt: now.Add(time.Duration(i) * vc.FrameDuration)}
	}
	silenceFrames := int(vc.MaxSilenceDuration/vc.FrameDuration) + 2
	for i := 0; i < silenceFrames; i++ {
		frames <- asrcore.Frame{Samples: silentFrame(480), CapturedAt: now.Add(time.Duration(n+i) * vc.FrameDuration)}
	}

	select {
	case result := <-e.Finals():
		if result.Text != "solo track 1" {
			t.Fatalf("unexpected text %q", result.Text)
		}
		if result.Mode != asrcore.ModeCommand {
			t.Fatalf("expected command mode, got %q", result.Mode)
		}
		// 10 frames at 0.5 plus 40 silent frames: RMS ~0.22, above the 0.05 high bound.
		if result.NoiseLevel != asrcore.NoiseHigh {
			t.Fatalf("expected high noise level, got %q", result.NoiseLevel)
		}
		if !result.IsFinal {
			t.Fatal("expected IsFinal true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a final transcript")
	}
}

func TestModeSwitchPhraseFlipsModeWithoutRouting(t *testing.T) {
	provider := &fakeProvider{results: []*asrcore.TranscriptResult{{Text: "switch to dictation mode", Confidence: 0.9}}}
	frames := make(chan asrcore.Frame, 256)

	cfg := DefaultConfig()
	cfg.SecondPassEnabled = false
	detector := vad.New(vad.DefaultConfig(), nil, nil)
	e := New(cfg, 16000, frames, detector, provider, nil, nil, nil)
	e.Start()
	defer e.Stop()

	vc := vad.DefaultConfig()
	n := int(vc.MinSpeechDuration/vc.FrameDuration) + 2
	now := time.Now()
	for i := 0; i < n; i++ {
		frames <- asrcore.Frame{Samples: loudFrame(480), CapturedAt: now.Add(time.Duration(i) * vc.FrameDuration)}
	}
	silenceFrames := int(vc.MaxSilenceDuration/vc.FrameDuration) + 2
	for i := 0; i < silenceFrames; i++ {
		frames <- asrcore.Frame{Samples: silentFrame(480), CapturedAt: now.Add(time.Duration(n+i) * vc.FrameDuration)}
	}

	select {
	case result := <-e.Finals():
		if result.Text != "switch to dictation mode" {
			t.Fatalf("unexpected text %q", result.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a final transcript")
	}

	if e.Mode() != asrcore.ModeDictation {
		t.Fatalf("expected engine to flip to dictation mode, got %q", e.Mode())
	}
}

func TestRecentAudioReflectsWrittenFrames(t *testing.T) {
	frames := make(chan asrcore.Frame, 16)
	detector := vad.New(vad.DefaultConfig(), nil, nil)
	e := New(DefaultConfig(), 16000, frames, detector, &fakeProvider{}, nil, nil, nil)
	e.Start()
	defer e.Stop()

	now := time.Now()
	for i := 0; i < 5; i++ {
		frames <- asrcore.Frame{Samples: loudFrame(480), CapturedAt: now.Add(time.Duration(i) * 30 * time.Millisecond)}
	}

	deadline := time.Now().Add(time.Second)
	for len(e.RecentAudio(1)) < 2400 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := len(e.RecentAudio(1)); got != 2400 {
		t.Fatalf("expected RecentAudio(1) to report the 5 frames written so far (2400 samples), got %d", got)
	}
}

func TestAvgLatencyMsStartsAtZero(t *testing.T) {
	frames := make(chan asrcore.Frame)
	detector := vad.New(vad.DefaultConfig(), nil, nil)
	e := New(DefaultConfig(), 16000, frames, detector, &fakeProvider{}, nil, nil, nil)
	if got := e.AvgLatencyMs(); got != 0 {
		t.Fatalf("expected 0 before any finals, got %v", got)
	}
}
