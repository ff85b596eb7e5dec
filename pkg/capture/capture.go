// Package capture implements the Audio Source (C1): it opens the
// system default input device via malgo, converts captured PCM to
// normalized float32 frames, and hands them to a downstream consumer over a
// bounded queue while honoring the TTS echo-suppression contract and
// emitting barge-in signals.
package capture

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/dawrv/asr-core/internal/metrics"
	"github.com/dawrv/asr-core/pkg/asrcore"
	"github.com/dawrv/asr-core/pkg/ttsflag"
)

// Config tunes device selection and the echo/barge-in guards.
type Config struct {
	SampleRate          int
	FrameDuration       time.Duration // 64ms
	QueueCapacity       int
	PostSpeechMute      time.Duration // quiescent window after the flag clears
	BargeInRMSThreshold float64
	BargeInMinInterval  time.Duration
	PreferredNames      []string // substrings preferred in priority order
	ForbiddenNames       []string // substrings that exclude a device (e.g. DAW bridge names)
}

// DefaultConfig returns the default device-selection and echo/barge-in tunables.
func DefaultConfig() Config {
	return Config{
		SampleRate:          16000,
		FrameDuration:        64 * time.Millisecond,
		QueueCapacity:        64,
		PostSpeechMute:       1200 * time.Millisecond,
		BargeInRMSThreshold:  400.0 / 32768.0,
		BargeInMinInterval:   50 * time.Millisecond,
		PreferredNames:       []string{"external", "usb", "headset", "built-in", "internal"},
		ForbiddenNames:       []string{"daw bridge", "loopback", "monitor of"},
	}
}

// Source is the C1 Audio Source.
type Source struct {
	cfg      Config
	speaking ttsflag.SpeakingState
	bargeIn  *ttsflag.BargeInWriter
	logger   asrcore.Logger
	onFatal  func(error)

	fatalOnce sync.Once

	frames chan asrcore.Frame
	frameSamples int

	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device

	mu          sync.Mutex
	started     bool
	quietUntil  time.Time
	wasSpeaking bool

	dropped atomic.Uint64
}

// New constructs a Source. onFatal is invoked (at most once) when the device
// disappears mid-session; it may be nil.
func New(cfg Config, speaking ttsflag.SpeakingState, bargeInPath string, logger asrcore.Logger, onFatal func(error)) *Source {
	if logger == nil {
		logger = asrcore.NoOpLogger{}
	}
	frameSamples := int(float64(cfg.SampleRate) * cfg.FrameDuration.Seconds())
	if frameSamples <= 0 {
		frameSamples = 1024
	}
	return &Source{
		cfg:          cfg,
		speaking:     speaking,
		bargeIn:      ttsflag.NewBargeInWriter(bargeInPath),
		logger:       logger,
		onFatal:      onFatal,
		frames:       make(chan asrcore.Frame, cfg.QueueCapacity),
		frameSamples: frameSamples,
	}
}

// Frames returns the channel downstream consumers read captured frames from.
func (s *Source) Frames() <-chan asrcore.Frame { return s.frames }

// DroppedFrames returns the number of frames dropped due to queue overflow.
func (s *Source) DroppedFrames() uint64 { return s.dropped.Load() }

// Start opens the selected input device and begins delivering frames.
// Idempotent.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("capture: init audio context: %w", err)
	}

	devices, err := mctx.Devices(malgo.Capture)
	if err != nil {
		mctx.Uninit()
		return fmt.Errorf("capture: enumerate devices: %w", err)
	}
	candidates := make([]deviceCandidate, len(devices))
	for i, d := range devices {
		candidates[i] = deviceCandidate{name: d.Name(), isDefault: d.IsDefault != 0, id: devices[i].ID}
	}
	chosen, err := selectDevice(candidates, s.cfg.PreferredNames, s.cfg.ForbiddenNames)
	if err != nil {
		mctx.Uninit()
		return err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(s.cfg.SampleRate)
	deviceConfig.Capture.DeviceID = chosen.id.Pointer()

	pcmBuf := make([]byte, 0, s.frameSamples*2)
	onSamples := func(_, input []byte, _ uint32) {
		s.onPCM(input, &pcmBuf)
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onSamples,
	})
	if err != nil {
		mctx.Uninit()
		return fmt.Errorf("capture: init device %q: %w", chosen.name, err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		return fmt.Errorf("capture: start device: %w", err)
	}

	s.malgoCtx = mctx
	s.device = device
	s.started = true
	s.logger.Info("capture started", "device", chosen.name, "sampleRate", s.cfg.SampleRate)
	return nil
}

// Stop drains in-flight frames and releases the device. Idempotent and safe
// to call from any goroutine.
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.malgoCtx != nil {
		s.malgoCtx.Uninit()
		s.malgoCtx = nil
	}
	s.started = false
	s.logger.Info("capture stopped")
}

// onPCM converts raw 16-bit little-endian PCM to float32 frames of
// frameSamples length, applies echo-suppression gating, computes barge-in
// RMS, and delivers complete frames non-blockingly.
func (s *Source) onPCM(input []byte, pcmBuf *[]byte) {
	*pcmBuf = append(*pcmBuf, input...)

	frameBytes := s.frameSamples * 2
	for len(*pcmBuf) >= frameBytes {
		chunk := (*pcmBuf)[:frameBytes]
		*pcmBuf = (*pcmBuf)[frameBytes:]

		samples := pcm16ToFloat32(chunk)
		now := time.Now()

		rmsVal := rms(samples)
		s.maybeSignalBargeIn(rmsVal, now)

		if s.isMuted(now) {
			continue
		}

		frame := asrcore.Frame{Samples: samples, CapturedAt: now}
		select {
		case s.frames <- frame:
		default:
			s.dropped.Add(1)
			metrics.FramesDropped.Inc()
			s.logger.Warn("capture: frame dropped, queue full")
		}
	}
}

// isMuted reports whether frames should be withheld from downstream
// consumers per the echo-suppression contract: while TTS speaks, and for a
// quiescent window after it stops.
func (s *Source) isMuted(now time.Time) bool {
	speaking := s.speaking != nil && s.speaking.Speaking()

	s.mu.Lock()
	defer s.mu.Unlock()

	if speaking {
		s.wasSpeaking = true
		s.quietUntil = now.Add(s.cfg.PostSpeechMute)
		return true
	}
	if s.wasSpeaking {
		if now.Before(s.quietUntil) {
			return true
		}
		s.wasSpeaking = false
	}
	return false
}

// maybeSignalBargeIn writes a barge-in signal when energy exceeds the
// configured threshold. This is independent of the speaking-flag gate: it
// fires even while frames are being suppressed from reaching the recognizer,
// so the TTS layer can cancel mid-utterance.
func (s *Source) maybeSignalBargeIn(rmsVal float64, now time.Time) {
	if rmsVal <= s.cfg.BargeInRMSThreshold {
		return
	}
	wrote, err := s.bargeIn.Write(rmsVal, now)
	if err != nil {
		s.logger.Warn("capture: failed to write barge-in signal", "error", err)
		return
	}
	if wrote {
		metrics.BargeIns.Inc()
		s.logger.Debug("capture: barge-in signalled", "rms", rmsVal)
	}
}

// Fatal reports a device-disappearance error to the owning session. Exposed
// so the caller's device-lost detection path (polled or callback-driven,
// depending on the malgo backend) can surface it
func (s *Source) Fatal(err error) {
	if s.onFatal != nil {
		s.fatalOnce.Do(func() {
			s.onFatal(fmt.Errorf("%w: %v", asrcoreDeviceUnavailable, err))
		})
	}
}

var asrcoreDeviceUnavailable = fmt.Errorf("capture: device unavailable")

// deviceCandidate is a malgo-agnostic view of an enumerated input device,
// built only from malgo.DeviceInfo's exported accessors so selection logic
// stays independent of and testable without the underlying binding.
type deviceCandidate struct {
	name      string
	isDefault bool
	id        malgo.DeviceID
}

// selectDevice applies the priority documented: external mic →
// built-in mic → system default → index 0, excluding any device whose name
// matches a forbidden substring.
func selectDevice(devices []deviceCandidate, preferred, forbidden []string) (deviceCandidate, error) {
	var candidates []deviceCandidate
	for _, d := range devices {
		name := strings.ToLower(d.name)
		excluded := false
		for _, f := range forbidden {
			if strings.Contains(name, strings.ToLower(f)) {
				excluded = true
				break
			}
		}
		if !excluded {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return deviceCandidate{}, fmt.Errorf("capture: no eligible input device found")
	}

	for _, pref := range preferred {
		p := strings.ToLower(pref)
		for _, d := range candidates {
			if strings.Contains(strings.ToLower(d.name), p) {
				return d, nil
			}
		}
	}

	for _, d := range candidates {
		if d.isDefault {
			return d, nil
		}
	}

	return candidates[0], nil
}

func pcm16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
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
