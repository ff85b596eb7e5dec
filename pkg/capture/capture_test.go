package capture

import (
	"os"
	"testing"
	"time"

	"github.com/dawrv/asr-core/pkg/ttsflag"
)

func TestSelectDevicePrefersExternalOverBuiltIn(t *testing.T) {
	devices := []deviceCandidate{
		{name: "Built-in Microphone", isDefault: true},
		{name: "External USB Mic"},
	}
	chosen, err := selectDevice(devices, DefaultConfig().PreferredNames, DefaultConfig().ForbiddenNames)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chosen.name != "External USB Mic" {
		t.Fatalf("expected external mic to be preferred, got %q", chosen.name)
	}
}

func TestSelectDeviceExcludesForbiddenNames(t *testing.T) {
	devices := []deviceCandidate{
		{name: "DAW Bridge Loopback", isDefault: true},
		{name: "Built-in Microphone"},
	}
	chosen, err := selectDevice(devices, nil, []string{"daw bridge"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chosen.name != "Built-in Microphone" {
		t.Fatalf("expected forbidden device excluded, got %q", chosen.name)
	}
}

func TestSelectDeviceFallsBackToDefaultThenIndexZero(t *testing.T) {
	devices := []deviceCandidate{
		{name: "Line In"},
		{name: "Webcam Mic", isDefault: true},
	}
	chosen, err := selectDevice(devices, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chosen.name != "Webcam Mic" {
		t.Fatalf("expected default device, got %q", chosen.name)
	}

	chosen, err = selectDevice([]deviceCandidate{{name: "Line In"}, {name: "Webcam Mic"}}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chosen.name != "Line In" {
		t.Fatalf("expected index 0 when no device is default, got %q", chosen.name)
	}
}

func TestSelectDeviceErrorsWhenAllForbidden(t *testing.T) {
	devices := []deviceCandidate{{name: "Loopback"}, {name: "Monitor of Speakers"}}
	_, err := selectDevice(devices, nil, []string{"loopback", "monitor of"})
	if err == nil {
		t.Fatal("expected error when every device is forbidden")
	}
}

func TestIsMutedDuringAndAfterSpeakingWindow(t *testing.T) {
	speaking := &ttsflag.ProgrammableSpeakingState{}
	cfg := DefaultConfig()
	cfg.PostSpeechMute = 100 * time.Millisecond
	s := New(cfg, speaking, t.TempDir()+"/bargein.json", nil, nil)

	now := time.Now()
	speaking.Set(true)
	if !s.isMuted(now) {
		t.Fatal("expected muted while TTS speaking")
	}

	speaking.Set(false)
	if !s.isMuted(now.Add(10 * time.Millisecond)) {
		t.Fatal("expected muted during quiescent window after TTS stops")
	}
	if s.isMuted(now.Add(200 * time.Millisecond)) {
		t.Fatal("expected unmuted after quiescent window elapses")
	}
}

func TestIsMutedFalseWhenNeverSpeaking(t *testing.T) {
	speaking := &ttsflag.ProgrammableSpeakingState{}
	s := New(DefaultConfig(), speaking, t.TempDir()+"/bargein.json", nil, nil)
	if s.isMuted(time.Now()) {
		t.Fatal("expected unmuted when TTS has never spoken")
	}
}

func TestOnPCMDropsFramesWhenQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 1
	cfg.FrameDuration = 10 * time.Millisecond
	cfg.SampleRate = 1000 // 10 samples/frame, 20 bytes/frame
	s := New(cfg, nil, t.TempDir()+"/bargein.json", nil, nil)

	pcmBuf := make([]byte, 0)
	frameBytes := make([]byte, 20)
	for i := 0; i < 5; i++ {
		s.onPCM(frameBytes, &pcmBuf)
	}

	if s.DroppedFrames() == 0 {
		t.Fatal("expected dropped frames once queue saturates")
	}
}

func TestOnPCMSignalsBargeInIndependentOfSpeakingFlag(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FrameDuration = 10 * time.Millisecond
	cfg.SampleRate = 1000
	cfg.BargeInRMSThreshold = 0.01
	bargeInPath := t.TempDir() + "/bargein.json"

	speaking := &ttsflag.ProgrammableSpeakingState{}
	speaking.Set(true) // frames are suppressed from the ASR feed...

	s := New(cfg, speaking, bargeInPath, nil, nil)

	pcmBuf := make([]byte, 0)
	loud := make([]byte, 20)
	for i := range loud {
		if i%2 == 0 {
			loud[i] = 0x00
		} else {
			loud[i] = 0x60 // large positive sample
		}
	}
	s.onPCM(loud, &pcmBuf)

	select {
	case <-s.Frames():
		t.Fatal("expected no frame delivered while TTS speaking")
	default:
	}

	// ...but the barge-in signal is still written.
	if _, err := os.Stat(bargeInPath); err != nil {
		t.Fatalf("expected a barge-in signal file while TTS speaking: %v", err)
	}

	wrote, err := s.bargeIn.Write(0.5, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("barge-in writer unusable after onPCM: %v", err)
	}
	_ = wrote
}
