package calibration

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dawrv/asr-core/pkg/asrcore"
)

type fakeProvider struct {
	texts []string
	confs []float64
	i     int
}

func (f *fakeProvider) Name() string                                       { return "fake" }
func (f *fakeProvider) Feed(asrcore.Frame) error                           { return nil }
func (f *fakeProvider) Finals() <-chan *asrcore.TranscriptResult           { return nil }
func (f *fakeProvider) Partials() <-chan *asrcore.PartialTranscript       { return nil }
func (f *fakeProvider) Close() error                                       { return nil }

func (f *fakeProvider) Transcribe(_ context.Context, _ []float32, _ []string) (*asrcore.TranscriptResult, error) {
	if f.i >= len(f.texts) {
		return &asrcore.TranscriptResult{}, nil
	}
	r := &asrcore.TranscriptResult{Text: f.texts[f.i], Confidence: f.confs[f.i]}
	f.i++
	return r, nil
}

func samplesOfLen(n int) []float32 { return make([]float32, n) }

func TestJaccardExactMatchScoresOne(t *testing.T) {
	if got := jaccard("play", "play"); got != 1.0 {
		t.Fatalf("expected 1.0, got %v", got)
	}
}

func TestJaccardEmptyObservationScoresZero(t *testing.T) {
	if got := jaccard("play", ""); got != 0.0 {
		t.Fatalf("expected 0.0, got %v", got)
	}
}

func TestJaccardPartialOverlapFromSpecExample(t *testing.T) {
	// "solo track 1" vs "solo track one": 2 shared words / 4 union words.
	if got := jaccard("solo track 1", "solo track one"); got != 0.5 {
		t.Fatalf("expected 0.5, got %v", got)
	}
}

func TestRunDerivesAccuracyAndPersistsProfile(t *testing.T) {
	dir := t.TempDir()
	provider := &fakeProvider{
		texts: []string{"play", "stop"},
		confs: []float64{0.9, 0.4},
	}
	e := New(provider, 16000, dir)

	catalog := []Phrase{
		{PhaseBasicCommands, "play"},
		{PhaseBasicCommands, "stop"},
	}
	capture := func(ctx context.Context, expected Phrase) ([]float32, error) {
		return samplesOfLen(1600), nil
	}

	profile, summary, err := e.Run(context.Background(), "alice", catalog, nil, capture)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if profile.Name != "alice" {
		t.Fatalf("unexpected profile name %q", profile.Name)
	}
	if summary.Accuracy != 100.0 {
		t.Fatalf("expected 100%% accuracy (both exact matches), got %v", summary.Accuracy)
	}
	if profile.AccentTag != "neutral" {
		t.Fatalf("expected accent stub 'neutral', got %q", profile.AccentTag)
	}

	data, err := os.ReadFile(filepath.Join(dir, "alice.json"))
	if err != nil {
		t.Fatalf("expected a persisted profile file: %v", err)
	}
	var persisted asrcore.VoiceProfile
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("unmarshalling persisted profile: %v", err)
	}
	if persisted.Name != "alice" {
		t.Fatalf("unexpected persisted name %q", persisted.Name)
	}
}

func TestRunRecordsLowAccuracyPhrases(t *testing.T) {
	dir := t.TempDir()
	provider := &fakeProvider{texts: []string{"completely different words"}, confs: []float64{0.5}}
	e := New(provider, 16000, dir)

	catalog := []Phrase{{PhaseSlang, "crank the gain"}}
	capture := func(ctx context.Context, expected Phrase) ([]float32, error) { return samplesOfLen(800), nil }

	_, summary, err := e.Run(context.Background(), "bob", catalog, nil, capture)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(summary.LowAccuracyPhrases) != 1 || summary.LowAccuracyPhrases[0] != "crank the gain" {
		t.Fatalf("expected 'crank the gain' flagged low accuracy, got %+v", summary.LowAccuracyPhrases)
	}
}

func TestRunDetectsPronunciationDrift(t *testing.T) {
	dir := t.TempDir()
	// "play" is expected three times; each time it's misheard as "pray".
	provider := &fakeProvider{
		texts: []string{"pray", "pray", "pray"},
		confs: []float64{0.6, 0.6, 0.6},
	}
	e := New(provider, 16000, dir)

	catalog := []Phrase{
		{PhaseBasicCommands, "play"},
		{PhaseBasicCommands, "play"},
		{PhaseBasicCommands, "play"},
	}
	capture := func(ctx context.Context, expected Phrase) ([]float32, error) { return samplesOfLen(800), nil }

	profile, _, err := e.Run(context.Background(), "carol", catalog, nil, capture)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if profile.CustomPronunciations["play"] != "pray" {
		t.Fatalf("expected drift entry play->pray, got %+v", profile.CustomPronunciations)
	}
}

func TestRunAbortsCleanlyOnCancellationWithNoPartialProfile(t *testing.T) {
	dir := t.TempDir()
	provider := &fakeProvider{texts: []string{"play"}, confs: []float64{0.9}}
	e := New(provider, 16000, dir)

	ctx, cancel := context.WithCancel(context.Background())
	captureCalls := 0
	capture := func(ctx context.Context, expected Phrase) ([]float32, error) {
		captureCalls++
		if captureCalls == 2 {
			cancel()
			return nil, errors.New("cancelled mid-capture")
		}
		return samplesOfLen(800), nil
	}

	_, _, err := e.Run(ctx, "dave", FullCatalog, nil, capture)
	if !errors.Is(err, asrcore.ErrCalibrationAborted) {
		t.Fatalf("expected ErrCalibrationAborted, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "dave.json")); statErr == nil {
		t.Fatal("expected no partial profile to be written after cancellation")
	}
}

func TestQuickCatalogHasEightPhrases(t *testing.T) {
	if len(QuickCatalog) != 8 {
		t.Fatalf("expected 8 phrases in the quick catalog, got %d", len(QuickCatalog))
	}
}

func TestFullCatalogCoversAllFivePhases(t *testing.T) {
	seen := map[Phase]bool{}
	for _, p := range FullCatalog {
		seen[p.Phase] = true
	}
	for _, phase := range []Phase{PhaseBasicCommands, PhaseTrackCommands, PhaseMixingTerms, PhaseComplexPhrases, PhaseSlang} {
		if !seen[phase] {
			t.Fatalf("expected phase %q to be represented in the full catalog", phase)
		}
	}
}
