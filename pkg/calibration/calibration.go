// Package calibration implements the Calibration Engine (C8): a
// guided voice-enrollment flow that prompts the user through a phrase
// catalog, scores each response against what was expected, and derives a
// persisted voice profile from the aggregate results.
package calibration

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dawrv/asr-core/internal/metrics"
	"github.com/dawrv/asr-core/pkg/asrcore"
	"github.com/dawrv/asr-core/pkg/atomicfile"
	"github.com/dawrv/asr-core/pkg/sttprovider"
)

// PromptFunc surfaces the next expected phrase to the user (e.g. over the
// HTTP control surface or a UI callback).
type PromptFunc func(phrase Phrase, index, total int)

// CaptureFunc blocks until a spoken segment has been captured for the
// prompted phrase, returning the raw audio samples. It is supplied by the
// caller of Run, which drives the actual C1/C2/C3 pipeline; this package
// only consumes the result.
type CaptureFunc func(ctx context.Context, expected Phrase) (samples []float32, err error)

// PhraseResult is one scored enrollment response.
type PhraseResult struct {
	Expected   string           `json:"expected"`
	Observed   string           `json:"observed"`
	Confidence float64          `json:"confidence"`
	MatchScore float64          `json:"match_score"`
	DurationS  float64          `json:"duration_s"`
	NoiseLevel asrcore.NoiseLevel `json:"noise_level"`
	rms        float64
}

// Summary is the aggregate report produced when an enrollment session
// completes, alongside the derived profile.
type Summary struct {
	Results            []PhraseResult `json:"results"`
	Accuracy           float64        `json:"accuracy"`
	LowAccuracyPhrases []string       `json:"low_accuracy_phrases"`
}

// Engine drives one enrollment run over a phrase catalog.
type Engine struct {
	provider   sttprovider.Provider
	sampleRate int
	profileDir string
}

// New builds a calibration Engine that transcribes captured phrases with
// provider and persists completed profiles under profileDir.
func New(provider sttprovider.Provider, sampleRate int, profileDir string) *Engine {
	return &Engine{provider: provider, sampleRate: sampleRate, profileDir: profileDir}
}

// Run drives the guided enrollment over catalog, prompting via prompt and
// capturing via capture for each phrase in order. It returns the derived
// profile and scoring summary, and persists the profile atomically as
// "<name>.json" under the engine's profile directory.
//
// If ctx is cancelled mid-run, Run returns asrcore.ErrCalibrationAborted and
// writes nothing: no partial profile is ever persisted.
func (e *Engine) Run(ctx context.Context, name string, catalog []Phrase, prompt PromptFunc, capture CaptureFunc) (*asrcore.VoiceProfile, *Summary, error) {
	results := make([]PhraseResult, 0, len(catalog))

	for i, phrase := range catalog {
		if ctx.Err() != nil {
			return nil, nil, asrcore.ErrCalibrationAborted
		}
		if prompt != nil {
			prompt(phrase, i, len(catalog))
		}

		samples, err := capture(ctx, phrase)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, asrcore.ErrCalibrationAborted
			}
			results = append(results, PhraseResult{Expected: phrase.Text, MatchScore: 0})
			continue
		}

		result, err := sttprovider.TranscribeWithRetry(ctx, sttprovider.DefaultRetryPolicy(), e.provider, samples, nil)
		if ctx.Err() != nil {
			return nil, nil, asrcore.ErrCalibrationAborted
		}
		observed := ""
		confidence := 0.0
		if err == nil && result != nil {
			observed = result.Text
			confidence = result.Confidence
		}

		rmsVal := rms(samples)
		results = append(results, PhraseResult{
			Expected:   phrase.Text,
			Observed:   observed,
			Confidence: confidence,
			MatchScore: jaccard(phrase.Text, observed),
			DurationS:  float64(len(samples)) / float64(e.sampleRate),
			NoiseLevel: asrcore.ClassifyNoise(rmsVal),
			rms:        rmsVal,
		})
	}

	if ctx.Err() != nil {
		return nil, nil, asrcore.ErrCalibrationAborted
	}

	profile, summary := derive(name, results)

	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	if err := atomicfile.Write(filepath.Join(e.profileDir, name+".json"), data); err != nil {
		return nil, nil, err
	}
	return profile, summary, nil
}

// derive computes the profile-level aggregates's "on
// completion" rules.
func derive(name string, results []PhraseResult) (*asrcore.VoiceProfile, *Summary) {
	profile := asrcore.NewVoiceProfile(name)
	summary := &Summary{Results: results}

	if len(results) == 0 {
		return profile, summary
	}

	highMatch := 0
	var totalNoise, totalDuration float64
	totalExpectedWords := 0
	for _, r := range results {
		if r.MatchScore >= 0.8 {
			highMatch++
		}
		if r.MatchScore < 0.7 {
			summary.LowAccuracyPhrases = append(summary.LowAccuracyPhrases, r.Expected)
		}
		totalNoise += r.rms
		totalDuration += r.DurationS
		totalExpectedWords += len(strings.Fields(r.Expected))
	}

	summary.Accuracy = 100 * float64(highMatch) / float64(len(results))
	profile.CalibrationAccuracy = summary.Accuracy
	metrics.CalibrationAccuracy.Set(summary.Accuracy)
	profile.NoiseFloor = totalNoise / float64(len(results))
	if totalDuration > 0 {
		profile.SpeechRateWPM = 60 * float64(totalExpectedWords) / totalDuration
	}
	profile.CustomPronunciations = detectPronunciationDrift(results)

	return profile, summary
}

// detectPronunciationDrift: for each expected word
// observed at least twice and more often wrong than right, record the
// single most common misrecognition.
func detectPronunciationDrift(results []PhraseResult) map[string]string {
	type stat struct {
		seen        int
		wrongCounts map[string]int
	}
	stats := map[string]*stat{}

	for _, r := range results {
		expectedWords := strings.Fields(strings.ToLower(r.Expected))
		observedWords := strings.Fields(strings.ToLower(r.Observed))
		for i, ew := range expectedWords {
			st, ok := stats[ew]
			if !ok {
				st = &stat{wrongCounts: map[string]int{}}
				stats[ew] = st
			}
			st.seen++

			ow := ""
			if i < len(observedWords) {
				ow = observedWords[i]
			}
			if ow != ew {
				st.wrongCounts[ow]++
			}
		}
	}

	drift := map[string]string{}
	for word, st := range stats {
		if st.seen < 2 {
			continue
		}
		wrongTotal := 0
		for _, c := range st.wrongCounts {
			wrongTotal += c
		}
		if wrongTotal*2 <= st.seen {
			continue // not more often wrong than right
		}
		drift[word] = mostCommon(st.wrongCounts)
	}
	return drift
}

// mostCommon returns the key with the highest count, breaking ties
// alphabetically for determinism.
func mostCommon(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	best := ""
	bestCount := -1
	for _, k := range keys {
		if counts[k] > bestCount {
			best = k
			bestCount = counts[k]
		}
	}
	return best
}

// jaccard scores the word-set similarity of expected vs. observed: exact
// string match is 1.0, an empty observation is 0.0.
func jaccard(expected, observed string) float64 {
	if strings.EqualFold(strings.TrimSpace(expected), strings.TrimSpace(observed)) {
		return 1.0
	}
	if strings.TrimSpace(observed) == "" {
		return 0.0
	}

	a := wordSet(expected)
	b := wordSet(observed)
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}

	intersection := 0
	for w := range a {
		if b[w] {
			intersection++
		}
	}
	union := len(a)
	for w := range b {
		if !a[w] {
			union++
		}
	}
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
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

// LoadProfile reads a previously persisted profile by name.
func LoadProfile(profileDir, name string) (*asrcore.VoiceProfile, error) {
	path := filepath.Join(profileDir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("calibration: loading profile %q: %w", name, err)
	}
	var profile asrcore.VoiceProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}
