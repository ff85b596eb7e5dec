// Package vocab implements the Vocabulary & Alias Layer (C6): a
// user-editable boost-word list consumed by ASR providers as an initial
// prompt, and a phrase-to-canonical-command alias table applied to final
// transcripts in command mode.
package vocab

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/dawrv/asr-core/pkg/asrcore"
	"github.com/dawrv/asr-core/pkg/atomicfile"
)

// MaxBoostWords bounds the boost prompt handed to providers.
const MaxBoostWords = 50

// Store is the on-disk shape: { categories, aliases, boost_words }.
type Store struct {
	Categories map[string][]string `json:"categories"`
	Aliases    map[string]string   `json:"aliases"`
	BoostWords []string            `json:"boost_words"`
}

// Vocabulary is the mutable, concurrency-safe in-memory vocabulary and
// alias table, backed by an atomically persisted JSON file.
type Vocabulary struct {
	mu   sync.RWMutex
	path string
	data Store

	logger asrcore.Logger
}

// New returns an empty Vocabulary bound to path. Call Load to populate it
// from disk, if a file already exists there.
func New(path string, logger asrcore.Logger) *Vocabulary {
	if logger == nil {
		logger = asrcore.NoOpLogger{}
	}
	return &Vocabulary{
		path: path,
		data: Store{
			Categories: map[string][]string{},
			Aliases:    map[string]string{},
		},
		logger: logger,
	}
}

// Load reads the vocabulary file from disk. A missing file is not an error;
// the vocabulary stays empty.
func (v *Vocabulary) Load() error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var s Store
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	if s.Categories == nil {
		s.Categories = map[string][]string{}
	}
	if s.Aliases == nil {
		s.Aliases = map[string]string{}
	}

	v.mu.Lock()
	v.data = s
	v.mu.Unlock()
	return nil
}

// save persists the current state atomically. Caller must hold v.mu for
// reading (RLock acceptable since json.Marshal only reads).
func (v *Vocabulary) save() error {
	data, err := json.MarshalIndent(v.data, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.Write(v.path, data)
}

// BoostWords returns up to MaxBoostWords terms to bias recognition as an
// initial prompt handed to the STT provider.
func (v *Vocabulary) BoostWords() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n := len(v.data.BoostWords)
	if n > MaxBoostWords {
		n = MaxBoostWords
	}
	out := make([]string, n)
	copy(out, v.data.BoostWords[:n])
	return out
}

// SetBoostWords replaces the boost word list and persists it.
func (v *Vocabulary) SetBoostWords(words []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(words) > MaxBoostWords {
		words = words[:MaxBoostWords]
	}
	v.data.BoostWords = words
	return v.save()
}

// SetAlias adds or replaces an alias mapping and persists it. phrase is
// normalized (trimmed, lowercased) before storage so lookups are exact
// on the normalized form.
func (v *Vocabulary) SetAlias(phrase, canonical string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.data.Aliases[normalize(phrase)] = canonical
	return v.save()
}

// RemoveAlias deletes an alias mapping and persists the change.
func (v *Vocabulary) RemoveAlias(phrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.data.Aliases, normalize(phrase))
	return v.save()
}

// SetCategory replaces the term list for a category and persists it.
func (v *Vocabulary) SetCategory(name string, terms []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.data.Categories[name] = terms
	return v.save()
}

// Snapshot returns a copy of the current vocabulary store, safe for the
// caller to read or serialize.
func (v *Vocabulary) Snapshot() Store {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cats := make(map[string][]string, len(v.data.Categories))
	for k, terms := range v.data.Categories {
		cp := make([]string, len(terms))
		copy(cp, terms)
		cats[k] = cp
	}
	aliases := make(map[string]string, len(v.data.Aliases))
	for k, v2 := range v.data.Aliases {
		aliases[k] = v2
	}
	boost := make([]string, len(v.data.BoostWords))
	copy(boost, v.data.BoostWords)
	return Store{Categories: cats, Aliases: aliases, BoostWords: boost}
}

// Resolve applies alias rewrite: in command mode, the
// trimmed lowercase text is looked up in the alias table and, on hit,
// replaced by the canonical command. In dictation mode this is always a
// no-op. A miss is also a no-op, so Resolve is idempotent: re-applying it
// to an already-canonical string (itself not aliased) returns it unchanged.
func (v *Vocabulary) Resolve(text string, mode asrcore.Mode) string {
	if mode != asrcore.ModeCommand {
		return text
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if canonical, ok := v.data.Aliases[normalize(text)]; ok {
		return canonical
	}
	return text
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// modeSwitchPhrases are detected ahead of alias resolution:
// a final transcript containing either phrase flips the session mode
// instead of being routed as a command.
var modeSwitchPhrases = map[string]asrcore.Mode{
	"dictation mode": asrcore.ModeDictation,
	"command mode":   asrcore.ModeCommand,
}

// DetectModeSwitch reports whether the lowercased, trimmed text contains a
// mode-switch phrase and, if so, which mode it requests.
func DetectModeSwitch(text string) (asrcore.Mode, bool) {
	normalized := normalize(text)
	for phrase, mode := range modeSwitchPhrases {
		if strings.Contains(normalized, phrase) {
			return mode, true
		}
	}
	return "", false
}
