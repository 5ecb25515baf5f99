// Package dictionary maintains the hot-reloadable vocabulary used for
// prompting and logit biasing.
//
// The manager polls the dictionary file's mtime before decodes, re-tokenizes
// its entries on change and publishes the derived indices as an immutable
// Snapshot behind an atomic pointer. The decode path takes one snapshot at
// decode entry; the bias callback keeps using that snapshot even if a reload
// publishes a newer one mid-decode.
package dictionary

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/openflow-ai/transcriber/internal/events"
	"github.com/openflow-ai/transcriber/pkg/asr"
)

// maxSampledWords bounds the words[] array in verbose dictionary packets.
const maxSampledWords = 40

// Snapshot is one immutable generation of the dictionary indices. EntryTexts
// and TokenSeqs are parallel: one element per tokenized variant.
type Snapshot struct {
	EntryTexts         []string
	TokenSeqs          [][]int
	FirstTokensOrdered []int
	FirstTokenIDs      map[int]struct{}

	// Cache is the raw file contents, the prompt source.
	Cache       string
	TotalTokens int

	// EntriesRaw counts the deduplicated entries before tokenization.
	EntriesRaw int
}

// Empty reports whether the snapshot carries no usable entries.
func (s *Snapshot) Empty() bool { return len(s.TokenSeqs) == 0 }

// Config holds the dictionary manager options.
type Config struct {
	// Path is the dictionary file. Empty disables the dictionary; every
	// reload check then clears the indices and reports the condition.
	Path string

	// PollInterval throttles mtime checks between forced reloads.
	PollInterval time.Duration

	// Verbose samples tokenized entries into dictionary packets and copies
	// those packets into the logits log.
	Verbose bool
}

// Manager watches the dictionary file and owns the published snapshot.
// ReloadIfNeeded must be called from the pipeline goroutine only; Snapshot
// may be read from any goroutine.
type Manager struct {
	model     asr.Model
	cfg       Config
	emitter   *events.Emitter
	logitsLog *events.LogitsLog

	snap atomic.Pointer[Snapshot]

	observer func(status string)

	lastReload time.Time
	lastMtime  time.Time
	haveMtime  bool
	lastErr string

	now func() time.Time
}

// New returns a manager with an empty published snapshot. logitsLog may be
// nil.
func New(model asr.Model, cfg Config, emitter *events.Emitter, logitsLog *events.LogitsLog) *Manager {
	m := &Manager{
		model:     model,
		cfg:       cfg,
		emitter:   emitter,
		logitsLog: logitsLog,
		now:       time.Now,
	}
	m.snap.Store(&Snapshot{FirstTokenIDs: map[int]struct{}{}})
	return m
}

// Snapshot returns the current dictionary generation. Never nil.
func (m *Manager) Snapshot() *Snapshot { return m.snap.Load() }

// LastError returns the most recent reload error message, empty when the
// last reload succeeded.
func (m *Manager) LastError() string { return m.lastErr }

// SetReloadObserver registers a callback invoked after every reload attempt
// with its outcome: "reloaded", "unchanged" or "error". Must be set before
// the pipeline starts.
func (m *Manager) SetReloadObserver(fn func(status string)) { m.observer = fn }

// ReloadIfNeeded checks the dictionary file and swaps in new indices when
// its mtime changed. At most one check per poll interval unless force. The
// identity triple names the decode that triggered the check (-1/-1/false at
// startup).
func (m *Manager) ReloadIfNeeded(segmentIndex, partialSeq int, final, force bool) {
	if m.cfg.Path == "" {
		m.lastErr = "dictionary_file not set"
		m.publish(&Snapshot{FirstTokenIDs: map[int]struct{}{}})
		m.emitEvent(segmentIndex, partialSeq, final, true, true)
		return
	}

	now := m.now()
	if !force && now.Sub(m.lastReload) < m.cfg.PollInterval {
		return
	}
	m.lastReload = now

	info, err := os.Stat(m.cfg.Path)
	if err != nil {
		m.lastErr = err.Error()
		m.haveMtime = false
		m.publish(&Snapshot{FirstTokenIDs: map[int]struct{}{}})
		m.emitEvent(segmentIndex, partialSeq, final, true, true)
		return
	}

	changed := !m.haveMtime || !info.ModTime().Equal(m.lastMtime)
	if !force && !changed {
		// Status line so consumers can confirm what is loaded.
		m.emitEvent(segmentIndex, partialSeq, final, true, false)
		return
	}

	raw, err := os.ReadFile(m.cfg.Path)
	if err != nil {
		m.lastErr = fmt.Sprintf("failed to open dictionary_file: %v", err)
		m.haveMtime = false
		m.publish(&Snapshot{FirstTokenIDs: map[int]struct{}{}})
		m.emitEvent(segmentIndex, partialSeq, final, true, true)
		return
	}

	m.lastMtime = info.ModTime()
	m.haveMtime = true
	m.lastErr = ""

	snap := m.tokenize(string(raw))
	m.publish(snap)

	slog.Debug("dictionary reload",
		"raw_entries", snap.EntriesRaw,
		"tokenized_entries", len(snap.TokenSeqs),
		"unique_first_tokens", len(snap.FirstTokensOrdered),
		"total_tokens", snap.TotalTokens,
	)

	m.emitEvent(segmentIndex, partialSeq, final, true, true)
}

func (m *Manager) publish(s *Snapshot) {
	m.snap.Store(s)
}

// splitEntries breaks the raw dictionary text into whitespace-delimited
// entries, deduplicated preserving first-seen order.
func splitEntries(raw string) []string {
	fields := strings.FieldsFunc(raw, unicode.IsSpace)
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// tokenize builds a snapshot from the raw file contents. Each entry
// contributes its as-is form and a space-prefixed variant, so continuation
// matching works with either piece representation the model produces.
func (m *Manager) tokenize(raw string) *Snapshot {
	entries := splitEntries(raw)

	snap := &Snapshot{
		EntriesRaw:    len(entries),
		EntryTexts:    make([]string, 0, len(entries)*2),
		TokenSeqs:     make([][]int, 0, len(entries)*2),
		FirstTokenIDs: make(map[int]struct{}, len(entries)*2),
		Cache:         raw,
	}

	for _, entry := range entries {
		variants := []string{entry}
		if !strings.HasPrefix(entry, " ") {
			variants = append(variants, " "+entry)
		}
		for _, text := range variants {
			seq, err := m.model.Tokenize(text)
			if err != nil {
				slog.Debug("dictionary: tokenize entry failed", "entry", text, "error", err)
				continue
			}
			if len(seq) == 0 {
				continue
			}
			snap.TotalTokens += len(seq)
			first := seq[0]
			if _, ok := snap.FirstTokenIDs[first]; !ok {
				snap.FirstTokenIDs[first] = struct{}{}
				snap.FirstTokensOrdered = append(snap.FirstTokensOrdered, first)
			}
			snap.EntryTexts = append(snap.EntryTexts, entry)
			snap.TokenSeqs = append(snap.TokenSeqs, seq)
		}
	}
	return snap
}

func (m *Manager) emitEvent(segmentIndex, partialSeq int, final, attempted, reloaded bool) {
	snap := m.Snapshot()
	pkt := events.Dictionary{
		DictionaryFile: m.cfg.Path,
		SegmentIndex:   segmentIndex,
		PartialSeq:     partialSeq,
		Final:          final,
		Attempted:      attempted,
		Reloaded:       reloaded,
		OK:             m.lastErr == "",
		Error:          m.lastErr,
		EntriesRaw:     snap.EntriesRaw,
		Entries:        len(snap.TokenSeqs),
		FirstTokens:    len(snap.FirstTokensOrdered),
		TotalTokens:    snap.TotalTokens,
		CacheBytes:     len(snap.Cache),
		Words:          []events.DictionaryWord{},
	}

	if m.cfg.Verbose {
		n := len(snap.TokenSeqs)
		if n > maxSampledWords {
			n = maxSampledWords
		}
		for i := 0; i < n; i++ {
			word := events.DictionaryWord{
				Text:   snap.EntryTexts[i],
				Tokens: make([]events.DictionaryToken, 0, len(snap.TokenSeqs[i])),
			}
			for _, id := range snap.TokenSeqs[i] {
				word.Tokens = append(word.Tokens, events.DictionaryToken{
					ID:   id,
					Text: m.model.TokenString(id),
				})
			}
			pkt.Words = append(pkt.Words, word)
		}
	}

	if m.emitter != nil {
		if err := m.emitter.Emit(pkt); err != nil {
			slog.Warn("dictionary: emit event failed", "error", err)
		}
	}
	if m.cfg.Verbose {
		if err := m.logitsLog.Append(pkt); err != nil {
			slog.Warn("dictionary: append event to logits log failed", "error", err)
		}
	}

	if m.observer != nil {
		status := "unchanged"
		switch {
		case m.lastErr != "":
			status = "error"
		case reloaded:
			status = "reloaded"
		}
		m.observer(status)
	}
}
