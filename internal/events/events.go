// Package events defines the machine-readable output protocol of the
// transcriber: typed packets serialized as one JSON object per line.
//
// Stdout carries the event stream exclusively; human diagnostics go to
// stderr via slog. The Emitter owns stdout framing, the LogitsLog owns the
// JSONL diagnostic file, and the Mirror replays emitted lines to WebSocket
// clients. All three tolerate concurrent callers: the bias callback can be
// entered from multiple beams at once.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Packet is implemented by every event type. The kind value becomes the
// packet's leading "event" field on the wire.
type Packet interface {
	kind() string
}

// Ready is emitted once at startup after the models are loaded.
type Ready struct {
	CWD                   string  `json:"cwd"`
	DictionaryFile        string  `json:"dictionary_file"`
	SendPrompt            bool    `json:"send_prompt"`
	BiasDecoding          bool    `json:"bias_decoding"`
	BiasFirstLogit        float64 `json:"bias_first_logit"`
	BiasContinuationLogit float64 `json:"bias_continuation_logit"`
	LogitsLogPath         string  `json:"logits_log_path"`
	LogitsLogEnabled      bool    `json:"logits_log_enabled"`
}

func (Ready) kind() string { return "ready" }

// VAD is emitted once per scored frame when VAD events are enabled.
type VAD struct {
	AudioTimeMS  int64   `json:"audio_time_ms"`
	Prob         float64 `json:"prob"`
	ChunkSamples int     `json:"vad_chunk_samples"`
	SampleRate   int     `json:"vad_sample_rate"`
}

func (VAD) kind() string { return "vad" }

// DictionaryToken is one token of a sampled dictionary entry.
type DictionaryToken struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

// DictionaryWord is a sampled tokenized dictionary entry, carried in verbose
// dictionary packets.
type DictionaryWord struct {
	Text   string            `json:"text"`
	Tokens []DictionaryToken `json:"tokens"`
}

// Dictionary reports the outcome of a dictionary reload check. The
// segment/partial identity names the decode that triggered the check
// (-1/-1/false for the startup reload).
type Dictionary struct {
	DictionaryFile string           `json:"dictionary_file"`
	SegmentIndex   int              `json:"segment_index"`
	PartialSeq     int              `json:"partial_seq"`
	Final          bool             `json:"final"`
	Attempted      bool             `json:"attempted"`
	Reloaded       bool             `json:"reloaded"`
	OK             bool             `json:"ok"`
	Error          string           `json:"error"`
	EntriesRaw     int              `json:"dict_entries_raw"`
	Entries        int              `json:"dict_entries"`
	FirstTokens    int              `json:"dict_first_tokens"`
	TotalTokens    int              `json:"dict_total_tokens"`
	CacheBytes     int              `json:"dict_cache_bytes"`
	Words          []DictionaryWord `json:"words"`
}

func (Dictionary) kind() string { return "dictionary" }

// SegmentToken is one decoded piece of a segment hypothesis. T0MS/T1MS are
// absolute stream times, -1 when the model produced no timestamp.
type SegmentToken struct {
	Text         string `json:"text"`
	T0MS         int64  `json:"t0_ms"`
	T1MS         int64  `json:"t1_ms"`
	LeadingSpace bool   `json:"leading_space"`
}

// Correction is one word-level phonetic substitution applied to a final
// hypothesis.
type Correction struct {
	Original   string  `json:"original"`
	Corrected  string  `json:"corrected"`
	Confidence float64 `json:"confidence"`
}

// Segment is a transcription hypothesis, partial (Final=false) or terminal.
type Segment struct {
	SegmentIndex  int            `json:"segment_index"`
	StartMS       int64          `json:"start_ms"`
	EndMS         int64          `json:"end_ms"`
	DurationMS    int64          `json:"duration_ms"`
	AvgVAD        float64        `json:"avg_vad"`
	Final         bool           `json:"final"`
	PartialSeq    int            `json:"partial_seq"`
	Text          string         `json:"text"`
	Tokens        []SegmentToken `json:"tokens"`
	CorrectedText string         `json:"corrected_text,omitempty"`
	Corrections   []Correction   `json:"corrections,omitempty"`
}

func (Segment) kind() string { return "segment" }

// JobStart brackets the beginning of one input unit in the stdin modes.
type JobStart struct {
	Path string `json:"path,omitempty"`
}

func (JobStart) kind() string { return "job_start" }

// JobEnd brackets the end of one input unit in the stdin modes.
type JobEnd struct {
	Path string `json:"path,omitempty"`
}

func (JobEnd) kind() string { return "job_end" }

// BoostedToken describes one logit boost applied during the current decode
// step, for bias diagnostics.
type BoostedToken struct {
	ID          int     `json:"id"`
	Text        string  `json:"text"`
	Bias        float64 `json:"bias"`
	InTop       bool    `json:"in_top"`
	LogitBefore float64 `json:"logit_before"`
	LogitAfter  float64 `json:"logit_after"`
	Kind        string  `json:"kind"`
}

// TopToken is one entry of the top-k logit summary.
type TopToken struct {
	ID    int     `json:"id"`
	Text  string  `json:"text"`
	Logit float64 `json:"logit"`
	Prob  float64 `json:"prob"`
}

// Logits is the per-decode-step diagnostic packet produced by the bias
// callback.
type Logits struct {
	SegmentIndex          int            `json:"segment_index"`
	PartialSeq            int            `json:"partial_seq"`
	Final                 bool           `json:"final"`
	DecodeStep            int            `json:"decode_step"`
	PrefixLen             int            `json:"prefix_len"`
	PrefixHash            string         `json:"prefix_hash"`
	PrefixPrevHash        string         `json:"prefix_prev_hash"`
	PrefixText            string         `json:"prefix_text"`
	ProbMode              string         `json:"prob_mode"`
	ProbThreshold         float64        `json:"prob_threshold"`
	BiasFirstLogit        float64        `json:"bias_first_logit"`
	BiasContinuationLogit float64        `json:"bias_continuation_logit"`
	DictEntries           int            `json:"dict_entries"`
	DictFirstTokens       int            `json:"dict_first_tokens"`
	BoostedFirstTotal     int            `json:"boosted_first_total"`
	BoostedContCount      int            `json:"boosted_cont_count"`
	PrefixLastID          *int           `json:"prefix_last_id,omitempty"`
	PrefixLastText        *string        `json:"prefix_last_text,omitempty"`
	Boosted               []BoostedToken `json:"boosted"`
	Top                   []TopToken     `json:"top"`
}

func (Logits) kind() string { return "logits" }

// Marshal serializes a packet as a single JSON object with a leading
// "event" field and no trailing newline.
func Marshal(p Packet) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("events: marshal %s packet: %w", p.kind(), err)
	}
	prefix := `{"event":"` + p.kind() + `"`
	if len(body) <= 2 {
		return []byte(prefix + "}"), nil
	}
	out := make([]byte, 0, len(prefix)+1+len(body)-1)
	out = append(out, prefix...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// Sink receives every line the Emitter writes, without the trailing newline.
// Implementations must not block.
type Sink interface {
	Broadcast(line []byte)
}

// Emitter serializes packets to a single writer, one line per packet,
// serialized by a mutex so concurrent emissions never interleave.
type Emitter struct {
	mu    sync.Mutex
	out   io.Writer
	sinks []Sink
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithSink attaches an additional line sink, such as the WebSocket mirror.
func WithSink(s Sink) EmitterOption {
	return func(e *Emitter) { e.sinks = append(e.sinks, s) }
}

// NewEmitter returns an Emitter writing to out.
func NewEmitter(out io.Writer, opts ...EmitterOption) *Emitter {
	e := &Emitter{out: out}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit writes one packet as a single line and fans it out to the sinks.
func (e *Emitter) Emit(p Packet) error {
	line, err := Marshal(p)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.out.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("events: write %s packet: %w", p.kind(), err)
	}
	for _, s := range e.sinks {
		s.Broadcast(line)
	}
	return nil
}
