// Package decode turns flushed audio segments into transcription hypotheses.
//
// The orchestrator builds the per-call decode parameters, installs the logit
// bias callback when bias decoding is enabled, and emits one segment packet
// per successful decode. Decode failures are logged and dropped: a failed
// partial retries naturally on the next cadence step, a failed final loses
// the utterance.
package decode

import (
	"context"
	"log/slog"
	"time"
	"unicode"

	"github.com/openflow-ai/transcriber/internal/dictionary"
	"github.com/openflow-ai/transcriber/internal/events"
	"github.com/openflow-ai/transcriber/pkg/asr"
)

// maxPromptBytes bounds the initial prompt attached from the dictionary
// cache.
const maxPromptBytes = 4096

// minBeamSize is the smallest beam the model accepts for beam search.
const minBeamSize = 2

// Config holds the decode orchestrator options.
type Config struct {
	Language string
	Threads  int

	// SendPrompt attaches the dictionary cache as the initial prompt.
	SendPrompt bool

	// BiasDecoding selects beam search and installs the logit bias
	// callback. Greedy sampling otherwise.
	BiasDecoding bool

	// BeamSize requests a beam width; 0 keeps the model default. Clamped
	// to the model's decoder limit.
	BeamSize int

	BiasFirstLogit        float64
	BiasContinuationLogit float64

	// Logits packet diagnostics.
	LogitsTopK          int
	LogitsProbThreshold float64
	LogitsPrefixText    bool
	LogitsBoostedK      int

	// EmitLogitsPackets mirrors logits packets to the event stream in
	// addition to the logits log.
	EmitLogitsPackets bool
}

// Corrector rewrites a final hypothesis, returning the corrected text and
// the substitutions applied. Partial hypotheses are never corrected.
type Corrector interface {
	Correct(text string) (string, []events.Correction)
}

// DecodeObserver receives the outcome of each model decode.
type DecodeObserver func(d time.Duration, final bool, err error)

// Orchestrator drives the acoustic model for one pipeline. Confined to the
// pipeline goroutine; the bias callback it installs may be entered
// concurrently across beams.
type Orchestrator struct {
	model     asr.Model
	cfg       Config
	dict      *dictionary.Manager
	emitter   *events.Emitter
	logitsLog *events.LogitsLog
	corrector Corrector
	observer  DecodeObserver

	warnedBeamClamp bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogitsLog routes logits packets to a JSONL file.
func WithLogitsLog(l *events.LogitsLog) Option {
	return func(o *Orchestrator) { o.logitsLog = l }
}

// WithCorrector enables phonetic correction of final hypotheses.
func WithCorrector(c Corrector) Option {
	return func(o *Orchestrator) { o.corrector = c }
}

// WithDecodeObserver registers a callback invoked after every model decode.
func WithDecodeObserver(fn DecodeObserver) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// New returns an orchestrator emitting segment packets on emitter.
func New(model asr.Model, cfg Config, dict *dictionary.Manager, emitter *events.Emitter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		model:   model,
		cfg:     cfg,
		dict:    dict,
		emitter: emitter,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Transcribe decodes one flushed segment buffer and emits the resulting
// segment packet. The buffer is float32 mono at the model sample rate;
// startSample positions it on the capture timeline.
func (o *Orchestrator) Transcribe(ctx context.Context, buffer []float32, segmentIndex int, startSample int64, final bool, avgProb float64, partialSeq int) {
	if len(buffer) == 0 {
		return
	}

	o.dict.ReloadIfNeeded(segmentIndex, partialSeq, final, false)
	snap := o.dict.Snapshot()

	params := asr.DecodeParams{
		Language: o.cfg.Language,
		Threads:  o.cfg.Threads,
	}
	if o.cfg.SendPrompt && snap.Cache != "" {
		prompt := snap.Cache
		if len(prompt) > maxPromptBytes {
			prompt = prompt[:maxPromptBytes]
		}
		params.InitialPrompt = prompt
	}

	if o.cfg.BiasDecoding {
		params.UseBeam = true
		if o.cfg.BeamSize > 0 {
			params.BeamSize = o.clampBeam(o.cfg.BeamSize)
		}
		params.Filter = o.newFilter(snap, biasIdentity{
			segmentIndex: segmentIndex,
			partialSeq:   partialSeq,
			final:        final,
		})
	}

	start := time.Now()
	segments, err := o.model.Decode(ctx, params, buffer)
	if o.observer != nil {
		o.observer(time.Since(start), final, err)
	}
	if err != nil {
		slog.Error("decode failed",
			"segment_index", segmentIndex,
			"final", final,
			"error", err,
		)
		return
	}

	startMS := startSample * 1000 / asr.SampleRate
	endMS := startMS + int64(len(buffer))*1000/asr.SampleRate

	pkt := events.Segment{
		SegmentIndex: segmentIndex,
		StartMS:      startMS,
		EndMS:        endMS,
		DurationMS:   endMS - startMS,
		AvgVAD:       avgProb,
		Final:        final,
		PartialSeq:   partialSeq,
		Tokens:       []events.SegmentToken{},
	}

	for _, seg := range segments {
		for _, tok := range seg.Tokens {
			if tok.Text == "" || isControlPiece(tok.Text) {
				continue
			}
			t0 := int64(-1)
			if tok.T0 >= 0 {
				t0 = startMS + tok.T0*10
			}
			t1 := int64(-1)
			if tok.T1 >= 0 {
				t1 = startMS + tok.T1*10
			}
			pkt.Tokens = append(pkt.Tokens, events.SegmentToken{
				Text:         tok.Text,
				T0MS:         t0,
				T1MS:         t1,
				LeadingSpace: leadingSpace(tok.Text),
			})
			pkt.Text += tok.Text
		}
	}

	if final && o.corrector != nil && pkt.Text != "" {
		corrected, corrections := o.corrector.Correct(pkt.Text)
		if len(corrections) > 0 {
			pkt.CorrectedText = corrected
			pkt.Corrections = corrections
		}
	}

	if err := o.emitter.Emit(pkt); err != nil {
		slog.Warn("decode: emit segment failed", "error", err)
	}
}

// clampBeam bounds a requested beam width to what the model supports,
// warning once on the first clamp.
func (o *Orchestrator) clampBeam(requested int) int {
	clamped := requested
	if clamped < minBeamSize {
		clamped = minBeamSize
	}
	if clamped > asr.MaxDecoders {
		clamped = asr.MaxDecoders
	}
	if clamped != requested && !o.warnedBeamClamp {
		slog.Warn("clamping beam size to model decoder limit",
			"requested", requested,
			"clamped", clamped,
		)
		o.warnedBeamClamp = true
	}
	return clamped
}

// isControlPiece reports whether a token piece is a special marker such as
// "<|endoftext|>" or "[_BEG_]", skipping leading whitespace.
func isControlPiece(s string) bool {
	i := 0
	for i < len(s) && s[i] < 0x80 && unicode.IsSpace(rune(s[i])) {
		i++
	}
	if i+1 < len(s) && s[i] == '<' && s[i+1] == '|' {
		return true
	}
	if i+1 < len(s) && s[i] == '[' && s[i+1] == '_' {
		return true
	}
	return false
}

func leadingSpace(s string) bool {
	return s != "" && s[0] < 0x80 && unicode.IsSpace(rune(s[0]))
}
