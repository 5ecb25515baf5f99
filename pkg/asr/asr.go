// Package asr defines the acoustic-model contract used by the transcription
// pipeline.
//
// The pipeline treats the speech recognizer as an opaque inference service:
// it tokenizes text, maps token ids back to their string pieces, and decodes
// float32 mono 16 kHz audio into timestamped tokens. Two implementations
// exist: a whisper.cpp-backed native model (see [whispercpp]) and a
// deterministic mock for tests ([mock]).
//
// A Model is safe to share across decodes but decodes themselves are
// serialized by the caller; implementations are not required to support
// concurrent Decode calls.
package asr

import "context"

// SampleRate is the audio sample rate (Hz) every Model expects at its decode
// boundary.
const SampleRate = 16000

// Token is a single decoded piece with timing in 10 ms units relative to the
// start of the decoded buffer. T0/T1 are -1 when the model produced no
// timestamp for the token.
type Token struct {
	ID   int
	Text string
	T0   int64
	T1   int64
}

// Segment is one model-level output segment. The pipeline flattens segments
// and applies its own timeline; only the token stream matters here.
type Segment struct {
	Tokens []Token
}

// LogitsFilter is invoked once per decode step per beam with the token-id
// prefix decoded so far and the mutable logits vector (length NVocab). The
// filter may adjust logits in place. Implementations of Model must assume the
// filter can be entered concurrently from multiple beams.
type LogitsFilter func(prefix []int, logits []float32)

// DecodeParams configures a single Decode call.
type DecodeParams struct {
	// Language is the decode language code (e.g. "en", "auto").
	Language string

	// Threads is the number of decoder threads. Zero selects the model
	// default.
	Threads int

	// UseBeam selects beam-search sampling; greedy otherwise. The logits
	// filter is only invoked under beam search.
	UseBeam bool

	// BeamSize is the beam width when UseBeam is set. Zero keeps the model
	// default. Callers are responsible for clamping to the model's decoder
	// limit before the call.
	BeamSize int

	// InitialPrompt, when non-empty, is fed to the model as decoding context
	// ahead of the audio.
	InitialPrompt string

	// Filter, when non-nil, is installed as the per-step logits filter for
	// this decode only. Implementations must not retain it past the call.
	Filter LogitsFilter
}

// Model is the acoustic-model inference service.
type Model interface {
	// Tokenize converts text into model token ids.
	Tokenize(text string) ([]int, error)

	// TokenString returns the string piece for a token id, or "" when the id
	// is unknown.
	TokenString(id int) string

	// NVocab returns the vocabulary size.
	NVocab() int

	// TokenBeg returns the first timestamp/control token id. Logit biasing
	// must never touch ids at or above this value.
	TokenBeg() int

	// LangID resolves a language code to the model's language id, or -1 when
	// the language is unknown.
	LangID(lang string) int

	// Decode runs a full decode over samples (float32 mono at [SampleRate])
	// and returns the output segments in order.
	Decode(ctx context.Context, params DecodeParams, samples []float32) ([]Segment, error)

	// Close releases the model. The Model must not be used afterwards.
	Close() error
}

// MaxDecoders is the decoder cap of the whisper.cpp substrate. Beam sizes
// above this fail inside whisper_full, so callers clamp to it.
const MaxDecoders = 8
