// Package mock provides a test double for the asr package interfaces.
//
// Use Model to script the token vocabulary and decode output, and to inspect
// the DecodeParams the pipeline built for each decode.
//
// Example:
//
//	m := &mock.Model{
//	    Vocab:  map[string][]int{" hello": {100, 101}},
//	    Pieces: map[int]string{100: " hel", 101: "lo"},
//	}
//	segs, _ := m.Decode(ctx, params, samples)
package mock

import (
	"context"
	"sync"

	"github.com/openflow-ai/transcriber/pkg/asr"
)

// DecodeCall records a single invocation of Model.Decode.
type DecodeCall struct {
	// Params is the DecodeParams passed to Decode.
	Params asr.DecodeParams
	// NumSamples is the length of the sample buffer passed to Decode.
	NumSamples int
}

// Model is a mock implementation of asr.Model.
//
// Tokenize, TokenString and LangID answer from the configured maps. Decode
// returns the scripted Segments (or consumes SegmentQueue one call at a time
// when it is non-nil) and records every call.
type Model struct {
	mu sync.Mutex

	// Vocab maps input text to the token ids Tokenize returns for it. Text
	// absent from the map tokenizes to nil.
	Vocab map[string][]int

	// Pieces maps token ids to the string piece TokenString returns. Ids
	// absent from the map resolve to "".
	Pieces map[int]string

	// NVocabVal is returned by NVocab. Zero is a valid (if useless) size.
	NVocabVal int

	// TokenBegVal is returned by TokenBeg.
	TokenBegVal int

	// LangIDs maps language codes to ids for LangID. Codes absent from the
	// map resolve to -1.
	LangIDs map[string]int

	// Segments is returned by every Decode call when SegmentQueue is nil.
	Segments []asr.Segment

	// SegmentQueue, when non-nil, is consumed one element per Decode call;
	// once drained, Decode returns nil segments.
	SegmentQueue [][]asr.Segment

	// TokenizeErr, if non-nil, is returned by every Tokenize call.
	TokenizeErr error

	// DecodeErr, if non-nil, is returned by every Decode call.
	DecodeErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// InvokeFilter, when true, makes Decode run params.Filter once with an
	// empty prefix and a logits slice of length NVocabVal before returning.
	InvokeFilter bool

	// FilterLogits, when InvokeFilter ran, holds the logits slice after the
	// filter returned.
	FilterLogits []float32

	// DecodeCalls records every call to Decode in order.
	DecodeCalls []DecodeCall

	// TokenizeCalls records the text of every Tokenize call in order.
	TokenizeCalls []string

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Tokenize records the call and answers from Vocab.
func (m *Model) Tokenize(text string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TokenizeCalls = append(m.TokenizeCalls, text)
	if m.TokenizeErr != nil {
		return nil, m.TokenizeErr
	}
	ids := m.Vocab[text]
	cp := make([]int, len(ids))
	copy(cp, ids)
	return cp, nil
}

// TokenString answers from Pieces.
func (m *Model) TokenString(id int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Pieces[id]
}

// NVocab returns NVocabVal.
func (m *Model) NVocab() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.NVocabVal
}

// TokenBeg returns TokenBegVal.
func (m *Model) TokenBeg() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TokenBegVal
}

// LangID answers from LangIDs, or -1 for unknown codes.
func (m *Model) LangID(lang string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.LangIDs[lang]
	if !ok {
		return -1
	}
	return id
}

// Decode records the call, optionally runs the filter, and returns the
// scripted segments.
func (m *Model) Decode(ctx context.Context, params asr.DecodeParams, samples []float32) ([]asr.Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DecodeCalls = append(m.DecodeCalls, DecodeCall{Params: params, NumSamples: len(samples)})
	if m.DecodeErr != nil {
		return nil, m.DecodeErr
	}
	if m.InvokeFilter && params.Filter != nil {
		logits := make([]float32, m.NVocabVal)
		params.Filter(nil, logits)
		m.FilterLogits = logits
	}
	if m.SegmentQueue != nil {
		if len(m.SegmentQueue) == 0 {
			return nil, nil
		}
		segs := m.SegmentQueue[0]
		m.SegmentQueue = m.SegmentQueue[1:]
		return segs, nil
	}
	return m.Segments, nil
}

// Close records the call and returns CloseErr.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCallCount++
	return m.CloseErr
}

// DecodeCallCount returns the number of Decode calls. Thread-safe.
func (m *Model) DecodeCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.DecodeCalls)
}

// ResetCalls clears all recorded calls. Thread-safe.
func (m *Model) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DecodeCalls = nil
	m.TokenizeCalls = nil
	m.CloseCallCount = 0
}

// Ensure Model implements asr.Model at compile time.
var _ asr.Model = (*Model)(nil)
