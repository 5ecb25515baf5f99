//go:build whispercpp

// This file contains the native whisper.cpp implementation of asr.Model.
// The whisper.cpp static library (libwhisper.a) and headers (whisper.h)
// must be available at build time via LIBRARY_PATH and C_INCLUDE_PATH.

package whispercpp

/*
#cgo LDFLAGS: -lwhisper -lstdc++ -lm

#include <stdlib.h>
#include <whisper.h>

void transcriberLogitsFilter(struct whisper_context * ctx, struct whisper_state * state,
		const whisper_token_data * tokens, int n_tokens, float * logits, void * user_data);
*/
import "C"

import (
	"context"
	"fmt"
	"runtime/cgo"
	"sync"
	"unsafe"

	"github.com/openflow-ai/transcriber/pkg/asr"
)

// Compile-time assertion that Model satisfies asr.Model.
var _ asr.Model = (*Model)(nil)

// Model wraps a whisper_context. A Model may be shared across goroutines for
// the read-only vocabulary queries, but Decode calls are serialized by an
// internal mutex because a whisper_context holds mutable decode state.
type Model struct {
	mu  sync.Mutex
	ctx *C.struct_whisper_context
}

// New loads a whisper model from cfg.ModelPath with DTW token timestamps
// enabled (base-EN aheads preset, matching the models this pipeline targets).
func New(cfg Config) (*Model, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("whispercpp: model path must not be empty")
	}

	cpath := C.CString(cfg.ModelPath)
	defer C.free(unsafe.Pointer(cpath))

	cparams := C.whisper_context_default_params()
	cparams.use_gpu = C.bool(cfg.UseGPU)
	cparams.dtw_token_timestamps = C.bool(true)
	cparams.dtw_aheads_preset = C.WHISPER_AHEADS_BASE_EN

	ctx := C.whisper_init_from_file_with_params(cpath, cparams)
	if ctx == nil {
		return nil, fmt.Errorf("whispercpp: load model %q failed", cfg.ModelPath)
	}
	return &Model{ctx: ctx}, nil
}

// Tokenize converts text into whisper token ids.
func (m *Model) Tokenize(text string) ([]int, error) {
	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))

	n := int(C.whisper_token_count(m.ctx, ctext))
	if n <= 0 {
		return nil, nil
	}
	buf := make([]C.whisper_token, n)
	got := int(C.whisper_tokenize(m.ctx, ctext, &buf[0], C.int(n)))
	if got <= 0 {
		return nil, fmt.Errorf("whispercpp: tokenize %q failed", text)
	}
	ids := make([]int, got)
	for i := 0; i < got; i++ {
		ids[i] = int(buf[i])
	}
	return ids, nil
}

// TokenString returns the piece for a token id, or "" for unknown ids.
func (m *Model) TokenString(id int) string {
	s := C.whisper_token_to_str(m.ctx, C.whisper_token(id))
	if s == nil {
		return ""
	}
	return C.GoString(s)
}

// NVocab returns the vocabulary size.
func (m *Model) NVocab() int { return int(C.whisper_n_vocab(m.ctx)) }

// TokenBeg returns the first timestamp/control token id.
func (m *Model) TokenBeg() int { return int(C.whisper_token_beg(m.ctx)) }

// LangID resolves a language code, or -1 when unknown.
func (m *Model) LangID(lang string) int {
	clang := C.CString(lang)
	defer C.free(unsafe.Pointer(clang))
	return int(C.whisper_lang_id(clang))
}

// filterState carries the Go-side logits filter across the C callback
// boundary for the duration of one whisper_full call.
type filterState struct {
	filter asr.LogitsFilter
	nVocab int
}

//export transcriberLogitsFilter
func transcriberLogitsFilter(ctx *C.struct_whisper_context, state *C.struct_whisper_state,
	tokens *C.whisper_token_data, nTokens C.int, logits *C.float, userData unsafe.Pointer) {
	h := cgo.Handle(uintptr(userData))
	fs, ok := h.Value().(*filterState)
	if !ok || fs.filter == nil || logits == nil {
		return
	}

	prefix := make([]int, int(nTokens))
	if nTokens > 0 && tokens != nil {
		tds := unsafe.Slice(tokens, int(nTokens))
		for i := range tds {
			prefix[i] = int(tds[i].id)
		}
	}

	lg := unsafe.Slice((*float32)(unsafe.Pointer(logits)), fs.nVocab)
	fs.filter(prefix, lg)
}

// Decode runs whisper_full over samples and returns the output segments.
// Decode params that are fixed for this pipeline (no context carry-over,
// token timestamps, print suppression) are applied here.
func (m *Model) Decode(ctx context.Context, params asr.DecodeParams, samples []float32) ([]asr.Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whispercpp: decode aborted: %w", err)
	}
	if len(samples) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	strategy := C.WHISPER_SAMPLING_GREEDY
	if params.UseBeam {
		strategy = C.WHISPER_SAMPLING_BEAM_SEARCH
	}
	wparams := C.whisper_full_default_params(uint32(strategy))
	wparams.print_progress = C.bool(false)
	wparams.print_special = C.bool(false)
	wparams.print_realtime = C.bool(false)
	wparams.print_timestamps = C.bool(true)
	wparams.no_context = C.bool(true)
	wparams.single_segment = C.bool(false)
	wparams.max_tokens = 0
	wparams.token_timestamps = C.bool(true)
	wparams.thold_pt = 0.01
	wparams.entropy_thold = 2.40
	wparams.logprob_thold = -1.0
	wparams.no_speech_thold = 0.0

	if params.Threads > 0 {
		wparams.n_threads = C.int(params.Threads)
	}
	if params.UseBeam && params.BeamSize > 0 {
		wparams.beam_search.beam_size = C.int(params.BeamSize)
	}

	var clang *C.char
	if params.Language != "" {
		clang = C.CString(params.Language)
		defer C.free(unsafe.Pointer(clang))
		wparams.language = clang
	}

	var cprompt *C.char
	if params.InitialPrompt != "" {
		cprompt = C.CString(params.InitialPrompt)
		defer C.free(unsafe.Pointer(cprompt))
		wparams.initial_prompt = cprompt
	}

	var h cgo.Handle
	if params.Filter != nil {
		h = cgo.NewHandle(&filterState{filter: params.Filter, nVocab: m.NVocab()})
		defer h.Delete()
		wparams.logits_filter_callback = (C.whisper_logits_filter_callback)(C.transcriberLogitsFilter)
		wparams.logits_filter_callback_user_data = unsafe.Pointer(uintptr(h))
	}

	if rc := C.whisper_full(m.ctx, wparams, (*C.float)(unsafe.Pointer(&samples[0])), C.int(len(samples))); rc != 0 {
		return nil, fmt.Errorf("whispercpp: whisper_full failed (rc=%d)", int(rc))
	}

	nSeg := int(C.whisper_full_n_segments(m.ctx))
	out := make([]asr.Segment, 0, nSeg)
	for s := 0; s < nSeg; s++ {
		nTok := int(C.whisper_full_n_tokens(m.ctx, C.int(s)))
		seg := asr.Segment{Tokens: make([]asr.Token, 0, nTok)}
		for i := 0; i < nTok; i++ {
			td := C.whisper_full_get_token_data(m.ctx, C.int(s), C.int(i))
			seg.Tokens = append(seg.Tokens, asr.Token{
				ID:   int(td.id),
				Text: m.TokenString(int(td.id)),
				T0:   int64(td.t0),
				T1:   int64(td.t1),
			})
		}
		out = append(out, seg)
	}
	return out, nil
}

// Close frees the whisper context.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		C.whisper_free(m.ctx)
		m.ctx = nil
	}
	return nil
}
