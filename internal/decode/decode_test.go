package decode_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openflow-ai/transcriber/internal/decode"
	"github.com/openflow-ai/transcriber/internal/dictionary"
	"github.com/openflow-ai/transcriber/internal/events"
	"github.com/openflow-ai/transcriber/pkg/asr"
	asrmock "github.com/openflow-ai/transcriber/pkg/asr/mock"
)

func newDictManager(t *testing.T, model asr.Model, contents string) *dictionary.Manager {
	t.Helper()
	cfg := dictionary.Config{PollInterval: time.Second}
	if contents != "" {
		path := filepath.Join(t.TempDir(), "dict.txt")
		if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg.Path = path
	}
	return dictionary.New(model, cfg, events.NewEmitter(io.Discard), nil)
}

func newOrchestrator(t *testing.T, model *asrmock.Model, cfg decode.Config, dictContents string, opts ...decode.Option) (*decode.Orchestrator, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	dict := newDictManager(t, model, dictContents)
	return decode.New(model, cfg, dict, events.NewEmitter(&buf), opts...), &buf
}

func lastSegmentPacket(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["event"] != "segment" {
		t.Fatalf("last packet is %v, want segment", m["event"])
	}
	return m
}

func TestTranscribeEmitsSegmentPacket(t *testing.T) {
	model := &asrmock.Model{
		Segments: []asr.Segment{{Tokens: []asr.Token{
			{ID: 100, Text: " hel", T0: 0, T1: 5},
			{ID: 101, Text: "lo", T0: 5, T1: 8},
			{ID: 102, Text: "<|endoftext|>", T0: -1, T1: -1},
		}}},
	}
	o, buf := newOrchestrator(t, model, decode.Config{Language: "en", Threads: 4}, "")

	o.Transcribe(context.Background(), make([]float32, 16000), 3, 32000, true, 0.72, 2)

	pkt := lastSegmentPacket(t, buf)
	if pkt["segment_index"] != float64(3) || pkt["partial_seq"] != float64(2) || pkt["final"] != true {
		t.Errorf("identity = %v/%v/%v", pkt["segment_index"], pkt["partial_seq"], pkt["final"])
	}
	if pkt["start_ms"] != float64(2000) || pkt["end_ms"] != float64(3000) || pkt["duration_ms"] != float64(1000) {
		t.Errorf("timing = %v/%v/%v", pkt["start_ms"], pkt["end_ms"], pkt["duration_ms"])
	}
	if pkt["avg_vad"] != 0.72 {
		t.Errorf("avg_vad = %v", pkt["avg_vad"])
	}
	if pkt["text"] != " hello" {
		t.Errorf("text = %q, want %q", pkt["text"], " hello")
	}

	tokens := pkt["tokens"].([]any)
	if len(tokens) != 2 {
		t.Fatalf("got %d tokens, want 2 (control piece dropped)", len(tokens))
	}
	first := tokens[0].(map[string]any)
	if first["text"] != " hel" || first["t0_ms"] != float64(2000) || first["t1_ms"] != float64(2050) {
		t.Errorf("token[0] = %v", first)
	}
	if first["leading_space"] != true {
		t.Error("token[0].leading_space = false, want true")
	}
	second := tokens[1].(map[string]any)
	if second["t0_ms"] != float64(2050) || second["t1_ms"] != float64(2080) || second["leading_space"] != false {
		t.Errorf("token[1] = %v", second)
	}
}

func TestTranscribeNegativeTimestampsStayNegative(t *testing.T) {
	model := &asrmock.Model{
		Segments: []asr.Segment{{Tokens: []asr.Token{{ID: 1, Text: "hi", T0: -1, T1: -1}}}},
	}
	o, buf := newOrchestrator(t, model, decode.Config{}, "")
	o.Transcribe(context.Background(), make([]float32, 1600), 0, 160000, false, 0.5, 0)

	pkt := lastSegmentPacket(t, buf)
	tok := pkt["tokens"].([]any)[0].(map[string]any)
	if tok["t0_ms"] != float64(-1) || tok["t1_ms"] != float64(-1) {
		t.Errorf("timestamps = %v/%v, want -1/-1", tok["t0_ms"], tok["t1_ms"])
	}
}

func TestTranscribeSkipsEmptyBuffer(t *testing.T) {
	model := &asrmock.Model{}
	o, buf := newOrchestrator(t, model, decode.Config{}, "")
	o.Transcribe(context.Background(), nil, 0, 0, true, 0, 0)

	if model.DecodeCallCount() != 0 {
		t.Error("empty buffer must not reach the model")
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected output: %q", buf.String())
	}
}

func TestTranscribeDecodeFailureEmitsNothing(t *testing.T) {
	model := &asrmock.Model{DecodeErr: errors.New("inference failed")}
	var seen []error
	observer := func(d time.Duration, final bool, err error) { seen = append(seen, err) }
	o, buf := newOrchestrator(t, model, decode.Config{}, "", decode.WithDecodeObserver(observer))

	o.Transcribe(context.Background(), make([]float32, 1600), 0, 0, true, 0.5, 0)

	if strings.Contains(buf.String(), `"event":"segment"`) {
		t.Errorf("segment emitted after decode failure: %q", buf.String())
	}
	if len(seen) != 1 || seen[0] == nil {
		t.Errorf("observer calls = %v, want one with the error", seen)
	}
}

func TestTranscribeAttachesDictionaryPrompt(t *testing.T) {
	model := &asrmock.Model{Vocab: map[string][]int{"kubernetes": {7}, " kubernetes": {8}}}
	cfg := decode.Config{SendPrompt: true}
	o, _ := newOrchestrator(t, model, cfg, "kubernetes")

	o.Transcribe(context.Background(), make([]float32, 1600), 0, 0, true, 0.5, 0)

	calls := model.DecodeCalls
	if len(calls) != 1 {
		t.Fatalf("decode calls = %d, want 1", len(calls))
	}
	p := calls[0].Params
	if p.InitialPrompt != "kubernetes" {
		t.Errorf("InitialPrompt = %q", p.InitialPrompt)
	}
	if p.UseBeam || p.Filter != nil {
		t.Error("greedy decode must not carry beam or filter")
	}
}

func TestTranscribePromptTruncated(t *testing.T) {
	model := &asrmock.Model{}
	long := strings.Repeat("a", 5000)
	o, _ := newOrchestrator(t, model, decode.Config{SendPrompt: true}, long)

	o.Transcribe(context.Background(), make([]float32, 1600), 0, 0, true, 0.5, 0)

	p := model.DecodeCalls[0].Params
	if len(p.InitialPrompt) != 4096 {
		t.Errorf("prompt length = %d, want 4096", len(p.InitialPrompt))
	}
}

func TestTranscribeNoPromptWhenDisabledOrEmpty(t *testing.T) {
	model := &asrmock.Model{}
	o, _ := newOrchestrator(t, model, decode.Config{SendPrompt: false}, "kubernetes")
	o.Transcribe(context.Background(), make([]float32, 1600), 0, 0, true, 0.5, 0)
	if p := model.DecodeCalls[0].Params.InitialPrompt; p != "" {
		t.Errorf("prompt = %q with send_prompt disabled", p)
	}

	model2 := &asrmock.Model{}
	o2, _ := newOrchestrator(t, model2, decode.Config{SendPrompt: true}, "")
	o2.Transcribe(context.Background(), make([]float32, 1600), 0, 0, true, 0.5, 0)
	if p := model2.DecodeCalls[0].Params.InitialPrompt; p != "" {
		t.Errorf("prompt = %q with no dictionary", p)
	}
}

func TestTranscribeBeamClamping(t *testing.T) {
	cases := []struct {
		name      string
		requested int
		want      int
	}{
		{"above model limit", 16, 8},
		{"below minimum", 1, 2},
		{"model default", 0, 0},
		{"in range", 5, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			model := &asrmock.Model{NVocabVal: 4}
			cfg := decode.Config{BiasDecoding: true, BeamSize: tc.requested}
			o, _ := newOrchestrator(t, model, cfg, "")
			o.Transcribe(context.Background(), make([]float32, 1600), 0, 0, true, 0.5, 0)

			p := model.DecodeCalls[0].Params
			if !p.UseBeam {
				t.Error("UseBeam = false with bias decoding enabled")
			}
			if p.BeamSize != tc.want {
				t.Errorf("BeamSize = %d, want %d", p.BeamSize, tc.want)
			}
			if p.Filter == nil {
				t.Error("bias decoding must install a logits filter")
			}
		})
	}
}

type fakeCorrector struct {
	corrected   string
	corrections []events.Correction
	calls       []string
}

func (f *fakeCorrector) Correct(text string) (string, []events.Correction) {
	f.calls = append(f.calls, text)
	return f.corrected, f.corrections
}

func TestTranscribeCorrectsFinalsOnly(t *testing.T) {
	model := &asrmock.Model{
		Segments: []asr.Segment{{Tokens: []asr.Token{{ID: 1, Text: " cooper netties", T0: -1, T1: -1}}}},
	}
	fc := &fakeCorrector{
		corrected:   " kubernetes",
		corrections: []events.Correction{{Original: "cooper netties", Corrected: "kubernetes", Confidence: 0.91}},
	}
	o, buf := newOrchestrator(t, model, decode.Config{}, "", decode.WithCorrector(fc))

	o.Transcribe(context.Background(), make([]float32, 1600), 0, 0, false, 0.5, 0)
	pkt := lastSegmentPacket(t, buf)
	if _, ok := pkt["corrected_text"]; ok {
		t.Error("partial hypothesis was corrected")
	}
	if len(fc.calls) != 0 {
		t.Errorf("corrector called %d times for a partial", len(fc.calls))
	}

	o.Transcribe(context.Background(), make([]float32, 1600), 0, 0, true, 0.5, 1)
	pkt = lastSegmentPacket(t, buf)
	if pkt["corrected_text"] != " kubernetes" {
		t.Errorf("corrected_text = %v", pkt["corrected_text"])
	}
	corrections := pkt["corrections"].([]any)
	if len(corrections) != 1 {
		t.Fatalf("corrections = %v", pkt["corrections"])
	}
	c := corrections[0].(map[string]any)
	if c["original"] != "cooper netties" || c["corrected"] != "kubernetes" {
		t.Errorf("correction = %v", c)
	}
}
