package decode

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"

	"github.com/openflow-ai/transcriber/internal/dictionary"
	"github.com/openflow-ai/transcriber/internal/events"
	asrmock "github.com/openflow-ai/transcriber/pkg/asr/mock"
)

func testSnapshot() *dictionary.Snapshot {
	// Two multi-token sequences plus one single-token entry.
	return &dictionary.Snapshot{
		EntryTexts:         []string{"abx", "cd", "e"},
		TokenSeqs:          [][]int{{1, 2, 3}, {4, 5}, {6}},
		FirstTokensOrdered: []int{1, 4, 6},
		FirstTokenIDs:      map[int]struct{}{1: {}, 4: {}, 6: {}},
		EntriesRaw:         3,
		TotalTokens:        6,
	}
}

func newBiasOrchestrator(cfg Config) (*Orchestrator, *asrmock.Model, *bytes.Buffer) {
	model := &asrmock.Model{
		Pieces:      map[int]string{1: " a", 2: "b", 3: "x", 4: " c", 5: "d", 6: " e", 7: "q"},
		NVocabVal:   16,
		TokenBegVal: 12,
	}
	var buf bytes.Buffer
	o := &Orchestrator{model: model, cfg: cfg, emitter: events.NewEmitter(&buf)}
	return o, model, &buf
}

func defaultBiasConfig() Config {
	return Config{
		BiasFirstLogit:        0.35,
		BiasContinuationLogit: 0.85,
		LogitsTopK:            5,
		LogitsProbThreshold:   20.0,
		LogitsBoostedK:        24,
	}
}

func TestFilterBoostsFirstTokensWhenIdle(t *testing.T) {
	o, model, _ := newBiasOrchestrator(defaultBiasConfig())
	filter := o.newFilter(testSnapshot(), biasIdentity{segmentIndex: 0, partialSeq: 0})

	logits := make([]float32, model.NVocabVal)
	filter(nil, logits)

	for _, id := range []int{1, 4, 6} {
		if math.Abs(float64(logits[id])-0.35) > 1e-6 {
			t.Errorf("logits[%d] = %v, want 0.35", id, logits[id])
		}
	}
	if logits[2] != 0 || logits[5] != 0 {
		t.Error("non-first tokens must not be boosted while idle")
	}
}

func TestFilterContinuationSuppressesFirstBoosts(t *testing.T) {
	o, model, _ := newBiasOrchestrator(defaultBiasConfig())
	filter := o.newFilter(testSnapshot(), biasIdentity{})

	logits := make([]float32, model.NVocabVal)
	filter([]int{9, 1}, logits)

	// Prefix tail matches seq {1,2,3} at length 1: only the continuation is
	// boosted.
	if math.Abs(float64(logits[2])-0.85) > 1e-6 {
		t.Errorf("logits[2] = %v, want 0.85", logits[2])
	}
	for _, id := range []int{1, 4, 6} {
		if logits[id] != 0 {
			t.Errorf("logits[%d] = %v, first boosts must be suppressed mid-match", id, logits[id])
		}
	}
}

func TestFilterPrefersLongestSuffixMatch(t *testing.T) {
	o, model, _ := newBiasOrchestrator(defaultBiasConfig())
	filter := o.newFilter(testSnapshot(), biasIdentity{})

	logits := make([]float32, model.NVocabVal)
	filter([]int{1, 2}, logits)

	// {1,2,3} matches at l=2, boosting token 3. Token 2 must not also be
	// boosted via the shorter l=1 match.
	if math.Abs(float64(logits[3])-0.85) > 1e-6 {
		t.Errorf("logits[3] = %v, want 0.85", logits[3])
	}
	if logits[2] != 0 {
		t.Errorf("logits[2] = %v, want 0 (only the longest match per sequence)", logits[2])
	}
}

func TestFilterNeverBiasesControlRangeOrNonFinite(t *testing.T) {
	o, model, _ := newBiasOrchestrator(defaultBiasConfig())
	snap := &dictionary.Snapshot{
		TokenSeqs:          [][]int{{13, 14}},
		FirstTokensOrdered: []int{13, 1},
		FirstTokenIDs:      map[int]struct{}{13: {}, 1: {}},
	}
	filter := o.newFilter(snap, biasIdentity{})

	logits := make([]float32, model.NVocabVal)
	logits[1] = float32(math.Inf(-1))
	filter(nil, logits)

	// Token 13 is in the timestamp/control range (token_beg = 12).
	if logits[13] != 0 {
		t.Errorf("logits[13] = %v, control range must never be biased", logits[13])
	}
	if !math.IsInf(float64(logits[1]), -1) {
		t.Errorf("logits[1] = %v, non-finite entries must stay untouched", logits[1])
	}
}

func decodeLogitsPacket(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("unmarshal logits packet: %v (%q)", err, buf.String())
	}
	return m
}

func TestFilterEmitsLogitsPacket(t *testing.T) {
	cfg := defaultBiasConfig()
	cfg.EmitLogitsPackets = true
	cfg.LogitsTopK = 3
	cfg.LogitsProbThreshold = 0
	o, model, buf := newBiasOrchestrator(cfg)
	filter := o.newFilter(testSnapshot(), biasIdentity{segmentIndex: 2, partialSeq: 1, final: true})

	logits := make([]float32, model.NVocabVal)
	for i := range logits {
		logits[i] = float32(math.Inf(-1))
	}
	logits[7] = 2.0
	logits[5] = 1.0
	logits[2] = 0.5
	logits[3] = 0.1
	filter([]int{1, 2}, logits)

	pkt := decodeLogitsPacket(t, buf)
	if pkt["event"] != "logits" {
		t.Fatalf("event = %v", pkt["event"])
	}
	if pkt["segment_index"] != float64(2) || pkt["partial_seq"] != float64(1) || pkt["final"] != true {
		t.Errorf("identity = %v/%v/%v", pkt["segment_index"], pkt["partial_seq"], pkt["final"])
	}
	if pkt["decode_step"] != float64(2) || pkt["prefix_len"] != float64(2) {
		t.Errorf("decode_step/prefix_len = %v/%v", pkt["decode_step"], pkt["prefix_len"])
	}
	if pkt["prefix_hash"] != "082f2407b4e8902a" {
		t.Errorf("prefix_hash = %v", pkt["prefix_hash"])
	}
	if pkt["prefix_prev_hash"] != "af63bc4c8601b62c" {
		t.Errorf("prefix_prev_hash = %v", pkt["prefix_prev_hash"])
	}
	if pkt["prob_mode"] != "full" {
		t.Errorf("prob_mode = %v", pkt["prob_mode"])
	}
	if pkt["prefix_last_id"] != float64(2) || pkt["prefix_last_text"] != "b" {
		t.Errorf("prefix_last = %v/%v", pkt["prefix_last_id"], pkt["prefix_last_text"])
	}
	if pkt["dict_entries"] != float64(3) || pkt["dict_first_tokens"] != float64(3) {
		t.Errorf("dict counts = %v/%v", pkt["dict_entries"], pkt["dict_first_tokens"])
	}
	// Prefix {1,2} rides sequence {1,2,3}: one continuation boost, no first
	// boosts.
	if pkt["boosted_cont_count"] != float64(1) || pkt["boosted_first_total"] != float64(0) {
		t.Errorf("boost counts = %v/%v", pkt["boosted_cont_count"], pkt["boosted_first_total"])
	}

	top := pkt["top"].([]any)
	if len(top) != 3 {
		t.Fatalf("top has %d entries, want 3", len(top))
	}
	first := top[0].(map[string]any)
	if first["id"] != float64(7) || first["text"] != "q" {
		t.Errorf("top[0] = %v", first)
	}
	// Token 3 was boosted to 0.1+0.85 = 0.95 before packet assembly, so the
	// descending order is 7, 5, 3.
	second := top[1].(map[string]any)
	third := top[2].(map[string]any)
	if second["id"] != float64(5) || third["id"] != float64(3) {
		t.Errorf("top order = %v, %v", second["id"], third["id"])
	}
	if p := first["prob"].(float64); p <= 0 || p > 1 {
		t.Errorf("top[0].prob = %v", p)
	}

	boosted := pkt["boosted"].([]any)
	if len(boosted) != 1 {
		t.Fatalf("boosted has %d entries, want 1", len(boosted))
	}
	b := boosted[0].(map[string]any)
	if b["id"] != float64(3) || b["kind"] != "continuation" || b["in_top"] != true {
		t.Errorf("boosted[0] = %v", b)
	}
	if math.Abs(b["logit_after"].(float64)-b["logit_before"].(float64)-0.85) > 1e-5 {
		t.Errorf("boosted bias mismatch: %v", b)
	}
}

func TestFilterBoostedListsFirstTokensInTop(t *testing.T) {
	cfg := defaultBiasConfig()
	cfg.EmitLogitsPackets = true
	cfg.LogitsTopK = 4
	o, model, buf := newBiasOrchestrator(cfg)
	filter := o.newFilter(testSnapshot(), biasIdentity{})

	logits := make([]float32, model.NVocabVal)
	logits[1] = 3.0
	logits[4] = 2.0
	logits[7] = 1.0
	filter(nil, logits)

	pkt := decodeLogitsPacket(t, buf)
	// Tokens 1, 4 and 6 all land in the top-k after their first boosts.
	boosted := pkt["boosted"].([]any)
	if len(boosted) != 3 {
		t.Fatalf("boosted has %d entries, want 3", len(boosted))
	}
	for i, wantID := range []float64{1, 4, 6} {
		b := boosted[i].(map[string]any)
		if b["id"] != wantID || b["kind"] != "first" || b["in_top"] != true {
			t.Errorf("boosted[%d] = %v", i, b)
		}
	}
	if pkt["boosted_first_total"] != float64(3) {
		t.Errorf("boosted_first_total = %v, want 3", pkt["boosted_first_total"])
	}
}

func TestFilterSkipsPacketWhenNoSinkWantsIt(t *testing.T) {
	o, model, buf := newBiasOrchestrator(defaultBiasConfig())
	filter := o.newFilter(testSnapshot(), biasIdentity{})

	logits := make([]float32, model.NVocabVal)
	filter(nil, logits)

	if buf.Len() != 0 {
		t.Errorf("packet emitted with stdout packets disabled and no log: %q", buf.String())
	}
	// Bias still applies.
	if logits[1] == 0 {
		t.Error("bias skipped along with the packet")
	}
}

func TestFilterWritesPacketToLogitsLog(t *testing.T) {
	cfg := defaultBiasConfig()
	o, model, buf := newBiasOrchestrator(cfg)
	var logBuf bytes.Buffer
	o.logitsLog = events.NewLogitsLog(&logBuf, 0)
	filter := o.newFilter(testSnapshot(), biasIdentity{})

	logits := make([]float32, model.NVocabVal)
	filter(nil, logits)

	if buf.Len() != 0 {
		t.Error("stdout packet emitted while disabled")
	}
	if !bytes.Contains(logBuf.Bytes(), []byte(`"event":"logits"`)) {
		t.Errorf("logits log missing packet: %q", logBuf.String())
	}
}

func TestFilterPrefixTextSkipsControlPieces(t *testing.T) {
	cfg := defaultBiasConfig()
	cfg.EmitLogitsPackets = true
	cfg.LogitsPrefixText = true
	o, model, buf := newBiasOrchestrator(cfg)
	model.Pieces[8] = "<|en|>"
	model.Pieces[9] = "[_BEG_]"
	filter := o.newFilter(testSnapshot(), biasIdentity{})

	logits := make([]float32, model.NVocabVal)
	filter([]int{8, 1, 9, 2}, logits)

	pkt := decodeLogitsPacket(t, buf)
	if pkt["prefix_text"] != " ab" {
		t.Errorf("prefix_text = %q, want %q", pkt["prefix_text"], " ab")
	}
}

func TestFilterEmptyPrefixHashAndOmittedLast(t *testing.T) {
	cfg := defaultBiasConfig()
	cfg.EmitLogitsPackets = true
	o, model, buf := newBiasOrchestrator(cfg)
	filter := o.newFilter(testSnapshot(), biasIdentity{})

	logits := make([]float32, model.NVocabVal)
	filter(nil, logits)

	pkt := decodeLogitsPacket(t, buf)
	if pkt["prefix_hash"] != "cbf29ce484222325" || pkt["prefix_prev_hash"] != "cbf29ce484222325" {
		t.Errorf("empty-prefix hashes = %v/%v", pkt["prefix_hash"], pkt["prefix_prev_hash"])
	}
	if _, ok := pkt["prefix_last_id"]; ok {
		t.Error("prefix_last_id present for empty prefix")
	}
	if _, ok := pkt["prefix_last_text"]; ok {
		t.Error("prefix_last_text present for empty prefix")
	}
}

func TestSelectTopHandlesFewerCandidatesThanK(t *testing.T) {
	logits := []float32{0.5, float32(math.Inf(-1)), 1.5}
	top := selectTop(logits, 10)
	if len(top) != 2 {
		t.Fatalf("got %d items, want 2", len(top))
	}
	if top[0].id != 2 || top[1].id != 0 {
		t.Errorf("order = %d, %d", top[0].id, top[1].id)
	}
}
