package decode

import (
	"container/heap"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/openflow-ai/transcriber/internal/dictionary"
	"github.com/openflow-ai/transcriber/internal/events"
	"github.com/openflow-ai/transcriber/pkg/asr"
)

// FNV-1a 64-bit parameters for prefix hashing.
const (
	fnvOffset64 uint64 = 14695981039346656037
	fnvPrime64  uint64 = 1099511628211
)

// maxPrefixTextTokens and maxPrefixTextBytes bound the optional prefix_text
// diagnostic.
const (
	maxPrefixTextTokens = 48
	maxPrefixTextBytes  = 256
)

// biasIdentity names the decode a filter invocation belongs to.
type biasIdentity struct {
	segmentIndex int
	partialSeq   int
	final        bool
}

// newFilter builds the logit bias callback for one decode. The returned
// filter reads only the given snapshot, so a dictionary reload between
// decodes never affects a decode already in flight. It may be entered
// concurrently across beams.
func (o *Orchestrator) newFilter(snap *dictionary.Snapshot, id biasIdentity) asr.LogitsFilter {
	tokenBeg := o.model.TokenBeg()
	return func(prefix []int, logits []float32) {
		o.runFilter(snap, id, tokenBeg, prefix, logits)
	}
}

func (o *Orchestrator) runFilter(snap *dictionary.Snapshot, id biasIdentity, tokenBeg int, prefix []int, logits []float32) {
	addBias := func(tid int, b float64) {
		if tid < 0 || tid >= len(logits) {
			return
		}
		// Never bias the timestamp/control token range.
		if tokenBeg > 0 && tid >= tokenBeg {
			return
		}
		if !finite(logits[tid]) {
			return
		}
		logits[tid] += float32(b)
	}

	// Continuation boosts: when the beam's tail matches a dictionary prefix,
	// boost the next token of that sequence. At most one boost per sequence,
	// for the longest match.
	boostedCont := make(map[int]float64)
	for _, seq := range snap.TokenSeqs {
		if len(seq) < 2 {
			continue
		}
		maxL := len(seq) - 1
		if len(prefix) < maxL {
			maxL = len(prefix)
		}
		for l := maxL; l >= 1; l-- {
			if !tailMatches(prefix, seq, l) {
				continue
			}
			next := seq[l]
			addBias(next, o.cfg.BiasContinuationLogit)
			boostedCont[next] += o.cfg.BiasContinuationLogit
			break
		}
	}

	// First-token boosts keep dictionary entries reachable, but only while
	// this beam is not already riding a dictionary prefix. Boosting starts of
	// unrelated entries mid-match would keep them artificially hot.
	boostedFirstTotal := 0
	if len(boostedCont) == 0 {
		for _, tid := range snap.FirstTokensOrdered {
			addBias(tid, o.cfg.BiasFirstLogit)
			boostedFirstTotal++
		}
	}

	if !o.cfg.EmitLogitsPackets && o.logitsLog == nil {
		return
	}

	maxLogit := float32(math.Inf(-1))
	for _, v := range logits {
		if finite(v) && v > maxLogit {
			maxLogit = v
		}
	}
	if !finite(maxLogit) {
		return
	}

	// Softmax denominator, optionally restricted to logits near the max.
	sumExp := 0.0
	thr := o.cfg.LogitsProbThreshold
	if thr <= 0 {
		for _, v := range logits {
			if finite(v) {
				sumExp += math.Exp(float64(v) - float64(maxLogit))
			}
		}
	} else {
		minV := float64(maxLogit) - thr
		for _, v := range logits {
			if finite(v) && float64(v) >= minV {
				sumExp += math.Exp(float64(v) - float64(maxLogit))
			}
		}
	}
	if sumExp <= 0 {
		return
	}

	topK := o.cfg.LogitsTopK
	if topK < 1 {
		topK = 1
	}
	top := selectTop(logits, topK)

	hash, prevHash := prefixHashes(prefix)

	var prefixText string
	if o.cfg.LogitsPrefixText {
		prefixText = o.buildPrefixText(prefix)
	}

	pkt := events.Logits{
		SegmentIndex:          id.segmentIndex,
		PartialSeq:            id.partialSeq,
		Final:                 id.final,
		DecodeStep:            len(prefix),
		PrefixLen:             len(prefix),
		PrefixHash:            fmt.Sprintf("%016x", hash),
		PrefixPrevHash:        fmt.Sprintf("%016x", prevHash),
		PrefixText:            prefixText,
		ProbMode:              probMode(thr),
		ProbThreshold:         thr,
		BiasFirstLogit:        o.cfg.BiasFirstLogit,
		BiasContinuationLogit: o.cfg.BiasContinuationLogit,
		DictEntries:           snap.EntriesRaw,
		DictFirstTokens:       len(snap.FirstTokensOrdered),
		BoostedFirstTotal:     boostedFirstTotal,
		BoostedContCount:      len(boostedCont),
		Boosted:               []events.BoostedToken{},
		Top:                   make([]events.TopToken, 0, len(top)),
	}

	if len(prefix) > 0 {
		lastID := prefix[len(prefix)-1]
		lastText := o.model.TokenString(lastID)
		pkt.PrefixLastID = &lastID
		pkt.PrefixLastText = &lastText
	}

	boostedK := o.cfg.LogitsBoostedK
	seen := make(map[int]struct{}, boostedK)
	record := func(tid int, kind string, bias float64, inTop bool) {
		if len(pkt.Boosted) >= boostedK {
			return
		}
		if _, ok := seen[tid]; ok {
			return
		}
		seen[tid] = struct{}{}
		after := float64(logits[tid])
		pkt.Boosted = append(pkt.Boosted, events.BoostedToken{
			ID:          tid,
			Text:        o.model.TokenString(tid),
			Bias:        bias,
			InTop:       inTop,
			LogitBefore: after - bias,
			LogitAfter:  after,
			Kind:        kind,
		})
	}
	if boostedK > 0 {
		if o.cfg.BiasFirstLogit != 0 && boostedFirstTotal > 0 {
			for _, it := range top {
				if _, ok := snap.FirstTokenIDs[it.id]; !ok {
					continue
				}
				record(it.id, "first", o.cfg.BiasFirstLogit, true)
			}
		}
		for _, it := range top {
			if b, ok := boostedCont[it.id]; ok {
				record(it.id, "continuation", b, true)
			}
		}
		for tid, b := range boostedCont {
			if len(pkt.Boosted) >= boostedK {
				break
			}
			record(tid, "continuation", b, false)
		}
	}

	for _, it := range top {
		pkt.Top = append(pkt.Top, events.TopToken{
			ID:    it.id,
			Text:  o.model.TokenString(it.id),
			Logit: float64(it.logit),
			Prob:  math.Exp(float64(it.logit)-float64(maxLogit)) / sumExp,
		})
	}

	if o.cfg.EmitLogitsPackets {
		if err := o.emitter.Emit(pkt); err != nil {
			slog.Warn("decode: emit logits packet failed", "error", err)
		}
	}
	if err := o.logitsLog.Append(pkt); err != nil {
		slog.Warn("decode: append logits packet failed", "error", err)
	}
}

// tailMatches reports whether the last l prefix tokens equal seq[0:l].
func tailMatches(prefix, seq []int, l int) bool {
	off := len(prefix) - l
	for j := 0; j < l; j++ {
		if prefix[off+j] != seq[j] {
			return false
		}
	}
	return true
}

// prefixHashes returns the FNV-1a 64 hash over the prefix token ids and the
// same hash before absorbing the last token.
func prefixHashes(prefix []int) (hash, prev uint64) {
	hash = fnvOffset64
	prev = fnvOffset64
	for i, tid := range prefix {
		if i == len(prefix)-1 {
			prev = hash
		}
		hash ^= uint64(uint32(tid))
		hash *= fnvPrime64
	}
	return hash, prev
}

// buildPrefixText concatenates the last token pieces of the prefix, skipping
// control pieces, trimmed to the trailing bytes.
func (o *Orchestrator) buildPrefixText(prefix []int) string {
	start := 0
	if len(prefix) > maxPrefixTextTokens {
		start = len(prefix) - maxPrefixTextTokens
	}
	var b strings.Builder
	for _, tid := range prefix[start:] {
		piece := o.model.TokenString(tid)
		if piece == "" || isControlPiece(piece) {
			continue
		}
		b.WriteString(piece)
	}
	text := b.String()
	if len(text) > maxPrefixTextBytes {
		text = text[len(text)-maxPrefixTextBytes:]
	}
	return text
}

func probMode(threshold float64) string {
	if threshold <= 0 {
		return "full"
	}
	return "threshold"
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

type topItem struct {
	id    int
	logit float32
}

// topHeap is a min-heap by logit, so the root is always the weakest
// candidate to evict.
type topHeap []topItem

func (h topHeap) Len() int           { return len(h) }
func (h topHeap) Less(i, j int) bool { return h[i].logit < h[j].logit }
func (h topHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *topHeap) Push(x any)        { *h = append(*h, x.(topItem)) }

func (h *topHeap) Pop() any {
	old := *h
	it := old[len(old)-1]
	*h = old[:len(old)-1]
	return it
}

// selectTop returns the k highest finite logits sorted descending.
func selectTop(logits []float32, k int) []topItem {
	h := make(topHeap, 0, k)
	for i, v := range logits {
		if !finite(v) {
			continue
		}
		if len(h) < k {
			h = append(h, topItem{id: i, logit: v})
			if len(h) == k {
				heap.Init(&h)
			}
			continue
		}
		if v <= h[0].logit {
			continue
		}
		h[0] = topItem{id: i, logit: v}
		heap.Fix(&h, 0)
	}
	sort.Slice(h, func(i, j int) bool { return h[i].logit > h[j].logit })
	return h
}
