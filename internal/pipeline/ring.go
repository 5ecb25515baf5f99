package pipeline

import (
	"log/slog"
	"sync"
)

// Ring is the capture ring buffer. Producers write sample batches from the
// capture thread; the pipeline goroutine reads trailing windows. All state
// is guarded by one mutex so (pos, len, total) always form a consistent
// timeline snapshot.
//
// The timeline counter advances by every sample the producer delivered,
// including samples dropped because the batch exceeded the capacity, so the
// reported audio time never drifts from wall clock.
type Ring struct {
	mu         sync.Mutex
	buf        []float32
	pos        int
	length     int
	total      int64
	dropped    int64
	running    bool
	sampleRate int
}

// NewRing allocates a ring holding capacityMS milliseconds of audio.
func NewRing(capacityMS, sampleRate int) *Ring {
	return &Ring{
		buf:        make([]float32, capacityMS*sampleRate/1000),
		sampleRate: sampleRate,
	}
}

// Resume starts production and resets the timeline to zero.
func (r *Ring) Resume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		slog.Warn("capture ring: resume while already running")
		return false
	}
	r.pos = 0
	r.length = 0
	r.total = 0
	r.running = true
	return true
}

// Pause stops production. Buffered samples stay readable.
func (r *Ring) Pause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		slog.Warn("capture ring: pause while not running")
		return false
	}
	r.running = false
	return true
}

// Running reports whether the ring is accepting writes.
func (r *Ring) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Clear empties the buffer but preserves the timeline counter.
func (r *Ring) Clear() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		slog.Warn("capture ring: clear while not running")
		return false
	}
	r.pos = 0
	r.length = 0
	return true
}

// Write ingests a batch of samples from the capture source. Batches larger
// than the ring capacity keep only their tail, but the timeline advances by
// the full batch size. Writes while paused are discarded.
func (r *Ring) Write(samples []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}

	s := len(samples)
	in := samples
	if s > len(r.buf) {
		r.dropped += int64(s - len(r.buf))
		in = samples[s-len(r.buf):]
	}

	n := len(in)
	first := len(r.buf) - r.pos
	if first > n {
		first = n
	}
	copy(r.buf[r.pos:], in[:first])
	copy(r.buf, in[first:])

	r.pos = (r.pos + n) % len(r.buf)
	r.length += n
	if r.length > len(r.buf) {
		r.length = len(r.buf)
	}
	r.total += int64(s)
}

// Get returns the most recent min(windowMS, buffered) milliseconds as a
// fresh contiguous slice, plus the timeline position in ms.
func (r *Ring) Get(windowMS int) ([]float32, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timelineMS := r.total * 1000 / int64(r.sampleRate)
	if r.length == 0 {
		if !r.running && r.total == 0 {
			slog.Debug("capture ring: get before resume")
		}
		return nil, timelineMS
	}

	want := windowMS * r.sampleRate / 1000
	if want > r.length {
		want = r.length
	}

	out := make([]float32, want)
	start := r.pos - want
	if start < 0 {
		start += len(r.buf)
	}
	first := len(r.buf) - start
	if first > want {
		first = want
	}
	copy(out, r.buf[start:start+first])
	copy(out[first:], r.buf[:want-first])
	return out, timelineMS
}

// Dropped returns the number of samples discarded by oversized writes.
func (r *Ring) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Compile-time assertion that Ring satisfies CaptureSource.
var _ CaptureSource = (*Ring)(nil)
