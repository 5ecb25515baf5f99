package pipeline

import (
	"fmt"

	"github.com/openflow-ai/transcriber/internal/events"
	"github.com/openflow-ai/transcriber/pkg/vad"
)

// Pump feeds staged samples through the VAD engine in fixed frames and hands
// each scored frame to the segmenter. Incomplete trailing samples stay
// staged until the next push. Confined to the pipeline goroutine.
type Pump struct {
	engine  vad.Engine
	seg     *Segmenter
	emitter *events.Emitter
	emitVAD bool

	staging    []float32
	frameSize  int
	sampleRate int
}

// NewPump wires a VAD engine to a segmenter. emitter may be nil to suppress
// vad events entirely; emitVAD gates them when an emitter is present.
func NewPump(engine vad.Engine, seg *Segmenter, emitter *events.Emitter, emitVAD bool) *Pump {
	return &Pump{
		engine:     engine,
		seg:        seg,
		emitter:    emitter,
		emitVAD:    emitVAD,
		frameSize:  engine.FrameSize(),
		sampleRate: engine.SampleRate(),
	}
}

// Push stages new samples and drains every complete frame through the VAD
// engine and the segmenter.
func (p *Pump) Push(samples []float32) error {
	p.staging = append(p.staging, samples...)
	return p.drain()
}

// Flush zero-pads any trailing partial frame to a full frame and processes
// it, so file-based inputs score their last samples.
func (p *Pump) Flush() error {
	if len(p.staging) == 0 {
		return nil
	}
	if rem := len(p.staging) % p.frameSize; rem != 0 {
		p.staging = append(p.staging, make([]float32, p.frameSize-rem)...)
	}
	return p.drain()
}

func (p *Pump) drain() error {
	n := 0
	for len(p.staging)-n >= p.frameSize {
		frame := p.staging[n : n+p.frameSize]
		prob, err := p.engine.Infer(frame)
		if err != nil {
			p.staging = append(p.staging[:0], p.staging[n:]...)
			return fmt.Errorf("pipeline: vad inference: %w", err)
		}

		p.seg.ProcessFrame(frame, prob)

		if p.emitVAD && p.emitter != nil {
			if err := p.emitter.Emit(events.VAD{
				AudioTimeMS:  p.seg.Total() * 1000 / int64(p.sampleRate),
				Prob:         float64(prob),
				ChunkSamples: p.frameSize,
				SampleRate:   p.sampleRate,
			}); err != nil {
				return err
			}
		}
		n += p.frameSize
	}
	p.staging = append(p.staging[:0], p.staging[n:]...)
	return nil
}

// Pending returns the number of staged samples awaiting a full frame.
func (p *Pump) Pending() int { return len(p.staging) }

// Reset drops staged samples and zeroes the VAD recurrent state.
func (p *Pump) Reset() error {
	p.staging = p.staging[:0]
	if err := p.engine.Reset(); err != nil {
		return fmt.Errorf("pipeline: vad reset: %w", err)
	}
	return nil
}
