// Package mock provides a test double for the vad package interfaces.
//
// Use Engine to script per-frame speech probabilities and inspect the frames
// the pipeline submitted.
//
// Example:
//
//	e := &mock.Engine{Probs: []float32{0.9, 0.9, 0.1}}
//	p, _ := e.Infer(frame) // 0.9, then 0.9, then 0.1, then DefaultProb
package mock

import (
	"sync"

	"github.com/openflow-ai/transcriber/pkg/vad"
)

// Engine is a mock implementation of vad.Engine.
//
// Infer returns Probs in order, one per call, then DefaultProb once the
// script is exhausted. Every call is recorded.
type Engine struct {
	mu sync.Mutex

	// Probs is the scripted probability per Infer call, consumed in order.
	Probs []float32

	// DefaultProb is returned once Probs is exhausted.
	DefaultProb float32

	// InferErr, if non-nil, is returned by every Infer call.
	InferErr error

	// ResetErr, if non-nil, is returned by Reset.
	ResetErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// InferCalls records a copy of every frame passed to Infer in order.
	InferCalls [][]float32

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// FrameSizeVal is returned by FrameSize. Zero falls back to
	// vad.FrameSize.
	FrameSizeVal int

	// SampleRateVal is returned by SampleRate. Zero falls back to
	// vad.SampleRate.
	SampleRateVal int

	next int
}

// FrameSize returns FrameSizeVal, or vad.FrameSize when unset.
func (e *Engine) FrameSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FrameSizeVal > 0 {
		return e.FrameSizeVal
	}
	return vad.FrameSize
}

// SampleRate returns SampleRateVal, or vad.SampleRate when unset.
func (e *Engine) SampleRate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.SampleRateVal > 0 {
		return e.SampleRateVal
	}
	return vad.SampleRate
}

// Infer records the frame and returns the next scripted probability.
func (e *Engine) Infer(frame []float32) (float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]float32, len(frame))
	copy(cp, frame)
	e.InferCalls = append(e.InferCalls, cp)
	if e.InferErr != nil {
		return 0, e.InferErr
	}
	if e.next < len(e.Probs) {
		p := e.Probs[e.next]
		e.next++
		return p, nil
	}
	return e.DefaultProb, nil
}

// Reset records the call and returns ResetErr.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ResetCallCount++
	return e.ResetErr
}

// Close records the call and returns CloseErr.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCallCount++
	return e.CloseErr
}

// InferCallCount returns the number of Infer calls. Thread-safe.
func (e *Engine) InferCallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.InferCalls)
}

// ResetCalls clears all recorded calls and rewinds the probability script.
// Thread-safe.
func (e *Engine) ResetCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.InferCalls = nil
	e.ResetCallCount = 0
	e.CloseCallCount = 0
	e.next = 0
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)
