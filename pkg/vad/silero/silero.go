// Package silero provides the Silero VAD implementation of [vad.Engine],
// running the ONNX model through onnxruntime.
//
// The engine feeds the model a [1, 512] float32 frame together with the
// recurrent state tensor [2, 1, 128] and the sample rate, and reads back the
// speech probability and the next state. State is carried across Infer calls
// until Reset.
package silero

import (
	"fmt"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/openflow-ai/transcriber/pkg/vad"
)

// stateLen is the flattened size of the Silero recurrent state [2, 1, 128].
const stateLen = 2 * 1 * 128

// Config holds the model-load options for the Silero engine.
type Config struct {
	// ModelPath is the path to the silero_vad.onnx model file.
	ModelPath string

	// LibraryPath, when non-empty, overrides the onnxruntime shared library
	// location before environment initialization.
	LibraryPath string
}

// initOnce guards process-wide onnxruntime environment initialization.
var initOnce sync.Once

// Engine is the Silero-backed [vad.Engine].
type Engine struct {
	session *ort.DynamicAdvancedSession
	state   *ort.Tensor[float32]
	sr      *ort.Tensor[int64]
	closed  bool
}

// Compile-time assertion that Engine satisfies vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// New loads the Silero VAD model from cfg.ModelPath.
func New(cfg Config) (*Engine, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("silero: model path must not be empty")
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	var initErr error
	initOnce.Do(func() {
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil && !strings.Contains(initErr.Error(), "already initialized") {
		return nil, fmt.Errorf("silero: initialize onnxruntime: %w", initErr)
	}

	state, err := ort.NewTensor(ort.NewShape(2, 1, 128), make([]float32, stateLen))
	if err != nil {
		return nil, fmt.Errorf("silero: create state tensor: %w", err)
	}
	sr, err := ort.NewTensor(ort.NewShape(1), []int64{vad.SampleRate})
	if err != nil {
		state.Destroy()
		return nil, fmt.Errorf("silero: create sample-rate tensor: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		nil,
	)
	if err != nil {
		state.Destroy()
		sr.Destroy()
		return nil, fmt.Errorf("silero: load model %q: %w", cfg.ModelPath, err)
	}

	return &Engine{session: session, state: state, sr: sr}, nil
}

// Infer scores one frame and advances the recurrent state.
func (e *Engine) Infer(frame []float32) (float32, error) {
	if e.closed {
		return 0, fmt.Errorf("silero: engine is closed")
	}
	if len(frame) != vad.FrameSize {
		return 0, fmt.Errorf("silero: frame must be %d samples, got %d", vad.FrameSize, len(frame))
	}

	input, err := ort.NewTensor(ort.NewShape(1, vad.FrameSize), frame)
	if err != nil {
		return 0, fmt.Errorf("silero: create input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewTensor(ort.NewShape(1, 1), make([]float32, 1))
	if err != nil {
		return 0, fmt.Errorf("silero: create output tensor: %w", err)
	}
	defer output.Destroy()

	nextState, err := ort.NewTensor(ort.NewShape(2, 1, 128), make([]float32, stateLen))
	if err != nil {
		return 0, fmt.Errorf("silero: create next-state tensor: %w", err)
	}
	defer nextState.Destroy()

	err = e.session.Run(
		[]ort.Value{input, e.state, e.sr},
		[]ort.Value{output, nextState},
	)
	if err != nil {
		return 0, fmt.Errorf("silero: inference failed: %w", err)
	}

	copy(e.state.GetData(), nextState.GetData())
	return output.GetData()[0], nil
}

// FrameSize returns the fixed Silero frame size.
func (e *Engine) FrameSize() int { return vad.FrameSize }

// SampleRate returns the fixed Silero sample rate.
func (e *Engine) SampleRate() int { return vad.SampleRate }

// Reset zeroes the recurrent state.
func (e *Engine) Reset() error {
	if e.closed {
		return fmt.Errorf("silero: engine is closed")
	}
	data := e.state.GetData()
	for i := range data {
		data[i] = 0
	}
	return nil
}

// Close destroys the session and tensors.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.session.Destroy()
	e.state.Destroy()
	e.sr.Destroy()
	return nil
}
