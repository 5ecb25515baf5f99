//go:build !whispercpp

package whispercpp

import (
	"context"

	"github.com/openflow-ai/transcriber/pkg/asr"
)

// NativeAvailable reports whether the native whisper backend is compiled in.
func NativeAvailable() bool { return false }

// New returns ErrNativeUnavailable when the native backend is not built.
func New(cfg Config) (*Model, error) {
	return nil, ErrNativeUnavailable
}

// Model is a placeholder type when the native backend is absent. New never
// returns one, so these methods are unreachable; they exist only so *Model
// satisfies [asr.Model] when the package is compiled without the
// "whispercpp" build tag.
type Model struct{}

var _ asr.Model = (*Model)(nil)

func (m *Model) Tokenize(text string) ([]int, error) { return nil, ErrNativeUnavailable }

func (m *Model) TokenString(id int) string { return "" }

func (m *Model) NVocab() int { return 0 }

func (m *Model) TokenBeg() int { return 0 }

func (m *Model) LangID(lang string) int { return -1 }

func (m *Model) Decode(ctx context.Context, params asr.DecodeParams, samples []float32) ([]asr.Segment, error) {
	return nil, ErrNativeUnavailable
}

func (m *Model) Close() error { return nil }
