// Package whispercpp provides the whisper.cpp-backed implementation of
// [asr.Model].
//
// The native backend links against libwhisper via CGO and is only compiled
// when the "whispercpp" build tag is set (see native.go). Without the tag,
// [New] returns [ErrNativeUnavailable] so that the rest of the pipeline,
// including its tests, builds and runs without the C toolchain or model
// files present.
package whispercpp

import "errors"

// ErrNativeUnavailable is returned by New when the binary was built without
// the "whispercpp" build tag.
var ErrNativeUnavailable = errors.New("whispercpp: native backend not compiled in (build with -tags whispercpp)")

// Config holds the model-load options for the native backend.
type Config struct {
	// ModelPath is the path to the ggml whisper model file.
	ModelPath string

	// UseGPU enables GPU offload when the linked whisper.cpp was built with
	// a GPU backend.
	UseGPU bool
}
