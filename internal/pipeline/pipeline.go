// Package pipeline implements the streaming segmentation core: the capture
// ring buffer, the VAD frame pump and the utterance state machine.
//
// Audio flows in one direction: a capture source (device callback, file
// reader or stdin framing) writes float32 mono 16 kHz samples into the Ring;
// the mode driver fetches windows from the ring and pushes them into the
// Pump; the Pump scores fixed 512-sample frames through a vad.Engine and
// hands each (frame, probability) pair to the Segmenter; the Segmenter opens
// and closes utterances and invokes the decode callback for partial and
// final hypotheses.
//
// Only the Ring is shared across goroutines. Pump and Segmenter are confined
// to the single pipeline goroutine.
package pipeline

// CaptureSource is the boundary between the mode drivers and the audio
// producer. The capture ring implements it; tests substitute their own.
type CaptureSource interface {
	// Resume starts production and resets the timeline to zero. Returns
	// false when the source is already running or has no device.
	Resume() bool

	// Pause stops production. Returns false when the source is not running.
	Pause() bool

	// Get returns the most recent windowMS milliseconds of audio as a fresh
	// slice, plus the current timeline position in ms. Empty before Resume.
	Get(windowMS int) ([]float32, int64)
}
