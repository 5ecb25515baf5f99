// Package config provides the configuration schema, defaults, and loader for
// the transcriber.
package config

import "log/slog"

// LogLevel controls log verbosity for the transcriber.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto the corresponding [slog.Level]. Unrecognised values map
// to [slog.LevelInfo].
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure for the transcriber.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Model      ModelConfig      `yaml:"model"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Decode     DecodeConfig     `yaml:"decode"`
	Dictionary DictionaryConfig `yaml:"dictionary"`
	Logits     LogitsConfig     `yaml:"logits"`
	Correction CorrectionConfig `yaml:"correction"`
}

// ServerConfig holds the optional diagnostics endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for the health/metrics/event-mirror HTTP
	// server (e.g., ":8080"). When empty, no server is started.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity of the slog output on stderr.
	LogLevel LogLevel `yaml:"log_level"`
}

// ModelConfig locates the acoustic and VAD models.
type ModelConfig struct {
	// WhisperPath is the path to the ggml whisper model file. Required.
	WhisperPath string `yaml:"whisper_path"`

	// VADPath is the path to the silero_vad.onnx model file. Required.
	VADPath string `yaml:"vad_path"`

	// OnnxLibraryPath overrides the onnxruntime shared library location.
	// Leave empty to use the platform default.
	OnnxLibraryPath string `yaml:"onnx_library_path"`

	// Language is the spoken language passed to the decoder (e.g., "en").
	Language string `yaml:"language"`

	// Threads is the number of CPU threads used for decoding.
	Threads int `yaml:"threads"`

	// UseGPU enables GPU offload when the linked whisper.cpp supports it.
	UseGPU bool `yaml:"use_gpu"`
}

// PipelineConfig carries the segmentation state-machine knobs, all in
// milliseconds of audio time.
type PipelineConfig struct {
	// StepMS is the minimum utterance growth between consecutive partial
	// hypotheses. A negative value disables partials entirely.
	StepMS int `yaml:"step_ms"`

	// StartThreshold is the VAD probability that opens an utterance.
	StartThreshold float64 `yaml:"start_threshold"`

	// StopThreshold is the VAD probability below which a frame counts as
	// silence. Must not exceed StartThreshold; violations are clamped.
	StopThreshold float64 `yaml:"stop_threshold"`

	// MinSegmentMS discards flushed utterances shorter than this.
	MinSegmentMS int `yaml:"min_segment_ms"`

	// MaxSegmentMS forces a flush once the utterance buffer reaches this.
	MaxSegmentMS int `yaml:"max_segment_ms"`

	// MinSilenceMS is the trailing-silence duration that ends an utterance.
	MinSilenceMS int `yaml:"min_silence_ms"`

	// PrePaddingMS of pre-roll audio is prepended to each utterance.
	PrePaddingMS int `yaml:"pre_padding_ms"`

	// PostPaddingMS of audio after the last voiced frame is retained.
	PostPaddingMS int `yaml:"post_padding_ms"`

	// RingBufferMS is the requested capture ring capacity.
	RingBufferMS int `yaml:"ring_buffer_ms"`

	// EmitVADEvents gates the per-frame vad packets on stdout.
	EmitVADEvents bool `yaml:"emit_vad_events"`
}

// DecodeConfig holds decoding and logit-bias settings.
type DecodeConfig struct {
	// SendPrompt attaches the dictionary text as the decoder's initial
	// prompt.
	SendPrompt bool `yaml:"send_prompt"`

	// BiasDecoding switches from greedy to beam search with the dictionary
	// logit-bias filter installed.
	BiasDecoding bool `yaml:"bias_decoding"`

	// BeamSize is the beam-search width. 0 means the model default.
	BeamSize int `yaml:"beam_size"`

	// BiasFirstLogit is added to the first token of every dictionary entry
	// when no entry continuation is in progress.
	BiasFirstLogit float64 `yaml:"bias_first_logit"`

	// BiasContinuationLogit is added to the next token of a partially
	// decoded dictionary entry.
	BiasContinuationLogit float64 `yaml:"bias_continuation_logit"`
}

// DictionaryConfig holds the hot-reloadable vocabulary settings.
type DictionaryConfig struct {
	// File is the path to the dictionary text file. When empty, biasing and
	// prompting are disabled.
	File string `yaml:"file"`

	// PollMS throttles mtime checks between decodes.
	PollMS int `yaml:"poll_ms"`

	// Verbose samples dictionary words into the dictionary events and
	// mirrors those events into the logits log.
	Verbose bool `yaml:"verbose"`
}

// LogitsConfig controls the logits introspection packets produced by the
// bias callback.
type LogitsConfig struct {
	// EmitPackets writes logits packets to stdout alongside the other
	// events.
	EmitPackets bool `yaml:"emit_packets"`

	// LogPath is an optional file that receives every logits packet. Empty
	// disables the log.
	LogPath string `yaml:"log_path"`

	// FlushMS is the minimum interval between flushes of the logits log.
	FlushMS int `yaml:"flush_ms"`

	// TopK is the number of top-probability tokens reported per packet.
	TopK int `yaml:"top_k"`

	// ProbThreshold restricts the softmax normaliser to logits within this
	// distance of the maximum. A non-positive value uses the full softmax.
	ProbThreshold float64 `yaml:"prob_threshold"`

	// PrefixText includes the decoded prefix text in each packet.
	PrefixText bool `yaml:"prefix_text"`

	// BoostedK caps the boosted token list per packet.
	BoostedK int `yaml:"boosted_k"`
}

// CorrectionConfig holds the phonetic post-correction settings for final
// hypotheses. Corrections never run on partials.
type CorrectionConfig struct {
	// Enabled turns on dictionary-driven phonetic correction of finals.
	Enabled bool `yaml:"enabled"`

	// PhoneticThreshold is the minimum similarity accepted for a candidate
	// that shares a Double Metaphone code with the heard word.
	PhoneticThreshold float64 `yaml:"phonetic_threshold"`

	// FuzzyThreshold is the minimum similarity accepted for a candidate with
	// no phonetic-code match.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`
}

// Default returns a Config populated with the stock values. [LoadFromReader]
// decodes on top of this, so omitted YAML fields keep their defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
		Model: ModelConfig{
			Language: "en",
			Threads:  4,
		},
		Pipeline: PipelineConfig{
			StepMS:         200,
			StartThreshold: 0.60,
			StopThreshold:  0.35,
			MinSegmentMS:   250,
			MaxSegmentMS:   12000,
			MinSilenceMS:   150,
			PrePaddingMS:   200,
			PostPaddingMS:  350,
			RingBufferMS:   20000,
			EmitVADEvents:  true,
		},
		Decode: DecodeConfig{
			SendPrompt:            true,
			BiasFirstLogit:        0.35,
			BiasContinuationLogit: 0.85,
		},
		Dictionary: DictionaryConfig{
			PollMS: 1000,
		},
		Logits: LogitsConfig{
			FlushMS:       250,
			TopK:          50,
			ProbThreshold: 20.0,
			BoostedK:      24,
		},
		Correction: CorrectionConfig{
			PhoneticThreshold: 0.70,
			FuzzyThreshold:    0.85,
		},
	}
}

// PartialsEnabled reports whether intermediate hypotheses are produced.
func (p PipelineConfig) PartialsEnabled() bool {
	return p.StepMS >= 0
}

// overrunMS is the buffering needed to survive a worst-case decode: a full
// utterance plus post-padding plus two seconds of inference headroom.
func (p PipelineConfig) overrunMS() int {
	return p.MaxSegmentMS + p.PostPaddingMS + 2000
}

// EffectiveRingMS returns the capture ring capacity actually allocated,
// which is at least large enough to cover a maximum-length utterance.
func (p PipelineConfig) EffectiveRingMS() int {
	if o := p.overrunMS(); o > p.RingBufferMS {
		return o
	}
	return p.RingBufferMS
}

// FetchWindowMS returns the window requested from the capture ring on each
// pump iteration.
func (p PipelineConfig) FetchWindowMS() int {
	if o := p.overrunMS(); o < p.RingBufferMS {
		return o
	}
	return p.RingBufferMS
}
