package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// minStepMS is the smallest usable partial cadence. Values between zero and
// this are clamped up.
const minStepMS = 10

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values, clamping
// recoverable problems in place with a slog warning and returning a joined
// error for everything fatal.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Model.WhisperPath == "" {
		errs = append(errs, errors.New("model.whisper_path is required"))
	}
	if cfg.Model.VADPath == "" {
		errs = append(errs, errors.New("model.vad_path is required"))
	}
	if cfg.Model.Threads < 1 {
		slog.Warn("model.threads below 1; using default", "threads", cfg.Model.Threads)
		cfg.Model.Threads = 4
	}

	p := &cfg.Pipeline
	if p.StepMS >= 0 && p.StepMS < minStepMS {
		slog.Warn("pipeline.step_ms too small; clamping", "step_ms", p.StepMS, "min", minStepMS)
		p.StepMS = minStepMS
	}
	p.StartThreshold = clampUnit("pipeline.start_threshold", p.StartThreshold)
	p.StopThreshold = clampUnit("pipeline.stop_threshold", p.StopThreshold)
	if p.StopThreshold > p.StartThreshold {
		slog.Warn("pipeline.stop_threshold above start_threshold; clamping down",
			"stop_threshold", p.StopThreshold,
			"start_threshold", p.StartThreshold,
		)
		p.StopThreshold = p.StartThreshold
	}
	if p.MinSegmentMS < 0 {
		p.MinSegmentMS = 0
	}
	if p.MaxSegmentMS < 1000 {
		slog.Warn("pipeline.max_segment_ms below 1000; clamping", "max_segment_ms", p.MaxSegmentMS)
		p.MaxSegmentMS = 1000
	}
	if p.MinSilenceMS < 0 {
		p.MinSilenceMS = 0
	}
	if p.PrePaddingMS < 0 {
		p.PrePaddingMS = 0
	}
	if p.PostPaddingMS < 0 {
		p.PostPaddingMS = 0
	}
	if p.RingBufferMS < 2000 {
		slog.Warn("pipeline.ring_buffer_ms below 2000; clamping", "ring_buffer_ms", p.RingBufferMS)
		p.RingBufferMS = 2000
	}

	if cfg.Dictionary.PollMS < minStepMS {
		slog.Warn("dictionary.poll_ms too small; clamping", "poll_ms", cfg.Dictionary.PollMS, "min", minStepMS)
		cfg.Dictionary.PollMS = minStepMS
	}

	if cfg.Decode.BeamSize < 0 {
		errs = append(errs, fmt.Errorf("decode.beam_size %d must not be negative", cfg.Decode.BeamSize))
	}

	c := &cfg.Correction
	c.PhoneticThreshold = clampUnit("correction.phonetic_threshold", c.PhoneticThreshold)
	c.FuzzyThreshold = clampUnit("correction.fuzzy_threshold", c.FuzzyThreshold)

	l := &cfg.Logits
	if l.FlushMS < 0 {
		l.FlushMS = 0
	}
	if l.TopK < 1 {
		slog.Warn("logits.top_k below 1; clamping", "top_k", l.TopK)
		l.TopK = 1
	}
	if l.BoostedK < 0 {
		l.BoostedK = 0
	}

	return errors.Join(errs...)
}

// clampUnit clamps v into [0, 1], logging a warning when it was outside.
func clampUnit(field string, v float64) float64 {
	switch {
	case v < 0:
		slog.Warn("threshold out of range; clamping", "field", field, "value", v)
		return 0
	case v > 1:
		slog.Warn("threshold out of range; clamping", "field", field, "value", v)
		return 1
	}
	return v
}
