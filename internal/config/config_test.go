package config_test

import (
	"strings"
	"testing"

	"github.com/openflow-ai/transcriber/internal/config"
)

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug

model:
  whisper_path: /models/ggml-base.en.bin
  vad_path: /models/silero_vad.onnx
  language: en
  threads: 8

pipeline:
  step_ms: 300
  start_threshold: 0.7
  stop_threshold: 0.4
  max_segment_ms: 15000

dictionary:
  file: /etc/transcriber/dictionary.txt
  poll_ms: 500

decode:
  bias_decoding: true
  beam_size: 5

logits:
  emit_packets: true
  log_path: /var/log/transcriber/logits.ndjson
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Model.WhisperPath != "/models/ggml-base.en.bin" || cfg.Model.Threads != 8 {
		t.Errorf("model = %+v", cfg.Model)
	}
	if cfg.Pipeline.StepMS != 300 || cfg.Pipeline.StartThreshold != 0.7 {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if !cfg.Decode.BiasDecoding || cfg.Decode.BeamSize != 5 {
		t.Errorf("decode = %+v", cfg.Decode)
	}
	if cfg.Dictionary.File != "/etc/transcriber/dictionary.txt" || cfg.Dictionary.PollMS != 500 {
		t.Errorf("dictionary = %+v", cfg.Dictionary)
	}
	if !cfg.Logits.EmitPackets || cfg.Logits.LogPath != "/var/log/transcriber/logits.ndjson" {
		t.Errorf("logits = %+v", cfg.Logits)
	}
}

func TestLoadFromReader_DefaultsSurviveOmission(t *testing.T) {
	t.Parallel()

	minimal := `
model:
  whisper_path: /m/whisper.bin
  vad_path: /m/vad.onnx
`
	cfg, err := config.LoadFromReader(strings.NewReader(minimal))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	d := config.Default()
	if cfg.Pipeline.StepMS != d.Pipeline.StepMS {
		t.Errorf("step_ms = %d, want default %d", cfg.Pipeline.StepMS, d.Pipeline.StepMS)
	}
	if cfg.Pipeline.StartThreshold != 0.60 || cfg.Pipeline.StopThreshold != 0.35 {
		t.Errorf("thresholds = %v/%v", cfg.Pipeline.StartThreshold, cfg.Pipeline.StopThreshold)
	}
	if !cfg.Decode.SendPrompt {
		t.Error("send_prompt default must be true")
	}
	if !cfg.Pipeline.EmitVADEvents {
		t.Error("emit_vad_events default must be true")
	}
	if cfg.Logits.TopK != 50 || cfg.Logits.ProbThreshold != 20.0 || cfg.Logits.BoostedK != 24 {
		t.Errorf("logits defaults = %+v", cfg.Logits)
	}
	if cfg.Dictionary.PollMS != 1000 {
		t.Errorf("poll_ms default = %d", cfg.Dictionary.PollMS)
	}
	if cfg.Model.Language != "en" || cfg.Model.Threads != 4 {
		t.Errorf("model defaults = %+v", cfg.Model)
	}
	if cfg.Correction.Enabled {
		t.Error("correction must default to disabled")
	}
	if cfg.Correction.PhoneticThreshold != 0.70 || cfg.Correction.FuzzyThreshold != 0.85 {
		t.Errorf("correction defaults = %+v", cfg.Correction)
	}
}

func TestLoadFromReader_CorrectionSection(t *testing.T) {
	t.Parallel()

	yaml := `
model:
  whisper_path: /m/whisper.bin
  vad_path: /m/vad.onnx
correction:
  enabled: true
  phonetic_threshold: 0.6
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if !cfg.Correction.Enabled {
		t.Error("correction.enabled not applied")
	}
	if cfg.Correction.PhoneticThreshold != 0.6 {
		t.Errorf("phonetic_threshold = %v, want 0.6", cfg.Correction.PhoneticThreshold)
	}
	if cfg.Correction.FuzzyThreshold != 0.85 {
		t.Errorf("fuzzy_threshold = %v, want default 0.85", cfg.Correction.FuzzyThreshold)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	yaml := `
model:
  whisper_path: /m/whisper.bin
  vad_path: /m/vad.onnx
  wisper_path: typo
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_MissingModelPaths(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: info\n"))
	if err == nil {
		t.Fatal("expected error for missing model paths, got nil")
	}
	if !strings.Contains(err.Error(), "whisper_path") || !strings.Contains(err.Error(), "vad_path") {
		t.Errorf("error should name both missing paths, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  log_level: loud
model:
  whisper_path: /m/whisper.bin
  vad_path: /m/vad.onnx
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_NegativeBeamSize(t *testing.T) {
	t.Parallel()

	yaml := `
model:
  whisper_path: /m/whisper.bin
  vad_path: /m/vad.onnx
decode:
  beam_size: -1
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for negative beam size, got nil")
	}
}

func TestValidate_ClampsStopAboveStart(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Model.WhisperPath = "/m/whisper.bin"
	cfg.Model.VADPath = "/m/vad.onnx"
	cfg.Pipeline.StartThreshold = 0.5
	cfg.Pipeline.StopThreshold = 0.9

	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Pipeline.StopThreshold != 0.5 {
		t.Errorf("stop_threshold = %v, want clamped to 0.5", cfg.Pipeline.StopThreshold)
	}
}

func TestValidate_ClampTable(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Model.WhisperPath = "/m/whisper.bin"
	cfg.Model.VADPath = "/m/vad.onnx"
	cfg.Pipeline.StepMS = 3
	cfg.Pipeline.StartThreshold = 1.4
	cfg.Pipeline.StopThreshold = -0.2
	cfg.Pipeline.MaxSegmentMS = 100
	cfg.Pipeline.RingBufferMS = 500
	cfg.Dictionary.PollMS = 1
	cfg.Logits.TopK = 0
	cfg.Model.Threads = 0

	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Pipeline.StepMS != 10 {
		t.Errorf("step_ms = %d, want 10", cfg.Pipeline.StepMS)
	}
	if cfg.Pipeline.StartThreshold != 1 || cfg.Pipeline.StopThreshold != 0 {
		t.Errorf("thresholds = %v/%v, want 1/0", cfg.Pipeline.StartThreshold, cfg.Pipeline.StopThreshold)
	}
	if cfg.Pipeline.MaxSegmentMS != 1000 {
		t.Errorf("max_segment_ms = %d, want 1000", cfg.Pipeline.MaxSegmentMS)
	}
	if cfg.Pipeline.RingBufferMS != 2000 {
		t.Errorf("ring_buffer_ms = %d, want 2000", cfg.Pipeline.RingBufferMS)
	}
	if cfg.Dictionary.PollMS != 10 {
		t.Errorf("poll_ms = %d, want 10", cfg.Dictionary.PollMS)
	}
	if cfg.Logits.TopK != 1 {
		t.Errorf("top_k = %d, want 1", cfg.Logits.TopK)
	}
	if cfg.Model.Threads != 4 {
		t.Errorf("threads = %d, want 4", cfg.Model.Threads)
	}
}

func TestValidate_NegativeStepDisablesPartials(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Model.WhisperPath = "/m/whisper.bin"
	cfg.Model.VADPath = "/m/vad.onnx"
	cfg.Pipeline.StepMS = -1

	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Pipeline.StepMS != -1 {
		t.Errorf("negative step_ms must survive validation, got %d", cfg.Pipeline.StepMS)
	}
	if cfg.Pipeline.PartialsEnabled() {
		t.Error("PartialsEnabled() = true with negative step_ms")
	}
}

func TestPipelineRingSizing(t *testing.T) {
	t.Parallel()

	// overrun = max_segment + post_padding + 2000.
	p := config.PipelineConfig{MaxSegmentMS: 12000, PostPaddingMS: 350, RingBufferMS: 20000}
	if got := p.EffectiveRingMS(); got != 20000 {
		t.Errorf("EffectiveRingMS = %d, want 20000", got)
	}
	if got := p.FetchWindowMS(); got != 14350 {
		t.Errorf("FetchWindowMS = %d, want 14350", got)
	}

	small := config.PipelineConfig{MaxSegmentMS: 30000, PostPaddingMS: 350, RingBufferMS: 20000}
	if got := small.EffectiveRingMS(); got != 32350 {
		t.Errorf("EffectiveRingMS = %d, want 32350", got)
	}
	if got := small.FetchWindowMS(); got != 20000 {
		t.Errorf("FetchWindowMS = %d, want 20000", got)
	}
}

func TestLogLevel(t *testing.T) {
	t.Parallel()

	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("verbose").IsValid() {
		t.Error("\"verbose\" should be invalid")
	}
}
