// Package app assembles the transcription pipeline and owns the lifetime of
// every subsystem: the acoustic model, the VAD engine, the capture ring, the
// event stream and the optional diagnostics HTTP server.
//
// An App is built once with [New], driven by exactly one of the mode drivers
// ([App.RunLive], [App.RunFile], [App.RunStdinAudio], [App.RunStdinPCM]) and
// torn down with [App.Shutdown].
package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openflow-ai/transcriber/internal/config"
	"github.com/openflow-ai/transcriber/internal/decode"
	"github.com/openflow-ai/transcriber/internal/dictionary"
	"github.com/openflow-ai/transcriber/internal/events"
	"github.com/openflow-ai/transcriber/internal/observe"
	"github.com/openflow-ai/transcriber/internal/pipeline"
	"github.com/openflow-ai/transcriber/internal/transcript"
	"github.com/openflow-ai/transcriber/internal/transcript/phonetic"
	"github.com/openflow-ai/transcriber/pkg/asr"
	"github.com/openflow-ai/transcriber/pkg/asr/whispercpp"
	"github.com/openflow-ai/transcriber/pkg/vad"
	"github.com/openflow-ai/transcriber/pkg/vad/silero"
)

// ErrModelLoad marks acoustic-model load failures so callers can map them to
// a distinct exit code.
var ErrModelLoad = errors.New("acoustic model load failed")

// serverShutdownTimeout bounds the diagnostics server drain on exit.
const serverShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes for one transcriber process.
type App struct {
	cfg *config.Config

	model  asr.Model
	engine vad.Engine

	ring    *pipeline.Ring
	pump    *pipeline.Pump
	seg     *pipeline.Segmenter
	dict    *dictionary.Manager
	orch    *decode.Orchestrator
	emitter *events.Emitter
	mirror  *events.Mirror
	logits  *events.LogitsLog
	metrics *observe.Metrics
	server  *http.Server

	out io.Writer

	frameSize  int
	sampleRate int

	// decodeCtx is handed to decodes. Run replaces it with the run-scoped
	// context; confined to the pipeline goroutine.
	decodeCtx context.Context

	lastDiscarded int64
	lastDropped   int64

	// closers are called in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option configures an App before its subsystems initialize.
type Option func(*App)

// WithModel injects an acoustic model, bypassing the whisper.cpp loader.
func WithModel(m asr.Model) Option {
	return func(a *App) { a.model = m }
}

// WithVADEngine injects a VAD engine, bypassing the Silero loader.
func WithVADEngine(e vad.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithEventOutput redirects the event stream away from stdout.
func WithEventOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithMetrics replaces the package-default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New builds a fully wired App from cfg and emits the ready event. The
// returned App must be released with Shutdown even when Run is never called.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		out:       os.Stdout,
		decodeCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initModel(); err != nil {
		return nil, err
	}
	if err := a.initVAD(); err != nil {
		a.releaseOnInitFailure()
		return nil, err
	}
	a.initEvents()
	a.initPipeline()
	a.initServer()

	if err := a.emitReady(); err != nil {
		a.releaseOnInitFailure()
		return nil, err
	}

	// Startup reload so the first decode already has the dictionary.
	a.dict.ReloadIfNeeded(-1, -1, false, true)

	return a, nil
}

func (a *App) initModel() error {
	if a.model == nil {
		m, err := whispercpp.New(whispercpp.Config{
			ModelPath: a.cfg.Model.WhisperPath,
			UseGPU:    a.cfg.Model.UseGPU,
		})
		if err != nil {
			return fmt.Errorf("app: load acoustic model %q: %w",
				a.cfg.Model.WhisperPath, errors.Join(ErrModelLoad, err))
		}
		a.model = m
	}
	a.closers = append(a.closers, a.model.Close)
	return nil
}

func (a *App) initVAD() error {
	if a.engine == nil {
		e, err := silero.New(silero.Config{
			ModelPath:   a.cfg.Model.VADPath,
			LibraryPath: a.cfg.Model.OnnxLibraryPath,
		})
		if err != nil {
			return fmt.Errorf("app: load vad model %q: %w", a.cfg.Model.VADPath, err)
		}
		a.engine = e
	}
	a.closers = append(a.closers, a.engine.Close)
	a.frameSize = a.engine.FrameSize()
	a.sampleRate = a.engine.SampleRate()
	a.engine = &timedEngine{Engine: a.engine, metrics: a.metrics}
	return nil
}

func (a *App) initEvents() {
	a.mirror = events.NewMirror()
	a.closers = append(a.closers, func() error {
		a.mirror.Close()
		return nil
	})

	if path := a.cfg.Logits.LogPath; path != "" {
		l, err := events.OpenLogitsLog(path, time.Duration(a.cfg.Logits.FlushMS)*time.Millisecond)
		if err != nil {
			slog.Warn("logits log disabled", "path", path, "error", err)
		} else {
			a.logits = l
			a.closers = append(a.closers, l.Close)
		}
	}

	a.emitter = events.NewEmitter(a.out,
		events.WithSink(a.mirror),
		events.WithSink(&metricsSink{metrics: a.metrics}),
	)
}

func (a *App) initPipeline() {
	a.dict = dictionary.New(a.model, dictionary.Config{
		Path:         a.cfg.Dictionary.File,
		PollInterval: time.Duration(a.cfg.Dictionary.PollMS) * time.Millisecond,
		Verbose:      a.cfg.Dictionary.Verbose,
	}, a.emitter, a.logits)
	a.dict.SetReloadObserver(func(status string) {
		a.metrics.RecordDictionaryReload(context.Background(), status)
	})

	orchOpts := []decode.Option{
		decode.WithLogitsLog(a.logits),
		decode.WithDecodeObserver(func(d time.Duration, final bool, err error) {
			a.metrics.RecordDecode(context.Background(), d, final)
			if err == nil {
				a.metrics.RecordSegment(context.Background(), final)
			}
		}),
	}
	if a.cfg.Correction.Enabled {
		matcher := phonetic.New(
			phonetic.WithPhoneticThreshold(a.cfg.Correction.PhoneticThreshold),
			phonetic.WithFuzzyThreshold(a.cfg.Correction.FuzzyThreshold),
		)
		corrector := transcript.NewCorrector(a.dictionaryTerms, transcript.WithMatcher(matcher))
		orchOpts = append(orchOpts, decode.WithCorrector(corrector))
	}

	a.orch = decode.New(a.model, decode.Config{
		Language:              a.cfg.Model.Language,
		Threads:               a.cfg.Model.Threads,
		SendPrompt:            a.cfg.Decode.SendPrompt,
		BiasDecoding:          a.cfg.Decode.BiasDecoding,
		BeamSize:              a.cfg.Decode.BeamSize,
		BiasFirstLogit:        a.cfg.Decode.BiasFirstLogit,
		BiasContinuationLogit: a.cfg.Decode.BiasContinuationLogit,
		LogitsTopK:            a.cfg.Logits.TopK,
		LogitsProbThreshold:   a.cfg.Logits.ProbThreshold,
		LogitsPrefixText:      a.cfg.Logits.PrefixText,
		LogitsBoostedK:        a.cfg.Logits.BoostedK,
		EmitLogitsPackets:     a.cfg.Logits.EmitPackets,
	}, a.dict, a.emitter, orchOpts...)

	p := a.cfg.Pipeline
	a.seg = pipeline.NewSegmenter(pipeline.SegmenterConfig{
		StartThreshold:     float32(p.StartThreshold),
		StopThreshold:      float32(p.StopThreshold),
		MinSegmentSamples:  a.msToSamples(p.MinSegmentMS),
		MaxSegmentSamples:  a.msToSamples(p.MaxSegmentMS),
		MinSilenceSamples:  a.msToSamples(p.MinSilenceMS),
		PrePaddingSamples:  a.msToSamples(p.PrePaddingMS),
		PostPaddingSamples: a.msToSamples(p.PostPaddingMS),
		PartialsEnabled:    p.PartialsEnabled(),
		StepSamples:        a.msToSamples(p.StepMS),
	}, func(buffer []float32, segmentIndex int, startSample int64, final bool, avgProb float64, partialSeq int) {
		a.orch.Transcribe(a.decodeCtx, buffer, segmentIndex, startSample, final, avgProb, partialSeq)
	})

	a.pump = pipeline.NewPump(a.engine, a.seg, a.emitter, p.EmitVADEvents)
	a.ring = pipeline.NewRing(p.EffectiveRingMS(), a.sampleRate)
}

func (a *App) msToSamples(ms int) int {
	if ms < 0 {
		return 0
	}
	return ms * a.sampleRate / 1000
}

// dictionaryTerms extracts the unique entry texts of the current dictionary
// snapshot, the phonetic corrector's vocabulary.
func (a *App) dictionaryTerms() []string {
	snap := a.dict.Snapshot()
	seen := make(map[string]struct{}, len(snap.EntryTexts))
	out := make([]string, 0, len(snap.EntryTexts))
	for _, t := range snap.EntryTexts {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func (a *App) emitReady() error {
	cwd, _ := os.Getwd()
	pkt := events.Ready{
		CWD:                   cwd,
		DictionaryFile:        a.cfg.Dictionary.File,
		SendPrompt:            a.cfg.Decode.SendPrompt,
		BiasDecoding:          a.cfg.Decode.BiasDecoding,
		BiasFirstLogit:        a.cfg.Decode.BiasFirstLogit,
		BiasContinuationLogit: a.cfg.Decode.BiasContinuationLogit,
		LogitsLogPath:         a.cfg.Logits.LogPath,
		LogitsLogEnabled:      a.logits != nil,
	}
	if err := a.emitter.Emit(pkt); err != nil {
		return fmt.Errorf("app: emit ready: %w", err)
	}
	slog.Info("transcriber ready",
		"dictionary_file", pkt.DictionaryFile,
		"send_prompt", pkt.SendPrompt,
		"bias_decoding", pkt.BiasDecoding,
		"logits_log_path", pkt.LogitsLogPath,
		"logits_log_enabled", pkt.LogitsLogEnabled,
	)
	return nil
}

// releaseOnInitFailure closes whatever New managed to open before failing.
func (a *App) releaseOnInitFailure() {
	if err := a.Shutdown(context.Background()); err != nil {
		slog.Warn("partial init cleanup failed", "error", err)
	}
}

// CaptureRing returns the capture ring. Embedders feed live audio into it
// with [pipeline.Ring.Write] while [App.RunLive] drains it.
func (a *App) CaptureRing() *pipeline.Ring { return a.ring }

// Run executes drive with the diagnostics server (when configured) running
// alongside. It returns when drive returns or the context is cancelled, with
// the server drained.
func (a *App) Run(ctx context.Context, drive func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.decodeCtx = ctx

	g, gctx := errgroup.WithContext(ctx)
	if a.server != nil {
		g.Go(func() error {
			slog.Info("diagnostics server listening", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: diagnostics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shCtx, shCancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
			defer shCancel()
			if err := a.server.Shutdown(shCtx); err != nil {
				return fmt.Errorf("app: drain diagnostics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()
		return drive(gctx)
	})

	err := g.Wait()
	a.recordPipelineCounters(context.Background())
	return err
}

// Shutdown releases all subsystems in reverse initialization order. Safe to
// call more than once; only the first call does work.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				return
			}
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// feed pushes samples through the pump, counting drained frames. VAD
// inference failures are logged and the samples stay staged for the next
// push.
func (a *App) feed(ctx context.Context, samples []float32) {
	if len(samples) == 0 {
		return
	}
	frames := (a.pump.Pending() + len(samples)) / a.frameSize
	if err := a.pump.Push(samples); err != nil {
		slog.Error("vad inference failed", "error", err)
		return
	}
	if frames > 0 {
		a.metrics.FramesProcessed.Add(ctx, int64(frames))
	}
}

// flushPipeline scores any staged trailing samples and force-closes the
// active utterance. Used at end of input.
func (a *App) flushPipeline(ctx context.Context) {
	if err := a.pump.Flush(); err != nil {
		slog.Error("vad inference failed during flush", "error", err)
	}
	a.seg.ForceFlush()
	a.recordPipelineCounters(ctx)
}

// resetJob clears all per-stream state between independent inputs. Segment
// indices keep counting across jobs.
func (a *App) resetJob() {
	if err := a.pump.Reset(); err != nil {
		slog.Warn("vad reset failed", "error", err)
	}
	a.seg.Reset()
}

// recordPipelineCounters publishes the monotonic segmenter and ring counters
// as metric deltas.
func (a *App) recordPipelineCounters(ctx context.Context) {
	if d := a.seg.Discarded(); d > a.lastDiscarded {
		a.metrics.SegmentsDiscarded.Add(ctx, d-a.lastDiscarded)
		a.lastDiscarded = d
	}
	if a.ring != nil {
		if d := a.ring.Dropped(); d > a.lastDropped {
			a.metrics.RingSamplesDropped.Add(ctx, d-a.lastDropped)
			a.lastDropped = d
		}
	}
}

// timedEngine decorates a vad.Engine with inference-latency recording.
type timedEngine struct {
	vad.Engine
	metrics *observe.Metrics
}

func (e *timedEngine) Infer(frame []float32) (float32, error) {
	start := time.Now()
	p, err := e.Engine.Infer(frame)
	e.metrics.VADInferenceDuration.Record(context.Background(), time.Since(start).Seconds())
	return p, err
}

// metricsSink counts emitted event lines of interest. It inspects only the
// leading "event" field, which Marshal guarantees is first on the line.
type metricsSink struct {
	metrics *observe.Metrics
}

var logitsLinePrefix = []byte(`{"event":"logits"`)

func (s *metricsSink) Broadcast(line []byte) {
	if bytes.HasPrefix(line, logitsLinePrefix) {
		s.metrics.LogitsPackets.Add(context.Background(), 1)
	}
}
