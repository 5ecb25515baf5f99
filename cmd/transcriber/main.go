// Command transcriber is a low-latency streaming speech-to-text service.
//
// It emits one JSON event per line on stdout (see the events package for the
// protocol) and human diagnostics on stderr. Input is selected by flag:
//
//	-audio-file FILE   transcribe one WAV file and exit
//	-stdin-audio       read WAV paths from stdin, one job per line
//	-stdin-pcm         read tagged float32 PCM jobs from stdin
//	(default)          live mode: raw float32 mono samples on stdin
//
// Exit codes: 0 on success, 1 on configuration or runtime failure, 2 when
// the acoustic model could not be loaded.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/openflow-ai/transcriber/internal/app"
	"github.com/openflow-ai/transcriber/internal/config"
	"github.com/openflow-ai/transcriber/internal/observe"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitModelLoad = 2
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin))
}

func run(args []string, stdin io.Reader) int {
	fs := flag.NewFlagSet("transcriber", flag.ContinueOnError)
	var (
		configPath = fs.String("config", "", "path to the YAML configuration file")
		audioFile  = fs.String("audio-file", "", "transcribe one WAV file and exit")
		stdinAudio = fs.Bool("stdin-audio", false, "read WAV file paths from stdin, one per line")
		stdinPCM   = fs.Bool("stdin-pcm", false, "read tagged float32 PCM jobs from stdin")
	)
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("configuration failed", "error", err)
		return exitFailure
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Level(),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "transcriber",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		return exitFailure
	}
	defer func() {
		if err := shutdownOtel(context.Background()); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	a, err := app.New(cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		if errors.Is(err, app.ErrModelLoad) {
			return exitModelLoad
		}
		return exitFailure
	}

	var drive func(context.Context) error
	switch {
	case *audioFile != "":
		drive = func(ctx context.Context) error { return a.RunFile(ctx, *audioFile) }
	case *stdinAudio:
		drive = func(ctx context.Context) error { return a.RunStdinAudio(ctx, stdin) }
	case *stdinPCM:
		drive = func(ctx context.Context) error { return a.RunStdinPCM(ctx, stdin) }
	default:
		drive = func(ctx context.Context) error { return a.RunLiveFromStream(ctx, stdin) }
	}

	runErr := a.Run(ctx, drive)
	if err := a.Shutdown(context.Background()); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
	if runErr != nil {
		slog.Error("run failed", "error", runErr)
		return exitFailure
	}
	return exitOK
}

// loadConfig reads the YAML file when given, or validates the stock defaults
// otherwise. Model paths are required either way, so running without a
// config file fails with a clear message.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("no config file given and defaults are incomplete: %w", err)
	}
	return cfg, nil
}
