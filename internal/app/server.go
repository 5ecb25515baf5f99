package app

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openflow-ai/transcriber/internal/health"
	"github.com/openflow-ai/transcriber/internal/observe"
)

// initServer builds the diagnostics HTTP server when a listen address is
// configured: /healthz and /readyz probes, the Prometheus /metrics scrape
// endpoint and the /events WebSocket mirror of the stdout stream.
func (a *App) initServer() {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		return
	}

	var checkers []health.Checker
	if path := a.cfg.Dictionary.File; path != "" {
		checkers = append(checkers, health.Checker{
			Name: "dictionary",
			Check: func(_ context.Context) error {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				return f.Close()
			},
		})
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /events", a.mirror)

	a.server = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
