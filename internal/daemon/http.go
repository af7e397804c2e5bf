package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/autobuild/internal/logfields"
	"git.home.luguber.info/inful/autobuild/internal/metrics"
	"git.home.luguber.info/inful/autobuild/internal/version"
)

// HealthResponse is the /healthz payload.
type HealthResponse struct {
	Status      string     `json:"status"`
	Timestamp   time.Time  `json:"timestamp"`
	Uptime      string     `json:"uptime"`
	Version     string     `json:"version"`
	Runs        int64      `json:"runs"`
	LastRunID   string     `json:"last_run_id,omitempty"`
	LastOutcome string     `json:"last_outcome,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
}

// healthStatus assembles the health snapshot. Status degrades when the most
// recent run aborted outside the run protocol.
func (d *Daemon) healthStatus() HealthResponse {
	d.mu.RLock()
	defer d.mu.RUnlock()

	resp := HealthResponse{
		Status:      "ok",
		Timestamp:   d.clock.Now(),
		Uptime:      d.clock.Now().Sub(d.startedAt).Round(time.Second).String(),
		Version:     version.Version,
		Runs:        d.runs,
		LastRunID:   d.lastRunID,
		LastOutcome: d.lastOutcome,
	}
	if d.lastOutcome == "aborted" {
		resp.Status = "degraded"
	}
	if !d.lastRunAt.IsZero() {
		at := d.lastRunAt
		resp.LastRunAt = &at
	}
	if d.job != nil {
		if next, err := d.job.NextRun(); err == nil && !next.IsZero() {
			resp.NextRunAt = &next
		}
	}
	return resp
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.healthStatus()); err != nil {
		d.logger.Error("Encoding health response failed", logfields.Error(err))
	}
}

type httpServer struct {
	server *http.Server
	logger *slog.Logger
}

func newHTTPServer(addr string, d *Daemon, registry *prom.Registry, logger *slog.Logger) *httpServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", d.handleHealth)
	if registry != nil {
		mux.Handle("/metrics", metrics.HTTPHandler(registry))
	}
	return &httpServer{
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}
}

func (h *httpServer) Start() {
	h.logger.Info("Serving health and metrics", slog.String("addr", h.server.Addr))
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP listener failed", logfields.Error(err))
		}
	}()
}

func (h *httpServer) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}
