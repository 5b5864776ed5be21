// Package app is the composition root: it owns every service instance and
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"devicebridge/mqtt-web-bridge/internal/auth"
	"devicebridge/mqtt-web-bridge/internal/bus"
	"devicebridge/mqtt-web-bridge/internal/config"
	"devicebridge/mqtt-web-bridge/internal/hub"
	"devicebridge/mqtt-web-bridge/internal/metrics"
	"devicebridge/mqtt-web-bridge/internal/model"
	"devicebridge/mqtt-web-bridge/internal/state"
	"devicebridge/mqtt-web-bridge/internal/store"
	"devicebridge/mqtt-web-bridge/internal/token"
)

// persistQueueDepth bounds the snapshot write backlog. Ingest never waits
// on the database; excess writes are dropped and the in-memory store stays
// authoritative.
const persistQueueDepth = 256

type persistRequest struct {
	deviceID string
	rec      model.TelemetryRecord
}

// App wires together the bridge services and manages their lifecycle.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	codec    *token.Codec
	gate     *auth.Gate
	states   *state.Store
	hub      *hub.Hub
	router   *bus.Router
	db       *store.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	mdns     *zeroconf.Server
	upgrader websocket.Upgrader

	persistCh chan persistRequest
	ready     atomic.Bool
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	registry.MustRegister(collectors.NewGoCollector())

	states := state.New()
	codec := token.New([]byte(cfg.SessionSecret))

	a := &App{
		cfg:      cfg,
		logger:   logger,
		codec:    codec,
		gate:     auth.NewGate(codec, cfg.CookieName),
		states:   states,
		registry: registry,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		persistCh: make(chan persistRequest, persistQueueDepth),
	}

	a.hub = hub.New(states, m, logger)
	a.router = bus.New(cfg.BrokerURL, cfg.TopicPrefix, states, a.hub, m, logger)
	a.router.SetRecordHook(a.enqueuePersist)

	return a
}

// Run starts all configured services and blocks until the context is
// cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.db = db

	if err := a.db.InitSchema(ctx); err != nil {
		return err
	}

	defer func() {
		if cerr := a.db.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	snaps, err := a.db.Snapshots(ctx)
	if err != nil {
		return err
	}
	for id, rec := range snaps {
		a.states.Upsert(id, rec)
	}
	a.metrics.KnownDevices.Set(float64(a.states.Len()))
	if len(snaps) > 0 {
		a.logger.Info("restored device snapshots", "devices", len(snaps))
	}

	persistQuit := make(chan struct{})
	persistDone := make(chan struct{})
	go a.persistLoop(persistQuit, persistDone)

	a.router.Start()
	a.ready.Store(true)

	httpErrCh := make(chan error, 1)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	metricsErrCh := make(chan error, 1)
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.MetricsPort),
		Handler: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
	}

	go func() {
		a.logger.Info("metrics server started", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			metricsErrCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	if a.cfg.EnableMDNS {
		if err := a.startMDNS(); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
	}

	shutdown := func() {
		a.stopMDNS()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http server shutdown", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown", "error", err)
		}

		a.router.Stop()
		a.logger.Info("bus connection closed")

		close(persistQuit)
		<-persistDone
	}

	select {
	case <-ctx.Done():
		shutdown()
		a.logger.Info("bridge stopped")
		return nil
	case err := <-httpErrCh:
		shutdown()
		return err
	case err := <-metricsErrCh:
		shutdown()
		return err
	}
}

// enqueuePersist queues a snapshot write without ever blocking the bus
// router.
func (a *App) enqueuePersist(deviceID string, rec model.TelemetryRecord) {
	select {
	case a.persistCh <- persistRequest{deviceID: deviceID, rec: rec}:
	default:
		a.logger.Warn("snapshot queue full, dropping write", "device", deviceID)
	}
}

func (a *App) persistLoop(quit <-chan struct{}, done chan struct{}) {
	defer close(done)

	write := func(req persistRequest) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.db.UpsertSnapshot(ctx, req.deviceID, req.rec); err != nil {
			a.metrics.SnapshotFailures.Inc()
			a.logger.Error("persist snapshot failed", "device", req.deviceID, "error", err)
		}
	}

	for {
		select {
		case req := <-a.persistCh:
			write(req)
		case <-quit:
			// Flush whatever is already queued, then stop.
			for {
				select {
				case req := <-a.persistCh:
					write(req)
				default:
					return
				}
			}
		}
	}
}
