package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsdesk/netcore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// stack is every network component wired from the loaded config.
type stack struct {
	cfg       *netcore.Config
	log       *zap.Logger
	metrics   *netcore.Metrics
	registry  *prometheus.Registry
	transport *netcore.TransportClient
	dedup     *netcore.RequestDeduplicator
	manager   *netcore.Manager
	realtime  *netcore.RealtimeService
}

func newStack() (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := netcore.NewLogger(cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	metrics := netcore.NewMetrics()
	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	creds := cfg.Credentials()
	opts := append(cfg.TransportOptions(),
		netcore.WithHTTPLogger(log),
		netcore.WithHTTPMetrics(metrics),
		netcore.WithUnauthorizedHook(func(_ context.Context, method, url string) {
			fmt.Fprintf(os.Stderr, "Unauthorized: %s %s. Run 'netcore init' with a fresh token.\n", method, url)
		}),
	)
	transport := netcore.NewTransportClient(creds, opts...)
	manager := netcore.NewManager(creds,
		netcore.WithRealtimeLogger(log),
		netcore.WithRealtimeMetrics(metrics),
		netcore.WithRealtimeHTTPClient(&http.Client{Timeout: time.Duration(cfg.HTTP.Timeout)}),
	)

	return &stack{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		registry:  registry,
		transport: transport,
		dedup:     netcore.NewDeduplicator(transport, netcore.WithDedupLogger(log), netcore.WithDedupMetrics(metrics)),
		manager:   manager,
		realtime:  netcore.NewRealtimeService(manager),
	}, nil
}

// serveMetrics exposes /metrics when metrics.addr is configured. The
// returned func shuts the server down.
func (s *stack) serveMetrics() func() {
	if s.cfg.Metrics.Addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: s.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server failed", zap.Error(err))
		}
	}()
	s.log.Info("serving metrics", zap.String("addr", s.cfg.Metrics.Addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func (s *stack) close() {
	_ = s.log.Sync()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
