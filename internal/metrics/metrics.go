// Package metrics exposes Prometheus instrumentation for the fabric plus an
// optional /metrics + /health HTTP endpoint per server process.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Agent-side connection metrics
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastry_connections_active",
		Help: "Current number of authenticated client connections",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastry_connections_total",
		Help: "Total number of client connections accepted",
	})

	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastry_auth_failures_total",
		Help: "Total number of rejected authentication attempts",
	})

	Disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pastry_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	// Wire traffic
	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastry_frames_received_total",
		Help: "Total frames received from clients",
	})

	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastry_frames_sent_total",
		Help: "Total frames sent to clients",
	})

	RateLimitedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastry_rate_limited_frames_total",
		Help: "Total client frames dropped by the ingress rate limiter",
	})

	// Bus traffic
	BusPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastry_bus_published_total",
		Help: "Total messages published to the internal bus",
	})

	BusDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastry_bus_delivered_total",
		Help: "Total messages received from the internal bus",
	})

	// Message disposition
	DroppedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pastry_dropped_messages_total",
		Help: "Total messages dropped by reason (bad_channel, unknown_class, not_found)",
	}, []string{"reason"})

	// Zone-side object state
	StoreObjects = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pastry_store_objects",
		Help: "Live distributed objects per zone store",
	}, []string{"zone"})

	// System gauges fed by the sampler
	cpuPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastry_process_cpu_percent",
		Help: "Process CPU usage percentage",
	})

	memoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastry_process_memory_bytes",
		Help: "Process resident memory in bytes",
	})

	goroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastry_goroutines",
		Help: "Current goroutine count",
	})
)

// Drop reasons used with DroppedMessages.
const (
	ReasonBadChannel   = "bad_channel"
	ReasonUnknownClass = "unknown_class"
	ReasonNotFound     = "not_found"
	ReasonSlowClient   = "slow_client"
)

// Serve runs the /metrics and /health endpoint until ctx is cancelled.
// Callers pass an empty addr to disable the endpoint entirely.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("Metrics endpoint listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics endpoint error")
		}
	}()
}
