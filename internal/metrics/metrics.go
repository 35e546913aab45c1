package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/quarrel-batch/internal/logger"
)

var (
	RowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_rows_total",
		Help: "Input rows by outcome (processed, skipped, failed)",
	}, []string{"outcome"})

	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batch_generation_retries_total",
		Help: "Generation attempts repeated after a failure",
	})

	GenerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_generation_duration_seconds",
		Help:    "Duration of a single completion",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	GeneratedTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batch_generated_tokens_total",
		Help: "Tokens produced by the decoder",
	})

	FlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_flushes_total",
		Help: "Output file writes by reason (checkpoint, final) and result",
	}, []string{"reason", "result"})

	RowsPersisted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batch_rows_persisted",
		Help: "Rows in the output file after the last successful flush",
	})

	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backend_forward_duration_seconds",
		Help:    "Latency of a single next-token forward call",
		Buckets: prometheus.DefBuckets,
	}, []string{"device"})
)

const (
	OutcomeProcessed = "processed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

func RecordRow(outcome string) {
	RowsTotal.WithLabelValues(outcome).Inc()
}

func RecordRetry() {
	RetriesTotal.Inc()
}

func RecordGeneration(tokens int, duration time.Duration) {
	GeneratedTokensTotal.Add(float64(tokens))
	GenerationDuration.Observe(duration.Seconds())
}

func RecordFlush(reason string, rows int, err error) {
	if err != nil {
		FlushesTotal.WithLabelValues(reason, "error").Inc()
		return
	}
	FlushesTotal.WithLabelValues(reason, "ok").Inc()
	RowsPersisted.Set(float64(rows))
}

func RecordForward(device string, duration time.Duration) {
	ForwardDuration.WithLabelValues(device).Observe(duration.Seconds())
}

// Serve exposes /metrics on addr until ctx is cancelled, along with any
// routes already registered on mux. mux may be nil.
func Serve(ctx context.Context, addr string, mux *http.ServeMux) error {
	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Log.Info("Metrics serving", "addr", addr, "path", "/metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
