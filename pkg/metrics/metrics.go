package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/worker"
)

var (
	// Trial metrics
	TrialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_trials_total",
			Help: "Total number of finished trials by outcome",
		},
		[]string{"outcome", "instance"},
	)

	TrialDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "burrow_trial_duration_seconds",
			Help: "Trial wall-clock duration in seconds",
			// Trials run from seconds (smoke tests) to days (campaigns).
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	Workers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_workers",
			Help: "Number of workers in the pool",
		},
	)

	TasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_tasks_submitted_total",
			Help: "Total number of trials handed to the worker pool",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TrialsTotal,
		TrialDuration,
		Workers,
		TasksSubmitted,
	)
}

// RecordOutcome is a pool outcome callback feeding the trial metrics.
func RecordOutcome(outcome worker.Outcome) {
	result := "ok"
	if outcome.Err != nil {
		result = "failed"
	}
	TrialsTotal.WithLabelValues(result, outcome.Instance).Inc()
	TrialDuration.Observe(outcome.Duration.Seconds())
}

// Serve exposes /metrics on addr in the background. Failures are logged,
// not fatal: metrics never block a benchmark.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		lg := log.WithComponent("metrics")
		lg.Info().Str("addr", addr).Msg("Serving metrics")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}
