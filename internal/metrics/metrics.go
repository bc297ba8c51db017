// Package metrics exposes Prometheus instrumentation for outcomes, queue
// depth, and capture duration — the ambient observability surface carried
// regardless of spec.md's Non-goals around reporting/dashboards.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nationaltreasure/engine/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "national_treasure_outcomes_total",
			Help: "Total number of recorded capture outcomes",
		},
		[]string{"domain", "config_id", "result", "block_service"},
	)

	CaptureDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "national_treasure_capture_duration_seconds",
			Help:    "Duration of capture pipeline runs in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"domain", "result"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "national_treasure_queue_depth",
			Help: "Number of jobs per queue and status",
		},
		[]string{"queue", "status"},
	)

	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "national_treasure_dead_letters_total",
			Help: "Total number of jobs that exhausted their retry budget",
		},
		[]string{"queue"},
	)

	ProxyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "national_treasure_proxy_failures_total",
			Help: "Total number of proxy failures during preflight probes",
		},
		[]string{"proxy_url"},
	)
)

// RecordOutcome updates outcome and capture-duration metrics for one
// completed capture attempt.
func RecordOutcome(o *model.Outcome, durationMs int64) {
	if o == nil {
		return
	}
	OutcomesTotal.WithLabelValues(o.Domain, o.ConfigID, string(o.Result), o.BlockService).Inc()
	CaptureDuration.WithLabelValues(o.Domain, string(o.Result)).Observe(time.Duration(durationMs * int64(time.Millisecond)).Seconds())
}

// RecordQueueDepth sets the queue-depth gauge from a depth_by_status snapshot.
func RecordQueueDepth(queue string, depths map[model.JobStatus]int) {
	for status, n := range depths {
		QueueDepth.WithLabelValues(queue, string(status)).Set(float64(n))
	}
}

// RecordDeadLetter increments the dead-letter counter for a queue.
func RecordDeadLetter(queue string) {
	DeadLettersTotal.WithLabelValues(queue).Inc()
}

// Server encapsulates an HTTP server exposing /metrics.
type Server struct {
	srv *http.Server
}

// Start begins listening on the specified port and exposes /metrics.
func Start(port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server failed: %v\n", err)
		}
	}()

	return &Server{srv: srv}
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
