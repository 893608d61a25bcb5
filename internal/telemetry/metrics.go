package telemetry

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"kafkarows/internal/logging"
)

var (
	MessagesDrained = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafkarows_messages_drained_total",
			Help: "Messages handed to the record handler",
		},
		[]string{"topic"},
	)
	Cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafkarows_cycles_total",
			Help: "Drain cycles by terminal outcome",
		},
		[]string{"topic", "outcome"},
	)
	Commits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafkarows_commits_total",
			Help: "Offset commits issued at cycle end",
		},
		[]string{"topic", "result"}, // ok|error
	)
	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafkarows_cycle_duration_seconds",
			Help:    "Wall-clock duration of a drain cycle",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		},
		[]string{"topic"},
	)
	RowsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafkarows_rows_emitted_total",
			Help: "Rows pushed to sinks",
		},
		[]string{"sink"},
	)
)

var registerOnce sync.Once

// MustRegister registers the collectors with the default registry once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(MessagesDrained, Cycles, Commits, CycleDuration, RowsEmitted)
	})
}

func ObserveCycle(topic, outcome string, d time.Duration) {
	Cycles.WithLabelValues(topic, outcome).Inc()
	CycleDuration.WithLabelValues(topic).Observe(d.Seconds())
}

func Expose(port int) {
	MustRegister()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
			logging.L().Warn("metrics listener stopped", zap.Int("port", port), zap.Error(err))
		}
	}()
}
