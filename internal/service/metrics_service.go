package service

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/podiumlabs/podium-uploader/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for the pipeline and
// provides lightweight snapshots for the end-of-run summary.
type MetricsService struct {
	registry         *prometheus.Registry
	handler          http.Handler
	uploadDuration   prometheus.Observer
	uploadsTotal     *prometheus.CounterVec
	uploadsInFlight  prometheus.Gauge
	bytesSent        prometheus.Counter
	stageTransitions *prometheus.CounterVec
	triggerRounds    prometheus.Counter
	triggerFailures  prometheus.Counter
	pollsTotal       prometheus.Counter
	pollFailures     prometheus.Counter

	uploadStartCount    uint64
	uploadDoneCount     uint64
	uploadFailCount     uint64
	uploadDurationTotal uint64
	bytesSentTotal      uint64
	triggerRoundCount   uint64
	triggerFailureCount uint64
	pollCount           uint64
	pollFailureCount    uint64
}

// NewMetricsService registers the pipeline's Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	uploadDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "upload_duration_seconds",
		Help:    "Duration of individual file uploads in seconds",
		Buckets: prometheus.DefBuckets,
	})

	uploadsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "uploads_total",
		Help: "Total number of finished uploads by outcome",
	}, []string{"outcome"})

	uploadsInFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "uploads_in_flight",
		Help: "Number of uploads currently being transferred",
	})

	bytesSent := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upload_bytes_total",
		Help: "Total bytes transferred to the collaborator",
	})

	stageTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stage_transitions_total",
		Help: "Total pipeline stage transitions",
	}, []string{"from", "to"})

	triggerRounds := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trigger_rounds_total",
		Help: "Total processing trigger rounds issued",
	})

	triggerFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trigger_failures_total",
		Help: "Total failed processing trigger calls",
	})

	pollsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "polls_total",
		Help: "Total batch status polls",
	})

	pollFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "poll_failures_total",
		Help: "Total failed batch status polls",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(uploadDuration, uploadsTotal, uploadsInFlight, bytesSent, stageTransitions, triggerRounds, triggerFailures, pollsTotal, pollFailures, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:         registry,
		handler:          handler,
		uploadDuration:   uploadDuration,
		uploadsTotal:     uploadsTotal,
		uploadsInFlight:  uploadsInFlight,
		bytesSent:        bytesSent,
		stageTransitions: stageTransitions,
		triggerRounds:    triggerRounds,
		triggerFailures:  triggerFailures,
		pollsTotal:       pollsTotal,
		pollFailures:     pollFailures,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// UploadStarted marks an upload as admitted into the worker pool.
func (m *MetricsService) UploadStarted() {
	if m == nil {
		return
	}
	m.uploadsInFlight.Inc()
	atomic.AddUint64(&m.uploadStartCount, 1)
}

// UploadFinished records the outcome of one upload.
func (m *MetricsService) UploadFinished(success bool, duration time.Duration, bytes int64) {
	if m == nil {
		return
	}
	m.uploadsInFlight.Dec()
	m.uploadDuration.Observe(duration.Seconds())
	if success {
		m.uploadsTotal.WithLabelValues("completed").Inc()
		atomic.AddUint64(&m.uploadDoneCount, 1)
	} else {
		m.uploadsTotal.WithLabelValues("failed").Inc()
		atomic.AddUint64(&m.uploadFailCount, 1)
	}
	atomic.AddUint64(&m.uploadDurationTotal, uint64(duration.Nanoseconds()))
	if bytes > 0 {
		m.bytesSent.Add(float64(bytes))
		atomic.AddUint64(&m.bytesSentTotal, uint64(bytes))
	}
}

// StageChanged records an observed stage transition.
func (m *MetricsService) StageChanged(from, to models.Stage) {
	if m == nil || from == to {
		return
	}
	m.stageTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// TriggerRound records one round of processing trigger calls.
func (m *MetricsService) TriggerRound(advanced, failures int) {
	if m == nil {
		return
	}
	m.triggerRounds.Inc()
	atomic.AddUint64(&m.triggerRoundCount, 1)
	if failures > 0 {
		m.triggerFailures.Add(float64(failures))
		atomic.AddUint64(&m.triggerFailureCount, uint64(failures))
	}
}

// PollObserved records the outcome of one batch status poll.
func (m *MetricsService) PollObserved(err error) {
	if m == nil {
		return
	}
	m.pollsTotal.Inc()
	atomic.AddUint64(&m.pollCount, 1)
	if err != nil {
		m.pollFailures.Inc()
		atomic.AddUint64(&m.pollFailureCount, 1)
	}
}

// Snapshot returns aggregated pipeline metrics.
func (m *MetricsService) Snapshot() models.MetricsSnapshot {
	if m == nil {
		return models.MetricsSnapshot{}
	}
	started := atomic.LoadUint64(&m.uploadStartCount)
	completed := atomic.LoadUint64(&m.uploadDoneCount)
	failed := atomic.LoadUint64(&m.uploadFailCount)
	durationTotal := atomic.LoadUint64(&m.uploadDurationTotal)
	finished := completed + failed

	var avgUploadMs float64
	if finished > 0 {
		avgUploadMs = float64(durationTotal) / float64(finished) / float64(time.Millisecond)
	}

	return models.MetricsSnapshot{
		UploadsStarted:   started,
		UploadsCompleted: completed,
		UploadsFailed:    failed,
		BytesSent:        atomic.LoadUint64(&m.bytesSentTotal),
		AverageUploadMs:  avgUploadMs,
		TriggerRounds:    atomic.LoadUint64(&m.triggerRoundCount),
		TriggerFailures:  atomic.LoadUint64(&m.triggerFailureCount),
		Polls:            atomic.LoadUint64(&m.pollCount),
		PollFailures:     atomic.LoadUint64(&m.pollFailureCount),
		Goroutines:       runtime.NumGoroutine(),
		GeneratedAt:      time.Now().UTC(),
	}
}
