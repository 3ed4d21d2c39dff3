// ============================================================================
// Beaver-Relay Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Count what the relay does, expose it on /metrics
//
// Metric families:
//
//   Registry:
//     - relay_registrations_total{result}   accepted / rejected announcements
//     - relay_channels_expired_total        channels dropped by the watchdog
//     - relay_live_channels                 size of the live-channel set
//
//   Submission:
//     - relay_jobs_submitted_total          envelopes queued and announced
//     - relay_jobs_rolled_back_total        envelopes withdrawn, nobody listening
//
//   Dispatch (coordinator side):
//     - relay_dispatches_total{result}      handled / skipped / failed
//     - relay_handler_timeouts_total        handlers cut by the hard timeout
//
//   Processing (worker side):
//     - relay_jobs_requeued_total           jobs pushed back on lock contention
//     - relay_jobs_processed_total{kind,outcome}
//     - relay_job_latency_seconds           handler duration
//
// Every method tolerates a nil *Collector, so components can run uninstrumented.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcomes used as label values.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultHandled  = "handled"
	ResultSkipped  = "skipped"
	ResultFailed   = "failed"
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeUnknown = "unknown_kind"
)

// Collector holds the relay metrics.
type Collector struct {
	registrations   *prometheus.CounterVec
	channelsExpired prometheus.Counter
	liveChannels    prometheus.Gauge

	jobsSubmitted  prometheus.Counter
	jobsRolledBack prometheus.Counter

	dispatches      *prometheus.CounterVec
	handlerTimeouts prometheus.Counter

	jobsRequeued  prometheus.Counter
	jobsProcessed *prometheus.CounterVec
	jobLatency    prometheus.Histogram
}

// NewCollector creates the metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_registrations_total",
			Help: "Registration announcements by result",
		}, []string{"result"}),
		channelsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_channels_expired_total",
			Help: "Channels removed from the live set after their lease lapsed",
		}),
		liveChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_live_channels",
			Help: "Channels in the live-channel set at the last watchdog cycle",
		}),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_jobs_submitted_total",
			Help: "Jobs queued and announced to a service",
		}),
		jobsRolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_jobs_rolled_back_total",
			Help: "Jobs withdrawn because no subscriber received the notification",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dispatches_total",
			Help: "Response dispatches by result",
		}, []string{"result"}),
		handlerTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_handler_timeouts_total",
			Help: "Handlers stopped by the hard timeout",
		}),
		jobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_jobs_requeued_total",
			Help: "Jobs pushed back to the processing queue on lock contention",
		}),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_jobs_processed_total",
			Help: "Jobs processed by a worker, by kind and outcome",
		}, []string{"kind", "outcome"}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_job_latency_seconds",
			Help:    "Job processing latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
	}

	reg.MustRegister(
		c.registrations,
		c.channelsExpired,
		c.liveChannels,
		c.jobsSubmitted,
		c.jobsRolledBack,
		c.dispatches,
		c.handlerTimeouts,
		c.jobsRequeued,
		c.jobsProcessed,
		c.jobLatency,
	)
	return c
}

// RecordRegistration counts an announcement.
func (c *Collector) RecordRegistration(result string) {
	if c == nil {
		return
	}
	c.registrations.WithLabelValues(result).Inc()
}

// RecordChannelExpired counts a channel dropped by the watchdog.
func (c *Collector) RecordChannelExpired() {
	if c == nil {
		return
	}
	c.channelsExpired.Inc()
}

// SetLiveChannels sets the size of the live-channel set.
func (c *Collector) SetLiveChannels(n int) {
	if c == nil {
		return
	}
	c.liveChannels.Set(float64(n))
}

// RecordSubmitted counts a submitted job.
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordRolledBack counts a withdrawn job.
func (c *Collector) RecordRolledBack() {
	if c == nil {
		return
	}
	c.jobsRolledBack.Inc()
}

// RecordDispatch counts a dispatch.
func (c *Collector) RecordDispatch(result string) {
	if c == nil {
		return
	}
	c.dispatches.WithLabelValues(result).Inc()
}

// RecordHandlerTimeout counts a handler cut by the timeout.
func (c *Collector) RecordHandlerTimeout() {
	if c == nil {
		return
	}
	c.handlerTimeouts.Inc()
}

// RecordRequeued counts a job pushed back on lock contention.
func (c *Collector) RecordRequeued() {
	if c == nil {
		return
	}
	c.jobsRequeued.Inc()
}

// RecordProcessed counts a processed job and its duration.
func (c *Collector) RecordProcessed(kind, outcome string, latencySeconds float64) {
	if c == nil {
		return
	}
	c.jobsProcessed.WithLabelValues(kind, outcome).Inc()
	c.jobLatency.Observe(latencySeconds)
}

// Handler serves the metrics of gatherer in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on port until ctx is done.
func StartServer(ctx context.Context, port int, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
