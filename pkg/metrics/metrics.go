// Package metrics provides Prometheus instrumentation for nebula-bc.
//
// All collectors live on a Metrics value so tests can register them on a
// private registry. Every method is safe on a nil *Metrics, which records
// nothing; components that were not handed a Metrics stay uninstrumented.
//
// # Basic Usage
//
//	m := metrics.New(prometheus.DefaultRegisterer)
//	m.ObserveRequest("api.businesscentral.dynamics.com", 200, elapsed)
//	m.RecordEmitted("items")
//
//	timer := metrics.NewTimer("page")
//	fetchPage()
//	m.ObservePage("items", timer.Stop())
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "nebula_bc"

// Metrics groups the collectors recorded during an extraction run.
type Metrics struct {
	httpRequests   *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
	pagesFetched   *prometheus.CounterVec
	pageLatency    *prometheus.HistogramVec
	recordsEmitted *prometheus.CounterVec
	recordsDropped *prometheus.CounterVec
	branchFailures *prometheus.CounterVec
	expandRetries  *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests issued, by host and status code",
		}, []string{"host", "status"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"host"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried operations after a transient failure",
		}, []string{"operation"}),
		tokenRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "OAuth2 token refreshes by outcome",
		}, []string{"outcome"}),
		pagesFetched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_fetched_total",
			Help:      "Result pages fetched per stream",
		}, []string{"stream"}),
		pageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "page_duration_seconds",
			Help:      "Time to fetch one page including retries",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stream"}),
		recordsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_emitted_total",
			Help:      "Records emitted per stream",
		}, []string{"stream"}),
		recordsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Records skipped per stream and reason",
		}, []string{"stream", "reason"}),
		branchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "branch_failures_total",
			Help:      "Resource branches that failed without aborting the run",
		}, []string{"stream"}),
		expandRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expand_fallbacks_total",
			Help:      "Pages refetched in batches after the server rejected an expansion",
		}, []string{"stream"}),
	}
}

// Default returns the process-wide Metrics registered on the default registerer.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// ObserveRequest records one HTTP exchange. status 0 means no response.
func (m *Metrics) ObserveRequest(host string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(host, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(host).Observe(elapsed.Seconds())
}

// RecordRetry counts a retry of operation.
func (m *Metrics) RecordRetry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

// RecordTokenRefresh counts a refresh attempt.
func (m *Metrics) RecordTokenRefresh(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}

// ObservePage records a fetched page for stream.
func (m *Metrics) ObservePage(stream string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pagesFetched.WithLabelValues(stream).Inc()
	m.pageLatency.WithLabelValues(stream).Observe(elapsed.Seconds())
}

// RecordEmitted counts one emitted record.
func (m *Metrics) RecordEmitted(stream string) {
	if m == nil {
		return
	}
	m.recordsEmitted.WithLabelValues(stream).Inc()
}

// RecordDropped counts one skipped record.
func (m *Metrics) RecordDropped(stream, reason string) {
	if m == nil {
		return
	}
	m.recordsDropped.WithLabelValues(stream, reason).Inc()
}

// RecordBranchFailure counts a failed resource branch.
func (m *Metrics) RecordBranchFailure(stream string) {
	if m == nil {
		return
	}
	m.branchFailures.WithLabelValues(stream).Inc()
}

// RecordExpandFallback counts one page rebuilt without its inline expansion.
func (m *Metrics) RecordExpandFallback(stream string) {
	if m == nil {
		return
	}
	m.expandRetries.WithLabelValues(stream).Inc()
}

// Serve exposes the default registry on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Timer measures elapsed time for a named operation
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the operation the timer measures.
func (t *Timer) Name() string {
	return t.name
}

// Stop returns the elapsed duration since creation. It can be called repeatedly.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
