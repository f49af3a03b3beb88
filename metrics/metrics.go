// Package metrics exposes RPC counters to Prometheus. A nil *Recorder records nothing, so
// components can take one unconditionally.
package metrics

import (
	"time"

	"github.com/nuclio/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Request outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeCached    = "cached"
)

type Recorder struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	pushesTotal      *prometheus.CounterVec
	pendingRequests  prometheus.Gauge
	dispatchedTotal  *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
}

// NewRecorder creates the collectors of one service and registers them.
func NewRecorder(service string, metricRegistry prometheus.Registerer) (*Recorder, error) {
	labels := prometheus.Labels{
		"service": service,
	}

	recorder := &Recorder{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "chanrpc_requests_total",
			Help:        "Total number of outgoing requests",
			ConstLabels: labels,
		}, []string{"target", "method", "outcome"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "chanrpc_request_duration_seconds",
			Help:        "Latency of outgoing requests",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"target", "method"}),

		pushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "chanrpc_pushes_total",
			Help:        "Total number of outgoing pushes",
			ConstLabels: labels,
		}, []string{"target", "method"}),

		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "chanrpc_pending_requests",
			Help:        "Requests waiting for a reply",
			ConstLabels: labels,
		}),

		dispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "chanrpc_dispatched_calls_total",
			Help:        "Total number of incoming calls dispatched to methods",
			ConstLabels: labels,
		}, []string{"method", "outcome"}),

		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "chanrpc_dispatch_duration_seconds",
			Help:        "Execution time of incoming calls",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method"}),
	}

	for _, collector := range []prometheus.Collector{
		recorder.requestsTotal,
		recorder.requestDuration,
		recorder.pushesTotal,
		recorder.pendingRequests,
		recorder.dispatchedTotal,
		recorder.dispatchDuration,
	} {
		if err := metricRegistry.Register(collector); err != nil {
			return nil, errors.Wrap(err, "Failed to register metric")
		}
	}

	return recorder, nil
}

func (r *Recorder) ObserveRequest(target string, method string, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.requestsTotal.With(prometheus.Labels{
		"target":  target,
		"method":  method,
		"outcome": outcome,
	}).Inc()

	if outcome != OutcomeCached {
		r.requestDuration.With(prometheus.Labels{
			"target": target,
			"method": method,
		}).Observe(duration.Seconds())
	}
}

func (r *Recorder) ObservePush(target string, method string) {
	if r == nil {
		return
	}
	r.pushesTotal.With(prometheus.Labels{
		"target": target,
		"method": method,
	}).Inc()
}

func (r *Recorder) SetPending(count int) {
	if r == nil {
		return
	}
	r.pendingRequests.Set(float64(count))
}

func (r *Recorder) ObserveDispatch(method string, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.dispatchedTotal.With(prometheus.Labels{
		"method":  method,
		"outcome": outcome,
	}).Inc()

	r.dispatchDuration.With(prometheus.Labels{
		"method": method,
	}).Observe(duration.Seconds())
}
