package transport

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors updated by Instrumented.
type Metrics struct {
	Requests      *prometheus.CounterVec
	Failures      *prometheus.CounterVec
	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter
	Duration      *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudstorage",
			Subsystem: "transport",
			Name:      "requests_total",
			Help:      "Requests that reached the storage service, by method and status code.",
		}, []string{"method", "code"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudstorage",
			Subsystem: "transport",
			Name:      "failures_total",
			Help:      "Requests that did not reach the storage service, by method.",
		}, []string{"method"}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cloudstorage",
			Subsystem: "transport",
			Name:      "sent_bytes_total",
			Help:      "Request body bytes sent.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cloudstorage",
			Subsystem: "transport",
			Name:      "received_bytes_total",
			Help:      "Response body bytes received.",
		}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cloudstorage",
			Subsystem: "transport",
			Name:      "request_duration_seconds",
			Help:      "Request latency, by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	for _, c := range []prometheus.Collector{m.Requests, m.Failures, m.BytesSent, m.BytesReceived, m.Duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Instrumented wraps a Transport and records every request in Metrics.
type Instrumented struct {
	next    Transport
	metrics *Metrics
}

// NewInstrumented ...
func NewInstrumented(next Transport, metrics *Metrics) *Instrumented {
	return &Instrumented{next: next, metrics: metrics}
}

// Do ...
func (t *Instrumented) Do(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := t.next.Do(ctx, req)
	t.metrics.Duration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	t.metrics.BytesSent.Add(float64(len(req.Body)))

	if err != nil {
		t.metrics.Failures.WithLabelValues(req.Method).Inc()
		return nil, err
	}
	t.metrics.Requests.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode)).Inc()
	t.metrics.BytesReceived.Add(float64(len(resp.Body)))
	return resp, nil
}
