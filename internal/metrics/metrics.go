// Package metrics holds the Prometheus collectors for the client's
// resilience layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paperdesk",
		Name:      "token_refreshes_total",
		Help:      "Token refresh attempts dispatched to the backend, by outcome.",
	}, []string{"outcome"})

	requests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "paperdesk",
		Name:      "request_duration_seconds",
		Help:      "Duration of request pipeline calls, by method and result class.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"method", "result"})

	streamSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paperdesk",
		Name:      "stream_sessions_total",
		Help:      "Streaming sessions closed, by transport and close reason.",
	}, []string{"transport", "reason"})

	streamFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paperdesk",
		Name:      "stream_frames_total",
		Help:      "Streaming frames received, by event type.",
	}, []string{"type"})
)

// RecordRefresh counts a refresh dispatch ("success" or "failure").
func RecordRefresh(outcome string) {
	tokenRefreshes.WithLabelValues(outcome).Inc()
}

// ObserveRequest records one pipeline call.
func ObserveRequest(method, result string, d time.Duration) {
	requests.WithLabelValues(method, result).Observe(d.Seconds())
}

// RecordStreamClosed counts a finished streaming session.
func RecordStreamClosed(transport, reason string) {
	streamSessions.WithLabelValues(transport, reason).Inc()
}

// RecordFrame counts one inbound stream frame.
func RecordFrame(eventType string) {
	if eventType == "" {
		eventType = "undecodable"
	}
	streamFrames.WithLabelValues(eventType).Inc()
}
