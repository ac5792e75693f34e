package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hookrelay",
		Name:      "http_requests_total",
		Help:      "Admin HTTP requests by method, path, and status.",
	}, []string{"method", "path", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hookrelay",
		Name:      "http_request_duration_seconds",
		Help:      "Admin HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	HookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hookrelay",
		Name:      "hook_events_total",
		Help:      "Hook events processed by event name.",
	}, []string{"event"})

	RejectedTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hookrelay",
		Name:      "rejected_transitions_total",
		Help:      "Session phase transitions that were not legal edges.",
	})

	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hookrelay",
		Name:      "broadcasts_total",
		Help:      "Push messages broadcast to subscribers by type.",
	}, []string{"type"})

	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hookrelay",
		Name:      "auth_failures_total",
		Help:      "Network-channel connections rejected during authentication.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hookrelay",
		Name:      "active_sessions",
		Help:      "Sessions currently tracked.",
	})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hookrelay",
		Name:      "subscribers",
		Help:      "Companion connections currently subscribed.",
	})

	PendingDecisions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hookrelay",
		Name:      "pending_decisions",
		Help:      "Permission requests awaiting a decision.",
	})
)
