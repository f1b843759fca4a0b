package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "makerspace",
		Name:      "requests_created_total",
		Help:      "Maintenance requests created.",
	})

	requestsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "makerspace",
		Name:      "requests_deleted_total",
		Help:      "Maintenance requests deleted.",
	})

	policyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "makerspace",
		Name:      "policy_decisions_total",
		Help:      "Authorization decisions broken down by action and result.",
	}, []string{"action", "decision"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "makerspace",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests broken down by route, method and status code.",
	}, []string{"route", "method", "code"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "makerspace",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
)

func RequestCreated() { requestsCreated.Inc() }

func RequestDeleted() { requestsDeleted.Inc() }

func PolicyDecision(action string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	policyDecisions.With(prometheus.Labels{"action": action, "decision": decision}).Inc()
}

func ObserveHTTP(route, method string, status int, latency time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpRequests.With(prometheus.Labels{
		"route":  route,
		"method": method,
		"code":   strconv.Itoa(status),
	}).Inc()
	httpLatency.With(prometheus.Labels{"route": route, "method": method}).Observe(latency.Seconds())
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
