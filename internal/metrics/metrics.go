package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector this service exposes on /metrics.
var Registry = prometheus.NewRegistry()

var (
	rateLimitDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "servicedesk",
		Name:      "rate_limit_drops_total",
		Help:      "Requests rejected with HTTP 429, by limiter scope.",
	}, []string{"scope"})

	actionsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "servicedesk",
		Subsystem: "automation",
		Name:      "actions_total",
		Help:      "Automation actions dispatched, by action type and outcome.",
	}, []string{"action_type", "outcome"})

	actionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "servicedesk",
		Subsystem: "automation",
		Name:      "action_duration_seconds",
		Help:      "Wall time of a single automation action.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"action_type"})

	slaRecomputes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "servicedesk",
		Subsystem: "sla",
		Name:      "recomputes_total",
		Help:      "SLA recompute attempts, by result (saved, conflict, exhausted, error).",
	}, []string{"result"})

	slaBreaches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "servicedesk",
		Subsystem: "sla",
		Name:      "breaches_total",
		Help:      "Breach flags newly set, by deadline kind.",
	}, []string{"kind"})

	slaPolicyAmbiguity = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "servicedesk",
		Subsystem: "sla",
		Name:      "policy_ambiguous_total",
		Help:      "Tickets matched by more than one active SLA policy.",
	})

	outboxPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "servicedesk",
		Subsystem: "outbox",
		Name:      "publish_total",
		Help:      "Outbox publish attempts, by topic and result.",
	}, []string{"topic", "result"})
)

func init() {
	Registry.MustRegister(
		rateLimitDrops,
		actionsDispatched,
		actionDuration,
		slaRecomputes,
		slaBreaches,
		slaPolicyAmbiguity,
		outboxPublished,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// IncRateLimitDrop increments drop counters for the given scope.
// Use "global" for global limiter rejections.
func IncRateLimitDrop(scope string) {
	if scope == "" {
		scope = "global"
	}
	rateLimitDrops.WithLabelValues(scope).Inc()
}

func ObserveAction(actionType, outcome string, d time.Duration) {
	actionsDispatched.WithLabelValues(actionType, outcome).Inc()
	actionDuration.WithLabelValues(actionType).Observe(d.Seconds())
}

func IncSlaRecompute(result string) {
	slaRecomputes.WithLabelValues(result).Inc()
}

func IncSlaBreach(kind string) {
	slaBreaches.WithLabelValues(kind).Inc()
}

func IncSlaPolicyAmbiguity() {
	slaPolicyAmbiguity.Inc()
}

func IncOutboxPublish(topic, result string) {
	outboxPublished.WithLabelValues(topic, result).Inc()
}
