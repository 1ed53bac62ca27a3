// Package metrics declares the Prometheus metrics the routing core
// exposes. Naming convention: namespace_subsystem_name, namespace is
// sfu_routingcore, subsystem is one of session, switchboard,
// negotiator, signaling, forwarding, redis, circuit_breaker,
// rate_limit.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sfu_routingcore"

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "active",
		Help:      "Current number of live host-attached sessions.",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "switchboard",
		Name:      "rooms_active",
		Help:      "Current number of non-empty rooms.",
	})

	RoomUsers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "switchboard",
		Name:      "room_users",
		Help:      "Number of distinct users resident in each room.",
	}, []string{"room_id"})

	SignalingMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signaling",
		Name:      "messages_total",
		Help:      "Total inbound signalling messages processed, by kind and outcome.",
	}, []string{"kind", "status"})

	SignalingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "signaling",
		Name:      "dispatch_seconds",
		Help:      "Time spent dispatching one signalling message.",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
	}, []string{"kind"})

	ForwardedPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "forwarding",
		Name:      "packets_total",
		Help:      "Total media/data packets forwarded, by class and outcome.",
	}, []string{"class", "status"})

	NegotiatorOffers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "negotiator",
		Name:      "offers_total",
		Help:      "Total offers emitted by the negotiator, by trigger.",
	}, []string{"trigger"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current circuit breaker state (0: closed, 1: open, 2: half-open).",
	}, []string{"service"})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total signalling messages rejected by the per-session rate limiter.",
	}, []string{"reason"})

	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total block-store Redis operations, by operation and status.",
	}, []string{"operation", "status"})

	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of block-store Redis operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncSession() { ActiveSessions.Inc() }
func DecSession() { ActiveSessions.Dec() }
