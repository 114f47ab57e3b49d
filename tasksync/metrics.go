package tasksync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "tasksync"

// engine metrics. a nil `*Metrics` records nothing.
type Metrics struct {
	// 1 for the current state, 0 for the others
	ConnectionStates *prometheus.GaugeVec
	Reconnects       prometheus.Counter
	Subscriptions    prometheus.Gauge

	// labels: outcome (success, rolled_back, conflict)
	MutationsTotal   *prometheus.CounterVec
	RollbacksTotal   prometheus.Counter
	PendingMutations prometheus.Gauge

	// labels: role (single, list, summary), action (refetch, drop, evict)
	InvalidationsTotal *prometheus.CounterVec
	// labels: result (success, error, stale, limited)
	RefetchesTotal *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		ConnectionStates: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "connection_state",
			Help:      "Realtime connection state.",
		}, []string{"state"}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "reconnects_total",
			Help:      "Automatic reconnect attempts.",
		}),
		Subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "subscriptions",
			Help:      "Registered push subscriptions.",
		}),
		MutationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "mutation",
			Name:      "total",
			Help:      "Finished mutations by outcome.",
		}, []string{"outcome"}),
		RollbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "mutation",
			Name:      "rollbacks_total",
			Help:      "Optimistic patch rollbacks.",
		}),
		PendingMutations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "mutation",
			Name:      "pending",
			Help:      "Mutations awaiting a server result.",
		}),
		InvalidationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "coordinator",
			Name:      "invalidations_total",
			Help:      "Cached query invalidations by query role and action.",
		}, []string{"role", "action"}),
		RefetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "coordinator",
			Name:      "refetches_total",
			Help:      "Query refetches by result.",
		}, []string{"result"}),
	}
}

func (self *Metrics) ConnectionState(state ConnectionState) {
	if self == nil {
		return
	}
	for _, s := range []ConnectionState{
		ConnectionStateDisconnected,
		ConnectionStateConnecting,
		ConnectionStateConnected,
	} {
		if s == state {
			self.ConnectionStates.WithLabelValues(string(s)).Set(1)
		} else {
			self.ConnectionStates.WithLabelValues(string(s)).Set(0)
		}
	}
}

func (self *Metrics) Reconnect() {
	if self == nil {
		return
	}
	self.Reconnects.Inc()
}

func (self *Metrics) SetSubscriptions(count int) {
	if self == nil {
		return
	}
	self.Subscriptions.Set(float64(count))
}

func (self *Metrics) Mutation(outcome string) {
	if self == nil {
		return
	}
	self.MutationsTotal.WithLabelValues(outcome).Inc()
}

func (self *Metrics) Rollback() {
	if self == nil {
		return
	}
	self.RollbacksTotal.Inc()
}

func (self *Metrics) SetPending(count int) {
	if self == nil {
		return
	}
	self.PendingMutations.Set(float64(count))
}

func (self *Metrics) Invalidation(role QueryRole, action string) {
	if self == nil {
		return
	}
	self.InvalidationsTotal.WithLabelValues(string(role), action).Inc()
}

func (self *Metrics) Refetch(result string) {
	if self == nil {
		return
	}
	self.RefetchesTotal.WithLabelValues(result).Inc()
}
