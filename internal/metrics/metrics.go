package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors groups the sync pipeline's prometheus metrics. A nil *Collectors
// is valid and records nothing.
type Collectors struct {
	Intents       *prometheus.CounterVec
	Subscriptions *prometheus.GaugeVec
	Malformed     *prometheus.CounterVec
	SinkFailures  *prometheus.CounterVec
	State         *prometheus.GaugeVec
	Snapshots     prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		Intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "notification_intents_total",
			Help:      "Notification intents emitted, by kind.",
		}, []string{"kind"}),
		Subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "active_subscriptions",
			Help:      "Open remote subscriptions, by kind.",
		}, []string{"kind"}),
		Malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "malformed_records_total",
			Help:      "Records dropped for failing shape validation, by kind.",
		}, []string{"kind"}),
		SinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sink_failures_total",
			Help:      "Notification or sound sink calls that failed, by sink.",
		}, []string{"sink"}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		Snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "conversation_snapshots_total",
			Help:      "Conversation list snapshots published.",
		}),
	}
	for _, col := range []prometheus.Collector{c.Intents, c.Subscriptions, c.Malformed, c.SinkFailures, c.State, c.Snapshots} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collectors) IntentEmitted(kind string) {
	if c == nil {
		return
	}
	c.Intents.WithLabelValues(kind).Inc()
}

func (c *Collectors) SubscriptionOpened(kind string) {
	if c == nil {
		return
	}
	c.Subscriptions.WithLabelValues(kind).Inc()
}

func (c *Collectors) SubscriptionClosed(kind string) {
	if c == nil {
		return
	}
	c.Subscriptions.WithLabelValues(kind).Dec()
}

func (c *Collectors) MalformedRecord(kind string) {
	if c == nil {
		return
	}
	c.Malformed.WithLabelValues(kind).Inc()
}

func (c *Collectors) SinkFailed(sink string) {
	if c == nil {
		return
	}
	c.SinkFailures.WithLabelValues(sink).Inc()
}

func (c *Collectors) SnapshotPublished() {
	if c == nil {
		return
	}
	c.Snapshots.Inc()
}

// SetState marks state as current and clears the others.
func (c *Collectors) SetState(state string, all []string) {
	if c == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		c.State.WithLabelValues(s).Set(v)
	}
}
