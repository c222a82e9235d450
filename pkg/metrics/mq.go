package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQMetrics instruments the RabbitMQ client shared by the generator and the
// backend consumer. Per-queue series are labeled "queue".
type MQMetrics struct {
	MessagesPushed    *prometheus.CounterVec
	PushFailures      *prometheus.CounterVec // queue, reason
	PushDuration      *prometheus.HistogramVec
	MessagesConsumed  *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	ChannelReinits    prometheus.Counter
	ConnectionStatus  prometheus.Gauge
}

// NewMQMetrics creates and registers MQ client metrics.
func NewMQMetrics(namespace string) *MQMetrics {
	const subsystem = "mq"

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		})
	}
	perQueue := func(name, help string, extra ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, append([]string{"queue"}, extra...))
	}

	m := &MQMetrics{
		MessagesPushed:   perQueue("messages_pushed_total", "Submissions confirmed by the broker"),
		PushFailures:     perQueue("push_failures_total", "Publishes that gave up, by reason", "reason"),
		MessagesConsumed: perQueue("messages_consumed_total", "Deliveries handed to the consumer"),
		PushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "push_duration_seconds",
				Help:      "Time from publish to broker confirmation, including retries",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"queue"},
		),
		ReconnectAttempts: counter("reconnect_attempts_total", "Connection attempts to the broker"),
		ChannelReinits:    counter("channel_reinits_total", "Channels reopened after a channel-level close"),
		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "connection_status",
				Help:      "1 while the client holds an open channel, 0 otherwise",
			},
		),
	}

	MustRegister(
		m.MessagesPushed,
		m.PushFailures,
		m.PushDuration,
		m.MessagesConsumed,
		m.ReconnectAttempts,
		m.ChannelReinits,
		m.ConnectionStatus,
	)

	return m
}
