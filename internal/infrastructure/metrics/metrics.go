package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "homegate"

// Metrics records pipeline counters in Prometheus collectors.
//
// It satisfies the small counter and observer interfaces declared by the
// mqtt, device, ingest, events, health, automation and gateway packages, so
// each component stays free of the Prometheus dependency.
type Metrics struct {
	mqttConnected   prometheus.Gauge
	connectAttempts *prometheus.CounterVec
	connectionsLost prometheus.Counter
	messages        prometheus.Counter
	publishes       *prometheus.CounterVec

	topicsRejected prometheus.Counter
	ingested       *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	discovered     *prometheus.CounterVec

	changes     *prometheus.CounterVec
	sinkFailed  prometheus.Counter
	sweeps      prometheus.Counter
	offlined    prometheus.Counter
	fired       prometheus.Counter
	actionFails prometheus.Counter
	configErrs  prometheus.Counter
}

// New registers the collectors on reg. A nil reg uses the default
// registerer. Collectors that are already registered are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		mqttConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "mqtt_connected",
			Help: "1 while the broker session is up",
		}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "mqtt_connect_attempts_total",
			Help: "Broker connection attempts by result",
		}, []string{"ok"}),
		connectionsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "mqtt_connections_lost_total",
			Help: "Broker sessions lost after being established",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "mqtt_messages_received_total",
			Help: "Messages received from the broker",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "mqtt_publishes_total",
			Help: "Publish outcomes by result",
		}, []string{"ok"}),
		topicsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "topics_rejected_total",
			Help: "Messages dropped because their topic did not parse",
		}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingest_messages_total",
			Help: "Accepted state and status messages",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingest_dropped_total",
			Help: "Messages dropped by the ingestion engine",
		}, []string{"reason"}),
		discovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "discovered_total",
			Help: "Devices and entities auto-created on first message",
		}, []string{"kind"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "change_events_total",
			Help: "Change events emitted by cause",
		}, []string{"cause"}),
		sinkFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "change_sink_failures_total",
			Help: "Change records the external fan-out refused",
		}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "health_sweeps_total",
			Help: "Completed liveness sweeps",
		}),
		offlined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "health_offlined_total",
			Help: "Devices marked offline by liveness sweeps",
		}),
		fired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "automation_fired_total",
			Help: "Automation firings",
		}),
		actionFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "automation_action_failures_total",
			Help: "Automation actions that were skipped or failed to publish",
		}),
		configErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "automation_config_errors_total",
			Help: "Triggers and actions referencing missing entities or mismatched types",
		}),
	}

	var err error
	m.mqttConnected, err = register(reg, m.mqttConnected)
	if err != nil {
		return nil, err
	}
	for _, vec := range []**prometheus.CounterVec{
		&m.connectAttempts, &m.publishes, &m.ingested, &m.dropped, &m.discovered, &m.changes,
	} {
		if *vec, err = register(reg, *vec); err != nil {
			return nil, err
		}
	}
	for _, c := range []*prometheus.Counter{
		&m.connectionsLost, &m.messages, &m.topicsRejected, &m.sinkFailed,
		&m.sweeps, &m.offlined, &m.fired, &m.actionFails, &m.configErrs,
	} {
		if *c, err = register(reg, *c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// register adds c to reg, returning the existing collector on a duplicate.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// ConnectAttempt implements mqtt.Observer.
func (m *Metrics) ConnectAttempt(ok bool) {
	m.connectAttempts.WithLabelValues(strconv.FormatBool(ok)).Inc()
	if ok {
		m.mqttConnected.Set(1)
	}
}

// ConnectionLost implements mqtt.Observer.
func (m *Metrics) ConnectionLost() {
	m.connectionsLost.Inc()
	m.mqttConnected.Set(0)
}

// MessageReceived implements mqtt.Observer.
func (m *Metrics) MessageReceived() { m.messages.Inc() }

// PublishResult implements mqtt.Observer.
func (m *Metrics) PublishResult(ok bool) {
	m.publishes.WithLabelValues(strconv.FormatBool(ok)).Inc()
}

// TopicRejected implements gateway.Counter.
func (m *Metrics) TopicRejected() { m.topicsRejected.Inc() }

// Ingested implements ingest.Counter.
func (m *Metrics) Ingested(kind string) { m.ingested.WithLabelValues(kind).Inc() }

// Dropped implements ingest.Counter.
func (m *Metrics) Dropped(reason string) { m.dropped.WithLabelValues(reason).Inc() }

// DeviceDiscovered implements device.Observer.
func (m *Metrics) DeviceDiscovered() { m.discovered.WithLabelValues("device").Inc() }

// EntityDiscovered implements device.Observer.
func (m *Metrics) EntityDiscovered() { m.discovered.WithLabelValues("entity").Inc() }

// ChangeEmitted implements events.Counter.
func (m *Metrics) ChangeEmitted(cause string) { m.changes.WithLabelValues(cause).Inc() }

// SinkFailed implements events.Counter.
func (m *Metrics) SinkFailed() { m.sinkFailed.Inc() }

// SweepCompleted implements health.Counter.
func (m *Metrics) SweepCompleted(offlined int) {
	m.sweeps.Inc()
	m.offlined.Add(float64(offlined))
}

// AutomationFired implements automation.Counter.
func (m *Metrics) AutomationFired() { m.fired.Inc() }

// ActionFailed implements automation.Counter.
func (m *Metrics) ActionFailed() { m.actionFails.Inc() }

// ConfigError implements automation.Counter.
func (m *Metrics) ConfigError() { m.configErrs.Inc() }
