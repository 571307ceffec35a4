package bus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "agentbus"

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

func registerAll(registerer prometheus.Registerer, collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// ProducerMetrics tracks publish outcomes, send latency, and payload sizes.
type ProducerMetrics struct {
	sentTotal    *prometheus.CounterVec
	dedupHits    *prometheus.CounterVec
	sendSeconds  *prometheus.HistogramVec
	payloadBytes *prometheus.HistogramVec

	registerer prometheus.Registerer
}

// NewProducerMetrics creates the producer collector bundle.
func NewProducerMetrics(registerer prometheus.Registerer) *ProducerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &ProducerMetrics{
		registerer: registerer,
		sentTotal: newCounterVec("producer", "messages_total",
			"Messages published by topic, event type, and status",
			[]string{"topic", "event_type", "status"}),
		dedupHits: newCounterVec("producer", "dedup_hits_total",
			"Sends short-circuited by the producer dedup cache",
			[]string{"topic"}),
		sendSeconds: newHistogramVec("producer", "send_duration_seconds",
			"Publish round-trip duration",
			[]float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			[]string{"topic"}),
		payloadBytes: newHistogramVec("producer", "message_bytes",
			"Serialised event payload size",
			[]float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
			[]string{"topic"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *ProducerMetrics) Register() error {
	return registerAll(m.registerer, m.sentTotal, m.dedupHits, m.sendSeconds, m.payloadBytes)
}

func (m *ProducerMetrics) observeSend(topic string, eventType EventType, status string, seconds float64, bytes int) {
	if m == nil {
		return
	}
	m.sentTotal.WithLabelValues(topic, string(eventType), status).Inc()
	m.sendSeconds.WithLabelValues(topic).Observe(seconds)
	m.payloadBytes.WithLabelValues(topic).Observe(float64(bytes))
}

func (m *ProducerMetrics) observeDedupHit(topic string) {
	if m == nil {
		return
	}
	m.dedupHits.WithLabelValues(topic).Inc()
}

// ConsumerMetrics tracks dispatch outcomes and processing durations.
type ConsumerMetrics struct {
	consumedTotal   *prometheus.CounterVec
	parseErrors     *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	noHandler       *prometheus.CounterVec
	dedupHits       *prometheus.CounterVec
	processSeconds  *prometheus.HistogramVec

	registerer prometheus.Registerer
}

// NewConsumerMetrics creates the consumer collector bundle.
func NewConsumerMetrics(registerer prometheus.Registerer) *ConsumerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &ConsumerMetrics{
		registerer: registerer,
		consumedTotal: newCounterVec("consumer", "messages_total",
			"Messages consumed by topic, event type, and status",
			[]string{"topic", "event_type", "status"}),
		parseErrors: newCounterVec("consumer", "parse_errors_total",
			"Payloads that could not be deserialised",
			[]string{"topic"}),
		handlerFailures: newCounterVec("consumer", "handler_failures_total",
			"Handler invocations that returned an error",
			[]string{"topic", "event_type"}),
		noHandler: newCounterVec("consumer", "unhandled_total",
			"Messages whose event type has no registered handler",
			[]string{"topic", "event_type"}),
		dedupHits: newCounterVec("consumer", "dedup_hits_total",
			"Redeliveries skipped by the consumer dedup cache",
			[]string{"topic"}),
		processSeconds: newHistogramVec("consumer", "processing_duration_seconds",
			"Handler dispatch duration per message",
			[]float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			[]string{"topic"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *ConsumerMetrics) Register() error {
	return registerAll(m.registerer,
		m.consumedTotal, m.parseErrors, m.handlerFailures, m.noHandler, m.dedupHits, m.processSeconds)
}

func (m *ConsumerMetrics) observeConsumed(topic string, eventType EventType, status string, seconds float64) {
	if m == nil {
		return
	}
	m.consumedTotal.WithLabelValues(topic, string(eventType), status).Inc()
	m.processSeconds.WithLabelValues(topic).Observe(seconds)
}

func (m *ConsumerMetrics) observeParseError(topic string) {
	if m == nil {
		return
	}
	m.parseErrors.WithLabelValues(topic).Inc()
}

func (m *ConsumerMetrics) observeHandlerFailure(topic string, eventType EventType) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(topic, string(eventType)).Inc()
}

func (m *ConsumerMetrics) observeNoHandler(topic string, eventType EventType) {
	if m == nil {
		return
	}
	m.noHandler.WithLabelValues(topic, string(eventType)).Inc()
}

func (m *ConsumerMetrics) observeDedupHit(topic string) {
	if m == nil {
		return
	}
	m.dedupHits.WithLabelValues(topic).Inc()
}
