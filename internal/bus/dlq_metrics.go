package bus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DLQMetrics tracks dead letter traffic per original topic, both as
// Prometheus collectors and as an in-process snapshot for Statistics.
type DLQMetrics struct {
	mu sync.RWMutex

	topicCounts map[string]*DLQTopicMetrics

	failedTotal     *prometheus.CounterVec
	messagesCurrent *prometheus.GaugeVec
	replayedTotal   *prometheus.CounterVec
	discardedTotal  *prometheus.CounterVec
	ageSecondsHist  *prometheus.HistogramVec
	retryCountHist  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// DLQTopicMetrics holds counters for one original topic.
type DLQTopicMetrics struct {
	MessagesReceived  uint64    `json:"messages_received"`
	MessagesCurrent   uint64    `json:"messages_current"`
	MessagesReplayed  uint64    `json:"messages_replayed"`
	MessagesDiscarded uint64    `json:"messages_discarded"`
	OldestMessageAt   time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt   time.Time `json:"newest_message_at,omitempty"`
	AvgRetryCount     float64   `json:"avg_retry_count"`
	LastUpdatedAt     time.Time `json:"last_updated_at"`
}

// NewDLQMetrics creates the collectors without registering them.
func NewDLQMetrics(registerer prometheus.Registerer) *DLQMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &DLQMetrics{
		topicCounts: make(map[string]*DLQTopicMetrics),
		registerer:  registerer,
		failedTotal: newCounterVec("dlq", "failed_total",
			"Failed messages routed to the dead letter queue.",
			[]string{"topic", "classification"}),
		messagesCurrent: newGaugeVec("dlq", "messages_current",
			"Messages currently held in the dead letter queue.",
			[]string{"topic"}),
		replayedTotal: newCounterVec("dlq", "replayed_total",
			"Messages successfully replayed to their original topic.",
			[]string{"topic"}),
		discardedTotal: newCounterVec("dlq", "discarded_total",
			"Messages discarded from the dead letter queue.",
			[]string{"topic"}),
		ageSecondsHist: newHistogramVec("dlq", "message_age_seconds",
			"Time since first failure when a message fails again.",
			[]float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
			[]string{"topic"}),
		retryCountHist: newHistogramVec("dlq", "retry_count",
			"Retry count observed on dead letter messages.",
			[]float64{1, 2, 3, 5, 10, 20},
			[]string{"topic"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *DLQMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	if err := registerAll(m.registerer,
		m.failedTotal,
		m.messagesCurrent,
		m.replayedTotal,
		m.discardedTotal,
		m.ageSecondsHist,
		m.retryCountHist,
	); err != nil {
		return err
	}
	m.registered = true
	return nil
}

func (m *DLQMetrics) observeFailed(topic string, classification FailureClassification, retryCount int, age time.Duration, now time.Time) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.getOrCreateTopicMetrics(topic)
	tm.MessagesReceived++
	tm.MessagesCurrent++
	tm.LastUpdatedAt = now
	if tm.OldestMessageAt.IsZero() {
		tm.OldestMessageAt = now
	}
	tm.NewestMessageAt = now

	total := tm.MessagesReceived
	tm.AvgRetryCount = ((tm.AvgRetryCount * float64(total-1)) + float64(retryCount)) / float64(total)

	m.failedTotal.WithLabelValues(topic, string(classification)).Inc()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(tm.MessagesCurrent))
	m.ageSecondsHist.WithLabelValues(topic).Observe(age.Seconds())
	m.retryCountHist.WithLabelValues(topic).Observe(float64(retryCount))
}

func (m *DLQMetrics) observeReplayed(topic string, now time.Time) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.getOrCreateTopicMetrics(topic)
	tm.MessagesReplayed++
	if tm.MessagesCurrent > 0 {
		tm.MessagesCurrent--
	}
	tm.LastUpdatedAt = now

	m.replayedTotal.WithLabelValues(topic).Inc()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(tm.MessagesCurrent))
}

func (m *DLQMetrics) observeDiscarded(topic string, now time.Time) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.getOrCreateTopicMetrics(topic)
	tm.MessagesDiscarded++
	if tm.MessagesCurrent > 0 {
		tm.MessagesCurrent--
	}
	tm.LastUpdatedAt = now

	m.discardedTotal.WithLabelValues(topic).Inc()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(tm.MessagesCurrent))
}

// TopicMetrics returns a copy of the counters for one topic, or nil when the
// topic has never seen a dead letter.
func (m *DLQMetrics) TopicMetrics(topic string) *DLQTopicMetrics {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	tm, ok := m.topicCounts[topic]
	if !ok {
		return nil
	}
	cp := *tm
	return &cp
}

func (m *DLQMetrics) getOrCreateTopicMetrics(topic string) *DLQTopicMetrics {
	if tm, ok := m.topicCounts[topic]; ok {
		return tm
	}
	tm := &DLQTopicMetrics{}
	m.topicCounts[topic] = tm
	return tm
}
