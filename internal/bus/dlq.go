package bus

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/quantmesh/agentbus/internal/bus/errors"
	"github.com/quantmesh/agentbus/internal/bus/ids"
	loggingpkg "github.com/quantmesh/agentbus/internal/bus/logging"
	metadatapkg "github.com/quantmesh/agentbus/internal/bus/metadata"
)

// FailureClassification buckets a failure by how it should be handled.
type FailureClassification string

const (
	// ClassificationTransient covers broker and network hiccups worth retrying.
	ClassificationTransient FailureClassification = "transient"
	// ClassificationPermanent covers failures no retry can fix.
	ClassificationPermanent FailureClassification = "permanent"
	// ClassificationPoison marks messages past the poison threshold,
	// excluded from automatic retry forever.
	ClassificationPoison FailureClassification = "poison"
	// ClassificationConfiguration covers missing handlers and wiring gaps.
	ClassificationConfiguration FailureClassification = "configuration"
	// ClassificationTimeout covers explicit deadline failures.
	ClassificationTimeout FailureClassification = "timeout"
)

// DefaultPoisonThreshold is the retry count at which a message is declared
// poison and handed to the manual review queue.
const DefaultPoisonThreshold = 5

// DefaultSweepInterval paces the automatic retry sweep.
const DefaultSweepInterval = 30 * time.Second

// DefaultMaxRetriesPerSweep caps republishes per sweep so a recovering
// broker is not flooded after an outage.
const DefaultMaxRetriesPerSweep = 50

// DLQMessage is the tracked lifecycle record of one failed event.
type DLQMessage struct {
	DLQID          string                `json:"dlq_id"`
	Event          *Event                `json:"event"`
	OriginalTopic  string                `json:"original_topic"`
	FailureReason  string                `json:"failure_reason"`
	Classification FailureClassification `json:"classification"`
	RetryCount     int                   `json:"retry_count"`
	FirstFailedAt  time.Time             `json:"first_failed_at"`
	LastFailedAt   time.Time             `json:"last_failed_at"`
	Metadata       metadatapkg.Metadata  `json:"metadata,omitempty"`
}

// DLQStatistics is a point-in-time summary of the handler's state.
type DLQStatistics struct {
	ActiveMessages   int                           `json:"active_messages"`
	PoisonMessages   int                           `json:"poison_messages"`
	ManualReview     int                           `json:"manual_review"`
	ByClassification map[FailureClassification]int `json:"by_classification"`
	OldestMessageAge time.Duration                 `json:"oldest_message_age"`
	TotalReceived    uint64                        `json:"total_received"`
	TotalReplayed    uint64                        `json:"total_replayed"`
	TotalDiscarded   uint64                        `json:"total_discarded"`
	CollectedAt      time.Time                     `json:"collected_at"`
}

// classificationRule maps keyword matches to a classification. Rules run in
// order; the first match wins.
type classificationRule struct {
	keywords       []string
	classification FailureClassification
}

var defaultClassificationRules = []classificationRule{
	{[]string{"timeout", "connection", "network", "unavailable", "temporary"}, ClassificationTransient},
	{[]string{"handler", "configuration", "missing", "not found"}, ClassificationConfiguration},
	{[]string{"validation", "schema", "parse", "deserialize", "corrupt"}, ClassificationPermanent},
}

// Classify maps a failure reason to a classification using the first-match
// keyword rules. Unknown reasons are assumed transient.
func Classify(reason string) FailureClassification {
	lowered := strings.ToLower(reason)
	for _, rule := range defaultClassificationRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(lowered, keyword) {
				return rule.classification
			}
		}
	}
	return ClassificationTransient
}

// DLQOption customises a DLQHandler at construction.
type DLQOption func(*DLQHandler)

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(policy RetryPolicy) DLQOption {
	return func(h *DLQHandler) { h.policy = policy }
}

// WithPoisonThreshold sets the retry count at which messages turn poison.
func WithPoisonThreshold(threshold int) DLQOption {
	return func(h *DLQHandler) { h.poisonThreshold = threshold }
}

// WithSweepInterval sets the Run loop's retry sweep period.
func WithSweepInterval(interval time.Duration) DLQOption {
	return func(h *DLQHandler) { h.sweepInterval = interval }
}

// WithMaxRetriesPerSweep caps republishes per ProcessPending pass.
func WithMaxRetriesPerSweep(limit int) DLQOption {
	return func(h *DLQHandler) { h.maxPerSweep = limit }
}

// WithDLQRegisterer redirects DLQ metrics to the given registry.
func WithDLQRegisterer(registerer prometheus.Registerer) DLQOption {
	return func(h *DLQHandler) { h.metrics = NewDLQMetrics(registerer) }
}

// DLQHandler owns the failed-message lifecycle: tracking, classification,
// paced redelivery, poison quarantine, and manual operator actions. It never
// runs on the produce or consume hot path.
type DLQHandler struct {
	producer *Producer
	logger   loggingpkg.ServiceLogger

	policy          RetryPolicy
	poisonThreshold int
	sweepInterval   time.Duration
	maxPerSweep     int

	mu     sync.Mutex
	active map[string]*DLQMessage
	poison map[string]*DLQMessage
	review []string

	totalReceived  uint64
	totalReplayed  uint64
	totalDiscarded uint64

	metrics *DLQMetrics
	now     func() time.Time
}

// NewDLQHandler builds a handler that republishes through the given
// producer.
func NewDLQHandler(producer *Producer, logger loggingpkg.ServiceLogger, opts ...DLQOption) *DLQHandler {
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	h := &DLQHandler{
		producer:        producer,
		logger:          logger.With(loggingpkg.LogFields{"component": "dlq"}),
		policy:          DefaultRetryPolicy(),
		poisonThreshold: DefaultPoisonThreshold,
		sweepInterval:   DefaultSweepInterval,
		maxPerSweep:     DefaultMaxRetriesPerSweep,
		active:          make(map[string]*DLQMessage),
		poison:          make(map[string]*DLQMessage),
		metrics:         NewDLQMetrics(nil),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleFailedMessage records one failure. Repeated failures for the same
// event id merge into the existing record with an incremented retry count.
// Pass an empty classification to auto-classify from the reason.
func (h *DLQHandler) HandleFailedMessage(event *Event, originalTopic, reason string, classification FailureClassification) (*DLQMessage, error) {
	if event == nil {
		return nil, errspkg.ErrEventRequired
	}
	if classification == "" {
		classification = Classify(reason)
	}
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	if msg, ok := h.poison[event.EventID]; ok {
		msg.RetryCount++
		msg.FailureReason = reason
		msg.LastFailedAt = now
		return msg, nil
	}

	msg, ok := h.active[event.EventID]
	if !ok {
		msg = &DLQMessage{
			DLQID:          ids.NewEventID(),
			Event:          event,
			OriginalTopic:  originalTopic,
			FailureReason:  reason,
			Classification: classification,
			FirstFailedAt:  now,
			LastFailedAt:   now,
			Metadata:       metadatapkg.New(),
		}
		h.active[event.EventID] = msg
		h.totalReceived++
	} else {
		msg.RetryCount++
		msg.FailureReason = reason
		msg.Classification = classification
		msg.LastFailedAt = now
	}

	h.metrics.observeFailed(originalTopic, msg.Classification, msg.RetryCount, now.Sub(msg.FirstFailedAt), now)
	h.logger.Info("Message dead lettered", loggingpkg.LogFields{
		"event_id":       event.EventID,
		"original_topic": originalTopic,
		"reason":         reason,
		"classification": string(msg.Classification),
		"retry_count":    msg.RetryCount,
	})

	h.quarantineLocked(msg)
	return msg, nil
}

// ProcessPending republishes every eligible active message to its original
// topic, up to the per-sweep cap. The retry count increments per attempt;
// successful republishes leave the active set, failures wait for the next
// backoff window.
func (h *DLQHandler) ProcessPending(ctx context.Context) (int, error) {
	if h.producer == nil {
		return 0, errspkg.ErrPublisherRequired
	}
	now := h.now()

	h.mu.Lock()
	due := make([]*DLQMessage, 0, len(h.active))
	for _, msg := range h.active {
		if h.policy.Eligible(msg, now) {
			due = append(due, msg)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].LastFailedAt.Before(due[j].LastFailedAt)
	})
	if len(due) > h.maxPerSweep {
		due = due[:h.maxPerSweep]
	}
	h.mu.Unlock()

	replayed := 0
	for _, msg := range due {
		if ctx.Err() != nil {
			return replayed, ctx.Err()
		}
		if h.retry(ctx, msg) {
			replayed++
		}
	}
	return replayed, nil
}

// Run sweeps pending messages at the configured interval until the context
// is cancelled.
func (h *DLQHandler) Run(ctx context.Context) error {
	if err := h.metrics.Register(); err != nil {
		return err
	}

	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	h.logger.Info("DLQ retry sweep started", loggingpkg.LogFields{
		"interval":      h.sweepInterval.String(),
		"max_per_sweep": h.maxPerSweep,
	})
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("DLQ retry sweep stopped", nil)
			return ctx.Err()
		case <-ticker.C:
			if _, err := h.ProcessPending(ctx); err != nil && ctx.Err() == nil {
				h.logger.Error("DLQ sweep failed", err, nil)
			}
		}
	}
}

// ManualDiscard removes a message from the active or poison set. The reason
// is logged for the operator audit trail.
func (h *DLQHandler) ManualDiscard(eventID, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg, ok := h.active[eventID]
	if ok {
		delete(h.active, eventID)
	} else {
		msg, ok = h.poison[eventID]
		if !ok {
			return errspkg.ErrDLQMessageNotFound
		}
		delete(h.poison, eventID)
		h.dropReviewLocked(eventID)
	}

	h.totalDiscarded++
	h.metrics.observeDiscarded(msg.OriginalTopic, h.now())
	h.logger.Info("Message manually discarded", loggingpkg.LogFields{
		"event_id": eventID,
		"reason":   reason,
	})
	return nil
}

// ManualReprocess forces an immediate republish regardless of
// classification or backoff, including poison messages.
func (h *DLQHandler) ManualReprocess(ctx context.Context, eventID string) error {
	if h.producer == nil {
		return errspkg.ErrPublisherRequired
	}

	h.mu.Lock()
	msg, poisoned := (*DLQMessage)(nil), false
	if m, ok := h.active[eventID]; ok {
		msg = m
	} else if m, ok := h.poison[eventID]; ok {
		msg, poisoned = m, true
	}
	h.mu.Unlock()
	if msg == nil {
		return errspkg.ErrDLQMessageNotFound
	}

	err := h.producer.Send(ctx, msg.Event,
		WithTopic(msg.OriginalTopic),
		WithRedelivery(),
		WithHeaders(metadatapkg.Metadata{metadatapkg.KeyFailureReason: msg.FailureReason}),
	)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if poisoned {
		delete(h.poison, eventID)
		h.dropReviewLocked(eventID)
	} else {
		delete(h.active, eventID)
	}
	h.totalReplayed++
	h.mu.Unlock()

	h.metrics.observeReplayed(msg.OriginalTopic, h.now())
	h.logger.Info("Message manually reprocessed", loggingpkg.LogFields{
		"event_id": eventID,
		"topic":    msg.OriginalTopic,
	})
	return nil
}

// Message returns a copy of the tracked record for an event id, searching
// the active set first, then the poison set.
func (h *DLQHandler) Message(eventID string) (*DLQMessage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if msg, ok := h.active[eventID]; ok {
		cp := *msg
		return &cp, true
	}
	if msg, ok := h.poison[eventID]; ok {
		cp := *msg
		return &cp, true
	}
	return nil, false
}

// ReviewQueue returns the poison messages awaiting operator action, oldest
// first.
func (h *DLQHandler) ReviewQueue() []*DLQMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	queue := make([]*DLQMessage, 0, len(h.review))
	for _, eventID := range h.review {
		if msg, ok := h.poison[eventID]; ok {
			cp := *msg
			queue = append(queue, &cp)
		}
	}
	return queue
}

// Statistics summarises the current backlog.
func (h *DLQHandler) Statistics() DLQStatistics {
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	stats := DLQStatistics{
		ActiveMessages:   len(h.active),
		PoisonMessages:   len(h.poison),
		ManualReview:     len(h.review),
		ByClassification: make(map[FailureClassification]int),
		TotalReceived:    h.totalReceived,
		TotalReplayed:    h.totalReplayed,
		TotalDiscarded:   h.totalDiscarded,
		CollectedAt:      now,
	}

	var oldest time.Time
	for _, set := range []map[string]*DLQMessage{h.active, h.poison} {
		for _, msg := range set {
			stats.ByClassification[msg.Classification]++
			if oldest.IsZero() || msg.FirstFailedAt.Before(oldest) {
				oldest = msg.FirstFailedAt
			}
		}
	}
	if !oldest.IsZero() {
		stats.OldestMessageAge = now.Sub(oldest)
	}
	return stats
}

// retry attempts one republish, returning true on success.
func (h *DLQHandler) retry(ctx context.Context, msg *DLQMessage) bool {
	h.mu.Lock()
	msg.RetryCount++
	retryCount := msg.RetryCount
	h.mu.Unlock()

	err := h.producer.Send(ctx, msg.Event,
		WithTopic(msg.OriginalTopic),
		WithRedelivery(),
	)
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		msg.LastFailedAt = now
		msg.FailureReason = err.Error()
		h.logger.Error("DLQ retry failed", err, loggingpkg.LogFields{
			"event_id":    msg.Event.EventID,
			"topic":       msg.OriginalTopic,
			"retry_count": retryCount,
		})
		h.quarantineLocked(msg)
		return false
	}

	delete(h.active, msg.Event.EventID)
	h.totalReplayed++
	h.metrics.observeReplayed(msg.OriginalTopic, now)
	h.logger.Info("DLQ message replayed", loggingpkg.LogFields{
		"event_id":    msg.Event.EventID,
		"topic":       msg.OriginalTopic,
		"retry_count": retryCount,
	})
	return true
}

// quarantineLocked moves a message past the poison threshold out of the
// active set and onto the manual review queue. A message is quarantined at
// most once. Callers hold h.mu.
func (h *DLQHandler) quarantineLocked(msg *DLQMessage) {
	if msg.RetryCount < h.poisonThreshold {
		return
	}
	eventID := msg.Event.EventID
	if _, ok := h.active[eventID]; !ok {
		return
	}

	delete(h.active, eventID)
	msg.Classification = ClassificationPoison
	h.poison[eventID] = msg
	h.review = append(h.review, eventID)

	h.logger.Error("Message declared poison", nil, loggingpkg.LogFields{
		"event_id":    eventID,
		"topic":       msg.OriginalTopic,
		"retry_count": msg.RetryCount,
	})
}

func (h *DLQHandler) dropReviewLocked(eventID string) {
	for i, id := range h.review {
		if id == eventID {
			h.review = append(h.review[:i], h.review[i+1:]...)
			return
		}
	}
}
