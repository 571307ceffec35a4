package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantmesh/agentbus/internal/bus/config"
	errspkg "github.com/quantmesh/agentbus/internal/bus/errors"
	loggingpkg "github.com/quantmesh/agentbus/internal/bus/logging"
	metadatapkg "github.com/quantmesh/agentbus/internal/bus/metadata"
	transportpkg "github.com/quantmesh/agentbus/internal/bus/transport"
)

// SendResult reports the per-event outcome of SendBatch.
type SendResult struct {
	EventID string
	Topic   string
	Err     error
}

type sendOptions struct {
	topic      string
	key        string
	headers    metadatapkg.Metadata
	redelivery bool
}

// SendOption customises a single Send or a whole SendBatch.
type SendOption func(*sendOptions)

// WithTopic overrides the routed topic.
func WithTopic(topic string) SendOption {
	return func(o *sendOptions) { o.topic = topic }
}

// WithKey overrides the partition key. The default is the correlation id, so
// every event of one causal chain lands on the same partition.
func WithKey(key string) SendOption {
	return func(o *sendOptions) { o.key = key }
}

// WithHeaders merges extra wire headers into the outgoing message.
func WithHeaders(headers metadatapkg.Metadata) SendOption {
	return func(o *sendOptions) { o.headers = headers }
}

// WithRedelivery marks the send as an intentional resend of an already
// published event, bypassing the duplicate-send guard. Used by DLQ replay.
func WithRedelivery() SendOption {
	return func(o *sendOptions) { o.redelivery = true }
}

// ProducerOption customises a Producer at construction.
type ProducerOption func(*Producer)

// WithTransportFactory replaces the default transport factory.
func WithTransportFactory(factory transportpkg.Factory) ProducerOption {
	return func(p *Producer) { p.factory = factory }
}

// WithProducerRegisterer redirects producer metrics to the given registry.
func WithProducerRegisterer(registerer prometheus.Registerer) ProducerOption {
	return func(p *Producer) { p.registerer = registerer }
}

// Producer publishes events with at-least-once, deduplicated delivery and
// automatic dead-letter escalation. The underlying transport is configured
// for idempotent production; transient broker errors are retried inside the
// transport, and only exhausted retries surface here.
type Producer struct {
	conf   config.Config
	logger loggingpkg.ServiceLogger

	factory    transportpkg.Factory
	registerer prometheus.Registerer

	mu        sync.Mutex
	publisher message.Publisher
	closed    bool

	inflight sync.WaitGroup
	dedup    *dedupCache
	metrics  *ProducerMetrics

	now func() time.Time
}

// NewProducer builds an unconnected producer. Call Connect before Send.
func NewProducer(conf config.Config, logger loggingpkg.ServiceLogger, opts ...ProducerOption) *Producer {
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	conf = conf.WithDefaults()

	p := &Producer{
		conf:    conf,
		logger:  logger.With(loggingpkg.LogFields{"component": "producer"}),
		factory: transportpkg.DefaultFactory(),
		dedup:   newDedupCache(conf.ProducerDedupSize),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	if conf.MetricsEnabled {
		p.metrics = NewProducerMetrics(p.registerer)
	}
	return p
}

// Connect establishes the pooled broker connection. It fails with a
// ConnectionError once the transport exhausts its own dial retries.
func (p *Producer) Connect(ctx context.Context) error {
	if err := p.conf.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errspkg.ErrProducerClosed
	}
	if p.publisher != nil {
		return nil
	}

	tr, err := p.factory.Build(ctx, &p.conf, loggingpkg.NewWatermillAdapter(p.logger))
	if err != nil {
		return &errspkg.ConnectionError{Brokers: p.conf.Brokers, Err: err}
	}

	p.publisher = tr.Publisher
	if p.metrics != nil {
		if err := p.metrics.Register(); err != nil {
			return err
		}
	}

	p.logger.Info("Producer connected", loggingpkg.LogFields{
		"pubsub_system": p.conf.PubSubSystem,
		"brokers":       p.conf.Brokers,
	})
	return nil
}

// Send publishes one event. The topic defaults to the routing table, the
// partition key to the correlation id. A dedup hit returns success without a
// second transport call. When the transport gives up, the event is escalated
// to the paired DLQ topic and the delivery error is still returned: callers
// must not assume silent success.
func (p *Producer) Send(ctx context.Context, event *Event, opts ...SendOption) error {
	if ctx == nil {
		ctx = context.Background()
	}
	publisher, err := p.currentPublisher()
	if err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Expired(p.now()) {
		return errspkg.ErrEventExpired
	}

	options := sendOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	topic := options.topic
	if topic == "" {
		topic = Route(event.Type)
	}
	key := options.key
	if key == "" {
		key = event.CorrelationID
	}

	dedupKey := event.EventID + "|" + topic
	if !options.redelivery && p.dedup.Seen(dedupKey) {
		p.metrics.observeDedupHit(topic)
		p.logger.Debug("Duplicate send suppressed", loggingpkg.LogFields{
			"event_id": event.EventID,
			"topic":    topic,
		})
		return nil
	}

	msg, err := p.buildMessage(ctx, event, key, options.headers)
	if err != nil {
		return err
	}

	start := p.now()
	publishErr := p.publishWithTimeout(ctx, publisher, topic, msg)
	elapsed := p.now().Sub(start)

	if publishErr != nil {
		p.escalateToDLQ(ctx, publisher, event, topic, key, publishErr)
		p.metrics.observeSend(topic, event.Type, "failure", elapsed.Seconds(), len(msg.Payload))
		return &errspkg.DeliveryError{
			Topic:    topic,
			EventID:  event.EventID,
			FailedAt: p.now(),
			Err:      publishErr,
		}
	}

	p.dedup.Record(dedupKey)
	p.metrics.observeSend(topic, event.Type, "success", elapsed.Seconds(), len(msg.Payload))
	return nil
}

// SendBatch publishes the events one by one and reports per-event results.
// The batch is not atomic: a failed event does not roll back earlier ones.
func (p *Producer) SendBatch(ctx context.Context, events []*Event, opts ...SendOption) map[string]SendResult {
	results := make(map[string]SendResult, len(events))
	for _, event := range events {
		if event == nil {
			continue
		}

		options := sendOptions{}
		for _, opt := range opts {
			opt(&options)
		}
		topic := options.topic
		if topic == "" {
			topic = Route(event.Type)
		}

		err := p.Send(ctx, event, opts...)
		results[event.EventID] = SendResult{EventID: event.EventID, Topic: topic, Err: err}
	}
	return results
}

// Flush blocks until every buffered send is acknowledged or the timeout
// elapses. It is the drain point callers use before shutdown.
func (p *Producer) Flush(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errspkg.ErrFlushTimeout
	}
}

// Close releases the broker connection. Safe to call twice.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	if p.publisher == nil {
		return nil
	}
	err := p.publisher.Close()
	p.publisher = nil
	return err
}

func (p *Producer) currentPublisher() (message.Publisher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errspkg.ErrProducerClosed
	}
	if p.publisher == nil {
		return nil, errspkg.ErrProducerNotConnected
	}
	return p.publisher, nil
}

func (p *Producer) buildMessage(ctx context.Context, event *Event, key string, extra metadatapkg.Metadata) (*message.Message, error) {
	msg, err := event.ToMessage()
	if err != nil {
		return nil, err
	}
	for k, v := range extra {
		msg.Metadata.Set(k, v)
	}
	msg.Metadata.Set(metadatapkg.KeyPartitionKey, key)
	if env := p.conf.Environment; env != "" && msg.Metadata.Get(metadatapkg.KeyEnvironment) == "" {
		msg.Metadata.Set(metadatapkg.KeyEnvironment, env)
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return msg, nil
}

// publishWithTimeout bounds a publish call: exceeding the timeout is a
// delivery failure, never a hang.
func (p *Producer) publishWithTimeout(ctx context.Context, publisher message.Publisher, topic string, msg *message.Message) error {
	done := make(chan error, 1)

	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		done <- publisher.Publish(topic, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(p.conf.PublishTimeout):
		return fmt.Errorf("publish to %s timed out after %s", topic, p.conf.PublishTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// escalateToDLQ publishes the failed event, annotated with failure metadata,
// to the paired dead-letter topic. Escalation is best effort: a DLQ publish
// failure is logged, never raised over the original delivery error.
func (p *Producer) escalateToDLQ(ctx context.Context, publisher message.Publisher, event *Event, originalTopic, key string, cause error) {
	dlqTopic := DLQTopicFor(originalTopic)

	msg, err := p.buildMessage(ctx, event, key, metadatapkg.Metadata{
		metadatapkg.KeyFailureReason: cause.Error(),
		metadatapkg.KeyFailedAt:      p.now().UTC().Format(time.RFC3339Nano),
		metadatapkg.KeyOriginalTopic: originalTopic,
	})
	if err != nil {
		p.logger.Error("Failed to build DLQ message", err, loggingpkg.LogFields{
			"event_id": event.EventID,
			"topic":    dlqTopic,
		})
		return
	}

	if err := p.publishWithTimeout(ctx, publisher, dlqTopic, msg); err != nil {
		p.logger.Error("DLQ escalation failed", err, loggingpkg.LogFields{
			"event_id": event.EventID,
			"topic":    dlqTopic,
		})
		return
	}

	p.metrics.observeSend(dlqTopic, event.Type, "dlq", 0, len(msg.Payload))
	p.logger.Info("Event escalated to DLQ", loggingpkg.LogFields{
		"event_id":       event.EventID,
		"original_topic": originalTopic,
		"dlq_topic":      dlqTopic,
		"failure_reason": cause.Error(),
	})
}
