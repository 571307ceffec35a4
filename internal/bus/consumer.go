package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quantmesh/agentbus/internal/bus/config"
	errspkg "github.com/quantmesh/agentbus/internal/bus/errors"
	loggingpkg "github.com/quantmesh/agentbus/internal/bus/logging"
	metadatapkg "github.com/quantmesh/agentbus/internal/bus/metadata"
	transportpkg "github.com/quantmesh/agentbus/internal/bus/transport"
)

// Handler processes one parsed event. Returning an error marks the dispatch
// failed for metrics and hooks; it does not block partition progress.
type Handler interface {
	Handle(ctx context.Context, event *Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event *Event) error

func (f HandlerFunc) Handle(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// ConsumerState tracks the consumer lifecycle:
// disconnected -> idle -> running -> draining -> disconnected.
type ConsumerState int32

const (
	StateDisconnected ConsumerState = iota
	StateIdle
	StateRunning
	StateDraining
)

func (s ConsumerState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// ConsumerOption customises a Consumer at construction.
type ConsumerOption func(*Consumer)

// WithConsumerTransportFactory replaces the default transport factory.
func WithConsumerTransportFactory(factory transportpkg.Factory) ConsumerOption {
	return func(c *Consumer) { c.factory = factory }
}

// WithConsumerRegisterer redirects consumer metrics to the given registry.
func WithConsumerRegisterer(registerer prometheus.Registerer) ConsumerOption {
	return func(c *Consumer) { c.registerer = registerer }
}

// WithHooks attaches dispatch lifecycle hooks, merged after any already set.
func WithHooks(hooks ConsumeHooks) ConsumerOption {
	return func(c *Consumer) { c.hooks = c.hooks.Merge(hooks) }
}

// WithLatencyMonitor reports every consumption to the given monitor.
func WithLatencyMonitor(monitor *LatencyMonitor) ConsumerOption {
	return func(c *Consumer) { c.monitor = monitor }
}

// Consumer joins a named group, polls the subscribed topics, dispatches each
// message to every handler registered for its event type, and advances
// committed offsets.
//
// Offsets commit unconditionally, handler outcome included: one bad message
// must never stall a partition. Handler failures are surfaced through
// metrics and hooks but are not forwarded to the DLQ pipeline; callers that
// need redelivery forward to a DLQHandler from their own handler.
type Consumer struct {
	conf   config.Config
	logger loggingpkg.ServiceLogger

	factory    transportpkg.Factory
	registerer prometheus.Registerer

	handlersMu sync.RWMutex
	handlers   map[EventType][]Handler

	mu         sync.Mutex
	subscriber message.Subscriber
	cancel     context.CancelFunc

	dedup   *dedupCache
	metrics *ConsumerMetrics
	monitor *LatencyMonitor
	hooks   ConsumeHooks
	tracer  trace.Tracer

	state atomic.Int32
	wg    sync.WaitGroup

	now func() time.Time
}

// NewConsumer builds an unconnected consumer for the configured group and
// topics. Call Connect, register handlers, then Run.
func NewConsumer(conf config.Config, logger loggingpkg.ServiceLogger, opts ...ConsumerOption) *Consumer {
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	conf = conf.WithDefaults()

	c := &Consumer{
		conf:     conf,
		logger:   logger.With(loggingpkg.LogFields{"component": "consumer", "group": conf.ConsumerGroup}),
		factory:  transportpkg.DefaultFactory(),
		handlers: make(map[EventType][]Handler),
		dedup:    newDedupCache(conf.ConsumerDedupSize),
		tracer:   otel.Tracer("agentbus/consumer"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if conf.MetricsEnabled {
		c.metrics = NewConsumerMetrics(c.registerer)
	}
	return c
}

// Connect subscribes the consumer group to the configured topics with manual
// offset commits.
func (c *Consumer) Connect(ctx context.Context) error {
	if err := c.conf.Validate(); err != nil {
		return err
	}
	if len(c.conf.Topics) == 0 {
		return errspkg.ErrTopicRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscriber != nil {
		return nil
	}

	tr, err := c.factory.Build(ctx, &c.conf, loggingpkg.NewWatermillAdapter(c.logger))
	if err != nil {
		return &errspkg.ConnectionError{Brokers: c.conf.Brokers, Err: err}
	}
	c.subscriber = tr.Subscriber

	if c.metrics != nil {
		if err := c.metrics.Register(); err != nil {
			return err
		}
	}

	c.state.Store(int32(StateIdle))
	c.logger.Info("Consumer connected", loggingpkg.LogFields{
		"pubsub_system": c.conf.PubSubSystem,
		"topics":        c.conf.Topics,
	})
	return nil
}

// AddHandler registers a handler for an event type. Multiple handlers per
// type run in registration order.
func (c *Consumer) AddHandler(eventType EventType, handler Handler) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], handler)
	return nil
}

// State returns the current lifecycle state.
func (c *Consumer) State() ConsumerState {
	return ConsumerState(c.state.Load())
}

// Run consumes until the context is cancelled or Stop is called. Each topic
// is polled on its own task; messages within a partition are processed in
// order because the next message is not delivered until the current one is
// acknowledged.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	subscriber := c.subscriber
	c.mu.Unlock()
	if subscriber == nil {
		return errspkg.ErrConsumerNotConnected
	}
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return errspkg.ErrConsumerRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	for _, topic := range c.conf.Topics {
		messages, err := subscriber.Subscribe(runCtx, topic)
		if err != nil {
			cancel()
			c.state.Store(int32(StateIdle))
			return &errspkg.ConnectionError{Brokers: c.conf.Brokers, Err: err}
		}

		c.wg.Add(1)
		go c.consumeLoop(runCtx, topic, messages)
	}

	<-runCtx.Done()

	// Let in-flight dispatches finish before reporting the loop done.
	c.state.Store(int32(StateDraining))
	c.wg.Wait()
	c.state.Store(int32(StateIdle))
	return nil
}

// Stop signals the poll loops to exit after the in-flight batch, waits for
// them to drain, and releases the connection.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.subscriber != nil {
		err = c.subscriber.Close()
		c.subscriber = nil
	}
	c.state.Store(int32(StateDisconnected))
	c.logger.Info("Consumer stopped", nil)
	return err
}

func (c *Consumer) consumeLoop(ctx context.Context, topic string, messages <-chan *message.Message) {
	defer c.wg.Done()

	for msg := range messages {
		c.processMessage(ctx, topic, msg)
	}
}

// processMessage dispatches one message. The offset is committed
// unconditionally at the end: liveness over redelivery.
func (c *Consumer) processMessage(ctx context.Context, topic string, msg *message.Message) {
	defer msg.Ack()

	correlationID := msg.Metadata.Get(metadatapkg.KeyCorrelationID)
	eventType := EventType(msg.Metadata.Get(metadatapkg.KeyEventType))

	dedupKey := correlationID + "@" + c.offsetKey(msg)
	if c.dedup.Seen(dedupKey) {
		c.metrics.observeDedupHit(topic)
		c.logger.Debug("Duplicate delivery skipped", loggingpkg.LogFields{
			"correlation_id": correlationID,
			"topic":          topic,
		})
		return
	}

	event, err := EventFromMessage(msg)
	if err != nil {
		parseErr := &errspkg.ParseError{Topic: topic, UUID: msg.UUID, Err: err}
		c.metrics.observeParseError(topic)
		c.logger.Error("Unparsable payload treated as consumed", parseErr, loggingpkg.LogFields{
			"topic":      topic,
			"event_type": string(eventType),
		})
		return
	}

	consumedAt := c.now()
	if event.Expired(consumedAt) {
		c.metrics.observeConsumed(topic, event.Type, "expired", 0)
		c.logger.Debug("Expired event dropped", loggingpkg.LogFields{
			"event_id": event.EventID,
			"topic":    topic,
		})
		return
	}

	dispatchErr := c.dispatch(ctx, topic, event)

	if c.monitor != nil {
		c.monitor.RecordConsumed(event, topic, c.consumingAgent(event), consumedAt)
	}

	if dispatchErr == nil {
		c.dedup.Record(dedupKey)
	}
}

// dispatch invokes every registered handler in order, aggregating failures
// so one handler cannot abort the rest.
func (c *Consumer) dispatch(ctx context.Context, topic string, event *Event) error {
	handlers := c.handlersFor(event.Type)
	if len(handlers) == 0 {
		c.metrics.observeNoHandler(topic, event.Type)
		c.logger.Info("No handler registered for event type", loggingpkg.LogFields{
			"event_type": string(event.Type),
			"topic":      topic,
		})
		return nil
	}

	spanCtx, span := c.tracer.Start(ctx, "ConsumeEvent", trace.WithAttributes(
		attribute.String("event.id", event.EventID),
		attribute.String("event.type", string(event.Type)),
		attribute.String("event.correlation_id", event.CorrelationID),
		attribute.String("messaging.destination", topic),
	))
	defer span.End()

	hookCtx := ConsumeContext{
		Topic:     topic,
		Event:     event,
		Context:   spanCtx,
		StartedAt: c.now(),
	}
	if c.hooks.OnStart != nil {
		c.hooks.OnStart(hookCtx)
	}

	var failures []error
	for _, handler := range handlers {
		if err := c.invoke(spanCtx, handler, event); err != nil {
			failures = append(failures, err)
			c.metrics.observeHandlerFailure(topic, event.Type)
			c.logger.Error("Handler failed", err, loggingpkg.LogFields{
				"event_id":   event.EventID,
				"event_type": string(event.Type),
				"topic":      topic,
			})
		}
	}

	duration := c.now().Sub(hookCtx.StartedAt)
	hookCtx.Duration = duration

	err := errors.Join(failures...)
	if err != nil {
		span.RecordError(err)
		c.metrics.observeConsumed(topic, event.Type, "failure", duration.Seconds())
		if c.hooks.OnError != nil {
			c.hooks.OnError(hookCtx, err)
		}
		return err
	}

	c.metrics.observeConsumed(topic, event.Type, "success", duration.Seconds())
	if c.hooks.OnDone != nil {
		c.hooks.OnDone(hookCtx)
	}
	return nil
}

// invoke runs one handler, converting panics into errors so a panicking
// handler cannot kill the poll loop.
func (c *Consumer) invoke(ctx context.Context, handler Handler, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.Handle(ctx, event)
}

func (c *Consumer) handlersFor(eventType EventType) []Handler {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	registered := c.handlers[eventType]
	handlers := make([]Handler, len(registered))
	copy(handlers, registered)
	return handlers
}

func (c *Consumer) consumingAgent(event *Event) string {
	if event.TargetAgent != "" {
		return event.TargetAgent
	}
	return c.conf.ConsumerGroup
}

// offsetKey identifies one delivery within the group: "partition:offset" for
// brokers that expose it, the message UUID otherwise.
func (c *Consumer) offsetKey(msg *message.Message) string {
	if key, ok := transportpkg.PartitionOffset(msg); ok {
		return key
	}
	return msg.UUID
}
