package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/quantmesh/agentbus/internal/bus/config"
	errspkg "github.com/quantmesh/agentbus/internal/bus/errors"
	transportpkg "github.com/quantmesh/agentbus/internal/bus/transport"
)

func newChannelTransport() (*gochannel.GoChannel, transportpkg.Factory) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 16,
		Persistent:          true,
	}, watermill.NopLogger{})

	factory := transportpkg.FactoryFunc(func(context.Context, *config.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
		return transportpkg.Transport{Publisher: pubsub, Subscriber: pubsub}, nil
	})
	return pubsub, factory
}

func startConsumer(t *testing.T, consumer *Consumer) (cancel func()) {
	t.Helper()
	if err := consumer.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}

	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	return func() {
		cancelCtx()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("unexpected run error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop in time")
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func publishEvent(t *testing.T, pubsub *gochannel.GoChannel, topic string, event *Event) {
	t.Helper()
	msg, err := event.ToMessage()
	if err != nil {
		t.Fatalf("unexpected error building message: %v", err)
	}
	if err := pubsub.Publish(topic, msg); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
}

func TestConsumerDispatchesToRegisteredHandlers(t *testing.T) {
	pubsub, factory := newChannelTransport()
	topic := Route(EventTypeMarketSignal)

	consumer := NewConsumer(config.Config{
		PubSubSystem:  "channel",
		ConsumerGroup: "signal-readers",
		Topics:        []string{topic},
	}, nil, WithConsumerTransportFactory(factory))

	var first, second atomic.Int64
	if err := consumer.AddHandler(EventTypeMarketSignal, HandlerFunc(func(context.Context, *Event) error {
		first.Add(1)
		return nil
	})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := consumer.AddHandler(EventTypeMarketSignal, HandlerFunc(func(context.Context, *Event) error {
		second.Add(1)
		return nil
	})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stop := startConsumer(t, consumer)
	defer stop()

	publishEvent(t, pubsub, topic, mustEvent(t, EventTypeMarketSignal, "corr-1"))

	eventually(t, "both handlers to run", func() bool {
		return first.Load() == 1 && second.Load() == 1
	})
}

func TestConsumerDeduplicatesRepeatedDeliveries(t *testing.T) {
	pubsub, factory := newChannelTransport()
	topic := Route(EventTypeTradeIntent)

	consumer := NewConsumer(config.Config{
		PubSubSystem:  "channel",
		ConsumerGroup: "intent-readers",
		Topics:        []string{topic},
	}, nil, WithConsumerTransportFactory(factory))

	var invocations atomic.Int64
	if err := consumer.AddHandler(EventTypeTradeIntent, HandlerFunc(func(context.Context, *Event) error {
		invocations.Add(1)
		return nil
	})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stop := startConsumer(t, consumer)
	defer stop()

	duplicated := mustEvent(t, EventTypeTradeIntent, "corr-dup")
	publishEvent(t, pubsub, topic, duplicated)
	publishEvent(t, pubsub, topic, duplicated)

	follower := mustEvent(t, EventTypeTradeIntent, "corr-next")
	publishEvent(t, pubsub, topic, follower)

	eventually(t, "the follower event to arrive", func() bool {
		return invocations.Load() >= 2
	})
	if got := invocations.Load(); got != 2 {
		t.Fatalf("expected the duplicate delivery to be skipped, got %d invocations", got)
	}
}

func TestConsumerHandlerFailureDoesNotStallTheBatch(t *testing.T) {
	pubsub, factory := newChannelTransport()
	topic := Route(EventTypeTradeExecution)
	monitor := NewLatencyMonitor(nil)

	consumer := NewConsumer(config.Config{
		PubSubSystem:  "channel",
		ConsumerGroup: "execution-readers",
		Topics:        []string{topic},
	}, nil,
		WithConsumerTransportFactory(factory),
		WithLatencyMonitor(monitor),
	)

	var invocations atomic.Int64
	if err := consumer.AddHandler(EventTypeTradeExecution, HandlerFunc(func(_ context.Context, event *Event) error {
		n := invocations.Add(1)
		if n == 3 {
			return errors.New("downstream rejected fill")
		}
		return nil
	})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stop := startConsumer(t, consumer)
	defer stop()

	for i := 0; i < 5; i++ {
		publishEvent(t, pubsub, topic, mustEvent(t, EventTypeTradeExecution, "corr-batch"))
	}

	eventually(t, "all five messages to be handled", func() bool {
		return invocations.Load() == 5
	})
	eventually(t, "five latency measurements", func() bool {
		return monitor.Statistics(LatencyFilter{}).Count == 5
	})
}

func TestConsumerTreatsUnparsablePayloadAsConsumed(t *testing.T) {
	pubsub, factory := newChannelTransport()
	topic := Route(EventTypeRiskAssessment)

	consumer := NewConsumer(config.Config{
		PubSubSystem:  "channel",
		ConsumerGroup: "risk-readers",
		Topics:        []string{topic},
	}, nil, WithConsumerTransportFactory(factory))

	var invocations atomic.Int64
	if err := consumer.AddHandler(EventTypeRiskAssessment, HandlerFunc(func(context.Context, *Event) error {
		invocations.Add(1)
		return nil
	})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stop := startConsumer(t, consumer)
	defer stop()

	garbage := message.NewMessage(watermill.NewUUID(), []byte("{not json"))
	if err := pubsub.Publish(topic, garbage); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	publishEvent(t, pubsub, topic, mustEvent(t, EventTypeRiskAssessment, "corr-ok"))

	eventually(t, "the valid event to be handled after the garbage one", func() bool {
		return invocations.Load() == 1
	})
}

func TestConsumerRecordsLatencyWithoutHandlers(t *testing.T) {
	pubsub, factory := newChannelTransport()
	topic := Route(EventTypeAccountSnapshot)
	monitor := NewLatencyMonitor(nil)

	consumer := NewConsumer(config.Config{
		PubSubSystem:  "channel",
		ConsumerGroup: "snapshot-readers",
		Topics:        []string{topic},
	}, nil,
		WithConsumerTransportFactory(factory),
		WithLatencyMonitor(monitor),
	)

	stop := startConsumer(t, consumer)
	defer stop()

	publishEvent(t, pubsub, topic, mustEvent(t, EventTypeAccountSnapshot, "corr-gap"))

	eventually(t, "the unhandled event to be measured", func() bool {
		return monitor.Statistics(LatencyFilter{}).Count == 1
	})
}

func TestConsumerHooksAndPanicRecovery(t *testing.T) {
	pubsub, factory := newChannelTransport()
	topic := Route(EventTypeAgentStatus)

	var mu sync.Mutex
	var started, failed int
	hooks := ConsumeHooks{
		OnStart: func(ConsumeContext) {
			mu.Lock()
			started++
			mu.Unlock()
		},
		OnError: func(_ ConsumeContext, err error) {
			mu.Lock()
			failed++
			mu.Unlock()
		},
	}

	consumer := NewConsumer(config.Config{
		PubSubSystem:  "channel",
		ConsumerGroup: "status-readers",
		Topics:        []string{topic},
	}, nil,
		WithConsumerTransportFactory(factory),
		WithHooks(hooks),
	)

	var invocations atomic.Int64
	if err := consumer.AddHandler(EventTypeAgentStatus, HandlerFunc(func(context.Context, *Event) error {
		if invocations.Add(1) == 1 {
			panic("handler bug")
		}
		return nil
	})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stop := startConsumer(t, consumer)
	defer stop()

	publishEvent(t, pubsub, topic, mustEvent(t, EventTypeAgentStatus, "corr-panic"))
	publishEvent(t, pubsub, topic, mustEvent(t, EventTypeAgentStatus, "corr-fine"))

	eventually(t, "both events to be dispatched", func() bool {
		return invocations.Load() == 2
	})
	eventually(t, "hooks to observe the outcomes", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return started == 2 && failed == 1
	})
}

func TestConsumerLifecycleErrors(t *testing.T) {
	_, factory := newChannelTransport()
	topic := Route(EventTypeMarketSignal)

	consumer := NewConsumer(config.Config{
		PubSubSystem:  "channel",
		ConsumerGroup: "lifecycle",
		Topics:        []string{topic},
	}, nil, WithConsumerTransportFactory(factory))

	if err := consumer.AddHandler(EventTypeMarketSignal, nil); !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("expected handler required error, got %v", err)
	}
	if err := consumer.Run(context.Background()); !errors.Is(err, errspkg.ErrConsumerNotConnected) {
		t.Fatalf("expected not connected error, got %v", err)
	}
	if got := consumer.State(); got != StateDisconnected {
		t.Fatalf("expected disconnected state, got %v", got)
	}

	stop := startConsumer(t, consumer)

	eventually(t, "the consumer to start running", func() bool {
		return consumer.State() == StateRunning
	})
	if err := consumer.Run(context.Background()); !errors.Is(err, errspkg.ErrConsumerRunning) {
		t.Fatalf("expected already running error, got %v", err)
	}

	stop()
	if err := consumer.Stop(); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	if got := consumer.State(); got != StateDisconnected {
		t.Fatalf("expected disconnected state after stop, got %v", got)
	}
}
