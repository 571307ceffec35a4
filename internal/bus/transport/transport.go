// Package transport builds the publisher/subscriber pair the bus runs on.
// Kafka is the production transport; the channel transport keeps tests
// in-process.
package transport

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/quantmesh/agentbus/internal/bus/config"
)

// Transport combines a publisher and subscriber pair produced by a factory.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Factory abstracts how the bus initialises message transports.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the built-in factory that selects the transport from
// Config.PubSubSystem.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(_ context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, fmt.Errorf("config is required")
	}

	switch conf.PubSubSystem {
	case "", "kafka":
		return kafkaTransport(conf, logger)
	case "channel":
		return channelTransport(conf, logger)
	default:
		return Transport{}, fmt.Errorf("unknown pubsub system %q", conf.PubSubSystem)
	}
}

// PartitionOffset returns a stable "partition:offset" string for a consumed
// message. The second return is false for transports that expose no offsets
// (such as the channel transport); callers fall back to the message UUID.
func PartitionOffset(msg *message.Message) (string, bool) {
	if msg == nil {
		return "", false
	}
	partition, ok := partitionFromCtx(msg.Context())
	if !ok {
		return "", false
	}
	offset, ok := offsetFromCtx(msg.Context())
	if !ok {
		return "", false
	}
	return strconv.FormatInt(int64(partition), 10) + ":" + strconv.FormatInt(offset, 10), true
}
