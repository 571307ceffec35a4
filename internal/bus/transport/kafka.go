package transport

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/quantmesh/agentbus/internal/bus/config"
	metadatapkg "github.com/quantmesh/agentbus/internal/bus/metadata"
)

var (
	KafkaPublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return kafka.NewPublisher(cfg, logger)
	}
	KafkaSubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return kafka.NewSubscriber(cfg, logger)
	}
)

// partitionKeyMarshaler keys every record on the partition-key header written
// by the producer (the correlation id unless overridden), so all events of
// one causal chain land on the same partition.
var partitionKeyMarshaler = kafka.NewWithPartitioningMarshaler(
	func(topic string, msg *message.Message) (string, error) {
		if key := msg.Metadata.Get(metadatapkg.KeyPartitionKey); key != "" {
			return key, nil
		}
		if key := msg.Metadata.Get(metadatapkg.KeyCorrelationID); key != "" {
			return key, nil
		}
		return msg.UUID, nil
	},
)

func kafkaTransport(conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	publisher, err := newKafkaPublisher(conf, logger)
	if err != nil {
		return Transport{}, err
	}
	subscriber, err := newKafkaSubscriber(conf, logger)
	if err != nil {
		return Transport{}, err
	}
	return Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func newKafkaPublisher(conf *config.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return KafkaPublisherFactory(
		kafka.PublisherConfig{
			Brokers:               conf.Brokers,
			Marshaler:             partitionKeyMarshaler,
			OverwriteSaramaConfig: saramaProducerConfig(conf),
		},
		logger,
	)
}

func newKafkaSubscriber(conf *config.Config, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return KafkaSubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               conf.Brokers,
			Unmarshaler:           partitionKeyMarshaler,
			ConsumerGroup:         conf.ConsumerGroup,
			OverwriteSaramaConfig: saramaSubscriberConfig(conf),
		},
		logger,
	)
}

// saramaProducerConfig configures idempotent production: all-replica acks,
// a single in-flight request, and bounded transport retries with backoff.
func saramaProducerConfig(conf *config.Config) *sarama.Config {
	cfg := kafka.DefaultSaramaSyncPublisherConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.ClientID = conf.ClientID

	cfg.Producer.Idempotent = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Net.MaxOpenRequests = 1

	cfg.Producer.Retry.Max = conf.TransportRetries
	cfg.Producer.Retry.Backoff = conf.RetryBackoff
	cfg.Producer.Compression = compressionCodec(conf.Compression)

	if conf.BatchSize > 0 {
		cfg.Producer.Flush.Messages = conf.BatchSize
	}
	if conf.LingerTime > 0 {
		cfg.Producer.Flush.Frequency = conf.LingerTime
	}
	if conf.PublishTimeout > 0 {
		cfg.Producer.Timeout = conf.PublishTimeout
	}

	applySASL(cfg, conf)
	return cfg
}

func saramaSubscriberConfig(conf *config.Config) *sarama.Config {
	cfg := kafka.DefaultSaramaSubscriberConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.ClientID = conf.ClientID

	if conf.OffsetReset == "latest" {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	}

	if conf.SessionTimeout > 0 {
		cfg.Consumer.Group.Session.Timeout = conf.SessionTimeout
	}
	if conf.HeartbeatInterval > 0 {
		cfg.Consumer.Group.Heartbeat.Interval = conf.HeartbeatInterval
	}
	if conf.PollTimeout > 0 {
		cfg.Consumer.MaxProcessingTime = conf.PollTimeout
	}
	if conf.MaxPollRecords > 0 {
		cfg.ChannelBufferSize = conf.MaxPollRecords
	}

	applySASL(cfg, conf)
	return cfg
}

func applySASL(cfg *sarama.Config, conf *config.Config) {
	if conf.SASLUsername == "" {
		return
	}
	cfg.Net.SASL.Enable = true
	cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	cfg.Net.SASL.User = conf.SASLUsername
	cfg.Net.SASL.Password = conf.SASLPassword
	cfg.Net.SASL.Handshake = true
	cfg.Net.DialTimeout = 30 * time.Second
}

func compressionCodec(name string) sarama.CompressionCodec {
	switch name {
	case "gzip":
		return sarama.CompressionGZIP
	case "snappy":
		return sarama.CompressionSnappy
	case "lz4":
		return sarama.CompressionLZ4
	case "zstd":
		return sarama.CompressionZSTD
	default:
		return sarama.CompressionNone
	}
}

func partitionFromCtx(ctx context.Context) (int32, bool) {
	return kafka.MessagePartitionFromCtx(ctx)
}

func offsetFromCtx(ctx context.Context) (int64, bool) {
	return kafka.MessagePartitionOffsetFromCtx(ctx)
}
