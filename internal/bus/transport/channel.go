package transport

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/quantmesh/agentbus/internal/bus/config"
)

var GoChannelFactory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func channelTransport(conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	buffer := int64(0)
	if conf.MaxPollRecords > 0 {
		buffer = int64(conf.MaxPollRecords)
	}
	pub, sub := GoChannelFactory(gochannel.Config{OutputChannelBuffer: buffer}, logger)

	return Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}
