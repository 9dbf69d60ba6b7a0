package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/taskflow/pkg/channels/gochannel"
	"github.com/dukex/taskflow/pkg/channels/kafka"
	"github.com/dukex/taskflow/pkg/eventbus"
)

const serviceName = "taskflow"

// NewEventBus creates the bus for provider "gochannel" (single process) or
// "kafka" (brokers from the list or KAFKA_BROKERS).
func NewEventBus(provider, brokers string, logger *slog.Logger) (eventbus.EventBus, error) {
	watermillLogger := watermill.NewSlogLogger(logger)

	var (
		pub message.Publisher
		sub message.Subscriber
		err error
	)

	switch provider {
	case "gochannel", "":
		pub, sub, err = gochannel.CreateChannel(watermillLogger)
	case "kafka":
		pub, sub, err = kafka.CreateChannel(watermillLogger, brokers, serviceName)
	default:
		return nil, fmt.Errorf("unsupported event bus provider %q", provider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s pub/sub: %w", provider, err)
	}

	return eventbus.NewWatermillEventBus(logger, pub, sub), nil
}
