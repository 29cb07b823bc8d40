// Package messaging connects the coordinator to the rest of the toolchain over
// watermill topics: failure reports, generated files and deployment results
// come in, collaborator commands and lifecycle events go out.
package messaging

import (
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/coinnation/kontext-sub005/internal/config"
	"github.com/coinnation/kontext-sub005/internal/logging"
)

// Transport drivers.
const (
	DriverGoChannel = "gochannel"
	DriverKafka     = "kafka"
)

// Metadata keys set on every outgoing message.
const (
	MetadataType       = "type"
	MetadataWorkflowID = "workflow_id"
	MetadataProjectID  = "project_id"
	// MetadataDedupKey lets producers give redelivered failures a stable key.
	MetadataDedupKey = "dedup_key"
)

// PubSub bundles the publisher and subscriber of one transport.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	driver     string
}

// Driver returns the transport name.
func (p *PubSub) Driver() string {
	return p.driver
}

// Close closes both sides. For gochannel they are the same instance.
func (p *PubSub) Close() error {
	var errs []error
	if p.Publisher != nil {
		errs = append(errs, p.Publisher.Close())
	}
	if p.Subscriber != nil && any(p.Subscriber) != any(p.Publisher) {
		errs = append(errs, p.Subscriber.Close())
	}
	return errors.Join(errs...)
}

// NewPubSub creates the transport selected by cfg.Driver.
func NewPubSub(cfg config.MessagingConfig, otel bool, logger *logging.Logger) (*PubSub, error) {
	wlog := watermill.NewSlogLogger(logger.WithComponent("watermill").Logger)

	switch cfg.Driver {
	case "", DriverGoChannel:
		ch := NewGoChannel(wlog)
		return &PubSub{Publisher: ch, Subscriber: ch, driver: DriverGoChannel}, nil
	case DriverKafka:
		return newKafka(cfg, otel, wlog)
	default:
		return nil, fmt.Errorf("unknown messaging driver %q", cfg.Driver)
	}
}

// NewGoChannel returns the in-process transport. The same instance serves as
// publisher and subscriber.
func NewGoChannel(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            1000,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		logger,
	)
}

func newKafka(cfg config.MessagingConfig, otel bool, logger watermill.LoggerAdapter) (*PubSub, error) {
	if len(cfg.Brokers) == 0 || cfg.Brokers[0] == "" {
		return nil, errors.New("kafka driver requires at least one broker")
	}

	subscriberConfig := kafka.DefaultSaramaSubscriberConfig()
	subscriberConfig.Consumer.Offsets.Initial = sarama.OffsetOldest

	subscriber, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               cfg.Brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: subscriberConfig,
			ConsumerGroup:         cfg.ConsumerGroup,
			OTELEnabled:           otel,
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka subscriber: %w", err)
	}

	publisherConfig := sarama.NewConfig()
	publisherConfig.Producer.Return.Successes = true
	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               cfg.Brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: publisherConfig,
			OTELEnabled:           otel,
		},
		logger,
	)
	if err != nil {
		_ = subscriber.Close()
		return nil, fmt.Errorf("creating kafka publisher: %w", err)
	}

	return &PubSub{Publisher: publisher, Subscriber: subscriber, driver: DriverKafka}, nil
}
