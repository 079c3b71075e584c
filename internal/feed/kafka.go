package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
)

const kafkaPollInterval = 500 * time.Millisecond

type kafkaSubscriber struct {
	consumer *kafka.Consumer
}

func kafkaConfig(brokers, groupID string) *kafka.ConfigMap {
	return &kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"group.id":           groupID,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": true,
	}
}

func dialKafka(brokers, topic, groupID string) (Subscriber, error) {
	consumer, err := kafka.NewConsumer(kafkaConfig(strings.TrimSpace(brokers), groupID))
	if err != nil {
		return nil, fmt.Errorf("%w: kafka consumer: %v", ErrFeedDisconnected, err)
	}
	if err := consumer.SubscribeTopics([]string{topic}, nil); err != nil {
		_ = consumer.Close()
		return nil, fmt.Errorf("%w: kafka subscribe %s: %v", ErrFeedDisconnected, topic, err)
	}
	return &kafkaSubscriber{consumer: consumer}, nil
}

// Receive polls in short intervals so ctx cancellation is noticed.
func (s *kafkaSubscriber) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := s.consumer.ReadMessage(kafkaPollInterval)
		if err == nil {
			return msg.Value, nil
		}
		var kerr kafka.Error
		if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
			continue
		}
		return nil, fmt.Errorf("%w: kafka read: %v", ErrFeedDisconnected, err)
	}
}

func (s *kafkaSubscriber) Close() error {
	return s.consumer.Close()
}
