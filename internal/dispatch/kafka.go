package dispatch

import (
	"context"

	"lolbin-sentinel/internal/alertstore"
)

// AlertProducer is the subset of the Kafka producer the channel needs.
type AlertProducer interface {
	ProduceJSON(ctx context.Context, key string, value interface{}) error
}

// KafkaChannel publishes alerts onto the configured alerts topic. The
// correlation key is the message key, so repeats of one incident land on
// the same partition in order.
type KafkaChannel struct {
	producer AlertProducer
}

// NewKafkaChannel creates a Kafka channel over an existing producer.
func NewKafkaChannel(producer AlertProducer) *KafkaChannel {
	return &KafkaChannel{producer: producer}
}

func (k *KafkaChannel) Name() string {
	return "kafka"
}

func (k *KafkaChannel) Send(ctx context.Context, alert *alertstore.Alert) error {
	key := alert.CorrelationKey
	if key == "" {
		key = alert.ID.String()
	}
	return k.producer.ProduceJSON(ctx, key, alert)
}
