package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ctfgate/internal/common/mq"
	"ctfgate/internal/instance/model"
	"ctfgate/pkg/utils/logger"

	"go.uber.org/zap"
)

// EventPublisher emits instance lifecycle events. Publishing is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, event model.LifecycleEvent)
}

type noopEventPublisher struct{}

// NewNoopEventPublisher returns a publisher that drops events.
func NewNoopEventPublisher() EventPublisher {
	return noopEventPublisher{}
}

func (noopEventPublisher) Publish(context.Context, model.LifecycleEvent) {}

// KafkaEventPublisher publishes lifecycle events to a topic.
type KafkaEventPublisher struct {
	producer mq.Producer
	topic    string
	timeout  time.Duration
}

func NewKafkaEventPublisher(producer mq.Producer, topic string, timeout time.Duration) *KafkaEventPublisher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &KafkaEventPublisher{producer: producer, topic: topic, timeout: timeout}
}

func (p *KafkaEventPublisher) Publish(ctx context.Context, event model.LifecycleEvent) {
	if p == nil || p.producer == nil || p.topic == "" {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Warn(ctx, "marshal lifecycle event failed", zap.Error(err))
		return
	}

	message := mq.NewMessage(payload)
	message.ID = fmt.Sprintf("%s-%s-%d", event.Type, shortRef(event.ContainerRef), event.OccurredAt.UnixNano())
	message.SetHeader("event_type", string(event.Type))

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.producer.Publish(pubCtx, p.topic, message); err != nil {
		logger.Warn(ctx, "publish lifecycle event failed",
			zap.String("event_type", string(event.Type)),
			zap.String("container_ref", event.ContainerRef),
			zap.Error(err))
	}
}

func shortRef(ref string) string {
	if len(ref) > 12 {
		return ref[:12]
	}
	return ref
}
