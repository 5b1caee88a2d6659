// Пакет events — публикация событий жизненного цикла образов в Kafka.
// Формат сообщения: {"event": <kind>, "data": <образ>, "meta": {"service": <tenant>, ...}}.
// Публикация best-effort: ошибки логируются и учитываются в метриках,
// но никогда не влияют на результат исходной операции.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

// Виды событий жизненного цикла.
const (
	EventCreate    = "create"
	EventUpdate    = "update"
	EventRemove    = "remove"
	EventConfigure = "configure"
)

// Prometheus-метрики публикации.
var (
	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_events_published_total",
			Help: "Общее количество опубликованных событий жизненного цикла",
		},
		[]string{"event", "result"},
	)
)

// message — сериализуемая форма события.
type message struct {
	Event string         `json:"event"`
	Data  any            `json:"data"`
	Meta  map[string]any `json:"meta"`
}

// KafkaPublisher — издатель событий через kafka-go Writer.
type KafkaPublisher struct {
	writer  *kafka.Writer
	timeout time.Duration
	logger  *slog.Logger
}

// New создаёт издателя событий.
// brokers — адреса брокеров, topic — топик событий,
// timeout — таймаут публикации одного события.
func New(brokers []string, topic string, timeout time.Duration, logger *slog.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		WriteTimeout:           timeout,
		RequiredAcks:           kafka.RequireOne,
	}

	return &KafkaPublisher{
		writer:  writer,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "events")),
	}
}

// Publish публикует событие. Ключ сообщения — id образа, чтобы события
// одного образа попадали в одну партицию и сохраняли порядок.
func (p *KafkaPublisher) Publish(ctx context.Context, event, imageID string, data any, meta map[string]any) error {
	payload, err := json.Marshal(message{Event: event, Data: data, Meta: meta})
	if err != nil {
		eventsPublishedTotal.WithLabelValues(event, "error").Inc()
		return fmt.Errorf("ошибка сериализации события %s: %w", event, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(imageID),
		Value: payload,
	})
	if err != nil {
		eventsPublishedTotal.WithLabelValues(event, "error").Inc()
		return fmt.Errorf("ошибка публикации события %s: %w", event, err)
	}

	eventsPublishedTotal.WithLabelValues(event, "success").Inc()
	p.logger.Debug("Событие опубликовано",
		slog.String("event", event),
		slog.String("image_id", imageID),
	)
	return nil
}

// Close закрывает Kafka writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
