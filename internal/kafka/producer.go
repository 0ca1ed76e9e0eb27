// Package kafka публикует уведомления и напоминания во внешние топики.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Dhoini/travel-entitlements/internal/domain"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
	"github.com/IBM/sarama"
)

// Заголовки сообщений
const (
	HeaderKind      = "kind"
	HeaderMessageID = "message_id"
)

// Producer публикует уведомления в Kafka через синхронный продюсер Sarama
type Producer struct {
	producer          sarama.SyncProducer
	notificationTopic string
	reminderTopic     string
	log               *logger.Logger
}

// NewProducer создает продюсер уведомлений
func NewProducer(producer sarama.SyncProducer, notificationTopic, reminderTopic string, log *logger.Logger) *Producer {
	return &Producer{
		producer:          producer,
		notificationTopic: notificationTopic,
		reminderTopic:     reminderTopic,
		log:               log.Named("kafka"),
	}
}

// PublishNotification отправляет уведомление. Ключ сообщения email,
// чтобы уведомления одного получателя шли по порядку.
func (p *Producer) PublishNotification(ctx context.Context, n *domain.Notification) error {
	return p.publish(ctx, p.notificationTopic, n.Email, string(n.Kind), n.ID.String(), n)
}

// PublishReminder отправляет запрос на отложенное напоминание
func (p *Producer) PublishReminder(ctx context.Context, r *domain.Reminder) error {
	return p.publish(ctx, p.reminderTopic, fmt.Sprint(r.AccountID), string(r.Kind), r.ID.String(), r)
}

func (p *Producer) publish(ctx context.Context, topic, key, kind, id string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal %s message: %w", kind, err)
	}

	message := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderKind), Value: []byte(kind)},
			{Key: []byte(HeaderMessageID), Value: []byte(id)},
		},
		Timestamp: time.Now(),
	}

	partition, offset, err := p.producer.SendMessage(message)
	if err != nil {
		return fmt.Errorf("kafka: failed to publish to %s: %w", topic, err)
	}

	p.log.Debugw("Published message", "topic", topic, "kind", kind, "partition", partition, "offset", offset)
	return nil
}

// Close закрывает продюсер
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}
	return nil
}
