package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/Dhoini/travel-entitlements/pkg/logger"
	kafkaGo "github.com/segmentio/kafka-go"
)

// Разбиение топиков по умолчанию
const (
	defaultPartitions        = 3
	defaultReplicationFactor = 1
)

// TopicConfigs описывает топики уведомлений и напоминаний
func TopicConfigs(topics ...string) []kafkaGo.TopicConfig {
	configs := make([]kafkaGo.TopicConfig, 0, len(topics))
	for _, t := range topics {
		if t == "" {
			continue
		}
		configs = append(configs, kafkaGo.TopicConfig{
			Topic:             t,
			NumPartitions:     defaultPartitions,
			ReplicationFactor: defaultReplicationFactor,
		})
	}
	return configs
}

// EnsureTopics создает недостающие топики через первого брокера
func EnsureTopics(ctx context.Context, brokers []string, topics []string, log *logger.Logger) error {
	if len(brokers) == 0 || strings.TrimSpace(brokers[0]) == "" {
		return errors.New("kafka broker address is empty")
	}
	broker := strings.TrimSpace(brokers[0])
	if _, _, err := net.SplitHostPort(broker); err != nil {
		return fmt.Errorf("invalid broker address %s: %w", broker, err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, err := kafkaGo.DialContext(connCtx, "tcp", broker)
	if err != nil {
		return fmt.Errorf("kafka connection failed: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("kafka read partitions failed: %w", err)
	}
	existing := make(map[string]bool, len(partitions))
	for _, p := range partitions {
		existing[p.Topic] = true
	}

	missing := MissingTopics(existing, TopicConfigs(topics...))
	if len(missing) == 0 {
		log.Infow("All required Kafka topics exist", "topics", topics)
		return nil
	}

	log.Infow("Creating Kafka topics", "topics", topicNames(missing))
	if err := conn.CreateTopics(missing...); err != nil && !errors.Is(err, kafkaGo.TopicAlreadyExists) {
		return fmt.Errorf("kafka create topics failed: %w", err)
	}
	return nil
}

// MissingTopics оставляет только топики, которых нет среди existing
func MissingTopics(existing map[string]bool, required []kafkaGo.TopicConfig) []kafkaGo.TopicConfig {
	var missing []kafkaGo.TopicConfig
	for _, tc := range required {
		if !existing[tc.Topic] {
			missing = append(missing, tc)
		}
	}
	return missing
}

func topicNames(configs []kafkaGo.TopicConfig) []string {
	names := make([]string, 0, len(configs))
	for _, tc := range configs {
		names = append(names, tc.Topic)
	}
	return names
}
