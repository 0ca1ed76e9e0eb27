package kafka

import (
	"github.com/Dhoini/travel-entitlements/config"
	"github.com/IBM/sarama"
)

// Параметры продюсера уведомлений
const (
	maxMessageBytes  = 1000000
	flushMaxMessages = 100
	clientID         = "travel-entitlements"
)

// NewSaramaConfig создает конфигурацию Sarama для синхронного продюсера
func NewSaramaConfig() *sarama.Config {
	saramaConfig := sarama.NewConfig()

	saramaConfig.ClientID = clientID
	saramaConfig.Version = sarama.V3_3_0_0

	saramaConfig.Producer.MaxMessageBytes = maxMessageBytes
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Flush.MaxMessages = flushMaxMessages
	saramaConfig.Producer.Retry.Max = 3

	// SyncProducer требует оба канала
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true

	return saramaConfig
}

// NewSyncProducer подключается к брокерам
func NewSyncProducer(cfg config.KafkaConfig) (sarama.SyncProducer, error) {
	return sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig())
}
