package publisher

import (
	"context"
	"fmt"
	"strings"

	kafka "github.com/segmentio/kafka-go"

	"dexflow/config"
	"dexflow/logger"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes every channel to one topic. The channel name is the
// message key, so each channel keeps its order within a partition.
type Kafka struct {
	writer messageWriter
	topic  string
	log    *logger.Entry
}

func NewKafka(cfg config.KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	compression, err := kafkaCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		Compression:  compression,
	}
	k := newKafka(w, cfg.Topic)
	k.log.WithFields(logger.Fields{
		"brokers":     cfg.Brokers,
		"topic":       cfg.Topic,
		"compression": cfg.Compression,
	}).Debug("kafka publisher initialized")
	return k, nil
}

func newKafka(w messageWriter, topic string) *Kafka {
	return &Kafka{
		writer: w,
		topic:  topic,
		log:    logger.GetLogger().WithComponent("kafka_publisher"),
	}
}

func kafkaCompression(name string) (kafka.Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, fmt.Errorf("unknown kafka compression %q", name)
	}
}

func (k *Kafka) Publish(ctx context.Context, channel string, payload []byte) error {
	msg := kafka.Message{
		Key:     []byte(channel),
		Value:   payload,
		Headers: []kafka.Header{{Key: "channel", Value: []byte(channel)}},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s to topic %s: %w", channel, k.topic, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	k.log.Debug("closing kafka publisher")
	return k.writer.Close()
}
