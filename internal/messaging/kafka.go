package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/velora/picflow/internal/config"
	"github.com/velora/picflow/pkg/models"
)

// MessageBus carries ingest messages between the enqueuer and the worker.
// Messages that exhaust their delivery attempts are published to the DLQ
// topic for operator inspection.
type MessageBus struct {
	writer    *kafka.Writer
	reader    *kafka.Reader
	dlqWriter *kafka.Writer
	logger    *logrus.Logger
}

func NewMessageBus(cfg *config.Config, logger *logrus.Logger) (*MessageBus, error) {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topics.ImageIngestion,
		Balancer:     &kafka.Hash{}, // Key by batch ID so one batch spreads evenly
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          cfg.Kafka.Topics.ImageIngestion,
		GroupID:        cfg.Kafka.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})

	dlqWriter := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topics.ImageIngestionDLQ,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}

	return &MessageBus{
		writer:    writer,
		reader:    reader,
		dlqWriter: dlqWriter,
		logger:    logger,
	}, nil
}

func (mb *MessageBus) Publish(ctx context.Context, messages ...models.IngestMessage) error {
	kafkaMessages := make([]kafka.Message, 0, len(messages))
	for _, msg := range messages {
		value, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal ingest message: %w", err)
		}
		kafkaMessages = append(kafkaMessages, kafka.Message{
			Key:   []byte(msg.BatchID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "batch_id", Value: []byte(msg.BatchID)},
				{Key: "file_index", Value: []byte(strconv.Itoa(msg.FileIndex))},
				{Key: "source_type", Value: []byte(msg.SourceType)},
			},
		})
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := mb.writer.WriteMessages(ctx, kafkaMessages...); err != nil {
		mb.logger.WithError(err).Error("Failed to publish ingest messages")
		return fmt.Errorf("failed to write messages to Kafka: %w", err)
	}

	mb.logger.WithField("count", len(messages)).Debug("Ingest messages published")
	return nil
}

// Next blocks until a message is available or the context ends.
func (mb *MessageBus) Next(ctx context.Context) (models.IngestMessage, error) {
	for {
		raw, err := mb.reader.ReadMessage(ctx)
		if err != nil {
			return models.IngestMessage{}, err
		}

		var msg models.IngestMessage
		if err := json.Unmarshal(raw.Value, &msg); err != nil {
			// Poison payloads are dropped, not redelivered.
			mb.logger.WithError(err).WithField("offset", raw.Offset).
				Error("Failed to unmarshal ingest message, dropping")
			continue
		}
		return msg, nil
	}
}

// SendToDLQ publishes a message that exhausted its delivery attempts.
func (mb *MessageBus) SendToDLQ(ctx context.Context, msg models.IngestMessage, reason string) error {
	payload := map[string]interface{}{
		"original_message": msg,
		"error":            reason,
		"dlq_timestamp":    time.Now(),
	}

	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ message: %w", err)
	}

	kafkaMessage := kafka.Message{
		Key:   []byte(msg.BatchID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "batch_id", Value: []byte(msg.BatchID)},
			{Key: "file_index", Value: []byte(strconv.Itoa(msg.FileIndex))},
			{Key: "error", Value: []byte(reason)},
		},
	}

	if err := mb.dlqWriter.WriteMessages(ctx, kafkaMessage); err != nil {
		return fmt.Errorf("failed to write message to DLQ: %w", err)
	}

	mb.logger.WithFields(logrus.Fields{
		"batch_id":   msg.BatchID,
		"file_index": msg.FileIndex,
		"error":      reason,
	}).Warn("Message sent to DLQ")

	return nil
}

func (mb *MessageBus) Close() error {
	var errors []error

	if err := mb.writer.Close(); err != nil {
		errors = append(errors, fmt.Errorf("failed to close producer: %w", err))
	}
	if err := mb.reader.Close(); err != nil {
		errors = append(errors, fmt.Errorf("failed to close consumer: %w", err))
	}
	if err := mb.dlqWriter.Close(); err != nil {
		errors = append(errors, fmt.Errorf("failed to close DLQ writer: %w", err))
	}

	if len(errors) > 0 {
		return fmt.Errorf("errors closing message bus: %v", errors)
	}
	return nil
}

// Stats exposes consumer metrics for monitoring.
func (mb *MessageBus) Stats() map[string]interface{} {
	stats := mb.reader.Stats()
	return map[string]interface{}{
		"consumer_lag":    stats.Lag,
		"consumer_offset": stats.Offset,
		"messages_read":   stats.Messages,
		"bytes_read":      stats.Bytes,
		"rebalances":      stats.Rebalances,
		"timeouts":        stats.Timeouts,
		"errors":          stats.Errors,
	}
}
