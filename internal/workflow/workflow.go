// Package workflow hands task envelopes to an external durable-workflow
// engine over Kafka and runs the worker side that consumes them. The local
// queue is always the fallback; nothing here is a hard dependency.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/okapi-ai/overseer/internal/queue"
)

// record is the wire shape written to the workflow topic: the envelope plus
// the external run id assigned at dispatch time.
type record struct {
	ExternalID string         `json:"external_id"`
	Envelope   queue.Envelope `json:"envelope"`
}

// KafkaDispatcher implements queue.Dispatcher over a Kafka topic. Messages
// are keyed by agent id so one agent's tasks land on one partition and keep
// their relative order.
type KafkaDispatcher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewKafkaDispatcher(brokers []string, topic string, logger *slog.Logger) *KafkaDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaDispatcher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "workflow_dispatcher"),
	}
}

// Dispatch writes the envelope to the workflow topic and returns the
// external run id. Errors surface to the caller, which falls back to the
// local queue.
func (d *KafkaDispatcher) Dispatch(ctx context.Context, env queue.Envelope) (string, error) {
	externalID := "wf-" + uuid.NewString()
	value, err := json.Marshal(record{ExternalID: externalID, Envelope: env})
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(env.AgentID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "task_type", Value: []byte(env.TaskType)},
		},
		Time: time.Now(),
	}
	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write workflow message: %w", err)
	}
	d.logger.Debug("envelope dispatched",
		"external_id", externalID, "agent_id", env.AgentID, "task_type", env.TaskType)
	return externalID, nil
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}
