package audit

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

//go:generate mockgen -destination=../mocks/mock_message_writer.go -package=mocks github.com/adcondev/printomat/internal/audit MessageWriter

// MessageWriter is the part of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON, keyed by job id so every event of a
// job lands on the same partition in order.
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaSink creates a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           50 * time.Millisecond,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: false,
		},
	}
}

// NewKafkaSinkWithWriter builds a sink on a custom writer (tests).
func NewKafkaSinkWithWriter(writer MessageWriter) *KafkaSink {
	return &KafkaSink{writer: writer}
}

// Close shuts down the underlying writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

// Record implements Sink.
func (k *KafkaSink) Record(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.Job.ID, 10)),
		Value: payload,
		Time:  ev.Time.UTC(),
	}
	return k.writer.WriteMessages(ctx, msg)
}
