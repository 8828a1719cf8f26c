// services/portal/queue/kafka.go
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/coursefee-portal/internal/settlement"
)

const WorkerGroup = "settlement-worker"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Bus publishes settlement events keyed by invoice id, so every outcome of
// one invoice lands on the same partition.
type Bus struct {
	Brokers []string
	Topic   string
	w       messageWriter
}

func New(brokers []string, topic string) *Bus {
	return &Bus{
		Brokers: brokers,
		Topic:   topic,
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
	}
}

func (b *Bus) Publish(ctx context.Context, ev settlement.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode settlement event: %w", err)
	}
	return b.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.InvoiceID),
		Value: payload,
		Time:  ev.OccurredAt,
	})
}

func (b *Bus) Close() error { return b.w.Close() }

// Consumer reads settlement events as one member of a consumer group.
type Consumer struct {
	r   messageReader
	log *slog.Logger
}

func NewConsumer(brokers []string, topic, group string, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  group,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  time.Second,
		}),
		log: log,
	}
}

// Run hands each event to handle and commits it once handled. Malformed
// messages are logged and committed; a handler error stops Run without
// committing, so the event is redelivered.
func (c *Consumer) Run(ctx context.Context, handle func(context.Context, settlement.Event) error) error {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch settlement event: %w", err)
		}
		var ev settlement.Event
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.EventID == "" {
			c.log.Warn("skipping malformed settlement event", "offset", m.Offset, "key", string(m.Key), "error", err)
		} else if err := handle(ctx, ev); err != nil {
			return fmt.Errorf("handle settlement event %s: %w", ev.EventID, err)
		}
		if err := c.r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit settlement event: %w", err)
		}
	}
}

func (c *Consumer) Close() error { return c.r.Close() }
