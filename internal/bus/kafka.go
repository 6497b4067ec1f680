package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	w messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, key, data []byte) error {
	if err := p.w.WriteMessages(ctx, kafka.Message{Key: key, Value: data}); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }

type KafkaSubscriber struct {
	r      messageReader
	logger *slog.Logger
}

func NewKafkaSubscriber(brokers []string, topic, group string, logger *slog.Logger) *KafkaSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSubscriber{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  group,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		}),
		logger: logger.With("component", "kafka-bus", "topic", topic),
	}
}

func (s *KafkaSubscriber) Receive(ctx context.Context, fn func(ctx context.Context, m Message) error) error {
	for {
		km, err := s.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}
		m := Message{Key: km.Key, Data: km.Value, Attributes: headers(km.Headers)}
		if err := fn(ctx, m); err != nil {
			s.logger.Warn("handler failed, offset left uncommitted", "offset", km.Offset, "err", err)
			continue
		}
		if err := s.r.CommitMessages(ctx, km); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka commit: %w", err)
		}
	}
}

func (s *KafkaSubscriber) Close() error { return s.r.Close() }

func headers(hs []kafka.Header) map[string]string {
	if len(hs) == 0 {
		return nil
	}
	out := make(map[string]string, len(hs))
	for _, h := range hs {
		out[h.Key] = string(h.Value)
	}
	return out
}
