package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer publishes predictions to a Kafka topic. Publish only enqueues;
// Run drains the queue and produces synchronously. Close produces whatever
// is still queued before closing the client.
type Producer struct {
	client *kgo.Client
	topic  string
	queue  chan Prediction
	send   func(ctx context.Context, r *kgo.Record) error
	logger *slog.Logger
}

// NewProducer connects a franz-go client to brokers.
func NewProducer(brokers []string, topic string, buffer int, logger *slog.Logger) (*Producer, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerLinger(50*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return newProducer(cl, topic, buffer, logger), nil
}

func newProducer(cl *kgo.Client, topic string, buffer int, logger *slog.Logger) *Producer {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Producer{
		client: cl,
		topic:  topic,
		queue:  make(chan Prediction, buffer),
		send: func(ctx context.Context, r *kgo.Record) error {
			return cl.ProduceSync(ctx, r).FirstErr()
		},
		logger: logger,
	}
}

// Publish enqueues p, dropping it when the queue is full.
func (p *Producer) Publish(_ context.Context, pred Prediction) {
	select {
	case p.queue <- pred:
	default:
		p.logger.Warn("kafka: queue full, dropping prediction event", "id", pred.ID)
	}
}

// Run produces queued events until ctx is cancelled. It is meant to run under
// server.RunWithRecovery.
func (p *Producer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pred := <-p.queue:
			if err := p.produce(ctx, pred); err != nil {
				p.logger.Error("kafka: produce failed", "id", pred.ID, "err", err)
			}
		}
	}
}

func (p *Producer) produce(ctx context.Context, pred Prediction) error {
	value, err := Marshal(pred)
	if err != nil {
		return err
	}
	return p.send(ctx, &kgo.Record{
		Topic:     p.topic,
		Key:       []byte(pred.ID.String()),
		Value:     value,
		Timestamp: pred.Timestamp,
	})
}

// drain produces every queued event without waiting for new ones.
func (p *Producer) drain(ctx context.Context) (sent, failed int) {
	for {
		select {
		case pred := <-p.queue:
			if err := p.produce(ctx, pred); err != nil {
				p.logger.Error("kafka: produce failed", "id", pred.ID, "err", err)
				failed++
				continue
			}
			sent++
		default:
			return sent, failed
		}
	}
}

// Close produces the events still queued, flushes and closes the client.
// ctx bounds the whole shutdown.
func (p *Producer) Close(ctx context.Context) {
	sent, failed := p.drain(ctx)
	if sent+failed > 0 {
		p.logger.Info("kafka: drained queue on close", "sent", sent, "failed", failed)
	}
	if p.client == nil {
		return
	}
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("kafka: flush on close failed", "err", err)
	}
	p.client.Close()
}

// Marshal encodes p as the JSON payload used by every feed.
func Marshal(p Prediction) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal prediction %s: %w", p.ID, err)
	}
	return data, nil
}
