package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/miradorstack/mirador-heal/internal/models"
)

const (
	// EventStream holds engine events under heal.> except samples.
	EventStream = "HEAL_EVENTS"
	// SampleStream holds metric samples pushed to the engine.
	SampleStream = "HEAL_SAMPLES"
	// SampleSubject is the wildcard subject samples arrive on.
	SampleSubject = "heal.samples.>"

	// DefaultSampleStaleAfter is how old a sample may be before it is dropped.
	DefaultSampleStaleAfter = 5 * time.Minute
)

// NATSBus publishes events to and consumes samples from NATS JetStream.
type NATSBus struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	durable    string
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NATSConfig configures the bus.
type NATSConfig struct {
	URL          string
	Durable      string
	EventMaxAge  time.Duration
	SampleMaxAge time.Duration
	// SampleStaleAfter drops samples whose timestamp is older than this.
	SampleStaleAfter time.Duration
}

// NewNATSBus connects to NATS and ensures the JetStream streams exist.
func NewNATSBus(cfg NATSConfig, logger *slog.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("mirador-heal"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	if cfg.EventMaxAge <= 0 {
		cfg.EventMaxAge = 7 * 24 * time.Hour
	}
	if cfg.SampleMaxAge <= 0 {
		cfg.SampleMaxAge = 24 * time.Hour
	}
	streams := []nats.StreamConfig{
		{
			Name:     EventStream,
			Subjects: []string{"heal.anomaly.>", "heal.plan.>", "heal.execution.>"},
			Storage:  nats.FileStorage,
			MaxAge:   cfg.EventMaxAge,
		},
		{
			Name:     SampleStream,
			Subjects: []string{SampleSubject},
			Storage:  nats.FileStorage,
			MaxAge:   cfg.SampleMaxAge,
		},
	}
	for i := range streams {
		if _, err := js.AddStream(&streams[i]); err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			if _, err := js.UpdateStream(&streams[i]); err != nil {
				logger.Warn("jetstream stream setup failed", slog.String("stream", streams[i].Name), slog.Any("error", err))
			}
		}
	}

	bus := newNATSBus(js, cfg.Durable, logger)
	bus.conn = nc
	if cfg.SampleStaleAfter > 0 {
		bus.staleAfter = cfg.SampleStaleAfter
	}
	return bus, nil
}

func newNATSBus(js nats.JetStreamContext, durable string, logger *slog.Logger) *NATSBus {
	if durable == "" {
		durable = "heal-engine"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBus{
		js:         js,
		durable:    durable,
		staleAfter: DefaultSampleStaleAfter,
		now:        time.Now,
		logger:     logger,
	}
}

// Publish sends the event to its subject.
func (b *NATSBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := b.js.Publish(event.Subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	b.logger.Debug("event published",
		slog.String("subject", event.Subject),
		slog.String("event_id", event.ID),
		slog.String("type", event.Type))
	return nil
}

// SampleHandler consumes one decoded sample.
type SampleHandler func(ctx context.Context, sample models.MetricSample) error

// SubscribeSamples consumes samples from SampleSubject with a durable
// consumer until ctx is cancelled. Malformed messages are terminated; handler
// errors are negatively acknowledged for redelivery. The consumer is bound
// rather than created by the subscription, so unsubscribing leaves it and its
// position in place for the next start.
func (b *NATSBus) SubscribeSamples(ctx context.Context, handler SampleHandler) error {
	if err := b.ensureSampleConsumer(); err != nil {
		return err
	}
	sub, err := b.js.Subscribe(SampleSubject, func(msg *nats.Msg) {
		b.handleSample(ctx, msg, handler)
	}, nats.Bind(SampleStream, b.durable), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("subscribe samples: %w", err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug("unsubscribe failed", slog.Any("error", err))
		}
	}()
	return nil
}

// ensureSampleConsumer creates the durable push consumer when missing. A new
// consumer starts at new messages so retained history is not replayed.
func (b *NATSBus) ensureSampleConsumer() error {
	_, err := b.js.ConsumerInfo(SampleStream, b.durable)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("lookup sample consumer: %w", err)
	}
	_, err = b.js.AddConsumer(SampleStream, &nats.ConsumerConfig{
		Durable:        b.durable,
		DeliverSubject: nats.NewInbox(),
		DeliverPolicy:  nats.DeliverNewPolicy,
		AckPolicy:      nats.AckExplicitPolicy,
		AckWait:        30 * time.Second,
		FilterSubject:  SampleSubject,
	})
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return fmt.Errorf("create sample consumer: %w", err)
	}
	b.logger.Info("sample consumer created", slog.String("durable", b.durable))
	return nil
}

func (b *NATSBus) handleSample(ctx context.Context, msg *nats.Msg, handler SampleHandler) {
	var sample models.MetricSample
	if err := json.Unmarshal(msg.Data, &sample); err != nil {
		b.logger.Error("malformed sample", slog.String("subject", msg.Subject), slog.Any("error", err))
		_ = msg.Term()
		return
	}
	if !sample.Timestamp.IsZero() && b.now().Sub(sample.Timestamp) > b.staleAfter {
		b.logger.Warn("stale sample dropped",
			slog.String("resource_id", sample.ResourceID),
			slog.String("metric", sample.MetricName),
			slog.Time("timestamp", sample.Timestamp))
		_ = msg.Ack()
		return
	}
	if err := handler(ctx, sample); err != nil {
		b.logger.Error("sample handling failed",
			slog.String("resource_id", sample.ResourceID),
			slog.String("metric", sample.MetricName),
			slog.Any("error", err))
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

// Close drains the underlying connection.
func (b *NATSBus) Close() error {
	if b.conn == nil {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
