package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"BskLedger/internal/observability"
)

// Publisher drains the alert outbox into NATS JetStream.
// Subjects follow the pattern: bsk.alerts.{alert_type}
type Publisher struct {
	outbox   Outbox
	js       jetstream.JetStream
	interval time.Duration
	batch    int
	metrics  *observability.Metrics
	log      zerolog.Logger
}

// NewPublisher creates a Publisher polling every interval. metrics may be
// nil in tests.
func NewPublisher(outbox Outbox, js jetstream.JetStream, interval time.Duration, metrics *observability.Metrics, log zerolog.Logger) *Publisher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Publisher{
		outbox:   outbox,
		js:       js,
		interval: interval,
		batch:    100,
		metrics:  metrics,
		log:      log,
	}
}

// Run polls the outbox until ctx is cancelled. Publish failures leave the
// row unpublished; it is retried on the next tick.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.drain(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn().Err(err).Msg("alert outbox drain failed")
			}
		}
	}
}

func (p *Publisher) drain(ctx context.Context) error {
	alerts, err := p.outbox.FetchUnpublished(ctx, p.batch)
	if err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.OutboxDepth.Set(float64(len(alerts)))
	}

	for _, a := range alerts {
		subject := fmt.Sprintf("bsk.alerts.%s", a.Type)
		if _, err := p.js.Publish(ctx, subject, a.Payload); err != nil {
			if p.metrics != nil {
				p.metrics.OutboxErrors.Inc()
			}
			p.log.Warn().Err(err).
				Str("alert_id", a.ID.String()).
				Str("subject", subject).
				Msg("alert publish failed, will retry")
			continue
		}
		if err := p.outbox.MarkPublished(ctx, a.ID, time.Now().UTC()); err != nil {
			// The alert may be delivered twice; consumers dedupe on
			// alert id.
			p.log.Warn().Err(err).
				Str("alert_id", a.ID.String()).
				Msg("failed to mark alert published")
			continue
		}
		if p.metrics != nil {
			p.metrics.OutboxPublished.Inc()
		}
		p.log.Info().
			Str("alert_id", a.ID.String()).
			Str("type", a.Type).
			Msg("alert published")
	}
	return nil
}

// EnsureAlertStream creates the alert stream if it does not exist.
func EnsureAlertStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "BSK_ALERTS",
		Subjects:  []string{"bsk.alerts.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create alert stream: %w", err)
	}
	return nil
}
