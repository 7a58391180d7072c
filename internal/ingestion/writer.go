package ingestion

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"BskLedger/internal/ledger"
	"BskLedger/internal/observability"
)

// Writer drains the raw event channel into the ledger. Events are acked
// only after every implied write committed or resolved as a replay;
// storage failures nak for redelivery, malformed events are acked and
// dropped since redelivery cannot fix them.
type Writer struct {
	recorder *ledger.Recorder
	events   <-chan RawEvent
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewWriter(recorder *ledger.Recorder, events <-chan RawEvent, metrics *observability.Metrics, log zerolog.Logger) *Writer {
	return &Writer{
		recorder: recorder,
		events:   events,
		metrics:  metrics,
		log:      log,
	}
}

// Run processes events until ctx is cancelled or the channel closes.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-w.events:
			if !ok {
				return nil
			}
			w.handle(ctx, evt)
		}
	}
}

func (w *Writer) handle(ctx context.Context, evt RawEvent) {
	eventType := EventTypeForSubject(evt.Subject)
	if w.metrics != nil {
		w.metrics.IngestEventsReceived.WithLabelValues(eventType).Inc()
	}

	reqs, err := ParseEvent(evt.Subject, evt.Data)
	if err != nil {
		if w.metrics != nil {
			w.metrics.IngestParseErrors.WithLabelValues(eventType).Inc()
		}
		w.log.Error().Err(err).
			Str("subject", evt.Subject).
			Msg("dropping malformed event")
		evt.AckFunc()
		return
	}

	for _, req := range reqs {
		if _, err := w.recorder.Record(ctx, req); err != nil {
			if errors.Is(err, ledger.ErrInsufficientBalance) {
				// A withdrawal or trade the balance cannot cover. The
				// event is final upstream; redelivery would reject again.
				w.log.Error().Err(err).
					Str("subject", evt.Subject).
					Str("idempotency_key", req.IdempotencyKey).
					Msg("event rejected, insufficient balance")
				evt.AckFunc()
				return
			}
			w.log.Warn().Err(err).
				Str("subject", evt.Subject).
				Str("idempotency_key", req.IdempotencyKey).
				Msg("ledger write failed, requesting redelivery")
			evt.NakFunc()
			return
		}
	}
	evt.AckFunc()
}
