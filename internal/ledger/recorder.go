package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"BskLedger/internal/observability"
)

// Recorder is the single write path into the ledger. Every balance
// mutation in the system, whether from the HTTP API, the NATS ingester,
// or the loan engine, goes through Record.
type Recorder struct {
	store   Store
	cache   *ReplayCache
	metrics *observability.Metrics
	log     zerolog.Logger
}

// NewRecorder creates a Recorder. metrics may be nil in tests.
func NewRecorder(store Store, cache *ReplayCache, metrics *observability.Metrics, log zerolog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		cache:   cache,
		metrics: metrics,
		log:     log,
	}
}

// Record applies one debit or credit atomically. A repeated idempotency
// key returns the original result with Replayed set and no second
// mutation; the caller cannot tell a replay from a first write except by
// that flag.
func (r *Recorder) Record(ctx context.Context, req RecordRequest) (RecordResult, error) {
	start := time.Now()

	if err := validateRequest(&req); err != nil {
		r.countRejected("validation")
		return RecordResult{}, err
	}

	if res, ok := r.cache.Get(req.IdempotencyKey); ok {
		r.countDuplicate("lru")
		res.Replayed = true
		return res, nil
	}

	entry := &Entry{
		ID:             uuid.New(),
		UserID:         req.UserID,
		Asset:          req.Asset,
		Type:           req.Type,
		Subtype:        req.Subtype,
		Bucket:         req.Bucket,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		Meta:           req.Meta,
		CreatedAt:      time.Now().UTC(),
	}

	outcome, err := r.store.ApplyEntry(ctx, entry)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			r.countRejected("insufficient_balance")
			r.log.Warn().
				Str("user_id", req.UserID.String()).
				Str("asset", req.Asset).
				Str("amount", req.Amount.String()).
				Str("idempotency_key", req.IdempotencyKey).
				Msg("debit rejected, insufficient balance")
			return RecordResult{}, err
		}
		r.countRejected("storage")
		return RecordResult{}, err
	}

	res := RecordResult{
		EntryID:      outcome.Entry.ID,
		BalanceAfter: outcome.Entry.BalanceAfter,
		Replayed:     outcome.Replayed,
	}
	r.cache.Put(req.IdempotencyKey, RecordResult{
		EntryID:      res.EntryID,
		BalanceAfter: res.BalanceAfter,
	})

	if outcome.Replayed {
		r.countDuplicate("storage")
		return res, nil
	}

	if r.metrics != nil {
		r.metrics.LedgerWritesApplied.WithLabelValues(string(req.Type), req.Subtype).Inc()
		r.metrics.LedgerWriteDuration.WithLabelValues(string(req.Type)).Observe(time.Since(start).Seconds())
	}
	r.log.Debug().
		Str("entry_id", res.EntryID.String()).
		Str("user_id", req.UserID.String()).
		Str("asset", req.Asset).
		Str("type", string(req.Type)).
		Str("subtype", req.Subtype).
		Str("amount", req.Amount.String()).
		Str("balance_after", res.BalanceAfter.String()).
		Msg("ledger entry recorded")

	return res, nil
}

// FindEntry returns the entry recorded under key, or ErrNotFound.
func (r *Recorder) FindEntry(ctx context.Context, key string) (*Entry, error) {
	return r.store.FindEntryByKey(ctx, key)
}

// Balance reads the live balance for (user, asset).
func (r *Recorder) Balance(ctx context.Context, userID uuid.UUID, asset string) (*Balance, error) {
	return r.store.GetBalance(ctx, userID, asset)
}

// History lists ledger entries newest first.
func (r *Recorder) History(ctx context.Context, f EntryFilter) ([]*Entry, error) {
	return r.store.ListEntries(ctx, f)
}

func validateRequest(req *RecordRequest) error {
	switch {
	case req.UserID == uuid.Nil:
		return errors.Join(ErrValidation, errors.New("user_id is required"))
	case req.Asset == "":
		return errors.Join(ErrValidation, errors.New("asset is required"))
	case req.IdempotencyKey == "":
		return errors.Join(ErrValidation, errors.New("idempotency_key is required"))
	case req.Type != TxTypeCredit && req.Type != TxTypeDebit:
		return errors.Join(ErrValidation, errors.New("type must be credit or debit"))
	case req.Bucket != BucketWithdrawable && req.Bucket != BucketHolding:
		return errors.Join(ErrValidation, errors.New("bucket must be withdrawable or holding"))
	case !req.Amount.IsPositive():
		return errors.Join(ErrValidation, errors.New("amount must be positive"))
	}
	return nil
}

func (r *Recorder) countRejected(reason string) {
	if r.metrics != nil {
		r.metrics.LedgerWritesRejected.WithLabelValues(reason).Inc()
	}
}

func (r *Recorder) countDuplicate(tier string) {
	if r.metrics != nil {
		r.metrics.LedgerDuplicates.WithLabelValues(tier).Inc()
	}
}
