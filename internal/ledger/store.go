package ledger

import (
	"context"

	"github.com/google/uuid"
)

// ApplyOutcome is the result of Store.ApplyEntry. Entry is the row now in
// storage: the caller's row if it was applied, or the pre-existing row
// holding the same idempotency key if it lost the race.
type ApplyOutcome struct {
	Entry    *Entry
	Replayed bool
}

// EntryFilter narrows ListEntries.
type EntryFilter struct {
	UserID  uuid.UUID
	Asset   string
	Subtype string
	Limit   int
}

// Store is the transactional ledger storage. Implementations must make
// ApplyEntry atomic: the balance check, balance update, and entry insert
// all commit together or not at all, and two concurrent calls with the
// same idempotency key must resolve to exactly one stored entry with the
// loser observing the winner's row.
type Store interface {
	// ApplyEntry validates the debit against the locked balance, writes
	// the entry, and moves the balance. BalanceBefore/BalanceAfter on e
	// are filled in by the store. Returns ErrInsufficientBalance (wrapped
	// with figures) without writing anything when a debit cannot be
	// covered.
	ApplyEntry(ctx context.Context, e *Entry) (ApplyOutcome, error)

	// FindEntryByKey returns the entry holding key, or ErrNotFound.
	FindEntryByKey(ctx context.Context, key string) (*Entry, error)

	// GetBalance returns the live balance for (user, asset). A pair never
	// written before returns a zero balance, not ErrNotFound.
	GetBalance(ctx context.Context, userID uuid.UUID, asset string) (*Balance, error)

	// ListEntries returns entries newest first.
	ListEntries(ctx context.Context, f EntryFilter) ([]*Entry, error)
}
