package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"BskLedger/internal/ledger"
	"BskLedger/internal/loan"
)

// MemoryStore is an in-memory implementation of ledger.Store and
// loan.Store with the same atomicity guarantees as the Postgres one,
// provided by a single mutex instead of row locks. Used by unit tests
// and by local development without a database.
type MemoryStore struct {
	mu sync.Mutex

	entries      []*ledger.Entry
	entriesByKey map[string]*ledger.Entry
	balances     map[balanceKey]*ledger.Balance

	loans        map[uuid.UUID]*loan.Loan
	installments map[uuid.UUID][]*loan.Installment
}

type balanceKey struct {
	userID uuid.UUID
	asset  string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entriesByKey: make(map[string]*ledger.Entry),
		balances:     make(map[balanceKey]*ledger.Balance),
		loans:        make(map[uuid.UUID]*loan.Loan),
		installments: make(map[uuid.UUID][]*loan.Installment),
	}
}

// --- ledger.Store ---

func (s *MemoryStore) ApplyEntry(ctx context.Context, e *ledger.Entry) (ledger.ApplyOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if winner, ok := s.entriesByKey[e.IdempotencyKey]; ok {
		return ledger.ApplyOutcome{Entry: winner, Replayed: true}, nil
	}

	b := s.balanceLocked(e.UserID, e.Asset)
	before := b.Bucket(e.Bucket)

	if e.Type == ledger.TxTypeDebit && before.LessThan(e.Amount) {
		return ledger.ApplyOutcome{}, &ledger.InsufficientBalanceError{
			Asset:     e.Asset,
			Bucket:    e.Bucket,
			Available: before.String(),
			Requested: e.Amount.String(),
		}
	}

	after := before.Add(e.Delta())
	e.BalanceBefore = before
	e.BalanceAfter = after

	if e.Bucket == ledger.BucketHolding {
		b.Holding = after
	} else {
		b.Withdrawable = after
	}
	b.UpdatedAt = time.Now().UTC()

	stored := *e
	s.entries = append(s.entries, &stored)
	s.entriesByKey[e.IdempotencyKey] = &stored

	return ledger.ApplyOutcome{Entry: &stored, Replayed: false}, nil
}

func (s *MemoryStore) FindEntryByKey(ctx context.Context, key string) (*ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entriesByKey[key]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) GetBalance(ctx context.Context, userID uuid.UUID, asset string) (*ledger.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *s.balanceLocked(userID, asset)
	return &cp, nil
}

func (s *MemoryStore) ListEntries(ctx context.Context, f ledger.EntryFilter) ([]*ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var out []*ledger.Entry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if f.UserID != uuid.Nil && e.UserID != f.UserID {
			continue
		}
		if f.Asset != "" && e.Asset != f.Asset {
			continue
		}
		if f.Subtype != "" && e.Subtype != f.Subtype {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) balanceLocked(userID uuid.UUID, asset string) *ledger.Balance {
	key := balanceKey{userID: userID, asset: asset}
	b, ok := s.balances[key]
	if !ok {
		b = &ledger.Balance{
			UserID:       userID,
			Asset:        asset,
			Withdrawable: decimal.Zero,
			Holding:      decimal.Zero,
		}
		s.balances[key] = b
	}
	return b
}

// --- loan.Store ---

func (s *MemoryStore) CreateLoan(ctx context.Context, l *loan.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *l
	s.loans[l.ID] = &cp
	return nil
}

func (s *MemoryStore) GetLoan(ctx context.Context, id uuid.UUID) (*loan.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.loans[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) ListLoans(ctx context.Context, userID uuid.UUID, limit int) ([]*loan.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []*loan.Loan
	for _, l := range s.loans {
		if l.UserID == userID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppliedAt.After(out[j].AppliedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateLoan(ctx context.Context, l *loan.Loan, expectedStatus loan.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.loans[l.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	if cur.Status != expectedStatus {
		return loan.ErrStaleLoan
	}
	cp := *l
	s.loans[l.ID] = &cp
	return nil
}

func (s *MemoryStore) ActivateWithSchedule(ctx context.Context, loanID uuid.UUID, schedule []*loan.Installment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.loans[loanID]
	if !ok {
		return ledger.ErrNotFound
	}
	if l.Status == loan.StatusActive {
		return nil
	}
	if l.Status != loan.StatusDisbursed {
		return loan.ErrStaleLoan
	}

	if len(s.installments[loanID]) == 0 {
		for _, inst := range schedule {
			cp := *inst
			s.installments[loanID] = append(s.installments[loanID], &cp)
		}
	}
	l.Status = loan.StatusActive
	return nil
}

func (s *MemoryStore) ListInstallments(ctx context.Context, loanID uuid.UUID) ([]*loan.Installment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*loan.Installment, 0, len(s.installments[loanID]))
	for _, inst := range s.installments[loanID] {
		cp := *inst
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) PayInstallment(ctx context.Context, installmentID uuid.UUID, paidAmount decimal.Decimal, paidAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, list := range s.installments {
		for _, inst := range list {
			if inst.ID == installmentID {
				if inst.Status != loan.InstallmentPaid {
					inst.Status = loan.InstallmentPaid
					at := paidAt
					inst.PaidAt = &at
					inst.PaidAmount = paidAmount
				}
				return nil
			}
		}
	}
	return ledger.ErrNotFound
}

func (s *MemoryStore) SettleAndClose(ctx context.Context, loanID uuid.UUID, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.loans[loanID]
	if !ok {
		return ledger.ErrNotFound
	}

	for _, inst := range s.installments[loanID] {
		if inst.Status != loan.InstallmentPaid {
			inst.Status = loan.InstallmentPaid
			at := closedAt
			inst.PaidAt = &at
			inst.PaidAmount = inst.AmountDue
		}
	}

	if l.Status != loan.StatusClosed {
		l.Status = loan.StatusClosed
		l.OutstandingAmount = decimal.Zero
		l.PaidAmount = l.PrincipalAmount
		if l.ClosedAt == nil {
			at := closedAt
			l.ClosedAt = &at
		}
	}
	return nil
}

// SetInstallmentDueDate rewrites one installment's due date. Test hook
// standing in for time passing.
func (s *MemoryStore) SetInstallmentDueDate(installmentID uuid.UUID, due time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, list := range s.installments {
		for _, inst := range list {
			if inst.ID == installmentID {
				inst.DueDate = due
				return
			}
		}
	}
}

func (s *MemoryStore) MarkOverdue(ctx context.Context, asOf time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var loanIDs []uuid.UUID
	for loanID, list := range s.installments {
		flipped := false
		for _, inst := range list {
			if inst.Status == loan.InstallmentDue && inst.DueDate.Before(asOf) {
				inst.Status = loan.InstallmentOverdue
				flipped = true
			}
		}
		if flipped {
			loanIDs = append(loanIDs, loanID)
		}
	}
	return loanIDs, nil
}
