package persistence

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"BskLedger/internal/audit"
	"BskLedger/internal/ledger"
)

// audit.Source implementations. The auditor recomputes everything from
// ledger entries on each run; nothing here reads a cached counter.

func (s *PostgresStore) AssetFlows(ctx context.Context) (map[string]audit.Flow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset,
		       COALESCE(SUM(amount) FILTER (WHERE tx_type = 'credit' AND tx_subtype = $1), 0),
		       COALESCE(SUM(amount) FILTER (WHERE tx_type = 'debit'  AND tx_subtype = $2), 0)
		FROM ledger_entries
		GROUP BY asset
	`, ledger.SubtypeDeposit, ledger.SubtypeWithdrawal)
	if err != nil {
		return nil, ledger.WrapStorage("asset flows", err)
	}
	defer rows.Close()

	flows := make(map[string]audit.Flow)
	for rows.Next() {
		var asset string
		var deposits, withdrawals decimal.Decimal
		if err := rows.Scan(&asset, &deposits, &withdrawals); err != nil {
			return nil, ledger.WrapStorage("scan asset flow", err)
		}
		flows[asset] = audit.Flow{Deposits: deposits, Withdrawals: withdrawals}
	}
	return flows, ledger.WrapStorage("asset flows", rows.Err())
}

func (s *PostgresStore) LiveBalanceSums(ctx context.Context) (map[string]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset, COALESCE(SUM(withdrawable + holding), 0)
		FROM balances
		GROUP BY asset
	`)
	if err != nil {
		return nil, ledger.WrapStorage("live balance sums", err)
	}
	defer rows.Close()

	sums := make(map[string]decimal.Decimal)
	for rows.Next() {
		var asset string
		var total decimal.Decimal
		if err := rows.Scan(&asset, &total); err != nil {
			return nil, ledger.WrapStorage("scan balance sum", err)
		}
		sums[asset] = total
	}
	return sums, ledger.WrapStorage("live balance sums", rows.Err())
}

func (s *PostgresStore) UserNets(ctx context.Context) ([]audit.UserNet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.user_id, b.asset,
		       COALESCE(e.net, 0),
		       b.withdrawable + b.holding
		FROM balances b
		LEFT JOIN (
			SELECT user_id, asset,
			       SUM(CASE WHEN tx_type = 'credit' THEN amount ELSE -amount END) AS net
			FROM ledger_entries
			GROUP BY user_id, asset
		) e ON e.user_id = b.user_id AND e.asset = b.asset
	`)
	if err != nil {
		return nil, ledger.WrapStorage("user nets", err)
	}
	defer rows.Close()

	var nets []audit.UserNet
	for rows.Next() {
		var n audit.UserNet
		if err := rows.Scan(&n.UserID, &n.Asset, &n.LedgerNet, &n.LiveTotal); err != nil {
			return nil, ledger.WrapStorage("scan user net", err)
		}
		nets = append(nets, n)
	}
	return nets, ledger.WrapStorage("user nets", rows.Err())
}

// --- MemoryStore ---

func (s *MemoryStore) AssetFlows(ctx context.Context) (map[string]audit.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flows := make(map[string]audit.Flow)
	for _, e := range s.entries {
		f := flows[e.Asset]
		if f.Deposits.IsZero() && f.Withdrawals.IsZero() {
			f = audit.Flow{Deposits: decimal.Zero, Withdrawals: decimal.Zero}
		}
		switch {
		case e.Type == ledger.TxTypeCredit && e.Subtype == ledger.SubtypeDeposit:
			f.Deposits = f.Deposits.Add(e.Amount)
		case e.Type == ledger.TxTypeDebit && e.Subtype == ledger.SubtypeWithdrawal:
			f.Withdrawals = f.Withdrawals.Add(e.Amount)
		}
		flows[e.Asset] = f
	}
	return flows, nil
}

func (s *MemoryStore) LiveBalanceSums(ctx context.Context) (map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sums := make(map[string]decimal.Decimal)
	for key, b := range s.balances {
		cur, ok := sums[key.asset]
		if !ok {
			cur = decimal.Zero
		}
		sums[key.asset] = cur.Add(b.Withdrawable).Add(b.Holding)
	}
	return sums, nil
}

func (s *MemoryStore) UserNets(ctx context.Context) ([]audit.UserNet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	netByKey := make(map[balanceKey]decimal.Decimal)
	for _, e := range s.entries {
		key := balanceKey{userID: e.UserID, asset: e.Asset}
		cur, ok := netByKey[key]
		if !ok {
			cur = decimal.Zero
		}
		netByKey[key] = cur.Add(e.Delta())
	}

	var nets []audit.UserNet
	for key, b := range s.balances {
		nets = append(nets, audit.UserNet{
			UserID:    key.userID,
			Asset:     key.asset,
			LedgerNet: netByKey[key],
			LiveTotal: b.Withdrawable.Add(b.Holding),
		})
	}
	return nets, nil
}

// AdjustLiveBalance mutates a live balance without writing a ledger
// entry. Exists so tests can manufacture exactly the kind of drift the
// auditor is meant to catch.
func (s *MemoryStore) AdjustLiveBalance(userID uuid.UUID, asset string, delta decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.balanceLocked(userID, asset)
	b.Withdrawable = b.Withdrawable.Add(delta)
}
