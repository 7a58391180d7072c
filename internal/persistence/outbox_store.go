package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"BskLedger/internal/alert"
	"BskLedger/internal/ledger"
)

// OutboxStore implements alert.Outbox on Postgres.
type OutboxStore struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewOutboxStore(db *sql.DB, log zerolog.Logger) *OutboxStore {
	return &OutboxStore{db: db, log: log}
}

func (s *OutboxStore) Enqueue(ctx context.Context, alertType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_outbox (id, alert_type, payload, created_at)
		VALUES ($1, $2, $3, NOW())
	`, uuid.New(), alertType, data)
	return ledger.WrapStorage("enqueue alert", err)
}

func (s *OutboxStore) FetchUnpublished(ctx context.Context, limit int) ([]*alert.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alert_type, payload, created_at, published_at
		FROM alert_outbox
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, ledger.WrapStorage("fetch unpublished alerts", err)
	}
	defer rows.Close()

	var alerts []*alert.Alert
	for rows.Next() {
		var a alert.Alert
		if err := rows.Scan(&a.ID, &a.Type, (*[]byte)(&a.Payload), &a.CreatedAt, &a.PublishedAt); err != nil {
			return nil, ledger.WrapStorage("scan alert", err)
		}
		alerts = append(alerts, &a)
	}
	return alerts, ledger.WrapStorage("fetch unpublished alerts", rows.Err())
}

func (s *OutboxStore) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE alert_outbox SET published_at = $1
		WHERE id = $2 AND published_at IS NULL
	`, at, id)
	return ledger.WrapStorage("mark alert published", err)
}

// MemoryOutbox is the in-memory alert.Outbox used by tests.
type MemoryOutbox struct {
	mu     sync.Mutex
	alerts []*alert.Alert
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{}
}

func (m *MemoryOutbox) Enqueue(ctx context.Context, alertType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, &alert.Alert{
		ID:        uuid.New(),
		Type:      alertType,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (m *MemoryOutbox) FetchUnpublished(ctx context.Context, limit int) ([]*alert.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*alert.Alert
	for _, a := range m.alerts {
		if a.PublishedAt == nil {
			out = append(out, a)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryOutbox) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.ID == id && a.PublishedAt == nil {
			t := at
			a.PublishedAt = &t
		}
	}
	return nil
}

// All returns every alert ever enqueued, published or not.
func (m *MemoryOutbox) All() []*alert.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*alert.Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}
