package ledger

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Meta is the structured payload attached to a ledger entry. Fields are
// populated per subtype: loan entries carry LoanID, trades carry OrderID
// and Counterparty, admin adjustments carry Reason and Operator. Unused
// fields are omitted from the stored JSON.
type Meta struct {
	LoanID        string `json:"loan_id,omitempty"`
	InstallmentNo int    `json:"installment_no,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
	Counterparty  string `json:"counterparty,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Operator      string `json:"operator,omitempty"`
	ExternalRef   string `json:"external_ref,omitempty"`
}

// IsZero reports whether no field is set.
func (m Meta) IsZero() bool {
	return m == Meta{}
}

// Value implements driver.Valuer so Meta persists as a JSONB column.
func (m Meta) Value() (driver.Value, error) {
	if m.IsZero() {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Meta) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = Meta{}
		return nil
	case []byte:
		if len(v) == 0 {
			*m = Meta{}
			return nil
		}
		return json.Unmarshal(v, m)
	case string:
		if v == "" {
			*m = Meta{}
			return nil
		}
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("meta: cannot scan %T", src)
	}
}
