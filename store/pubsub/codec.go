package pubsub

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/debt-ledger/ledger"
)

// =============================================================================
// WIRE FORMAT
// =============================================================================

// snapshotMessage is the JSON body of one change notification. Amounts travel
// as strings so NaN and Inf survive the trip and are reported by the fold on
// the receiving side instead of failing to decode.
type snapshotMessage struct {
	DebtorID     string               `json:"debtor_id"`
	Deleted      bool                 `json:"deleted,omitempty"`
	Revision     int64                `json:"revision"`
	Name         string               `json:"name,omitempty"`
	PhoneNumber  string               `json:"phone_number,omitempty"`
	CreditLimit  decimal.Decimal      `json:"credit_limit"`
	Transactions []transactionMessage `json:"transactions,omitempty"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

type transactionMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Amount    string    `json:"amount"`
	Note      string    `json:"note,omitempty"`
}

// EncodeSnapshot renders a snapshot as a message body.
func EncodeSnapshot(s ledger.Snapshot) ([]byte, error) {
	rec := s.Record
	msg := snapshotMessage{
		DebtorID:    string(rec.ID),
		Deleted:     s.Deleted,
		Revision:    rec.Revision,
		Name:        rec.Name,
		PhoneNumber: rec.PhoneNumber,
		CreditLimit: rec.CreditLimit,
		UpdatedAt:   rec.UpdatedAt,
	}
	if !s.Deleted {
		for _, tx := range rec.Transactions {
			msg.Transactions = append(msg.Transactions, transactionMessage{
				ID:        string(tx.ID),
				Timestamp: tx.Timestamp,
				Kind:      string(tx.Kind),
				Amount:    strconv.FormatFloat(tx.Amount, 'g', -1, 64),
				Note:      tx.Note,
			})
		}
	}
	return json.Marshal(msg)
}

// DecodeSnapshot parses a message body. An unparseable amount decodes as NaN.
func DecodeSnapshot(data []byte) (ledger.Snapshot, error) {
	var msg snapshotMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ledger.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if msg.DebtorID == "" {
		return ledger.Snapshot{}, fmt.Errorf("decode snapshot: missing debtor_id")
	}

	rec := ledger.DebtorRecord{
		ID:          ledger.DebtorID(msg.DebtorID),
		Name:        msg.Name,
		PhoneNumber: msg.PhoneNumber,
		CreditLimit: msg.CreditLimit,
		Revision:    msg.Revision,
		UpdatedAt:   msg.UpdatedAt,
	}
	for _, tm := range msg.Transactions {
		amount, err := strconv.ParseFloat(tm.Amount, 64)
		if err != nil {
			amount = math.NaN()
		}
		rec.Transactions = append(rec.Transactions, ledger.Transaction{
			ID:        ledger.TransactionID(tm.ID),
			Timestamp: tm.Timestamp,
			Kind:      ledger.Kind(tm.Kind),
			Amount:    amount,
			Note:      tm.Note,
		})
	}
	return ledger.Snapshot{Record: rec, Deleted: msg.Deleted}, nil
}
