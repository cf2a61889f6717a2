package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// Transaction is a proposed atomic swap: the buyer pays Amount (plus its fee
// share) for the listed quantities from the seller. Both parties submit the
// same transaction id to the controller; the controller settles it once.
type Transaction struct {
	TransactionID string  `json:"transaction_id"`
	Sender        string  `json:"sender"`
	Counterparty  string  `json:"counterparty"`
	IsSenderBuyer bool    `json:"is_sender_buyer"`
	Amount        float64 `json:"amount"`
	Quantities    []int   `json:"quantities"` // indexed by good id
}

// NewTransactionID returns a fresh globally unique transaction id.
func NewTransactionID() string {
	return uuid.NewString()
}

// Buyer returns the public key of the buying party.
func (t Transaction) Buyer() string {
	if t.IsSenderBuyer {
		return t.Sender
	}
	return t.Counterparty
}

// Seller returns the public key of the selling party.
func (t Transaction) Seller() string {
	if t.IsSenderBuyer {
		return t.Counterparty
	}
	return t.Sender
}

// Validate rejects structurally bad transactions before any balance check.
func (t Transaction) Validate() error {
	if t.TransactionID == "" {
		return fmt.Errorf("transaction: empty id")
	}
	if t.Sender == t.Counterparty {
		return fmt.Errorf("transaction %s: sender and counterparty are the same", t.TransactionID)
	}
	if t.Amount < 0 {
		return fmt.Errorf("transaction %s: negative amount %v", t.TransactionID, t.Amount)
	}
	for good, q := range t.Quantities {
		if q < 0 {
			return fmt.Errorf("transaction %s: negative quantity %d for good %d", t.TransactionID, q, good)
		}
	}
	return nil
}

// Matches reports whether other is the counterparty's view of the same swap:
// identical id, amount and quantities, with the roles mirrored.
func (t Transaction) Matches(other Transaction) bool {
	if t.TransactionID != other.TransactionID ||
		t.Sender != other.Counterparty ||
		t.Counterparty != other.Sender ||
		t.IsSenderBuyer == other.IsSenderBuyer ||
		t.Amount != other.Amount ||
		len(t.Quantities) != len(other.Quantities) {
		return false
	}
	for i, q := range t.Quantities {
		if other.Quantities[i] != q {
			return false
		}
	}
	return true
}
