package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MaxAmount is the largest value a NUMERIC(20,2) column holds. Amounts and
// balances above it are rejected before they reach storage.
var MaxAmount = decimal.RequireFromString("999999999999999999.99")

// TxnType classifies a ledger event.
type TxnType string

const (
	TxnTransferRequest TxnType = "transfer_request"
	TxnAdminCredit     TxnType = "admin_credit"
	TxnAdminAdjustment TxnType = "admin_adjustment"
)

// Status is the lifecycle state of a Transaction.
// pending -> completed | rejected, at most once.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// User owns exactly one Account.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// Account holds the two balance tiers of a user.
// Invariant: 0 <= SpendableCredits <= TotalCredits.
type Account struct {
	ID               int64           `json:"id"`
	UserID           int64           `json:"user_id"`
	TotalCredits     decimal.Decimal `json:"total_credits"`
	SpendableCredits decimal.Decimal `json:"spendable_credits"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Locked is the portion of total credit not yet promoted to spendable.
func (a Account) Locked() decimal.Decimal {
	return a.TotalCredits.Sub(a.SpendableCredits)
}

// Apply returns the account with both deltas added, or ErrInvariantViolation
// if the result would break the balance invariant.
func (a Account) Apply(deltaTotal, deltaSpendable decimal.Decimal) (Account, error) {
	next := a
	next.TotalCredits = a.TotalCredits.Add(deltaTotal)
	next.SpendableCredits = a.SpendableCredits.Add(deltaSpendable)
	if err := next.Validate(); err != nil {
		return a, err
	}
	return next, nil
}

// Validate checks 0 <= spendable <= total <= MaxAmount.
func (a Account) Validate() error {
	switch {
	case a.TotalCredits.GreaterThan(MaxAmount):
		return fmt.Errorf("%w: account %d total credits would be %s", ErrInvalidAmount, a.ID, a.TotalCredits)
	case a.TotalCredits.IsNegative():
		return fmt.Errorf("%w: account %d total credits would be %s", ErrInvariantViolation, a.ID, a.TotalCredits)
	case a.SpendableCredits.IsNegative():
		return fmt.Errorf("%w: account %d spendable credits would be %s", ErrInvariantViolation, a.ID, a.SpendableCredits)
	case a.SpendableCredits.GreaterThan(a.TotalCredits):
		return fmt.Errorf("%w: account %d spendable %s exceeds total %s", ErrInvariantViolation, a.ID, a.SpendableCredits, a.TotalCredits)
	}
	return nil
}

// Transaction is an immutable ledger record. Only Status and UpdatedAt
// change, and only while Status is pending.
type Transaction struct {
	ID               int64           `json:"id"`
	Type             TxnType         `json:"txn_type"`
	Status           Status          `json:"status"`
	Amount           decimal.Decimal `json:"amount"`
	FromAccountID    *int64          `json:"from_account_id"`
	ToAccountID      *int64          `json:"to_account_id"`
	InitiatingUserID *int64          `json:"initiating_user_id"`
	AdminComment     *string         `json:"admin_comment"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Validate checks the creation-time constraints of a record.
func (t *Transaction) Validate() error {
	if !t.Amount.IsPositive() || t.Amount.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, t.Amount)
	}
	switch t.Type {
	case TxnTransferRequest:
		if t.Status != StatusPending {
			return fmt.Errorf("%w: transfer request must start pending, got %s", ErrInvalidTransition, t.Status)
		}
		if t.FromAccountID == nil || t.ToAccountID == nil {
			return fmt.Errorf("%w: transfer request needs both accounts", ErrInvariantViolation)
		}
	case TxnAdminCredit, TxnAdminAdjustment:
		if t.Status != StatusCompleted {
			return fmt.Errorf("%w: %s must start completed, got %s", ErrInvalidTransition, t.Type, t.Status)
		}
		if t.ToAccountID == nil {
			return fmt.Errorf("%w: %s needs a target account", ErrInvariantViolation, t.Type)
		}
	default:
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvariantViolation, t.Type)
	}
	return nil
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	return from == StatusPending && to.Terminal()
}

// PendingTransfer is a queued transfer request annotated with the owners'
// emails for the admin review queue.
type PendingTransfer struct {
	Transaction
	FromEmail string `json:"from_email"`
	ToEmail   string `json:"to_email"`
}

// Supply is a point-in-time view of global credit against the cap.
type Supply struct {
	Total    decimal.Decimal `json:"total"`
	Limit    decimal.Decimal `json:"limit"`
	Headroom decimal.Decimal `json:"headroom"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
