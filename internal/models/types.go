package models

import (
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/creditledger/internal/domain"
)

// TransferRequest is the payload of a user's transfer request.
// To is the recipient's email or numeric account id.
type TransferRequest struct {
	To     string          `json:"toEmail"`
	Amount decimal.Decimal `json:"amount"`
}

// GrantRequest adds non-spendable credit to an account.
type GrantRequest struct {
	Target string          `json:"userEmail"`
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note,omitempty"`
}

// PromoteRequest moves credit from the locked portion into spendable.
type PromoteRequest struct {
	Target string          `json:"userEmail"`
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note,omitempty"`
}

// Credentials is the register/login payload.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse is returned by login.
type TokenResponse struct {
	Token string `json:"token"`
}

// Profile is the caller's user joined with their account balances.
type Profile struct {
	ID               int64           `json:"id"`
	Email            string          `json:"email"`
	IsAdmin          bool            `json:"is_admin"`
	AccountID        int64           `json:"account_id"`
	TotalCredits     decimal.Decimal `json:"total_credits"`
	SpendableCredits decimal.Decimal `json:"spendable_credits"`
}

// NewProfile joins a user with its account.
func NewProfile(u *domain.User, a *domain.Account) Profile {
	return Profile{
		ID:               u.ID,
		Email:            u.Email,
		IsAdmin:          u.IsAdmin,
		AccountID:        a.ID,
		TotalCredits:     a.TotalCredits,
		SpendableCredits: a.SpendableCredits,
	}
}

// TransactionResponse wraps the record produced by a ledger operation.
type TransactionResponse struct {
	OK          bool                `json:"ok"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
}
