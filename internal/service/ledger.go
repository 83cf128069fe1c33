package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/store"
)

var (
	ledgerOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Ledger operations by outcome",
	}, []string{"op", "result"})

	ledgerLockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_lock_timeouts_total",
		Help: "Units of work rolled back because a lock wait timed out",
	})
)

// Ledger is the credit ledger engine. Every mutating call runs as one unit
// of work against the store.
type Ledger struct {
	store  store.Store
	supply *SupplyGuard
	log    *slog.Logger
}

func NewLedger(s store.Store, bankLimit decimal.Decimal, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  s,
		supply: NewSupplyGuard(bankLimit),
		log:    logger.With("component", "ledger"),
	}
}

// OpenAccount registers a user and the single account it owns.
func (l *Ledger) OpenAccount(ctx context.Context, email, passwordHash string) (*domain.User, *domain.Account, error) {
	u, a, err := l.store.CreateUser(ctx, email, passwordHash, false)
	if err != nil {
		return nil, nil, l.finish(ctx, "open_account", err)
	}
	l.finish(ctx, "open_account", nil, "user_id", u.ID, "account_id", a.ID)
	return u, a, nil
}

// FindUser looks a user up by email for credential checks.
func (l *Ledger) FindUser(ctx context.Context, email string) (*domain.User, error) {
	return l.store.GetUserByEmail(ctx, email)
}

// Profile returns the caller's user record and account.
func (l *Ledger) Profile(ctx context.Context, caller domain.Caller) (*domain.User, *domain.Account, error) {
	u, err := l.store.GetUser(ctx, caller.UserID)
	if err != nil {
		return nil, nil, err
	}
	a, err := l.store.GetAccountByUser(ctx, caller.UserID)
	if err != nil {
		return nil, nil, err
	}
	return u, a, nil
}

// GetAccount is visible to the account owner and to admins.
func (l *Ledger) GetAccount(ctx context.Context, caller domain.Caller, accountID int64) (*domain.Account, error) {
	a, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin && a.UserID != caller.UserID {
		return nil, fmt.Errorf("%w: account %d belongs to another user", domain.ErrForbidden, accountID)
	}
	return a, nil
}

// ListTransactions returns the account's history, newest first. The
// sequence is lazy and may be ranged over more than once.
func (l *Ledger) ListTransactions(ctx context.Context, caller domain.Caller, accountID int64) (iter.Seq2[domain.Transaction, error], error) {
	if _, err := l.GetAccount(ctx, caller, accountID); err != nil {
		return nil, err
	}
	return l.store.ListTransactions(ctx, accountID), nil
}

// ListPending is the admin review queue of transfer requests.
func (l *Ledger) ListPending(ctx context.Context, caller domain.Caller) ([]domain.PendingTransfer, error) {
	if err := caller.RequireAdmin(); err != nil {
		return nil, err
	}
	return l.store.ListPending(ctx)
}

// finish records the outcome of an operation and passes err through.
func (l *Ledger) finish(ctx context.Context, op string, err error, attrs ...any) error {
	if err == nil {
		ledgerOpsTotal.WithLabelValues(op, "ok").Inc()
		l.log.InfoContext(ctx, "ledger operation committed", append([]any{"op", op}, attrs...)...)
		return nil
	}
	if errors.Is(err, domain.ErrLockTimeout) {
		ledgerLockTimeouts.Inc()
	}
	ledgerOpsTotal.WithLabelValues(op, errorKind(err)).Inc()
	l.log.WarnContext(ctx, "ledger operation failed", append([]any{"op", op, "error", err}, attrs...)...)
	return err
}

func errorKind(err error) string {
	kinds := []struct {
		err  error
		name string
	}{
		{domain.ErrInvalidAmount, "invalid_amount"},
		{domain.ErrRecipientNotFound, "recipient_not_found"},
		{domain.ErrNotFound, "not_found"},
		{domain.ErrInvalidTransition, "invalid_transition"},
		{domain.ErrInsufficientSpendable, "insufficient_spendable"},
		{domain.ErrInsufficientTotalCredits, "insufficient_total"},
		{domain.ErrInvariantViolation, "invariant_violation"},
		{domain.ErrForbidden, "forbidden"},
		{domain.ErrAlreadyExists, "already_exists"},
		{domain.ErrSelfTransfer, "self_transfer"},
		{domain.ErrLockTimeout, "lock_timeout"},
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "error"
}

// validAmount rejects non-positive amounts and amounts finer than a cent.
func validAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", domain.ErrInvalidAmount, amount)
	}
	if amount.GreaterThan(domain.MaxAmount) {
		return fmt.Errorf("%w: amount %s exceeds %s", domain.ErrInvalidAmount, amount, domain.MaxAmount)
	}
	if !amount.Equal(amount.Round(2)) {
		return fmt.Errorf("%w: amount %s has more than two decimal places", domain.ErrInvalidAmount, amount)
	}
	return nil
}
