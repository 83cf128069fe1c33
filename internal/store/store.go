package store

import (
	"context"
	"iter"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/creditledger/internal/domain"
)

// Reader is the non-locking read surface shared by Store and Tx.
type Reader interface {
	GetAccount(ctx context.Context, accountID int64) (*domain.Account, error)
	GetAccountByUser(ctx context.Context, userID int64) (*domain.Account, error)
	// ResolveAccount looks an account up by its owner's email or by its
	// numeric id.
	ResolveAccount(ctx context.Context, ref string) (*domain.Account, error)
}

// Tx is one unit of work. Row locks taken through it are held until the
// enclosing WithTx returns.
type Tx interface {
	Reader

	// GetAccountForUpdate returns the account and holds an exclusive lock on
	// it for the rest of the unit of work.
	GetAccountForUpdate(ctx context.Context, accountID int64) (*domain.Account, error)
	// AdjustBalances adds the deltas to a locked account. The result must
	// satisfy 0 <= spendable <= total.
	AdjustBalances(ctx context.Context, accountID int64, deltaTotal, deltaSpendable decimal.Decimal) (*domain.Account, error)

	// LockSupply serializes callers that read-then-raise the global total.
	LockSupply(ctx context.Context) error
	SumTotalCredits(ctx context.Context) (decimal.Decimal, error)

	// AppendTransaction inserts t, filling its ID and timestamps.
	AppendTransaction(ctx context.Context, t *domain.Transaction) (int64, error)
	GetTransactionForUpdate(ctx context.Context, txnID int64) (*domain.Transaction, error)
	TransitionTransaction(ctx context.Context, txnID int64, to domain.Status) (*domain.Transaction, error)
}

// Store is the durable ledger state.
type Store interface {
	Reader

	// WithTx runs fn in one atomic unit of work. Any error returned by fn
	// rolls everything back.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// CreateUser registers a user together with its zero-balance account.
	CreateUser(ctx context.Context, email, passwordHash string, isAdmin bool) (*domain.User, *domain.Account, error)
	GetUser(ctx context.Context, userID int64) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)

	GetTransaction(ctx context.Context, txnID int64) (*domain.Transaction, error)
	// ListTransactions yields the account's history newest first. Each range
	// over the returned sequence re-reads the log.
	ListTransactions(ctx context.Context, accountID int64) iter.Seq2[domain.Transaction, error]
	ListPending(ctx context.Context) ([]domain.PendingTransfer, error)
	SumTotalCredits(ctx context.Context) (decimal.Decimal, error)

	Ping(ctx context.Context) error
	Close()
}

// parseRef splits an account reference into an account id or an email.
func parseRef(ref string) (int64, string) {
	ref = strings.TrimSpace(ref)
	if !strings.Contains(ref, "@") {
		if id, err := strconv.ParseInt(ref, 10, 64); err == nil && id > 0 {
			return id, ""
		}
	}
	return 0, normalizeEmail(ref)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
