package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/creditledger/internal/domain"
)

//go:embed schema.sql
var schema string

// SupplyLockKey is the transaction-scoped advisory lock that serializes
// grants against the bank limit.
const SupplyLockKey int64 = 0x6c6564676572

const (
	accountColumns     = "id, user_id, total_credits, spendable_credits, created_at, updated_at"
	transactionColumns = "id, txn_type, status, amount, from_account_id, to_account_id, initiating_user_id, admin_comment, created_at, updated_at"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	Db          *pgxpool.Pool
	lockTimeout time.Duration
}

func NewPostgres(ctx context.Context, connString string, lockTimeout time.Duration) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool, lockTimeout: lockTimeout}, nil
}

// Migrate creates the ledger tables if they do not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

func (s *Postgres) Close() {
	s.Db.Close()
}

// WithTx runs fn inside a READ COMMITTED transaction. Row locks taken with
// FOR UPDATE always observe the latest committed row, and lock waits are
// bounded by lock_timeout.
func (s *Postgres) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return translate(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return translate(fmt.Errorf("tx commit failed: %w", err))
	}
	return nil
}

// translate maps Postgres failures onto ledger error kinds.
func translate(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "55P03", "40001", "40P01":
		return fmt.Errorf("%w: %w", domain.ErrLockTimeout, err)
	case "23505":
		return fmt.Errorf("%w: %w", domain.ErrAlreadyExists, err)
	case "23514":
		return fmt.Errorf("%w: %w", domain.ErrInvariantViolation, err)
	case "22003":
		return fmt.Errorf("%w: %w", domain.ErrInvalidAmount, err)
	}
	return err
}

func (s *Postgres) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	return getAccount(ctx, s.Db, accountID, false)
}

func (s *Postgres) GetAccountByUser(ctx context.Context, userID int64) (*domain.Account, error) {
	return getAccountByUser(ctx, s.Db, userID)
}

func (s *Postgres) ResolveAccount(ctx context.Context, ref string) (*domain.Account, error) {
	return resolveAccount(ctx, s.Db, ref)
}

// CreateUser inserts the user and its account in one transaction.
func (s *Postgres) CreateUser(ctx context.Context, email, passwordHash string, isAdmin bool) (*domain.User, *domain.Account, error) {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	u := domain.User{Email: normalizeEmail(email), PasswordHash: passwordHash, IsAdmin: isAdmin}
	err = tx.QueryRow(ctx,
		"INSERT INTO users (email, password_hash, is_admin) VALUES ($1, $2, $3) RETURNING id, created_at",
		u.Email, u.PasswordHash, u.IsAdmin,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return nil, nil, translate(fmt.Errorf("user insert failed: %w", err))
	}

	row := tx.QueryRow(ctx, "INSERT INTO accounts (user_id) VALUES ($1) RETURNING "+accountColumns, u.ID)
	acc, err := scanAccount(row)
	if err != nil {
		return nil, nil, translate(fmt.Errorf("account insert failed: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, translate(fmt.Errorf("tx commit failed: %w", err))
	}
	return &u, acc, nil
}

func (s *Postgres) GetUser(ctx context.Context, userID int64) (*domain.User, error) {
	return s.getUser(ctx, "SELECT id, email, password_hash, is_admin, created_at FROM users WHERE id = $1", userID)
}

func (s *Postgres) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.getUser(ctx, "SELECT id, email, password_hash, is_admin, created_at FROM users WHERE email = $1", normalizeEmail(email))
}

func (s *Postgres) getUser(ctx context.Context, sql string, arg any) (*domain.User, error) {
	var u domain.User
	err := s.Db.QueryRow(ctx, sql, arg).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %v", domain.ErrNotFound, arg)
		}
		return nil, err
	}
	return &u, nil
}

func (s *Postgres) GetTransaction(ctx context.Context, txnID int64) (*domain.Transaction, error) {
	return getTransaction(ctx, s.Db, txnID, false)
}

// ListTransactions covers rows where the account sends, receives, or whose
// owner initiated the record.
func (s *Postgres) ListTransactions(ctx context.Context, accountID int64) iter.Seq2[domain.Transaction, error] {
	return func(yield func(domain.Transaction, error) bool) {
		rows, err := s.Db.Query(ctx,
			"SELECT "+transactionColumns+" FROM transactions"+
				" WHERE from_account_id = $1 OR to_account_id = $1"+
				" OR initiating_user_id = (SELECT user_id FROM accounts WHERE id = $1)"+
				" ORDER BY created_at DESC, id DESC",
			accountID)
		if err != nil {
			yield(domain.Transaction{}, fmt.Errorf("list transactions: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTransaction(rows)
			if err != nil {
				yield(domain.Transaction{}, err)
				return
			}
			if !yield(*t, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Transaction{}, fmt.Errorf("list transactions: %w", err))
		}
	}
}

// ListPending returns the admin review queue, oldest first.
func (s *Postgres) ListPending(ctx context.Context) ([]domain.PendingTransfer, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT t.id, t.txn_type, t.status, t.amount, t.from_account_id, t.to_account_id,"+
			" t.initiating_user_id, t.admin_comment, t.created_at, t.updated_at,"+
			" COALESCE(fu.email, ''), COALESCE(tu.email, '')"+
			" FROM transactions t"+
			" LEFT JOIN accounts fa ON fa.id = t.from_account_id LEFT JOIN users fu ON fu.id = fa.user_id"+
			" LEFT JOIN accounts ta ON ta.id = t.to_account_id LEFT JOIN users tu ON tu.id = ta.user_id"+
			" WHERE t.status = 'pending' AND t.txn_type = 'transfer_request'"+
			" ORDER BY t.created_at, t.id")
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var pending []domain.PendingTransfer
	for rows.Next() {
		var p domain.PendingTransfer
		t := &p.Transaction
		if err := rows.Scan(&t.ID, &t.Type, &t.Status, &t.Amount, &t.FromAccountID, &t.ToAccountID,
			&t.InitiatingUserID, &t.AdminComment, &t.CreatedAt, &t.UpdatedAt, &p.FromEmail, &p.ToEmail); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

func (s *Postgres) SumTotalCredits(ctx context.Context) (decimal.Decimal, error) {
	return sumTotalCredits(ctx, s.Db)
}

// pgTx implements Tx on a live pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	return getAccount(ctx, t.tx, accountID, false)
}

func (t *pgTx) GetAccountByUser(ctx context.Context, userID int64) (*domain.Account, error) {
	return getAccountByUser(ctx, t.tx, userID)
}

func (t *pgTx) ResolveAccount(ctx context.Context, ref string) (*domain.Account, error) {
	return resolveAccount(ctx, t.tx, ref)
}

func (t *pgTx) GetAccountForUpdate(ctx context.Context, accountID int64) (*domain.Account, error) {
	return getAccount(ctx, t.tx, accountID, true)
}

func (t *pgTx) AdjustBalances(ctx context.Context, accountID int64, deltaTotal, deltaSpendable decimal.Decimal) (*domain.Account, error) {
	row := t.tx.QueryRow(ctx,
		"UPDATE accounts SET total_credits = total_credits + $2, spendable_credits = spendable_credits + $3, updated_at = NOW()"+
			" WHERE id = $1 RETURNING "+accountColumns,
		accountID, deltaTotal, deltaSpendable)
	acc, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: account %d", domain.ErrNotFound, accountID)
		}
		return nil, translate(fmt.Errorf("balance update failed: %w", err))
	}
	if err := acc.Validate(); err != nil {
		return nil, err
	}
	return acc, nil
}

func (t *pgTx) LockSupply(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", SupplyLockKey); err != nil {
		return translate(fmt.Errorf("supply lock: %w", err))
	}
	return nil
}

func (t *pgTx) SumTotalCredits(ctx context.Context) (decimal.Decimal, error) {
	return sumTotalCredits(ctx, t.tx)
}

func (t *pgTx) AppendTransaction(ctx context.Context, txn *domain.Transaction) (int64, error) {
	if err := txn.Validate(); err != nil {
		return 0, err
	}
	err := t.tx.QueryRow(ctx,
		"INSERT INTO transactions (txn_type, status, amount, from_account_id, to_account_id, initiating_user_id, admin_comment)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at, updated_at",
		txn.Type, txn.Status, txn.Amount, txn.FromAccountID, txn.ToAccountID, txn.InitiatingUserID, txn.AdminComment,
	).Scan(&txn.ID, &txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		return 0, translate(fmt.Errorf("transaction insert failed: %w", err))
	}
	return txn.ID, nil
}

func (t *pgTx) GetTransactionForUpdate(ctx context.Context, txnID int64) (*domain.Transaction, error) {
	return getTransaction(ctx, t.tx, txnID, true)
}

// TransitionTransaction only updates a row that is still pending, so a
// concurrent disposition can never be overwritten.
func (t *pgTx) TransitionTransaction(ctx context.Context, txnID int64, to domain.Status) (*domain.Transaction, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("%w: cannot move transaction %d to %s", domain.ErrInvalidTransition, txnID, to)
	}
	row := t.tx.QueryRow(ctx,
		"UPDATE transactions SET status = $2, updated_at = NOW() WHERE id = $1 AND status = 'pending' RETURNING "+transactionColumns,
		txnID, to)
	txn, err := scanTransaction(row)
	if err == nil {
		return txn, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, translate(fmt.Errorf("transaction update failed: %w", err))
	}
	current, err := getTransaction(ctx, t.tx, txnID, false)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: transaction %d is %s", domain.ErrInvalidTransition, txnID, current.Status)
}

func getAccount(ctx context.Context, q querier, accountID int64, forUpdate bool) (*domain.Account, error) {
	sql := "SELECT " + accountColumns + " FROM accounts WHERE id = $1"
	if forUpdate {
		sql += " FOR UPDATE"
	}
	acc, err := scanAccount(q.QueryRow(ctx, sql, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: account %d", domain.ErrNotFound, accountID)
		}
		return nil, translate(fmt.Errorf("account query failed: %w", err))
	}
	return acc, nil
}

func getAccountByUser(ctx context.Context, q querier, userID int64) (*domain.Account, error) {
	acc, err := scanAccount(q.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE user_id = $1", userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: account for user %d", domain.ErrNotFound, userID)
		}
		return nil, fmt.Errorf("account query failed: %w", err)
	}
	return acc, nil
}

func resolveAccount(ctx context.Context, q querier, ref string) (*domain.Account, error) {
	id, email := parseRef(ref)
	if id != 0 {
		return getAccount(ctx, q, id, false)
	}
	acc, err := scanAccount(q.QueryRow(ctx,
		"SELECT a.id, a.user_id, a.total_credits, a.spendable_credits, a.created_at, a.updated_at"+
			" FROM accounts a JOIN users u ON u.id = a.user_id WHERE u.email = $1",
		email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: account for %q", domain.ErrNotFound, email)
		}
		return nil, fmt.Errorf("account query failed: %w", err)
	}
	return acc, nil
}

func getTransaction(ctx context.Context, q querier, txnID int64, forUpdate bool) (*domain.Transaction, error) {
	sql := "SELECT " + transactionColumns + " FROM transactions WHERE id = $1"
	if forUpdate {
		sql += " FOR UPDATE"
	}
	txn, err := scanTransaction(q.QueryRow(ctx, sql, txnID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: transaction %d", domain.ErrNotFound, txnID)
		}
		return nil, translate(fmt.Errorf("transaction query failed: %w", err))
	}
	return txn, nil
}

func sumTotalCredits(ctx context.Context, q querier) (decimal.Decimal, error) {
	var sum decimal.Decimal
	if err := q.QueryRow(ctx, "SELECT COALESCE(SUM(total_credits), 0) FROM accounts").Scan(&sum); err != nil {
		return decimal.Zero, translate(fmt.Errorf("supply query failed: %w", err))
	}
	return sum, nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	if err := row.Scan(&a.ID, &a.UserID, &a.TotalCredits, &a.SpendableCredits, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	if err := row.Scan(&t.ID, &t.Type, &t.Status, &t.Amount, &t.FromAccountID, &t.ToAccountID,
		&t.InitiatingUserID, &t.AdminComment, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
