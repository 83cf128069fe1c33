package store

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/creditledger/internal/domain"
)

const supplyLock = "supply"

func accountLock(id int64) string { return fmt.Sprintf("account:%d", id) }
func txnLock(id int64) string     { return fmt.Sprintf("txn:%d", id) }

// Memory is a process-local Store. Units of work stage their writes and
// publish them on commit; row locks come from a shared lockTable so the
// locking discipline matches the Postgres store.
type Memory struct {
	mu sync.RWMutex

	users        map[int64]*domain.User
	usersByEmail map[string]int64

	accounts       map[int64]*domain.Account
	accountsByUser map[int64]int64

	txns map[int64]*domain.Transaction

	nextUser    int64
	nextAccount int64
	nextTxn     int64

	locks       *lockTable
	lockTimeout time.Duration
	now         func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithLockTimeout bounds every lock wait. Zero waits for ctx only.
func WithLockTimeout(d time.Duration) MemoryOption {
	return func(m *Memory) { m.lockTimeout = d }
}

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		users:          make(map[int64]*domain.User),
		usersByEmail:   make(map[string]int64),
		accounts:       make(map[int64]*domain.Account),
		accountsByUser: make(map[int64]int64),
		txns:           make(map[int64]*domain.Transaction),
		locks:          newLockTable(),
		lockTimeout:    5 * time.Second,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (s *Memory) Ping(context.Context) error { return nil }
func (s *Memory) Close()                     {}

func (s *Memory) CreateUser(_ context.Context, email, passwordHash string, isAdmin bool) (*domain.User, *domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = normalizeEmail(email)
	if _, exists := s.usersByEmail[email]; exists {
		return nil, nil, fmt.Errorf("%w: user %q", domain.ErrAlreadyExists, email)
	}

	now := s.now()
	s.nextUser++
	s.nextAccount++
	u := &domain.User{ID: s.nextUser, Email: email, PasswordHash: passwordHash, IsAdmin: isAdmin, CreatedAt: now}
	a := &domain.Account{ID: s.nextAccount, UserID: u.ID, CreatedAt: now, UpdatedAt: now}
	s.users[u.ID] = u
	s.usersByEmail[email] = u.ID
	s.accounts[a.ID] = a
	s.accountsByUser[u.ID] = a.ID

	uc, ac := *u, *a
	return &uc, &ac, nil
}

func (s *Memory) GetUser(_ context.Context, userID int64) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %d", domain.ErrNotFound, userID)
	}
	uc := *u
	return &uc, nil
}

func (s *Memory) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	id, ok := s.usersByEmail[normalizeEmail(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: user %q", domain.ErrNotFound, email)
	}
	return s.GetUser(ctx, id)
}

func (s *Memory) GetAccount(_ context.Context, accountID int64) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account(accountID)
}

func (s *Memory) GetAccountByUser(_ context.Context, userID int64) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accountByUser(userID)
}

func (s *Memory) ResolveAccount(_ context.Context, ref string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolve(ref)
}

// account, accountByUser and resolve expect s.mu to be held.
func (s *Memory) account(accountID int64) (*domain.Account, error) {
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: account %d", domain.ErrNotFound, accountID)
	}
	ac := *a
	return &ac, nil
}

func (s *Memory) accountByUser(userID int64) (*domain.Account, error) {
	id, ok := s.accountsByUser[userID]
	if !ok {
		return nil, fmt.Errorf("%w: account for user %d", domain.ErrNotFound, userID)
	}
	return s.account(id)
}

func (s *Memory) resolve(ref string) (*domain.Account, error) {
	id, email := parseRef(ref)
	if id != 0 {
		return s.account(id)
	}
	userID, ok := s.usersByEmail[email]
	if !ok {
		return nil, fmt.Errorf("%w: account for %q", domain.ErrNotFound, email)
	}
	return s.accountByUser(userID)
}

func (s *Memory) GetTransaction(_ context.Context, txnID int64) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txns[txnID]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %d", domain.ErrNotFound, txnID)
	}
	tc := *t
	return &tc, nil
}

func (s *Memory) ListTransactions(_ context.Context, accountID int64) iter.Seq2[domain.Transaction, error] {
	return func(yield func(domain.Transaction, error) bool) {
		s.mu.RLock()
		var owner int64
		if a, ok := s.accounts[accountID]; ok {
			owner = a.UserID
		}
		var matched []domain.Transaction
		for _, t := range s.txns {
			if involves(t, accountID, owner) {
				matched = append(matched, *t)
			}
		}
		s.mu.RUnlock()

		slices.SortFunc(matched, func(a, b domain.Transaction) int {
			if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
				return c
			}
			return cmp.Compare(b.ID, a.ID)
		})
		for _, t := range matched {
			if !yield(t, nil) {
				return
			}
		}
	}
}

func involves(t *domain.Transaction, accountID, owner int64) bool {
	switch {
	case t.FromAccountID != nil && *t.FromAccountID == accountID:
		return true
	case t.ToAccountID != nil && *t.ToAccountID == accountID:
		return true
	case owner != 0 && t.InitiatingUserID != nil && *t.InitiatingUserID == owner:
		return true
	}
	return false
}

func (s *Memory) ListPending(context.Context) ([]domain.PendingTransfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []domain.PendingTransfer
	for _, t := range s.txns {
		if t.Status != domain.StatusPending || t.Type != domain.TxnTransferRequest {
			continue
		}
		pending = append(pending, domain.PendingTransfer{
			Transaction: *t,
			FromEmail:   s.ownerEmail(t.FromAccountID),
			ToEmail:     s.ownerEmail(t.ToAccountID),
		})
	}
	slices.SortFunc(pending, func(a, b domain.PendingTransfer) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return pending, nil
}

func (s *Memory) ownerEmail(accountID *int64) string {
	if accountID == nil {
		return ""
	}
	a, ok := s.accounts[*accountID]
	if !ok {
		return ""
	}
	if u, ok := s.users[a.UserID]; ok {
		return u.Email
	}
	return ""
}

func (s *Memory) SumTotalCredits(context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := decimal.Zero
	for _, a := range s.accounts {
		sum = sum.Add(a.TotalCredits)
	}
	return sum, nil
}

// WithTx stages every write in a memTx and publishes it only when fn
// succeeds. Locks are released after publication either way.
func (s *Memory) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx := &memTx{
		s:        s,
		held:     make(map[string]bool),
		accounts: make(map[int64]domain.Account),
		txns:     make(map[int64]domain.Transaction),
	}
	defer tx.releaseAll()

	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	s     *Memory
	held  map[string]bool
	order []string

	// staged rows, keyed by id
	accounts map[int64]domain.Account
	txns     map[int64]domain.Transaction
}

func (t *memTx) lock(ctx context.Context, key string) error {
	if t.held[key] {
		return nil
	}
	if err := t.s.locks.acquire(ctx, key, t.s.lockTimeout); err != nil {
		return err
	}
	t.held[key] = true
	t.order = append(t.order, key)
	return nil
}

func (t *memTx) releaseAll() {
	for i := len(t.order) - 1; i >= 0; i-- {
		t.s.locks.release(t.order[i])
	}
	t.order = nil
	clear(t.held)
}

func (t *memTx) commit() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range t.accounts {
		ac := a
		s.accounts[id] = &ac
	}
	for id, txn := range t.txns {
		tc := txn
		s.txns[id] = &tc
	}
}

func (t *memTx) overlay(a *domain.Account, err error) (*domain.Account, error) {
	if err != nil {
		return nil, err
	}
	if staged, ok := t.accounts[a.ID]; ok {
		return &staged, nil
	}
	return a, nil
}

func (t *memTx) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	return t.overlay(t.s.GetAccount(ctx, accountID))
}

func (t *memTx) GetAccountByUser(ctx context.Context, userID int64) (*domain.Account, error) {
	return t.overlay(t.s.GetAccountByUser(ctx, userID))
}

func (t *memTx) ResolveAccount(ctx context.Context, ref string) (*domain.Account, error) {
	return t.overlay(t.s.ResolveAccount(ctx, ref))
}

func (t *memTx) GetAccountForUpdate(ctx context.Context, accountID int64) (*domain.Account, error) {
	if _, err := t.s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	if err := t.lock(ctx, accountLock(accountID)); err != nil {
		return nil, err
	}
	a, err := t.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	t.accounts[a.ID] = *a
	return a, nil
}

func (t *memTx) AdjustBalances(_ context.Context, accountID int64, deltaTotal, deltaSpendable decimal.Decimal) (*domain.Account, error) {
	current, ok := t.accounts[accountID]
	if !ok || !t.held[accountLock(accountID)] {
		return nil, fmt.Errorf("%w: account %d adjusted without holding its lock", domain.ErrInvariantViolation, accountID)
	}
	next, err := current.Apply(deltaTotal, deltaSpendable)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = t.s.now()
	t.accounts[accountID] = next
	return &next, nil
}

func (t *memTx) LockSupply(ctx context.Context) error {
	return t.lock(ctx, supplyLock)
}

func (t *memTx) SumTotalCredits(context.Context) (decimal.Decimal, error) {
	s := t.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := decimal.Zero
	for id, a := range s.accounts {
		if staged, ok := t.accounts[id]; ok {
			sum = sum.Add(staged.TotalCredits)
			continue
		}
		sum = sum.Add(a.TotalCredits)
	}
	return sum, nil
}

func (t *memTx) AppendTransaction(ctx context.Context, txn *domain.Transaction) (int64, error) {
	if err := txn.Validate(); err != nil {
		return 0, err
	}
	for _, ref := range []*int64{txn.FromAccountID, txn.ToAccountID} {
		if ref == nil {
			continue
		}
		if _, err := t.s.GetAccount(ctx, *ref); err != nil {
			return 0, err
		}
	}

	s := t.s
	s.mu.Lock()
	s.nextTxn++
	id := s.nextTxn
	s.mu.Unlock()

	now := s.now()
	txn.ID = id
	txn.CreatedAt = now
	txn.UpdatedAt = now
	t.txns[id] = *txn
	return id, nil
}

func (t *memTx) GetTransactionForUpdate(ctx context.Context, txnID int64) (*domain.Transaction, error) {
	if _, staged := t.txns[txnID]; !staged {
		if _, err := t.s.GetTransaction(ctx, txnID); err != nil {
			return nil, err
		}
	}
	if err := t.lock(ctx, txnLock(txnID)); err != nil {
		return nil, err
	}
	return t.transaction(ctx, txnID)
}

func (t *memTx) transaction(ctx context.Context, txnID int64) (*domain.Transaction, error) {
	if staged, ok := t.txns[txnID]; ok {
		return &staged, nil
	}
	return t.s.GetTransaction(ctx, txnID)
}

func (t *memTx) TransitionTransaction(ctx context.Context, txnID int64, to domain.Status) (*domain.Transaction, error) {
	current, err := t.GetTransactionForUpdate(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(current.Status, to) {
		return nil, fmt.Errorf("%w: transaction %d is %s", domain.ErrInvalidTransition, txnID, current.Status)
	}
	current.Status = to
	current.UpdatedAt = t.s.now()
	t.txns[txnID] = *current
	return current, nil
}
