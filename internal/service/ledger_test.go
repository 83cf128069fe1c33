package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/models"
	"github.com/punchamoorthee/creditledger/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	ledger *Ledger
	store  *store.Memory
	admin  domain.Caller
}

func newFixture(t *testing.T, bankLimit string) *fixture {
	t.Helper()
	s := store.NewMemory(store.WithLockTimeout(2 * time.Second))
	u, _, err := s.CreateUser(context.Background(), "admin@example.com", "hash", true)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		ledger: NewLedger(s, d(bankLimit), logger),
		store:  s,
		admin:  domain.Caller{UserID: u.ID, IsAdmin: true},
	}
}

// open registers a user and gives it the requested balances through a grant
// followed by a promotion.
func (f *fixture) open(t *testing.T, email, total, spendable string) (domain.Caller, *domain.Account) {
	t.Helper()
	ctx := context.Background()
	u, a, err := f.ledger.OpenAccount(ctx, email, "hash")
	require.NoError(t, err)
	if total != "0" {
		_, err = f.ledger.GrantCredit(ctx, f.admin, models.GrantRequest{Target: email, Amount: d(total)})
		require.NoError(t, err)
	}
	if spendable != "0" {
		_, err = f.ledger.PromoteToSpendable(ctx, f.admin, models.PromoteRequest{Target: email, Amount: d(spendable)})
		require.NoError(t, err)
	}
	return domain.Caller{UserID: u.ID}, a
}

func (f *fixture) balances(t *testing.T, accountID int64) (decimal.Decimal, decimal.Decimal) {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	return a.TotalCredits, a.SpendableCredits
}

func (f *fixture) assertBalances(t *testing.T, accountID int64, total, spendable string) {
	t.Helper()
	gotTotal, gotSpendable := f.balances(t, accountID)
	assert.True(t, gotTotal.Equal(d(total)), "account %d total: want %s, got %s", accountID, total, gotTotal)
	assert.True(t, gotSpendable.Equal(d(spendable)), "account %d spendable: want %s, got %s", accountID, spendable, gotSpendable)
}

func TestApproveTransferMovesBothTiers(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	alice, a := f.open(t, "a@example.com", "100", "40")
	_, b := f.open(t, "b@example.com", "10", "10")

	req, err := f.ledger.RequestTransfer(ctx, alice, models.TransferRequest{To: "b@example.com", Amount: d("25")})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, req.Status)
	assert.Equal(t, alice.UserID, *req.InitiatingUserID)
	// Requesting moves nothing.
	f.assertBalances(t, a.ID, "100", "40")

	done, err := f.ledger.ApproveTransfer(ctx, f.admin, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)

	f.assertBalances(t, a.ID, "75", "15")
	f.assertBalances(t, b.ID, "35", "35")

	_, err = f.ledger.ApproveTransfer(ctx, f.admin, req.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.ledger.RejectTransfer(ctx, f.admin, req.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	f.assertBalances(t, a.ID, "75", "15")
}

func TestApproveInsufficientSpendableLeavesRequestPending(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	alice, a := f.open(t, "a@example.com", "100", "10")
	_, b := f.open(t, "b@example.com", "0", "0")

	req, err := f.ledger.RequestTransfer(ctx, alice, models.TransferRequest{To: "b@example.com", Amount: d("25")})
	require.NoError(t, err)

	_, err = f.ledger.ApproveTransfer(ctx, f.admin, req.ID)
	require.ErrorIs(t, err, domain.ErrInsufficientSpendable)

	f.assertBalances(t, a.ID, "100", "10")
	f.assertBalances(t, b.ID, "0", "0")
	got, err := f.store.GetTransaction(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)

	rejected, err := f.ledger.RejectTransfer(ctx, f.admin, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, rejected.Status)
	f.assertBalances(t, a.ID, "100", "10")
}

func TestRequestTransferValidation(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	alice, a := f.open(t, "a@example.com", "10", "10")
	f.open(t, "b@example.com", "0", "0")

	tests := []struct {
		name    string
		req     models.TransferRequest
		wantErr error
	}{
		{"zero amount", models.TransferRequest{To: "b@example.com", Amount: d("0")}, domain.ErrInvalidAmount},
		{"negative amount", models.TransferRequest{To: "b@example.com", Amount: d("-5")}, domain.ErrInvalidAmount},
		{"sub-cent amount", models.TransferRequest{To: "b@example.com", Amount: d("0.001")}, domain.ErrInvalidAmount},
		{"unknown recipient", models.TransferRequest{To: "nobody@example.com", Amount: d("1")}, domain.ErrRecipientNotFound},
		{"unknown account id", models.TransferRequest{To: "9999", Amount: d("1")}, domain.ErrRecipientNotFound},
		{"self by email", models.TransferRequest{To: "A@example.com", Amount: d("1")}, domain.ErrSelfTransfer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.RequestTransfer(ctx, alice, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// A request larger than the current spendable balance is accepted; the
	// check happens at approval.
	_, err := f.ledger.RequestTransfer(ctx, alice, models.TransferRequest{To: "b@example.com", Amount: d("500")})
	assert.NoError(t, err)

	pending, err := f.ledger.ListPending(ctx, f.admin)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, *pending[0].FromAccountID)
	assert.Equal(t, "b@example.com", pending[0].ToEmail)
}

func TestGrantCreditRespectsBankLimit(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	_, a := f.open(t, "a@example.com", "990", "0")

	_, err := f.ledger.GrantCredit(ctx, f.admin, models.GrantRequest{Target: "a@example.com", Amount: d("20")})
	require.ErrorIs(t, err, domain.ErrInvariantViolation)
	f.assertBalances(t, a.ID, "990", "0")

	txn, err := f.ledger.GrantCredit(ctx, f.admin, models.GrantRequest{Target: "a@example.com", Amount: d("10"), Note: "top up"})
	require.NoError(t, err)
	assert.Equal(t, domain.TxnAdminCredit, txn.Type)
	assert.Equal(t, domain.StatusCompleted, txn.Status)
	assert.Nil(t, txn.InitiatingUserID)
	require.NotNil(t, txn.AdminComment)
	assert.Equal(t, "top up", *txn.AdminComment)
	f.assertBalances(t, a.ID, "1000", "0")

	supply, err := f.ledger.SupplySnapshot(ctx, f.admin)
	require.NoError(t, err)
	assert.True(t, supply.Total.Equal(d("1000")))
	assert.True(t, supply.Headroom.IsZero())
}

func TestGrantCreditByAccountID(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	_, a := f.open(t, "a@example.com", "0", "0")

	_, err := f.ledger.GrantCredit(ctx, f.admin, models.GrantRequest{Target: "7777", Amount: d("1")})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.ledger.GrantCredit(ctx, f.admin, models.GrantRequest{Target: fmt.Sprint(a.ID), Amount: d("1.50")})
	require.NoError(t, err)
	f.assertBalances(t, a.ID, "1.50", "0")
}

func TestPromoteToSpendable(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	_, a := f.open(t, "a@example.com", "30", "10")

	_, err := f.ledger.PromoteToSpendable(ctx, f.admin, models.PromoteRequest{Target: "a@example.com", Amount: d("50")})
	require.ErrorIs(t, err, domain.ErrInsufficientTotalCredits)
	f.assertBalances(t, a.ID, "30", "10")

	txn, err := f.ledger.PromoteToSpendable(ctx, f.admin, models.PromoteRequest{Target: "a@example.com", Amount: d("20")})
	require.NoError(t, err)
	assert.Equal(t, domain.TxnAdminAdjustment, txn.Type)
	require.NotNil(t, txn.AdminComment)
	assert.Equal(t, promoteComment, *txn.AdminComment)
	f.assertBalances(t, a.ID, "30", "30")

	_, err = f.ledger.PromoteToSpendable(ctx, f.admin, models.PromoteRequest{Target: "a@example.com", Amount: d("0.01")})
	assert.ErrorIs(t, err, domain.ErrInsufficientTotalCredits)
}

func TestAdminOperationsRequireAdmin(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	alice, _ := f.open(t, "a@example.com", "10", "10")
	f.open(t, "b@example.com", "0", "0")

	req, err := f.ledger.RequestTransfer(ctx, alice, models.TransferRequest{To: "b@example.com", Amount: d("1")})
	require.NoError(t, err)

	_, err = f.ledger.GrantCredit(ctx, alice, models.GrantRequest{Target: "a@example.com", Amount: d("1")})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.ledger.PromoteToSpendable(ctx, alice, models.PromoteRequest{Target: "a@example.com", Amount: d("1")})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.ledger.ApproveTransfer(ctx, alice, req.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.ledger.RejectTransfer(ctx, alice, req.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.ledger.ListPending(ctx, alice)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.ledger.SupplySnapshot(ctx, alice)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestApproveRejectsNonTransfer(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	_, a := f.open(t, "a@example.com", "0", "0")

	grant, err := f.ledger.GrantCredit(ctx, f.admin, models.GrantRequest{Target: "a@example.com", Amount: d("5")})
	require.NoError(t, err)

	_, err = f.ledger.ApproveTransfer(ctx, f.admin, grant.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.ledger.ApproveTransfer(ctx, f.admin, 424242)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	f.assertBalances(t, a.ID, "5", "0")
}

func TestAccountVisibility(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	alice, a := f.open(t, "a@example.com", "10", "5")
	bob, b := f.open(t, "b@example.com", "0", "0")

	_, err := f.ledger.RequestTransfer(ctx, alice, models.TransferRequest{To: "b@example.com", Amount: d("1")})
	require.NoError(t, err)

	got, err := f.ledger.GetAccount(ctx, alice, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = f.ledger.GetAccount(ctx, bob, a.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.ledger.ListTransactions(ctx, bob, a.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	seq, err := f.ledger.ListTransactions(ctx, f.admin, a.ID)
	require.NoError(t, err)
	var types []domain.TxnType
	for txn, err := range seq {
		require.NoError(t, err)
		types = append(types, txn.Type)
	}
	assert.Equal(t, []domain.TxnType{domain.TxnTransferRequest, domain.TxnAdminAdjustment, domain.TxnAdminCredit}, types)

	seq, err = f.ledger.ListTransactions(ctx, bob, b.ID)
	require.NoError(t, err)
	var n int
	for range seq {
		n++
	}
	assert.Equal(t, 1, n)

	u, acc, err := f.ledger.Profile(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", u.Email)
	assert.Equal(t, a.ID, acc.ID)
}

func TestOpenAccountDuplicateEmail(t *testing.T) {
	f := newFixture(t, "1000")
	f.open(t, "a@example.com", "0", "0")
	_, _, err := f.ledger.OpenAccount(context.Background(), "A@Example.com", "hash")
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestConcurrentApprovalsShareAccount(t *testing.T) {
	f := newFixture(t, "100000")
	ctx := context.Background()
	hub, h := f.open(t, "hub@example.com", "1000", "1000")

	const n = 20
	peers := make([]*domain.Account, n)
	var ids []int64
	for i := range n {
		caller, acc := f.open(t, emailN(i), "50", "50")
		peers[i] = acc
		// Transfers in both directions through the hub account.
		out, err := f.ledger.RequestTransfer(ctx, hub, models.TransferRequest{To: emailN(i), Amount: d("10")})
		require.NoError(t, err)
		in, err := f.ledger.RequestTransfer(ctx, caller, models.TransferRequest{To: "hub@example.com", Amount: d("5")})
		require.NoError(t, err)
		ids = append(ids, out.ID, in.ID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.ApproveTransfer(ctx, f.admin, id)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	// Hub sends 20*10 and receives 20*5.
	f.assertBalances(t, h.ID, "900", "900")
	for _, p := range peers {
		f.assertBalances(t, p.ID, "55", "55")
	}
	supply, err := f.ledger.SupplySnapshot(ctx, f.admin)
	require.NoError(t, err)
	assert.True(t, supply.Total.Equal(d("2000")), "supply %s", supply.Total)
}

func TestConcurrentGrantsNeverExceedLimit(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	for i := range 5 {
		f.open(t, emailN(i), "0", "0")
	}

	const attempts = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, refused int
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.GrantCredit(ctx, f.admin, models.GrantRequest{Target: emailN(i % 5), Amount: d("7")})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			default:
				assert.ErrorIs(t, err, domain.ErrInvariantViolation)
				refused++
			}
		}()
	}
	wg.Wait()

	// 14 * 7 = 98 fits under 100; a fifteenth grant would not.
	assert.Equal(t, 14, ok)
	assert.Equal(t, attempts-14, refused)
	supply, err := f.ledger.SupplySnapshot(ctx, f.admin)
	require.NoError(t, err)
	assert.True(t, supply.Total.Equal(d("98")), "supply %s", supply.Total)
}

func TestConcurrentDoubleApproveSettlesOnce(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	alice, a := f.open(t, "a@example.com", "100", "100")
	_, b := f.open(t, "b@example.com", "0", "0")

	req, err := f.ledger.RequestTransfer(ctx, alice, models.TransferRequest{To: "b@example.com", Amount: d("30")})
	require.NoError(t, err)

	const racers = 10
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.ledger.ApproveTransfer(ctx, f.admin, req.ID)
			} else {
				_, err = f.ledger.RejectTransfer(ctx, f.admin, req.ID)
			}
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins int
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	}
	assert.Equal(t, 1, wins)

	got, err := f.store.GetTransaction(ctx, req.ID)
	require.NoError(t, err)
	switch got.Status {
	case domain.StatusCompleted:
		f.assertBalances(t, a.ID, "70", "70")
		f.assertBalances(t, b.ID, "30", "30")
	case domain.StatusRejected:
		f.assertBalances(t, a.ID, "100", "100")
		f.assertBalances(t, b.ID, "0", "0")
	default:
		t.Fatalf("transaction left %s", got.Status)
	}
}

func TestValidAmount(t *testing.T) {
	assert.NoError(t, validAmount(d("0.01")))
	assert.NoError(t, validAmount(d("12.50")))
	assert.NoError(t, validAmount(d("12.500")))
	assert.ErrorIs(t, validAmount(d("0")), domain.ErrInvalidAmount)
	assert.ErrorIs(t, validAmount(d("-0.01")), domain.ErrInvalidAmount)
	assert.ErrorIs(t, validAmount(d("0.005")), domain.ErrInvalidAmount)
	assert.NoError(t, validAmount(domain.MaxAmount))
	assert.ErrorIs(t, validAmount(d("1000000000000000000")), domain.ErrInvalidAmount)
	assert.ErrorIs(t, validAmount(d("1e30")), domain.ErrInvalidAmount)
}

func emailN(i int) string {
	return fmt.Sprintf("user%d@example.com", i)
}
