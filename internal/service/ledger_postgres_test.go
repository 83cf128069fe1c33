package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/models"
	"github.com/punchamoorthee/creditledger/internal/store"
)

// pgFixture runs the ledger against LEDGER_TEST_DB. The database is shared
// with other runs, so emails are unique and the bank limit is set relative
// to whatever supply already exists. Run with -p 1 so packages do not grant
// into the same database at the same time.
type pgFixture struct {
	ledger *Ledger
	store  *store.Postgres
	admin  domain.Caller
	run    int64
}

func newPgFixture(t *testing.T, headroom string) *pgFixture {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_DB")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DB not set")
	}
	ctx := context.Background()
	pg, err := store.NewPostgres(ctx, dsn, 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(pg.Close)
	require.NoError(t, pg.Migrate(ctx))

	run := time.Now().UnixNano()
	u, _, err := pg.CreateUser(ctx, fmt.Sprintf("admin-%d@test.local", run), "hash", true)
	require.NoError(t, err)
	supply, err := pg.SumTotalCredits(ctx)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &pgFixture{
		ledger: NewLedger(pg, supply.Add(d(headroom)), logger),
		store:  pg,
		admin:  domain.Caller{UserID: u.ID, IsAdmin: true},
		run:    run,
	}
}

func (f *pgFixture) email(name string) string {
	return fmt.Sprintf("%s-%d@test.local", name, f.run)
}

func (f *pgFixture) open(t *testing.T, name, total, spendable string) (domain.Caller, *domain.Account) {
	t.Helper()
	ctx := context.Background()
	u, a, err := f.ledger.OpenAccount(ctx, f.email(name), "hash")
	require.NoError(t, err)
	if total != "0" {
		_, err = f.ledger.GrantCredit(ctx, f.admin, models.GrantRequest{Target: f.email(name), Amount: d(total)})
		require.NoError(t, err)
	}
	if spendable != "0" {
		_, err = f.ledger.PromoteToSpendable(ctx, f.admin, models.PromoteRequest{Target: f.email(name), Amount: d(spendable)})
		require.NoError(t, err)
	}
	return domain.Caller{UserID: u.ID}, a
}

func (f *pgFixture) assertBalances(t *testing.T, accountID int64, total, spendable string) {
	t.Helper()
	acc, err := f.store.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	assert.True(t, acc.TotalCredits.Equal(d(total)), "account %d total %s, want %s", accountID, acc.TotalCredits, total)
	assert.True(t, acc.SpendableCredits.Equal(d(spendable)), "account %d spendable %s, want %s", accountID, acc.SpendableCredits, spendable)
}

func TestPostgresConcurrentGrantsNeverExceedLimit(t *testing.T) {
	f := newPgFixture(t, "100")
	ctx := context.Background()
	for i := range 5 {
		f.open(t, fmt.Sprintf("grant%d", i), "0", "0")
	}
	before, err := f.ledger.SupplySnapshot(ctx, f.admin)
	require.NoError(t, err)

	const attempts = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, refused int
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			target := f.email(fmt.Sprintf("grant%d", i%5))
			_, err := f.ledger.GrantCredit(ctx, f.admin, models.GrantRequest{Target: target, Amount: d("7")})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
				return
			}
			assert.ErrorIs(t, err, domain.ErrInvariantViolation)
			refused++
		}()
	}
	wg.Wait()

	assert.Equal(t, 14, ok)
	assert.Equal(t, attempts-14, refused)
	after, err := f.ledger.SupplySnapshot(ctx, f.admin)
	require.NoError(t, err)
	assert.True(t, after.Total.Sub(before.Total).Equal(d("98")), "supply grew by %s", after.Total.Sub(before.Total))
	assert.False(t, after.Headroom.IsNegative())
}

func TestPostgresConcurrentDoubleApproveSettlesOnce(t *testing.T) {
	f := newPgFixture(t, "1000")
	ctx := context.Background()
	alice, a := f.open(t, "alice", "100", "100")
	_, b := f.open(t, "bob", "0", "0")

	req, err := f.ledger.RequestTransfer(ctx, alice, models.TransferRequest{To: f.email("bob"), Amount: d("30")})
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

func TestPostgresOpposingApprovalsDoNotDeadlock(t *testing.T) {
	f := newPgFixture(t, "1000")
	ctx := context.Background()
	alice, a := f.open(t, "alice", "100", "100")
	bob, b := f.open(t, "bob", "100", "100")

	var ids []int64
	for range 10 {
		ab, err := f.ledger.RequestTransfer(ctx, alice, models.TransferRequest{To: f.email("bob"), Amount: d("1")})
		require.NoError(t, err)
		ba, err := f.ledger.RequestTransfer(ctx, bob, models.TransferRequest{To: f.email("alice"), Amount: d("2")})
		require.NoError(t, err)
		ids = append(ids, ab.ID, ba.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.ApproveTransfer(ctx, f.admin, id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// alice: -10 sent, +20 received. bob: the mirror image.
	f.assertBalances(t, a.ID, "110", "110")
	f.assertBalances(t, b.ID, "90", "90")
}
