package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/store"
)

// SupplyGuard enforces sum(total_credits) <= limit for operations that mint
// credit.
type SupplyGuard struct {
	limit decimal.Decimal
}

func NewSupplyGuard(limit decimal.Decimal) *SupplyGuard {
	return &SupplyGuard{limit: limit}
}

func (g *SupplyGuard) Limit() decimal.Decimal { return g.limit }

// Check takes the supply lock for the rest of tx and then reads the global
// total, so two concurrent grants can never both pass against the same sum.
func (g *SupplyGuard) Check(ctx context.Context, tx store.Tx, amount decimal.Decimal) error {
	if err := tx.LockSupply(ctx); err != nil {
		return err
	}
	total, err := tx.SumTotalCredits(ctx)
	if err != nil {
		return err
	}
	if after := total.Add(amount); after.GreaterThan(g.limit) {
		return fmt.Errorf("%w: granting %s would raise supply to %s, bank limit is %s",
			domain.ErrInvariantViolation, amount, after, g.limit)
	}
	return nil
}

// Snapshot reports the committed global total against the limit.
func (g *SupplyGuard) Snapshot(ctx context.Context, s store.Store) (domain.Supply, error) {
	total, err := s.SumTotalCredits(ctx)
	if err != nil {
		return domain.Supply{}, err
	}
	return domain.Supply{Total: total, Limit: g.limit, Headroom: g.limit.Sub(total)}, nil
}
