package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/models"
	"github.com/punchamoorthee/creditledger/internal/store"
)

const promoteComment = "made spendable"

// GrantCredit mints credit into an account's total balance only. The grant
// is refused if it would push global supply past the bank limit.
func (l *Ledger) GrantCredit(ctx context.Context, caller domain.Caller, req models.GrantRequest) (*domain.Transaction, error) {
	if err := caller.RequireAdmin(); err != nil {
		return nil, l.finish(ctx, "grant_credit", err)
	}
	if err := validAmount(req.Amount); err != nil {
		return nil, l.finish(ctx, "grant_credit", err)
	}

	var txn *domain.Transaction
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		target, err := tx.ResolveAccount(ctx, req.Target)
		if err != nil {
			return err
		}
		if err := l.supply.Check(ctx, tx, req.Amount); err != nil {
			return err
		}
		if _, err := tx.GetAccountForUpdate(ctx, target.ID); err != nil {
			return err
		}
		if _, err := tx.AdjustBalances(ctx, target.ID, req.Amount, decimal.Zero); err != nil {
			return err
		}

		txn = &domain.Transaction{
			Type:         domain.TxnAdminCredit,
			Status:       domain.StatusCompleted,
			Amount:       req.Amount,
			ToAccountID:  domain.Ptr(target.ID),
			AdminComment: comment(req.Note, ""),
		}
		_, err = tx.AppendTransaction(ctx, txn)
		return err
	})
	if err != nil {
		return nil, l.finish(ctx, "grant_credit", err, "target", req.Target, "admin_id", caller.UserID)
	}
	l.finish(ctx, "grant_credit", nil, "txn_id", txn.ID, "account_id", *txn.ToAccountID, "amount", txn.Amount, "admin_id", caller.UserID)
	return txn, nil
}

// PromoteToSpendable releases part of the locked portion (total - spendable)
// into spendable. Total credits do not change.
func (l *Ledger) PromoteToSpendable(ctx context.Context, caller domain.Caller, req models.PromoteRequest) (*domain.Transaction, error) {
	if err := caller.RequireAdmin(); err != nil {
		return nil, l.finish(ctx, "promote_to_spendable", err)
	}
	if err := validAmount(req.Amount); err != nil {
		return nil, l.finish(ctx, "promote_to_spendable", err)
	}

	var txn *domain.Transaction
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		target, err := tx.ResolveAccount(ctx, req.Target)
		if err != nil {
			return err
		}
		acc, err := tx.GetAccountForUpdate(ctx, target.ID)
		if err != nil {
			return err
		}
		if locked := acc.Locked(); req.Amount.GreaterThan(locked) {
			return fmt.Errorf("%w: account %d has %s available to promote, requested %s",
				domain.ErrInsufficientTotalCredits, acc.ID, locked, req.Amount)
		}
		if _, err := tx.AdjustBalances(ctx, acc.ID, decimal.Zero, req.Amount); err != nil {
			return err
		}

		txn = &domain.Transaction{
			Type:         domain.TxnAdminAdjustment,
			Status:       domain.StatusCompleted,
			Amount:       req.Amount,
			ToAccountID:  domain.Ptr(acc.ID),
			AdminComment: comment(req.Note, promoteComment),
		}
		_, err = tx.AppendTransaction(ctx, txn)
		return err
	})
	if err != nil {
		return nil, l.finish(ctx, "promote_to_spendable", err, "target", req.Target, "admin_id", caller.UserID)
	}
	l.finish(ctx, "promote_to_spendable", nil, "txn_id", txn.ID, "account_id", *txn.ToAccountID, "amount", txn.Amount, "admin_id", caller.UserID)
	return txn, nil
}

// SupplySnapshot reports committed global credit against the bank limit.
func (l *Ledger) SupplySnapshot(ctx context.Context, caller domain.Caller) (domain.Supply, error) {
	if err := caller.RequireAdmin(); err != nil {
		return domain.Supply{}, err
	}
	return l.supply.Snapshot(ctx, l.store)
}

func comment(note, fallback string) *string {
	switch {
	case note != "":
		return &note
	case fallback != "":
		return &fallback
	}
	return nil
}
