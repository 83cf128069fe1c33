package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/models"
	"github.com/punchamoorthee/creditledger/internal/store"
)

// RequestTransfer records a pending transfer from the caller's account.
// No balance moves and no account row is locked; only approval does that.
func (l *Ledger) RequestTransfer(ctx context.Context, caller domain.Caller, req models.TransferRequest) (*domain.Transaction, error) {
	if err := validAmount(req.Amount); err != nil {
		return nil, l.finish(ctx, "request_transfer", err)
	}

	var txn *domain.Transaction
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		from, err := tx.GetAccountByUser(ctx, caller.UserID)
		if err != nil {
			return err
		}
		to, err := tx.ResolveAccount(ctx, req.To)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("%w: %q", domain.ErrRecipientNotFound, req.To)
			}
			return err
		}
		if from.ID == to.ID {
			return fmt.Errorf("%w: account %d", domain.ErrSelfTransfer, from.ID)
		}

		txn = &domain.Transaction{
			Type:             domain.TxnTransferRequest,
			Status:           domain.StatusPending,
			Amount:           req.Amount,
			FromAccountID:    domain.Ptr(from.ID),
			ToAccountID:      domain.Ptr(to.ID),
			InitiatingUserID: domain.Ptr(caller.UserID),
		}
		_, err = tx.AppendTransaction(ctx, txn)
		return err
	})
	if err != nil {
		return nil, l.finish(ctx, "request_transfer", err, "user_id", caller.UserID)
	}
	l.finish(ctx, "request_transfer", nil, "txn_id", txn.ID, "from", *txn.FromAccountID, "to", *txn.ToAccountID, "amount", txn.Amount)
	return txn, nil
}

// ApproveTransfer settles a pending transfer: the amount leaves the sender's
// spendable and total balances and lands in both of the recipient's.
func (l *Ledger) ApproveTransfer(ctx context.Context, caller domain.Caller, txnID int64) (*domain.Transaction, error) {
	if err := caller.RequireAdmin(); err != nil {
		return nil, l.finish(ctx, "approve_transfer", err)
	}

	var done *domain.Transaction
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		t, err := pendingTransfer(ctx, tx, txnID)
		if err != nil {
			return err
		}
		fromID, toID := *t.FromAccountID, *t.ToAccountID

		accounts, err := lockAccounts(ctx, tx, fromID, toID)
		if err != nil {
			return err
		}
		if from := accounts[fromID]; from.SpendableCredits.LessThan(t.Amount) {
			return fmt.Errorf("%w: account %d has %s spendable, transfer needs %s",
				domain.ErrInsufficientSpendable, fromID, from.SpendableCredits, t.Amount)
		}

		if _, err := tx.AdjustBalances(ctx, fromID, t.Amount.Neg(), t.Amount.Neg()); err != nil {
			return err
		}
		if _, err := tx.AdjustBalances(ctx, toID, t.Amount, t.Amount); err != nil {
			return err
		}

		done, err = tx.TransitionTransaction(ctx, txnID, domain.StatusCompleted)
		return err
	})
	if err != nil {
		return nil, l.finish(ctx, "approve_transfer", err, "txn_id", txnID, "admin_id", caller.UserID)
	}
	l.finish(ctx, "approve_transfer", nil, "txn_id", txnID, "admin_id", caller.UserID, "amount", done.Amount)
	return done, nil
}

// RejectTransfer closes a pending transfer without moving any balance.
func (l *Ledger) RejectTransfer(ctx context.Context, caller domain.Caller, txnID int64) (*domain.Transaction, error) {
	if err := caller.RequireAdmin(); err != nil {
		return nil, l.finish(ctx, "reject_transfer", err)
	}

	var done *domain.Transaction
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := pendingTransfer(ctx, tx, txnID); err != nil {
			return err
		}
		var err error
		done, err = tx.TransitionTransaction(ctx, txnID, domain.StatusRejected)
		return err
	})
	if err != nil {
		return nil, l.finish(ctx, "reject_transfer", err, "txn_id", txnID, "admin_id", caller.UserID)
	}
	l.finish(ctx, "reject_transfer", nil, "txn_id", txnID, "admin_id", caller.UserID)
	return done, nil
}

// pendingTransfer locks the transaction row and checks it can still be
// disposed of.
func pendingTransfer(ctx context.Context, tx store.Tx, txnID int64) (*domain.Transaction, error) {
	t, err := tx.GetTransactionForUpdate(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.StatusPending {
		return nil, fmt.Errorf("%w: transaction %d is %s", domain.ErrInvalidTransition, txnID, t.Status)
	}
	if t.Type != domain.TxnTransferRequest || t.FromAccountID == nil || t.ToAccountID == nil {
		return nil, fmt.Errorf("%w: transaction %d is not a transfer request", domain.ErrInvalidTransition, txnID)
	}
	return t, nil
}

// lockAccounts acquires row locks in ascending id order so that two units of
// work touching the same pair can never wait on each other in a cycle.
func lockAccounts(ctx context.Context, tx store.Tx, ids ...int64) (map[int64]*domain.Account, error) {
	ordered := slices.Clone(ids)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	locked := make(map[int64]*domain.Account, len(ordered))
	for _, id := range ordered {
		a, err := tx.GetAccountForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = a
	}
	return locked, nil
}
