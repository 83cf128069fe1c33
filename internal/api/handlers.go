package api

import (
	"encoding/json"
	"errors"
	"iter"
	"net/http"

	"github.com/punchamoorthee/creditledger/internal/auth"
	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/models"
)

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.Credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "email & password required")
		return
	}
	hash, err := auth.HashPassword(req.Password, h.bcryptCost)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	u, a, err := h.ledger.OpenAccount(r.Context(), req.Email, hash)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, models.NewProfile(u, a))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.Credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "email & password required")
		return
	}
	u, err := h.ledger.FindUser(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			respondError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.respondLedgerError(w, r, err)
		return
	}
	if err := auth.CheckPassword(u.PasswordHash, req.Password); err != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := h.tokens.Issue(u)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.TokenResponse{Token: token})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u, a, err := h.ledger.Profile(r.Context(), callerOf(r))
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.NewProfile(u, a))
}

func (h *Handler) RequestTransfer(w http.ResponseWriter, r *http.Request) {
	var req models.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.To == "" {
		respondError(w, http.StatusBadRequest, "toEmail & amount required")
		return
	}
	txn, err := h.ledger.RequestTransfer(r.Context(), callerOf(r), req)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, models.TransactionResponse{OK: true, Transaction: txn})
}

func (h *Handler) MyTransactions(w http.ResponseWriter, r *http.Request) {
	_, a, err := h.ledger.Profile(r.Context(), callerOf(r))
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	h.listTransactions(w, r, a.ID)
}

func (h *Handler) AccountTransactions(w http.ResponseWriter, r *http.Request) {
	h.listTransactions(w, r, pathID(r))
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request, accountID int64) {
	seq, err := h.ledger.ListTransactions(r.Context(), callerOf(r), accountID)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	txns, err := collect(seq)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, txns)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.ledger.GetAccount(r.Context(), callerOf(r), pathID(r))
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, acc)
}

func (h *Handler) GrantCredit(w http.ResponseWriter, r *http.Request) {
	var req models.GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		respondError(w, http.StatusBadRequest, "userEmail & amount required")
		return
	}
	txn, err := h.ledger.GrantCredit(r.Context(), callerOf(r), req)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.TransactionResponse{OK: true, Transaction: txn})
}

func (h *Handler) PromoteToSpendable(w http.ResponseWriter, r *http.Request) {
	var req models.PromoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		respondError(w, http.StatusBadRequest, "userEmail & amount required")
		return
	}
	txn, err := h.ledger.PromoteToSpendable(r.Context(), callerOf(r), req)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.TransactionResponse{OK: true, Transaction: txn})
}

func (h *Handler) PendingTransactions(w http.ResponseWriter, r *http.Request) {
	pending, err := h.ledger.ListPending(r.Context(), callerOf(r))
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	if pending == nil {
		pending = []domain.PendingTransfer{}
	}
	respondJSON(w, http.StatusOK, pending)
}

func (h *Handler) ApproveTransfer(w http.ResponseWriter, r *http.Request) {
	txn, err := h.ledger.ApproveTransfer(r.Context(), callerOf(r), pathID(r))
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.TransactionResponse{OK: true, Transaction: txn})
}

func (h *Handler) RejectTransfer(w http.ResponseWriter, r *http.Request) {
	txn, err := h.ledger.RejectTransfer(r.Context(), callerOf(r), pathID(r))
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.TransactionResponse{OK: true, Transaction: txn})
}

func (h *Handler) Supply(w http.ResponseWriter, r *http.Request) {
	supply, err := h.ledger.SupplySnapshot(r.Context(), callerOf(r))
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, supply)
}

func collect(seq iter.Seq2[domain.Transaction, error]) ([]domain.Transaction, error) {
	txns := []domain.Transaction{}
	for t, err := range seq {
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, nil
}
