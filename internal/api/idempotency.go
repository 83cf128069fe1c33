package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/punchamoorthee/creditledger/internal/domain"
)

const (
	IdempotencyHeader = "Idempotency-Key"

	idempotencyTTL     = 24 * time.Hour
	idempotencyLockTTL = 10 * time.Second
)

const (
	stateProcessing = "processing"
	stateCompleted  = "completed"
)

// idempotencyRecord is the single Redis value kept per key. It is claimed
// with SETNX in the processing state and overwritten with the response once
// the request succeeds.
type idempotencyRecord struct {
	State       string          `json:"state"`
	RequestHash string          `json:"request_hash"`
	Status      int             `json:"status,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// Idempotency replays the stored response for a repeated Idempotency-Key,
// refuses a key reused with a different body, and refuses concurrent
// requests sharing a key. Keys are scoped to the caller. Only 2xx responses
// are kept. A nil client disables the middleware.
func Idempotency(rdb *redis.Client, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rdb == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			caller, _ := domain.CallerFrom(ctx)
			cacheKey := fmt.Sprintf("idempotency:%d:%s", caller.UserID, key)

			body, err := io.ReadAll(r.Body)
			if err != nil {
				respondError(w, http.StatusBadRequest, "Unreadable body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			reqHash := hex.EncodeToString(sum[:])

			claimed, err := claim(ctx, rdb, cacheKey, reqHash)
			if err != nil {
				logger.ErrorContext(ctx, "idempotency claim failed", "key", key, "error", err)
				respondError(w, http.StatusInternalServerError, "Internal Server Error")
				return
			}
			if claimed == nil {
				// A record with the same key was already there.
				existing, err := load(ctx, rdb, cacheKey)
				if err != nil {
					logger.ErrorContext(ctx, "idempotency lookup failed", "key", key, "error", err)
					respondError(w, http.StatusInternalServerError, "Internal Server Error")
					return
				}
				replay(w, existing, reqHash)
				return
			}

			// Cleanup must outlive a client that hangs up mid-request.
			cleanupCtx := context.WithoutCancel(ctx)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK, capture: true}
			next.ServeHTTP(rec, r)

			if rec.status < 200 || rec.status >= 300 {
				if err := rdb.Del(cleanupCtx, cacheKey).Err(); err != nil {
					logger.WarnContext(ctx, "idempotency release failed", "key", key, "error", err)
				}
				return
			}
			record, err := json.Marshal(idempotencyRecord{
				State:       stateCompleted,
				RequestHash: reqHash,
				Status:      rec.status,
				Body:        rec.body,
			})
			if err == nil {
				err = rdb.Set(cleanupCtx, cacheKey, record, idempotencyTTL).Err()
			}
			if err != nil {
				logger.WarnContext(ctx, "idempotency store failed", "key", key, "error", err)
				if err := rdb.Del(cleanupCtx, cacheKey).Err(); err != nil {
					logger.WarnContext(ctx, "idempotency release failed", "key", key, "error", err)
				}
			}
		})
	}
}

// claim stores a processing record for cacheKey unless one exists. It
// returns nil when the key is already taken.
func claim(ctx context.Context, rdb *redis.Client, cacheKey, reqHash string) (*idempotencyRecord, error) {
	rec := idempotencyRecord{State: stateProcessing, RequestHash: reqHash}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	ok, err := rdb.SetNX(ctx, cacheKey, raw, idempotencyLockTTL).Result()
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// load reads the record that beat us to cacheKey. A record that vanished
// in between is reported as still processing.
func load(ctx context.Context, rdb *redis.Client, cacheKey string) (idempotencyRecord, error) {
	raw, err := rdb.Get(ctx, cacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return idempotencyRecord{State: stateProcessing}, nil
	}
	if err != nil {
		return idempotencyRecord{}, err
	}
	var rec idempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return idempotencyRecord{}, fmt.Errorf("decode idempotency record: %w", err)
	}
	return rec, nil
}

func replay(w http.ResponseWriter, rec idempotencyRecord, reqHash string) {
	if rec.RequestHash != "" && rec.RequestHash != reqHash {
		respondError(w, http.StatusUnprocessableEntity, "Key reuse mismatch")
		return
	}
	if rec.State != stateCompleted {
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusConflict, "Request in progress")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Idempotency-Hit", "true")
	w.WriteHeader(rec.Status)
	w.Write(rec.Body)
}
