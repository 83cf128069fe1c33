package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/creditledger/internal/auth"
	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/service"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	ledger     *service.Ledger
	tokens     *auth.Tokens
	bcryptCost int
	redis      *redis.Client
	log        *slog.Logger
}

// Options carries the optional collaborators of a Handler.
type Options struct {
	BcryptCost int
	// Redis enables Idempotency-Key handling on transfer requests when set.
	Redis  *redis.Client
	Logger *slog.Logger
}

func NewHandler(l *service.Ledger, tokens *auth.Tokens, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = 10
	}
	return &Handler{
		ledger:     l,
		tokens:     tokens,
		bcryptCost: opts.BcryptCost,
		redis:      opts.Redis,
		log:        opts.Logger.With("component", "api"),
	}
}

// Routes mounts the ledger routes on r.
func (h *Handler) Routes(r *mux.Router) {
	r.Use(instrument)

	r.HandleFunc("/register", h.Register).Methods(http.MethodPost)
	r.HandleFunc("/login", h.Login).Methods(http.MethodPost)

	user := r.NewRoute().Subrouter()
	user.Use(h.authenticate)
	user.HandleFunc("/me", h.Me).Methods(http.MethodGet)
	user.Handle("/transfer", Idempotency(h.redis, h.log)(http.HandlerFunc(h.RequestTransfer))).Methods(http.MethodPost)
	user.HandleFunc("/transactions", h.MyTransactions).Methods(http.MethodGet)
	user.HandleFunc("/accounts/{id:[0-9]+}", h.GetAccount).Methods(http.MethodGet)
	user.HandleFunc("/accounts/{id:[0-9]+}/transactions", h.AccountTransactions).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(h.authenticate, adminOnly)
	admin.HandleFunc("/add-credit", h.GrantCredit).Methods(http.MethodPost)
	admin.HandleFunc("/make-spendable", h.PromoteToSpendable).Methods(http.MethodPost)
	admin.HandleFunc("/pending-transactions", h.PendingTransactions).Methods(http.MethodGet)
	admin.HandleFunc("/transactions/{id:[0-9]+}/approve", h.ApproveTransfer).Methods(http.MethodPost)
	admin.HandleFunc("/transactions/{id:[0-9]+}/reject", h.RejectTransfer).Methods(http.MethodPost)
	admin.HandleFunc("/supply", h.Supply).Methods(http.MethodGet)
}

// authenticate resolves the bearer token into a domain.Caller on the context.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if header == "" || !ok {
			respondError(w, http.StatusUnauthorized, "missing auth")
			return
		}
		caller, err := h.tokens.Verify(raw)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(domain.WithCaller(r.Context(), caller)))
	})
}

func adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, ok := domain.CallerFrom(r.Context()); !ok || !c.IsAdmin {
			respondError(w, http.StatusForbidden, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request count and latency per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		timer := prometheus.NewTimer(httpLatency.WithLabelValues(r.Method, endpoint))
		defer timer.ObserveDuration()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpReqTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

// statusRecorder captures the status code and, optionally, the body.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	capture bool
	body    []byte
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if rw.capture {
		rw.body = append(rw.body, b...)
	}
	return rw.ResponseWriter.Write(b)
}

// statusFor maps a ledger failure to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrSelfTransfer),
		errors.Is(err, domain.ErrRecipientNotFound),
		errors.Is(err, domain.ErrInsufficientSpendable),
		errors.Is(err, domain.ErrInsufficientTotalCredits),
		errors.Is(err, domain.ErrInvariantViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrLockTimeout):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		respondError(w, code, "Internal Server Error")
		return
	}
	if domain.Retryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	respondError(w, code, err.Error())
}

func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, map[string]string{"error": message})
}

func respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func callerOf(r *http.Request) domain.Caller {
	c, _ := domain.CallerFrom(r.Context())
	return c
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}
