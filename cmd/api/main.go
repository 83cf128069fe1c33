package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchamoorthee/creditledger/internal/api"
	"github.com/punchamoorthee/creditledger/internal/auth"
	"github.com/punchamoorthee/creditledger/internal/config"
	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/service"
	"github.com/punchamoorthee/creditledger/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledgerStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("unable to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer ledgerStore.Close()

	if err := bootstrapAdmin(ctx, ledgerStore, cfg); err != nil {
		logger.Error("admin bootstrap failed", "error", err)
		os.Exit(1)
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, idempotency keys disabled", "addr", cfg.RedisAddr, "error", err)
			rdb.Close()
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	// Initialize Layers
	ledger := service.NewLedger(ledgerStore, cfg.BankLimit, logger)
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
	handler := api.NewHandler(ledger, tokens, api.Options{
		BcryptCost: cfg.BcryptCost,
		Redis:      rdb,
		Logger:     logger,
	})

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := ledgerStore.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	handler.Routes(r.PathPrefix("/api").Subrouter())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("server starting", "port", cfg.Port, "env", cfg.Env, "store", cfg.StoreDriver, "bank_limit", cfg.BankLimit)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.StoreDriver == config.DriverMemory {
		return store.NewMemory(store.WithLockTimeout(cfg.LockTimeout)), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.DBSource, cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

func bootstrapAdmin(ctx context.Context, s store.Store, cfg *config.Config) error {
	if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
		return nil
	}
	hash, err := auth.HashPassword(cfg.AdminPassword, cfg.BcryptCost)
	if err != nil {
		return err
	}
	u, _, err := s.CreateUser(ctx, cfg.AdminEmail, hash, true)
	switch {
	case errors.Is(err, domain.ErrAlreadyExists):
		return nil
	case err != nil:
		return fmt.Errorf("create admin %q: %w", cfg.AdminEmail, err)
	}
	slog.Info("admin user created", "user_id", u.ID, "email", u.Email)
	return nil
}
