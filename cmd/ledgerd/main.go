package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/example/ledger-infra/internal/api"
	"github.com/example/ledger-infra/internal/config"
	"github.com/example/ledger-infra/internal/ledger"
	"github.com/example/ledger-infra/internal/migrate"
	"github.com/example/ledger-infra/pkg/audit"
)

const auditTailSize = 1024

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	var log *zap.Logger
	if cfg.Environment == "production" || cfg.Environment == "staging" {
		log, err = zap.NewProduction()
	} else {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer store.Close()

	runner, err := migrate.NewRunner(store.MigrationBackend(), store.Migrations(), log)
	if err != nil {
		log.Fatal("invalid migration set", zap.Error(err))
	}
	if err := runner.Update(ctx, 0); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}

	service := ledger.NewService(store, log)

	handler := api.NewRouter(api.Dependencies{
		Logger:  log,
		Ledger:  service,
		Auditor: audit.NewChainLogger(auditTailSize),
	})

	var scheduler *cron.Cron
	if cfg.HistorySchedule != "" {
		scheduler = cron.New()
		_, err := scheduler.AddFunc(cfg.HistorySchedule, func() {
			if _, err := service.UpdateHistory(ctx); err != nil {
				log.Error("scheduled history snapshot failed", zap.Error(err))
			}
		})
		if err != nil {
			log.Fatal("invalid HISTORY_SCHEDULE", zap.Error(err))
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		log.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", zap.Error(err))
		}
		cancel()
	}()

	log.Info("ledgerd listening", zap.String("addr", cfg.ListenAddr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	if cfg.UsesPostgres() {
		return ledger.OpenPostgres(ctx, cfg.DatabaseURL)
	}
	return ledger.OpenSQLite(cfg.DatabaseURL)
}
