package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/greenproof/internal/config"
	"example.com/greenproof/internal/ledger"
	persistence "example.com/greenproof/internal/persistence/postgres"
	"example.com/greenproof/internal/rewarder"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	wallets := persistence.NewWalletStore(pool)

	rewardLedger, err := ledger.New(cfg.LedgerEndpoint, wallets,
		ledger.WithConfirmationRounds(cfg.LedgerConfirmRounds),
		ledger.WithPollInterval(cfg.LedgerPollInterval),
	)
	if err != nil {
		log.Fatalf("failed to initialise ledger client: %v", err)
	}

	manager := rewarder.NewManager(pool, rewardLedger, wallets, cfg.RewardMaxRetries, cfg.RewardBaseDelay)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		log.Printf("rewarder metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	ticker := time.NewTicker(cfg.RewarderPollInterval)
	defer ticker.Stop()

	log.Printf("rewarder started (interval=%s, maxRetries=%d)", cfg.RewarderPollInterval, cfg.RewardMaxRetries)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ctx.Done():
			goto shutdown
		case <-ticker.C:
			resolved, err := manager.RunOnce(ctx, cfg.RewarderBatchSize)
			if err != nil {
				log.Printf("rewarder error: %v", err)
			} else if resolved > 0 {
				log.Printf("rewarder resolved %d attempts", resolved)
			}
			rewarder.UpdateBacklogGauge(ctx, pool)
		case <-stop:
			log.Println("rewarder received shutdown signal")
			cancel()
			goto shutdown
		}
	}

shutdown:
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}
}
