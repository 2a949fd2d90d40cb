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

	"example.com/greenproof/internal/api"
	"example.com/greenproof/internal/auth"
	"example.com/greenproof/internal/capture"
	"example.com/greenproof/internal/classify"
	"example.com/greenproof/internal/config"
	"example.com/greenproof/internal/domain"
	"example.com/greenproof/internal/ledger"
	"example.com/greenproof/internal/outbox"
	persistence "example.com/greenproof/internal/persistence/postgres"
	"example.com/greenproof/internal/policy"
	"example.com/greenproof/internal/sensor"
	httptransport "example.com/greenproof/internal/transport/http"
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

	repo := persistence.NewRepository(pool)
	wallets := persistence.NewWalletStore(pool)

	rewardLedger, err := ledger.New(cfg.LedgerEndpoint, wallets,
		ledger.WithConfirmationRounds(cfg.LedgerConfirmRounds),
		ledger.WithPollInterval(cfg.LedgerPollInterval),
	)
	if err != nil {
		log.Fatalf("failed to initialise ledger client: %v", err)
	}

	catalog := policy.DefaultCatalog()
	if cfg.PolicyPath != "" {
		catalog, err = policy.Load(cfg.PolicyPath)
		if err != nil {
			log.Fatalf("failed to load verification policy: %v", err)
		}
	}

	classifier := classify.NewClient(cfg.ClassifierURL, cfg.ClassifierTimeout)

	// Simulated devices back the capture pipeline; field hardware connects
	// through the same Geolocator and Camera interfaces.
	geolocator := &sensor.SimGeolocator{
		Fix: domain.LocationFix{Latitude: 52.520008, Longitude: 13.404954, AccuracyMeters: 12},
	}
	camera := &sensor.SimCamera{Frames: [][]byte{[]byte("sim-frame")}}

	orchestrator := capture.NewOrchestrator(
		geolocator,
		camera,
		classifier,
		catalog,
		rewardLedger,
		wallets,
		repo,
		capture.Config{
			LocationTimeout:   cfg.LocationTimeout,
			MaxAccuracyMeters: cfg.MaxAccuracyMeters,
			MaxRetakes:        cfg.CaptureMaxRetakes,
			SessionRetention:  cfg.CaptureSessionRetention,
		},
	)

	producer := outbox.NewEventProducer(cfg.KafkaBrokers)
	defer producer.Close()

	registry := outbox.NewSchemaRegistry(cfg.SchemaRegistryURL)
	dispatcher := outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize)

	go dispatcher.Start(ctx)

	handler := api.NewHandler(orchestrator, wallets)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	// Simple CORS middleware for local dev
	cors := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "http://localhost:5173")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	// Basic request logger
	logger := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("%s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, authMiddleware.Wrap(logger(cors(mux))))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("greenproof api listening on %s", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	dispatcher.Wait()
}
