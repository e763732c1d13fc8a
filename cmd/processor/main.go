package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/fieldops/incidentpipe/internal/config"
	"github.com/fieldops/incidentpipe/internal/fxrate"
	"github.com/fieldops/incidentpipe/internal/ingest"
	"github.com/fieldops/incidentpipe/internal/ledger"
	"github.com/fieldops/incidentpipe/internal/mapper"
	"github.com/fieldops/incidentpipe/internal/notify"
	"github.com/fieldops/incidentpipe/internal/objstore"
	"github.com/fieldops/incidentpipe/internal/outcomedb"
	"github.com/fieldops/incidentpipe/internal/pipeline"
	"github.com/fieldops/incidentpipe/internal/weather"
	"github.com/fieldops/incidentpipe/internal/webhook"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.LoadFromEnv()
	if cfg.Bucket == "" {
		log.Fatalf("OBJSTORE_BUCKET_NAME is required")
	}
	if cfg.IngestURL == "" {
		log.Fatalf("INGEST_SERVICE_URL is required")
	}
	if cfg.CallbackURL == "" {
		log.Fatalf("INGEST_CALLBACK_URL is required")
	}

	ctx := context.Background()

	store, err := objstore.NewS3Store(ctx, objstore.S3Config{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.Bucket,
	})
	if err != nil {
		log.Fatalf("failed to initialize object store: %v", err)
	}
	log.Printf("[processor] bucket=%s incoming=%s processed=%s", cfg.Bucket, cfg.IncomingPrefix, cfg.ProcessedPrefix)

	ledgerStore := ledger.New(cfg.LedgerPath, cfg.LockWait)

	enricher := weather.New(weather.Config{
		Enabled:       cfg.WeatherEnabled,
		BaseURL:       cfg.WeatherBaseURL,
		Timeout:       cfg.WeatherTimeout,
		CacheTTL:      cfg.WeatherCacheTTL,
		RoundDecimals: cfg.WeatherDecimals,
		RPS:           cfg.WeatherRPS,
		BatchBudget:   cfg.WeatherBatchBudget,
		FailStreakMax: cfg.WeatherFailMax,
		Cooldown:      cfg.WeatherCooldown,
	})
	if cfg.WeatherEnabled {
		log.Printf("[processor] weather enrichment enabled (rps=%.1f budget=%d)", cfg.WeatherRPS, cfg.WeatherBatchBudget)
	}

	rates := fxrate.New(cfg.FXRPCURL, cfg.FXFallbackURL, cfg.FXTimeout)

	ingestClient, err := ingest.NewClient(ingest.ClientConfig{
		BaseURL: cfg.IngestURL,
		Timeout: cfg.IngestTimeout,
		Retries: cfg.IngestRetries,
	})
	if err != nil {
		log.Fatalf("failed to initialize ingest client: %v", err)
	}

	coordinator := &pipeline.Coordinator{
		Store: store,
		Mapper: &mapper.Mapper{
			Version:       cfg.MapperVersion,
			Enricher:      enricher,
			ProgressEvery: 10000,
		},
		Ingest:        ingestClient,
		Ledger:        ledgerStore,
		Enricher:      enricher,
		TmpDir:        cfg.TmpDir,
		StagingPrefix: cfg.StagingPrefix,
		CallbackURL:   cfg.CallbackURL,
		MapperVersion: cfg.MapperVersion,
		Namespace:     cfg.CorrelationNS,
	}

	finalizer := &pipeline.Finalizer{
		Store:           store,
		Ledger:          ledgerStore,
		ProcessedPrefix: cfg.ProcessedPrefix,
	}

	// Optional outcome sinks: Kafka notifier and Postgres recorder.
	var notifier *notify.KafkaNotifier
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic != "" {
		notifier, err = notify.NewKafkaNotifier(notify.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("failed to initialize kafka notifier: %v", err)
		}
		finalizer.Notifier = notifier
		log.Printf("[processor] kafka notifier initialized (brokers=%s topic=%s)",
			strings.Join(cfg.KafkaBrokers, ","), cfg.KafkaTopic)
	} else {
		log.Println("[processor] kafka notifier disabled (KAFKA_BROKERS and KAFKA_TOPIC must be set to enable)")
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			cancel()
			log.Fatalf("failed to ping postgres: %v", err)
		}
		cancel()
		finalizer.Recorder = outcomedb.NewRecorder(db)
		log.Println("[processor] postgres outcome recorder initialized")
	} else {
		log.Println("[processor] postgres outcome recorder disabled (DATABASE_URL not set)")
	}

	// Callback receiver
	srv := &http.Server{
		Addr:         cfg.WebhookAddr,
		Handler:      webhook.New(ledgerStore, cfg.WebhookEventKey).Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Printf("[webhook] listening on %s", cfg.WebhookAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("webhook server failed: %v", err)
		}
	}()

	// Poll loop
	runner := &pipeline.Runner{
		Store:          store,
		Ledger:         ledgerStore,
		Finalizer:      finalizer,
		Coordinator:    coordinator,
		Rates:          rates,
		IncomingPrefix: cfg.IncomingPrefix,
		Interval:       cfg.PollInterval,
	}
	loopCtx, loopCancel := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := runner.Run(loopCtx); err != nil && err != context.Canceled {
			log.Printf("[processor] poll loop exited with error: %v", err)
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down...")

	loopCancel()
	select {
	case <-loopDone:
	case <-time.After(30 * time.Second):
		log.Println("poll loop did not stop in time")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("webhook shutdown error: %v", err)
	}

	if notifier != nil {
		_ = notifier.Close()
	}
	if db != nil {
		_ = db.Close()
	}
	log.Println("processor stopped")
}
