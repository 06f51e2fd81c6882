// Package main is the entry point for the Sentinel webhook-driven trade
// execution gateway. It wires the datastore, every gate and client, the
// dispatcher's HTTP surface, and the two background loops (reconciliation,
// archival), then blocks until an interrupt triggers graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/archival"
	"github.com/aristath/sentinel/internal/audit"
	"github.com/aristath/sentinel/internal/cache"
	"github.com/aristath/sentinel/internal/config"
	"github.com/aristath/sentinel/internal/copytrade"
	"github.com/aristath/sentinel/internal/credentials"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/dispatcher"
	"github.com/aristath/sentinel/internal/mlvalidate"
	"github.com/aristath/sentinel/internal/reconcile"
	"github.com/aristath/sentinel/internal/risk"
	"github.com/aristath/sentinel/internal/strategy"
	"github.com/aristath/sentinel/internal/tracker"
	"github.com/aristath/sentinel/internal/venue"
	"github.com/aristath/sentinel/pkg/logger"
)

// adapterTTL matches the credential cache's TTL, so a cached adapter instance
// is reused no longer than the credential it was built from stays cached.
const adapterTTL = cache.TTLCredential

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{Level: "info", Pretty: true}).Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)
	log.Info().Msg("starting sentinel gateway")

	db, err := database.New(database.Config{Path: cfg.DatabasePath, Profile: database.ProfileLedger, Name: "gateway"})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run schema migrations")
	}

	cacheRepo := cache.NewRepository(db.Conn())
	credStore := credentials.New(db.Conn(), cacheRepo)
	riskGate := risk.New(db.Conn(), cacheRepo)
	strategyStore := strategy.New(db.Conn(), cacheRepo)
	mlClient := mlvalidate.NewClient(cfg.MLServiceURL, log)
	factory := venue.NewFactory(credStore, log, adapterTTL)
	trk := tracker.New()
	sink := audit.New(db.Conn(), log)
	rateLimiter := dispatcher.NewRateLimiter(10, 1) // 10 burst, 1/sec sustained per user

	svc := dispatcher.New(dispatcher.Deps{
		DB:          db.Conn(),
		Creds:       credStore,
		Gate:        riskGate,
		ML:          mlClient,
		Strategies:  strategyStore,
		Factory:     factory,
		Tracker:     trk,
		Sink:        sink,
		RateLimiter: rateLimiter,
		Log:         log,
	})

	// copytrade re-enters the dispatcher per follower, so its Dispatcher
	// dependency can only be wired once svc exists.
	svc.SetFanOut(copytrade.New(db.Conn(), svc, log))

	loop := reconcile.New(trk, factory, sink, riskGate, log)
	loop.Start()
	defer loop.Stop()

	scheduler := startArchivalIfConfigured(cfg, db, log)
	if scheduler != nil {
		defer scheduler.Stop()
	}

	mlReady := func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return mlClient.Ready(ctx)
	}

	startedAt := time.Now()
	router := dispatcher.Router(svc, trk, mlReady, startedAt, log)

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	sink.Close()
	log.Info().Msg("sentinel gateway stopped")
}

// startArchivalIfConfigured wires the optional C12 archival scheduler. A
// missing AWS_S3_BUCKET/AWS_REGION disables archival rather than failing
// startup, per the gateway's env-var contract.
func startArchivalIfConfigured(cfg *config.Config, db *database.DB, log zerolog.Logger) *archival.Scheduler {
	if !cfg.Archival.Enabled() {
		log.Info().Msg("audit archival disabled (AWS_S3_BUCKET/AWS_REGION not set)")
		return nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Archival.Region))
	if err != nil {
		log.Error().Err(err).Msg("failed to load AWS config, archival disabled")
		return nil
	}

	archiver := archival.New(db.Conn(), cfg.Archival.Bucket, s3.NewFromConfig(awsCfg), log)
	scheduler, err := archival.NewScheduler(archiver)
	if err != nil {
		log.Error().Err(err).Msg("failed to build archival scheduler, archival disabled")
		return nil
	}

	scheduler.Start()
	log.Info().Str("bucket", cfg.Archival.Bucket).Msg("audit archival scheduled")
	return scheduler
}
