// captionsyncd serves the collaborative video-annotation synchronization
// core: lock lifecycle, caption CRUD, websocket sync sessions, periodic
// checkpointing, and the versioned frameset publication workflow.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/captionsync/core/internal/auth"
	"github.com/captionsync/core/internal/checkpointer"
	"github.com/captionsync/core/internal/config"
	"github.com/captionsync/core/internal/frameset"
	"github.com/captionsync/core/internal/httpapi"
	"github.com/captionsync/core/internal/lockmanager"
	"github.com/captionsync/core/internal/objectstore"
	"github.com/captionsync/core/internal/pubsub"
	"github.com/captionsync/core/internal/registry"
	"github.com/captionsync/core/internal/system"
	"github.com/captionsync/core/internal/workingcopy"

	"os/signal"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("captionsyncd: fatal error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.Username, cfg.Postgres.Password, cfg.Postgres.Database, cfg.Postgres.SSLMode)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}

	reg := registry.New(db)
	if cfg.Postgres.AutoMigrate {
		if err := reg.AutoMigrate(); err != nil {
			return fmt.Errorf("auto-migrate: %w", err)
		}
	}

	gateway, err := objectstore.NewFromConfig(ctx, cfg.ObjectStore)
	if err != nil {
		return fmt.Errorf("construct object store gateway: %w", err)
	}

	wc := workingcopy.New(cfg.WorkingCopy.Dir, gateway, reg)
	defer wc.Close()

	lm := lockmanager.New(reg)
	verifier := auth.NewVerifier(cfg.Auth.JWTSigningSecret, cfg.Auth.WebhookSecret)

	var bus *pubsub.Bus
	if cfg.NATS.Enabled {
		nodeID := system.GenerateConnectionID()
		bus, err = pubsub.Connect(cfg.NATS.URL, nodeID)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer bus.Close()
		lm.SetBus(bus)

		unsubscribe, err := bus.Subscribe(lm.HandleRemoteEvent)
		if err != nil {
			return fmt.Errorf("subscribe to lock events: %w", err)
		}
		defer unsubscribe() //nolint:errcheck

		log.Info().Str("node_id", nodeID).Msg("captionsyncd: connected to nats for cross-node lock fan-out")
	}

	ckpt := checkpointer.New(checkpointer.Config{
		ScanPeriod:        cfg.Checkpointer.ScanPeriod,
		IdleMinutes:       cfg.Checkpointer.IdleMinutes,
		CheckpointMinutes: cfg.Checkpointer.CheckpointMinutes,
		MaxParallel:       cfg.Checkpointer.MaxParallel,
	}, reg, lm, wc)
	go ckpt.Run(ctx)

	job := frameset.NewHTTPJob(cfg.FramesetJob.Endpoint, cfg.FramesetJob.Timeout)
	flow := frameset.New(reg, lm, gateway, job, cfg.Checkpointer.MaxParallel)

	apiServer := httpapi.New(verifier, reg, lm, wc, flow, bus)
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: apiServer.Router(),
	}

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("captionsyncd: listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("captionsyncd: http server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("captionsyncd: shutting down")

	// Teardown order: stop accepting new HTTP/websocket connections, drain
	// checkpoint work, then run one final synchronous flush before the
	// process exits so no accepted write is lost.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("captionsyncd: http server shutdown error")
	}

	ckpt.Stop()

	if err := ckpt.FlushAll(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("captionsyncd: final checkpoint flush failed")
	}

	return nil
}
