package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storykeep.org/internal/audit"
	"storykeep.org/internal/auth"
	"storykeep.org/internal/config"
	"storykeep.org/internal/distribution"
	"storykeep.org/internal/embed"
	"storykeep.org/internal/gdpr"
	"storykeep.org/internal/httpapi"
	"storykeep.org/internal/migrate"
	"storykeep.org/internal/obs"
	"storykeep.org/internal/ownership"
	"storykeep.org/internal/revocation"
	"storykeep.org/internal/store/pg"
	"storykeep.org/internal/stream"
	"storykeep.org/internal/webhook"
	"storykeep.org/ops/migrations"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		store ownership.Store
		db    *sql.DB
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		db = pgStore.DB()
		if cfg.AutoMigrate {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			applied, err := migrate.NewManager(db, migrations.FS, migrations.SQLDir, migrations.SeedsDir).Up(ctx)
			cancel()
			if err != nil {
				log.Fatalf("migrate: %v", err)
			}
			obs.Info("migrations applied", map[string]any{"count": len(applied)})
		}
		store = pgStore
	} else {
		obs.Warn("no database configured, using in-memory store", nil)
		store = ownership.NewInMemory()
	}

	events := stream.New()
	sinks := []audit.Option{audit.WithSink(audit.StreamSink{Stream: events})}
	if cfg.KafkaEnabled() {
		ks, err := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaAuditTopic)
		if err != nil {
			log.Fatalf("kafka sink: %v", err)
		}
		defer ks.Close()
		sinks = append(sinks, audit.WithSink(ks))
	}
	rec := audit.NewLogger(store, sinks...)

	notifier := webhook.NewNotifier(store,
		webhook.WithHTTPClient(&http.Client{Timeout: cfg.WebhookTimeout}),
		webhook.WithBreaker(cfg.WebhookBreakerFailures, 30*time.Second),
		webhook.WithUserAgent("storykeep-webhooks/"+version),
	)
	queue := webhook.NewQueue(notifier, cfg.WebhookWorkers, cfg.WebhookQueueSize)

	registry := distribution.NewRegistry(store, notifier, rec, distribution.WithDispatcher(queue))
	embeds := embed.NewService(store, rec, embed.WithBaseURL(cfg.AppURL))
	orchestrator := revocation.New(store, embeds, registry, rec)
	privacy := gdpr.NewService(store, orchestrator, rec, gdpr.WithExportLimit(cfg.AuditExportLimit))

	issuer, err := auth.NewIssuer(cfg.AuthSecret, auth.WithIssuerName("storykeep"))
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	api := httpapi.New(httpapi.Deps{
		Issuer:        issuer,
		Distributions: registry,
		Embeds:        embeds,
		Revocation:    orchestrator,
		GDPR:          privacy,
		Stream:        events,
		Ready:         httpapi.ReadyProbe{DB: db},
		Version:       version,
		DevTokens:     cfg.DevTokens,
		RateBurst:     cfg.RateBurst,
		RatePerSec:    cfg.RatePerSec,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// SSE responses stay open; the stream handler ends them on disconnect.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	obs.Info("starting storykeep-api", map[string]any{"version": version, "addr": srv.Addr, "postgres": db != nil})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	obs.Info("shutting down", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		obs.Error("http shutdown", err, nil)
	}
	queue.Close()
	obs.Info("stopped", nil)
}
