package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"trapline/internal/decision"
	decisionhandler "trapline/internal/decision/handler"
	"trapline/internal/decision/lock"
	decisionmetrics "trapline/internal/decision/metrics"
	"trapline/internal/dupaudit"
	dupaudithandler "trapline/internal/dupaudit/handler"
	"trapline/internal/entity"
	"trapline/internal/gatekeeper"
	httptransport "trapline/internal/http"
	"trapline/internal/lineage"
	lineagehandler "trapline/internal/lineage/handler"
	"trapline/internal/merge"
	mergehandler "trapline/internal/merge/handler"
	"trapline/internal/platform/config"
	"trapline/internal/platform/httpserver"
	"trapline/internal/platform/logger"
	platformredis "trapline/internal/platform/redis"
	"trapline/internal/refdata"
	"trapline/internal/score"
	"trapline/pkg/platform/events"
	"trapline/pkg/platform/tx"
)

// main wires dependencies and owns the server lifecycle. Business logic
// lives in the internal services.
func main() {
	cfg := config.FromEnv()
	log := logger.New()
	ctx := context.Background()

	// Stores: Postgres when configured, in-memory otherwise so the service
	// runs standalone in development.
	var (
		entityStore   entity.Store
		decisionStore decision.Store
		edgeStore     merge.EdgeStore
		runner        tx.Runner = tx.NopRunner{}
		blacklist     *refdata.SoftBlacklist
		trust         *refdata.SourceConfidence
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Error("open database", "error", err.Error())
			os.Exit(1)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Error("ping database", "error", err.Error())
			os.Exit(1)
		}
		defer db.Close()

		entityStore = entity.NewPostgresStore(db)
		decisionStore = decision.NewPostgresStore(db)
		edgeStore = merge.NewPostgresEdgeStore(db)
		runner = tx.NewSQLRunner(db)

		if blacklist, err = refdata.LoadSoftBlacklist(ctx, db); err != nil {
			log.Error("load soft blacklist", "error", err.Error())
			os.Exit(1)
		}
		if trust, err = refdata.LoadSourceConfidence(ctx, db); err != nil {
			log.Error("load source confidence", "error", err.Error())
			os.Exit(1)
		}
	} else {
		log.Warn("DATABASE_URL not set, using in-memory stores")
		entityStore = entity.NewInMemoryStore()
		decisionStore = decision.NewInMemoryStore()
		edgeStore = merge.NewInMemoryEdgeStore()
		blacklist = refdata.NewSoftBlacklist(nil)
		trust = refdata.NewSourceConfidence(nil)
	}

	// Identifier lock: Redis for multi-instance deployments, in-process
	// otherwise.
	var locks lock.Keyed = lock.NewShardedLock()
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("connect redis", "error", err.Error())
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		locks = lock.NewRedisLock(redisClient.Client)
		log.Info("using redis identifier locks")
	}

	// Event stream: Kafka when brokers are configured, in-memory sink
	// otherwise.
	var eventStore events.Store = events.NewInMemoryStore()
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaStore := events.NewKafkaStore(events.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
		defer kafkaStore.Close()
		eventStore = kafkaStore
		log.Info("publishing events to kafka", "topic", cfg.Kafka.Topic)
	}
	publisher := events.NewPublisher(eventStore, log)
	defer publisher.Close()

	merges := merge.NewManager(entityStore, edgeStore, runner, log)
	resolver := decision.NewService(decision.Deps{
		Entities:  entityStore,
		Decisions: decisionStore,
		Merges:    merges,
		Gate:      gatekeeper.New(gatekeeper.DefaultCatalog(), gatekeeper.NewOrgDirectory(nil), blacklist),
		Scorer:    score.NewScorer(score.DefaultWeights(), blacklist, trust),
		Locks:     locks,
		Runner:    runner,
		Trust:     trust,
		Blacklist: blacklist,
		Publisher: publisher,
		Metrics:   decisionmetrics.New(),
		Logger:    log,
	})
	auditor := dupaudit.New(entityStore, decisionStore, merges, publisher, log)
	lineages := lineage.NewService(entityStore, decisionStore, merges, log)

	router := httptransport.NewRouter(
		decisionhandler.New(resolver, log),
		mergehandler.New(merges, log),
		dupaudithandler.New(auditor, log),
		lineagehandler.New(lineages, log),
	)
	srv := httpserver.New(cfg.Addr, router)

	log.Info("starting trapline", "addr", cfg.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err.Error())
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err.Error())
		os.Exit(1)
	}
	log.Info("trapline stopped")
}
