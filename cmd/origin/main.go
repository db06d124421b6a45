package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Nixie-Tech-LLC/bandtap/internal/analytics"
	"github.com/Nixie-Tech-LLC/bandtap/internal/config"
	"github.com/Nixie-Tech-LLC/bandtap/internal/db"
	"github.com/Nixie-Tech-LLC/bandtap/internal/flush"
	"github.com/Nixie-Tech-LLC/bandtap/internal/logging"
	"github.com/Nixie-Tech-LLC/bandtap/internal/recorder"
	"github.com/Nixie-Tech-LLC/bandtap/internal/redirect"
	"github.com/Nixie-Tech-LLC/bandtap/internal/redis"
	"github.com/Nixie-Tech-LLC/bandtap/internal/routecache"
	"github.com/Nixie-Tech-LLC/bandtap/internal/supervisor"
	"github.com/Nixie-Tech-LLC/bandtap/internal/tapqueue"
)

func main() {
	// load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.ValidateOrigin(); err != nil {
		log.Fatal().Err(err).Msg("invalid origin config")
	}
	logging.Setup(cfg.LogLevel, cfg.IsDevelopment())
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// initialize PostgreSQL
	if err := db.Init(cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("db init")
	}
	defer db.DB.Close()

	// run pending migrations
	if err := db.RunMigrations(cfg.MigrationsPath); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}
	store := db.NewStore(db.DB)

	rdb, err := redis.Connect(ctx, redis.Options{
		Address:  cfg.RedisAddress,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("redis connect")
	}
	defer rdb.Close()

	cache := routecache.New(rdb, cfg.RouteCacheTTL)
	queue := tapqueue.New(rdb, tapqueue.DefaultKey)
	counters := analytics.New(rdb)
	rec := recorder.New(rdb, queue, counters, cfg.RecorderBuffer, cfg.RecorderWorkers)

	engine := redirect.NewEngine(store, cache, rec, redirect.Config{
		GlobalFallbackURL: cfg.GlobalFallbackURL,
		FlagDistanceMiles: cfg.FlagDistanceMiles,
	})

	alerter, closeAlerter := InitAlerter(cfg)
	defer closeAlerter()

	worker := flush.NewWorker(queue, store, InitDeadLetter(cfg), alerter, flush.Config{
		BatchSize: cfg.FlushBatchSize,
		Budget:    cfg.FlushBudget,
		HighWater: cfg.FlushHighWater,
	})

	r := gin.New()
	r.Use(gin.Recovery(), logging.Requests())
	RegisterRoutes(r, cfg, Services{
		Engine:   engine,
		Cache:    engine,
		Counters: counters,
		Queue:    queue,
		Flusher:  worker,
	})

	tree := supervisor.NewTree("bandtap-origin", supervisor.TreeConfig{})
	tree.AddWorker(rec)
	if cfg.FlushInterval > 0 {
		tree.AddWorker(flush.NewScheduler(worker, cfg.FlushInterval))
		log.Info().Dur("interval", cfg.FlushInterval).Msg("in-process flush scheduler enabled")
	}
	tree.AddAPI(supervisor.NewHTTPService("origin-http", cfg.OriginAddress, r, 10*time.Second))

	// start
	log.Info().Str("addr", cfg.OriginAddress).Msg("origin listening")
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("supervisor stopped")
	}
	log.Info().Msg("origin stopped")
}
