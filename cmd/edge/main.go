package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/Nixie-Tech-LLC/bandtap/internal/analytics"
	"github.com/Nixie-Tech-LLC/bandtap/internal/config"
	"github.com/Nixie-Tech-LLC/bandtap/internal/edge"
	"github.com/Nixie-Tech-LLC/bandtap/internal/http/api"
	"github.com/Nixie-Tech-LLC/bandtap/internal/http/scan"
	"github.com/Nixie-Tech-LLC/bandtap/internal/logging"
	"github.com/Nixie-Tech-LLC/bandtap/internal/recorder"
	"github.com/Nixie-Tech-LLC/bandtap/internal/redis"
	"github.com/Nixie-Tech-LLC/bandtap/internal/routecache"
	"github.com/Nixie-Tech-LLC/bandtap/internal/supervisor"
	"github.com/Nixie-Tech-LLC/bandtap/internal/tapqueue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.ValidateEdge(); err != nil {
		log.Fatal().Err(err).Msg("invalid edge config")
	}
	logging.Setup(cfg.LogLevel, cfg.IsDevelopment())
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// route reads go to the replica near the edge, tap writes to the primary
	replica, err := redis.Connect(ctx, redis.Options{
		Address:  cfg.EdgeRedisAddress,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("edge redis connect")
	}
	defer replica.Close()

	primary, err := redis.Connect(ctx, redis.Options{
		Address:  cfg.RedisAddress,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("redis connect")
	}
	defer primary.Close()

	queue := tapqueue.New(primary, tapqueue.DefaultKey)
	rec := recorder.New(primary, queue, analytics.New(primary), cfg.RecorderBuffer, cfg.RecorderWorkers)

	handler, err := edge.New(routecache.New(replica, cfg.RouteCacheTTL), rec, edge.Config{
		OriginURL:         cfg.OriginURL,
		GlobalFallbackURL: cfg.GlobalFallbackURL,
		ProxyTimeout:      cfg.ProxyTimeout,
		DiagSecret:        cfg.OperatorSecret,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("edge init")
	}

	r := gin.New()
	r.Use(gin.Recovery(), logging.Requests())
	r.SetHTMLTemplate(scan.Templates())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	api.MountGroup(r, api.GroupConfig{}, edge.Module(handler))

	tree := supervisor.NewTree("bandtap-edge", supervisor.TreeConfig{})
	tree.AddWorker(rec)
	tree.AddAPI(supervisor.NewHTTPService("edge-http", cfg.EdgeAddress, r, 10*time.Second))

	log.Info().Str("addr", cfg.EdgeAddress).Str("origin", cfg.OriginURL).Msg("edge listening")
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("supervisor stopped")
	}
	log.Info().Msg("edge stopped")
}
