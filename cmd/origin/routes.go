package main

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Nixie-Tech-LLC/bandtap/internal/config"
	"github.com/Nixie-Tech-LLC/bandtap/internal/http/api"
	cronapi "github.com/Nixie-Tech-LLC/bandtap/internal/http/api/cron/endpoints"
	operatorapi "github.com/Nixie-Tech-LLC/bandtap/internal/http/api/operator/endpoints"
	originapi "github.com/Nixie-Tech-LLC/bandtap/internal/http/api/origin/endpoints"
	"github.com/Nixie-Tech-LLC/bandtap/internal/http/middleware"
	"github.com/Nixie-Tech-LLC/bandtap/internal/http/scan"
)

// Services are the components the origin routes call into.
type Services struct {
	Engine   originapi.Resolver
	Cache    operatorapi.Invalidator
	Counters operatorapi.LiveReader
	Queue    operatorapi.QueueInspector
	Flusher  cronapi.Flusher
}

// RegisterRoutes sets up all origin routes
func RegisterRoutes(r *gin.Engine, cfg *config.Config, svc Services) {
	r.SetHTMLTemplate(scan.Templates())
	// CORS, for the operator dashboard
	r.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool { return true },
		AllowMethods: []string{
			"GET",
			"POST",
			"DELETE",
			"OPTIONS",
			"HEAD",
		},
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Authorization",
			"Accept",
		},
		AllowCredentials: false,
	}))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api.MountGroup(r, api.GroupConfig{},
		originapi.RedirectModule(svc.Engine, cfg.OperatorSecret),
	)

	api.MountGroup(r, api.GroupConfig{
		Prefix:     "/cron",
		Middleware: []gin.HandlerFunc{middleware.CronSecret(cfg.CronSecret)},
	},
		cronapi.FlushModule(svc.Flusher),
	)

	api.MountGroup(r, api.GroupConfig{
		Prefix:    "/api/operator",
		Auth:      true,
		SecretKey: cfg.OperatorSecret,
	},
		operatorapi.OperatorModule(svc.Cache, svc.Counters, svc.Queue, cfg.FlushHighWater),
	)
}
