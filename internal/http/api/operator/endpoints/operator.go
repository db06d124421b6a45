package endpoints

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Nixie-Tech-LLC/bandtap/internal/analytics"
	"github.com/Nixie-Tech-LLC/bandtap/internal/http/api"
	"github.com/Nixie-Tech-LLC/bandtap/internal/http/api/operator/packets"
	"github.com/Nixie-Tech-LLC/bandtap/internal/http/middleware"
)

const liveWindowSeconds = 60

type Invalidator interface {
	Invalidate(ctx context.Context, tag string) error
}

type LiveReader interface {
	Snapshot(ctx context.Context, eventID string, now time.Time, window int) (analytics.Snapshot, error)
}

type QueueInspector interface {
	Depth(ctx context.Context) (int64, error)
}

type OperatorController struct {
	cache     Invalidator
	live      LiveReader
	queue     QueueInspector
	highWater int64
}

// OperatorModule mounts the authenticated operator endpoints.
func OperatorModule(cache Invalidator, live LiveReader, queue QueueInspector, highWater int64) api.Module {
	ctl := &OperatorController{cache: cache, live: live, queue: queue, highWater: highWater}
	return api.ModuleFunc(func(c *api.Controller) {
		c.DELETE("/cache/:bandId", ctl.invalidateRoute)
		c.GET("/events/:id/live", ctl.liveCounters)
		c.GET("/queue", ctl.queueDepth)
	})
}

// DELETE /api/operator/cache/:bandId
func (ctl *OperatorController) invalidateRoute(ctx *gin.Context) (any, *api.APIError) {
	tag := ctx.Param("bandId")
	if err := ctl.cache.Invalidate(ctx.Request.Context(), tag); err != nil {
		return nil, api.Internal(err)
	}
	operator, _ := middleware.GetOperator(ctx)
	log.Info().Str("tag", tag).Str("operator", operator).Msg("route cache invalidated")
	return packets.InvalidateResponse{BandID: tag, Invalidated: true}, nil
}

// GET /api/operator/events/:id/live
func (ctl *OperatorController) liveCounters(ctx *gin.Context) (any, *api.APIError) {
	snap, err := ctl.live.Snapshot(ctx.Request.Context(), ctx.Param("id"), time.Now(), liveWindowSeconds)
	if err != nil {
		return nil, api.Internal(err)
	}
	return snap, nil
}

// GET /api/operator/queue
func (ctl *OperatorController) queueDepth(ctx *gin.Context) (any, *api.APIError) {
	depth, err := ctl.queue.Depth(ctx.Request.Context())
	if err != nil {
		return nil, api.Internal(err)
	}
	return packets.QueueResponse{Depth: depth, HighWater: ctl.highWater, AboveHigh: depth > ctl.highWater}, nil
}
