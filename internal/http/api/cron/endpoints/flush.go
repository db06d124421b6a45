package endpoints

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Nixie-Tech-LLC/bandtap/internal/http/api"
	"github.com/Nixie-Tech-LLC/bandtap/internal/model"
)

// Flusher runs one flush of the tap queue.
type Flusher interface {
	Run(ctx context.Context) (model.FlushReport, error)
}

type CronController struct {
	flusher Flusher
}

// FlushModule mounts the scheduler-invoked flush endpoint. The group is
// expected to carry the cron secret guard.
func FlushModule(flusher Flusher) api.Module {
	ctl := &CronController{flusher: flusher}
	return api.ModuleFunc(func(c *api.Controller) {
		c.GET("/flush-taps", ctl.flushTaps)
		c.POST("/flush-taps", ctl.flushTaps)
	})
}

// GET|POST /cron/flush-taps
func (ctl *CronController) flushTaps(ctx *gin.Context) (any, *api.APIError) {
	report, err := ctl.flusher.Run(ctx.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("tap flush failed")
		return nil, &api.APIError{Code: http.StatusInternalServerError, Message: err.Error()}
	}
	return report, nil
}
