package endpoints

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Nixie-Tech-LLC/bandtap/internal/http/api"
	"github.com/Nixie-Tech-LLC/bandtap/internal/http/middleware"
	"github.com/Nixie-Tech-LLC/bandtap/internal/http/scan"
	"github.com/Nixie-Tech-LLC/bandtap/internal/metrics"
	"github.com/Nixie-Tech-LLC/bandtap/internal/redirect"
)

// Resolver is the origin redirect engine.
type Resolver interface {
	Resolve(ctx context.Context, req redirect.Request) redirect.Result
}

type RedirectController struct {
	engine     Resolver
	diagSecret string
}

// RedirectModule mounts the public scan endpoint. diagSecret verifies the
// operator marker that turns a scan into a diagnostic page.
func RedirectModule(engine Resolver, diagSecret string) api.Module {
	ctl := &RedirectController{engine: engine, diagSecret: diagSecret}
	return api.ModuleFunc(func(c *api.Controller) {
		c.Group.GET("/e", ctl.resolve)
	})
}

// GET /e?bandId=<tag>[&eventId=<id>][&org=<slug>][&lat=<f>&lng=<f>][&utm_*]
func (ctl *RedirectController) resolve(c *gin.Context) {
	var q scan.Query
	if err := c.ShouldBindQuery(&q); err != nil {
		api.WriteError(c, api.BadRequest("bandId is required"))
		return
	}

	req := redirect.Request{
		Tag:      q.BandID,
		EventID:  q.EventID,
		OrgSlug:  scan.OrgSlug(c),
		Position: scan.Position(c),
		Meta:     scan.Meta(c, scan.TierOrigin),
	}

	if operator, ok := middleware.DiagnosticOperator(c, ctl.diagSecret); ok {
		req.DryRun = true
		res := ctl.engine.Resolve(c.Request.Context(), req)
		metrics.Redirects.WithLabelValues(scan.TierOrigin, "diagnostic").Inc()
		log.Info().Str("tag", req.Tag).Str("operator", operator).Msg("diagnostic scan")
		scan.RenderDiagnostic(c, diagnosticPage(req.Tag, operator, res))
		return
	}

	res := ctl.engine.Resolve(c.Request.Context(), req)
	scan.Redirect(c, res.URL)
}

func diagnosticPage(tag, operator string, res redirect.Result) scan.DiagnosticPage {
	page := scan.DiagnosticPage{
		Tier:     scan.TierOrigin,
		Tag:      tag,
		Operator: operator,
		URL:      res.URL,
		Outcome:  string(res.Outcome),
		EventID:  res.EventID,
		Mode:     string(res.Mode),
		Strategy: string(res.Strategy),
	}
	if res.Band != nil {
		page.Flagged = res.Band.Flagged
	}
	for _, s := range res.Steps {
		if s.Detail == "" {
			page.Steps = append(page.Steps, string(s.State))
			continue
		}
		page.Steps = append(page.Steps, fmt.Sprintf("%s %s", s.State, s.Detail))
	}
	return page
}
