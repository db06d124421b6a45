// Package edge is the thin frontend tier. It serves warm routes straight from
// the replicated route cache and proxies everything else to the origin, so a
// scan is answered with a redirect even when the origin is down.
package edge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/Nixie-Tech-LLC/bandtap/internal/http/api"
	"github.com/Nixie-Tech-LLC/bandtap/internal/http/middleware"
	"github.com/Nixie-Tech-LLC/bandtap/internal/http/scan"
	"github.com/Nixie-Tech-LLC/bandtap/internal/metrics"
	"github.com/Nixie-Tech-LLC/bandtap/internal/model"
	"github.com/Nixie-Tech-LLC/bandtap/internal/recorder"
	"github.com/Nixie-Tech-LLC/bandtap/internal/routecache"
)

// errUpstream marks an origin response the edge will not relay.
var errUpstream = errors.New("origin returned a server error")

// RouteCache is the read side of the replicated route cache.
type RouteCache interface {
	Get(ctx context.Context, tag string) (model.CacheRoute, error)
}

type Config struct {
	OriginURL         string
	GlobalFallbackURL string
	ProxyTimeout      time.Duration
	DiagSecret        string

	// breaker tuning, zero values take the defaults below
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

type Handler struct {
	cache   RouteCache
	sink    recorder.Sink
	cfg     Config
	proxy   *httputil.ReverseProxy
	breaker *gobreaker.CircuitBreaker[*http.Response]
	now     func() time.Time
}

func New(cache RouteCache, sink recorder.Sink, cfg Config) (*Handler, error) {
	origin, err := url.Parse(cfg.OriginURL)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid origin url %q", cfg.OriginURL)
	}
	if cfg.ProxyTimeout <= 0 {
		cfg.ProxyTimeout = 5 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	h := &Handler{cache: cache, sink: sink, cfg: cfg, now: time.Now}
	h.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "edge-origin",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("origin circuit breaker state change")
			metrics.BreakerState.Set(float64(to))
		},
	})

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.ProxyTimeout, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   256,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.ProxyTimeout,
	}
	h.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.SetXForwarded()
		},
		Transport:    &breakerTransport{next: transport, breaker: h.breaker},
		ErrorHandler: h.proxyFailed,
	}
	return h, nil
}

// Module mounts the scan endpoint on the edge router.
func Module(h *Handler) api.Module {
	return api.ModuleFunc(func(c *api.Controller) {
		c.Group.GET("/e", h.serve)
	})
}

// GET /e?bandId=<tag>[&utm_*]
func (h *Handler) serve(c *gin.Context) {
	start := time.Now()
	var q scan.Query
	if err := c.ShouldBindQuery(&q); err != nil {
		api.WriteError(c, api.BadRequest("bandId is required"))
		return
	}

	if operator, ok := middleware.DiagnosticOperator(c, h.cfg.DiagSecret); ok {
		h.diagnostic(c, q.BandID, operator)
		return
	}

	route, err := h.cache.Get(c.Request.Context(), q.BandID)
	switch {
	case err == nil:
		metrics.RouteCacheLookups.WithLabelValues(scan.TierEdge, "hit").Inc()
	case errors.Is(err, routecache.ErrMiss):
		metrics.RouteCacheLookups.WithLabelValues(scan.TierEdge, "miss").Inc()
		h.forward(c)
		return
	default:
		metrics.RouteCacheLookups.WithLabelValues(scan.TierEdge, "error").Inc()
		log.Warn().Err(err).Str("tag", q.BandID).Msg("edge route cache unavailable, forwarding")
		h.forward(c)
		return
	}

	scan.Redirect(c, route.URL)
	h.sink.Submit(model.TapEvent{
		Tag:         q.BandID,
		EventID:     route.EventID,
		WindowID:    route.WindowID,
		Mode:        route.Mode,
		RedirectURL: route.URL,
		TappedAt:    h.now().UTC(),
		Meta:        scan.Meta(c, scan.TierEdge),
	})
	metrics.Redirects.WithLabelValues(scan.TierEdge, "cache_hit").Inc()
	metrics.RedirectDuration.WithLabelValues(scan.TierEdge).Observe(time.Since(start).Seconds())
}

// forward hands the request to the origin, which records the tap itself.
func (h *Handler) forward(c *gin.Context) {
	metrics.Redirects.WithLabelValues(scan.TierEdge, "proxied").Inc()
	h.proxy.ServeHTTP(c.Writer, c.Request)
}

func (h *Handler) diagnostic(c *gin.Context, tag, operator string) {
	metrics.Redirects.WithLabelValues(scan.TierEdge, "diagnostic").Inc()
	page := scan.DiagnosticPage{Tier: scan.TierEdge, Tag: tag, Operator: operator}

	route, err := h.cache.Get(c.Request.Context(), tag)
	switch {
	case err == nil:
		page.URL, page.EventID, page.Mode = route.URL, route.EventID, string(route.Mode)
		page.Outcome = "cache_hit"
	case errors.Is(err, routecache.ErrMiss):
		page.Note = "not cached, the origin would resolve this scan"
	default:
		page.Note = "route cache unavailable: " + err.Error()
	}
	scan.RenderDiagnostic(c, page)
}

// proxyFailed turns any failure to reach the origin into the global fallback.
func (h *Handler) proxyFailed(w http.ResponseWriter, r *http.Request, err error) {
	reason := "network"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		reason = "breaker_open"
	case errors.Is(err, errUpstream):
		reason = "upstream_5xx"
	case errors.Is(err, context.Canceled):
		reason = "client_canceled"
	}
	metrics.ProxyFailures.WithLabelValues(reason).Inc()
	log.Warn().Err(err).Str("reason", reason).Str("tag", r.URL.Query().Get("bandId")).Msg("origin unavailable, serving global fallback")

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, scan.WithUTM(h.cfg.GlobalFallbackURL, r.URL.Query()), http.StatusFound)
}

// breakerTransport counts network errors and origin 5xx responses against the
// breaker. A 5xx body is discarded so the caller still gets a redirect.
type breakerTransport struct {
	next    http.RoundTripper
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.breaker.Execute(func() (*http.Response, error) {
		resp, err := t.next.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("%w: %s", errUpstream, resp.Status)
		}
		return resp, nil
	})
}
