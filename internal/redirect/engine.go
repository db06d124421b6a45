// Package redirect is the origin redirect engine. It resolves a scanned tag
// to a destination URL through the route cache and the store, assigns
// never-seen tags to an event, applies the flagged-band policy and hands
// every resolved tap to the recorder.
package redirect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Nixie-Tech-LLC/bandtap/internal/db"
	"github.com/Nixie-Tech-LLC/bandtap/internal/metrics"
	"github.com/Nixie-Tech-LLC/bandtap/internal/model"
	"github.com/Nixie-Tech-LLC/bandtap/internal/recorder"
	"github.com/Nixie-Tech-LLC/bandtap/internal/routecache"
)

// Store is the part of db.Store the engine reads and writes.
type Store interface {
	GetOrganizationByID(ctx context.Context, id string) (*model.Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (*model.Organization, error)
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	ListEventsByIDs(ctx context.Context, ids []string) ([]model.Event, error)
	ListCandidateEvents(ctx context.Context, orgID string) ([]model.Event, error)
	FindBandsByTag(ctx context.Context, tag string) ([]model.Band, error)
	CreateOrFetchBand(ctx context.Context, nb model.NewBand) (model.Band, model.CreateOutcome, error)
}

// RouteCache is the regional cache of single-event routes.
type RouteCache interface {
	Get(ctx context.Context, tag string) (model.CacheRoute, error)
	Set(ctx context.Context, tag string, route model.CacheRoute) error
	Invalidate(ctx context.Context, tag string) error
}

// State is one step of a resolution.
type State string

const (
	StateLookupCache   State = "LOOKUP_CACHE"
	StateLookupStore   State = "LOOKUP_STORE"
	StateSingleMatch   State = "SINGLE_MATCH"
	StateMultiMatch    State = "MULTI_MATCH"
	StateNoMatch       State = "NO_MATCH"
	StateAutoAssign    State = "AUTO_ASSIGN"
	StateCreateOrFetch State = "CREATE_OR_FETCH"
	StateFlagCheck     State = "FLAG_CHECK"
	StateRespond       State = "RESPOND"
)

// Outcome classifies the redirect that was served.
type Outcome string

const (
	OutcomeCacheHit       Outcome = "cache_hit"
	OutcomeResolved       Outcome = "resolved"
	OutcomeAutoAssigned   Outcome = "auto_assigned"
	OutcomeFlagged        Outcome = "flagged"
	OutcomeOrgFallback    Outcome = "org_fallback"
	OutcomeGlobalFallback Outcome = "global_fallback"
)

// Step records one state transition, for logs and the diagnostic page.
type Step struct {
	State  State  `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// Request is one scan as seen by the origin.
type Request struct {
	Tag      string
	EventID  string
	OrgSlug  string
	Position *Point
	Meta     model.RequestMeta
	// DryRun resolves without creating bands, writing the cache or recording the tap.
	DryRun bool
}

// Result is the resolved redirect. URL is always set.
type Result struct {
	URL      string
	Outcome  Outcome
	Mode     model.Mode
	EventID  string
	WindowID *string
	Band     *model.Band
	Created  bool
	Strategy Strategy
	Cached   bool
	Steps    []Step
}

func (r *Result) step(s State, detail string) {
	r.Steps = append(r.Steps, Step{State: s, Detail: detail})
}

type Config struct {
	GlobalFallbackURL string
	FlagDistanceMiles float64
}

type Engine struct {
	store Store
	cache RouteCache
	sink  recorder.Sink
	cfg   Config
	now   func() time.Time
}

func NewEngine(store Store, cache RouteCache, sink recorder.Sink, cfg Config) *Engine {
	if cfg.FlagDistanceMiles <= 0 {
		cfg.FlagDistanceMiles = 50
	}
	return &Engine{store: store, cache: cache, sink: sink, cfg: cfg, now: time.Now}
}

// Resolve runs the resolution state machine. It never fails: every error
// degrades to the organization website or the global fallback.
func (e *Engine) Resolve(ctx context.Context, req Request) Result {
	start := time.Now()
	res := e.resolve(ctx, req)
	res.step(StateRespond, res.URL)

	metrics.Redirects.WithLabelValues("origin", string(res.Outcome)).Inc()
	metrics.RedirectDuration.WithLabelValues("origin").Observe(time.Since(start).Seconds())

	if !req.DryRun && res.EventID != "" {
		e.sink.Submit(model.TapEvent{
			Tag:         req.Tag,
			EventID:     res.EventID,
			WindowID:    res.WindowID,
			Mode:        res.Mode,
			RedirectURL: res.URL,
			TappedAt:    e.now().UTC(),
			Meta:        req.Meta,
		})
	}
	return res
}

func (e *Engine) resolve(ctx context.Context, req Request) Result {
	var res Result

	route, err := e.cache.Get(ctx, req.Tag)
	switch {
	case err == nil:
		metrics.RouteCacheLookups.WithLabelValues("origin", "hit").Inc()
		res.step(StateLookupCache, "hit")
		res.URL, res.EventID, res.Mode, res.WindowID = route.URL, route.EventID, route.Mode, route.WindowID
		res.Outcome, res.Cached = OutcomeCacheHit, true
		return res
	case errors.Is(err, routecache.ErrMiss):
		metrics.RouteCacheLookups.WithLabelValues("origin", "miss").Inc()
		res.step(StateLookupCache, "miss")
	default:
		metrics.RouteCacheLookups.WithLabelValues("origin", "error").Inc()
		log.Warn().Err(err).Str("tag", req.Tag).Msg("route cache unavailable, reading store")
		res.step(StateLookupCache, "error")
	}

	bands, err := e.store.FindBandsByTag(ctx, req.Tag)
	if err != nil {
		log.Error().Err(err).Str("tag", req.Tag).Msg("band lookup failed")
		res.step(StateLookupStore, "error")
		return e.degrade(ctx, req, res)
	}

	switch len(bands) {
	case 0:
		res.step(StateLookupStore, string(StateNoMatch))
		return e.assign(ctx, req, res)
	case 1:
		res.step(StateLookupStore, string(StateSingleMatch))
		ev, err := e.store.GetEvent(ctx, bands[0].EventID)
		if err != nil {
			log.Error().Err(err).Str("tag", req.Tag).Str("event_id", bands[0].EventID).Msg("event lookup failed")
			return e.degrade(ctx, req, res)
		}
		res.Band = &bands[0]
		res = e.route(ctx, res, ev, OutcomeResolved)
		e.cacheRoute(ctx, req, res)
		return res
	default:
		res.step(StateLookupStore, fmt.Sprintf("%s:%d", StateMultiMatch, len(bands)))
		return e.disambiguate(ctx, req, res, bands)
	}
}

// disambiguate resolves a tag reused across events. The result depends on the
// caller position, so it is never cached.
func (e *Engine) disambiguate(ctx context.Context, req Request, res Result, bands []model.Band) Result {
	ids := make([]string, 0, len(bands))
	for _, b := range bands {
		ids = append(ids, b.EventID)
	}
	events, err := e.store.ListEventsByIDs(ctx, ids)
	if err != nil {
		log.Error().Err(err).Str("tag", req.Tag).Msg("loading candidate events failed")
		return e.degrade(ctx, req, res)
	}
	byID := make(map[string]*model.Event, len(events))
	for i := range events {
		byID[events[i].ID] = &events[i]
	}

	var cands []candidate
	for _, b := range bands {
		if ev, ok := byID[b.EventID]; ok {
			cands = append(cands, candidate{band: b, event: ev})
		}
	}
	if len(cands) == 0 {
		return e.degrade(ctx, req, res)
	}

	picked := disambiguate(cands, req.Position)
	res.Band = &picked.band
	return e.route(ctx, res, picked.event, OutcomeResolved)
}

// assign handles a never-seen tag: pick an event, create the band (or adopt
// the row a concurrent scan created) and route it.
func (e *Engine) assign(ctx context.Context, req Request, res Result) Result {
	var override *model.Event
	if req.EventID != "" {
		ev, err := e.store.GetEvent(ctx, req.EventID)
		switch {
		case err == nil:
			override = ev
		case errors.Is(err, db.ErrNotFound):
			log.Debug().Str("event_id", req.EventID).Msg("override event not found")
		default:
			log.Error().Err(err).Str("event_id", req.EventID).Msg("override event lookup failed")
		}
	}

	org, err := e.resolveOrg(ctx, req, override)
	if err != nil || org == nil {
		res.step(StateAutoAssign, "no organization")
		res.URL, res.Outcome = e.cfg.GlobalFallbackURL, OutcomeGlobalFallback
		return res
	}

	candidates, err := e.store.ListCandidateEvents(ctx, org.ID)
	if err != nil {
		log.Error().Err(err).Str("org_id", org.ID).Msg("listing candidate events failed")
		return e.orgFallback(res, org)
	}

	a, err := Assign(org.ID, override, candidates, req.Position, e.now())
	if err != nil {
		res.step(StateAutoAssign, err.Error())
		return e.orgFallback(res, org)
	}
	res.Strategy = a.Strategy
	res.step(StateAutoAssign, fmt.Sprintf("%s:%s", a.Strategy, a.Event.ID))

	nb := model.NewBand{
		Tag:                req.Tag,
		EventID:            a.Event.ID,
		AutoAssigned:       true,
		AutoAssignDistance: a.Distance,
		Flagged:            a.Distance != nil && *a.Distance > e.cfg.FlagDistanceMiles,
	}

	var band model.Band
	if req.DryRun {
		band = model.Band{Tag: nb.Tag, EventID: nb.EventID, AutoAssigned: true,
			AutoAssignDistance: nb.AutoAssignDistance, Flagged: nb.Flagged}
		res.step(StateCreateOrFetch, "dry-run")
	} else {
		var outcome model.CreateOutcome
		band, outcome, err = e.store.CreateOrFetchBand(ctx, nb)
		if err != nil {
			log.Error().Err(err).Str("tag", req.Tag).Str("event_id", nb.EventID).Msg("band creation failed")
			res.step(StateCreateOrFetch, "error")
			return e.orgFallback(res, org)
		}
		res.Created = outcome == model.Created
		metrics.BandsCreated.WithLabelValues(outcome.String()).Inc()
		res.step(StateCreateOrFetch, outcome.String())
		if res.Created {
			ev := log.Info().Str("tag", band.Tag).Str("event_id", band.EventID).
				Str("strategy", string(a.Strategy)).Bool("flagged", band.Flagged)
			if a.Distance != nil {
				ev = ev.Float64("distance_miles", *a.Distance)
			}
			ev.Msg("band auto-assigned")
		}
	}

	res.Band = &band
	res = e.routeWithOrg(res, a.Event, org, OutcomeAutoAssigned)
	e.cacheRoute(ctx, req, res)
	return res
}

// resolveOrg names the organization from the slug or host. An override event
// only implies its own organization when none can be identified; otherwise
// Assign rejects an override from a different organization.
func (e *Engine) resolveOrg(ctx context.Context, req Request, override *model.Event) (*model.Organization, error) {
	if req.OrgSlug != "" {
		org, err := e.store.GetOrganizationBySlug(ctx, req.OrgSlug)
		switch {
		case err == nil:
			return org, nil
		case !errors.Is(err, db.ErrNotFound):
			return nil, err
		}
	}
	if override != nil {
		return e.store.GetOrganizationByID(ctx, override.OrgID)
	}
	return nil, nil
}

// route fixes the URL of a band already tied to ev. The organization is only
// loaded when the fallback chain needs it.
func (e *Engine) route(ctx context.Context, res Result, ev *model.Event, outcome Outcome) Result {
	needsOrg := res.Band.Flagged || (SelectWindow(ev.Windows, e.now()) == nil && ev.FallbackURL == nil)
	var org *model.Organization
	if needsOrg {
		o, err := e.store.GetOrganizationByID(ctx, ev.OrgID)
		if err != nil {
			log.Warn().Err(err).Str("org_id", ev.OrgID).Msg("organization lookup failed")
		} else {
			org = o
		}
	}
	return e.routeWithOrg(res, ev, org, outcome)
}

func (e *Engine) routeWithOrg(res Result, ev *model.Event, org *model.Organization, outcome Outcome) Result {
	res.EventID = ev.ID
	res.Outcome = outcome

	if res.Band.Flagged {
		// a flagged band never reaches event or window content
		res.step(StateFlagCheck, "flagged")
		res.Mode, res.WindowID, res.Outcome = model.ModePre, nil, OutcomeFlagged
		res.URL = e.orgOrGlobal(org)
		return res
	}
	res.step(StateFlagCheck, "ok")

	if w := SelectWindow(ev.Windows, e.now()); w != nil {
		id := w.ID
		res.URL, res.Mode, res.WindowID = w.URL, w.Mode(), &id
		return res
	}
	res.Mode, res.WindowID = model.ModePre, nil
	if ev.FallbackURL != nil && *ev.FallbackURL != "" {
		res.URL = *ev.FallbackURL
		return res
	}
	res.URL = e.orgOrGlobal(org)
	return res
}

func (e *Engine) orgOrGlobal(org *model.Organization) string {
	if org != nil && org.WebsiteURL != nil && *org.WebsiteURL != "" {
		return *org.WebsiteURL
	}
	return e.cfg.GlobalFallbackURL
}

func (e *Engine) orgFallback(res Result, org *model.Organization) Result {
	res.URL = e.orgOrGlobal(org)
	if res.URL == e.cfg.GlobalFallbackURL {
		res.Outcome = OutcomeGlobalFallback
	} else {
		res.Outcome = OutcomeOrgFallback
	}
	res.EventID, res.WindowID, res.Mode = "", nil, ""
	return res
}

// degrade is the storage-failure path: try to name the organization for its
// website, else send the global fallback.
func (e *Engine) degrade(ctx context.Context, req Request, res Result) Result {
	var org *model.Organization
	if req.OrgSlug != "" {
		if o, err := e.store.GetOrganizationBySlug(ctx, req.OrgSlug); err == nil {
			org = o
		}
	}
	return e.orgFallback(res, org)
}

// cacheRoute writes the route of a single-event resolution.
func (e *Engine) cacheRoute(ctx context.Context, req Request, res Result) {
	if req.DryRun || res.EventID == "" {
		return
	}
	route := model.CacheRoute{URL: res.URL, EventID: res.EventID, Mode: res.Mode, WindowID: res.WindowID}
	if err := e.cache.Set(ctx, req.Tag, route); err != nil {
		log.Warn().Err(err).Str("tag", req.Tag).Msg("route cache write failed")
	}
}

// Invalidate drops the cached route of a tag after a direct edit.
func (e *Engine) Invalidate(ctx context.Context, tag string) error {
	return e.cache.Invalidate(ctx, tag)
}
