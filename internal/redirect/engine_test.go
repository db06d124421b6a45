package redirect

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nixie-Tech-LLC/bandtap/internal/model"
)

const (
	globalURL   = "https://fallback.example"
	orgSite     = "https://tour.example"
	liveURL     = "https://tour.example/live"
	preURL      = "https://tour.example/pre"
	venueLat    = 40.0
	venueLng    = -75.0
	milesPerDeg = earthRadiusMiles * 3.141592653589793 / 180
)

var now = time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

// milesNorth returns a caller position the given distance due north of the venue.
func milesNorth(miles float64) *Point {
	return &Point{Lat: venueLat + miles/milesPerDeg, Lng: venueLng}
}

func liveWindow(id string) model.Window {
	return model.Window{ID: id, Type: model.WindowLive, URL: liveURL,
		StartAt: ptr(now.Add(-time.Hour)), EndAt: ptr(now.Add(2 * time.Hour)), IsActive: true}
}

type harness struct {
	store  *memStore
	cache  *memCache
	sink   *memSink
	engine *Engine
}

func newHarness() harness {
	store := newMemStore()
	store.addOrg("org-1", "tour", orgSite)
	store.addEvent(model.Event{
		ID: "evt-1", OrgID: "org-1", Name: "Philadelphia",
		Latitude: ptr(venueLat), Longitude: ptr(venueLng),
		FallbackURL: ptr("https://tour.example/evt-1"),
		CreatedAt:   now.Add(-48 * time.Hour),
		Windows: []model.Window{
			{ID: "w-pre", Type: model.WindowPre, URL: preURL, StartAt: ptr(now.Add(-24 * time.Hour)), EndAt: ptr(now.Add(-time.Hour)), IsActive: true},
			liveWindow("w-live"),
		},
	})

	cache := newMemCache()
	sink := &memSink{}
	e := NewEngine(store, cache, sink, Config{GlobalFallbackURL: globalURL, FlagDistanceMiles: 50})
	e.now = func() time.Time { return now }
	return harness{store: store, cache: cache, sink: sink, engine: e}
}

func TestScenarioAutoAssignWithinThreshold(t *testing.T) {
	h := newHarness()

	res := h.engine.Resolve(context.Background(), Request{Tag: "B-001", OrgSlug: "tour", Position: milesNorth(40)})

	assert.Equal(t, liveURL, res.URL)
	assert.Equal(t, OutcomeAutoAssigned, res.Outcome)
	assert.Equal(t, StrategyGeo, res.Strategy)
	assert.True(t, res.Created)

	bands := h.store.bandsFor("B-001")
	require.Len(t, bands, 1)
	assert.True(t, bands[0].AutoAssigned)
	assert.False(t, bands[0].Flagged)
	require.NotNil(t, bands[0].AutoAssignDistance)
	assert.InDelta(t, 40, *bands[0].AutoAssignDistance, 0.1)

	taps := h.sink.all()
	require.Len(t, taps, 1)
	assert.Equal(t, model.ModeLive, taps[0].Mode)
	assert.Equal(t, "evt-1", taps[0].EventID)
	require.NotNil(t, taps[0].WindowID)
	assert.Equal(t, "w-live", *taps[0].WindowID)
	assert.True(t, h.cache.has("B-001"))
}

func TestScenarioAutoAssignBeyondThresholdIsFlagged(t *testing.T) {
	h := newHarness()

	res := h.engine.Resolve(context.Background(), Request{Tag: "B-002", OrgSlug: "tour", Position: milesNorth(60)})

	assert.Equal(t, orgSite, res.URL)
	assert.Equal(t, OutcomeFlagged, res.Outcome)

	bands := h.store.bandsFor("B-002")
	require.Len(t, bands, 1)
	assert.True(t, bands[0].Flagged)
	assert.Equal(t, "evt-1", bands[0].EventID)

	taps := h.sink.all()
	require.Len(t, taps, 1)
	assert.Equal(t, model.ModePre, taps[0].Mode)
	assert.Equal(t, "evt-1", taps[0].EventID)
	assert.Nil(t, taps[0].WindowID)
	assert.Equal(t, orgSite, taps[0].RedirectURL)
}

func TestFlaggedBandNeverGetsEventContent(t *testing.T) {
	windowSets := map[string][]model.Window{
		"live":   {liveWindow("w-live")},
		"manual": {{ID: "w-m", Type: model.WindowPost, URL: "https://tour.example/post", IsActive: true, IsManual: true}},
		"none":   nil,
	}
	for name, windows := range windowSets {
		t.Run(name, func(t *testing.T) {
			h := newHarness()
			h.store.events["evt-1"].Windows = windows
			h.store.addBand(model.Band{Tag: "B-F", EventID: "evt-1", AutoAssigned: true, Flagged: true})

			res := h.engine.Resolve(context.Background(), Request{Tag: "B-F"})
			assert.Equal(t, orgSite, res.URL)
			assert.Equal(t, OutcomeFlagged, res.Outcome)

			// served from cache on the next scan, still the org website
			res = h.engine.Resolve(context.Background(), Request{Tag: "B-F"})
			assert.Equal(t, orgSite, res.URL)
			assert.True(t, res.Cached)
		})
	}
}

func TestFlaggedBandWithoutOrgWebsiteUsesGlobalFallback(t *testing.T) {
	h := newHarness()
	h.store.orgs["org-1"].WebsiteURL = nil
	h.store.addBand(model.Band{Tag: "B-F", EventID: "evt-1", Flagged: true})

	res := h.engine.Resolve(context.Background(), Request{Tag: "B-F"})
	assert.Equal(t, globalURL, res.URL)
}

func TestCacheHitSkipsStoreAndRecordsTap(t *testing.T) {
	h := newHarness()
	h.cache.routes["B-9"] = model.CacheRoute{URL: "https://cached", EventID: "evt-1", Mode: model.ModeLive, WindowID: ptr("w-live")}

	res := h.engine.Resolve(context.Background(), Request{Tag: "B-9"})

	assert.Equal(t, "https://cached", res.URL)
	assert.Equal(t, OutcomeCacheHit, res.Outcome)
	assert.Zero(t, h.store.calls)
	taps := h.sink.all()
	require.Len(t, taps, 1)
	assert.Equal(t, "evt-1", taps[0].EventID)
}

func TestCacheFailureFallsThroughToStore(t *testing.T) {
	h := newHarness()
	h.cache.failGet = true
	h.store.addBand(model.Band{Tag: "B-1", EventID: "evt-1"})

	res := h.engine.Resolve(context.Background(), Request{Tag: "B-1"})
	assert.Equal(t, liveURL, res.URL)
	assert.Equal(t, OutcomeResolved, res.Outcome)
}

func TestSingleMatchIsCached(t *testing.T) {
	h := newHarness()
	h.store.addBand(model.Band{Tag: "B-1", EventID: "evt-1"})

	res := h.engine.Resolve(context.Background(), Request{Tag: "B-1"})
	assert.Equal(t, liveURL, res.URL)
	assert.Equal(t, []State{StateLookupCache, StateLookupStore, StateFlagCheck, StateRespond}, states(res))

	route := h.cache.routes["B-1"]
	assert.Equal(t, model.CacheRoute{URL: liveURL, EventID: "evt-1", Mode: model.ModeLive, WindowID: ptr("w-live")}, route)
}

func TestMultiEventTagIsDisambiguatedAndNeverCached(t *testing.T) {
	h := newHarness()
	h.store.addEvent(model.Event{
		ID: "evt-2", OrgID: "org-1", Latitude: ptr(34.05), Longitude: ptr(-118.24),
		Windows: []model.Window{{ID: "w-la", Type: model.WindowLive, URL: "https://tour.example/la", IsActive: true, IsManual: true}},
	})
	h.store.addBand(model.Band{Tag: "B-R", EventID: "evt-2", CreatedAt: now.Add(-time.Hour)})
	h.store.addBand(model.Band{Tag: "B-R", EventID: "evt-1", CreatedAt: now.Add(-30 * time.Minute)})

	// near Philadelphia
	res := h.engine.Resolve(context.Background(), Request{Tag: "B-R", Position: milesNorth(5)})
	assert.Equal(t, liveURL, res.URL)
	assert.Equal(t, "evt-1", res.EventID)

	// no position: oldest band row wins
	res = h.engine.Resolve(context.Background(), Request{Tag: "B-R"})
	assert.Equal(t, "https://tour.example/la", res.URL)
	assert.Equal(t, "evt-2", res.EventID)

	assert.False(t, h.cache.has("B-R"))
	assert.Len(t, h.sink.all(), 2)
}

func TestUnknownOrganizationGoesToGlobalFallback(t *testing.T) {
	h := newHarness()

	res := h.engine.Resolve(context.Background(), Request{Tag: "B-X", OrgSlug: "nobody"})
	assert.Equal(t, globalURL, res.URL)
	assert.Equal(t, OutcomeGlobalFallback, res.Outcome)

	res = h.engine.Resolve(context.Background(), Request{Tag: "B-X"})
	assert.Equal(t, globalURL, res.URL)

	assert.Empty(t, h.store.bandsFor("B-X"))
	assert.Empty(t, h.sink.all())
}

func TestOrganizationWithoutEligibleEventsUsesWebsite(t *testing.T) {
	h := newHarness()
	h.store.events["evt-1"].Status = model.EventStatusCompleted

	res := h.engine.Resolve(context.Background(), Request{Tag: "B-X", OrgSlug: "tour"})
	assert.Equal(t, orgSite, res.URL)
	assert.Equal(t, OutcomeOrgFallback, res.Outcome)
	assert.Empty(t, h.sink.all())
}

func TestStoreFailureDegradesGracefully(t *testing.T) {
	h := newHarness()
	h.store.failFind = true

	res := h.engine.Resolve(context.Background(), Request{Tag: "B-1", OrgSlug: "tour"})
	assert.Equal(t, orgSite, res.URL)

	res = h.engine.Resolve(context.Background(), Request{Tag: "B-1"})
	assert.Equal(t, globalURL, res.URL)
	assert.Empty(t, h.sink.all())
}

func TestOverrideEventWinsWhenInOrganization(t *testing.T) {
	h := newHarness()
	h.store.addEvent(model.Event{ID: "evt-draft", OrgID: "org-1", Status: model.EventStatusDraft,
		FallbackURL: ptr("https://tour.example/draft"), CreatedAt: now})

	res := h.engine.Resolve(context.Background(), Request{Tag: "B-T", EventID: "evt-draft", Position: milesNorth(1)})
	assert.Equal(t, StrategyOverride, res.Strategy)
	assert.Equal(t, "https://tour.example/draft", res.URL)
	assert.Equal(t, "evt-draft", res.EventID)
}

func TestOverrideFromAnotherOrganizationIsIgnored(t *testing.T) {
	h := newHarness()
	h.store.addOrg("org-2", "other", "https://other.example")
	h.store.addEvent(model.Event{ID: "evt-other", OrgID: "org-2", FallbackURL: ptr("https://other.example/evt"), CreatedAt: now})

	res := h.engine.Resolve(context.Background(), Request{Tag: "B-X", EventID: "evt-other", OrgSlug: "tour", Position: milesNorth(1)})

	assert.Equal(t, StrategyGeo, res.Strategy)
	assert.Equal(t, "evt-1", res.EventID)
	assert.Equal(t, liveURL, res.URL)
	bands := h.store.bandsFor("B-X")
	require.Len(t, bands, 1)
	assert.Equal(t, "evt-1", bands[0].EventID)
}

func TestOverrideImpliesOrganizationWhenHostHasNone(t *testing.T) {
	h := newHarness()
	h.store.addOrg("org-2", "other", "https://other.example")
	h.store.addEvent(model.Event{ID: "evt-other", OrgID: "org-2", FallbackURL: ptr("https://other.example/evt"), CreatedAt: now})

	res := h.engine.Resolve(context.Background(), Request{Tag: "B-Y", EventID: "evt-other", OrgSlug: "unknown"})
	assert.Equal(t, StrategyOverride, res.Strategy)
	assert.Equal(t, "evt-other", res.EventID)
	assert.Equal(t, "https://other.example/evt", res.URL)
}

func TestOverrideMustBeAssignable(t *testing.T) {
	h := newHarness()
	h.store.addOrg("org-2", "other", "https://other.example")
	h.store.addEvent(model.Event{ID: "evt-other", OrgID: "org-2", Status: model.EventStatusCompleted, CreatedAt: now})

	res := h.engine.Resolve(context.Background(), Request{Tag: "B-T", EventID: "evt-other"})
	assert.Equal(t, "https://other.example", res.URL)
	assert.Equal(t, OutcomeOrgFallback, res.Outcome)
	assert.Empty(t, h.store.bandsFor("B-T"))
}

func TestFallbacksWithoutEventRecordNoTap(t *testing.T) {
	h := newHarness()
	h.store.addOrg("org-empty", "empty", "https://empty.example")

	res := h.engine.Resolve(context.Background(), Request{Tag: "B-E", OrgSlug: "empty"})
	assert.Equal(t, OutcomeOrgFallback, res.Outcome)

	res = h.engine.Resolve(context.Background(), Request{Tag: "B-G"})
	assert.Equal(t, OutcomeGlobalFallback, res.Outcome)

	// taps join tap_logs through a band, so a resolution with no event has nothing to record
	assert.Empty(t, h.sink.all())
}

func TestConcurrentFirstScansCreateOneBand(t *testing.T) {
	h := newHarness()
	const callers = 8
	var gate sync.WaitGroup
	gate.Add(callers)
	h.store.findGate = &gate

	results := make([]Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.engine.Resolve(context.Background(), Request{Tag: "B-RACE", OrgSlug: "tour", Position: milesNorth(3)})
		}(i)
	}
	wg.Wait()

	assert.Len(t, h.store.bandsFor("B-RACE"), 1)
	created := 0
	for _, r := range results {
		assert.Equal(t, liveURL, r.URL)
		if r.Created {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Len(t, h.sink.all(), callers)
}

func TestDryRunHasNoSideEffects(t *testing.T) {
	h := newHarness()

	res := h.engine.Resolve(context.Background(), Request{Tag: "B-D", OrgSlug: "tour", Position: milesNorth(60), DryRun: true})
	assert.Equal(t, orgSite, res.URL)
	require.NotNil(t, res.Band)
	assert.True(t, res.Band.Flagged)

	assert.Empty(t, h.store.bandsFor("B-D"))
	assert.False(t, h.cache.has("B-D"))
	assert.Empty(t, h.sink.all())
}

func TestNoActiveWindowFallbackChain(t *testing.T) {
	h := newHarness()
	h.store.events["evt-1"].Windows = nil
	h.store.addBand(model.Band{Tag: "B-1", EventID: "evt-1"})

	res := h.engine.Resolve(context.Background(), Request{Tag: "B-1"})
	assert.Equal(t, "https://tour.example/evt-1", res.URL)
	assert.Equal(t, model.ModePre, res.Mode)

	h.store.events["evt-1"].FallbackURL = nil
	_ = h.engine.Invalidate(context.Background(), "B-1")
	res = h.engine.Resolve(context.Background(), Request{Tag: "B-1"})
	assert.Equal(t, orgSite, res.URL)

	h.store.orgs["org-1"].WebsiteURL = nil
	_ = h.engine.Invalidate(context.Background(), "B-1")
	res = h.engine.Resolve(context.Background(), Request{Tag: "B-1"})
	assert.Equal(t, globalURL, res.URL)
}

func states(res Result) []State {
	out := make([]State, 0, len(res.Steps))
	for _, s := range res.Steps {
		out = append(out, s.State)
	}
	return out
}
