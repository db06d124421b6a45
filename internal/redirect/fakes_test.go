package redirect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Nixie-Tech-LLC/bandtap/internal/db"
	"github.com/Nixie-Tech-LLC/bandtap/internal/model"
	"github.com/Nixie-Tech-LLC/bandtap/internal/routecache"
)

// memStore enforces the (tag, event) uniqueness the real schema provides.
type memStore struct {
	mu     sync.Mutex
	orgs   map[string]*model.Organization
	events map[string]*model.Event
	bands  []model.Band
	nextID int64

	failFind bool
	// findGate, when set, holds FindBandsByTag until every caller arrived,
	// forcing concurrent first scans to race on creation
	findGate *sync.WaitGroup
	calls    int
}

func newMemStore() *memStore {
	return &memStore{orgs: map[string]*model.Organization{}, events: map[string]*model.Event{}}
}

func (s *memStore) addOrg(id, slug, website string) *model.Organization {
	o := &model.Organization{ID: id, Slug: slug}
	if website != "" {
		o.WebsiteURL = &website
	}
	s.orgs[id] = o
	return o
}

func (s *memStore) addEvent(ev model.Event) {
	if ev.Status == "" {
		ev.Status = model.EventStatusActive
	}
	s.events[ev.ID] = &ev
}

func (s *memStore) addBand(b model.Band) {
	s.nextID++
	b.ID = s.nextID
	s.bands = append(s.bands, b)
}

func (s *memStore) GetOrganizationByID(_ context.Context, id string) (*model.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if o, ok := s.orgs[id]; ok {
		return o, nil
	}
	return nil, db.ErrNotFound
}

func (s *memStore) GetOrganizationBySlug(_ context.Context, slug string) (*model.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	for _, o := range s.orgs {
		if o.Slug == slug {
			return o, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *memStore) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if ev, ok := s.events[id]; ok {
		cp := *ev
		return &cp, nil
	}
	return nil, db.ErrNotFound
}

func (s *memStore) ListEventsByIDs(_ context.Context, ids []string) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	var out []model.Event
	for _, id := range ids {
		if ev, ok := s.events[id]; ok {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (s *memStore) ListCandidateEvents(_ context.Context, orgID string) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	var out []model.Event
	for _, ev := range s.events {
		if ev.OrgID == orgID && ev.Status == model.EventStatusActive {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (s *memStore) FindBandsByTag(_ context.Context, tag string) ([]model.Band, error) {
	if s.findGate != nil {
		s.findGate.Done()
		s.findGate.Wait()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failFind {
		return nil, errors.New("connection refused")
	}
	var out []model.Band
	for _, b := range s.bands {
		if b.Tag == tag {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *memStore) CreateOrFetchBand(_ context.Context, nb model.NewBand) (model.Band, model.CreateOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	for _, b := range s.bands {
		if b.Tag == nb.Tag && b.EventID == nb.EventID {
			return b, model.AlreadyExists, nil
		}
	}
	s.nextID++
	b := model.Band{
		ID: s.nextID, Tag: nb.Tag, EventID: nb.EventID, AutoAssigned: nb.AutoAssigned,
		AutoAssignDistance: nb.AutoAssignDistance, Flagged: nb.Flagged, CreatedAt: time.Now(),
	}
	s.bands = append(s.bands, b)
	return b, model.Created, nil
}

func (s *memStore) bandsFor(tag string) []model.Band {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Band
	for _, b := range s.bands {
		if b.Tag == tag {
			out = append(out, b)
		}
	}
	return out
}

type memCache struct {
	mu      sync.Mutex
	routes  map[string]model.CacheRoute
	failGet bool
}

func newMemCache() *memCache {
	return &memCache{routes: map[string]model.CacheRoute{}}
}

func (c *memCache) Get(_ context.Context, tag string) (model.CacheRoute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failGet {
		return model.CacheRoute{}, errors.New("redis down")
	}
	r, ok := c.routes[tag]
	if !ok {
		return model.CacheRoute{}, routecache.ErrMiss
	}
	return r, nil
}

func (c *memCache) Set(_ context.Context, tag string, route model.CacheRoute) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[tag] = route
	return nil
}

func (c *memCache) Invalidate(_ context.Context, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.routes, tag)
	return nil
}

func (c *memCache) has(tag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.routes[tag]
	return ok
}

type memSink struct {
	mu   sync.Mutex
	taps []model.TapEvent
}

func (s *memSink) Submit(ev model.TapEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taps = append(s.taps, ev)
}

func (s *memSink) all() []model.TapEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.TapEvent(nil), s.taps...)
}
