package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/Nixie-Tech-LLC/bandtap/internal/model"
)

const eventColumns = `id, org_id, name, status, latitude, longitude, fallback_url, created_at`

func (s *pgStore) GetOrganizationByID(ctx context.Context, id string) (*model.Organization, error) {
	var org model.Organization
	err := s.db.GetContext(ctx, &org, `
		SELECT id, slug, website_url
		FROM organizations
		WHERE id = $1 AND deleted_at IS NULL
		`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		log.Error().Err(err).Str("org_id", id).Msg("GetOrganizationByID failed")
		return nil, err
	}
	return &org, nil
}

func (s *pgStore) GetOrganizationBySlug(ctx context.Context, slug string) (*model.Organization, error) {
	var org model.Organization
	err := s.db.GetContext(ctx, &org, `
		SELECT id, slug, website_url
		FROM organizations
		WHERE slug = $1 AND deleted_at IS NULL
		`, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		log.Error().Err(err).Str("slug", slug).Msg("GetOrganizationBySlug failed")
		return nil, err
	}
	return &org, nil
}

func (s *pgStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	var ev model.Event
	err := s.db.GetContext(ctx, &ev, `
		SELECT `+eventColumns+`
		FROM events
		WHERE id = $1 AND deleted_at IS NULL
		`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		log.Error().Err(err).Str("event_id", id).Msg("GetEvent failed")
		return nil, err
	}

	events := []model.Event{ev}
	if err := s.attachWindows(ctx, events); err != nil {
		return nil, err
	}
	return &events[0], nil
}

func (s *pgStore) ListEventsByIDs(ctx context.Context, ids []string) ([]model.Event, error) {
	var events []model.Event
	err := s.db.SelectContext(ctx, &events, `
		SELECT `+eventColumns+`
		FROM events
		WHERE id = ANY($1) AND deleted_at IS NULL
		ORDER BY created_at, id
		`, pq.Array(ids))
	if err != nil {
		log.Error().Err(err).Int("count", len(ids)).Msg("ListEventsByIDs failed")
		return nil, err
	}
	if err := s.attachWindows(ctx, events); err != nil {
		return nil, err
	}
	return events, nil
}

// ListCandidateEvents returns the live events of an organization that a
// never-seen band may be auto-assigned to.
func (s *pgStore) ListCandidateEvents(ctx context.Context, orgID string) ([]model.Event, error) {
	var events []model.Event
	err := s.db.SelectContext(ctx, &events, `
		SELECT `+eventColumns+`
		FROM events
		WHERE org_id = $1 AND status = $2 AND deleted_at IS NULL
		ORDER BY created_at, id
		`, orgID, model.EventStatusActive)
	if err != nil {
		log.Error().Err(err).Str("org_id", orgID).Msg("ListCandidateEvents failed")
		return nil, err
	}
	if err := s.attachWindows(ctx, events); err != nil {
		return nil, err
	}
	return events, nil
}

// attachWindows loads the windows of all given events in one query.
func (s *pgStore) attachWindows(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	ids := make([]string, len(events))
	byID := make(map[string]int, len(events))
	for i := range events {
		ids[i] = events[i].ID
		byID[events[i].ID] = i
		events[i].Windows = nil
	}

	var windows []model.Window
	err := s.db.SelectContext(ctx, &windows, `
		SELECT id, event_id, type, url, start_at, end_at, is_active, is_manual, position, created_at
		FROM event_windows
		WHERE event_id = ANY($1)
		ORDER BY event_id, position, start_at NULLS LAST, created_at
		`, pq.Array(ids))
	if err != nil {
		log.Error().Err(err).Int("events", len(ids)).Msg("loading event windows failed")
		return fmt.Errorf("load windows: %w", err)
	}
	for _, w := range windows {
		if i, ok := byID[w.EventID]; ok {
			events[i].Windows = append(events[i].Windows, w)
		}
	}
	return nil
}
