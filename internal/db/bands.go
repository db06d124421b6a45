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

const bandColumns = `id, tag, event_id, auto_assigned, auto_assign_distance, flagged,
	tap_count, first_tap_at, last_tap_at, created_at`

// uniqueViolation is the Postgres SQLSTATE for a unique constraint conflict.
const uniqueViolation = "23505"

// FindBandsByTag returns every live (tag, event) row for a printed tag, oldest first.
func (s *pgStore) FindBandsByTag(ctx context.Context, tag string) ([]model.Band, error) {
	var bands []model.Band
	err := s.db.SelectContext(ctx, &bands, `
		SELECT `+bandColumns+`
		FROM bands
		WHERE tag = $1 AND deleted_at IS NULL
		ORDER BY created_at, id
		`, tag)
	if err != nil {
		log.Error().Err(err).Str("tag", tag).Msg("FindBandsByTag failed")
		return nil, err
	}
	return bands, nil
}

// CreateOrFetchBand inserts the band optimistically. When a concurrent first
// scan already created the (tag, event) row, the existing row is returned.
func (s *pgStore) CreateOrFetchBand(ctx context.Context, nb model.NewBand) (model.Band, model.CreateOutcome, error) {
	var b model.Band
	err := s.db.GetContext(ctx, &b, `
		INSERT INTO bands (tag, event_id, auto_assigned, auto_assign_distance, flagged, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING `+bandColumns,
		nb.Tag, nb.EventID, nb.AutoAssigned, nb.AutoAssignDistance, nb.Flagged)
	if err == nil {
		return b, model.Created, nil
	}
	if !isUniqueViolation(err) {
		log.Error().Err(err).Str("tag", nb.Tag).Str("event_id", nb.EventID).Msg("CreateOrFetchBand insert failed")
		return model.Band{}, model.Created, err
	}

	err = s.db.GetContext(ctx, &b, `
		SELECT `+bandColumns+`
		FROM bands
		WHERE tag = $1 AND event_id = $2 AND deleted_at IS NULL
		`, nb.Tag, nb.EventID)
	if errors.Is(err, sql.ErrNoRows) {
		// conflicting row was purged between the insert and the re-fetch
		return model.Band{}, model.AlreadyExists, fmt.Errorf("band %s/%s: %w", nb.Tag, nb.EventID, ErrNotFound)
	}
	if err != nil {
		log.Error().Err(err).Str("tag", nb.Tag).Msg("CreateOrFetchBand re-fetch failed")
		return model.Band{}, model.AlreadyExists, err
	}
	log.Debug().Str("tag", nb.Tag).Str("event_id", nb.EventID).Msg("band created concurrently, using existing row")
	return b, model.AlreadyExists, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
