package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/Nixie-Tech-LLC/bandtap/internal/model"
)

// ResolveBandRefs maps every distinct tag of a batch to its live band rows in one query.
func (s *pgStore) ResolveBandRefs(ctx context.Context, tags []string) ([]model.BandRef, error) {
	var refs []model.BandRef
	if len(tags) == 0 {
		return refs, nil
	}
	err := s.db.SelectContext(ctx, &refs, `
		SELECT id, tag, event_id
		FROM bands
		WHERE tag = ANY($1) AND deleted_at IS NULL
		`, pq.Array(tags))
	if err != nil {
		log.Error().Err(err).Int("tags", len(tags)).Msg("ResolveBandRefs failed")
		return nil, err
	}
	return refs, nil
}

const insertTapLogs = `
	INSERT INTO tap_logs
	  (tap_id, band_id, event_id, window_id, mode, redirect_url, tapped_at,
	   ip, user_agent, referer, country, city)
	SELECT * FROM unnest(
	  $1::uuid[], $2::bigint[], $3::text[], $4::text[], $5::text[], $6::text[], $7::timestamptz[],
	  $8::text[], $9::text[], $10::text[], $11::text[], $12::text[])
	ON CONFLICT (tap_id) DO NOTHING
	RETURNING tap_id, band_id, event_id, window_id, mode, redirect_url, tapped_at,
	  ip, user_agent, referer, country, city`

const incrementTapCounts = `
	UPDATE bands AS b
	   SET tap_count   = b.tap_count + u.delta,
	       last_tap_at = GREATEST(b.last_tap_at, u.last_tap)
	  FROM unnest($1::bigint[], $2::bigint[], $3::timestamptz[]) AS u(id, delta, last_tap)
	 WHERE b.id = u.id`

const setFirstTaps = `
	UPDATE bands AS b
	   SET first_tap_at = u.first_tap
	  FROM unnest($1::bigint[], $2::timestamptz[]) AS u(id, first_tap)
	 WHERE b.id = u.id AND b.first_tap_at IS NULL`

// PersistTapBatch inserts a batch of tap rows in one statement and applies the
// per-band aggregates with two bulk updates, all inside one transaction. Rows
// whose tap_id is already stored are skipped and do not count towards the
// aggregates, so a retried batch never double counts. Returns the number of
// rows inserted.
func (s *pgStore) PersistTapBatch(ctx context.Context, rows []model.TapLogEntry, aggregate AggregateFunc) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tap batch: %w", err)
	}
	defer func() {
		// no-op once committed
		_ = tx.Rollback()
	}()

	n := len(rows)
	var (
		tapIDs    = make([]string, n)
		bandIDs   = make([]int64, n)
		eventIDs  = make([]string, n)
		windowIDs = make([]sql.NullString, n)
		modes     = make([]string, n)
		urls      = make([]string, n)
		tappedAt  = make([]string, n)
		ips       = make([]sql.NullString, n)
		agents    = make([]sql.NullString, n)
		referers  = make([]sql.NullString, n)
		countries = make([]sql.NullString, n)
		cities    = make([]sql.NullString, n)
	)
	for i, r := range rows {
		tapIDs[i] = r.TapID
		bandIDs[i] = r.BandID
		eventIDs[i] = r.EventID
		windowIDs[i] = nullString(r.WindowID)
		modes[i] = string(r.Mode)
		urls[i] = r.RedirectURL
		tappedAt[i] = r.TappedAt.UTC().Format(time.RFC3339Nano)
		ips[i] = nullString(r.IP)
		agents[i] = nullString(r.UserAgent)
		referers[i] = nullString(r.Referer)
		countries[i] = nullString(r.Country)
		cities[i] = nullString(r.City)
	}

	var inserted []model.TapLogEntry
	err = tx.SelectContext(ctx, &inserted, insertTapLogs,
		pq.Array(tapIDs), pq.Array(bandIDs), pq.Array(eventIDs), pq.Array(windowIDs),
		pq.Array(modes), pq.Array(urls), pq.Array(tappedAt),
		pq.Array(ips), pq.Array(agents), pq.Array(referers), pq.Array(countries), pq.Array(cities))
	if err != nil {
		return 0, fmt.Errorf("insert tap logs: %w", err)
	}

	aggs := aggregate(inserted)
	if len(aggs) > 0 {
		ids := make([]int64, len(aggs))
		deltas := make([]int64, len(aggs))
		firsts := make([]string, len(aggs))
		lasts := make([]string, len(aggs))
		for i, a := range aggs {
			ids[i] = a.BandID
			deltas[i] = a.Delta
			firsts[i] = a.FirstTap.UTC().Format(time.RFC3339Nano)
			lasts[i] = a.LastTap.UTC().Format(time.RFC3339Nano)
		}

		if _, err := tx.ExecContext(ctx, incrementTapCounts, pq.Array(ids), pq.Array(deltas), pq.Array(lasts)); err != nil {
			return 0, fmt.Errorf("increment tap counts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, setFirstTaps, pq.Array(ids), pq.Array(firsts)); err != nil {
			return 0, fmt.Errorf("set first taps: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tap batch: %w", err)
	}
	if skipped := n - len(inserted); skipped > 0 {
		log.Info().Int("skipped", skipped).Msg("tap batch contained already stored taps")
	}
	return len(inserted), nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
