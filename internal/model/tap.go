package model

import "time"

// Mode is the redirect mode recorded for a tap.
type Mode string

const (
	ModePre  Mode = "pre"
	ModeLive Mode = "live"
	ModePost Mode = "post"
)

// Modes lists every mode in display order.
var Modes = []Mode{ModePre, ModeLive, ModePost}

// CacheRoute is the cached outcome of a single-event resolution, keyed by tag.
type CacheRoute struct {
	URL      string  `json:"url"`
	EventID  string  `json:"eventId"`
	Mode     Mode    `json:"mode"`
	WindowID *string `json:"windowId,omitempty"`
}

// RequestMeta is the per-request context stored with each tap.
type RequestMeta struct {
	IP        string   `json:"ip,omitempty"`
	UserAgent string   `json:"ua,omitempty"`
	Referer   string   `json:"ref,omitempty"`
	Country   string   `json:"country,omitempty"`
	City      string   `json:"city,omitempty"`
	Latitude  *float64 `json:"lat,omitempty"`
	Longitude *float64 `json:"lng,omitempty"`
	Tier      string   `json:"tier,omitempty"`
}

// TapEvent is one queue item. It is self-contained so the flush worker needs
// nothing but the band lookup to persist it.
type TapEvent struct {
	TapID       string      `json:"tapId"`
	Tag         string      `json:"bandId"`
	EventID     string      `json:"eventId"`
	WindowID    *string     `json:"windowId,omitempty"`
	Mode        Mode        `json:"mode"`
	RedirectURL string      `json:"redirectUrl"`
	TappedAt    time.Time   `json:"timestamp"`
	Meta        RequestMeta `json:"meta"`
}

// TapLogEntry is one persisted tap row.
type TapLogEntry struct {
	TapID       string    `db:"tap_id"`
	BandID      int64     `db:"band_id"`
	EventID     string    `db:"event_id"`
	WindowID    *string   `db:"window_id"`
	Mode        Mode      `db:"mode"`
	RedirectURL string    `db:"redirect_url"`
	TappedAt    time.Time `db:"tapped_at"`
	IP          *string   `db:"ip"`
	UserAgent   *string   `db:"user_agent"`
	Referer     *string   `db:"referer"`
	Country     *string   `db:"country"`
	City        *string   `db:"city"`
}

// BandAggregate is the per-band delta produced by one flush batch.
type BandAggregate struct {
	BandID   int64
	Delta    int64
	FirstTap time.Time
	LastTap  time.Time
}

// FlushReport summarizes one flush invocation.
type FlushReport struct {
	Flushed       int   `json:"flushed"`
	Batches       int   `json:"batches"`
	FailedBatches int   `json:"failedBatches"`
	Dropped       int   `json:"dropped"`
	Malformed     int   `json:"malformed"`
	Remaining     int64 `json:"remaining"`
	DurationMs    int64 `json:"durationMs"`
}
