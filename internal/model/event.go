package model

import (
	"strings"
	"time"
)

type Organization struct {
	ID         string  `db:"id"          json:"id"`
	Slug       string  `db:"slug"        json:"slug"`
	WebsiteURL *string `db:"website_url" json:"websiteUrl,omitempty"`
}

const (
	EventStatusDraft     = "draft"
	EventStatusActive    = "active"
	EventStatusCompleted = "completed"
)

type Event struct {
	ID          string    `db:"id"           json:"id"`
	OrgID       string    `db:"org_id"       json:"orgId"`
	Name        string    `db:"name"         json:"name"`
	Status      string    `db:"status"       json:"status"`
	Latitude    *float64  `db:"latitude"     json:"latitude,omitempty"`
	Longitude   *float64  `db:"longitude"    json:"longitude,omitempty"`
	FallbackURL *string   `db:"fallback_url" json:"fallbackUrl,omitempty"`
	CreatedAt   time.Time `db:"created_at"   json:"createdAt"`

	Windows []Window `db:"-" json:"windows"`
}

// HasCoordinates reports whether the event can take part in geo matching.
func (e *Event) HasCoordinates() bool {
	return e.Latitude != nil && e.Longitude != nil
}

// IsAssignable reports whether operators may force a band onto this event.
func (e *Event) IsAssignable() bool {
	return e.Status == EventStatusActive || e.Status == EventStatusDraft
}

type WindowType string

const (
	WindowPre  WindowType = "PRE"
	WindowLive WindowType = "LIVE"
	WindowPost WindowType = "POST"
)

// Window is a time-bounded redirect rule attached to an event.
type Window struct {
	ID        string     `db:"id"         json:"id"`
	EventID   string     `db:"event_id"   json:"eventId"`
	Type      WindowType `db:"type"       json:"type"`
	URL       string     `db:"url"        json:"url"`
	StartAt   *time.Time `db:"start_at"   json:"startAt,omitempty"`
	EndAt     *time.Time `db:"end_at"     json:"endAt,omitempty"`
	IsActive  bool       `db:"is_active"  json:"isActive"`
	IsManual  bool       `db:"is_manual"  json:"isManual"`
	Position  int        `db:"position"   json:"position"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
}

// Covers reports whether at falls inside the window's bounds. Open bounds are unbounded.
func (w *Window) Covers(at time.Time) bool {
	if w.StartAt != nil && at.Before(*w.StartAt) {
		return false
	}
	if w.EndAt != nil && !at.Before(*w.EndAt) {
		return false
	}
	return true
}

// Mode maps the window type onto the analytics mode split.
func (w *Window) Mode() Mode {
	switch WindowType(strings.ToUpper(string(w.Type))) {
	case WindowLive:
		return ModeLive
	case WindowPost:
		return ModePost
	default:
		return ModePre
	}
}
