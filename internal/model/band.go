package model

import "time"

// Band is a physical tag bound to one event. The (tag, event) pair is unique;
// the same printed tag may exist once per event when inventory is reused.
type Band struct {
	ID                 int64      `db:"id"                   json:"id"`
	Tag                string     `db:"tag"                  json:"bandId"`
	EventID            string     `db:"event_id"             json:"eventId"`
	AutoAssigned       bool       `db:"auto_assigned"        json:"autoAssigned"`
	AutoAssignDistance *float64   `db:"auto_assign_distance" json:"autoAssignDistance,omitempty"`
	Flagged            bool       `db:"flagged"              json:"flagged"`
	TapCount           int64      `db:"tap_count"            json:"tapCount"`
	FirstTapAt         *time.Time `db:"first_tap_at"         json:"firstTapAt,omitempty"`
	LastTapAt          *time.Time `db:"last_tap_at"          json:"lastTapAt,omitempty"`
	CreatedAt          time.Time  `db:"created_at"           json:"createdAt"`
}

// NewBand carries the fields set when a band is created on first scan.
type NewBand struct {
	Tag                string
	EventID            string
	AutoAssigned       bool
	AutoAssignDistance *float64
	Flagged            bool
}

// CreateOutcome tells a caller of CreateOrFetchBand which branch produced the row.
type CreateOutcome int

const (
	Created CreateOutcome = iota
	AlreadyExists
)

func (o CreateOutcome) String() string {
	if o == Created {
		return "created"
	}
	return "already_exists"
}

// BandRef is the minimal row the flush worker needs to attach taps to a band.
type BandRef struct {
	ID      int64  `db:"id"`
	Tag     string `db:"tag"`
	EventID string `db:"event_id"`
}
