package redirect

import (
	"errors"
	"time"

	"github.com/Nixie-Tech-LLC/bandtap/internal/model"
)

// ErrNoEligibleEvent means the organization has nothing a band can be assigned to.
var ErrNoEligibleEvent = errors.New("no eligible event")

// Strategy names how an auto-assignment was decided.
type Strategy string

const (
	StrategyOverride Strategy = "override"
	StrategyGeo      Strategy = "geo_nearest"
	StrategyFallback Strategy = "most_windows"
)

// Assignment is the event picked for a never-seen band.
type Assignment struct {
	Event    *model.Event
	Strategy Strategy
	Distance *float64
}

// distanceTie is the spread under which two events count as equally near.
const distanceTie = 0.01

// Assign picks the event for a never-seen band. override is an operator
// supplied event already loaded by the caller (nil when absent); it only wins
// when it belongs to orgID and is active or draft. candidates are the
// organization's live events.
func Assign(orgID string, override *model.Event, candidates []model.Event, at *Point, now time.Time) (Assignment, error) {
	if override != nil && override.OrgID == orgID && override.IsAssignable() {
		a := Assignment{Event: override, Strategy: StrategyOverride}
		if at != nil && override.HasCoordinates() {
			d := DistanceMiles(at.Lat, at.Lng, *override.Latitude, *override.Longitude)
			a.Distance = &d
		}
		return a, nil
	}

	if at != nil {
		if ev, d, ok := nearest(candidates, *at, now); ok {
			return Assignment{Event: ev, Strategy: StrategyGeo, Distance: &d}, nil
		}
	}

	if ev := mostWindows(candidates); ev != nil {
		return Assignment{Event: ev, Strategy: StrategyFallback}, nil
	}
	return Assignment{}, ErrNoEligibleEvent
}

// nearest returns the closest event with coordinates. Ties go to the event
// whose next window starts first.
func nearest(events []model.Event, at Point, now time.Time) (*model.Event, float64, bool) {
	var (
		best     *model.Event
		bestDist float64
	)
	for i := range events {
		ev := &events[i]
		if !ev.HasCoordinates() {
			continue
		}
		d := DistanceMiles(at.Lat, at.Lng, *ev.Latitude, *ev.Longitude)
		switch {
		case best == nil || d < bestDist-distanceTie:
			best, bestDist = ev, d
		case d <= bestDist+distanceTie && nextWindowStart(ev, now).Before(nextWindowStart(best, now)):
			best, bestDist = ev, d
		}
	}
	return best, bestDist, best != nil
}

// mostWindows returns the event with the most configured windows, oldest first on ties.
func mostWindows(events []model.Event) *model.Event {
	var best *model.Event
	for i := range events {
		ev := &events[i]
		switch {
		case best == nil:
			best = ev
		case len(ev.Windows) > len(best.Windows):
			best = ev
		case len(ev.Windows) == len(best.Windows) && ev.CreatedAt.Before(best.CreatedAt):
			best = ev
		}
	}
	return best
}

// candidate is one (band, event) row of a reused tag.
type candidate struct {
	band  model.Band
	event *model.Event
}

// disambiguate picks among several events sharing a tag: nearest event with
// coordinates when the caller position is known, else the oldest band row.
func disambiguate(cands []candidate, at *Point) candidate {
	if at != nil {
		var (
			best     *candidate
			bestDist float64
		)
		for i := range cands {
			ev := cands[i].event
			if !ev.HasCoordinates() {
				continue
			}
			d := DistanceMiles(at.Lat, at.Lng, *ev.Latitude, *ev.Longitude)
			if best == nil || d < bestDist {
				best, bestDist = &cands[i], d
			}
		}
		if best != nil {
			return *best
		}
	}

	oldest := cands[0]
	for _, c := range cands[1:] {
		if c.band.CreatedAt.Before(oldest.band.CreatedAt) ||
			(c.band.CreatedAt.Equal(oldest.band.CreatedAt) && c.band.ID < oldest.band.ID) {
			oldest = c
		}
	}
	return oldest
}
