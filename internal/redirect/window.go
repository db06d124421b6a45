package redirect

import (
	"time"

	"github.com/Nixie-Tech-LLC/bandtap/internal/model"
)

// SelectWindow returns the window that currently supplies an event's URL.
// A window that is both manual and active is forced regardless of its bounds.
// Windows without a URL never supply one.
// Otherwise the window whose bounds cover now wins; when several do, the one
// that started last is the most specific.
func SelectWindow(windows []model.Window, now time.Time) *model.Window {
	for i := range windows {
		if windows[i].IsManual && windows[i].IsActive && windows[i].URL != "" {
			return &windows[i]
		}
	}

	var best *model.Window
	for i := range windows {
		w := &windows[i]
		if w.URL == "" || !w.Covers(now) {
			continue
		}
		if best == nil || startsAfter(w, best) {
			best = w
		}
	}
	return best
}

func startsAfter(a, b *model.Window) bool {
	switch {
	case a.StartAt == nil:
		return false
	case b.StartAt == nil:
		return true
	default:
		return a.StartAt.After(*b.StartAt)
	}
}

var farFuture = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// nextWindowStart is the earliest start among the windows of an event that
// have not ended yet. Events with none sort last.
func nextWindowStart(ev *model.Event, now time.Time) time.Time {
	best := farFuture
	for _, w := range ev.Windows {
		if w.StartAt == nil {
			continue
		}
		if w.EndAt != nil && !w.EndAt.After(now) {
			continue
		}
		if w.StartAt.Before(best) {
			best = *w.StartAt
		}
	}
	return best
}
