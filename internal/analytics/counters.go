// Package analytics keeps best-effort real-time counters per event in Redis.
// Every bucket carries a TTL; nothing here grows without bound.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Nixie-Tech-LLC/bandtap/internal/model"
)

const (
	// VelocityTTL bounds the per-second buckets behind the live taps/second view.
	VelocityTTL = 30 * time.Minute
	// HourlyTTL bounds the hourly buckets.
	HourlyTTL = 8 * 24 * time.Hour

	hourLayout = "2006010215"
)

func totalKey(eventID string) string  { return "analytics:" + eventID + ":taps" }
func uniqueKey(eventID string) string { return "analytics:" + eventID + ":uniques" }
func modeKey(eventID string) string   { return "analytics:" + eventID + ":modes" }

func hourKey(eventID string, at time.Time) string {
	return "analytics:" + eventID + ":hour:" + at.UTC().Format(hourLayout)
}

func secondKey(eventID string, at time.Time) string {
	return "analytics:" + eventID + ":sec:" + strconv.FormatInt(at.Unix(), 10)
}

type Counters struct {
	rdb redis.Cmdable
}

func New(rdb redis.Cmdable) *Counters {
	return &Counters{rdb: rdb}
}

// AppendTo queues every counter update for one tap on a pipeline.
func (c *Counters) AppendTo(ctx context.Context, pipe redis.Pipeliner, ev model.TapEvent) {
	at := ev.TappedAt
	if at.IsZero() {
		at = time.Now()
	}
	mode := ev.Mode
	if mode == "" {
		mode = model.ModePre
	}

	pipe.Incr(ctx, totalKey(ev.EventID))
	pipe.PFAdd(ctx, uniqueKey(ev.EventID), ev.Tag)

	hk := hourKey(ev.EventID, at)
	pipe.Incr(ctx, hk)
	pipe.Expire(ctx, hk, HourlyTTL)

	pipe.HIncrBy(ctx, modeKey(ev.EventID), string(mode), 1)

	sk := secondKey(ev.EventID, at)
	pipe.Incr(ctx, sk)
	pipe.Expire(ctx, sk, VelocityTTL)
}

// Snapshot is the live view of one event.
type Snapshot struct {
	EventID       string               `json:"eventId"`
	Total         int64                `json:"total"`
	Unique        int64                `json:"unique"`
	Modes         map[model.Mode]int64 `json:"modes"`
	CurrentHour   int64                `json:"currentHour"`
	PerSecond     []int64              `json:"perSecond"`
	TapsPerSecond float64              `json:"tapsPerSecond"`
}

// Snapshot reads the counters of an event, with per-second buckets for the
// window seconds leading up to now (oldest first).
func (c *Counters) Snapshot(ctx context.Context, eventID string, now time.Time, window int) (Snapshot, error) {
	if window <= 0 {
		window = 60
	}
	secKeys := make([]string, window)
	for i := 0; i < window; i++ {
		secKeys[i] = secondKey(eventID, now.Add(-time.Duration(window-1-i)*time.Second))
	}

	var (
		total  *redis.StringCmd
		unique *redis.IntCmd
		modes  *redis.MapStringStringCmd
		hour   *redis.StringCmd
		secs   *redis.SliceCmd
	)
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		total = pipe.Get(ctx, totalKey(eventID))
		unique = pipe.PFCount(ctx, uniqueKey(eventID))
		modes = pipe.HGetAll(ctx, modeKey(eventID))
		hour = pipe.Get(ctx, hourKey(eventID, now))
		secs = pipe.MGet(ctx, secKeys...)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("analytics snapshot %s: %w", eventID, err)
	}

	snap := Snapshot{
		EventID:     eventID,
		Total:       intOrZero(total),
		Unique:      unique.Val(),
		Modes:       make(map[model.Mode]int64, len(model.Modes)),
		CurrentHour: intOrZero(hour),
		PerSecond:   make([]int64, window),
	}
	for _, m := range model.Modes {
		n, _ := strconv.ParseInt(modes.Val()[string(m)], 10, 64)
		snap.Modes[m] = n
	}
	var sum int64
	for i, v := range secs.Val() {
		if s, ok := v.(string); ok {
			n, _ := strconv.ParseInt(s, 10, 64)
			snap.PerSecond[i] = n
			sum += n
		}
	}
	snap.TapsPerSecond = float64(sum) / float64(window)
	return snap, nil
}

func intOrZero(cmd *redis.StringCmd) int64 {
	n, err := cmd.Int64()
	if err != nil {
		return 0
	}
	return n
}
