// Package tapqueue is the durable, ordered tap log queue shared by the edge
// frontend and the origin engine. Items are JSON encoded TapEvents in a Redis
// list; producers push to the tail and the flush worker claims from the head.
package tapqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Nixie-Tech-LLC/bandtap/internal/model"
)

// DefaultKey is the Redis list holding pending taps.
const DefaultKey = "taps:queue"

// requeueChunk bounds the argument count of a single RPUSH.
const requeueChunk = 10000

// drainScript reads and removes up to ARGV[1] items from the head in one step,
// so overlapping flush runs can never claim the same item.
var drainScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1)
if #items > 0 then
  redis.call('LTRIM', KEYS[1], #items, -1)
end
return items
`)

type Queue struct {
	rdb redis.Cmdable
	key string
}

func New(rdb redis.Cmdable, key string) *Queue {
	if key == "" {
		key = DefaultKey
	}
	return &Queue{rdb: rdb, key: key}
}

// Prepare stamps a tap with an idempotency key and timestamp if missing.
func Prepare(ev *model.TapEvent) {
	if ev.TapID == "" {
		ev.TapID = uuid.NewString()
	}
	if ev.TappedAt.IsZero() {
		ev.TappedAt = time.Now().UTC()
	}
}

// Encode serializes a tap for the queue.
func Encode(ev model.TapEvent) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode tap: %w", err)
	}
	return raw, nil
}

// Decode parses a queue item. Items without a tag or event are malformed.
func Decode(raw string) (model.TapEvent, error) {
	var ev model.TapEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return model.TapEvent{}, fmt.Errorf("decode tap: %w", err)
	}
	if ev.Tag == "" || ev.EventID == "" || ev.TapID == "" {
		return model.TapEvent{}, fmt.Errorf("decode tap: missing bandId, eventId or tapId")
	}
	if _, err := uuid.Parse(ev.TapID); err != nil {
		return model.TapEvent{}, fmt.Errorf("decode tap: bad tapId: %w", err)
	}
	if ev.TappedAt.IsZero() {
		return model.TapEvent{}, fmt.Errorf("decode tap: missing timestamp")
	}
	return ev, nil
}

// AppendTo queues the push of ev on a pipeline so callers can batch it with
// other writes in one round trip.
func (q *Queue) AppendTo(ctx context.Context, pipe redis.Pipeliner, ev *model.TapEvent) error {
	Prepare(ev)
	raw, err := Encode(*ev)
	if err != nil {
		return err
	}
	pipe.RPush(ctx, q.key, raw)
	return nil
}

// Drain atomically claims up to n items from the head.
func (q *Queue) Drain(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	items, err := drainScript.Run(ctx, q.rdb, []string{q.key}, n).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("drain tap queue: %w", err)
	}
	return items, nil
}

// Requeue pushes raw items back onto the tail in their original order.
func (q *Queue) Requeue(ctx context.Context, items []string) error {
	for start := 0; start < len(items); start += requeueChunk {
		end := min(start+requeueChunk, len(items))
		args := make([]interface{}, 0, end-start)
		for _, it := range items[start:end] {
			args = append(args, it)
		}
		if err := q.rdb.RPush(ctx, q.key, args...).Err(); err != nil {
			return fmt.Errorf("requeue %d taps: %w", len(items)-start, err)
		}
	}
	return nil
}

// Depth returns the number of pending items.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("tap queue depth: %w", err)
	}
	return n, nil
}
