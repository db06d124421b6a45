// Package recorder takes taps off the request path. Handlers hand a tap over
// and respond at once; supervised workers write the queue item and the
// analytics counters in one pipelined round trip. When the buffer is full or
// the workers are shutting down, the tap is written inline instead, so a
// handed-over tap is never silently discarded.
package recorder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Nixie-Tech-LLC/bandtap/internal/analytics"
	"github.com/Nixie-Tech-LLC/bandtap/internal/metrics"
	"github.com/Nixie-Tech-LLC/bandtap/internal/model"
	"github.com/Nixie-Tech-LLC/bandtap/internal/tapqueue"
)

const (
	// maxPipelined caps how many buffered taps share one round trip.
	maxPipelined = 64
	writeTimeout = 3 * time.Second
)

// Sink accepts taps from request handlers.
type Sink interface {
	Submit(ev model.TapEvent)
}

type Recorder struct {
	rdb      redis.Cmdable
	queue    *tapqueue.Queue
	counters *analytics.Counters
	workers  int

	taps   chan model.TapEvent
	mu     sync.RWMutex
	closed bool
}

var _ Sink = (*Recorder)(nil)

func New(rdb redis.Cmdable, queue *tapqueue.Queue, counters *analytics.Counters, buffer, workers int) *Recorder {
	if buffer <= 0 {
		buffer = 4096
	}
	if workers <= 0 {
		workers = 1
	}
	return &Recorder{
		rdb:      rdb,
		queue:    queue,
		counters: counters,
		workers:  workers,
		taps:     make(chan model.TapEvent, buffer),
	}
}

// Record enqueues the taps and updates their counters in one round trip.
func (r *Recorder) Record(ctx context.Context, evs ...model.TapEvent) error {
	if len(evs) == 0 {
		return nil
	}
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := range evs {
			if err := r.queue.AppendTo(ctx, pipe, &evs[i]); err != nil {
				return err
			}
			r.counters.AppendTo(ctx, pipe, evs[i])
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record %d taps: %w", len(evs), err)
	}
	return nil
}

// Submit hands a tap to the workers without waiting for the write.
func (r *Recorder) Submit(ev model.TapEvent) {
	tapqueue.Prepare(&ev)

	r.mu.RLock()
	if !r.closed {
		select {
		case r.taps <- ev:
			r.mu.RUnlock()
			metrics.RecorderSubmitted.WithLabelValues("queued", "ok").Inc()
			metrics.RecorderBacklog.Set(float64(len(r.taps)))
			return
		default:
		}
	}
	r.mu.RUnlock()

	r.recordInline(ev)
}

func (r *Recorder) recordInline(ev model.TapEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.Record(ctx, ev); err != nil {
		metrics.RecorderSubmitted.WithLabelValues("inline", "error").Inc()
		log.Error().Err(err).Str("tag", ev.Tag).Str("tap_id", ev.TapID).Msg("inline tap record failed")
		return
	}
	metrics.RecorderSubmitted.WithLabelValues("inline", "ok").Inc()
}

// Serve implements suture.Service. On cancellation it stops accepting
// buffered taps and writes everything still in the buffer before returning.
func (r *Recorder) Serve(ctx context.Context) error {
	r.mu.Lock()
	r.closed = false
	r.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(ctx)
		}()
	}
	wg.Wait()

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	drained := r.drainRemaining()
	log.Info().Int("taps", drained).Msg("recorder stopped")
	return ctx.Err()
}

func (r *Recorder) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.taps:
			r.flush(r.collect(ev))
		}
	}
}

// collect gathers ev plus whatever else is already buffered, up to maxPipelined.
func (r *Recorder) collect(ev model.TapEvent) []model.TapEvent {
	batch := []model.TapEvent{ev}
	for len(batch) < maxPipelined {
		select {
		case next := <-r.taps:
			batch = append(batch, next)
		default:
			return batch
		}
	}
	return batch
}

func (r *Recorder) flush(batch []model.TapEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.Record(ctx, batch...); err != nil {
		metrics.RecorderSubmitted.WithLabelValues("queued", "error").Add(float64(len(batch)))
		log.Error().Err(err).Int("taps", len(batch)).Msg("recording taps failed")
	}
	metrics.RecorderBacklog.Set(float64(len(r.taps)))
}

func (r *Recorder) drainRemaining() int {
	n := 0
	for {
		select {
		case ev := <-r.taps:
			batch := r.collect(ev)
			r.flush(batch)
			n += len(batch)
		default:
			return n
		}
	}
}

// String names the service in supervisor logs.
func (r *Recorder) String() string {
	return "tap-recorder"
}
