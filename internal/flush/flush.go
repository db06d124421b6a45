// Package flush moves taps from the queue into the relational store in large
// batches. Each batch is one transaction; a batch that fails goes back on the
// queue untouched and the run moves on to the next one.
package flush

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Nixie-Tech-LLC/bandtap/internal/alert"
	"github.com/Nixie-Tech-LLC/bandtap/internal/db"
	"github.com/Nixie-Tech-LLC/bandtap/internal/metrics"
	"github.com/Nixie-Tech-LLC/bandtap/internal/model"
	"github.com/Nixie-Tech-LLC/bandtap/internal/storage"
	"github.com/Nixie-Tech-LLC/bandtap/internal/tapqueue"
)

const (
	DefaultBatchSize = 50000
	DefaultBudget    = 50 * time.Second
	DefaultHighWater = 200000
)

// Store is the part of db.Store the flush worker writes through.
type Store interface {
	ResolveBandRefs(ctx context.Context, tags []string) ([]model.BandRef, error)
	PersistTapBatch(ctx context.Context, rows []model.TapLogEntry, aggregate db.AggregateFunc) (int, error)
}

type Config struct {
	BatchSize int
	Budget    time.Duration
	HighWater int64
}

type Worker struct {
	queue      *tapqueue.Queue
	store      Store
	deadLetter storage.DeadLetter
	alerter    alert.Alerter
	cfg        Config
	now        func() time.Time
}

func NewWorker(queue *tapqueue.Queue, store Store, deadLetter storage.DeadLetter, alerter alert.Alerter, cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.HighWater <= 0 {
		cfg.HighWater = DefaultHighWater
	}
	if alerter == nil {
		alerter = alert.LogAlerter{}
	}
	return &Worker{queue: queue, store: store, deadLetter: deadLetter, alerter: alerter, cfg: cfg, now: time.Now}
}

// Run drains the items queued when it started, batch by batch, until they are
// handled or the time budget is spent. It only fails when nothing could be
// drained at all; per-batch failures are requeued and counted in the report.
func (w *Worker) Run(ctx context.Context) (model.FlushReport, error) {
	start := w.now()
	deadline := start.Add(w.cfg.Budget)
	var report model.FlushReport

	depth, err := w.queue.Depth(ctx)
	if err != nil {
		return report, err
	}
	if depth > w.cfg.HighWater {
		metrics.QueueHighWater.Inc()
		w.raise(ctx, alert.Alert{
			Kind:    alert.KindQueueHighWater,
			Message: "tap queue above high-water mark",
			Fields:  map[string]any{"depth": depth, "high_water": w.cfg.HighWater},
		})
	}

	// Items pushed during the run, requeued failures included, wait for the next run.
	var drained int64
	for drained < depth && w.now().Before(deadline) && ctx.Err() == nil {
		items, err := w.queue.Drain(ctx, int(min(int64(w.cfg.BatchSize), depth-drained)))
		if err != nil {
			if report.Batches == 0 {
				return report, err
			}
			log.Error().Err(err).Int("batches", report.Batches).Msg("draining tap queue failed, ending run")
			break
		}
		if len(items) == 0 {
			break
		}
		drained += int64(len(items))
		report.Batches++
		w.processBatch(ctx, items, &report)
	}

	if remaining, err := w.queue.Depth(context.WithoutCancel(ctx)); err != nil {
		log.Warn().Err(err).Msg("reading remaining tap queue depth failed")
	} else {
		report.Remaining = remaining
		metrics.QueueDepth.Set(float64(remaining))
	}

	elapsed := w.now().Sub(start)
	report.DurationMs = elapsed.Milliseconds()
	metrics.FlushDuration.Observe(elapsed.Seconds())

	log.Info().
		Int("flushed", report.Flushed).
		Int("batches", report.Batches).
		Int("failed_batches", report.FailedBatches).
		Int("dropped", report.Dropped).
		Int("malformed", report.Malformed).
		Int64("remaining", report.Remaining).
		Int64("duration_ms", report.DurationMs).
		Msg("tap flush finished")
	return report, nil
}

// pending is a decoded item kept next to its raw form so it can be requeued verbatim.
type pending struct {
	raw string
	ev  model.TapEvent
}

func (w *Worker) processBatch(ctx context.Context, items []string, report *model.FlushReport) {
	var (
		valid     []pending
		malformed []string
	)
	for _, raw := range items {
		ev, err := tapqueue.Decode(raw)
		if err != nil {
			malformed = append(malformed, raw)
			continue
		}
		valid = append(valid, pending{raw: raw, ev: ev})
	}
	if len(malformed) > 0 {
		report.Malformed += len(malformed)
		metrics.FlushItems.WithLabelValues("malformed").Add(float64(len(malformed)))
		w.archive(ctx, "malformed", malformed)
	}
	if len(valid) == 0 {
		metrics.FlushBatches.WithLabelValues("ok").Inc()
		return
	}

	refs, err := w.store.ResolveBandRefs(ctx, uniqueTags(valid))
	if err != nil {
		w.fail(ctx, report, rawOf(valid), fmt.Errorf("resolve band refs: %w", err))
		return
	}
	ids := make(map[[2]string]int64, len(refs))
	for _, r := range refs {
		ids[[2]string{r.Tag, r.EventID}] = r.ID
	}

	rows := make([]model.TapLogEntry, 0, len(valid))
	kept := make([]string, 0, len(valid))
	var unresolved []string
	for _, p := range valid {
		id, ok := ids[[2]string{p.ev.Tag, p.ev.EventID}]
		if !ok {
			unresolved = append(unresolved, p.raw)
			continue
		}
		rows = append(rows, toEntry(id, p.ev))
		kept = append(kept, p.raw)
	}
	if len(unresolved) > 0 {
		report.Dropped += len(unresolved)
		metrics.FlushItems.WithLabelValues("dropped").Add(float64(len(unresolved)))
		log.Warn().Int("taps", len(unresolved)).Msg("dropping taps for unknown bands")
		w.archive(ctx, "unresolved", unresolved)
	}
	if len(rows) == 0 {
		metrics.FlushBatches.WithLabelValues("ok").Inc()
		return
	}

	inserted, err := w.store.PersistTapBatch(ctx, rows, Aggregate)
	if err != nil {
		w.fail(ctx, report, kept, err)
		return
	}
	report.Flushed += len(rows)
	metrics.FlushBatches.WithLabelValues("ok").Inc()
	metrics.FlushItems.WithLabelValues("flushed").Add(float64(len(rows)))
	if dup := len(rows) - inserted; dup > 0 {
		log.Info().Int("taps", dup).Msg("skipped taps already persisted")
	}
}

// fail puts a batch back on the tail of the queue for the next run.
func (w *Worker) fail(ctx context.Context, report *model.FlushReport, raws []string, cause error) {
	report.FailedBatches++
	metrics.FlushBatches.WithLabelValues("failed").Inc()
	log.Error().Err(cause).Int("taps", len(raws)).Msg("tap batch failed, requeueing")

	fields := map[string]any{"taps": len(raws), "error": cause.Error()}
	if err := w.queue.Requeue(context.WithoutCancel(ctx), raws); err != nil {
		fields["requeue_error"] = err.Error()
		log.Error().Err(err).Int("taps", len(raws)).Msg("requeueing failed batch failed, archiving")
		w.archive(ctx, "requeue_failed", raws)
	} else {
		metrics.FlushItems.WithLabelValues("requeued").Add(float64(len(raws)))
	}
	w.raise(ctx, alert.Alert{Kind: alert.KindFlushFailed, Message: "tap flush batch failed", Fields: fields})
}

func (w *Worker) archive(ctx context.Context, reason string, raws []string) {
	if w.deadLetter == nil {
		log.Error().Str("reason", reason).Int("taps", len(raws)).Msg("no dead-letter storage, discarding taps")
		return
	}
	name, err := w.deadLetter.Archive(context.WithoutCancel(ctx), reason, raws)
	if err != nil {
		log.Error().Err(err).Str("reason", reason).Int("taps", len(raws)).Msg("dead-letter archive failed")
		return
	}
	log.Warn().Str("reason", reason).Str("archive", name).Int("taps", len(raws)).Msg("taps archived")
}

func (w *Worker) raise(ctx context.Context, a alert.Alert) {
	if err := w.alerter.Critical(ctx, a); err != nil {
		log.Warn().Err(err).Str("kind", a.Kind).Msg("alert delivery failed")
	}
}

// Aggregate folds inserted rows into one delta per band, ordered by band id so
// concurrent transactions lock bands in the same order.
func Aggregate(rows []model.TapLogEntry) []model.BandAggregate {
	byBand := make(map[int64]*model.BandAggregate)
	for _, r := range rows {
		agg, ok := byBand[r.BandID]
		if !ok {
			byBand[r.BandID] = &model.BandAggregate{BandID: r.BandID, Delta: 1, FirstTap: r.TappedAt, LastTap: r.TappedAt}
			continue
		}
		agg.Delta++
		if r.TappedAt.Before(agg.FirstTap) {
			agg.FirstTap = r.TappedAt
		}
		if r.TappedAt.After(agg.LastTap) {
			agg.LastTap = r.TappedAt
		}
	}

	out := make([]model.BandAggregate, 0, len(byBand))
	for _, agg := range byBand {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BandID < out[j].BandID })
	return out
}

func toEntry(bandID int64, ev model.TapEvent) model.TapLogEntry {
	return model.TapLogEntry{
		TapID:       ev.TapID,
		BandID:      bandID,
		EventID:     ev.EventID,
		WindowID:    ev.WindowID,
		Mode:        ev.Mode,
		RedirectURL: ev.RedirectURL,
		TappedAt:    ev.TappedAt,
		IP:          optional(ev.Meta.IP),
		UserAgent:   optional(ev.Meta.UserAgent),
		Referer:     optional(ev.Meta.Referer),
		Country:     optional(ev.Meta.Country),
		City:        optional(ev.Meta.City),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func uniqueTags(ps []pending) []string {
	seen := make(map[string]struct{}, len(ps))
	tags := make([]string, 0, len(ps))
	for _, p := range ps {
		if _, ok := seen[p.ev.Tag]; ok {
			continue
		}
		seen[p.ev.Tag] = struct{}{}
		tags = append(tags, p.ev.Tag)
	}
	return tags
}

func rawOf(ps []pending) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.raw
	}
	return out
}
