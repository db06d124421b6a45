package flush

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler runs the worker on a fixed interval inside the origin process,
// for deployments without an external cron hitting /cron/flush-taps.
type Scheduler struct {
	worker   *Worker
	interval time.Duration
}

func NewScheduler(worker *Worker, interval time.Duration) *Scheduler {
	return &Scheduler{worker: worker, interval: interval}
}

// Serve implements suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.worker.Run(ctx); err != nil {
				log.Error().Err(err).Msg("scheduled tap flush failed")
			}
		}
	}
}

func (s *Scheduler) String() string {
	return "flush-scheduler"
}
