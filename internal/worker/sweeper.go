// Package worker runs the periodic jobs of the API process.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// Job is one periodic task. It returns how many items it touched.
type Job struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Sweeper runs every job once per Interval until the context ends. A failing
// job is logged and retried on the next tick.
type Sweeper struct {
	Interval time.Duration
	Jobs     []Job
	Logger   *slog.Logger
}

func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs each job once.
func (s *Sweeper) Tick(ctx context.Context) {
	for _, j := range s.Jobs {
		n, err := j.Run(ctx)
		if err != nil {
			s.Logger.Error("sweep job failed", "job", j.Name, "error", err)
			continue
		}
		if n > 0 {
			s.Logger.Debug("sweep job done", "job", j.Name, "count", n)
		}
	}
}
