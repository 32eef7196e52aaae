// Package scheduler runs periodic background tasks.
package scheduler

import (
	"context"
	"time"

	"mirra/internal/logger"
)

// IntervalScheduler executes a task every Interval until the context is
// cancelled. The task runs on the scheduler goroutine; a slow tick delays the
// next one instead of overlapping it.
type IntervalScheduler struct {
	Interval       time.Duration
	RunImmediately bool

	ctx context.Context
}

func NewIntervalScheduler(ctx context.Context, interval time.Duration) *IntervalScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &IntervalScheduler{Interval: interval, ctx: ctx}
}

func (s *IntervalScheduler) Start(name string, task func(context.Context)) {
	if s == nil || task == nil {
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("IntervalScheduler[%s]: invalid interval=%s, exit", name, s.Interval)
		return
	}
	logger.Infof("IntervalScheduler[%s]: started interval=%s", name, s.Interval)

	if s.RunImmediately {
		task(s.ctx)
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			logger.Infof("IntervalScheduler[%s]: stopped", name)
			return
		case <-ticker.C:
			task(s.ctx)
		}
	}
}
