package reconcile

import (
	"context"
	"time"

	"mirra/internal/gateway/exchange"
	"mirra/internal/logger"
	"mirra/internal/scheduler"
	"mirra/internal/store"
	"mirra/internal/store/model"
)

// Runner periodically sweeps positions whose close awaits an exchange record.
type Runner struct {
	store     *store.Store
	scanner   *Scanner
	factory   exchange.Factory
	leadCreds map[string]exchange.Credentials

	interval  time.Duration
	batchSize int
}

func NewRunner(st *store.Store, scanner *Scanner, factory exchange.Factory, leadCreds map[string]exchange.Credentials, interval time.Duration, batchSize int) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Runner{
		store:     st,
		scanner:   scanner,
		factory:   factory,
		leadCreds: leadCreds,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	sched := scheduler.NewIntervalScheduler(ctx, r.interval)
	sched.RunImmediately = true
	sched.Start("reconcile", r.tick)
}

func (r *Runner) tick(ctx context.Context) {
	positions, err := r.store.ListReconcilable(ctx, r.batchSize)
	if err != nil {
		logger.Errorf("读取待对账持仓失败: %v", err)
		return
	}
	for i := range positions {
		pos := &positions[i]
		adapter, err := r.adapterFor(ctx, pos)
		if err != nil {
			logger.Warnf("持仓 %d 无法构建适配器: %v", pos.ID, err)
			continue
		}
		if err := r.scanner.Scan(ctx, adapter, pos); err != nil {
			logger.Warnf("持仓 %d 对账失败: %v", pos.ID, err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// adapterFor builds the adapter with the position owner's credentials: the
// subscriber's own keys for copy positions, the lead's for the root.
func (r *Runner) adapterFor(ctx context.Context, pos *model.PositionModel) (exchange.Adapter, error) {
	creds, ok := r.leadCreds[pos.Exchange]
	if pos.SubscriberID != nil {
		sub, err := r.store.GetSubscriber(ctx, *pos.SubscriberID)
		if err != nil {
			return nil, err
		}
		creds = exchange.Credentials{APIKey: sub.APIKey, Secret: sub.Secret, Password: sub.Password}
	} else if !ok {
		creds = exchange.Credentials{}
	}
	return r.factory(pos.Exchange, creds, false)
}
