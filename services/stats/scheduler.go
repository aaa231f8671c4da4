package stats

import (
	"context"
	"time"

	"storefront-ledger/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Scheduler struct {
	service  *Service
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewScheduler(svc *Service, cfg *config.Config) *Scheduler {
	return &Scheduler{service: svc, interval: cfg.Ledger.Stats.RefreshInterval}
}

// StartScheduler refreshes the snapshot on the configured interval. A zero
// interval leaves refreshes to callers.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if s.interval <= 0 {
				zap.L().Info("[Scheduler] stats refresh disabled")
				return nil
			}
			ctx, cancel := context.WithCancel(context.Background())
			s.cancel = cancel
			s.done = make(chan struct{})
			go s.run(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if s.cancel == nil {
				return nil
			}
			s.cancel()
			select {
			case <-s.done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	zap.L().Info("[Scheduler] started stats scheduler", zap.Duration("interval", s.interval))

	s.refresh(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refresh(ctx)
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) refresh(ctx context.Context) {
	snap, err := s.service.GetServerStats(ctx, true)
	if err != nil {
		if ctx.Err() == nil {
			zap.L().Error("[Scheduler] failed to refresh server stats", zap.Error(err))
		}
		return
	}
	zap.L().Debug("[Scheduler] server stats refreshed", zap.Duration("duration", snap.CalculationDuration))
}
