package stats

import (
	"context"
	"sync"
	"time"

	"storefront-ledger/pkg/config"
	"storefront-ledger/pkg/db"
	"storefront-ledger/pkg/errutil"
	"storefront-ledger/pkg/logger"
	"storefront-ledger/services/ledger"
	"storefront-ledger/services/referral"
	"storefront-ledger/services/voucher"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

type Service struct {
	db     *gorm.DB
	mirror Mirror
	now    func() time.Time

	mu       sync.RWMutex
	snapshot *Snapshot
	group    singleflight.Group

	// compute is swapped in tests.
	compute func(ctx context.Context) (*Snapshot, error)
}

type ServiceParams struct {
	fx.In
	Stores db.Stores
	Config *config.Config
	Redis  *redis.Client `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	s := &Service{db: p.Stores.CMS, now: time.Now}
	s.compute = s.aggregate

	if p.Redis != nil {
		ttl := 2 * p.Config.Ledger.Stats.RefreshInterval
		s.mirror = NewRedisMirror(p.Redis, ttl)
	}
	return s
}

// GetServerStats serves the local or shared snapshot unless forceRefresh is
// set or neither exists yet. Concurrent refreshes share one aggregation.
func (s *Service) GetServerStats(ctx context.Context, forceRefresh bool) (*Snapshot, error) {
	if !forceRefresh {
		if cached := s.GetCachedServerStats(ctx); cached != nil {
			return cached, nil
		}
	}
	return s.refresh(ctx)
}

// GetCachedServerStats never aggregates. It returns nil until a snapshot was
// computed here or published by another replica.
func (s *Service) GetCachedServerStats(ctx context.Context) *Snapshot {
	if cached := s.local(); cached != nil {
		return cached
	}
	if s.mirror == nil {
		return nil
	}

	shared, err := s.mirror.Load(ctx)
	if err != nil {
		logger.FromContext(ctx).Warn("failed to load shared stats snapshot", zap.Error(err))
		return nil
	}
	return shared
}

func (s *Service) local() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

func (s *Service) refresh(ctx context.Context) (*Snapshot, error) {
	ch := s.group.DoChan("server", func() (any, error) {
		ctx := context.WithoutCancel(ctx)

		snap, err := s.compute(ctx)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.snapshot = snap
		s.mu.Unlock()

		if s.mirror != nil {
			if err := s.mirror.Save(ctx, snap); err != nil {
				logger.FromContext(ctx).Warn("failed to publish stats snapshot", zap.Error(err))
			}
		}
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

func (s *Service) aggregate(ctx context.Context) (*Snapshot, error) {
	start := s.now()
	snap := &Snapshot{}
	q := s.db.WithContext(ctx)

	var balances struct {
		Silk     int64
		Premium  int64
		Point    int64
		Accounts int64
		VIP      int64
	}
	err := q.Model(&ledger.SilkBalance{}).
		Select("COALESCE(SUM(silk_own), 0) AS silk, " +
			"COALESCE(SUM(silk_gift), 0) AS premium, " +
			"COALESCE(SUM(silk_point), 0) AS point, " +
			"COUNT(*) AS accounts, " +
			"COALESCE(SUM(CASE WHEN vip_level > 0 THEN 1 ELSE 0 END), 0) AS vip").
		Scan(&balances).Error
	if err != nil {
		return nil, errutil.FromStore("stats.balances", err)
	}
	snap.TotalSilk = balances.Silk
	snap.TotalPremiumSilk = balances.Premium
	snap.TotalPointSilk = balances.Point
	snap.AccountsWithBalance = balances.Accounts
	snap.VIPAccounts = balances.VIP

	var donations struct {
		Cents int64
		Count int64
	}
	err = q.Model(&ledger.Payment{}).
		Select("COALESCE(SUM(amount_usd_cents), 0) AS cents, COUNT(*) AS count").
		Where("method <> ?", ledger.MethodVote).
		Scan(&donations).Error
	if err != nil {
		return nil, errutil.FromStore("stats.donations", err)
	}
	snap.TotalDonationsUSDCents = donations.Cents
	snap.DonationCount = donations.Count

	if err := q.Model(&ledger.Payment{}).Where("method = ?", ledger.MethodVote).Count(&snap.VoteCount).Error; err != nil {
		return nil, errutil.FromStore("stats.votes", err)
	}

	err = q.Model(&referral.ReferralEarning{}).
		Select("COALESCE(SUM(points), 0)").
		Where("redeemed = ?", false).
		Scan(&snap.OutstandingReferralPoints).Error
	if err != nil {
		return nil, errutil.FromStore("stats.referrals", err)
	}

	if err := q.Model(&voucher.Voucher{}).Where("status = ?", voucher.StatusActive).Count(&snap.ActiveVouchers).Error; err != nil {
		return nil, errutil.FromStore("stats.vouchers", err)
	}

	snap.LastCalculated = s.now()
	snap.CalculationDuration = snap.LastCalculated.Sub(start)
	return snap, nil
}
