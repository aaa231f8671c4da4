package stats

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storefront-ledger/pkg/config"
	"storefront-ledger/pkg/db"
	"storefront-ledger/services/ledger"
	"storefront-ledger/services/referral"
	"storefront-ledger/services/testutil"
	"storefront-ledger/services/voucher"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type mirrorMock struct {
	mu    sync.Mutex
	saved *Snapshot
	err   error
}

func (m *mirrorMock) Save(ctx context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = s
	return m.err
}

func (m *mirrorMock) Load(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved, m.err
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	models := append(ledger.Models(), referral.Models()...)
	models = append(models, voucher.Models()...)
	conn := testutil.NewTestDB(t, models...)

	now := time.Now()
	require.NoError(t, conn.Create([]*ledger.SilkBalance{
		{ID: "1", AccountID: 1, SilkOwn: 500, SilkGift: 20, VIPLevel: 2},
		{ID: "2", AccountID: 2, SilkOwn: 100, SilkPoint: 5},
	}).Error)
	require.NoError(t, conn.Create([]*ledger.Payment{
		{ID: "1", InvoiceID: "INV-1", AccountID: 1, Method: ledger.MethodPayPal, AmountUSDCents: 500, SilkCredited: 500, CreatedAt: now},
		{ID: "2", InvoiceID: "INV-2", AccountID: 2, Method: ledger.MethodAdmin, AmountUSDCents: 100, SilkCredited: 100, CreatedAt: now},
		{ID: "3", InvoiceID: "INV-3", AccountID: 2, Method: ledger.MethodVote, SilkCredited: 5, CreatedAt: now},
	}).Error)
	require.NoError(t, conn.Create([]*referral.ReferralEarning{
		{ID: "1", ReferrerAccountID: 1, Points: 40, CreatedAt: now},
		{ID: "2", ReferrerAccountID: 1, Points: 60, Redeemed: true, CreatedAt: now},
	}).Error)
	require.NoError(t, conn.Create([]*voucher.Voucher{
		{ID: "1", Code: "A", Type: voucher.TypeSilk, Amount: 1, MaxUses: 1, Status: voucher.StatusActive, ExpiresAt: now.Add(time.Hour)},
		{ID: "2", Code: "B", Type: voucher.TypeSilk, Amount: 1, MaxUses: 1, Status: voucher.StatusRedeemed, ExpiresAt: now.Add(time.Hour)},
	}).Error)

	return NewService(ServiceParams{Stores: db.Stores{CMS: conn}, Config: &config.Config{}})
}

func TestGetServerStats(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.Nil(t, svc.GetCachedServerStats(ctx))

	snap, err := svc.GetServerStats(ctx, false)
	require.NoError(t, err)
	require.Equal(t, int64(600), snap.TotalSilk)
	require.Equal(t, int64(20), snap.TotalPremiumSilk)
	require.Equal(t, int64(5), snap.TotalPointSilk)
	require.Equal(t, int64(2), snap.AccountsWithBalance)
	require.Equal(t, int64(1), snap.VIPAccounts)
	require.Equal(t, int64(600), snap.TotalDonationsUSDCents)
	require.Equal(t, int64(2), snap.DonationCount)
	require.Equal(t, int64(1), snap.VoteCount)
	require.Equal(t, int64(40), snap.OutstandingReferralPoints)
	require.Equal(t, int64(1), snap.ActiveVouchers)
	require.False(t, snap.LastCalculated.IsZero())

	require.Same(t, snap, svc.GetCachedServerStats(ctx))

	again, err := svc.GetServerStats(ctx, false)
	require.NoError(t, err)
	require.Same(t, snap, again)

	fresh, err := svc.GetServerStats(ctx, true)
	require.NoError(t, err)
	require.NotSame(t, snap, fresh)
}

func TestGetServerStatsCoalescesRefreshes(t *testing.T) {
	svc := NewService(ServiceParams{Config: &config.Config{}})

	var calls atomic.Int32
	release := make(chan struct{})
	svc.compute = func(ctx context.Context) (*Snapshot, error) {
		calls.Add(1)
		<-release
		return &Snapshot{TotalSilk: 1, LastCalculated: time.Now()}, nil
	}

	const callers = 12
	var wg sync.WaitGroup
	var started sync.WaitGroup
	results := make([]*Snapshot, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		started.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			results[i], _ = svc.GetServerStats(context.Background(), true)
		}(i)
	}
	started.Wait()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		require.Same(t, results[0], r)
	}
}

func TestGetServerStatsKeepsPreviousSnapshotOnFailure(t *testing.T) {
	svc := NewService(ServiceParams{Config: &config.Config{}})

	first := &Snapshot{TotalSilk: 7}
	svc.compute = func(ctx context.Context) (*Snapshot, error) { return first, nil }
	_, err := svc.GetServerStats(context.Background(), true)
	require.NoError(t, err)

	svc.compute = func(ctx context.Context) (*Snapshot, error) { return nil, errors.New("db down") }
	_, err = svc.GetServerStats(context.Background(), true)
	require.Error(t, err)
	require.Same(t, first, svc.GetCachedServerStats(context.Background()))
}

func TestCachedStatsFromMirror(t *testing.T) {
	ctx := context.Background()
	mirror := &mirrorMock{}

	producer := NewService(ServiceParams{Config: &config.Config{}})
	producer.mirror = mirror
	producer.compute = func(ctx context.Context) (*Snapshot, error) { return &Snapshot{DonationCount: 3}, nil }

	reader := NewService(ServiceParams{Config: &config.Config{}})
	reader.mirror = mirror
	require.Nil(t, reader.GetCachedServerStats(ctx))

	_, err := producer.GetServerStats(ctx, true)
	require.NoError(t, err)

	shared := reader.GetCachedServerStats(ctx)
	require.NotNil(t, shared)
	require.Equal(t, int64(3), shared.DonationCount)

	mirror.err = errors.New("redis down")
	cold := NewService(ServiceParams{Config: &config.Config{}})
	cold.mirror = mirror
	require.Nil(t, cold.GetCachedServerStats(ctx))
}

func TestGetServerStatsPrefersSharedSnapshot(t *testing.T) {
	ctx := context.Background()
	mirror := &mirrorMock{saved: &Snapshot{DonationCount: 7}}

	var computed atomic.Int64
	replica := NewService(ServiceParams{Config: &config.Config{}})
	replica.mirror = mirror
	replica.compute = func(ctx context.Context) (*Snapshot, error) {
		computed.Add(1)
		return &Snapshot{DonationCount: 8}, nil
	}

	got, err := replica.GetServerStats(ctx, false)
	require.NoError(t, err)
	require.Equal(t, int64(7), got.DonationCount)
	require.Zero(t, computed.Load())

	got, err = replica.GetServerStats(ctx, true)
	require.NoError(t, err)
	require.Equal(t, int64(8), got.DonationCount)
	require.Equal(t, int64(1), computed.Load())
}
