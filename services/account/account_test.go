package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"storefront-ledger/pkg/config"
	"storefront-ledger/pkg/errutil"
	"storefront-ledger/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestTranslate(t *testing.T) {
	require.Equal(t, "success", Translate(0))
	require.Equal(t, "account not found", Translate(-1))
	require.Equal(t, "insufficient silk", Translate(-2))
	require.Equal(t, "unknown error 42", Translate(42))
	require.Equal(t, "unknown error -99", Translate(-99))
}

func TestReaderGetBalance(t *testing.T) {
	ctx := context.Background()

	t.Run("success copies every field", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		procs := NewMockProcedures(ctrl)
		procs.EXPECT().GetBalance(gomock.Any(), GetBalanceParams{AccountID: 7}).Return(&BalanceResult{
			Silk: 120, PremiumSilk: 30, VIPLevel: 2, MonthUsage: 10, ThreeMonthUsage: 25,
		}, nil)

		snap, err := NewReader(procs).GetBalance(ctx, 7)
		require.NoError(t, err)
		require.True(t, snap.OK())
		require.Equal(t, int64(120), snap.Silk)
		require.Equal(t, int64(30), snap.PremiumSilk)
		require.Equal(t, 2, snap.VIPLevel)
		require.Equal(t, int64(25), snap.ThreeMonthUsage)
	})

	t.Run("non-zero code yields zeroed snapshot", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		procs := NewMockProcedures(ctrl)
		procs.EXPECT().GetBalance(gomock.Any(), gomock.Any()).Return(&BalanceResult{
			ErrorCode: CodeDatabaseError, Silk: 999,
		}, nil)

		snap, err := NewReader(procs).GetBalance(ctx, 8)
		require.NoError(t, err)
		require.False(t, snap.OK())
		require.Equal(t, CodeDatabaseError, snap.ErrorCode)
		require.Zero(t, snap.Silk)
		require.Equal(t, int64(8), snap.AccountID)
	})

	t.Run("connectivity failure is upstream unavailable", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		procs := NewMockProcedures(ctrl)
		procs.EXPECT().GetBalance(gomock.Any(), gomock.Any()).Return(nil, errors.New("dial tcp: connection refused"))

		_, err := NewReader(procs).GetBalance(ctx, 9)
		var up *errutil.UpstreamUnavailable
		require.True(t, errors.As(err, &up))
	})
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	procs := NewMockProcedures(ctrl)
	procs.EXPECT().GetBalance(gomock.Any(), gomock.Any()).
		Return(nil, errors.New("i/o timeout")).
		Times(3)

	var cfg config.LegacyConfig
	cfg.Breaker.FailureThreshold = 3
	cfg.Breaker.Timeout = time.Minute

	reader := NewReader(WithBreaker(procs, cfg))
	for i := 0; i < 5; i++ {
		_, err := reader.GetBalance(context.Background(), 1)
		var up *errutil.UpstreamUnavailable
		require.True(t, errors.As(err, &up), "call %d", i)
	}
}

type legacyBalance struct {
	JID             int64 `gorm:"column:jid;primaryKey"`
	Silk            int64
	PremiumSilk     int64
	VIPLevel        int `gorm:"column:vip_level"`
	MonthUsage      int64
	ThreeMonthUsage int64
}

func TestSQLProcedures(t *testing.T) {
	db := testutil.NewTestDB(t, &legacyBalance{})
	require.NoError(t, db.Create(&legacyBalance{JID: 1001, Silk: 50, PremiumSilk: 5, VIPLevel: 1}).Error)

	procs := NewSQLProcedures(db, config.LegacyConfig{
		BalanceStatement: "SELECT 0 AS error_code, silk, premium_silk, vip_level, month_usage, three_month_usage FROM legacy_balances WHERE jid = @jid",
		GrantStatement:   "SELECT CASE WHEN @amount > 0 THEN 0 ELSE -3 END AS error_code",
		CallTimeout:      time.Second,
	})

	ctx := context.Background()

	res, err := procs.GetBalance(ctx, GetBalanceParams{AccountID: 1001})
	require.NoError(t, err)
	require.Equal(t, CodeOK, res.ErrorCode)
	require.Equal(t, int64(50), res.Silk)
	require.Equal(t, 1, res.VIPLevel)

	res, err = procs.GetBalance(ctx, GetBalanceParams{AccountID: 4040})
	require.NoError(t, err)
	require.Equal(t, CodeAccountNotFound, res.ErrorCode)

	code, err := procs.GrantSilk(ctx, GrantSilkParams{ManagerAccountID: 1, TargetAccountID: 1001, Amount: 10, GrantType: GrantSilkOwn})
	require.NoError(t, err)
	require.Equal(t, CodeOK, code)

	code, err = procs.GrantSilk(ctx, GrantSilkParams{ManagerAccountID: 1, TargetAccountID: 1001, Amount: 0, GrantType: GrantSilkOwn})
	require.NoError(t, err)
	require.Equal(t, CodeInvalidAmount, code)
}
