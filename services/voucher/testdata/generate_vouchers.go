package testdata

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"storefront-ledger/services/voucher"
)

var SeedVoucher = fx.Module("seed.voucher",
	fx.Invoke(GenerateTestVoucher),
)

// GenerateTestVoucher inserts one voucher of every reward type. Fixed codes
// that already exist are skipped.
func GenerateTestVoucher(lc fx.Lifecycle, svc *voucher.Service, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				defer func() { _ = shutdowner.Shutdown() }()
				seed(context.Background(), svc)
			}()
			return nil
		},
	})
}

func seed(ctx context.Context, svc *voucher.Service) {
	now := time.Now()

	samples := []voucher.CreateParams{
		{Code: "WELCOME-SILK", Type: voucher.TypeSilk, Amount: 100, MaxUses: 1000, ExpiresAt: now.AddDate(0, 3, 0)},
		{Code: "GOLD-RUSH", Type: voucher.TypeGold, Amount: 1_000_000, MaxUses: 1, ExpiresAt: now.AddDate(0, 1, 0)},
		{Code: "EXP-BOOST", Type: voucher.TypeExperience, Amount: 50_000, MaxUses: 10, ExpiresAt: now.AddDate(0, 0, 14)},
		{Type: voucher.TypeItem, Amount: 1, ExpiresAt: now.AddDate(0, 0, 30)},
		{Type: voucher.TypePoints, Amount: 250, ExpiresAt: now.AddDate(0, 0, 30)},
	}

	for _, p := range samples {
		v, err := svc.Create(ctx, p)
		if err != nil {
			zap.L().Warn("skip sample voucher", zap.String("code", p.Code), zap.Error(err))
			continue
		}
		zap.L().Info("sample voucher created", zap.String("code", v.Code), zap.String("type", string(v.Type)))
	}
}
