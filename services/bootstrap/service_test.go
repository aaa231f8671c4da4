package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storefront-ledger/pkg/config"
	"storefront-ledger/pkg/db"
	"storefront-ledger/services/gamestore"
	"storefront-ledger/services/ledger"
	"storefront-ledger/services/testutil"
	"storefront-ledger/services/voucher"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestMigrate(t *testing.T) {
	conn := testutil.NewTestDB(t)
	cfg := &config.Config{}
	stores := db.Stores{Account: conn, CMS: conn, Game: conn}

	svc := NewService(ServiceParams{Stores: stores, Config: cfg})
	require.NoError(t, svc.Migrate(context.Background()))
	require.False(t, conn.Migrator().HasTable(&ledger.Payment{}))

	cfg.Database.AutoMigrate = true
	require.NoError(t, svc.Migrate(context.Background()))
	for _, model := range []any{&ledger.Payment{}, &ledger.DonationLog{}, &voucher.Voucher{}, &gamestore.GameAccount{}} {
		require.True(t, conn.Migrator().HasTable(model))
	}
}
