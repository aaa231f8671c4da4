package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"storefront-ledger/pkg/config"
	"storefront-ledger/pkg/db"
	"storefront-ledger/pkg/gen"
	"storefront-ledger/pkg/hashistack/secretmanager"
	"storefront-ledger/pkg/logger"
	"storefront-ledger/pkg/redis"
	"storefront-ledger/pkg/sequence"
	"storefront-ledger/services/account"
	"storefront-ledger/services/bootstrap"
	"storefront-ledger/services/gamestore"
	"storefront-ledger/services/ledger"
	"storefront-ledger/services/voucher"
	"storefront-ledger/services/voucher/testdata"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		fx.Provide(gen.NewSnowflakeNode),
		bootstrap.Module,
		account.Module,
		gamestore.Module,
		ledger.Module,
		voucher.Module,
		testdata.SeedVoucher,
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}
