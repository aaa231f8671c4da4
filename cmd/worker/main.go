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
	"storefront-ledger/pkg/profiling"
	"storefront-ledger/pkg/redis"
	"storefront-ledger/pkg/task"
	"storefront-ledger/services/gamestore"
	"storefront-ledger/services/referral"
	"storefront-ledger/services/stats"
)

// The worker drains referral credit retries and keeps the shared stats
// snapshot fresh for the API replicas.
func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		fx.Provide(gen.NewSnowflakeNode),
		gamestore.Module,
		referral.Module,
		referral.Worker,
		stats.Module,
		stats.SchedulerModule,
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}
