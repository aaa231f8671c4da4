package bootstrap

import (
	"context"
	"fmt"

	"storefront-ledger/pkg/config"
	"storefront-ledger/pkg/db"
	"storefront-ledger/services/gamestore"
	"storefront-ledger/services/ledger"
	"storefront-ledger/services/referral"
	"storefront-ledger/services/voucher"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	stores db.Stores
	config *config.Config
}

type ServiceParams struct {
	fx.In
	Stores db.Stores
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		stores: p.Stores,
		config: p.Config,
	}
}

// CMSModels are the tables this service owns in the CMS store.
func CMSModels() []any {
	models := ledger.Models()
	models = append(models, referral.Models()...)
	return append(models, voucher.Models()...)
}

// Migrate creates the owned tables when DATABASE.AUTO_MIGRATE is set. The
// legacy account store is never touched; its schema is external.
func (s *Service) Migrate(ctx context.Context) error {
	if !s.config.Database.AutoMigrate {
		zap.L().Info("[bootstrap] auto migrate disabled")
		return nil
	}

	steps := []struct {
		name   string
		db     *gorm.DB
		models []any
	}{
		{"cms", s.stores.CMS, CMSModels()},
		{"game", s.stores.Game, gamestore.Models()},
	}

	for _, step := range steps {
		if step.db == nil {
			continue
		}
		if err := step.db.WithContext(ctx).AutoMigrate(step.models...); err != nil {
			zap.L().Error("[bootstrap] migration failed", zap.String("store", step.name), zap.Error(err))
			return fmt.Errorf("migrate %s store: %w", step.name, err)
		}
		zap.L().Info("[bootstrap] store migrated", zap.String("store", step.name), zap.Int("tables", len(step.models)))
	}
	return nil
}
