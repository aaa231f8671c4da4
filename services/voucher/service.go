package voucher

import (
	"context"
	"errors"
	"strings"
	"time"

	"storefront-ledger/pkg/db"
	"storefront-ledger/pkg/db/option"
	"storefront-ledger/pkg/errutil"
	"storefront-ledger/pkg/logger"
	"storefront-ledger/pkg/repository"
	"storefront-ledger/pkg/sequence"
	"storefront-ledger/services/gamestore"
	"storefront-ledger/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	seq    sequence.Generator
	ledger *ledger.Service
	game   *gamestore.Store
	now    func() time.Time

	voucher repository.Repository[Voucher]
}

type ServiceParams struct {
	fx.In
	Stores   db.Stores
	Node     *snowflake.Node
	Sequence sequence.Generator
	Ledger   *ledger.Service
	Game     *gamestore.Store
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.Stores.CMS,
		node:    p.Node,
		seq:     p.Sequence,
		ledger:  p.Ledger,
		game:    p.Game,
		now:     time.Now,
		voucher: repository.ProvideStore[Voucher](p.Stores.CMS),
	}
}

// redeemable restricts a lookup to vouchers that can still be consumed at now.
func redeemable(code string, now time.Time) option.QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("code = ? AND status = ? AND used_count < max_uses AND valid_from <= ? AND expires_at >= ?",
			code, StatusActive, now, now)
	}
}

// Redeem consumes one use of the voucher and applies its reward in the same
// transaction. Two concurrent redemptions of a single-use code yield exactly
// one success.
func (s *Service) Redeem(ctx context.Context, p RedeemParams) (*RedeemResult, error) {
	const op = "voucher.redeem"
	code := strings.TrimSpace(p.Code)
	log := logger.FromContext(ctx, zap.Int64("account_id", p.AccountID), zap.String("voucher_code", maskCode(code)))

	if code == "" || p.AccountID <= 0 {
		return nil, errutil.AtBoundary(ctx, log, op, errutil.Reject(errutil.ReasonVoucherNotFound))
	}

	var result *RedeemResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()

		v, err := s.voucher.WithTrx(tx).FindOne(ctx, nil, redeemable(code, now), option.WithLockingUpdate())
		if err != nil {
			return err
		}
		// expired, disabled, exhausted and unknown codes look the same to the caller
		if v == nil {
			return errutil.Reject(errutil.ReasonVoucherNotFound)
		}
		if v.MaxUses == 1 && v.AccountID != nil {
			return errutil.Reject(errutil.ReasonVoucherAlreadyUsed)
		}

		if err := s.consume(ctx, tx, v, p.AccountID, now); err != nil {
			return err
		}

		result = &RedeemResult{Code: v.Code, Type: v.Type, Amount: v.Amount}
		return s.applyReward(ctx, tx, v, p.AccountID)
	})
	if err != nil {
		return nil, errutil.AtBoundary(ctx, log, op, err)
	}

	if result.Type == TypeSilk {
		s.ledger.InvalidateBalance(p.AccountID)
	}

	log.Info("voucher redeemed", zap.String("type", string(result.Type)), zap.Int64("amount", result.Amount))
	return result, nil
}

// consume is the conditional increment. Zero affected rows means another
// redemption got there first.
func (s *Service) consume(ctx context.Context, tx *gorm.DB, v *Voucher, accountID int64, now time.Time) error {
	q := tx.WithContext(ctx).
		Model(&Voucher{}).
		Where("id = ? AND status = ? AND used_count < max_uses", v.ID, StatusActive)
	if v.MaxUses == 1 {
		q = q.Where("account_id IS NULL")
	}

	res := q.Updates(map[string]any{
		"used_count":  gorm.Expr("used_count + 1"),
		"status":      gorm.Expr("CASE WHEN used_count + 1 >= max_uses THEN ? ELSE status END", StatusRedeemed),
		"account_id":  accountID,
		"redeemed_at": now,
		"updated_at":  now,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.Reject(errutil.ReasonVoucherAlreadyUsed)
	}
	return nil
}

// applyReward writes the CMS side first; the game write is the last step
// before the CMS commit.
func (s *Service) applyReward(ctx context.Context, tx *gorm.DB, v *Voucher, accountID int64) error {
	switch v.Type {
	case TypeSilk:
		return s.ledger.CreditGiftSilk(ctx, tx, accountID, v.Amount)
	case TypeGold:
		return s.game.Within(ctx, tx, func(g *gamestore.Store) error {
			return g.AddGold(ctx, gamestore.AddGoldParams{AccountID: accountID, Gold: v.Amount})
		})
	case TypePoints:
		return s.game.Within(ctx, tx, func(g *gamestore.Store) error {
			return g.AddPoints(ctx, gamestore.AddPointsParams{AccountID: accountID, Points: v.Amount})
		})
	case TypeExperience, TypeItem:
		kind := gamestore.RewardExperience
		if v.Type == TypeItem {
			kind = gamestore.RewardItem
		}
		return s.game.Within(ctx, tx, func(g *gamestore.Store) error {
			_, err := g.QueueDelivery(ctx, gamestore.DeliveryParams{
				AccountID: accountID,
				Kind:      kind,
				Amount:    v.Amount,
				Source:    "voucher",
				SourceRef: v.ID,
			})
			return err
		})
	default:
		return &errutil.Inconsistent{
			Invariant: "voucher_type",
			Detail:    "unknown voucher type " + string(v.Type),
			Reason:    errutil.ReasonVoucherNotFound,
		}
	}
}

// Create issues a new voucher. MaxUses defaults to a single use and
// ValidFrom to now.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Voucher, error) {
	const op = "voucher.create"
	log := logger.FromContext(ctx, zap.String("type", string(p.Type)))

	now := s.now().UTC()
	if p.MaxUses == 0 {
		p.MaxUses = 1
	}
	if p.ValidFrom.IsZero() {
		p.ValidFrom = now
	}
	if !p.Type.Valid() || p.Amount <= 0 || p.MaxUses < 0 || !p.ExpiresAt.After(p.ValidFrom) {
		return nil, errutil.AtBoundary(ctx, log, op, errutil.Reject(errutil.ReasonInvalidAmount))
	}

	code := strings.TrimSpace(p.Code)
	v := &Voucher{
		ID:        s.node.Generate().String(),
		Code:      code,
		Type:      p.Type,
		Amount:    p.Amount,
		MaxUses:   p.MaxUses,
		Status:    StatusActive,
		ValidFrom: p.ValidFrom.UTC(),
		ExpiresAt: p.ExpiresAt.UTC(),
		Metadata:  p.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if code != "" {
		if err := s.voucher.Create(ctx, v); err != nil {
			return nil, errutil.AtBoundary(ctx, log, op, err)
		}
	} else if err := s.createWithGeneratedCode(ctx, v); err != nil {
		return nil, errutil.AtBoundary(ctx, log, op, err)
	}

	log.Info("voucher created", zap.String("voucher_code", maskCode(v.Code)), zap.Int("max_uses", v.MaxUses))
	return v, nil
}

const generatedCodeAttempts = 3

// createWithGeneratedCode draws a new code when the unique index rejects one.
func (s *Service) createWithGeneratedCode(ctx context.Context, v *Voucher) error {
	var err error
	for attempt := 0; attempt < generatedCodeAttempts; attempt++ {
		v.Code, err = s.seq.NextVoucherCode(ctx)
		if err != nil {
			return &errutil.UpstreamUnavailable{Op: "sequence.voucher_code", Err: err}
		}

		err = s.voucher.Create(ctx, v)
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
	}
	return err
}

// Disable stops an active voucher from being redeemed.
func (s *Service) Disable(ctx context.Context, code string) error {
	const op = "voucher.disable"
	log := logger.FromContext(ctx, zap.String("voucher_code", maskCode(code)))

	res := s.db.WithContext(ctx).
		Model(&Voucher{}).
		Where("code = ? AND status = ?", code, StatusActive).
		Updates(map[string]any{"status": StatusDisabled, "updated_at": s.now().UTC()})
	if res.Error != nil {
		return errutil.AtBoundary(ctx, log, op, res.Error)
	}
	if res.RowsAffected == 0 {
		return errutil.AtBoundary(ctx, log, op, errutil.Reject(errutil.ReasonVoucherNotFound))
	}

	log.Info("voucher disabled")
	return nil
}

func (s *Service) Get(ctx context.Context, code string) (*Voucher, error) {
	v, err := s.voucher.FindOne(ctx, &Voucher{Code: code})
	if err != nil {
		return nil, errutil.FromStore("voucher.get", err)
	}
	if v == nil {
		return nil, errutil.Reject(errutil.ReasonVoucherNotFound)
	}
	return v, nil
}
