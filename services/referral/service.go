package referral

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"storefront-ledger/pkg/config"
	"storefront-ledger/pkg/db"
	"storefront-ledger/pkg/db/option"
	"storefront-ledger/pkg/errutil"
	"storefront-ledger/pkg/logger"
	"storefront-ledger/pkg/repository"
	"storefront-ledger/pkg/task"
	"storefront-ledger/pkg/taskname"
	"storefront-ledger/services/gamestore"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	game  *gamestore.Store
	queue task.Enqueuer

	minimumRedeem int64
	silkPerPoint  int64
	now           func() time.Time

	earning repository.Repository[ReferralEarning]
}

type ServiceParams struct {
	fx.In
	Stores db.Stores
	Config *config.Config
	Node   *snowflake.Node
	Game   *gamestore.Store
	Queue  task.Enqueuer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:            p.Stores.CMS,
		node:          p.Node,
		game:          p.Game,
		queue:         p.Queue,
		minimumRedeem: p.Config.Ledger.MinimumRedeemPoints,
		silkPerPoint:  p.Config.Ledger.SilkPerPoint,
		now:           time.Now,
		earning:       repository.ProvideStore[ReferralEarning](p.Stores.CMS),
	}
}

var unredeemed = option.ApplyOperator(option.Condition{Field: "redeemed", Operator: option.EQ, Value: false})

var oldestFirst = []option.QueryOption{
	option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc", Allow: map[string]bool{"created_at": true}}),
	option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
}

// GetAvailablePoints sums the unredeemed earnings of the account.
func (s *Service) GetAvailablePoints(ctx context.Context, accountID int64) (int64, error) {
	total, err := s.available(ctx, s.db, accountID)
	if err != nil {
		return 0, errutil.FromStore("referral.available_points", err)
	}
	return total, nil
}

func (s *Service) available(ctx context.Context, tx *gorm.DB, accountID int64) (int64, error) {
	var total int64
	err := tx.WithContext(ctx).
		Model(&ReferralEarning{}).
		Where("referrer_account_id = ? AND redeemed = ?", accountID, false).
		Select("COALESCE(SUM(points), 0)").
		Scan(&total).Error
	return total, err
}

// Redeem consumes pointsRequested from the oldest unredeemed earnings and
// credits pointsRequested x silkPerPoint to the account's game points.
func (s *Service) Redeem(ctx context.Context, p RedeemParams) (*RedeemResult, error) {
	const op = "referral.redeem"
	log := logger.FromContext(ctx, zap.Int64("account_id", p.AccountID), zap.Int64("points_requested", p.PointsRequested))

	if p.AccountID <= 0 || p.PointsRequested <= 0 {
		return nil, errutil.AtBoundary(ctx, log, op, errutil.Reject(errutil.ReasonInvalidAmount))
	}
	if p.PointsRequested < s.minimumRedeem {
		return nil, errutil.AtBoundary(ctx, log, op, errutil.Reject(errutil.ReasonBelowMinimumRedeem))
	}

	result := &RedeemResult{
		PointsRedeemed: p.PointsRequested,
		SilkCredited:   p.PointsRequested * s.silkPerPoint,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		opts := append([]option.QueryOption{unredeemed, option.WithLockingUpdate()}, oldestFirst...)
		rows, err := s.earning.WithTrx(tx).Find(ctx, &ReferralEarning{ReferrerAccountID: p.AccountID}, opts...)
		if err != nil {
			return err
		}

		var before int64
		for _, r := range rows {
			before += r.Points
		}

		// re-checked under the row locks; a concurrent redemption may have won
		if p.PointsRequested < s.minimumRedeem {
			return errutil.Reject(errutil.ReasonBelowMinimumRedeem)
		}
		if p.PointsRequested > before {
			return errutil.Reject(errutil.ReasonInsufficientPoints)
		}

		if err := s.consume(ctx, tx, rows, p.PointsRequested); err != nil {
			return err
		}

		after, err := s.available(ctx, tx, p.AccountID)
		if err != nil {
			return err
		}
		if after < 0 || after != before-p.PointsRequested {
			return &errutil.Inconsistent{
				Invariant: "referral_available_points",
				Detail:    fmt.Sprintf("available %d after redeeming %d from %d", after, p.PointsRequested, before),
				Reason:    errutil.ReasonInsufficientPoints,
			}
		}

		return s.game.Within(ctx, tx, func(g *gamestore.Store) error {
			return g.AddPoints(ctx, gamestore.AddPointsParams{AccountID: p.AccountID, Points: result.SilkCredited})
		})
	})
	if err != nil {
		return nil, errutil.AtBoundary(ctx, log, op, err)
	}

	log.Info("referral points redeemed", zap.Int64("silk_credited", result.SilkCredited))
	return result, nil
}

// consume walks rows oldest first, flipping whole rows and splitting the last
// one touched when it holds more than what is left to redeem.
func (s *Service) consume(ctx context.Context, tx *gorm.DB, rows []*ReferralEarning, requested int64) error {
	now := s.now().UTC()
	remaining := requested

	for _, row := range rows {
		if remaining == 0 {
			break
		}

		if row.Points <= remaining {
			res := tx.WithContext(ctx).
				Model(&ReferralEarning{}).
				Where("id = ? AND redeemed = ?", row.ID, false).
				Updates(map[string]any{"redeemed": true, "redeemed_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errutil.Reject(errutil.ReasonInsufficientPoints)
			}
			remaining -= row.Points
			continue
		}

		res := tx.WithContext(ctx).
			Model(&ReferralEarning{}).
			Where("id = ? AND redeemed = ? AND points = ?", row.ID, false, row.Points).
			Update("points", gorm.Expr("points - ?", remaining))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.Reject(errutil.ReasonInsufficientPoints)
		}

		spent := &ReferralEarning{
			ID:                s.node.Generate().String(),
			ReferrerAccountID: row.ReferrerAccountID,
			ReferredAccountID: row.ReferredAccountID,
			Points:            remaining,
			Redeemed:          true,
			RedeemedAt:        &now,
			CreatedAt:         row.CreatedAt,
		}
		if err := s.earning.WithTrx(tx).Create(ctx, spent); err != nil {
			return err
		}
		remaining = 0
	}

	if remaining != 0 {
		return &errutil.Inconsistent{
			Invariant: "referral_consumption",
			Detail:    fmt.Sprintf("%d points left after walking %d rows", remaining, len(rows)),
			Reason:    errutil.ReasonInsufficientPoints,
		}
	}
	return nil
}

// Credit records a new earning for the referrer.
func (s *Service) Credit(ctx context.Context, p CreditParams) (*ReferralEarning, error) {
	const op = "referral.credit"
	log := logger.FromContext(ctx, zap.Int64("account_id", p.ReferrerAccountID), zap.Int64("points", p.Points))

	if p.ReferrerAccountID <= 0 || p.Points <= 0 {
		return nil, errutil.AtBoundary(ctx, log, op, errutil.Reject(errutil.ReasonInvalidAmount))
	}

	id := p.EarningID
	if id == "" {
		id = s.node.Generate().String()
	}

	row := &ReferralEarning{
		ID:                id,
		ReferrerAccountID: p.ReferrerAccountID,
		ReferredAccountID: p.ReferredAccountID,
		Points:            p.Points,
		CreatedAt:         s.now().UTC(),
	}
	if err := s.earning.Create(ctx, row); err != nil {
		return nil, errutil.AtBoundary(ctx, log, op, err)
	}

	log.Info("referral earning credited", zap.String("earning_id", row.ID))
	return row, nil
}

// CreditOnRegistration credits the referrer as a side effect of a sign-up. A
// failure never reaches the registration: it is logged and queued for retry.
func (s *Service) CreditOnRegistration(ctx context.Context, p CreditParams) {
	log := logger.FromContext(ctx, zap.Int64("account_id", p.ReferrerAccountID))

	if p.EarningID == "" {
		p.EarningID = s.node.Generate().String()
	}

	_, err := s.Credit(ctx, p)
	if err == nil || errutil.IsRejected(err, errutil.ReasonInvalidAmount) || errutil.IsRejected(err, errutil.ReasonDuplicateTransaction) {
		return
	}
	log.Warn("referral credit failed, queueing retry", zap.String("earning_id", p.EarningID), zap.Error(err))

	t, err := NewCreditTask(CreditTaskPayload{
		CreditParams: p,
		TraceID:      trace.SpanContextFromContext(ctx).TraceID().String(),
	})
	if err != nil {
		log.Error("failed to build referral credit task", zap.Error(err))
		return
	}

	if s.queue == nil {
		log.Error("referral credit dropped, no task queue", zap.String("earning_id", p.EarningID))
		return
	}
	if _, err := s.queue.Enqueue(ctx, t); err != nil {
		log.Error("failed to enqueue referral credit", zap.String("earning_id", p.EarningID), zap.Error(err))
	}
}

func NewCreditTask(p CreditTaskPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.ReferralCredit, payload,
		asynq.Queue(task.QueueDefault),
		asynq.MaxRetry(10),
		asynq.TaskID(p.EarningID),
	), nil
}

// HandleCreditTask is the worker side of CreditOnRegistration. An earning that
// already exists means an earlier attempt committed.
func (s *Service) HandleCreditTask(ctx context.Context, t *asynq.Task) error {
	var payload CreditTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w: %w", err, asynq.SkipRetry)
	}

	log := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("earning_id", payload.EarningID),
		zap.String("trace_id", payload.TraceID),
	)

	_, err := s.Credit(ctx, payload.CreditParams)
	switch {
	case err == nil:
		log.Info("referral credit retried successfully")
		return nil
	case errutil.IsRejected(err, errutil.ReasonDuplicateTransaction):
		log.Info("referral credit already applied")
		return nil
	case errutil.IsRejected(err, errutil.ReasonInvalidAmount):
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		return err
	}
}

// ListEarnings returns every earning row of the account, newest first.
func (s *Service) ListEarnings(ctx context.Context, accountID int64) ([]*ReferralEarning, error) {
	rows, err := s.earning.Find(ctx, &ReferralEarning{ReferrerAccountID: accountID},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc", Allow: map[string]bool{"created_at": true}}),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "desc", Allow: map[string]bool{"id": true}}),
	)
	if err != nil {
		return nil, errutil.FromStore("referral.list_earnings", err)
	}
	return rows, nil
}
