package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storefront-ledger/pkg/config"
	"storefront-ledger/pkg/db"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:generate mockgen -source=procedure.go -destination=mock_procedures.go -package=account

// GrantType selects which legacy balance column an admin grant credits.
type GrantType string

const (
	GrantSilkOwn   GrantType = "silk_own"
	GrantSilkGift  GrantType = "silk_gift"
	GrantSilkPoint GrantType = "silk_point"
)

func (g GrantType) Valid() bool {
	switch g {
	case GrantSilkOwn, GrantSilkGift, GrantSilkPoint:
		return true
	}
	return false
}

// GetBalanceParams binds the balance procedure: @jid.
type GetBalanceParams struct {
	AccountID int64
}

// BalanceResult is the output row of the balance procedure.
type BalanceResult struct {
	ErrorCode       int   `gorm:"column:error_code"`
	Silk            int64 `gorm:"column:silk"`
	PremiumSilk     int64 `gorm:"column:premium_silk"`
	VIPLevel        int   `gorm:"column:vip_level"`
	MonthUsage      int64 `gorm:"column:month_usage"`
	ThreeMonthUsage int64 `gorm:"column:three_month_usage"`
}

// GrantSilkParams binds the admin grant procedure:
// @manager_jid, @target_jid, @amount, @grant_type, @message.
type GrantSilkParams struct {
	ManagerAccountID int64
	TargetAccountID  int64
	Amount           int64
	GrantType        GrantType
	Message          string
}

// Procedures is the fixed call contract of the legacy account store. A non-nil
// error means the call itself failed; procedure outcomes travel in the return code.
type Procedures interface {
	GetBalance(ctx context.Context, p GetBalanceParams) (*BalanceResult, error)
	GrantSilk(ctx context.Context, p GrantSilkParams) (int, error)
}

// SQLProcedures runs the configured procedure statements through gorm.
type SQLProcedures struct {
	db          *gorm.DB
	balanceStmt string
	grantStmt   string
	timeout     time.Duration
}

func NewSQLProcedures(conn *gorm.DB, cfg config.LegacyConfig) *SQLProcedures {
	return &SQLProcedures{
		db:          conn,
		balanceStmt: cfg.BalanceStatement,
		grantStmt:   cfg.GrantStatement,
		timeout:     cfg.CallTimeout,
	}
}

func (p *SQLProcedures) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

func (p *SQLProcedures) GetBalance(ctx context.Context, params GetBalanceParams) (*BalanceResult, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	var rows []BalanceResult
	err := p.db.WithContext(ctx).
		Raw(p.balanceStmt, sql.Named("jid", params.AccountID)).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("balance procedure: %w", err)
	}

	// the procedure returns no row for accounts it does not know
	if len(rows) == 0 {
		return &BalanceResult{ErrorCode: CodeAccountNotFound}, nil
	}
	return &rows[0], nil
}

func (p *SQLProcedures) GrantSilk(ctx context.Context, params GrantSilkParams) (int, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	var rows []struct {
		ErrorCode int `gorm:"column:error_code"`
	}
	err := p.db.WithContext(ctx).
		Raw(p.grantStmt,
			sql.Named("manager_jid", params.ManagerAccountID),
			sql.Named("target_jid", params.TargetAccountID),
			sql.Named("amount", params.Amount),
			sql.Named("grant_type", string(params.GrantType)),
			sql.Named("message", params.Message),
		).
		Scan(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("grant procedure: %w", err)
	}
	if len(rows) == 0 {
		return CodeAccountNotFound, nil
	}
	return rows[0].ErrorCode, nil
}

// breakerProcedures stops calling the legacy store after consecutive connectivity failures.
type breakerProcedures struct {
	next    Procedures
	balance *gobreaker.CircuitBreaker[*BalanceResult]
	grant   *gobreaker.CircuitBreaker[int]
}

func breakerSettings(name string, cfg config.LegacyConfig) gobreaker.Settings {
	threshold := cfg.Breaker.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	timeout := cfg.Breaker.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.Breaker.Interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// a caller giving up is not a sign the legacy store is down
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			zap.L().Warn("[Legacy] circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
}

// WithBreaker wraps next with one circuit breaker per procedure.
func WithBreaker(next Procedures, cfg config.LegacyConfig) Procedures {
	return &breakerProcedures{
		next:    next,
		balance: gobreaker.NewCircuitBreaker[*BalanceResult](breakerSettings("legacy.balance", cfg)),
		grant:   gobreaker.NewCircuitBreaker[int](breakerSettings("legacy.grant", cfg)),
	}
}

func (b *breakerProcedures) GetBalance(ctx context.Context, p GetBalanceParams) (*BalanceResult, error) {
	return b.balance.Execute(func() (*BalanceResult, error) {
		return b.next.GetBalance(ctx, p)
	})
}

func (b *breakerProcedures) GrantSilk(ctx context.Context, p GrantSilkParams) (int, error) {
	return b.grant.Execute(func() (int, error) {
		return b.next.GrantSilk(ctx, p)
	})
}

// NewProcedures is the fx constructor: SQL procedures on the account store behind a breaker.
func NewProcedures(stores db.Stores, cfg *config.Config) Procedures {
	return WithBreaker(NewSQLProcedures(stores.Account, cfg.Legacy), cfg.Legacy)
}
