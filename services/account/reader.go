package account

import (
	"context"
	"errors"
	"time"

	"storefront-ledger/pkg/errutil"
	"storefront-ledger/pkg/logger"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// BalanceSnapshot is one read of the legacy balance procedure. The numeric
// fields are only meaningful when ErrorCode is zero; otherwise they are zero.
type BalanceSnapshot struct {
	AccountID       int64     `json:"account_id"`
	Silk            int64     `json:"silk"`
	PremiumSilk     int64     `json:"premium_silk"`
	VIPLevel        int       `json:"vip_level"`
	MonthUsage      int64     `json:"month_usage"`
	ThreeMonthUsage int64     `json:"three_month_usage"`
	ErrorCode       int       `json:"error_code"`
	FetchedAt       time.Time `json:"fetched_at"`
}

func (s BalanceSnapshot) OK() bool {
	return s.ErrorCode == CodeOK
}

type Reader struct {
	procs Procedures
	now   func() time.Time
}

func NewReader(procs Procedures) *Reader {
	return &Reader{procs: procs, now: time.Now}
}

// GetBalance calls the balance procedure once. A non-zero return code is a
// business outcome: the snapshot is zeroed, keeps the code, and err is nil.
// A failed call (connection, timeout, open breaker) returns UpstreamUnavailable.
func (r *Reader) GetBalance(ctx context.Context, accountID int64) (BalanceSnapshot, error) {
	snapshot := BalanceSnapshot{AccountID: accountID, FetchedAt: r.now()}

	res, err := r.procs.GetBalance(ctx, GetBalanceParams{AccountID: accountID})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return snapshot, &errutil.UpstreamUnavailable{Op: "account.get_balance", Err: err}
		}
		return snapshot, errutil.FromStore("account.get_balance", err)
	}

	if res.ErrorCode != CodeOK {
		logger.FromContext(ctx).Debug("balance procedure returned non-zero code",
			zap.Int64("account_id", accountID),
			zap.Int("code", res.ErrorCode),
			zap.String("message", Translate(res.ErrorCode)))
		snapshot.ErrorCode = res.ErrorCode
		return snapshot, nil
	}

	snapshot.Silk = res.Silk
	snapshot.PremiumSilk = res.PremiumSilk
	snapshot.VIPLevel = res.VIPLevel
	snapshot.MonthUsage = res.MonthUsage
	snapshot.ThreeMonthUsage = res.ThreeMonthUsage
	return snapshot, nil
}
