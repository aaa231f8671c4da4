package referral

import "time"

// ReferralEarning is one point-earning event of a referring account. Rows are
// only ever flipped to redeemed in place or split in two; the sum of
// unredeemed points is the account's available balance.
type ReferralEarning struct {
	ID                string     `gorm:"column:id;primaryKey;size:32" json:"id"`
	ReferrerAccountID int64      `gorm:"column:referrer_account_id;index:idx_referral_available" json:"referrer_account_id"`
	ReferredAccountID *int64     `gorm:"column:referred_account_id" json:"referred_account_id,omitempty"`
	Points            int64      `gorm:"column:points;not null" json:"points"`
	Redeemed          bool       `gorm:"column:redeemed;index:idx_referral_available;not null;default:false" json:"redeemed"`
	RedeemedAt        *time.Time `gorm:"column:redeemed_at" json:"redeemed_at,omitempty"`
	CreatedAt         time.Time  `gorm:"column:created_at" json:"created_at"`
}

func (ReferralEarning) TableName() string { return "referral_earnings" }

type RedeemResult struct {
	SilkCredited   int64 `json:"silk_credited"`
	PointsRedeemed int64 `json:"points_redeemed"`
}

type RedeemParams struct {
	AccountID       int64 `json:"account_id" validate:"gt=0"`
	PointsRequested int64 `json:"points_requested" validate:"gt=0"`
}

type CreditParams struct {
	// EarningID makes a retried credit idempotent; generated when empty.
	EarningID         string `json:"earning_id,omitempty"`
	ReferrerAccountID int64  `json:"referrer_account_id" validate:"gt=0"`
	ReferredAccountID *int64 `json:"referred_account_id,omitempty"`
	Points            int64  `json:"points" validate:"gt=0"`
}

// CreditTaskPayload is the queued retry of a failed registration credit.
type CreditTaskPayload struct {
	CreditParams
	TraceID string `json:"trace_id,omitempty"`
}

func Models() []any {
	return []any{&ReferralEarning{}}
}
