package voucher

import (
	"time"

	"gorm.io/datatypes"
)

type Type string

const (
	TypeSilk       Type = "silk"
	TypeGold       Type = "gold"
	TypePoints     Type = "points"
	TypeExperience Type = "experience"
	TypeItem       Type = "item"
)

func (t Type) Valid() bool {
	switch t {
	case TypeSilk, TypeGold, TypePoints, TypeExperience, TypeItem:
		return true
	}
	return false
}

type Status string

const (
	StatusActive   Status = "Active"
	StatusDisabled Status = "Disabled"
	StatusRedeemed Status = "Redeemed"
)

// Voucher is a redeemable code. Multi-use vouchers only keep the count and
// the last redeemer in AccountID.
type Voucher struct {
	ID         string         `gorm:"column:id;primaryKey;size:32" json:"id"`
	Code       string         `gorm:"column:code;size:64;uniqueIndex;not null" json:"code"`
	Type       Type           `gorm:"column:type;size:16;not null" json:"type"`
	Amount     int64          `gorm:"column:amount;not null" json:"amount"`
	MaxUses    int            `gorm:"column:max_uses;not null;default:1" json:"max_uses"`
	UsedCount  int            `gorm:"column:used_count;not null;default:0" json:"used_count"`
	AccountID  *int64         `gorm:"column:account_id" json:"account_id,omitempty"`
	Status     Status         `gorm:"column:status;size:16;index;not null" json:"status"`
	ValidFrom  time.Time      `gorm:"column:valid_from" json:"valid_from"`
	ExpiresAt  time.Time      `gorm:"column:expires_at" json:"expires_at"`
	Metadata   datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	RedeemedAt *time.Time     `gorm:"column:redeemed_at" json:"redeemed_at,omitempty"`
	CreatedAt  time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (Voucher) TableName() string { return "vouchers" }

type RedeemParams struct {
	Code      string `json:"code" validate:"required,max=64"`
	AccountID int64  `json:"account_id" validate:"gt=0"`
}

type RedeemResult struct {
	Code   string `json:"code"`
	Type   Type   `json:"type"`
	Amount int64  `json:"amount"`
}

type CreateParams struct {
	// Code is generated when empty.
	Code      string         `json:"code,omitempty" validate:"omitempty,max=64"`
	Type      Type           `json:"type" validate:"required,oneof=silk gold points experience item"`
	Amount    int64          `json:"amount" validate:"gt=0"`
	MaxUses   int            `json:"max_uses" validate:"gte=0"`
	ValidFrom time.Time      `json:"valid_from"`
	ExpiresAt time.Time      `json:"expires_at" validate:"required"`
	Metadata  datatypes.JSON `json:"metadata,omitempty"`
}

func Models() []any {
	return []any{&Voucher{}}
}
