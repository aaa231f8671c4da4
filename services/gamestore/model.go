package gamestore

import "time"

// GameAccount is the game server's account row. The points column is the
// spendable pool that referral redemptions and point vouchers credit.
type GameAccount struct {
	JID       int64     `gorm:"column:jid;primaryKey;autoIncrement:false"`
	Points    int64     `gorm:"column:points;not null;default:0"`
	Gold      int64     `gorm:"column:gold;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (GameAccount) TableName() string { return "game_accounts" }

type RewardKind string

const (
	RewardExperience RewardKind = "experience"
	RewardItem       RewardKind = "item"
)

// RewardDelivery is a reward the game server applies the next time the
// character is online.
type RewardDelivery struct {
	ID          string     `gorm:"column:id;primaryKey;size:32"`
	AccountID   int64      `gorm:"column:account_id;index"`
	Kind        RewardKind `gorm:"column:kind;size:16"`
	Amount      int64      `gorm:"column:amount"`
	Source      string     `gorm:"column:source;size:32"`
	SourceRef   string     `gorm:"column:source_ref;size:64"`
	Delivered   bool       `gorm:"column:delivered;index;default:false"`
	DeliveredAt *time.Time `gorm:"column:delivered_at"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
}

func Models() []any {
	return []any{&GameAccount{}, &RewardDelivery{}}
}
