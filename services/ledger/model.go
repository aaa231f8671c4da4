package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Method is how the money or reward reached the storefront.
type Method string

const (
	MethodPayPal Method = "paypal"
	MethodAdmin  Method = "admin"
	MethodVote   Method = "vote"
)

func (m Method) Valid() bool {
	switch m {
	case MethodPayPal, MethodAdmin, MethodVote:
		return true
	}
	return false
}

// balanceColumn is the silk_balances column a method credits.
func (m Method) balanceColumn() string {
	if m == MethodVote {
		return "silk_point"
	}
	return "silk_own"
}

// Legacy convention: credited silk stays spendable for five years.
const availability = 5

const genesisHash = "GENESIS"

// Payment is the payment record of one credit transaction.
type Payment struct {
	ID                    string    `gorm:"column:id;primaryKey;size:32"`
	InvoiceID             string    `gorm:"column:invoice_id;size:40;uniqueIndex"`
	AccountID             int64     `gorm:"column:account_id;index"`
	Method                Method    `gorm:"column:method;size:16"`
	AmountUSDCents        int64     `gorm:"column:amount_usd_cents"`
	SilkCredited          int64     `gorm:"column:silk_credited"`
	ExternalTransactionID string    `gorm:"column:external_transaction_id;size:128"`
	CreatedAt             time.Time `gorm:"column:created_at"`
}

// SilkDelta is the balance-delta record the legacy shop reads expiry from.
type SilkDelta struct {
	ID             string    `gorm:"column:id;primaryKey;size:32"`
	InvoiceID      string    `gorm:"column:invoice_id;size:40;uniqueIndex"`
	AccountID      int64     `gorm:"column:account_id;index"`
	Silk           int64     `gorm:"column:silk"`
	AvailableUntil time.Time `gorm:"column:available_until"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

// SilkBalance is the per-account balance row.
type SilkBalance struct {
	ID        string    `gorm:"column:id;primaryKey;size:32"`
	AccountID int64     `gorm:"column:account_id;uniqueIndex"`
	SilkOwn   int64     `gorm:"column:silk_own"`
	SilkGift  int64     `gorm:"column:silk_gift"`
	SilkPoint int64     `gorm:"column:silk_point"`
	VIPLevel  int       `gorm:"column:vip_level"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// DonationLog is the audit row and the idempotency record of a credit.
// Rows of one account form a hash chain through PreviousHash.
type DonationLog struct {
	ID                    string         `gorm:"column:id;primaryKey;size:32"`
	ExternalTransactionID string         `gorm:"column:external_transaction_id;size:128;uniqueIndex"`
	InvoiceID             string         `gorm:"column:invoice_id;size:40"`
	AccountID             int64          `gorm:"column:account_id;index"`
	Method                Method         `gorm:"column:method;size:16"`
	AmountUSDCents        int64          `gorm:"column:amount_usd_cents"`
	SilkCredited          int64          `gorm:"column:silk_credited"`
	Payload               datatypes.JSON `gorm:"column:payload"`
	PreviousHash          string         `gorm:"column:previous_hash;size:64"`
	Hash                  string         `gorm:"column:hash;size:64"`
	CreatedAt             time.Time      `gorm:"column:created_at"`
}

func (m *DonationLog) HashFields() map[string]string {
	return map[string]string{
		"id":                      m.ID,
		"external_transaction_id": m.ExternalTransactionID,
		"invoice_id":              m.InvoiceID,
		"account_id":              fmt.Sprintf("%d", m.AccountID),
		"method":                  string(m.Method),
		"amount_usd_cents":        fmt.Sprintf("%d", m.AmountUSDCents),
		"silk_credited":           fmt.Sprintf("%d", m.SilkCredited),
		"created_at":              m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash":           m.PreviousHash,
	}
}

func (m *DonationLog) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// LedgerEntry is the caller-facing view of one committed credit.
type LedgerEntry struct {
	InvoiceID      string    `json:"invoice_id"`
	AccountID      int64     `json:"account_id"`
	AmountUSDCents int64     `json:"amount_usd_cents"`
	SilkCredited   int64     `json:"silk_credited"`
	Method         Method    `json:"method"`
	CreatedAt      time.Time `json:"created_at"`
	AvailableUntil time.Time `json:"available_until"`
}

func newLedgerEntry(p *Payment, d *SilkDelta) *LedgerEntry {
	e := &LedgerEntry{
		InvoiceID:      p.InvoiceID,
		AccountID:      p.AccountID,
		AmountUSDCents: p.AmountUSDCents,
		SilkCredited:   p.SilkCredited,
		Method:         p.Method,
		CreatedAt:      p.CreatedAt,
	}
	if d != nil {
		e.AvailableUntil = d.AvailableUntil
	}
	return e
}

// GrantResult is returned by a successful admin grant.
type GrantResult struct {
	Success   bool   `json:"success"`
	ErrorCode int    `json:"error_code"`
	Message   string `json:"message"`
}

// Models lists the CMS tables owned by this package.
func Models() []any {
	return []any{&Payment{}, &SilkDelta{}, &SilkBalance{}, &DonationLog{}}
}
