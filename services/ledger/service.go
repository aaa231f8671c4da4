package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"storefront-ledger/pkg/config"
	"storefront-ledger/pkg/db"
	"storefront-ledger/pkg/db/option"
	"storefront-ledger/pkg/db/pagination"
	"storefront-ledger/pkg/errutil"
	"storefront-ledger/pkg/logger"
	"storefront-ledger/pkg/repository"
	"storefront-ledger/pkg/sequence"
	"storefront-ledger/services/account"
	"storefront-ledger/services/balancecache"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Invalidator drops cached balances after a committed change.
type Invalidator interface {
	Invalidate(accountID int64)
}

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	seq   sequence.Generator
	procs account.Procedures
	cache Invalidator

	silkRate decimal.Decimal
	voteSilk int64
	now      func() time.Time
	retry    func() backoff.BackOff

	payment repository.Repository[Payment]
	delta   repository.Repository[SilkDelta]
	balance repository.Repository[SilkBalance]
	log     repository.Repository[DonationLog]
}

type ServiceParams struct {
	fx.In
	Stores     db.Stores
	Config     *config.Config
	Node       *snowflake.Node
	Sequence   sequence.Generator
	Procedures account.Procedures
	Cache      *balancecache.Cache `optional:"true"`
}

func NewService(p ServiceParams) (*Service, error) {
	rate, err := decimal.NewFromString(p.Config.Ledger.SilkRate)
	if err != nil {
		return nil, fmt.Errorf("LEDGER.SILK_RATE: %w", err)
	}
	if rate.Sign() <= 0 {
		return nil, fmt.Errorf("LEDGER.SILK_RATE must be positive, got %s", rate)
	}

	s := &Service{
		db:       p.Stores.CMS,
		node:     p.Node,
		seq:      p.Sequence,
		procs:    p.Procedures,
		silkRate: rate,
		voteSilk: p.Config.Ledger.VoteSilk,
		now:      time.Now,
		retry:    defaultRetry,

		payment: repository.ProvideStore[Payment](p.Stores.CMS),
		delta:   repository.ProvideStore[SilkDelta](p.Stores.CMS),
		balance: repository.ProvideStore[SilkBalance](p.Stores.CMS),
		log:     repository.ProvideStore[DonationLog](p.Stores.CMS),
	}
	if p.Cache != nil {
		s.cache = p.Cache
	}
	return s, nil
}

// defaultRetry bounds invoice id collision retries.
func defaultRetry() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 3 * time.Second
	return backoff.WithMaxRetries(b, 4)
}

type DonationParams struct {
	AccountID             int64  `json:"account_id" validate:"gt=0"`
	AmountUSDCents        int64  `json:"amount_usd_cents" validate:"gt=0"`
	ExternalTransactionID string `json:"external_transaction_id" validate:"required,max=128"`
	// SilkRate overrides the configured rate when non-zero.
	SilkRate decimal.Decimal `json:"silk_rate"`
	Method   Method          `json:"method" validate:"omitempty,oneof=paypal admin"`
	Payload  datatypes.JSON  `json:"payload,omitempty"`
}

type VoteParams struct {
	AccountID      int64  `json:"account_id" validate:"gt=0"`
	Site           string `json:"site" validate:"required,max=32"`
	ExternalVoteID string `json:"external_vote_id" validate:"required,max=64"`
}

type AdminGrantParams struct {
	ManagerAccountID int64             `json:"manager_account_id" validate:"gt=0"`
	TargetAccountID  int64             `json:"target_account_id" validate:"gt=0"`
	Amount           int64             `json:"amount" validate:"gt=0"`
	GrantType        account.GrantType `json:"grant_type" validate:"required"`
	Reason           string            `json:"reason" validate:"required,max=200"`
}

// SilkFor converts a USD amount in cents: floor(cents / 100 * rate).
func SilkFor(amountUSDCents int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amountUSDCents).
		Mul(rate).
		Div(decimal.NewFromInt(100)).
		Floor().
		IntPart()
}

// ProcessDonation records a cash donation and credits its silk in one transaction.
// A second call with the same ExternalTransactionID is rejected without writing.
func (s *Service) ProcessDonation(ctx context.Context, p DonationParams) (*LedgerEntry, error) {
	const op = "ledger.process_donation"
	log := logger.FromContext(ctx, zap.Int64("account_id", p.AccountID), zap.String("external_transaction_id", p.ExternalTransactionID))

	method := p.Method
	if method == "" {
		method = MethodPayPal
	}

	rate := p.SilkRate
	if rate.IsZero() {
		rate = s.silkRate
	}

	switch {
	case p.AccountID <= 0, p.AmountUSDCents <= 0, rate.Sign() <= 0:
		return nil, errutil.AtBoundary(ctx, log, op, errutil.Reject(errutil.ReasonInvalidAmount))
	case strings.TrimSpace(p.ExternalTransactionID) == "", !method.Valid(), method == MethodVote:
		return nil, errutil.AtBoundary(ctx, log, op, errutil.Rejectf(errutil.ReasonInvalidAmount, "invalid donation request"))
	}

	return s.credit(ctx, op, log, creditParams{
		AccountID:      p.AccountID,
		Method:         method,
		AmountUSDCents: p.AmountUSDCents,
		Silk:           SilkFor(p.AmountUSDCents, rate),
		ExternalID:     p.ExternalTransactionID,
		Payload:        p.Payload,
	})
}

// ProcessVote credits the configured vote reward once per external vote id.
func (s *Service) ProcessVote(ctx context.Context, p VoteParams) (*LedgerEntry, error) {
	const op = "ledger.process_vote"
	externalID := fmt.Sprintf("vote:%s:%s", p.Site, p.ExternalVoteID)
	log := logger.FromContext(ctx, zap.Int64("account_id", p.AccountID), zap.String("external_transaction_id", externalID))

	if p.AccountID <= 0 || p.Site == "" || p.ExternalVoteID == "" || s.voteSilk <= 0 {
		return nil, errutil.AtBoundary(ctx, log, op, errutil.Reject(errutil.ReasonInvalidAmount))
	}

	return s.credit(ctx, op, log, creditParams{
		AccountID:  p.AccountID,
		Method:     MethodVote,
		Silk:       s.voteSilk,
		ExternalID: externalID,
	})
}

type creditParams struct {
	AccountID      int64
	Method         Method
	AmountUSDCents int64
	Silk           int64
	ExternalID     string
	Payload        datatypes.JSON
}

func (s *Service) credit(ctx context.Context, op string, log *zap.Logger, p creditParams) (*LedgerEntry, error) {
	exist, err := s.log.FindOne(ctx, &DonationLog{ExternalTransactionID: p.ExternalID})
	if err != nil {
		return nil, errutil.AtBoundary(ctx, log, op, err)
	}
	if exist != nil {
		return nil, errutil.AtBoundary(ctx, log, op, errutil.Reject(errutil.ReasonDuplicateTransaction))
	}

	var entry *LedgerEntry
	operation := func() error {
		e, err := s.creditOnce(ctx, p)
		if err == nil {
			entry = e
			return nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return backoff.Permanent(err)
		}

		// a duplicate delivery that raced past the pre-check hits the log's unique index
		dup, ferr := s.log.FindOne(ctx, &DonationLog{ExternalTransactionID: p.ExternalID})
		if ferr != nil {
			return backoff.Permanent(ferr)
		}
		if dup != nil {
			return backoff.Permanent(errutil.Reject(errutil.ReasonDuplicateTransaction))
		}

		log.Warn("unique violation on credit, retrying with a fresh invoice id", zap.Error(err))
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(s.retry(), ctx)); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			err = &errutil.UpstreamUnavailable{Op: "ledger.invoice_id", Err: err}
		}
		return nil, errutil.AtBoundary(ctx, log, op, err)
	}

	if s.cache != nil {
		s.cache.Invalidate(p.AccountID)
	}

	log.Info("credit committed",
		zap.String("invoice_id", entry.InvoiceID),
		zap.String("method", string(entry.Method)),
		zap.Int64("silk_credited", entry.SilkCredited))

	return entry, nil
}

func (s *Service) creditOnce(ctx context.Context, p creditParams) (*LedgerEntry, error) {
	invoiceID, err := s.seq.NextInvoiceID(ctx)
	if err != nil {
		return nil, &errutil.UpstreamUnavailable{Op: "sequence.invoice_id", Err: err}
	}

	// microseconds survive every store, keeping the audit hash reproducible
	now := s.now().UTC().Truncate(time.Microsecond)

	payment := &Payment{
		ID:                    s.node.Generate().String(),
		InvoiceID:             invoiceID,
		AccountID:             p.AccountID,
		Method:                p.Method,
		AmountUSDCents:        p.AmountUSDCents,
		SilkCredited:          p.Silk,
		ExternalTransactionID: p.ExternalID,
		CreatedAt:             now,
	}
	delta := &SilkDelta{
		ID:             s.node.Generate().String(),
		InvoiceID:      invoiceID,
		AccountID:      p.AccountID,
		Silk:           p.Silk,
		AvailableUntil: now.AddDate(availability, 0, 0),
		CreatedAt:      now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.payment.WithTrx(tx).Create(ctx, payment); err != nil {
			return err
		}

		if err := s.delta.WithTrx(tx).Create(ctx, delta); err != nil {
			return err
		}

		if err := s.addToBalance(ctx, tx, p.AccountID, p.Method.balanceColumn(), p.Silk, now); err != nil {
			return err
		}

		previousHash, err := s.lastLogHash(ctx, tx, p.AccountID)
		if err != nil {
			return err
		}

		entry := &DonationLog{
			ID:                    s.node.Generate().String(),
			ExternalTransactionID: p.ExternalID,
			InvoiceID:             invoiceID,
			AccountID:             p.AccountID,
			Method:                p.Method,
			AmountUSDCents:        p.AmountUSDCents,
			SilkCredited:          p.Silk,
			Payload:               p.Payload,
			PreviousHash:          previousHash,
			CreatedAt:             now,
		}
		entry.Hash = entry.GenerateHash()

		return s.log.WithTrx(tx).Create(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	return newLedgerEntry(payment, delta), nil
}

// addToBalance locks the account's balance row and adds amount to column,
// creating the row on the first credit.
func (s *Service) addToBalance(ctx context.Context, tx *gorm.DB, accountID int64, column string, amount int64, now time.Time) error {
	balanceTx := s.balance.WithTrx(tx)

	current, err := balanceTx.FindOne(ctx, &SilkBalance{AccountID: accountID}, option.WithLockingUpdate())
	if err != nil {
		return err
	}

	if current == nil {
		row := &SilkBalance{
			ID:        s.node.Generate().String(),
			AccountID: accountID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		switch column {
		case "silk_point":
			row.SilkPoint = amount
		case "silk_gift":
			row.SilkGift = amount
		default:
			row.SilkOwn = amount
		}
		return balanceTx.Create(ctx, row)
	}

	updates := map[string]any{
		column:       gorm.Expr(column+" + ?", amount),
		"updated_at": now,
	}
	return balanceTx.Update(ctx, current.ID, &updates)
}

// CreditGiftSilk adds silk to the gift column of an account inside a caller's
// CMS transaction. The caller invalidates the cache after its commit.
func (s *Service) CreditGiftSilk(ctx context.Context, tx *gorm.DB, accountID, amount int64) error {
	return s.addToBalance(ctx, tx, accountID, "silk_gift", amount, s.now().UTC().Truncate(time.Microsecond))
}

func (s *Service) InvalidateBalance(accountID int64) {
	if s.cache != nil {
		s.cache.Invalidate(accountID)
	}
}

func (s *Service) lastLogHash(ctx context.Context, tx *gorm.DB, accountID int64) (string, error) {
	last, err := s.log.WithTrx(tx).FindOne(ctx, &DonationLog{AccountID: accountID}, newestFirst...)
	if err != nil {
		return "", err
	}
	if last == nil {
		return genesisHash, nil
	}
	return last.Hash, nil
}

var newestFirst = []option.QueryOption{
	option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc", Allow: map[string]bool{"created_at": true}}),
	option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "desc", Allow: map[string]bool{"id": true}}),
}

var oldestFirst = []option.QueryOption{
	option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc", Allow: map[string]bool{"created_at": true}}),
	option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
}

// GiveAdminGrant calls the legacy grant procedure once. The procedure owns the
// balance change; a failure is reported, never retried.
func (s *Service) GiveAdminGrant(ctx context.Context, p AdminGrantParams) (*GrantResult, error) {
	const op = "ledger.give_admin_grant"
	log := logger.FromContext(ctx,
		zap.Int64("manager_account_id", p.ManagerAccountID),
		zap.Int64("account_id", p.TargetAccountID),
		zap.String("grant_type", string(p.GrantType)))

	if p.ManagerAccountID <= 0 || p.TargetAccountID <= 0 || p.Amount <= 0 || !p.GrantType.Valid() {
		return nil, errutil.AtBoundary(ctx, log, op, errutil.Reject(errutil.ReasonInvalidAmount))
	}

	message := fmt.Sprintf("admin grant by %d: %s", p.ManagerAccountID, strings.TrimSpace(p.Reason))
	message = truncateUTF8(message, grantMessageLimit)

	code, err := s.procs.GrantSilk(ctx, account.GrantSilkParams{
		ManagerAccountID: p.ManagerAccountID,
		TargetAccountID:  p.TargetAccountID,
		Amount:           p.Amount,
		GrantType:        p.GrantType,
		Message:          message,
	})
	if err != nil {
		return nil, errutil.AtBoundary(ctx, log, op, &errutil.UpstreamUnavailable{Op: "account.grant_silk", Err: err})
	}

	if code != account.CodeOK {
		return nil, errutil.AtBoundary(ctx, log, op, &errutil.LegacyProcedureError{
			Procedure: "grant_silk",
			Code:      code,
			Message:   account.Translate(code),
		})
	}

	if s.cache != nil {
		s.cache.Invalidate(p.TargetAccountID)
	}

	log.Info("admin grant applied", zap.Int64("amount", p.Amount))

	return &GrantResult{
		Success:   true,
		ErrorCode: code,
		Message:   account.Translate(code),
	}, nil
}

// ListEntries pages through an account's credits, newest first.
func (s *Service) ListEntries(ctx context.Context, accountID int64, page pagination.Pagination) ([]*LedgerEntry, *pagination.PageInfo, error) {
	log := logger.FromContext(ctx, zap.Int64("account_id", accountID))

	payments, err := s.payment.Find(ctx, &Payment{AccountID: accountID}, option.ApplyPagination(page))
	if err != nil {
		return nil, nil, errutil.AtBoundary(ctx, log, "ledger.list_entries", err)
	}

	limit := page.Limit
	if limit <= 0 {
		limit = 10
	}
	payments, info, err := pagination.BuildCursorPageInfo(payments, limit, func(p *Payment) pagination.Cursor {
		return pagination.Cursor{ID: p.ID, CreatedAt: p.CreatedAt.Format(time.RFC3339Nano)}
	})
	if err != nil {
		return nil, nil, err
	}

	invoices := make([]string, 0, len(payments))
	for _, p := range payments {
		invoices = append(invoices, p.InvoiceID)
	}

	deltas := map[string]*SilkDelta{}
	if len(invoices) > 0 {
		rows, err := s.delta.Find(ctx, nil, option.ApplyOperator(option.Condition{
			Field:    "invoice_id",
			Operator: option.IN,
			Value:    invoices,
		}))
		if err != nil {
			return nil, nil, errutil.AtBoundary(ctx, log, "ledger.list_entries", err)
		}
		for _, d := range rows {
			deltas[d.InvoiceID] = d
		}
	}

	entries := make([]*LedgerEntry, 0, len(payments))
	for _, p := range payments {
		entries = append(entries, newLedgerEntry(p, deltas[p.InvoiceID]))
	}

	return entries, info, nil
}

// VerifyAuditChain walks an account's donation logs and checks every hash link.
func (s *Service) VerifyAuditChain(ctx context.Context, accountID int64) error {
	logs, err := s.log.Find(ctx, &DonationLog{AccountID: accountID}, oldestFirst...)
	if err != nil {
		return errutil.FromStore("ledger.verify_audit_chain", err)
	}

	previous := genesisHash
	for _, l := range logs {
		if l.PreviousHash != previous {
			return &errutil.Inconsistent{
				Invariant: "donation_log_chain",
				Detail:    fmt.Sprintf("log %s links to %s, expected %s", l.ID, l.PreviousHash, previous),
			}
		}
		if l.GenerateHash() != l.Hash {
			return &errutil.Inconsistent{
				Invariant: "donation_log_chain",
				Detail:    fmt.Sprintf("log %s content does not match its hash", l.ID),
			}
		}
		previous = l.Hash
	}
	return nil
}

// RecentDonors lists the accounts with the latest credits; it feeds the cache warmup.
type RecentDonors struct {
	db *gorm.DB
}

func NewRecentDonors(stores db.Stores) balancecache.RecentSource {
	return &RecentDonors{db: stores.CMS}
}

func (r *RecentDonors) RecentAccountIDs(ctx context.Context, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&DonationLog{}).
		Select("account_id").
		Group("account_id").
		Order("MAX(created_at) DESC").
		Limit(limit).
		Pluck("account_id", &ids).Error
	if err != nil {
		return nil, errutil.FromStore("ledger.recent_donors", err)
	}
	return ids, nil
}

// grantMessageLimit is the width of the legacy procedure's message column.
const grantMessageLimit = 255

// truncateUTF8 cuts s to at most limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
