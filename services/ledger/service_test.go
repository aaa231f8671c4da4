package ledger

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"storefront-ledger/pkg/config"
	"storefront-ledger/pkg/db"
	"storefront-ledger/pkg/db/option"
	"storefront-ledger/pkg/db/pagination"
	"storefront-ledger/pkg/errutil"
	"storefront-ledger/pkg/repository"
	"storefront-ledger/pkg/sequence"
	"storefront-ledger/services/account"
	"storefront-ledger/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type repoMock[T any] struct {
	withTrxFn     func(tx *gorm.DB) repository.Repository[T]
	findFn        func(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	findOneFn     func(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	createFn      func(ctx context.Context, resource *T) error
	updateFn      func(ctx context.Context, resourceID string, resource any) error
	batchCreateFn func(ctx context.Context, resources []*T) error
	batchUpdateFn func(ctx context.Context, resources []*T) error
	countFn       func(ctx context.Context, query *T) (int64, error)
}

func (m *repoMock[T]) WithTrx(tx *gorm.DB) repository.Repository[T] {
	if m.withTrxFn != nil {
		return m.withTrxFn(tx)
	}
	return m
}

func (m *repoMock[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	if m.findFn != nil {
		return m.findFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	if m.findOneFn != nil {
		return m.findOneFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) Create(ctx context.Context, resource *T) error {
	if m.createFn != nil {
		return m.createFn(ctx, resource)
	}
	return nil
}

func (m *repoMock[T]) Update(ctx context.Context, resourceID string, resource any) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, resourceID, resource)
	}
	return nil
}

func (m *repoMock[T]) BatchCreate(ctx context.Context, resources []*T) error {
	if m.batchCreateFn != nil {
		return m.batchCreateFn(ctx, resources)
	}
	return nil
}

func (m *repoMock[T]) BatchUpdate(ctx context.Context, resources []*T) error {
	if m.batchUpdateFn != nil {
		return m.batchUpdateFn(ctx, resources)
	}
	return nil
}

func (m *repoMock[T]) Count(ctx context.Context, query *T) (int64, error) {
	if m.countFn != nil {
		return m.countFn(ctx, query)
	}
	return 0, nil
}

// the legacy balance procedure reads the CMS balance table in these tests
var legacyCfg = config.LegacyConfig{
	BalanceStatement: "SELECT 0 AS error_code, silk_own AS silk, silk_gift AS premium_silk, vip_level, 0 AS month_usage, 0 AS three_month_usage FROM silk_balances WHERE account_id = @jid",
	GrantStatement:   "SELECT 0 AS error_code",
}

type invalidatorMock struct {
	mu  sync.Mutex
	ids []int64
}

func (m *invalidatorMock) Invalidate(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, id)
}

type scriptedSequence struct {
	mu  sync.Mutex
	ids []string
	sequence.Generator
}

func (s *scriptedSequence) NextInvoiceID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ids) == 0 {
		return s.Generator.NextInvoiceID(ctx)
	}
	id := s.ids[0]
	s.ids = s.ids[1:]
	return id, nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	conn := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return &Service{
		db:       conn,
		node:     node,
		seq:      sequence.NewRandomGenerator(time.Now),
		procs:    account.NewSQLProcedures(conn, legacyCfg),
		cache:    &invalidatorMock{},
		silkRate: decimal.NewFromInt(100),
		voteSilk: 5,
		now:      time.Now,
		retry: func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
		},

		payment: repository.ProvideStore[Payment](conn),
		delta:   repository.ProvideStore[SilkDelta](conn),
		balance: repository.ProvideStore[SilkBalance](conn),
		log:     repository.ProvideStore[DonationLog](conn),
	}, conn
}

func countRows(t *testing.T, conn *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.Model(model).Count(&n).Error)
	return n
}

func TestNewService(t *testing.T) {
	conn := testutil.NewTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Ledger.SilkRate = "12.5"

	svc, err := NewService(ServiceParams{
		Stores:   db.Stores{Account: conn, CMS: conn, Game: conn},
		Config:   cfg,
		Node:     node,
		Sequence: sequence.NewRandomGenerator(time.Now),
	})
	require.NoError(t, err)
	require.True(t, svc.silkRate.Equal(decimal.RequireFromString("12.5")))
	require.Nil(t, svc.cache)

	cfg.Ledger.SilkRate = "-1"
	_, err = NewService(ServiceParams{Stores: db.Stores{CMS: conn}, Config: cfg, Node: node})
	require.Error(t, err)
}

func TestSilkFor(t *testing.T) {
	cases := []struct {
		cents int64
		rate  string
		want  int64
	}{
		{500, "100", 500},
		{999, "100", 999},
		{1, "0.5", 0},
		{250, "1.5", 3},
		{1999, "10", 199},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, SilkFor(tc.cents, decimal.RequireFromString(tc.rate)), "%d cents at %s", tc.cents, tc.rate)
	}
}

func TestProcessDonationScenario(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	reader := account.NewReader(account.NewSQLProcedures(conn, legacyCfg))

	before, err := reader.GetBalance(ctx, 1001)
	require.NoError(t, err)
	require.Zero(t, before.Silk)

	entry, err := svc.ProcessDonation(ctx, DonationParams{
		AccountID:             1001,
		AmountUSDCents:        500,
		ExternalTransactionID: "tx-1",
		SilkRate:              decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	require.Equal(t, int64(500), entry.SilkCredited)
	require.Equal(t, MethodPayPal, entry.Method)
	require.Regexp(t, regexp.MustCompile(`^INV-\d{8}-[0-9A-Z]{5,}$`), entry.InvoiceID)
	require.WithinDuration(t, entry.CreatedAt.AddDate(5, 0, 0), entry.AvailableUntil, time.Second)

	after, err := reader.GetBalance(ctx, 1001)
	require.NoError(t, err)
	require.Equal(t, int64(500), after.Silk)

	_, err = svc.ProcessDonation(ctx, DonationParams{
		AccountID:             1001,
		AmountUSDCents:        500,
		ExternalTransactionID: "tx-1",
		SilkRate:              decimal.NewFromInt(100),
	})
	require.True(t, errutil.IsRejected(err, errutil.ReasonDuplicateTransaction))

	again, err := reader.GetBalance(ctx, 1001)
	require.NoError(t, err)
	require.Equal(t, int64(500), again.Silk)

	require.Equal(t, int64(1), countRows(t, conn, &Payment{}))
	require.Equal(t, int64(1), countRows(t, conn, &SilkDelta{}))
	require.Equal(t, int64(1), countRows(t, conn, &DonationLog{}))
	require.Equal(t, []int64{1001}, svc.cache.(*invalidatorMock).ids)
}

func TestProcessDonationUpdatesExistingBalance(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	for i, ext := range []string{"tx-a", "tx-b"} {
		_, err := svc.ProcessDonation(ctx, DonationParams{AccountID: 7, AmountUSDCents: int64(100 * (i + 1)), ExternalTransactionID: ext})
		require.NoError(t, err)
	}

	var bal SilkBalance
	require.NoError(t, conn.Where("account_id = ?", 7).Take(&bal).Error)
	require.Equal(t, int64(300), bal.SilkOwn)
	require.Equal(t, int64(1), countRows(t, conn, &SilkBalance{}))
}

func TestProcessDonationRejectsInvalidInput(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	for _, p := range []DonationParams{
		{AccountID: 0, AmountUSDCents: 100, ExternalTransactionID: "x"},
		{AccountID: 1, AmountUSDCents: 0, ExternalTransactionID: "x"},
		{AccountID: 1, AmountUSDCents: 100, ExternalTransactionID: ""},
		{AccountID: 1, AmountUSDCents: 100, ExternalTransactionID: "x", Method: MethodVote},
		{AccountID: 1, AmountUSDCents: 100, ExternalTransactionID: "x", SilkRate: decimal.NewFromInt(-3)},
	} {
		_, err := svc.ProcessDonation(ctx, p)
		require.True(t, errutil.IsRejected(err, errutil.ReasonInvalidAmount), "%+v", p)
	}
	require.Zero(t, countRows(t, conn, &Payment{}))
}

func TestProcessDonationDuplicatePreCheckSkipsTransaction(t *testing.T) {
	created := false
	svc := &Service{
		silkRate: decimal.NewFromInt(100),
		log: &repoMock[DonationLog]{
			findOneFn: func(ctx context.Context, q *DonationLog, _ ...option.QueryOption) (*DonationLog, error) {
				require.Equal(t, "tx-dup", q.ExternalTransactionID)
				return &DonationLog{ID: "1", ExternalTransactionID: "tx-dup"}, nil
			},
			createFn: func(ctx context.Context, _ *DonationLog) error {
				created = true
				return nil
			},
		},
	}

	_, err := svc.ProcessDonation(context.Background(), DonationParams{AccountID: 1, AmountUSDCents: 100, ExternalTransactionID: "tx-dup"})
	require.True(t, errutil.IsRejected(err, errutil.ReasonDuplicateTransaction))
	require.False(t, created)
}

func TestProcessDonationStoreFailureIsUpstream(t *testing.T) {
	svc := &Service{
		silkRate: decimal.NewFromInt(100),
		log: &repoMock[DonationLog]{
			findOneFn: func(ctx context.Context, _ *DonationLog, _ ...option.QueryOption) (*DonationLog, error) {
				return nil, errors.New("connection reset by peer")
			},
		},
	}

	_, err := svc.ProcessDonation(context.Background(), DonationParams{AccountID: 1, AmountUSDCents: 100, ExternalTransactionID: "tx"})
	var up *errutil.UpstreamUnavailable
	require.True(t, errors.As(err, &up))
	require.Equal(t, "service temporarily unavailable, try again", errutil.UserMessage(err))
}

func TestProcessDonationRollsBackOnLogFailure(t *testing.T) {
	svc, conn := newTestService(t)
	svc.log = &repoMock[DonationLog]{
		createFn: func(ctx context.Context, _ *DonationLog) error {
			return errors.New("disk full")
		},
	}

	_, err := svc.ProcessDonation(context.Background(), DonationParams{AccountID: 55, AmountUSDCents: 100, ExternalTransactionID: "tx-rollback"})
	require.Error(t, err)

	require.Zero(t, countRows(t, conn, &Payment{}))
	require.Zero(t, countRows(t, conn, &SilkDelta{}))
	require.Zero(t, countRows(t, conn, &SilkBalance{}))
	require.Empty(t, svc.cache.(*invalidatorMock).ids)
}

func TestProcessDonationRacingDuplicateHitsUniqueIndex(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	_, err := svc.ProcessDonation(ctx, DonationParams{AccountID: 3, AmountUSDCents: 100, ExternalTransactionID: "tx-race"})
	require.NoError(t, err)

	// the second delivery passes the pre-check as if it ran before the first committed
	real := svc.log
	calls := 0
	svc.log = &repoMock[DonationLog]{
		withTrxFn: func(tx *gorm.DB) repository.Repository[DonationLog] { return real.WithTrx(tx) },
		findOneFn: func(ctx context.Context, q *DonationLog, opts ...option.QueryOption) (*DonationLog, error) {
			calls++
			if calls == 1 {
				return nil, nil
			}
			return real.FindOne(ctx, q, opts...)
		},
	}

	_, err = svc.ProcessDonation(ctx, DonationParams{AccountID: 3, AmountUSDCents: 100, ExternalTransactionID: "tx-race"})
	require.True(t, errutil.IsRejected(err, errutil.ReasonDuplicateTransaction))

	var bal SilkBalance
	require.NoError(t, conn.Where("account_id = ?", 3).Take(&bal).Error)
	require.Equal(t, int64(100), bal.SilkOwn)
	require.Equal(t, int64(1), countRows(t, conn, &Payment{}))
}

func TestProcessDonationRetriesInvoiceCollision(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	svc.seq = &scriptedSequence{
		ids:       []string{"INV-20260101-AAAAA", "INV-20260101-AAAAA"},
		Generator: sequence.NewRandomGenerator(time.Now),
	}

	first, err := svc.ProcessDonation(ctx, DonationParams{AccountID: 9, AmountUSDCents: 100, ExternalTransactionID: "tx-1"})
	require.NoError(t, err)
	require.Equal(t, "INV-20260101-AAAAA", first.InvoiceID)

	second, err := svc.ProcessDonation(ctx, DonationParams{AccountID: 9, AmountUSDCents: 100, ExternalTransactionID: "tx-2"})
	require.NoError(t, err)
	require.NotEqual(t, first.InvoiceID, second.InvoiceID)

	require.Equal(t, int64(2), countRows(t, conn, &Payment{}))
	require.NoError(t, svc.VerifyAuditChain(ctx, 9))
}

func TestProcessVote(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	entry, err := svc.ProcessVote(ctx, VoteParams{AccountID: 12, Site: "topsite", ExternalVoteID: "v-1"})
	require.NoError(t, err)
	require.Equal(t, MethodVote, entry.Method)
	require.Equal(t, int64(5), entry.SilkCredited)
	require.Zero(t, entry.AmountUSDCents)

	_, err = svc.ProcessVote(ctx, VoteParams{AccountID: 12, Site: "topsite", ExternalVoteID: "v-1"})
	require.True(t, errutil.IsRejected(err, errutil.ReasonDuplicateTransaction))

	var bal SilkBalance
	require.NoError(t, conn.Where("account_id = ?", 12).Take(&bal).Error)
	require.Equal(t, int64(5), bal.SilkPoint)
	require.Zero(t, bal.SilkOwn)
}

func TestGiveAdminGrant(t *testing.T) {
	ctx := context.Background()

	t.Run("success invalidates the target", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		procs := account.NewMockProcedures(ctrl)
		procs.EXPECT().GrantSilk(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, p account.GrantSilkParams) (int, error) {
			require.Equal(t, int64(2), p.TargetAccountID)
			require.Equal(t, account.GrantSilkGift, p.GrantType)
			require.Contains(t, p.Message, "compensation")
			return account.CodeOK, nil
		})

		cache := &invalidatorMock{}
		svc := &Service{procs: procs, cache: cache}
		res, err := svc.GiveAdminGrant(ctx, AdminGrantParams{
			ManagerAccountID: 1, TargetAccountID: 2, Amount: 50, GrantType: account.GrantSilkGift, Reason: "compensation",
		})
		require.NoError(t, err)
		require.True(t, res.Success)
		require.Equal(t, []int64{2}, cache.ids)
	})

	t.Run("long multibyte reason stays valid utf-8", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		procs := account.NewMockProcedures(ctrl)
		procs.EXPECT().GrantSilk(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, p account.GrantSilkParams) (int, error) {
			require.LessOrEqual(t, len(p.Message), grantMessageLimit)
			require.True(t, utf8.ValidString(p.Message))
			require.True(t, strings.HasSuffix(p.Message, "é"))
			return account.CodeOK, nil
		})

		svc := &Service{procs: procs, cache: &invalidatorMock{}}
		_, err := svc.GiveAdminGrant(ctx, AdminGrantParams{
			ManagerAccountID: 1, TargetAccountID: 2, Amount: 50, GrantType: account.GrantSilkGift, Reason: strings.Repeat("é", 200),
		})
		require.NoError(t, err)
	})

	t.Run("non-zero code is a legacy procedure error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		procs := account.NewMockProcedures(ctrl)
		procs.EXPECT().GrantSilk(gomock.Any(), gomock.Any()).Return(account.CodeAccountBlocked, nil).Times(1)

		svc := &Service{procs: procs}
		_, err := svc.GiveAdminGrant(ctx, AdminGrantParams{
			ManagerAccountID: 1, TargetAccountID: 2, Amount: 50, GrantType: account.GrantSilkOwn, Reason: "r",
		})
		var lpe *errutil.LegacyProcedureError
		require.True(t, errors.As(err, &lpe))
		require.Equal(t, account.CodeAccountBlocked, lpe.Code)
		require.Equal(t, "account is blocked", errutil.UserMessage(err))
	})

	t.Run("call failure is upstream and not retried", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		procs := account.NewMockProcedures(ctrl)
		procs.EXPECT().GrantSilk(gomock.Any(), gomock.Any()).Return(0, errors.New("timeout")).Times(1)

		svc := &Service{procs: procs}
		_, err := svc.GiveAdminGrant(ctx, AdminGrantParams{
			ManagerAccountID: 1, TargetAccountID: 2, Amount: 50, GrantType: account.GrantSilkOwn, Reason: "r",
		})
		var up *errutil.UpstreamUnavailable
		require.True(t, errors.As(err, &up))
	})

	t.Run("invalid request never reaches the procedure", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		procs := account.NewMockProcedures(ctrl)

		svc := &Service{procs: procs}
		_, err := svc.GiveAdminGrant(ctx, AdminGrantParams{
			ManagerAccountID: 1, TargetAccountID: 2, Amount: 50, GrantType: "diamonds", Reason: "r",
		})
		require.True(t, errutil.IsRejected(err, errutil.ReasonInvalidAmount))
	})
}

func TestListEntries(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, ext := range []string{"tx-1", "tx-2", "tx-3"} {
		_, err := svc.ProcessDonation(ctx, DonationParams{AccountID: 77, AmountUSDCents: 100, ExternalTransactionID: ext})
		require.NoError(t, err)
	}
	_, err := svc.ProcessDonation(ctx, DonationParams{AccountID: 78, AmountUSDCents: 100, ExternalTransactionID: "other"})
	require.NoError(t, err)

	page, info, err := svc.ListEntries(ctx, 77, pagination.Pagination{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.True(t, info.HasMore)
	require.NotEmpty(t, info.NextCursor)
	require.False(t, page[0].AvailableUntil.IsZero())

	rest, info, err := svc.ListEntries(ctx, 77, pagination.Pagination{Limit: 2, Cursor: info.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.False(t, info.HasMore)

	seen := map[string]bool{}
	for _, e := range append(page, rest...) {
		require.Equal(t, int64(77), e.AccountID)
		require.False(t, seen[e.InvoiceID])
		seen[e.InvoiceID] = true
	}
}

func TestVerifyAuditChainDetectsTampering(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	for _, ext := range []string{"tx-1", "tx-2", "tx-3"} {
		_, err := svc.ProcessDonation(ctx, DonationParams{AccountID: 5, AmountUSDCents: 100, ExternalTransactionID: ext})
		require.NoError(t, err)
	}
	require.NoError(t, svc.VerifyAuditChain(ctx, 5))

	require.NoError(t, conn.Model(&DonationLog{}).
		Where("external_transaction_id = ?", "tx-2").
		Update("silk_credited", 100000).Error)

	err := svc.VerifyAuditChain(ctx, 5)
	var inc *errutil.Inconsistent
	require.True(t, errors.As(err, &inc))
	require.Equal(t, "donation_log_chain", inc.Invariant)
}

func TestRecentDonors(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []int64{10, 11, 10, 12} {
		at := base.Add(time.Duration(i) * time.Minute)
		svc.now = func() time.Time { return at }
		_, err := svc.ProcessDonation(ctx, DonationParams{AccountID: id, AmountUSDCents: 100, ExternalTransactionID: "tx-" + at.String()})
		require.NoError(t, err)
	}

	recent := NewRecentDonors(db.Stores{CMS: conn})
	ids, err := recent.RecentAccountIDs(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{12, 10}, ids)
}
