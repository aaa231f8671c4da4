package gamestore

import (
	"context"
	"time"

	"storefront-ledger/pkg/db"
	"storefront-ledger/pkg/errutil"
	"storefront-ledger/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("gamestore",
	fx.Provide(NewStore),
)

const addPointsStmt = "UPDATE game_accounts SET points = points + ? WHERE jid = ?"

const addGoldStmt = "UPDATE game_accounts SET gold = gold + ? WHERE jid = ?"

type Store struct {
	db     *gorm.DB
	shared bool
	node   *snowflake.Node
	now    func() time.Time

	delivery repository.Repository[RewardDelivery]
}

type StoreParams struct {
	fx.In
	Stores db.Stores
	Node   *snowflake.Node
}

func NewStore(p StoreParams) *Store {
	return &Store{
		db:       p.Stores.Game,
		shared:   p.Stores.SameGameTx(),
		node:     p.Node,
		now:      time.Now,
		delivery: repository.ProvideStore[RewardDelivery](p.Stores.Game),
	}
}

func (s *Store) withDB(tx *gorm.DB) *Store {
	return &Store{
		db:       tx,
		shared:   s.shared,
		node:     s.node,
		now:      s.now,
		delivery: s.delivery.WithTrx(tx),
	}
}

// Within runs fn as part of the CMS transaction cmsTx. When both stores are
// the same database fn joins cmsTx. Otherwise fn gets its own game
// transaction, which commits before cmsTx; callers make the game write their
// last step so a game failure still rolls the CMS side back.
func (s *Store) Within(ctx context.Context, cmsTx *gorm.DB, fn func(g *Store) error) error {
	if s.shared && cmsTx != nil {
		return fn(s.withDB(cmsTx))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.withDB(tx))
	})
}

type AddPointsParams struct {
	AccountID int64
	Points    int64
}

// AddPoints credits the spendable points pool of one game account.
func (s *Store) AddPoints(ctx context.Context, p AddPointsParams) error {
	return s.exec(ctx, addPointsStmt, p.Points, p.AccountID)
}

type AddGoldParams struct {
	AccountID int64
	Gold      int64
}

func (s *Store) AddGold(ctx context.Context, p AddGoldParams) error {
	return s.exec(ctx, addGoldStmt, p.Gold, p.AccountID)
}

func (s *Store) exec(ctx context.Context, stmt string, amount, jid int64) error {
	res := s.db.WithContext(ctx).Exec(stmt, amount, jid)
	if res.Error != nil {
		return errutil.FromStore("gamestore.update", res.Error)
	}
	if res.RowsAffected == 0 {
		return errutil.Reject(errutil.ReasonAccountNotFound)
	}
	return nil
}

type DeliveryParams struct {
	AccountID int64
	Kind      RewardKind
	Amount    int64
	Source    string
	SourceRef string
}

// QueueDelivery records a reward for the game server to pick up.
func (s *Store) QueueDelivery(ctx context.Context, p DeliveryParams) (*RewardDelivery, error) {
	row := &RewardDelivery{
		ID:        s.node.Generate().String(),
		AccountID: p.AccountID,
		Kind:      p.Kind,
		Amount:    p.Amount,
		Source:    p.Source,
		SourceRef: p.SourceRef,
		CreatedAt: s.now(),
	}
	if err := s.delivery.Create(ctx, row); err != nil {
		return nil, errutil.FromStore("gamestore.queue_delivery", err)
	}
	return row, nil
}

func (s *Store) PendingDeliveries(ctx context.Context, accountID int64) ([]*RewardDelivery, error) {
	rows, err := s.delivery.Find(ctx, nil, func(db *gorm.DB) *gorm.DB {
		return db.Where("account_id = ? AND delivered = ?", accountID, false).Order("created_at asc")
	})
	if err != nil {
		return nil, errutil.FromStore("gamestore.pending_deliveries", err)
	}
	return rows, nil
}

// MarkDelivered flips a pending delivery once; a second call reports not found.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).
		Model(&RewardDelivery{}).
		Where("id = ? AND delivered = ?", id, false).
		Updates(map[string]any{"delivered": true, "delivered_at": s.now()})
	if res.Error != nil {
		return errutil.FromStore("gamestore.mark_delivered", res.Error)
	}
	if res.RowsAffected == 0 {
		return errutil.Rejectf(errutil.ReasonAccountNotFound, "delivery %s not pending", id)
	}
	return nil
}

// Account reads one game account; nil when it does not exist.
func (s *Store) Account(ctx context.Context, jid int64) (*GameAccount, error) {
	row, err := repository.ProvideStore[GameAccount](s.db).FindOne(ctx, &GameAccount{JID: jid})
	if err != nil {
		return nil, errutil.FromStore("gamestore.account", err)
	}
	return row, nil
}
