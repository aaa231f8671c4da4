//go:build integration

package referral

import (
	"context"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"

	"storefront-ledger/pkg/config"
	"storefront-ledger/pkg/db"
	"storefront-ledger/services/gamestore"
	"storefront-ledger/services/testutil"
)

func TestConcurrentRedeemsUnderRowLocks(t *testing.T) {
	conn := testutil.NewPostgresDB(t, append(Models(), gamestore.Models()...)...)
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	stores := db.Stores{Account: conn, CMS: conn, Game: conn}
	cfg := &config.Config{}
	cfg.Ledger.MinimumRedeemPoints = 10
	cfg.Ledger.SilkPerPoint = 1

	svc := NewService(ServiceParams{
		Stores: stores,
		Config: cfg,
		Node:   node,
		Game:   gamestore.NewStore(gamestore.StoreParams{Stores: stores, Node: node}),
	})

	require.NoError(t, conn.Create(&gamestore.GameAccount{JID: 7}).Error)
	seedEarnings(t, conn, 7, 40, 35, 25)

	const workers = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		redeemed int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Redeem(context.Background(), RedeemParams{AccountID: 7, PointsRequested: 15})
			if err != nil {
				return
			}
			mu.Lock()
			redeemed += res.PointsRedeemed
			mu.Unlock()
		}()
	}
	wg.Wait()

	available, err := svc.GetAvailablePoints(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, int64(100), redeemed+available)
	require.Equal(t, int64(90), redeemed)

	game, err := svc.game.Account(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, redeemed, game.Points)
}
