package balancecache

import (
	"context"
	"net/http"

	"storefront-ledger/pkg/config"
	"storefront-ledger/pkg/httpapi"
	"storefront-ledger/services/account"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/fx"
)

var Module = fx.Module("balancecache",
	fx.Provide(NewFromConfig),
	fx.Invoke(registerLifecycle),
)

type Params struct {
	fx.In
	Config *config.Config
	Reader *account.Reader
	Recent RecentSource `optional:"true"`
}

func NewFromConfig(p Params) *Cache {
	bc := p.Config.Ledger.BalanceCache
	return New(p.Reader, Options{
		TTL:               bc.TTL,
		Concurrency:       bc.Concurrency,
		WarmupAccounts:    bc.WarmupAccounts,
		WarmupRecentLimit: bc.WarmupRecentLimit,
		Recent:            p.Recent,
	})
}

func registerLifecycle(lc fx.Lifecycle, cache *Cache) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			cache.Warmup(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cache.Stop()
			cache.Clear()
			return nil
		},
	})
}

var Gateway = fx.Module("balancecache.gateway",
	fx.Invoke(registerRoutes),
)

type batchRequest struct {
	AccountIDs []int64 `json:"account_ids" validate:"required,min=1,max=500,dive,gt=0"`
}

func registerRoutes(mux *runtime.ServeMux, cache *Cache) error {
	routes := []struct {
		method, path string
		handler      runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/accounts/{account_id}/balance", cache.handleGet},
		{http.MethodPost, "/v1/balances/batch", cache.handleGetMany},
		{http.MethodGet, "/v1/admin/balance-cache/stats", cache.handleStats},
		{http.MethodDelete, "/v1/admin/balance-cache", cache.handleClear},
	}

	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.handler); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) handleGet(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := httpapi.PathInt64(params, "account_id")
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}

	snap, err := c.Get(r.Context(), id)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"balance": snap,
		"message": account.Translate(snap.ErrorCode),
	})
}

func (c *Cache) handleGetMany(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req batchRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}

	out, err := c.GetMany(r.Context(), req.AccountIDs)
	if err != nil && len(out) == 0 {
		httpapi.WriteError(w, err)
		return
	}

	// partial results are served; the failed ids are simply absent
	body := map[string]any{"balances": out}
	if err != nil {
		body["partial"] = true
	}
	httpapi.WriteJSON(w, http.StatusOK, body)
}

func (c *Cache) handleStats(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	httpapi.WriteJSON(w, http.StatusOK, c.Stats())
}

func (c *Cache) handleClear(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	c.Clear()
	c.ResetStats()
	w.WriteHeader(http.StatusNoContent)
}
