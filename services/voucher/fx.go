package voucher

import (
	"net/http"

	"storefront-ledger/pkg/httpapi"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/fx"
)

var Module = fx.Module("voucher.service",
	fx.Provide(NewService),
)

var Gateway = fx.Module("voucher.gateway",
	fx.Invoke(registerRoutes),
)

func registerRoutes(mux *runtime.ServeMux, svc *Service) error {
	routes := []struct {
		method, path string
		handler      runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/vouchers/redeem", svc.handleRedeem},
		{http.MethodPost, "/v1/admin/vouchers", svc.handleCreate},
		{http.MethodGet, "/v1/admin/vouchers/{code}", svc.handleGet},
		{http.MethodPost, "/v1/admin/vouchers/{code}/disable", svc.handleDisable},
	}

	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.handler); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) handleRedeem(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req RedeemParams
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}

	res, err := s.Redeem(r.Context(), req)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, res)
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req CreateParams
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}

	v, err := s.Create(r.Context(), req)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, v)
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request, params map[string]string) {
	v, err := s.Get(r.Context(), params["code"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, v)
}

func (s *Service) handleDisable(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if err := s.Disable(r.Context(), params["code"]); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
