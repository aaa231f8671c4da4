package ledger

import (
	"net/http"
	"strconv"

	"storefront-ledger/pkg/db/pagination"
	"storefront-ledger/pkg/httpapi"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(
		NewService,
		NewRecentDonors,
	),
)

var Gateway = fx.Module("ledger.gateway",
	fx.Invoke(registerRoutes),
)

func registerRoutes(mux *runtime.ServeMux, svc *Service) error {
	routes := []struct {
		method, path string
		handler      runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/donations", svc.handleDonation},
		{http.MethodPost, "/v1/votes", svc.handleVote},
		{http.MethodPost, "/v1/admin/grants", svc.handleAdminGrant},
		{http.MethodGet, "/v1/accounts/{account_id}/entries", svc.handleListEntries},
	}

	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.handler); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) handleDonation(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req DonationParams
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}

	entry, err := s.ProcessDonation(r.Context(), req)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, entry)
}

func (s *Service) handleVote(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req VoteParams
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}

	entry, err := s.ProcessVote(r.Context(), req)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, entry)
}

func (s *Service) handleAdminGrant(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req AdminGrantParams
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}

	res, err := s.GiveAdminGrant(r.Context(), req)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, res)
}

func (s *Service) handleListEntries(w http.ResponseWriter, r *http.Request, params map[string]string) {
	accountID, err := httpapi.PathInt64(params, "account_id")
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}

	page := pagination.Pagination{Cursor: r.URL.Query().Get("cursor")}
	if v := r.URL.Query().Get("limit"); v != "" {
		page.Limit, _ = strconv.Atoi(v)
	}
	if page.Limit > 250 {
		page.Limit = 250
	}

	entries, info, err := s.ListEntries(r.Context(), accountID, page)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"data":      entries,
		"page_info": info,
	})
}
