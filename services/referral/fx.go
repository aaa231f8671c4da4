package referral

import (
	"net/http"

	"storefront-ledger/pkg/httpapi"
	"storefront-ledger/pkg/taskname"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("referral.service",
	fx.Provide(NewService),
)

var Gateway = fx.Module("referral.gateway",
	fx.Invoke(registerRoutes),
)

// Worker registers the retry handler on the asynq mux.
var Worker = fx.Module("referral.worker",
	fx.Invoke(func(mux *asynq.ServeMux, svc *Service) {
		mux.HandleFunc(taskname.ReferralCredit, svc.HandleCreditTask)
	}),
)

func registerRoutes(mux *runtime.ServeMux, svc *Service) error {
	if err := mux.HandlePath(http.MethodGet, "/v1/accounts/{account_id}/referral/points", svc.handleAvailable); err != nil {
		return err
	}
	if err := mux.HandlePath(http.MethodGet, "/v1/accounts/{account_id}/referral/earnings", svc.handleListEarnings); err != nil {
		return err
	}
	if err := mux.HandlePath(http.MethodPost, "/v1/referral/credits", svc.handleCredit); err != nil {
		return err
	}
	return mux.HandlePath(http.MethodPost, "/v1/referral/redeem", svc.handleRedeem)
}

// handleCredit is called by account registration. The credit is accepted even
// when the store is down; the worker retries it under the same earning id.
func (s *Service) handleCredit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req CreditParams
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	if req.EarningID == "" {
		req.EarningID = s.node.Generate().String()
	}

	s.CreditOnRegistration(r.Context(), req)
	httpapi.WriteJSON(w, http.StatusAccepted, map[string]string{"earning_id": req.EarningID})
}

func (s *Service) handleAvailable(w http.ResponseWriter, r *http.Request, params map[string]string) {
	accountID, err := httpapi.PathInt64(params, "account_id")
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}

	points, err := s.GetAvailablePoints(r.Context(), accountID)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]int64{
		"account_id":       accountID,
		"available_points": points,
		"minimum_redeem":   s.minimumRedeem,
	})
}

func (s *Service) handleListEarnings(w http.ResponseWriter, r *http.Request, params map[string]string) {
	accountID, err := httpapi.PathInt64(params, "account_id")
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}

	rows, err := s.ListEarnings(r.Context(), accountID)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"data": rows})
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
