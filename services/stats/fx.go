package stats

import (
	"net/http"
	"strconv"

	"storefront-ledger/pkg/httpapi"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/fx"
)

var Module = fx.Module("stats.service",
	fx.Provide(NewService),
)

var Gateway = fx.Module("stats.gateway",
	fx.Invoke(registerRoutes),
)

var SchedulerModule = fx.Module("stats.scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(StartScheduler),
)

func registerRoutes(mux *runtime.ServeMux, svc *Service) error {
	if err := mux.HandlePath(http.MethodGet, "/v1/stats", svc.handleStats); err != nil {
		return err
	}
	return mux.HandlePath(http.MethodGet, "/v1/stats/cached", svc.handleCached)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))

	snap, err := s.GetServerStats(r.Context(), force)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, snap)
}

func (s *Service) handleCached(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	snap := s.GetCachedServerStats(r.Context())
	if snap == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, snap)
}
