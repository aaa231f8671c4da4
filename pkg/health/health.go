package health

import (
	"context"
	"net/http"
	"time"

	"storefront-ledger/pkg/db"
	"storefront-ledger/pkg/httpapi"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var Module = fx.Module("health",
	fx.Provide(ProvideHealth),
	fx.Invoke(registerReadiness),
)

// GRPC additionally serves grpc.health.v1 backed by the same readiness probe.
var GRPC = fx.Module("health.grpc",
	fx.Invoke(registerGRPCHealth),
)

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Health struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Deps    []Dependency `json:"deps"`
}

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

type Checker interface {
	Readiness(ctx context.Context) *Health
}

type health struct {
	stores db.Stores
	redis  *redis.Client
}

type HealthParams struct {
	fx.In
	Stores db.Stores
	Redis  *redis.Client `optional:"true"`
}

func ProvideHealth(p HealthParams) Checker {
	return &health{
		stores: p.Stores,
		redis:  p.Redis,
	}
}

func (h *health) Readiness(ctx context.Context) *Health {
	this := &Health{
		Status:  statusHealthy,
		Message: "OK",
	}

	deps := make([]Dependency, 0, 2)

	dep := Dependency{Name: "database", Status: statusHealthy, Message: "OK"}
	if err := h.stores.Ping(ctx); err != nil {
		dep.Status = statusUnhealthy
		dep.Message = err.Error()
	}
	deps = append(deps, dep)

	if h.redis != nil {
		dep := Dependency{Name: "redis", Status: statusHealthy, Message: "OK"}
		if err := h.redis.Ping(ctx).Err(); err != nil {
			dep.Status = statusUnhealthy
			dep.Message = err.Error()
		}
		deps = append(deps, dep)
	}

	for _, d := range deps {
		if d.Status != statusHealthy {
			this.Status = statusUnhealthy
			this.Message = "dependency unavailable"
		}
	}
	this.Deps = deps

	return this
}

func registerReadiness(mux *runtime.ServeMux, checker Checker) error {
	return mux.HandlePath(http.MethodGet, "/readyz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		result := checker.Readiness(r.Context())
		code := http.StatusOK
		if result.Status != statusHealthy {
			code = http.StatusServiceUnavailable
		}
		httpapi.WriteJSON(w, code, result)
	})
}

func registerGRPCHealth(lc fx.Lifecycle, srv *grpc.Server, checker Checker) {
	hs := grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go watch(ctx, hs, checker, 10*time.Second)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			hs.Shutdown()
			return nil
		},
	})
}

func watch(ctx context.Context, hs *grpchealth.Server, checker Checker, every time.Duration) {
	for {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		result := checker.Readiness(probeCtx)
		cancel()

		serving := grpc_health_v1.HealthCheckResponse_SERVING
		if result.Status != statusHealthy {
			serving = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			zap.L().Warn("[Health] not serving", zap.Any("deps", result.Deps))
		}
		hs.SetServingStatus("", serving)

		select {
		case <-ctx.Done():
			return
		case <-time.After(every):
		}
	}
}
