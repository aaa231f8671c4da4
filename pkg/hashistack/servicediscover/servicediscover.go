package servicediscover

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"storefront-ledger/pkg/config"

	"github.com/hashicorp/consul/api"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module registers the HTTP API in consul while the process runs. It is a
// no-op when CONSUL.ADDR is empty.
var Module = fx.Module("servicediscover",
	fx.Invoke(registerConsul),
)

func registerConsul(lc fx.Lifecycle, cfg *config.Config) error {
	if cfg.Consul.Addr == "" {
		return nil
	}

	registry, err := NewConsulRegistry(cfg)
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := registry.Register(ctx); err != nil {
				zap.L().Error("failed to register in consul", zap.Error(err))
				return err
			}
			zap.L().Info("registered in consul", zap.String("service_id", registry.serviceID))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return registry.Deregister(ctx)
		},
	})
	return nil
}

type ServiceRegistry interface {
	Register(ctx context.Context) error
	Deregister(ctx context.Context) error
}

type ConsulRegistry struct {
	client    *api.Client
	serviceID string
	service   *api.AgentServiceRegistration
}

func NewConsulRegistry(cfg *config.Config) (*ConsulRegistry, error) {
	client, err := api.NewClient(NewConfig(cfg))
	if err != nil {
		return nil, err
	}

	service := NewServiceRegistration(cfg)
	return &ConsulRegistry{
		client:    client,
		serviceID: service.ID,
		service:   service,
	}, nil
}

func NewConfig(cfg *config.Config) *api.Config {
	c := api.DefaultConfig()
	c.Address = cfg.Consul.Addr
	return c
}

// NewServiceRegistration describes this replica with a readiness check.
func NewServiceRegistration(cfg *config.Config) *api.AgentServiceRegistration {
	host := cfg.Consul.ServiceHost
	if host == "" {
		host, _ = os.Hostname()
	}
	port, _ := strconv.Atoi(cfg.Server.Addr)

	return &api.AgentServiceRegistration{
		ID:      fmt.Sprintf("%s-%s-%d", cfg.AppName, host, port),
		Name:    cfg.AppName,
		Address: host,
		Port:    port,
		Tags:    []string{cfg.AppEnv, cfg.AppVersion},
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/readyz", host, port),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}
}

func (r *ConsulRegistry) Register(ctx context.Context) error {
	return r.client.Agent().ServiceRegisterOpts(r.service, api.ServiceRegisterOpts{}.WithContext(ctx))
}

func (r *ConsulRegistry) Deregister(ctx context.Context) error {
	return r.client.Agent().ServiceDeregisterOpts(r.serviceID, (&api.QueryOptions{}).WithContext(ctx))
}
