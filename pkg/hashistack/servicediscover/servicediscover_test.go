package servicediscover

import (
	"testing"

	"github.com/stretchr/testify/require"

	"storefront-ledger/pkg/config"
)

func TestNewServiceRegistration(t *testing.T) {
	cfg := &config.Config{AppName: "storefront-ledger", AppEnv: "staging", AppVersion: "v1"}
	cfg.Server.Addr = "8080"
	cfg.Consul.ServiceHost = "10.0.0.7"

	reg := NewServiceRegistration(cfg)
	require.Equal(t, "storefront-ledger-10.0.0.7-8080", reg.ID)
	require.Equal(t, 8080, reg.Port)
	require.Equal(t, "http://10.0.0.7:8080/readyz", reg.Check.HTTP)
	require.ElementsMatch(t, []string{"staging", "v1"}, reg.Tags)
}
