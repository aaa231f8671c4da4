package profiling

import (
	"testing"

	"storefront-ledger/pkg/config"

	"github.com/grafana/pyroscope-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
)

func TestOptionsTagsProcess(t *testing.T) {
	cfg := &config.Config{AppName: "ledger", AppEnv: "staging", AppVersion: "1.4.0"}
	cfg.Pyroscope.Addr = "http://pyroscope:4040"

	opts := Options(cfg)
	require.Equal(t, "ledger", opts.ApplicationName)
	require.Equal(t, "http://pyroscope:4040", opts.ServerAddress)
	require.Equal(t, "1.4.0", opts.Tags["version"])
	require.Contains(t, opts.ProfileTypes, pyroscope.ProfileCPU)
}

func TestStartProfilingDisabledWithoutAddr(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	require.NoError(t, StartProfiling(lc, &config.Config{AppName: "ledger"}))
	lc.RequireStart().RequireStop()
}
