package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/oneshot/internal/config"
	"github.com/terrpan/oneshot/internal/health"
)

func TestApplyFlags_OnlySetFlagsOverride(t *testing.T) {
	var src config.Config
	f := pflag.NewFlagSet("test", pflag.ContinueOnError)
	bindFlags(f, &src)
	require.NoError(t, f.Parse([]string{
		"--name", "from-flag",
		"--engine", "gcp",
		"--min-runners", "0",
		"--termination-workers", "3",
		"--port", "9200",
	}))

	cfg := &config.Config{}
	cfg.ScaleSet.Name = "from-file"
	cfg.ScaleSet.MinRunners = 2
	cfg.ScaleSet.MaxRunners = 7
	cfg.Engine.Type = "docker"
	cfg.Logging.Level = "debug"

	applyFlags(f, &src, cfg)

	assert.Equal(t, "from-flag", cfg.ScaleSet.Name)
	assert.Zero(t, cfg.ScaleSet.MinRunners, "an explicit zero still overrides")
	assert.Equal(t, 7, cfg.ScaleSet.MaxRunners, "unset flags keep file values")
	assert.Equal(t, "gcp", cfg.Engine.Type)
	assert.Equal(t, 3, cfg.Termination.Workers)
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestFlagTargetsCoverEveryOverride(t *testing.T) {
	f := pflag.NewFlagSet("test", pflag.ContinueOnError)
	bindFlags(f, &config.Config{})

	f.VisitAll(func(fl *pflag.Flag) {
		assert.Contains(t, flagTargets, fl.Name)
	})
	assert.Len(t, flagTargets, countFlags(f))
}

func countFlags(f *pflag.FlagSet) int {
	n := 0
	f.VisitAll(func(*pflag.Flag) { n++ })
	return n
}

func TestRootCmd_RejectsInvalidConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", t.TempDir() + "/absent.yaml", "--engine", "lambda"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Contains(t, err.Error(), "lambda")
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestNewServer_Routes(t *testing.T) {
	cfg := &config.Config{}
	cfg.ApplyDefaults()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "oneshot_route_test_total"})
	reg.MustRegister(c)
	c.Inc()

	var ready atomic.Bool
	srv := newServer(cfg, reg, &ready, func() health.Runners { return health.Runners{Draining: 2} })
	assert.Equal(t, ":8080", srv.Addr)

	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	code, _ := get(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	ready.Store(true)
	code, _ = get(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusOK, code)

	code, body := get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"draining":2`)

	code, body = get(t, ts.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "oneshot_route_test_total 1")
}

func TestNewRegistry_HasRuntimeCollectors(t *testing.T) {
	families, err := newRegistry().Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "go_goroutines")
}
