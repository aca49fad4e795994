package config

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/actions/scaleset"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/oneshot/internal/engine/gcp"
)

func tokenConfig() *Config {
	return &Config{
		GitHub:   GitHubConfig{URL: "https://github.com/acme/ci", Token: "ghp_test"},
		ScaleSet: ScaleSetConfig{Name: "oneshot-runners"},
	}
}

type ConfigSuite struct {
	suite.Suite
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigSuite))
}

func (s *ConfigSuite) writeFile(body string) string {
	path := filepath.Join(s.T().TempDir(), "config.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(body), 0o600))
	return path
}

func (s *ConfigSuite) TestValidate_Accepts() {
	cases := map[string]func(*Config){
		"token":  func(*Config) {},
		"docker": func(c *Config) { c.Engine.Type = EngineDocker },
		"gcp": func(c *Config) {
			c.Engine.Type = EngineGCP
			c.Engine.GCP = gcp.Config{Project: "p", Zone: "z", Image: "img"}
		},
		"app with key path": func(c *Config) {
			c.GitHub.Token = ""
			c.GitHub.App = GitHubAppConfig{ClientID: "Iv1", InstallationID: 42, PrivateKeyPath: "/key.pem"}
		},
		"server off ignores port": func(c *Config) {
			off := false
			c.Server = ServerConfig{Enabled: &off, Port: -1}
		},
		"json logging": func(c *Config) { c.Logging = LoggingConfig{Level: "DEBUG", Format: "json"} },
	}
	for name, mutate := range cases {
		s.Run(name, func() {
			cfg := tokenConfig()
			mutate(cfg)
			s.NoError(cfg.Validate())
		})
	}
}

func (s *ConfigSuite) TestValidate_Rejects() {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing url", func(c *Config) { c.GitHub.URL = "" }, "github.url"},
		{"relative url", func(c *Config) { c.GitHub.URL = "/acme/ci" }, "github.url"},
		{"no credentials", func(c *Config) { c.GitHub.Token = "" }, "no credentials"},
		{"app without client id", func(c *Config) {
			c.GitHub.App = GitHubAppConfig{InstallationID: 1, PrivateKey: "k"}
		}, "client_id"},
		{"app without installation", func(c *Config) {
			c.GitHub.App = GitHubAppConfig{ClientID: "Iv1", PrivateKey: "k"}
		}, "installation_id"},
		{"app without key", func(c *Config) {
			c.GitHub.App = GitHubAppConfig{ClientID: "Iv1", InstallationID: 1}
		}, "private_key"},
		{"missing name", func(c *Config) { c.ScaleSet.Name = "" }, "scaleset.name"},
		{"blank label", func(c *Config) { c.ScaleSet.Labels = []string{"linux", " "} }, "scaleset.labels[1]"},
		{"negative min", func(c *Config) { c.ScaleSet.MinRunners = -1 }, "min_runners"},
		{"max below min", func(c *Config) { c.ScaleSet.MinRunners, c.ScaleSet.MaxRunners = 5, 2 }, "max_runners"},
		{"unknown engine", func(c *Config) { c.Engine.Type = "lambda" }, "not supported"},
		{"gcp without project", func(c *Config) {
			c.Engine.Type = EngineGCP
			c.Engine.GCP = gcp.Config{Zone: "z", Image: "img"}
		}, "engine.gcp.project"},
		{"negative workers", func(c *Config) { c.Termination.Workers = -1 }, "termination.workers"},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			cfg := tokenConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			s.Require().Error(err)
			s.Contains(err.Error(), tc.want)
		})
	}
}

func (s *ConfigSuite) TestValidate_ReportsAllProblems() {
	cfg := &Config{Termination: TerminationConfig{Workers: -3}}
	err := cfg.Validate()
	s.Require().Error(err)
	for _, want := range []string{"github.url", "no credentials", "scaleset.name", "termination.workers"} {
		s.Contains(err.Error(), want)
	}
}

func (s *ConfigSuite) TestApplyDefaults() {
	cfg := tokenConfig()
	cfg.ApplyDefaults()

	s.Equal(scaleset.DefaultRunnerGroup, cfg.ScaleSet.RunnerGroup)
	s.Equal(10, cfg.ScaleSet.MaxRunners)
	s.Equal(EngineDocker, cfg.Engine.Type)
	s.Equal("ghcr.io/actions/actions-runner:latest", cfg.Engine.Docker.Image)
	s.Equal(16, cfg.Termination.Workers)
	s.True(cfg.ServerEnabled())
	s.Equal(8080, cfg.Server.Port)
	s.Equal(":8080", cfg.ListenAddr())
	s.Equal("info", cfg.Logging.Level)
	s.Equal("text", cfg.Logging.Format)
	s.True(cfg.OTel.Insecure)
}

func (s *ConfigSuite) TestApplyDefaults_KeepsExplicitValues() {
	off := false
	cfg := tokenConfig()
	cfg.ScaleSet.MaxRunners = 3
	cfg.Termination.Workers = 4
	cfg.Server = ServerConfig{Enabled: &off, Port: 9090}
	cfg.OTel = OTelConfig{Endpoint: "collector:4318"}
	cfg.ApplyDefaults()

	s.Equal(3, cfg.ScaleSet.MaxRunners)
	s.Equal(4, cfg.Termination.Workers)
	s.False(cfg.ServerEnabled())
	s.Equal(9090, cfg.Server.Port)
	s.False(cfg.OTel.Insecure, "a configured endpoint keeps TLS")
}

func (s *ConfigSuite) TestScaleSetLabels() {
	cfg := tokenConfig()
	s.Equal([]scaleset.Label{{Name: "oneshot-runners"}}, cfg.ScaleSetLabels())

	cfg.ScaleSet.Labels = []string{" linux ", "x64"}
	s.Equal([]scaleset.Label{{Name: "linux"}, {Name: "x64"}}, cfg.ScaleSetLabels())
}

func (s *ConfigSuite) TestAppPrivateKeyFromPath() {
	path := s.writeFile("-----BEGIN KEY-----")
	key, err := GitHubAppConfig{PrivateKeyPath: path}.privateKey()
	s.Require().NoError(err)
	s.Equal("-----BEGIN KEY-----", key)

	key, err = GitHubAppConfig{PrivateKey: "inline", PrivateKeyPath: path}.privateKey()
	s.Require().NoError(err)
	s.Equal("inline", key)

	_, err = GitHubAppConfig{PrivateKeyPath: filepath.Join(s.T().TempDir(), "missing.pem")}.privateKey()
	s.ErrorContains(err, "private_key_path")
}

func (s *ConfigSuite) TestNewWorkerPool() {
	cfg := tokenConfig()
	cfg.Termination.Workers = 2
	pool := cfg.NewWorkerPool(slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Require().NotNil(pool)
	s.Zero(pool.Pending())
	s.NoError(pool.Shutdown(context.Background()))
}

func (s *ConfigSuite) TestOTelSetup() {
	cfg := tokenConfig()
	cfg.ApplyDefaults()
	reg := prometheus.NewRegistry()

	out := cfg.OTelSetup(reg)
	s.Equal("oneshot", out.ServiceName)
	s.Equal("oneshot-runners", out.ScaleSet)
	s.Equal(EngineDocker, out.Engine)
	s.NotNil(out.Registerer)

	s.Nil(cfg.OTelSetup(nil).Registerer)

	off := false
	cfg.Server.Enabled = &off
	s.Nil(cfg.OTelSetup(reg).Registerer, "no /metrics without the server")
}

func (s *ConfigSuite) TestNewLogger() {
	var buf bytes.Buffer
	cfg := tokenConfig()
	cfg.Logging = LoggingConfig{Level: "warn", Format: "json"}

	logger := cfg.newLogger(&buf)
	logger.Info("dropped")
	logger.Warn("kept", slog.String("runner", "r1"))

	var line map[string]any
	s.Require().NoError(json.Unmarshal(buf.Bytes(), &line))
	s.Equal("kept", line["msg"])
	s.Equal("r1", line["runner"])
}

func (s *ConfigSuite) TestLoad_MissingFileIsEmpty() {
	cfg, err := Load(filepath.Join(s.T().TempDir(), "absent.yaml"))
	s.Require().NoError(err)
	s.Equal(&Config{}, cfg)
}

func (s *ConfigSuite) TestLoad_EmptyFile() {
	cfg, err := Load(s.writeFile(""))
	s.Require().NoError(err)
	s.Equal(&Config{}, cfg)
}

func (s *ConfigSuite) TestLoad_ParsesSections() {
	s.T().Setenv("ONESHOT_TEST_TOKEN", "ghp_from_env")
	path := s.writeFile(`
github:
  url: https://github.com/acme/ci
  token: ${ONESHOT_TEST_TOKEN}
scaleset:
  name: gpu-runners
  max_runners: 4
engine:
  type: gcp
  gcp:
    project: acme-ci
    zone: europe-north1-a
    image: projects/acme-ci/global/images/family/runner
    public_ip: false
    labels:
      team: platform
termination:
  workers: 8
server:
  enabled: false
`)
	cfg, err := Load(path)
	s.Require().NoError(err)

	s.Equal("ghp_from_env", cfg.GitHub.Token)
	s.Equal(4, cfg.ScaleSet.MaxRunners)
	s.Equal(EngineGCP, cfg.Engine.Type)
	s.Equal("acme-ci", cfg.Engine.GCP.Project)
	s.Require().NotNil(cfg.Engine.GCP.PublicIP)
	s.False(*cfg.Engine.GCP.PublicIP)
	s.Equal("platform", cfg.Engine.GCP.Labels["team"])
	s.Equal(8, cfg.Termination.Workers)
	s.False(cfg.ServerEnabled())
	s.NoError(cfg.Validate())
}

func (s *ConfigSuite) TestLoad_RejectsUnknownKeys() {
	_, err := Load(s.writeFile("scaleset:\n  nmae: typo\n"))
	s.Require().Error(err)
	s.Contains(err.Error(), "nmae")
}

func (s *ConfigSuite) TestLoad_InvalidYAML() {
	_, err := Load(s.writeFile("github: [unclosed"))
	s.ErrorContains(err, "parsing config")
}

func TestLoad_UnreadablePath(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config")
}
