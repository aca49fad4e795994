package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/actions/scaleset"

	"github.com/terrpan/oneshot/internal/buildinfo"
)

// GitHubConfig says where the scale set is registered and how to
// authenticate. Use either App or Token.
type GitHubConfig struct {
	// URL is the org, repo or enterprise URL, e.g. https://github.com/org.
	URL   string          `yaml:"url"`
	App   GitHubAppConfig `yaml:"app"`
	Token string          `yaml:"token"`
}

// GitHubAppConfig holds GitHub App credentials. PrivateKey wins over
// PrivateKeyPath when both are set.
type GitHubAppConfig struct {
	ClientID       string `yaml:"client_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

func (a GitHubAppConfig) isSet() bool {
	return a.ClientID != "" || a.InstallationID != 0 || a.PrivateKey != "" || a.PrivateKeyPath != ""
}

func (g *GitHubConfig) validate() error {
	var errs []error
	if u, err := url.ParseRequestURI(g.URL); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("github.url: invalid URL %q", g.URL))
	}

	switch {
	case g.App.isSet():
		if g.App.ClientID == "" {
			errs = append(errs, errors.New("github.app.client_id is required"))
		}
		if g.App.InstallationID == 0 {
			errs = append(errs, errors.New("github.app.installation_id is required"))
		}
		if g.App.PrivateKey == "" && g.App.PrivateKeyPath == "" {
			errs = append(errs, errors.New("github.app.private_key or github.app.private_key_path is required"))
		}
	case g.Token == "":
		errs = append(errs, errors.New("no credentials: set github.app or github.token"))
	}
	return errors.Join(errs...)
}

// privateKey returns the App key, reading it from disk when only the
// path is configured.
func (a GitHubAppConfig) privateKey() (string, error) {
	if a.PrivateKey != "" || a.PrivateKeyPath == "" {
		return a.PrivateKey, nil
	}
	data, err := os.ReadFile(a.PrivateKeyPath)
	if err != nil {
		return "", fmt.Errorf("reading github.app.private_key_path: %w", err)
	}
	return string(data), nil
}

// ScaleSetConfig describes the runner scale set to register.
type ScaleSetConfig struct {
	Name        string   `yaml:"name"`
	Labels      []string `yaml:"labels"`
	RunnerGroup string   `yaml:"runner_group"`
	MinRunners  int      `yaml:"min_runners"`
	MaxRunners  int      `yaml:"max_runners"`
}

func (s *ScaleSetConfig) applyDefaults() {
	if s.RunnerGroup == "" {
		s.RunnerGroup = scaleset.DefaultRunnerGroup
	}
	if s.MaxRunners == 0 {
		s.MaxRunners = 10
	}
}

func (s *ScaleSetConfig) validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("scaleset.name is required"))
	}
	for i, l := range s.Labels {
		if strings.TrimSpace(l) == "" {
			errs = append(errs, fmt.Errorf("scaleset.labels[%d] is empty", i))
		}
	}
	if s.MinRunners < 0 {
		errs = append(errs, fmt.Errorf("scaleset.min_runners must not be negative (got %d)", s.MinRunners))
	}
	if s.MaxRunners < s.MinRunners {
		errs = append(errs, fmt.Errorf("scaleset.max_runners (%d) < scaleset.min_runners (%d)", s.MaxRunners, s.MinRunners))
	}
	return errors.Join(errs...)
}

// ScaleSetLabels returns the labels jobs target. Without configured
// labels the scale set name is the only label.
func (c *Config) ScaleSetLabels() []scaleset.Label {
	if len(c.ScaleSet.Labels) == 0 {
		return []scaleset.Label{{Name: c.ScaleSet.Name}}
	}
	labels := make([]scaleset.Label, 0, len(c.ScaleSet.Labels))
	for _, name := range c.ScaleSet.Labels {
		labels = append(labels, scaleset.Label{Name: strings.TrimSpace(name)})
	}
	return labels
}

func systemInfo() scaleset.SystemInfo {
	return scaleset.SystemInfo{
		System:    "terrpan-oneshot",
		Subsystem: "controller",
		Version:   buildinfo.Version,
		CommitSHA: buildinfo.Commit,
	}
}

// NewScalesetClient authenticates against GitHub with the App when one
// is configured and with the token otherwise.
func (c *Config) NewScalesetClient() (*scaleset.Client, error) {
	if !c.GitHub.App.isSet() {
		return scaleset.NewClientWithPersonalAccessToken(scaleset.NewClientWithPersonalAccessTokenConfig{
			GitHubConfigURL:     c.GitHub.URL,
			PersonalAccessToken: c.GitHub.Token,
			SystemInfo:          systemInfo(),
		})
	}

	key, err := c.GitHub.App.privateKey()
	if err != nil {
		return nil, err
	}
	return scaleset.NewClientWithGitHubApp(scaleset.ClientWithGitHubAppConfig{
		GitHubConfigURL: c.GitHub.URL,
		GitHubAppAuth: scaleset.GitHubAppAuth{
			ClientID:       c.GitHub.App.ClientID,
			InstallationID: c.GitHub.App.InstallationID,
			PrivateKey:     key,
		},
		SystemInfo: systemInfo(),
	})
}
