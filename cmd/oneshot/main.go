package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/terrpan/oneshot/internal/buildinfo"
	"github.com/terrpan/oneshot/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath string
		flags   config.Config
	)

	cmd := &cobra.Command{
		Use:   "oneshot",
		Short: "Single-use GitHub Actions runners: one job each, then destroyed",
		Long: `oneshot registers a GitHub Actions runner scale set and gives every
job a freshly provisioned runner, either a Docker container or a GCP VM.
Once its job completes a runner stops taking work and is torn down in
the background after a short grace period.

Settings come from a YAML file (--config). Flags that are set on the
command line override the file.`,
		Version:      buildinfo.Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			applyFlags(cmd.Flags(), &flags, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cfgPath)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", "config.yaml", "path to the YAML config file")
	bindFlags(f, &flags)
	return cmd
}

// flagTargets maps each override flag to the config field it sets.
var flagTargets = map[string]func(dst, src *config.Config){
	"url":                  func(d, s *config.Config) { d.GitHub.URL = s.GitHub.URL },
	"token":                func(d, s *config.Config) { d.GitHub.Token = s.GitHub.Token },
	"app-client-id":        func(d, s *config.Config) { d.GitHub.App.ClientID = s.GitHub.App.ClientID },
	"app-installation-id":  func(d, s *config.Config) { d.GitHub.App.InstallationID = s.GitHub.App.InstallationID },
	"app-private-key":      func(d, s *config.Config) { d.GitHub.App.PrivateKey = s.GitHub.App.PrivateKey },
	"app-private-key-path": func(d, s *config.Config) { d.GitHub.App.PrivateKeyPath = s.GitHub.App.PrivateKeyPath },
	"name":                 func(d, s *config.Config) { d.ScaleSet.Name = s.ScaleSet.Name },
	"min-runners":          func(d, s *config.Config) { d.ScaleSet.MinRunners = s.ScaleSet.MinRunners },
	"max-runners":          func(d, s *config.Config) { d.ScaleSet.MaxRunners = s.ScaleSet.MaxRunners },
	"runner-group":         func(d, s *config.Config) { d.ScaleSet.RunnerGroup = s.ScaleSet.RunnerGroup },
	"engine":               func(d, s *config.Config) { d.Engine.Type = s.Engine.Type },
	"termination-workers":  func(d, s *config.Config) { d.Termination.Workers = s.Termination.Workers },
	"port":                 func(d, s *config.Config) { d.Server.Port = s.Server.Port },
	"log-level":            func(d, s *config.Config) { d.Logging.Level = s.Logging.Level },
	"log-format":           func(d, s *config.Config) { d.Logging.Format = s.Logging.Format },
}

func bindFlags(f *pflag.FlagSet, c *config.Config) {
	f.StringVar(&c.GitHub.URL, "url", "", "org, repo or enterprise URL the scale set registers with")
	f.StringVar(&c.GitHub.Token, "token", "", "personal access token, instead of a GitHub App")
	f.StringVar(&c.GitHub.App.ClientID, "app-client-id", "", "GitHub App client ID")
	f.Int64Var(&c.GitHub.App.InstallationID, "app-installation-id", 0, "GitHub App installation ID")
	f.StringVar(&c.GitHub.App.PrivateKey, "app-private-key", "", "GitHub App private key (PEM)")
	f.StringVar(&c.GitHub.App.PrivateKeyPath, "app-private-key-path", "", "file holding the GitHub App private key")

	f.StringVar(&c.ScaleSet.Name, "name", "", "scale set name")
	f.IntVar(&c.ScaleSet.MinRunners, "min-runners", 0, "runners kept ready with no pending jobs")
	f.IntVar(&c.ScaleSet.MaxRunners, "max-runners", 0, "upper bound on live runners")
	f.StringVar(&c.ScaleSet.RunnerGroup, "runner-group", "", "runner group name")

	f.StringVar(&c.Engine.Type, "engine", "", "compute engine: docker or gcp")
	f.IntVar(&c.Termination.Workers, "termination-workers", 0, "concurrent runner teardowns")
	f.IntVar(&c.Server.Port, "port", 0, "port serving /healthz, /readyz and /metrics")

	f.StringVar(&c.Logging.Level, "log-level", "", "debug, info, warn or error")
	f.StringVar(&c.Logging.Format, "log-format", "", "text or json")
}

// applyFlags copies every flag the user set from src into cfg.  Flags
// left at their defaults never touch the file's values.
func applyFlags(f *pflag.FlagSet, src, cfg *config.Config) {
	f.Visit(func(fl *pflag.Flag) {
		if set, ok := flagTargets[fl.Name]; ok {
			set(cfg, src)
		}
	})
}
