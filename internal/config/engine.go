package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/terrpan/oneshot/internal/engine"
	"github.com/terrpan/oneshot/internal/engine/docker"
	"github.com/terrpan/oneshot/internal/engine/gcp"
)

// Engine types.
const (
	EngineDocker = "docker"
	EngineGCP    = "gcp"
)

// EngineConfig selects the compute backend. Only the section matching
// Type is read.
type EngineConfig struct {
	Type   string        `yaml:"type"`
	Docker docker.Config `yaml:"docker"`
	GCP    gcp.Config    `yaml:"gcp"`
}

func (e *EngineConfig) applyDefaults() {
	if e.Type == "" {
		e.Type = EngineDocker
	}
	if e.Docker.Image == "" {
		e.Docker.Image = docker.DefaultImage
	}
}

func (e *EngineConfig) validate() error {
	switch e.Type {
	case EngineDocker:
		return nil
	case EngineGCP:
		return e.GCP.Validate()
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: %s, %s)", e.Type, EngineDocker, EngineGCP)
	}
}

// NewEngine builds the backend selected by engine.type.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.Type {
	case EngineDocker:
		return docker.New(ctx, c.Engine.Docker, logger.WithGroup("engine.docker"))
	case EngineGCP:
		return gcp.New(ctx, c.Engine.GCP, logger.WithGroup("engine.gcp"))
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}
