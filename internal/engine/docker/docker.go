// Package docker runs each single-use runner as a container on the local
// Docker daemon.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/oneshot/internal/engine"
)

// DefaultImage is the runner image used when Config.Image is empty.
const DefaultImage = "ghcr.io/actions/actions-runner:latest"

var defaultCommand = []string{"/home/runner/run.sh"}

const (
	dockerSocket = "/var/run/docker.sock"

	// LabelRunner and LabelManagedBy are set on every runner container.
	LabelRunner    = "oneshot.runner"
	LabelManagedBy = "oneshot.managed-by"
)

// Config is the engine.docker section of the config file.
type Config struct {
	Image string `yaml:"image"`

	// Dind bind-mounts the host Docker socket into the runner. The
	// runner then has full control of the host daemon.
	Dind bool `yaml:"dind"`

	// Network is the Docker network runners join. Empty means the
	// daemon default.
	Network string `yaml:"network"`

	// Command replaces the runner entrypoint for images that do not
	// ship /home/runner/run.sh.
	Command []string `yaml:"command"`
}

// containerAPI is the slice of the Docker client the engine calls.
type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Engine manages runner containers.
type Engine struct {
	client  containerAPI
	cfg     Config
	logger  *slog.Logger
	running *engine.Registry
	tracer  trace.Tracer
}

var (
	_ engine.Engine  = (*Engine)(nil)
	_ engine.Tracker = (*Engine)(nil)
)

// New connects to the daemon described by the DOCKER_* environment and
// pulls the runner image before returning.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if err := pullImage(ctx, client, cfg.Image, logger); err != nil {
		_ = client.Close()
		return nil, err
	}

	return newEngine(client, cfg, logger), nil
}

func pullImage(ctx context.Context, client *dockerclient.Client, ref string, logger *slog.Logger) error {
	logger.Info("pulling runner image", slog.String("image", ref))

	progress, err := client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer progress.Close()

	// The pull only completes once the progress stream is consumed.
	if _, err := io.Copy(io.Discard, progress); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}

	logger.Info("runner image ready", slog.String("image", ref))
	return nil
}

func newEngine(client containerAPI, cfg Config, logger *slog.Logger) *Engine {
	if len(cfg.Command) == 0 {
		cfg.Command = defaultCommand
	}
	return &Engine{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		running: engine.NewRegistry(),
		tracer:  otel.Tracer("oneshot/engine/docker"),
	}
}

// runnerContainer describes the container for runner name.
func (e *Engine) runnerContainer(name, jitConfig string) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image: e.cfg.Image,
		User:  "runner",
		Cmd:   e.cfg.Command,
		Env:   []string{"ACTIONS_RUNNER_INPUT_JITCONFIG=" + jitConfig},
		Labels: map[string]string{
			LabelRunner:    name,
			LabelManagedBy: "oneshot",
		},
	}
	host := &container.HostConfig{}

	if e.cfg.Network != "" {
		host.NetworkMode = container.NetworkMode(e.cfg.Network)
	}
	if e.cfg.Dind {
		// root so the socket is writable on Linux and Docker Desktop alike
		cfg.User = "root"
		cfg.Env = append(cfg.Env,
			"DOCKER_HOST=unix://"+dockerSocket,
			"RUNNER_ALLOW_RUNASROOT=1",
		)
		host.Binds = []string{dockerSocket + ":" + dockerSocket}
	}
	return cfg, host
}

// StartRunner creates and starts the runner container and returns its
// container ID.
func (e *Engine) StartRunner(ctx context.Context, name string, jitConfig string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.docker.StartRunner", trace.WithAttributes(
		attribute.String("runner.name", name),
		attribute.Bool("docker.dind", e.cfg.Dind),
	))
	defer span.End()

	cfg, host := e.runnerContainer(name, jitConfig)
	created, err := e.client.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", name, err)
	}

	if err := e.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Never leave a created-but-stopped runner behind.
		_ = e.client.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container %s: %w", name, err)
	}

	e.running.Add(name, created.ID)
	span.SetAttributes(attribute.String("docker.container_id", created.ID))
	e.logger.Info("runner container started",
		slog.String("name", name),
		slog.String("containerID", created.ID),
	)
	return created.ID, nil
}

// DestroyRunner force-removes the container. A container that is
// already gone counts as destroyed.
func (e *Engine) DestroyRunner(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.docker.DestroyRunner", trace.WithAttributes(
		attribute.String("docker.container_id", id),
	))
	defer span.End()

	err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	switch {
	case err == nil:
		e.logger.Info("runner container removed", slog.String("containerID", id))
	case dockerclient.IsErrNotFound(err):
		span.AddEvent("container already gone")
		e.logger.Info("runner container already removed", slog.String("containerID", id))
	default:
		return fmt.Errorf("remove container %s: %w", id, err)
	}

	e.running.Remove(id)
	return nil
}

// Tracks reports whether the container is still live as far as this
// engine knows.
func (e *Engine) Tracks(id string) bool {
	return e.running.Tracks(id)
}

// Shutdown removes every container still registered.
func (e *Engine) Shutdown(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.docker.Shutdown", trace.WithAttributes(
		attribute.Int("docker.containers", e.running.Len()),
	))
	defer span.End()

	return engine.DestroyAll(ctx, e.running, e.DestroyRunner, e.logger)
}
