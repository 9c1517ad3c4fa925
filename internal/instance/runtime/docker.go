package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ctfgate/pkg/utils/logger"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	LabelManaged   = "ctfgate.managed"
	LabelPrincipal = "ctfgate.principal"
	LabelChallenge = "ctfgate.challenge"
)

// DockerConfig controls how instance containers are created.
type DockerConfig struct {
	// Host is the daemon endpoint; empty uses DOCKER_HOST or the local socket
	Host       string `yaml:"host"`
	APIVersion string `yaml:"apiVersion"`

	// BindIP is the host address published ports listen on
	BindIP      string `yaml:"bindIp"`
	NetworkMode string `yaml:"networkMode"`
	MemoryLimit string `yaml:"memoryLimit"`
	PidsLimit   int64  `yaml:"pidsLimit"`
	NanoCPUs    int64  `yaml:"nanoCpus"`
	NamePrefix  string `yaml:"namePrefix"`

	CapDrop []string `yaml:"capDrop"`
}

// ApplyDefaults fills zero fields.
func (c *DockerConfig) ApplyDefaults() {
	if c.BindIP == "" {
		c.BindIP = "127.0.0.1"
	}
	if c.NetworkMode == "" {
		c.NetworkMode = "bridge"
	}
	if c.MemoryLimit == "" {
		c.MemoryLimit = "256m"
	}
	if c.NamePrefix == "" {
		c.NamePrefix = "ctf-instance-"
	}
}

// DockerRuntime implements Runtime on the Docker Engine API.
type DockerRuntime struct {
	cli         client.APIClient
	cfg         DockerConfig
	memoryBytes int64
}

// NewDockerRuntime creates a Docker client from cfg and the environment.
func NewDockerRuntime(cfg DockerConfig) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return NewDockerRuntimeFromClient(cli, cfg)
}

// NewDockerRuntimeFromClient wraps an existing client.
func NewDockerRuntimeFromClient(cli client.APIClient, cfg DockerConfig) (*DockerRuntime, error) {
	cfg.ApplyDefaults()
	memoryBytes, err := units.RAMInBytes(cfg.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("parse memory limit %q: %w", cfg.MemoryLimit, err)
	}
	return &DockerRuntime{cli: cli, cfg: cfg, memoryBytes: memoryBytes}, nil
}

// Close releases the client connection.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

func (r *DockerRuntime) Launch(ctx context.Context, spec LaunchSpec) (Instance, error) {
	if spec.Image == "" || spec.InternalPort <= 0 {
		return Instance{}, fmt.Errorf("invalid launch spec for challenge %s", spec.ChallengeID)
	}
	port, err := nat.NewPort("tcp", strconv.Itoa(spec.InternalPort))
	if err != nil {
		return Instance{}, fmt.Errorf("internal port: %w", err)
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			LabelManaged:   "true",
			LabelPrincipal: spec.PrincipalID,
			LabelChallenge: spec.ChallengeID,
		},
	}
	hostCfg := r.hostConfig(port)
	name := r.cfg.NamePrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]

	created, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Instance{}, fmt.Errorf("%w: %s", ErrImageNotFound, spec.Image)
		}
		return Instance{}, classify(fmt.Errorf("create container: %w", err))
	}
	ref := created.ID

	if err := r.cli.ContainerStart(ctx, ref, container.StartOptions{}); err != nil {
		r.rollback(ref)
		return Instance{}, classify(fmt.Errorf("start container: %w", err))
	}

	info, err := r.cli.ContainerInspect(ctx, ref)
	if err != nil {
		r.rollback(ref)
		return Instance{}, classify(fmt.Errorf("inspect container: %w", err))
	}
	hostPort, err := resolveHostPort(info, port)
	if err != nil {
		r.rollback(ref)
		return Instance{}, err
	}
	return Instance{ContainerRef: ref, HostPort: hostPort}, nil
}

func (r *DockerRuntime) hostConfig(port nat.Port) *container.HostConfig {
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(r.cfg.NetworkMode),
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: r.cfg.BindIP, HostPort: ""}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		Privileged:    false,
		SecurityOpt:   []string{"no-new-privileges:true"},
		CapDrop:       r.cfg.CapDrop,
		Resources: container.Resources{
			Memory:     r.memoryBytes,
			MemorySwap: r.memoryBytes,
			NanoCPUs:   r.cfg.NanoCPUs,
		},
	}
	if r.cfg.PidsLimit > 0 {
		limit := r.cfg.PidsLimit
		hostCfg.Resources.PidsLimit = &limit
	}
	return hostCfg
}

// resolveHostPort requires every binding of port to agree on one host port.
// Docker reports one binding per address family for the same port.
func resolveHostPort(info container.InspectResponse, port nat.Port) (int, error) {
	if info.NetworkSettings == nil {
		return 0, fmt.Errorf("%w: no network settings", ErrPortResolution)
	}
	bindings := info.NetworkSettings.Ports[port]
	resolved := 0
	for _, binding := range bindings {
		hostPort, err := strconv.Atoi(binding.HostPort)
		if err != nil || hostPort <= 0 || hostPort > 65535 {
			continue
		}
		if resolved != 0 && resolved != hostPort {
			return 0, fmt.Errorf("%w: %s bound to %d and %d", ErrPortResolution, port, resolved, hostPort)
		}
		resolved = hostPort
	}
	if resolved == 0 {
		return 0, fmt.Errorf("%w: %s has no host binding", ErrPortResolution, port)
	}
	return resolved, nil
}

// rollback removes a container that failed to come up. It runs detached from the
// launch context so a timed out launch still cleans up.
func (r *DockerRuntime) rollback(ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.Remove(ctx, ref); err != nil {
		logger.Error(ctx, "failed to remove container after launch failure",
			zap.String("container_ref", ref), zap.Error(err))
	}
}

func (r *DockerRuntime) Alive(ctx context.Context, containerRef string) (bool, error) {
	info, err := r.cli.ContainerInspect(ctx, containerRef)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, classify(fmt.Errorf("inspect container %s: %w", containerRef, err))
	}
	return info.ContainerJSONBase != nil && info.State != nil && info.State.Running, nil
}

func (r *DockerRuntime) Remove(ctx context.Context, containerRef string) error {
	err := r.cli.ContainerRemove(ctx, containerRef, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		// Conflict means a removal is already in progress.
		return nil
	}
	return classify(fmt.Errorf("remove container %s: %w", containerRef, err))
}

func (r *DockerRuntime) ListManaged(ctx context.Context) ([]ManagedContainer, error) {
	summaries, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("list containers: %w", err))
	}
	managed := make([]ManagedContainer, 0, len(summaries))
	for _, s := range summaries {
		managed = append(managed, ManagedContainer{
			ContainerRef: s.ID,
			PrincipalID:  s.Labels[LabelPrincipal],
			ChallengeID:  s.Labels[LabelChallenge],
			Running:      s.State == container.StateRunning,
			CreatedAt:    time.Unix(s.Created, 0),
		})
	}
	return managed, nil
}

func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return classify(fmt.Errorf("ping docker: %w", err))
	}
	return nil
}

func classify(err error) error {
	if client.IsErrConnectionFailed(err) || errdefs.IsUnavailable(err) {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return err
}

var _ Runtime = (*DockerRuntime)(nil)
