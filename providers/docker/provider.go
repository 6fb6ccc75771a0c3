// Package docker provides resources backed by a local or remote Docker
// daemon: docker_image, docker_network, docker_volume and
// docker_container.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/go-connections/nat"
)

type Provider struct {
	mu     sync.Mutex
	client *client.Client
}

func New() *Provider {
	return &Provider{}
}

// Configure connects to the daemon. An optional "host" setting overrides
// the DOCKER_HOST environment.
func (p *Provider) Configure(ctx context.Context, settings map[string]string) error {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host := settings["host"]; host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("creating docker client: %w", err)
	}
	p.mu.Lock()
	p.client = cli
	p.mu.Unlock()
	return nil
}

func (p *Provider) cli() (*client.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("creating docker client: %w", err)
		}
		p.client = cli
	}
	return p.client, nil
}

func (p *Provider) Create(ctx context.Context, resourceType string, attrs map[string]any) (string, map[string]any, error) {
	cli, err := p.cli()
	if err != nil {
		return "", nil, err
	}

	switch resourceType {
	case "docker_image":
		return p.createImage(ctx, cli, attrs)
	case "docker_network":
		return p.createNetwork(ctx, cli, attrs)
	case "docker_volume":
		return p.createVolume(ctx, cli, attrs)
	case "docker_container":
		return p.createContainer(ctx, cli, attrs)
	}
	return "", nil, fmt.Errorf("unknown resource type: %s", resourceType)
}

// Update is not supported: docker resources change by replacement, so
// module definitions mark their attributes immutable.
func (p *Provider) Update(ctx context.Context, resourceType, identity string, attrs map[string]any) (map[string]any, error) {
	return nil, fmt.Errorf("%s cannot be updated in place; mark changed attributes immutable so they replace", resourceType)
}

func (p *Provider) Destroy(ctx context.Context, resourceType, identity string) error {
	if identity == "" {
		return nil
	}
	cli, err := p.cli()
	if err != nil {
		return err
	}

	switch resourceType {
	case "docker_image":
		if _, err := cli.ImageRemove(ctx, identity, image.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			return fmt.Errorf("removing image: %w", err)
		}
	case "docker_network":
		if err := cli.NetworkRemove(ctx, identity); err != nil && !client.IsErrNotFound(err) {
			return fmt.Errorf("removing network: %w", err)
		}
	case "docker_volume":
		if err := cli.VolumeRemove(ctx, identity, true); err != nil && !client.IsErrNotFound(err) {
			return fmt.Errorf("removing volume: %w", err)
		}
	case "docker_container":
		timeout := 10 // seconds
		_ = cli.ContainerStop(ctx, identity, container.StopOptions{Timeout: &timeout})
		if err := cli.ContainerRemove(ctx, identity, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			return fmt.Errorf("removing container: %w", err)
		}
	default:
		return fmt.Errorf("unknown resource type: %s", resourceType)
	}
	return nil
}

func (p *Provider) createImage(ctx context.Context, cli *client.Client, attrs map[string]any) (string, map[string]any, error) {
	var cfg ImageConfig
	if err := decode(attrs, &cfg); err != nil {
		return "", nil, err
	}

	if cfg.BuildContext != "" {
		tar, err := archive.TarWithOptions(cfg.BuildContext, &archive.TarOptions{})
		if err != nil {
			return "", nil, fmt.Errorf("creating build context tar: %w", err)
		}
		resp, err := cli.ImageBuild(ctx, tar, types.ImageBuildOptions{
			Tags:       []string{cfg.Name},
			Dockerfile: cfg.Dockerfile,
			Remove:     true,
		})
		if err != nil {
			return "", nil, fmt.Errorf("building image: %w", err)
		}
		// Drain output so the build is not blocked on the pipe.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	} else {
		reader, err := cli.ImagePull(ctx, cfg.Name, image.PullOptions{})
		if err != nil {
			return "", nil, fmt.Errorf("pulling image: %w", err)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	inspect, _, err := cli.ImageInspectWithRaw(ctx, cfg.Name)
	if err != nil {
		return "", nil, fmt.Errorf("inspecting image: %w", err)
	}
	return inspect.ID, map[string]any{"id": inspect.ID, "name": cfg.Name}, nil
}

func (p *Provider) createNetwork(ctx context.Context, cli *client.Client, attrs map[string]any) (string, map[string]any, error) {
	var cfg NetworkConfig
	if err := decode(attrs, &cfg); err != nil {
		return "", nil, err
	}

	resp, err := cli.NetworkCreate(ctx, cfg.Name, network.CreateOptions{
		Driver:   cfg.Driver,
		Internal: cfg.Internal,
		Labels:   cfg.Labels,
	})
	if err != nil {
		return "", nil, fmt.Errorf("creating network: %w", err)
	}
	return resp.ID, map[string]any{"id": resp.ID, "name": cfg.Name, "driver": cfg.Driver}, nil
}

func (p *Provider) createVolume(ctx context.Context, cli *client.Client, attrs map[string]any) (string, map[string]any, error) {
	var cfg VolumeConfig
	if err := decode(attrs, &cfg); err != nil {
		return "", nil, err
	}

	vol, err := cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   cfg.Name,
		Driver: cfg.Driver,
	})
	if err != nil {
		return "", nil, fmt.Errorf("creating volume: %w", err)
	}
	return vol.Name, map[string]any{"name": vol.Name, "driver": vol.Driver, "mountpoint": vol.Mountpoint}, nil
}

func (p *Provider) createContainer(ctx context.Context, cli *client.Client, attrs map[string]any) (string, map[string]any, error) {
	var cfg ContainerConfig
	if err := decode(attrs, &cfg); err != nil {
		return "", nil, err
	}

	reader, err := cli.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		return "", nil, fmt.Errorf("pulling image %s: %w", cfg.Image, err)
	}
	io.Copy(io.Discard, reader)
	reader.Close()

	portBindings := nat.PortMap{}
	for hostPort, containerPort := range cfg.Ports {
		cp := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
		portBindings[cp] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}}
	}

	var binds []string
	for _, v := range cfg.Volumes {
		parts := strings.SplitN(v, ":", 2)
		if strings.HasPrefix(parts[0], "./") || strings.HasPrefix(parts[0], "../") {
			if abs, err := filepath.Abs(parts[0]); err == nil {
				parts[0] = abs
				binds = append(binds, strings.Join(parts, ":"))
				continue
			}
		}
		binds = append(binds, v)
	}

	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		Binds:        binds,
	}
	if len(cfg.Networks) > 0 {
		hostConfig.NetworkMode = container.NetworkMode(cfg.Networks[0])
	}
	if cfg.Restart != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(cfg.Restart),
		}
	}

	config := &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Command,
		Env:        mapToEnvList(cfg.Env),
		Labels:     cfg.Labels,
		WorkingDir: cfg.WorkingDir,
		User:       cfg.User,
	}
	if cfg.Healthcheck != nil {
		test := cfg.Healthcheck.Test
		if len(test) == 0 {
			test = []string{"NONE"}
		}
		interval, _ := time.ParseDuration(cfg.Healthcheck.Interval)
		timeout, _ := time.ParseDuration(cfg.Healthcheck.Timeout)
		startPeriod, _ := time.ParseDuration(cfg.Healthcheck.StartPeriod)
		config.Healthcheck = &container.HealthConfig{
			Test:        test,
			Interval:    interval,
			Timeout:     timeout,
			StartPeriod: startPeriod,
			Retries:     cfg.Healthcheck.Retries,
		}
	}

	resp, err := cli.ContainerCreate(ctx, config, hostConfig, &network.NetworkingConfig{}, nil, cfg.Name)
	if err != nil {
		return "", nil, fmt.Errorf("creating container: %w", err)
	}
	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", nil, fmt.Errorf("starting container: %w", err)
	}

	return resp.ID, map[string]any{"id": resp.ID, "name": cfg.Name, "image": cfg.Image}, nil
}

// decode round-trips an attribute map through JSON into a typed config.
func decode(attrs map[string]any, out any) error {
	raw, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encoding attributes: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding attributes: %w", err)
	}
	return nil
}

func mapToEnvList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

type ContainerConfig struct {
	Image       string             `json:"image"`
	Name        string             `json:"name"`
	Command     []string           `json:"command"`
	Ports       map[string]int     `json:"ports"`
	Env         map[string]string  `json:"env"`
	Networks    []string           `json:"networks"`
	Volumes     []string           `json:"volumes"`
	Labels      map[string]string  `json:"labels"`
	WorkingDir  string             `json:"working_dir"`
	User        string             `json:"user"`
	Restart     string             `json:"restart"`
	Healthcheck *HealthcheckConfig `json:"healthcheck"`
}

type HealthcheckConfig struct {
	Test        []string `json:"test"`
	Interval    string   `json:"interval"`
	Timeout     string   `json:"timeout"`
	StartPeriod string   `json:"start_period"`
	Retries     int      `json:"retries"`
}

type NetworkConfig struct {
	Name     string            `json:"name"`
	Driver   string            `json:"driver"`
	Internal bool              `json:"internal"`
	Labels   map[string]string `json:"labels"`
}

type VolumeConfig struct {
	Name   string `json:"name"`
	Driver string `json:"driver"`
}

type ImageConfig struct {
	Name         string `json:"name"`
	BuildContext string `json:"build_context"`
	Dockerfile   string `json:"dockerfile"`
}
