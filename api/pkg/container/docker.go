package container

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"
)

// DockerRuntime implements Runtime against the local Docker daemon.
type DockerRuntime struct {
	cli *client.Client
}

func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

func (d *DockerRuntime) Create(ctx context.Context, spec CreateSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range spec.PortBindings {
		port, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
		if err != nil {
			return "", fmt.Errorf("invalid container port %d: %w", containerPort, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(hostPort)}}
	}

	containerConfig := &dockercontainer.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		ExposedPorts: exposed,
	}
	hostConfig := &dockercontainer.HostConfig{
		Privileged:   spec.Privileged,
		PortBindings: bindings,
	}

	resp, err := d.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		// don't leave a created-but-never-started container behind
		_ = d.cli.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return "", fmt.Errorf("starting container %s: %w", spec.Name, err)
	}

	log.Info().
		Str("container_id", resp.ID).
		Str("container_name", spec.Name).
		Str("image", spec.Image).
		Msg("container started")
	return resp.ID, nil
}

func (d *DockerRuntime) Stop(ctx context.Context, ref string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, ref, dockercontainer.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("stopping container %s: %w", ref, err)
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, ref string) error {
	if err := d.cli.ContainerRemove(ctx, ref, dockercontainer.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing container %s: %w", ref, err)
	}
	return nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, ref string) (Info, error) {
	inspect, err := d.cli.ContainerInspect(ctx, ref)
	if err != nil {
		return Info{}, fmt.Errorf("inspecting container %s: %w", ref, err)
	}

	info := Info{
		Ref:            inspect.ID,
		Name:           strings.TrimPrefix(inspect.Name, "/"),
		PublishedPorts: make(map[int]int),
	}
	if inspect.State != nil {
		info.Running = inspect.State.Running
		info.State = inspect.State.Status
	}
	if inspect.Config != nil {
		info.Command = strings.Join(inspect.Config.Cmd, " ")
	}
	if inspect.NetworkSettings != nil {
		for port, portBindings := range inspect.NetworkSettings.Ports {
			if len(portBindings) == 0 {
				continue
			}
			hostPort, err := strconv.Atoi(portBindings[0].HostPort)
			if err != nil {
				continue
			}
			info.PublishedPorts[port.Int()] = hostPort
		}
	}
	return info, nil
}

func (d *DockerRuntime) List(ctx context.Context) ([]Info, error) {
	containers, err := d.cli.ContainerList(ctx, dockercontainer.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	infos := make([]Info, 0, len(containers))
	for _, c := range containers {
		infos = append(infos, summaryInfo(c))
	}
	return infos, nil
}

func summaryInfo(c dockertypes.Container) Info {
	info := Info{
		Ref:            c.ID,
		Running:        c.State == "running",
		State:          c.State,
		Command:        c.Command,
		PublishedPorts: make(map[int]int),
	}
	if len(c.Names) > 0 {
		info.Name = strings.TrimPrefix(c.Names[0], "/")
	}
	for _, p := range c.Ports {
		if p.PublicPort != 0 {
			info.PublishedPorts[int(p.PrivatePort)] = int(p.PublicPort)
		}
	}
	return info
}
