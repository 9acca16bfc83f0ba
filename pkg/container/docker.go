package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// Docker implements Runtime on the Docker Engine API
type Docker struct {
	cli *client.Client
}

// NewDocker connects to the engine at host, or DOCKER_HOST when host is empty
func NewDocker(host, apiVersion string) (*Docker, error) {
	opts := []client.Opt{client.FromEnv}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	if apiVersion != "" {
		opts = append(opts, client.WithVersion(apiVersion))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Docker{cli: cli}, nil
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

func (d *Docker) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (d *Docker) PullImage(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// the pull only completes once the progress stream is drained
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (d *Docker) Create(ctx context.Context, spec Spec) (string, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		User:       spec.User,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
	}
	if len(spec.Entrypoint) > 0 {
		cfg.Entrypoint = spec.Entrypoint
	}
	host := &container.HostConfig{
		Binds:       spec.Binds,
		Privileged:  spec.Privileged,
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		PidMode:     container.PidMode(spec.PidMode),
		UsernsMode:  container.UsernsMode(spec.UsernsMode),
		CapAdd:      spec.CapAdd,
		ExtraHosts:  spec.ExtraHosts,
	}
	if len(spec.PortBindings) > 0 {
		exposed := nat.PortSet{}
		bindings := nat.PortMap{}
		for cport, hport := range spec.PortBindings {
			p := nat.Port(strconv.Itoa(cport) + "/tcp")
			exposed[p] = struct{}{}
			bindings[p] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hport)}}
		}
		cfg.ExposedPorts = exposed
		host.PortBindings = bindings
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, host, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *Docker) Start(ctx context.Context, id string) error {
	return d.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *Docker) Wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, err
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return int(st.StatusCode), fmt.Errorf("wait: %s", st.Error.Message)
		}
		return int(st.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (d *Docker) Logs(ctx context.Context, id string) ([]byte, []byte, error) {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return stdout.Bytes(), stderr.Bytes(), err
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

func (d *Docker) Kill(ctx context.Context, id string) error {
	err := d.cli.ContainerKill(ctx, id, "SIGKILL")
	if err != nil && (errdefs.IsNotFound(err) || errdefs.IsConflict(err)) {
		// already gone or not running
		return nil
	}
	return err
}

func (d *Docker) Remove(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

func (d *Docker) List(ctx context.Context, labels map[string]string, all bool) ([]Summary, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: all, Filters: args})
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(list))
	for _, c := range list {
		s := Summary{ID: c.ID, Names: c.Names, Image: c.Image, State: c.State, Labels: c.Labels}
		for _, p := range c.Ports {
			s.Ports = append(s.Ports, PortSummary{
				IP:          p.IP,
				PrivatePort: int(p.PrivatePort),
				PublicPort:  int(p.PublicPort),
				Type:        p.Type,
			})
		}
		out = append(out, s)
	}
	return out, nil
}

func (d *Docker) Prune(ctx context.Context) error {
	if _, err := d.cli.NetworksPrune(ctx, filters.NewArgs()); err != nil {
		return fmt.Errorf("prune networks: %w", err)
	}
	if _, err := d.cli.VolumesPrune(ctx, filters.NewArgs()); err != nil {
		return fmt.Errorf("prune volumes: %w", err)
	}
	return nil
}
