package runtime

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Docker implements Adapter against the Docker Engine API, with image-pull
// deduplication: concurrent requests for the same image share one pull.
type Docker struct {
	inner *client.Client

	mu       sync.Mutex
	pullOnce map[string]*pullState
}

type pullState struct {
	done chan struct{}
	err  error
}

// NewDocker constructs a Docker adapter. host may be empty to use the SDK's
// own environment-based defaulting.
func NewDocker(host string) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Docker{inner: inner, pullOnce: make(map[string]*pullState)}, nil
}

var _ Adapter = (*Docker)(nil)

func (d *Docker) ListContainers(ctx context.Context, all bool) ([]Container, error) {
	raw, err := d.inner.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]Container, 0, len(raw))
	for _, c := range raw {
		ports := make([]PortBinding, 0, len(c.Ports))
		for _, p := range c.Ports {
			ports = append(ports, PortBinding{
				PrivatePort: int(p.PrivatePort),
				PublicPort:  int(p.PublicPort),
				Proto:       p.Type,
			})
		}
		out = append(out, Container{ID: c.ID, Names: c.Names, Ports: ports})
	}
	return out, nil
}

func (d *Docker) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := d.inner.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect image: %w", err)
	}
	return true, nil
}

// PullImage pulls ref, deduplicating concurrent pulls of the same image: a
// second caller for a pull already in flight joins the first rather than
// issuing a duplicate pull.
func (d *Docker) PullImage(ctx context.Context, ref string) error {
	d.mu.Lock()
	if st, ok := d.pullOnce[ref]; ok {
		d.mu.Unlock()
		<-st.done
		return st.err
	}
	st := &pullState{done: make(chan struct{})}
	d.pullOnce[ref] = st
	d.mu.Unlock()

	st.err = d.doPull(ctx, ref)
	close(st.done)

	d.mu.Lock()
	delete(d.pullOnce, ref)
	d.mu.Unlock()
	return st.err
}

func (d *Docker) doPull(ctx context.Context, ref string) error {
	rc, err := d.inner.ImagePull(ctx, ref, dockerimage.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (d *Docker) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range spec.PortBindings {
		natPort, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
		if err != nil {
			return "", fmt.Errorf("invalid container port %d: %w", containerPort, err)
		}
		exposed[natPort] = struct{}{}
		bindings[natPort] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)}}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		Binds:        spec.Binds,
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{
			Name:              container.RestartPolicyMode(spec.RestartPolicy.Name),
			MaximumRetryCount: spec.RestartPolicy.MaxRetries,
		},
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
	}

	resp, err := d.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	return resp.ID, nil
}

func (d *Docker) StartContainer(ctx context.Context, id string) error {
	err := d.inner.ContainerStart(ctx, id, container.StartOptions{})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

func (d *Docker) StopContainer(ctx context.Context, id string, graceSeconds int) error {
	timeout := graceSeconds
	err := d.inner.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

func (d *Docker) RestartContainer(ctx context.Context, id string, graceSeconds int) error {
	timeout := graceSeconds
	err := d.inner.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container restart: %w", err)
	}
	return nil
}

func (d *Docker) RemoveContainer(ctx context.Context, id string, force bool) error {
	err := d.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

func (d *Docker) InspectContainer(ctx context.Context, id string) (*Container, error) {
	inspect, err := d.inner.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("container inspect: %w", err)
	}
	c := &Container{ID: inspect.ID, Names: []string{strings.TrimPrefix(inspect.Name, "/")}}
	if inspect.NetworkSettings != nil {
		for port, bindings := range inspect.NetworkSettings.Ports {
			for _, b := range bindings {
				hostPort, _ := strconv.Atoi(b.HostPort)
				c.Ports = append(c.Ports, PortBinding{PrivatePort: port.Int(), PublicPort: hostPort, Proto: port.Proto()})
			}
		}
	}
	return c, nil
}

func (d *Docker) ContainerLogs(ctx context.Context, id string, opts LogOptions) (io.ReadCloser, error) {
	rc, err := d.inner.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       opts.Tail,
		Timestamps: opts.Timestamps,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("container logs: %w", err)
	}
	return rc, nil
}

// ListPublishedPorts satisfies portalloc.RuntimePortLister: the union of
// host ports currently published by any container known to the runtime.
func (d *Docker) ListPublishedPorts(ctx context.Context) (map[int]bool, error) {
	containers, err := d.ListContainers(ctx, true)
	if err != nil {
		return nil, err
	}
	used := make(map[int]bool)
	for _, c := range containers {
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				used[p.PublicPort] = true
			}
		}
	}
	return used, nil
}
