// Package docker provides a provisioner that runs sandbox units as local
// Docker containers. Each unit publishes its tool server on a leased host
// port and bind-mounts its workspace directory.
package docker

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/ajaxzhan/sandboxpool/internal/logging"
	"github.com/ajaxzhan/sandboxpool/internal/provisioner"
	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

// WorkspaceDir is where the unit's workspace is mounted inside the container.
const WorkspaceDir = "/workspace"

// Config holds configuration for the docker Provisioner.
type Config struct {
	// DockerHost is the Docker daemon socket address (default: uses DOCKER_HOST env or unix:///var/run/docker.sock)
	DockerHost string

	// NetworkMode is the container network mode ("bridge", "host", or a named network)
	NetworkMode string

	// AdvertiseHost is the address clients dial to reach published ports
	AdvertiseHost string

	// Prefix is prepended to container names
	Prefix string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NetworkMode:   "bridge",
		AdvertiseHost: "127.0.0.1",
		Prefix:        "sandbox",
	}
}

// Provisioner implements provisioner.Provisioner using Docker containers.
type Provisioner struct {
	config *Config
	client *client.Client

	pullMu sync.Mutex
	pulled map[string]bool
}

var _ provisioner.Provisioner = (*Provisioner)(nil)

// New creates a docker Provisioner and verifies the daemon is reachable.
func New(config *Config) (*Provisioner, error) {
	if config == nil {
		config = DefaultConfig()
	}

	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if config.DockerHost != "" {
		opts = append(opts, client.WithHost(config.DockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to Docker daemon: %w", err)
	}

	return &Provisioner{
		config: config,
		client: cli,
		pulled: make(map[string]bool),
	}, nil
}

// Kind returns the backend kind.
func (p *Provisioner) Kind() types.BackendKind {
	return types.BackendLocal
}

// Provision creates and starts the unit's container.
func (p *Provisioner) Provision(ctx context.Context, req *provisioner.Request) (types.Endpoint, error) {
	unit := &types.Unit{ID: req.UnitID, TypeName: req.Profile.TypeName}
	name := provisioner.ResourceName(p.config.Prefix, unit)

	containerConfig, hostConfig, err := p.containerSpec(req, unit)
	if err != nil {
		return types.Endpoint{}, provisioner.Classify(err, req.Profile.TypeName, req.UnitID, types.ReasonBackend)
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil && errdefs.IsNotFound(err) {
		// Image missing locally: pull once and retry.
		if pullErr := p.pullImage(ctx, req.Profile.Image); pullErr != nil {
			return types.Endpoint{}, provisioner.Classify(pullErr, req.Profile.TypeName, req.UnitID, types.ReasonImage)
		}
		resp, err = p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	}
	if err != nil {
		reason := types.ReasonBackend
		if errdefs.IsNotFound(err) {
			reason = types.ReasonImage
		} else if errdefs.IsResourceExhausted(err) {
			reason = types.ReasonQuota
		}
		return types.Endpoint{}, provisioner.Classify(fmt.Errorf("create container %s: %w", name, err), req.Profile.TypeName, req.UnitID, reason)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.removeContainer(context.WithoutCancel(ctx), name)
		return types.Endpoint{}, provisioner.Classify(fmt.Errorf("start container %s: %w", name, err), req.Profile.TypeName, req.UnitID, types.ReasonBackend)
	}

	logging.Debug("Container started",
		logging.Unit(req.UnitID, req.Profile.TypeName),
		logging.String("container", name),
		logging.Int("host_port", req.HostPort),
	)
	return types.Endpoint{Host: p.config.AdvertiseHost, Port: req.HostPort}, nil
}

func (p *Provisioner) containerSpec(req *provisioner.Request, unit *types.Unit) (*container.Config, *container.HostConfig, error) {
	containerPort, err := nat.NewPort("tcp", strconv.Itoa(req.Profile.Port()))
	if err != nil {
		return nil, nil, err
	}

	env := req.Environment()
	env["SANDBOX_UNIT_ID"] = req.UnitID
	env["SANDBOX_TYPE"] = req.Profile.TypeName
	env["PORT"] = strconv.Itoa(req.Profile.Port())

	containerConfig := &container.Config{
		Image:        req.Profile.Image,
		Labels:       provisioner.Labels(unit),
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
	}
	for k, v := range env {
		containerConfig.Env = append(containerConfig.Env, fmt.Sprintf("%s=%s", k, v))
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(p.config.NetworkMode),
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(req.HostPort)}},
		},
	}
	if req.MountPath != "" {
		hostConfig.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: req.MountPath,
			Target: WorkspaceDir,
		}}
		containerConfig.WorkingDir = WorkspaceDir
	}
	applySecurityLevel(hostConfig, req.Profile.SecurityLevel)
	return containerConfig, hostConfig, nil
}

// applySecurityLevel maps a profile's security level to container limits.
func applySecurityLevel(hc *container.HostConfig, level types.SecurityLevel) {
	switch level {
	case types.SecurityHigh:
		pids := int64(256)
		hc.Resources = container.Resources{Memory: 1 << 30, NanoCPUs: 1e9, PidsLimit: &pids}
		hc.CapDrop = []string{"ALL"}
		hc.SecurityOpt = []string{"no-new-privileges"}
		hc.ReadonlyRootfs = true
		hc.Tmpfs = map[string]string{"/tmp": "rw,size=256m"}
	case types.SecurityMedium:
		pids := int64(1024)
		hc.Resources = container.Resources{Memory: 2 << 30, NanoCPUs: 2e9, PidsLimit: &pids}
		hc.SecurityOpt = []string{"no-new-privileges"}
	}
}

// pullImage pulls an image once per process lifetime.
func (p *Provisioner) pullImage(ctx context.Context, image string) error {
	if image == "" {
		return fmt.Errorf("image is empty")
	}

	p.pullMu.Lock()
	defer p.pullMu.Unlock()
	if p.pulled[image] {
		return nil
	}

	logging.Info("Pulling image", logging.String("image", image))
	reader, err := p.client.ImagePull(ctx, image, imagetypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", image, err)
	}
	defer reader.Close()

	// Drain pull output so the pull actually completes.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull %s: %w", image, err)
	}
	p.pulled[image] = true
	return nil
}

// Healthcheck requires the container to be running and its published port
// to accept connections.
func (p *Provisioner) Healthcheck(ctx context.Context, unit *types.Unit) error {
	name := provisioner.ResourceName(p.config.Prefix, unit)
	info, err := p.client.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: container %s", types.ErrUnitNotFound, name)
		}
		return err
	}
	if info.State == nil || !info.State.Running {
		return fmt.Errorf("container %s is not running", name)
	}

	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	conn, err := d.DialContext(dialCtx, "tcp", unit.Endpoint.Address())
	if err != nil {
		return &types.ConnectionError{UnitID: unit.ID, Endpoint: unit.Endpoint.String(), Err: err}
	}
	return conn.Close()
}

// Destroy force-removes the unit's container.
func (p *Provisioner) Destroy(ctx context.Context, unit *types.Unit) error {
	return p.removeContainer(ctx, provisioner.ResourceName(p.config.Prefix, unit))
}

func (p *Provisioner) removeContainer(ctx context.Context, name string) error {
	err := p.client.ContainerRemove(ctx, name, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

// Ping checks the Docker daemon.
func (p *Provisioner) Ping(ctx context.Context) error {
	_, err := p.client.Ping(ctx)
	return err
}

// Close closes the Docker client.
func (p *Provisioner) Close() error {
	return p.client.Close()
}
