// Package dockeradapter implements sandbox.ContainerRuntime against the
// Docker Engine API: container create/start/stop, liveness probing,
// one-shot exec, and RPC endpoint resolution for managed sandbox
// containers.
package dockeradapter

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/sarnowski/msfailab"
)

// NetworkMode is the runtime topology the adapter was configured for; it
// drives the ResolveRPCEndpoint policy.
type NetworkMode string

const (
	// NetworkHost: the container shares the host network namespace; the
	// RPC endpoint is localhost at the labeled port.
	NetworkHost NetworkMode = "host"
	// NetworkPortMapping: the container publishes its RPC port; the host
	// port is whatever Docker dynamically assigned.
	NetworkPortMapping NetworkMode = "port-mapping"
	// NetworkBridge: neither of the above; the container's own name is
	// reachable as a host from sibling containers on the same network.
	NetworkBridge NetworkMode = "bridge"
)

const labelManaged = "managed"

// Adapter wraps a Docker client behind the sandbox.ContainerRuntime
// interface.
type Adapter struct {
	client      *client.Client
	networkMode NetworkMode
	image       string
	network     string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithNetworkMode selects the endpoint resolution policy.
func WithNetworkMode(mode NetworkMode) Option {
	return func(a *Adapter) { a.networkMode = mode }
}

// WithImage sets the image used for newly started containers.
func WithImage(image string) Option {
	return func(a *Adapter) { a.image = image }
}

// WithDockerNetwork records a Docker network name on the Adapter. Neither
// container creation nor ResolveRPCEndpoint reads it: new containers are
// not attached to this network, and NetworkBridge resolution uses the
// container's name alone.
func WithDockerNetwork(name string) Option {
	return func(a *Adapter) { a.network = name }
}

// New connects to the Docker daemon, trying the environment-configured
// host first and falling back to the common Docker Desktop/Colima
// socket locations.
func New(opts ...Option) (*Adapter, error) {
	a := &Adapter{
		networkMode: NetworkBridge,
		image:       "metasploitframework/metasploit-framework:latest",
	}
	for _, opt := range opts {
		opt(a)
	}

	cli, err := connectDockerClient()
	if err != nil {
		return nil, err
	}
	a.client = cli
	return a, nil
}

func connectDockerClient() (*client.Client, error) {
	if cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation()); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, pingErr := cli.Ping(ctx)
		cancel()
		if pingErr == nil {
			return cli, nil
		}
		cli.Close()
	}

	socketPaths := []string{
		"unix://" + os.Getenv("HOME") + "/.docker/run/docker.sock",
		"unix:///var/run/docker.sock",
		"unix://" + os.Getenv("HOME") + "/.colima/docker.sock",
	}
	for _, socketPath := range socketPaths {
		cli, err := client.NewClientWithOpts(client.WithHost(socketPath), client.WithAPIVersionNegotiation())
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, pingErr := cli.Ping(ctx)
		cancel()
		if pingErr == nil {
			return cli, nil
		}
		cli.Close()
	}

	return nil, fmt.Errorf("dockeradapter: could not connect to Docker daemon")
}

// Close releases the underlying Docker client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// StartContainer creates and starts a container carrying the managed
// labels, retrying once on a name collision by force-removing the stale
// container first.
func (a *Adapter) StartContainer(ctx context.Context, name string, labels map[string]string, rpcPort int) (string, error) {
	if err := a.ensureImage(ctx, a.image); err != nil {
		return "", fmt.Errorf("dockeradapter: pull image: %w", err)
	}

	id, err := a.createAndStart(ctx, name, labels, rpcPort)
	if err == nil {
		return id, nil
	}
	if !client.IsErrNotFound(err) && !isNameConflict(err) {
		return "", err
	}

	existing, findErr := a.findByName(ctx, name)
	if findErr != nil {
		return "", err
	}
	_ = a.client.ContainerRemove(ctx, existing, dockercontainer.RemoveOptions{Force: true})

	return a.createAndStart(ctx, name, labels, rpcPort)
}

func isNameConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already in use")
}

func (a *Adapter) createAndStart(ctx context.Context, name string, labels map[string]string, rpcPort int) (string, error) {
	cfg := &dockercontainer.Config{
		Image:  a.image,
		Labels: labels,
		Tty:    true,
	}

	hostCfg := &dockercontainer.HostConfig{
		RestartPolicy: dockercontainer.RestartPolicy{Name: dockercontainer.RestartPolicyUnlessStopped},
	}
	if a.networkMode == NetworkHost {
		hostCfg.NetworkMode = "host"
	} else if a.networkMode == NetworkPortMapping {
		port := nat.Port(fmt.Sprintf("%d/tcp", rpcPort))
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0"}},
		}
	}

	resp, err := a.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("dockeradapter: create container: %w", err)
	}

	if err := a.client.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return "", fmt.Errorf("dockeradapter: start container: %w", err)
	}
	return resp.ID, nil
}

// StopContainer stops a running container by runtime id.
func (a *Adapter) StopContainer(ctx context.Context, dockerId string) error {
	timeout := 10
	return a.client.ContainerStop(ctx, dockerId, dockercontainer.StopOptions{Timeout: &timeout})
}

// ContainerRunning reports whether the container is currently running.
func (a *Adapter) ContainerRunning(ctx context.Context, dockerId string) (bool, error) {
	inspect, err := a.client.ContainerInspect(ctx, dockerId)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return inspect.State.Running, nil
}

// ListManaged lists every container carrying the managed=true label.
func (a *Adapter) ListManaged(ctx context.Context) ([]sandbox.ManagedContainer, error) {
	containers, err := a.client.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("dockeradapter: list managed: %w", err)
	}

	out := make([]sandbox.ManagedContainer, 0, len(containers))
	for _, c := range containers {
		name := strings.TrimPrefix(firstOrEmpty(c.Names), "/")
		out = append(out, sandbox.ManagedContainer{
			DockerId: c.ID,
			Name:     name,
			Status:   c.State,
			Labels:   c.Labels,
		})
	}
	return out, nil
}

func firstOrEmpty(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// Exec runs a one-shot command inside the container and captures its
// combined stdout/stderr.
func (a *Adapter) Exec(ctx context.Context, dockerId string, command []string) (sandbox.ExecResult, error) {
	execCfg := dockercontainer.ExecOptions{
		Cmd:          command,
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := a.client.ContainerExecCreate(ctx, dockerId, execCfg)
	if err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("dockeradapter: exec create: %w", err)
	}

	attachResp, err := a.client.ContainerExecAttach(ctx, execResp.ID, dockercontainer.ExecStartOptions{})
	if err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("dockeradapter: exec attach: %w", err)
	}
	defer attachResp.Close()

	var out strings.Builder
	if _, err := stdcopy.StdCopy(&out, &out, attachResp.Reader); err != nil && err != io.EOF {
		return sandbox.ExecResult{}, fmt.Errorf("dockeradapter: read exec output: %w", err)
	}

	inspectResp, err := a.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("dockeradapter: exec inspect: %w", err)
	}

	return sandbox.ExecResult{Output: out.String(), ExitCode: inspectResp.ExitCode}, nil
}

// ResolveRPCEndpoint implements the network-mode-dependent policy: host
// network uses localhost at the labeled port; port-mapping reads back
// the dynamically assigned host port; otherwise the container's own
// name is used as the host.
func (a *Adapter) ResolveRPCEndpoint(ctx context.Context, dockerId string) (sandbox.Endpoint, error) {
	inspect, err := a.client.ContainerInspect(ctx, dockerId)
	if err != nil {
		if client.IsErrNotFound(err) {
			return sandbox.Endpoint{}, fmt.Errorf("dockeradapter: %w", errNotFound{dockerId})
		}
		return sandbox.Endpoint{}, err
	}

	labeledPort, err := strconv.Atoi(inspect.Config.Labels["rpc_port"])
	if err != nil {
		return sandbox.Endpoint{}, fmt.Errorf("dockeradapter: %w", errPortNotMapped{dockerId})
	}

	switch a.networkMode {
	case NetworkHost:
		return sandbox.Endpoint{Host: "localhost", Port: labeledPort}, nil

	case NetworkPortMapping:
		bindingKey := nat.Port(fmt.Sprintf("%d/tcp", labeledPort))
		bindings, ok := inspect.NetworkSettings.Ports[bindingKey]
		if !ok || len(bindings) == 0 {
			return sandbox.Endpoint{}, fmt.Errorf("dockeradapter: %w", errPortNotMapped{dockerId})
		}
		hostPort, err := strconv.Atoi(bindings[0].HostPort)
		if err != nil {
			return sandbox.Endpoint{}, fmt.Errorf("dockeradapter: %w", errPortNotMapped{dockerId})
		}
		return sandbox.Endpoint{Host: "localhost", Port: hostPort}, nil

	default: // NetworkBridge
		name := strings.TrimPrefix(inspect.Name, "/")
		return sandbox.Endpoint{Host: name, Port: labeledPort}, nil
	}
}

func (a *Adapter) findByName(ctx context.Context, name string) (string, error) {
	containers, err := a.client.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", err
	}
	for _, c := range containers {
		for _, n := range c.Names {
			if n == "/"+name {
				return c.ID, nil
			}
		}
	}
	return "", fmt.Errorf("dockeradapter: container not found: %s", name)
}

// ensureImage pulls an image if it is not already present locally.
func (a *Adapter) ensureImage(ctx context.Context, imageName string) error {
	if _, _, err := a.client.ImageInspectWithRaw(ctx, imageName); err == nil {
		return nil
	}

	reader, err := a.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

type errNotFound struct{ dockerId string }

func (e errNotFound) Error() string { return "container not found: " + e.dockerId }

type errPortNotMapped struct{ dockerId string }

func (e errPortNotMapped) Error() string { return "rpc port not mapped: " + e.dockerId }
