// Package moby implements sandbox.Provider on the Docker Engine API client.
package moby

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/jxucoder/forgeline/pkg/sandbox"
)

// Provider talks to the Docker daemon directly.
type Provider struct {
	cli *client.Client
}

// New creates a provider configured from DOCKER_HOST and friends.
func New() (*Provider, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Provider{cli: cli}, nil
}

// Close releases the client.
func (p *Provider) Close() error { return p.cli.Close() }

// Ping checks the daemon connection.
func (p *Provider) Ping(ctx context.Context) error {
	_, err := p.cli.Ping(ctx, client.PingOptions{})
	return err
}

// Create creates and starts an idle container.
func (p *Provider) Create(ctx context.Context, opts sandbox.CreateOptions) (string, error) {
	exposedPorts := make(network.PortSet)
	portBindings := make(network.PortMap)
	if opts.Port > 0 {
		port := network.MustParsePort(fmt.Sprintf("%d/tcp", opts.Port))
		exposedPorts[port] = struct{}{}
		portBindings[port] = []network.PortBinding{{HostIP: netip.IPv4Unspecified()}}
	}

	env := append([]string{}, opts.Env...)
	env = append(env, "FORGELINE_PROJECT_ID="+opts.ProjectID, "FORGELINE_SANDBOX_ID="+opts.SandboxID)

	hostConfig := &container.HostConfig{PortBindings: portBindings}
	if opts.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(opts.Network)
	}
	if opts.MemoryMB > 0 {
		hostConfig.Resources.Memory = int64(opts.MemoryMB) * 1024 * 1024
	}
	if opts.CPUs > 0 {
		hostConfig.Resources.NanoCPUs = int64(opts.CPUs) * 1e9
	}
	if opts.PidsLimit > 0 {
		limit := int64(opts.PidsLimit)
		hostConfig.Resources.PidsLimit = &limit
	}

	result, err := p.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:  "forgeline-" + opts.SandboxID,
		Image: opts.Image,
		Config: &container.Config{
			Entrypoint:   []string{"sleep"},
			Cmd:          []string{"infinity"},
			Env:          env,
			WorkingDir:   sandbox.Workdir,
			ExposedPorts: exposedPorts,
			Labels: map[string]string{
				"forgeline.project": opts.ProjectID,
				"forgeline.sandbox": opts.SandboxID,
			},
		},
		HostConfig: hostConfig,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	if _, err := p.cli.ContainerStart(ctx, result.ID, client.ContainerStartOptions{}); err != nil {
		_ = p.Destroy(context.WithoutCancel(ctx), result.ID)
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	return result.ID, nil
}

// Exec runs cmd and demultiplexes its output.
func (p *Provider) Exec(ctx context.Context, containerID string, cmd []string, timeout time.Duration) (*sandbox.ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	execResult, err := p.cli.ExecCreate(ctx, containerID, client.ExecCreateOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := p.cli.ExecAttach(ctx, execResult.ID, client.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("failed to read exec output: %w", err)
		}
	case <-ctx.Done():
		attachResp.Close()
		<-done
		return nil, ctx.Err()
	}

	inspectResp, err := p.cli.ExecInspect(ctx, execResult.ID, client.ExecInspectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}
	return &sandbox.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspectResp.ExitCode,
	}, nil
}

// WriteFile copies a single-entry tar archive into the container root.
func (p *Provider) WriteFile(ctx context.Context, containerID, path, content string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    strings.TrimPrefix(path, "/"),
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	_, err := p.cli.CopyToContainer(ctx, containerID, client.CopyToContainerOptions{
		DestinationPath: "/",
		Content:         &buf,
	})
	if err != nil {
		return fmt.Errorf("copying %s: %w", path, err)
	}
	return nil
}

// RemoveFile deletes path inside the container.
func (p *Provider) RemoveFile(ctx context.Context, containerID, path string) error {
	res, err := p.Exec(ctx, containerID, []string{"rm", "-f", path}, 0)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("removing %s: exit %d: %s", path, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Destroy force-removes the container. A missing container is not an error.
func (p *Provider) Destroy(ctx context.Context, containerID string) error {
	_, err := p.cli.ContainerRemove(ctx, containerID, client.ContainerRemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

// IsRunning reports whether the container exists and is running.
func (p *Provider) IsRunning(ctx context.Context, containerID string) bool {
	if containerID == "" {
		return false
	}
	result, err := p.cli.ContainerInspect(ctx, containerID, client.ContainerInspectOptions{})
	if err != nil {
		return false
	}
	return result.Container.State.Running
}

// EnsureNetwork creates a bridge network if it is missing.
func (p *Provider) EnsureNetwork(ctx context.Context, name string) error {
	_, err := p.cli.NetworkInspect(ctx, name, client.NetworkInspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspecting network %q: %w", name, err)
	}
	if _, err := p.cli.NetworkCreate(ctx, name, client.NetworkCreateOptions{Driver: "bridge"}); err != nil {
		return fmt.Errorf("creating network %q: %w", name, err)
	}
	return nil
}

var (
	_ sandbox.Provider       = (*Provider)(nil)
	_ sandbox.NetworkEnsurer = (*Provider)(nil)
)
