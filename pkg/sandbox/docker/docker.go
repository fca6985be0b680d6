// Package docker implements sandbox.Provider by shelling out to the docker CLI.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jxucoder/forgeline/pkg/sandbox"
)

// Provider implements sandbox.Provider using the docker binary.
type Provider struct {
	dockerBin string
}

// New creates a new Docker CLI provider.
func New() *Provider {
	return &Provider{
		dockerBin: findDocker(),
	}
}

// findDocker locates the docker binary, checking PATH first and then
// well-known install locations (Docker Desktop on macOS, Homebrew, etc.).
func findDocker() string {
	if p, err := exec.LookPath("docker"); err == nil {
		return p
	}
	candidates := []string{
		"/Applications/Docker.app/Contents/Resources/bin/docker",
		"/usr/local/bin/docker",
		"/opt/homebrew/bin/docker",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "docker"
}

func (p *Provider) docker(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, p.dockerBin, args...)
}

// Create starts a detached container that idles until commands are exec'd.
func (p *Provider) Create(ctx context.Context, opts sandbox.CreateOptions) (string, error) {
	args := []string{
		"run", "-d",
		"--name", "forgeline-" + opts.SandboxID,
		"--label", "forgeline.project=" + opts.ProjectID,
		"--label", "forgeline.sandbox=" + opts.SandboxID,
		"--workdir", sandbox.Workdir,
	}
	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	}
	if opts.Port > 0 {
		args = append(args, "-p", strconv.Itoa(opts.Port))
	}
	if opts.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", opts.MemoryMB))
	}
	if opts.CPUs > 0 {
		args = append(args, "--cpus", strconv.Itoa(opts.CPUs))
	}
	if opts.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(opts.PidsLimit))
	}

	envVars := make([]string, 0, len(opts.Env)+2)
	envVars = append(envVars, opts.Env...)
	envVars = append(envVars, "FORGELINE_PROJECT_ID="+opts.ProjectID, "FORGELINE_SANDBOX_ID="+opts.SandboxID)
	for _, e := range envVars {
		args = append(args, "-e", e)
	}
	args = append(args, "--entrypoint", "sleep", opts.Image, "infinity")

	output, err := p.docker(ctx, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("starting container: %w\noutput: %s", err, string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// Exec runs a command inside the container, collecting stdout and stderr.
// A non-zero exit is reported in the result, not as an error.
func (p *Provider) Exec(ctx context.Context, containerID string, command []string, timeout time.Duration) (*sandbox.ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	args := append([]string{"exec", containerID}, command...)
	return p.run(ctx, nil, args...)
}

func (p *Provider) run(ctx context.Context, stdin []byte, args ...string) (*sandbox.ExecResult, error) {
	cmd := p.docker(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	err := cmd.Run()
	res := &sandbox.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("exec %s: %w", args[len(args)-1], ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("exec failed: %w", err)
	}
	return res, nil
}

// WriteFile streams content into path, creating parent directories.
func (p *Provider) WriteFile(ctx context.Context, containerID, path, content string) error {
	res, err := p.run(ctx, []byte(content),
		"exec", "-i", containerID, "sh", "-c", `mkdir -p "$(dirname "$1")" && cat > "$1"`, "sh", path)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("writing %s: exit %d: %s", path, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// RemoveFile deletes path. Missing files are not an error.
func (p *Provider) RemoveFile(ctx context.Context, containerID, path string) error {
	res, err := p.run(ctx, nil, "exec", containerID, "rm", "-f", path)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("removing %s: exit %d: %s", path, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Destroy kills and removes a sandbox container.
func (p *Provider) Destroy(ctx context.Context, containerID string) error {
	_ = p.docker(ctx, "kill", containerID).Run()
	cmd := p.docker(ctx, "rm", "-f", containerID)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("removing container: %w\noutput: %s", err, string(output))
	}
	return nil
}

// IsRunning checks if a container is still running.
func (p *Provider) IsRunning(ctx context.Context, containerID string) bool {
	if containerID == "" {
		return false
	}
	output, err := p.docker(ctx, "inspect", "-f", "{{.State.Running}}", containerID).CombinedOutput()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(output)) == "true"
}

// EnsureNetwork creates the Docker network if it doesn't exist.
func (p *Provider) EnsureNetwork(ctx context.Context, name string) error {
	if p.docker(ctx, "network", "inspect", name).Run() == nil {
		return nil
	}
	cmd := p.docker(ctx, "network", "create", name)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("creating network %q: %w\noutput: %s", name, err, string(output))
	}
	return nil
}

var (
	_ sandbox.Provider       = (*Provider)(nil)
	_ sandbox.NetworkEnsurer = (*Provider)(nil)
)
