// Package sandbox manages the ephemeral preview environment of each project:
// provisioning, heartbeats, expiry, restoration and serialized file
// application on top of a pluggable container Provider.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Workdir is where project files live inside a sandbox.
const Workdir = "/workspace/app"

var (
	// ErrSandboxUnavailable is matched by every *UnavailableError.
	ErrSandboxUnavailable = errors.New("sandbox unavailable")
	// ErrNotFound is returned for unknown sandbox IDs.
	ErrNotFound = errors.New("sandbox not found")
	// ErrExpired is returned for sandboxes that are no longer active.
	ErrExpired = errors.New("sandbox expired")
)

// UnavailableError reports that provisioning gave up.
type UnavailableError struct {
	ProjectID string
	Attempts  int
	Err       error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("sandbox for project %s unavailable after %d attempts: %v", e.ProjectID, e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrSandboxUnavailable) match.
func (e *UnavailableError) Is(target error) bool { return target == ErrSandboxUnavailable }

// CreateOptions configures a new sandbox container.
type CreateOptions struct {
	ProjectID string
	SandboxID string
	Image     string   // container image name
	Env       []string // additional environment variables
	Network   string   // container network name
	Port      int      // application port to publish, 0 for none

	// Resource limits (optional, zero means provider default).
	MemoryMB  int
	CPUs      int
	PidsLimit int
}

// ExecResult is the outcome of a command run inside a sandbox.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Provider is the compute backend that runs sandboxes.
type Provider interface {
	// Create starts a long-lived container and returns its handle.
	Create(ctx context.Context, opts CreateOptions) (handle string, err error)
	// Exec runs cmd and waits at most timeout for it to finish.
	Exec(ctx context.Context, handle string, cmd []string, timeout time.Duration) (*ExecResult, error)
	// WriteFile creates or replaces an absolute path, creating parent directories.
	WriteFile(ctx context.Context, handle, path, content string) error
	RemoveFile(ctx context.Context, handle, path string) error
	Destroy(ctx context.Context, handle string) error
	IsRunning(ctx context.Context, handle string) bool
}

// NetworkEnsurer is implemented by providers that need a network created
// before containers can join it.
type NetworkEnsurer interface {
	EnsureNetwork(ctx context.Context, name string) error
}

// Defaults for container resource limits.
const (
	DefaultMemoryMB  = 2048
	DefaultCPUs      = 2
	DefaultPidsLimit = 512
)
