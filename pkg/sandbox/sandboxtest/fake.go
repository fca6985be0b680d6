// Package sandboxtest provides an in-memory sandbox.Provider for tests.
package sandboxtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jxucoder/forgeline/pkg/sandbox"
)

// ErrInjected is returned by failures configured with FailCreate.
var ErrInjected = errors.New("injected failure")

// Container is the observable state of one fake container.
type Container struct {
	Opts    sandbox.CreateOptions
	Files   map[string]string
	Running bool
	Execs   [][]string
}

// Provider is a thread-safe fake. Commands always succeed unless ExecFunc
// says otherwise.
type Provider struct {
	mu         sync.Mutex
	next       int
	containers map[string]*Container
	failCreate int
	creates    int

	// CreateDelay makes Create block, for exercising concurrent callers.
	CreateDelay time.Duration
	// ExecFunc optionally decides the result of each Exec.
	ExecFunc func(handle string, cmd []string) (*sandbox.ExecResult, error)
}

// New returns an empty fake provider.
func New() *Provider {
	return &Provider{containers: make(map[string]*Container)}
}

// FailCreate makes the next n Create calls fail.
func (p *Provider) FailCreate(n int) {
	p.mu.Lock()
	p.failCreate = n
	p.mu.Unlock()
}

// Creates returns how many times Create was called.
func (p *Provider) Creates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creates
}

// Kill marks a container as stopped without removing it.
func (p *Provider) Kill(handle string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.containers[handle]; ok {
		c.Running = false
	}
}

// Container returns a copy of a container's state.
func (p *Provider) Container(handle string) (*Container, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.containers[handle]
	if !ok {
		return nil, false
	}
	cp := &Container{Opts: c.Opts, Running: c.Running, Files: make(map[string]string, len(c.Files))}
	for k, v := range c.Files {
		cp.Files[k] = v
	}
	cp.Execs = append(cp.Execs, c.Execs...)
	return cp, true
}

// Live returns the number of containers that have not been destroyed.
func (p *Provider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.containers)
}

// Create implements sandbox.Provider.
func (p *Provider) Create(ctx context.Context, opts sandbox.CreateOptions) (string, error) {
	if p.CreateDelay > 0 {
		select {
		case <-time.After(p.CreateDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates++
	if p.failCreate > 0 {
		p.failCreate--
		return "", ErrInjected
	}
	p.next++
	handle := fmt.Sprintf("fake-%d", p.next)
	p.containers[handle] = &Container{Opts: opts, Files: make(map[string]string), Running: true}
	return handle, nil
}

// Exec implements sandbox.Provider.
func (p *Provider) Exec(_ context.Context, handle string, cmd []string, _ time.Duration) (*sandbox.ExecResult, error) {
	p.mu.Lock()
	c, ok := p.containers[handle]
	if ok {
		c.Execs = append(c.Execs, cmd)
	}
	fn := p.ExecFunc
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no such container %s", handle)
	}
	if fn != nil {
		return fn(handle, cmd)
	}
	return &sandbox.ExecResult{}, nil
}

// WriteFile implements sandbox.Provider.
func (p *Provider) WriteFile(_ context.Context, handle, path, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.containers[handle]
	if !ok {
		return fmt.Errorf("no such container %s", handle)
	}
	c.Files[strings.TrimPrefix(path, sandbox.Workdir+"/")] = content
	return nil
}

// RemoveFile implements sandbox.Provider.
func (p *Provider) RemoveFile(_ context.Context, handle, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.containers[handle]
	if !ok {
		return fmt.Errorf("no such container %s", handle)
	}
	delete(c.Files, strings.TrimPrefix(path, sandbox.Workdir+"/"))
	return nil
}

// Destroy implements sandbox.Provider.
func (p *Provider) Destroy(_ context.Context, handle string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.containers, handle)
	return nil
}

// IsRunning implements sandbox.Provider.
func (p *Provider) IsRunning(_ context.Context, handle string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.containers[handle]
	return ok && c.Running
}

// CountExecs counts exec'd commands containing substr across live containers.
func (p *Provider) CountExecs(substr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.containers {
		for _, cmd := range c.Execs {
			if strings.Contains(strings.Join(cmd, " "), substr) {
				n++
			}
		}
	}
	return n
}

var _ sandbox.Provider = (*Provider)(nil)
