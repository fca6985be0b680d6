package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jxucoder/forgeline/internal/retry"
	"github.com/jxucoder/forgeline/pkg/model"
	"github.com/jxucoder/forgeline/pkg/store"
)

// Config controls sandbox lifecycle.
type Config struct {
	Image   string
	Network string
	Env     []string

	// Expiry is how long a sandbox lives without a heartbeat.
	Expiry        time.Duration
	SweepInterval time.Duration

	ProvisionTimeout time.Duration
	InstallTimeout   time.Duration
	StartTimeout     time.Duration
	ExecTimeout      time.Duration

	// Provision governs attempts of the whole create/write/install/start sequence.
	Provision retry.Config

	// WriteConcurrency bounds parallel file writes into one sandbox.
	WriteConcurrency int

	MemoryMB  int
	CPUs      int
	PidsLimit int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Image:            "forgeline-sandbox",
		Network:          "forgeline-net",
		Expiry:           15 * time.Minute,
		SweepInterval:    30 * time.Second,
		ProvisionTimeout: 10 * time.Minute,
		InstallTimeout:   5 * time.Minute,
		StartTimeout:     30 * time.Second,
		ExecTimeout:      30 * time.Second,
		Provision:        retry.DefaultConfig(),
		WriteConcurrency: 8,
		MemoryMB:         DefaultMemoryMB,
		CPUs:             DefaultCPUs,
		PidsLimit:        DefaultPidsLimit,
	}
}

// Change is a set of file mutations to push into a project's sandbox.
type Change struct {
	// Snapshot is the full file set after the change.
	Snapshot map[string]string
	Written  []string
	Deleted  []string
}

// ApplyResult reports what Apply did.
type ApplyResult struct {
	Session     *model.SandboxSession
	Provisioned bool
	Installed   bool
	Started     bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithOnChange registers a callback for every persisted session transition.
func WithOnChange(fn func(*model.SandboxSession)) Option { return func(m *Manager) { m.onChange = fn } }

// WithProvisionHook registers a callback run after each provisioning sequence.
func WithProvisionHook(fn func(projectID string, attempts int, err error)) Option {
	return func(m *Manager) { m.onProvision = fn }
}

// Manager owns the lifecycle of every project's sandbox. A project has at
// most one active sandbox and all writes into it are serialized.
type Manager struct {
	provider Provider
	sessions store.SandboxStore
	versions store.VersionStore
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	onChange    func(*model.SandboxSession)
	onProvision func(projectID string, attempts int, err error)

	group singleflight.Group

	mu        sync.Mutex
	locks     map[string]chan struct{}
	installed map[string]string // project -> sandboxID:manifest digest
}

// NewManager creates a Manager. versions is used to seed new sandboxes with
// the head snapshot.
func NewManager(p Provider, sessions store.SandboxStore, versions store.VersionStore, cfg Config, opts ...Option) *Manager {
	d := DefaultConfig()
	if cfg.Expiry <= 0 {
		cfg.Expiry = d.Expiry
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = d.ProvisionTimeout
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = d.InstallTimeout
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = d.StartTimeout
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = d.ExecTimeout
	}
	if cfg.Provision.MaxAttempts <= 0 {
		cfg.Provision = d.Provision
	}
	if cfg.WriteConcurrency <= 0 {
		cfg.WriteConcurrency = d.WriteConcurrency
	}
	m := &Manager{
		provider:  p,
		sessions:  sessions,
		versions:  versions,
		cfg:       cfg,
		logger:    zerolog.Nop(),
		now:       time.Now,
		locks:     make(map[string]chan struct{}),
		installed: make(map[string]string),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Status returns the project's session, or an absent placeholder.
func (m *Manager) Status(ctx context.Context, projectID string) (*model.SandboxSession, error) {
	s, err := m.sessions.GetSandboxByProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return &model.SandboxSession{ProjectID: projectID, Status: model.SandboxAbsent}, nil
	}
	return s, err
}

// Heartbeat records liveness for an active sandbox.
func (m *Manager) Heartbeat(ctx context.Context, sandboxID string) (*model.SandboxSession, error) {
	s, err := m.sessions.GetSandbox(ctx, sandboxID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.Status != model.SandboxActive {
		return s, ErrExpired
	}
	if m.now().Sub(s.LastHeartbeat) > m.cfg.Expiry {
		m.expire(ctx, s, "heartbeat after expiry")
		return s, ErrExpired
	}
	s.LastHeartbeat = m.now()
	if err := m.sessions.SaveSandbox(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureActive returns the project's active sandbox, provisioning one from
// the head snapshot if needed.
func (m *Manager) EnsureActive(ctx context.Context, projectID string) (*model.SandboxSession, error) {
	s, _, err := m.ensure(ctx, projectID, nil)
	return s, err
}

// Restore brings a project's sandbox back after expiry. It is a no-op for
// a healthy active sandbox.
func (m *Manager) Restore(ctx context.Context, projectID string) (*model.SandboxSession, error) {
	s, _, err := m.ensure(ctx, projectID, nil)
	return s, err
}

// ensured is the outcome of one shared ensure run.
type ensured struct {
	session     *model.SandboxSession
	provisioned bool
}

// ensure returns an active session. seed, when non-nil, is written into a
// newly provisioned sandbox instead of the head snapshot.
func (m *Manager) ensure(ctx context.Context, projectID string, seed map[string]string) (*model.SandboxSession, bool, error) {
	s, err := m.sessions.GetSandboxByProject(ctx, projectID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}
	if s != nil && m.healthy(ctx, s) {
		if err := m.touch(ctx, s); err != nil {
			return nil, false, err
		}
		return s, false, nil
	}

	// Concurrent callers share one run, detached from the first caller so
	// that caller's cancellation does not fail the others. The decision to
	// provision is only made inside the run.
	ch := m.group.DoChan(projectID, func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ProvisionTimeout)
		defer cancel()
		return m.settle(pctx, projectID, seed)
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		out := res.Val.(ensured)
		return out.session, out.provisioned, nil
	}
}

// settle re-reads the session and provisions a sandbox unless a healthy
// one is already active. An earlier run may have finished since the
// caller's read.
func (m *Manager) settle(ctx context.Context, projectID string, seed map[string]string) (ensured, error) {
	s, err := m.sessions.GetSandboxByProject(ctx, projectID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return ensured{}, err
	}
	if s != nil && s.Status == model.SandboxActive {
		if m.healthy(ctx, s) {
			return ensured{session: s}, m.touch(ctx, s)
		}
		m.expire(ctx, s, "inactive sandbox found")
	}
	ns, err := m.provision(ctx, projectID, s, seed)
	if err != nil {
		return ensured{}, err
	}
	return ensured{session: ns, provisioned: true}, nil
}

// healthy reports whether s is active, within its expiry and running.
func (m *Manager) healthy(ctx context.Context, s *model.SandboxSession) bool {
	return s.Status == model.SandboxActive &&
		m.now().Sub(s.LastHeartbeat) <= m.cfg.Expiry &&
		m.provider.IsRunning(ctx, s.Handle)
}

func (m *Manager) touch(ctx context.Context, s *model.SandboxSession) error {
	s.LastHeartbeat = m.now()
	return m.sessions.SaveSandbox(ctx, s)
}

func (m *Manager) provision(ctx context.Context, projectID string, prev *model.SandboxSession, seed map[string]string) (*model.SandboxSession, error) {
	log := m.logger.With().Str("project_id", projectID).Logger()

	files := seed
	if files == nil {
		head, err := m.versions.GetHead(ctx, projectID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			files = map[string]string{}
		case err != nil:
			return nil, fmt.Errorf("loading head snapshot: %w", err)
		default:
			files = head.Files
		}
	}

	s := &model.SandboxSession{
		SandboxID: "sbx-" + uuid.NewString()[:12],
		ProjectID: projectID,
		Status:    model.SandboxProvisioning,
		CreatedAt: m.now(),
	}
	if prev != nil {
		s.Status = model.SandboxRestoring
		s.SandboxProfile = prev.SandboxProfile
	}
	if !s.Known() {
		s.SandboxProfile = DetectProfile(files)
	}
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}

	if ne, ok := m.provider.(NetworkEnsurer); ok && m.cfg.Network != "" {
		if err := ne.EnsureNetwork(ctx, m.cfg.Network); err != nil {
			log.Warn().Err(err).Msg("ensuring network")
		}
	}

	attempts := 0
	err := retry.Do(ctx, m.cfg.Provision, func(ctx context.Context) error {
		attempts++
		handle, err := m.provider.Create(ctx, CreateOptions{
			ProjectID: projectID,
			SandboxID: s.SandboxID,
			Image:     m.cfg.Image,
			Env:       m.cfg.Env,
			Network:   m.cfg.Network,
			Port:      s.Port,
			MemoryMB:  m.cfg.MemoryMB,
			CPUs:      m.cfg.CPUs,
			PidsLimit: m.cfg.PidsLimit,
		})
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempts).Msg("creating sandbox")
			return err
		}
		if err := m.setup(ctx, handle, s.SandboxProfile, files); err != nil {
			log.Warn().Err(err).Int("attempt", attempts).Msg("preparing sandbox")
			if derr := m.provider.Destroy(context.WithoutCancel(ctx), handle); derr != nil {
				log.Warn().Err(derr).Msg("destroying failed sandbox")
			}
			return err
		}
		s.Handle = handle
		return nil
	})
	if m.onProvision != nil {
		m.onProvision(projectID, attempts, err)
	}
	if err != nil {
		s.Status = model.SandboxAbsent
		if prev != nil {
			s.Status = model.SandboxExpired
		}
		if serr := m.save(context.WithoutCancel(ctx), s); serr != nil {
			log.Error().Err(serr).Msg("saving failed sandbox")
		}
		return nil, &UnavailableError{ProjectID: projectID, Attempts: attempts, Err: err}
	}

	s.Status = model.SandboxActive
	s.LastHeartbeat = m.now()
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}
	m.markInstalled(projectID, s.SandboxID, files)
	log.Info().Str("sandbox_id", s.SandboxID).Str("framework", s.Framework).Int("attempts", attempts).Msg("sandbox active")
	return s, nil
}

// setup writes files, installs dependencies and starts the app in a new container.
func (m *Manager) setup(ctx context.Context, handle string, p model.SandboxProfile, files map[string]string) error {
	if err := m.writeFiles(ctx, handle, files, model.SortedPaths(files)); err != nil {
		return err
	}
	if err := m.runInstall(ctx, handle, p); err != nil {
		return err
	}
	return m.runStart(ctx, handle, p)
}

// Apply pushes a change into the project's sandbox, provisioning it with
// the change's snapshot if none is active. Dependencies are reinstalled
// only for a fresh sandbox or a changed manifest.
func (m *Manager) Apply(ctx context.Context, projectID string, c Change) (*ApplyResult, error) {
	s, provisioned, err := m.ensure(ctx, projectID, c.Snapshot)
	if err != nil {
		return nil, err
	}
	unlock, err := m.lock(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res := &ApplyResult{Session: s, Provisioned: provisioned}

	if len(c.Written) > 0 || len(c.Deleted) > 0 {
		if err := m.writeFiles(ctx, s.Handle, c.Snapshot, c.Written); err != nil {
			return nil, err
		}
		for _, p := range c.Deleted {
			if err := m.provider.RemoveFile(ctx, s.Handle, path.Join(Workdir, p)); err != nil {
				return nil, fmt.Errorf("removing %s: %w", p, err)
			}
		}
	}

	if !s.Known() || s.Framework == "static" {
		if p := DetectProfile(c.Snapshot); p.Known() && p != s.SandboxProfile {
			s.SandboxProfile = p
			if err := m.save(ctx, s); err != nil {
				return nil, err
			}
		}
	}

	if m.needsInstall(projectID, s.SandboxID, c.Snapshot) {
		if err := m.runInstall(ctx, s.Handle, s.SandboxProfile); err != nil {
			return nil, err
		}
		m.markInstalled(projectID, s.SandboxID, c.Snapshot)
		res.Installed = true
	}

	if res.Installed || !m.appRunning(ctx, s.Handle) {
		if err := m.runStart(ctx, s.Handle, s.SandboxProfile); err != nil {
			return nil, err
		}
		res.Started = true
	}
	return res, nil
}

// Install reruns the dependency install in the active sandbox.
func (m *Manager) Install(ctx context.Context, projectID string) error {
	s, err := m.EnsureActive(ctx, projectID)
	if err != nil {
		return err
	}
	unlock, err := m.lock(ctx, projectID)
	if err != nil {
		return err
	}
	defer unlock()
	return m.runInstall(ctx, s.Handle, s.SandboxProfile)
}

// Start (re)starts the app in the active sandbox.
func (m *Manager) Start(ctx context.Context, projectID string) error {
	s, err := m.EnsureActive(ctx, projectID)
	if err != nil {
		return err
	}
	unlock, err := m.lock(ctx, projectID)
	if err != nil {
		return err
	}
	defer unlock()
	return m.runStart(ctx, s.Handle, s.SandboxProfile)
}

// Exec runs a command in the project's active sandbox.
func (m *Manager) Exec(ctx context.Context, projectID string, cmd []string) (*ExecResult, error) {
	s, err := m.EnsureActive(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return m.provider.Exec(ctx, s.Handle, cmd, m.cfg.ExecTimeout)
}

// Run expires idle sandboxes until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep expires active sandboxes whose last heartbeat is older than Expiry
// and returns how many were expired.
func (m *Manager) Sweep(ctx context.Context) int {
	active, err := m.sessions.ListSandboxes(ctx, model.SandboxActive)
	if err != nil {
		m.logger.Error().Err(err).Msg("listing sandboxes")
		return 0
	}
	n := 0
	for _, s := range active {
		if m.now().Sub(s.LastHeartbeat) > m.cfg.Expiry {
			m.expire(ctx, s, "idle")
			n++
		}
	}
	return n
}

// Shutdown destroys every active sandbox.
func (m *Manager) Shutdown(ctx context.Context) {
	active, err := m.sessions.ListSandboxes(ctx, model.SandboxActive)
	if err != nil {
		m.logger.Error().Err(err).Msg("listing sandboxes")
		return
	}
	for _, s := range active {
		m.expire(ctx, s, "shutdown")
	}
}

func (m *Manager) expire(ctx context.Context, s *model.SandboxSession, reason string) {
	m.logger.Info().Str("project_id", s.ProjectID).Str("sandbox_id", s.SandboxID).Str("reason", reason).Msg("expiring sandbox")
	if s.Handle != "" {
		if err := m.provider.Destroy(ctx, s.Handle); err != nil {
			m.logger.Warn().Err(err).Str("sandbox_id", s.SandboxID).Msg("destroying sandbox")
		}
	}
	s.Status = model.SandboxExpired
	s.Handle = ""
	if err := m.save(ctx, s); err != nil {
		m.logger.Error().Err(err).Str("sandbox_id", s.SandboxID).Msg("saving expired sandbox")
	}
	m.mu.Lock()
	delete(m.installed, s.ProjectID)
	m.mu.Unlock()
}

func (m *Manager) save(ctx context.Context, s *model.SandboxSession) error {
	if err := m.sessions.SaveSandbox(ctx, s); err != nil {
		return fmt.Errorf("saving sandbox %s: %w", s.SandboxID, err)
	}
	if m.onChange != nil {
		cp := *s
		m.onChange(&cp)
	}
	return nil
}

func (m *Manager) lock(ctx context.Context, projectID string) (func(), error) {
	m.mu.Lock()
	ch, ok := m.locks[projectID]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[projectID] = ch
	}
	m.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) writeFiles(ctx context.Context, handle string, files map[string]string, paths []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.WriteConcurrency)
	for _, p := range paths {
		content, ok := files[p]
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := m.provider.WriteFile(gctx, handle, path.Join(Workdir, p), content); err != nil {
				return fmt.Errorf("writing %s: %w", p, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) runInstall(ctx context.Context, handle string, p model.SandboxProfile) error {
	if p.InstallCommand == "" {
		return nil
	}
	res, err := m.provider.Exec(ctx, handle, shell(p.InstallCommand), m.cfg.InstallTimeout)
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("install %q exited %d: %s", p.InstallCommand, res.ExitCode, model.Truncate(strings.TrimSpace(res.Stderr), 500))
	}
	return nil
}

const (
	pidFile = "/tmp/forgeline-app.pid"
	logFile = "/tmp/forgeline-app.log"
)

func (m *Manager) runStart(ctx context.Context, handle string, p model.SandboxProfile) error {
	if p.StartCommand == "" {
		return nil
	}
	script := fmt.Sprintf(
		`if [ -f %[1]s ]; then kill "$(cat %[1]s)" 2>/dev/null; fi; cd %[3]s && (nohup sh -c "$1" > %[2]s 2>&1 & echo $! > %[1]s)`,
		pidFile, logFile, Workdir)
	res, err := m.provider.Exec(ctx, handle, []string{"sh", "-c", script, "sh", p.StartCommand}, m.cfg.StartTimeout)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("start %q exited %d: %s", p.StartCommand, res.ExitCode, model.Truncate(strings.TrimSpace(res.Stderr), 500))
	}
	return nil
}

func (m *Manager) appRunning(ctx context.Context, handle string) bool {
	res, err := m.provider.Exec(ctx, handle,
		[]string{"sh", "-c", fmt.Sprintf(`kill -0 "$(cat %s 2>/dev/null)" 2>/dev/null`, pidFile)}, m.cfg.ExecTimeout)
	return err == nil && res.ExitCode == 0
}

func (m *Manager) needsInstall(projectID, sandboxID string, files map[string]string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installed[projectID] != sandboxID+":"+manifestDigest(files)
}

func (m *Manager) markInstalled(projectID, sandboxID string, files map[string]string) {
	m.mu.Lock()
	m.installed[projectID] = sandboxID + ":" + manifestDigest(files)
	m.mu.Unlock()
}

func manifestDigest(files map[string]string) string {
	h := sha256.New()
	for _, m := range manifestFiles {
		if c, ok := files[m]; ok {
			h.Write([]byte(m))
			h.Write([]byte{0})
			h.Write([]byte(c))
			h.Write([]byte{0})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func shell(cmd string) []string {
	return []string{"sh", "-c", "cd " + Workdir + " && " + cmd}
}
