package sandbox_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jxucoder/forgeline/internal/retry"
	"github.com/jxucoder/forgeline/pkg/model"
	"github.com/jxucoder/forgeline/pkg/sandbox"
	"github.com/jxucoder/forgeline/pkg/sandbox/sandboxtest"
	"github.com/jxucoder/forgeline/pkg/store"
	"github.com/jxucoder/forgeline/pkg/store/sqldb"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const viteManifest = `{"dependencies":{"react":"^18.2.0"},"devDependencies":{"vite":"^5.0.0"}}`

type fixture struct {
	db       *sqldb.DB
	provider *sandboxtest.Provider
	clock    *clock
	mgr      *sandbox.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqldb.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		db:       db,
		provider: sandboxtest.New(),
		clock:    &clock{now: time.Unix(1_700_000_000, 0)},
	}
	cfg := sandbox.DefaultConfig()
	cfg.Expiry = time.Minute
	cfg.Provision = retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond}
	f.mgr = sandbox.NewManager(f.provider, db, db, cfg, sandbox.WithClock(f.clock.Now))
	return f
}

func (f *fixture) seedHead(t *testing.T, projectID string, files map[string]string) {
	t.Helper()
	_, err := f.db.CreateVersion(context.Background(), store.NewVersion{
		ProjectID:     projectID,
		Name:          "seed",
		Files:         files,
		OperationKind: model.OpGenerateProject,
	})
	require.NoError(t, err)
}

func TestEnsureActiveProvisionsFromHead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedHead(t, "p1", map[string]string{"package.json": viteManifest, "src/App.jsx": "export default 1"})

	s, err := f.mgr.EnsureActive(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.SandboxActive, s.Status)
	assert.Equal(t, "vite", s.Framework)
	assert.Equal(t, 5173, s.Port)

	c, ok := f.provider.Container(s.Handle)
	require.True(t, ok)
	assert.Equal(t, "export default 1", c.Files["src/App.jsx"])
	assert.Equal(t, 5173, c.Opts.Port)
	assert.Equal(t, 1, f.provider.CountExecs("npm install"))

	again, err := f.mgr.EnsureActive(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, s.SandboxID, again.SandboxID)
	assert.Equal(t, 1, f.provider.Creates())
}

func TestConcurrentEnsureSharesProvisioning(t *testing.T) {
	f := newFixture(t)
	f.provider.CreateDelay = 50 * time.Millisecond

	var wg sync.WaitGroup
	ids := make([]string, 6)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := f.mgr.EnsureActive(context.Background(), "p1")
			if err == nil {
				ids[i] = s.SandboxID
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.provider.Creates())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestProvisionRetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.FailCreate(2)

	s, err := f.mgr.EnsureActive(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, model.SandboxActive, s.Status)
	assert.Equal(t, 3, f.provider.Creates())
}

func TestProvisionGivesUp(t *testing.T) {
	f := newFixture(t)
	f.provider.FailCreate(10)

	var attemptsSeen int
	mgr := sandbox.NewManager(f.provider, f.db, f.db, sandbox.Config{
		Provision: retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}, sandbox.WithProvisionHook(func(_ string, attempts int, _ error) { attemptsSeen = attempts }))

	_, err := mgr.EnsureActive(context.Background(), "p1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sandbox.ErrSandboxUnavailable))

	var ue *sandbox.UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, 3, ue.Attempts)
	assert.Equal(t, 3, attemptsSeen)
	assert.ErrorIs(t, err, sandboxtest.ErrInjected)

	st, err := mgr.Status(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, model.SandboxAbsent, st.Status)
}

func TestStatusAbsent(t *testing.T) {
	f := newFixture(t)
	s, err := f.mgr.Status(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, model.SandboxAbsent, s.Status)
	assert.Equal(t, "nope", s.ProjectID)
}

func TestHeartbeatAndSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Heartbeat(ctx, "sbx-unknown")
	assert.ErrorIs(t, err, sandbox.ErrNotFound)

	s, err := f.mgr.EnsureActive(ctx, "p1")
	require.NoError(t, err)

	f.clock.Advance(40 * time.Second)
	hb, err := f.mgr.Heartbeat(ctx, s.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), hb.LastHeartbeat)

	f.clock.Advance(40 * time.Second)
	assert.Equal(t, 0, f.mgr.Sweep(ctx), "heartbeat extended the lease")

	f.clock.Advance(30 * time.Second)
	assert.Equal(t, 1, f.mgr.Sweep(ctx))
	assert.Equal(t, 0, f.provider.Live())

	_, err = f.mgr.Heartbeat(ctx, s.SandboxID)
	assert.ErrorIs(t, err, sandbox.ErrExpired)

	st, err := f.mgr.Status(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.SandboxExpired, st.Status)
}

func TestRestorePreservesProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedHead(t, "p1", map[string]string{"package.json": viteManifest})

	first, err := f.mgr.EnsureActive(ctx, "p1")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	require.Equal(t, 1, f.mgr.Sweep(ctx))

	restored, err := f.mgr.Restore(ctx, "p1")
	require.NoError(t, err)
	assert.NotEqual(t, first.SandboxID, restored.SandboxID)
	assert.Equal(t, model.SandboxActive, restored.Status)
	assert.Equal(t, first.SandboxProfile, restored.SandboxProfile)

	_, err = f.mgr.Heartbeat(ctx, first.SandboxID)
	assert.ErrorIs(t, err, sandbox.ErrNotFound, "old sandbox IDs are gone after restore")

	again, err := f.mgr.Restore(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, restored.SandboxID, again.SandboxID, "restore of a healthy sandbox is a no-op")
}

func TestRestoreAfterFailedProbe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.mgr.EnsureActive(ctx, "p1")
	require.NoError(t, err)
	f.provider.Kill(s.Handle)

	restored, err := f.mgr.Restore(ctx, "p1")
	require.NoError(t, err)
	assert.NotEqual(t, s.SandboxID, restored.SandboxID)
	assert.Equal(t, 2, f.provider.Creates())
	assert.Equal(t, 1, f.provider.Live())
}

type slowReadKey struct{}

// laggingSessions returns each project session as read, then holds it back
// for a while when the context asks for it.
type laggingSessions struct {
	store.SandboxStore
	lag time.Duration
}

func (l *laggingSessions) GetSandboxByProject(ctx context.Context, projectID string) (*model.SandboxSession, error) {
	s, err := l.SandboxStore.GetSandboxByProject(ctx, projectID)
	if ctx.Value(slowReadKey{}) != nil {
		time.Sleep(l.lag)
	}
	return s, err
}

func TestConcurrentRestoreProvisionsOnce(t *testing.T) {
	f := newFixture(t)
	f.provider.CreateDelay = 50 * time.Millisecond
	cfg := sandbox.DefaultConfig()
	cfg.Expiry = time.Minute
	cfg.Provision = retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond}
	mgr := sandbox.NewManager(f.provider, &laggingSessions{SandboxStore: f.db, lag: 200 * time.Millisecond},
		f.db, cfg, sandbox.WithClock(f.clock.Now))
	ctx := context.Background()

	s, err := mgr.EnsureActive(ctx, "p1")
	require.NoError(t, err)
	f.provider.Kill(s.Handle)

	var wg sync.WaitGroup
	results := make([]*model.SandboxSession, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errs[0] = mgr.Restore(ctx, "p1")
	}()
	time.Sleep(time.Millisecond)
	go func() {
		defer wg.Done()
		results[1], errs[1] = mgr.Restore(context.WithValue(ctx, slowReadKey{}, true), "p1")
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].SandboxID, results[1].SandboxID)
	assert.Equal(t, 2, f.provider.Creates(), "one create for the first sandbox and one for the restore")
	assert.Equal(t, 1, f.provider.Live())

	current, err := mgr.Status(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, results[0].SandboxID, current.SandboxID)
	assert.Equal(t, model.SandboxActive, current.Status)
}

func TestApplyInstallsOnlyWhenManifestChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap := map[string]string{"package.json": viteManifest, "src/App.jsx": "v1"}
	res, err := f.mgr.Apply(ctx, "p1", sandbox.Change{Snapshot: snap, Written: []string{"package.json", "src/App.jsx"}})
	require.NoError(t, err)
	assert.True(t, res.Provisioned)
	assert.False(t, res.Installed, "provisioning already installed")
	assert.Equal(t, "vite", res.Session.Framework)

	snap2 := model.MergeFiles(snap, map[string]string{"src/App.jsx": "v2"}, nil)
	res, err = f.mgr.Apply(ctx, "p1", sandbox.Change{Snapshot: snap2, Written: []string{"src/App.jsx"}})
	require.NoError(t, err)
	assert.False(t, res.Provisioned)
	assert.False(t, res.Installed)
	assert.False(t, res.Started, "dev server is still running")

	snap3 := model.MergeFiles(snap2, map[string]string{
		"package.json": `{"dependencies":{"react":"^18.2.0","zustand":"^4.0.0"},"devDependencies":{"vite":"^5.0.0"}}`,
	}, []string{"src/App.jsx"})
	res, err = f.mgr.Apply(ctx, "p1", sandbox.Change{Snapshot: snap3, Written: []string{"package.json"}, Deleted: []string{"src/App.jsx"}})
	require.NoError(t, err)
	assert.True(t, res.Installed)
	assert.True(t, res.Started)
	assert.Equal(t, 2, f.provider.CountExecs("npm install"))

	c, ok := f.provider.Container(res.Session.Handle)
	require.True(t, ok)
	_, exists := c.Files["src/App.jsx"]
	assert.False(t, exists)
	assert.Contains(t, c.Files["package.json"], "zustand")
}

func TestApplyDetectsProfileForEmptyProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.mgr.EnsureActive(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, s.Known())

	snap := map[string]string{"requirements.txt": "flask==3.0\n", "app.py": "app = None"}
	res, err := f.mgr.Apply(ctx, "p1", sandbox.Change{Snapshot: snap, Written: []string{"requirements.txt", "app.py"}})
	require.NoError(t, err)
	assert.Equal(t, "flask", res.Session.Framework)
	assert.True(t, res.Installed)
	assert.Equal(t, 1, f.provider.CountExecs("pip install -r requirements.txt"))
}

func TestInstallFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.provider.ExecFunc = func(_ string, cmd []string) (*sandbox.ExecResult, error) {
		if strings.HasSuffix(strings.Join(cmd, " "), "npm install") {
			return &sandbox.ExecResult{ExitCode: 1, Stderr: "ERESOLVE"}, nil
		}
		return &sandbox.ExecResult{}, nil
	}
	f.seedHead(t, "p1", map[string]string{"package.json": viteManifest})

	_, err := f.mgr.EnsureActive(context.Background(), "p1")
	require.Error(t, err)
	assert.ErrorIs(t, err, sandbox.ErrSandboxUnavailable)
	assert.Contains(t, err.Error(), "ERESOLVE")
	assert.Equal(t, 0, f.provider.Live(), "failed attempts are cleaned up")
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.mgr.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLifecycleLogsUseIdentifierFields(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	cfg := sandbox.DefaultConfig()
	cfg.Expiry = time.Minute
	mgr := sandbox.NewManager(f.provider, f.db, f.db, cfg,
		sandbox.WithClock(f.clock.Now), sandbox.WithLogger(zerolog.New(&buf)))
	ctx := context.Background()

	s, err := mgr.EnsureActive(ctx, "p1")
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)
	require.Equal(t, 1, mgr.Sweep(ctx))

	logs := buf.String()
	assert.Contains(t, logs, `"project_id":"p1"`)
	assert.Contains(t, logs, `"sandbox_id":"`+s.SandboxID+`"`)
	assert.NotContains(t, logs, `"project":`)
	assert.NotContains(t, logs, `"sandbox":`)
}
