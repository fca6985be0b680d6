package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jxucoder/forgeline/internal/retry"
	"github.com/jxucoder/forgeline/pkg/classifier"
	"github.com/jxucoder/forgeline/pkg/eventbus"
	"github.com/jxucoder/forgeline/pkg/gitprovider"
	"github.com/jxucoder/forgeline/pkg/model"
	"github.com/jxucoder/forgeline/pkg/pipeline"
	"github.com/jxucoder/forgeline/pkg/sandbox"
	"github.com/jxucoder/forgeline/pkg/sandbox/sandboxtest"
	"github.com/jxucoder/forgeline/pkg/store"
	"github.com/jxucoder/forgeline/pkg/store/sqldb"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- stubs ---

type stubClassifier struct {
	mu   sync.Mutex
	kind model.OperationKind
}

func (s *stubClassifier) setKind(k model.OperationKind) {
	s.mu.Lock()
	s.kind = k
	s.mu.Unlock()
}

func (s *stubClassifier) Decide(_ context.Context, _ string) classifier.Decision {
	s.mu.Lock()
	kind := s.kind
	s.mu.Unlock()
	if kind == "" {
		kind = model.OpModifyFile
	}
	return classifier.Decision{Kind: kind, Source: classifier.SourceRule}
}

// stubGenerator writes one file named after the prompt unless fn is set.
type stubGenerator struct {
	mu    sync.Mutex
	calls int
	seen  []string
	fn    func(ctx context.Context, call int, req pipeline.Request) (*pipeline.Result, error)
}

func (g *stubGenerator) Generate(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.seen = append(g.seen, req.Prompt)
	fn := g.fn
	g.mu.Unlock()
	if fn != nil {
		return fn(ctx, call, req)
	}
	return &pipeline.Result{
		Name:        req.Prompt,
		Description: "did " + req.Prompt,
		Files:       map[string]string{req.Prompt + ".txt": req.Prompt},
	}, nil
}

func (g *stubGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *stubGenerator) Seen() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.seen...)
}

type stubImporter struct {
	mu   sync.Mutex
	repo gitprovider.Repo
}

func (s *stubImporter) Imported() gitprovider.Repo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo
}

func (s *stubImporter) Import(_ context.Context, repo gitprovider.Repo) (*gitprovider.Snapshot, error) {
	s.mu.Lock()
	s.repo = repo
	s.mu.Unlock()
	return &gitprovider.Snapshot{
		Repo:        repo,
		Description: "A demo site",
		Files:       map[string]string{"index.html": "<h1>demo</h1>", "README.md": "# demo"},
	}, nil
}

// conflictingStore writes a competing version right before the engine's
// next CreateVersion call.
type conflictingStore struct {
	store.Store
	armed atomic.Bool
}

func (s *conflictingStore) CreateVersion(ctx context.Context, in store.NewVersion) (*model.Version, error) {
	if s.armed.CompareAndSwap(true, false) {
		head, err := s.Store.GetHead(ctx, in.ProjectID)
		if err != nil {
			return nil, err
		}
		if _, err := s.Store.CreateVersion(ctx, store.NewVersion{
			ProjectID:     in.ProjectID,
			ParentID:      head.ID,
			Name:          "competing",
			Files:         model.MergeFiles(head.Files, map[string]string{"other.txt": "other"}, nil),
			OperationKind: model.OpCreateFile,
		}); err != nil {
			return nil, err
		}
	}
	return s.Store.CreateVersion(ctx, in)
}

// --- helpers ---

type harness struct {
	eng      *Engine
	db       *sqldb.DB
	store    store.Store
	bus      *eventbus.InMemoryBus
	provider *sandboxtest.Provider
	mgr      *sandbox.Manager
	gen      *stubGenerator
	cls      *stubClassifier
	// skew moves the sandbox manager's clock forward.
	skew atomic.Int64
}

type option func(*harness, *Deps)

func withStore(wrap func(store.Store) store.Store) option {
	return func(h *harness, d *Deps) {
		h.store = wrap(h.store)
		d.Store = h.store
	}
}

func testEngine(t *testing.T, opts ...option) *harness {
	t.Helper()
	db, err := sqldb.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		db:       db,
		store:    db,
		bus:      eventbus.NewInMemoryBus(eventbus.WithBuffer(256)),
		provider: sandboxtest.New(),
		gen:      &stubGenerator{},
		cls:      &stubClassifier{},
	}
	cfg := sandbox.DefaultConfig()
	cfg.Provision = retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond}
	mgr := sandbox.NewManager(h.provider, db, db, cfg, sandbox.WithClock(func() time.Time {
		return time.Now().Add(time.Duration(h.skew.Load()))
	}))
	h.mgr = mgr

	deps := Deps{
		Store:      db,
		Bus:        h.bus,
		Sandboxes:  mgr,
		Classifier: h.cls,
		Generator:  h.gen,
	}
	for _, opt := range opts {
		opt(h, &deps)
	}
	h.eng = New(Config{GenerateTimeout: 5 * time.Second, GenerateAttempts: 2, MaxRebase: 2}, deps)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.eng.Start(context.Background()))
	t.Cleanup(h.eng.Stop)
}

func waitStatus(t *testing.T, h *harness, requestID string, want model.RequestStatus) *model.Request {
	t.Helper()
	var req *model.Request
	require.Eventually(t, func() bool {
		r, err := h.store.GetRequest(context.Background(), requestID)
		if err != nil {
			return false
		}
		req = r
		return r.Status == want
	}, 5*time.Second, 5*time.Millisecond, "request %s never reached %s", requestID, want)
	return req
}

// collect reads events until a terminal one arrives.
func collect(t *testing.T, ch chan *model.Event) []*model.Event {
	t.Helper()
	var events []*model.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
			if ev.Type.Terminal() {
				return events
			}
		case <-timeout:
			t.Fatalf("no terminal event after %d events", len(events))
		}
	}
}

// --- tests ---

func TestSubmitRequestCreatesVersion(t *testing.T) {
	h := testEngine(t)
	h.start(t)
	ctx := context.Background()

	req, err := h.eng.SubmitRequest(ctx, "p1", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, model.RequestQueued, req.Status)

	done := waitStatus(t, h, req.ID, model.RequestComplete)
	assert.Equal(t, model.OpModifyFile, done.OperationKind)
	require.NotEmpty(t, done.VersionID)

	head, err := h.eng.GetHead(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, done.VersionID, head.ID)
	assert.Equal(t, 1, head.Number)
	assert.True(t, head.IsRoot())
	assert.Equal(t, map[string]string{"hello.txt": "hello"}, head.Files)
	assert.Equal(t, req.ID, head.Metadata["request_id"])

	msgs, err := h.store.ListMessages(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "did hello", msgs[1].Content)

	assert.Eventually(t, func() bool {
		_, err := h.store.GetCheckpoint(ctx, req.ID)
		return errors.Is(err, store.ErrNotFound)
	}, time.Second, 5*time.Millisecond, "checkpoint should be removed")

	sb, err := h.eng.SandboxStatus(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.SandboxActive, sb.Status)
	c, ok := h.provider.Container(sb.Handle)
	require.True(t, ok)
	assert.Equal(t, "hello", c.Files["hello.txt"])
}

func TestEventsFollowStepOrder(t *testing.T) {
	h := testEngine(t)
	h.start(t)
	ch := h.eng.Subscribe("p1")
	defer h.eng.Unsubscribe("p1", ch)

	req, err := h.eng.SubmitRequest(context.Background(), "p1", "hello")
	require.NoError(t, err)
	events := collect(t, ch)

	var starts []string
	var sawFile, sawVersion bool
	for _, ev := range events {
		assert.Equal(t, req.ID, ev.RequestID)
		switch ev.Type {
		case model.EventStepStart:
			starts = append(starts, ev.Step)
		case model.EventFile:
			sawFile = true
			assert.Equal(t, "hello.txt", ev.Data)
		case model.EventVersion:
			sawVersion = true
		}
	}
	want := make([]string, len(pipeline.Steps))
	for i, s := range pipeline.Steps {
		want[i] = string(s)
	}
	assert.Equal(t, want, starts)
	assert.True(t, sawFile)
	assert.True(t, sawVersion)
	assert.Equal(t, model.EventComplete, events[len(events)-1].Type)
}

func TestSequentialRequestsChainVersions(t *testing.T) {
	h := testEngine(t)
	h.start(t)
	ctx := context.Background()

	first, err := h.eng.SubmitRequest(ctx, "p1", "one")
	require.NoError(t, err)
	second, err := h.eng.SubmitRequest(ctx, "p1", "two")
	require.NoError(t, err)
	waitStatus(t, h, first.ID, model.RequestComplete)
	done := waitStatus(t, h, second.ID, model.RequestComplete)

	lineage, err := h.eng.ListLineage(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, lineage, 2)
	assert.Equal(t, lineage[0].ID, lineage[1].ParentID)
	assert.Equal(t, done.VersionID, lineage[1].ID)
	assert.Equal(t, map[string]string{"one.txt": "one", "two.txt": "two"}, lineage[1].Files)
	assert.Equal(t, []string{"one", "two"}, h.gen.Seen())
}

func TestProjectsRunInParallel(t *testing.T) {
	h := testEngine(t)
	release := make(chan struct{})
	h.gen.fn = func(ctx context.Context, _ int, req pipeline.Request) (*pipeline.Result, error) {
		if req.Prompt == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &pipeline.Result{Name: req.Prompt, Files: map[string]string{"a.txt": req.Prompt}}, nil
	}
	h.start(t)
	ctx := context.Background()

	slow, err := h.eng.SubmitRequest(ctx, "a", "slow")
	require.NoError(t, err)
	fast, err := h.eng.SubmitRequest(ctx, "b", "fast")
	require.NoError(t, err)

	waitStatus(t, h, fast.ID, model.RequestComplete)
	r, err := h.eng.GetRequest(ctx, slow.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestRunning, r.Status)

	close(release)
	waitStatus(t, h, slow.ID, model.RequestComplete)
}

func TestGenerationFailureProducesNoVersion(t *testing.T) {
	h := testEngine(t)
	h.gen.fn = func(context.Context, int, pipeline.Request) (*pipeline.Result, error) {
		return nil, errors.New("model unavailable")
	}
	h.start(t)
	ch := h.eng.Subscribe("p1")
	defer h.eng.Unsubscribe("p1", ch)

	req, err := h.eng.SubmitRequest(context.Background(), "p1", "hello")
	require.NoError(t, err)
	events := collect(t, ch)
	last := events[len(events)-1]
	assert.Equal(t, model.EventError, last.Type)
	assert.Equal(t, string(pipeline.StepGenerate), last.Step)
	assert.Contains(t, last.Data, "model unavailable")

	failed := waitStatus(t, h, req.ID, model.RequestFailed)
	assert.Equal(t, string(pipeline.StepGenerate), failed.FailedStep)
	assert.Empty(t, failed.VersionID)
	assert.Equal(t, 1, h.gen.Calls(), "plain errors are not retried")

	_, err = h.eng.GetHead(context.Background(), "p1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMalformedOutputRetriedOnce(t *testing.T) {
	h := testEngine(t)
	h.gen.fn = func(_ context.Context, call int, _ pipeline.Request) (*pipeline.Result, error) {
		if call == 1 {
			return pipeline.ParseResult("I could not do that")
		}
		return &pipeline.Result{Name: "ok", Files: map[string]string{"a.txt": "a"}}, nil
	}
	h.start(t)

	req, err := h.eng.SubmitRequest(context.Background(), "p1", "hello")
	require.NoError(t, err)
	waitStatus(t, h, req.ID, model.RequestComplete)
	assert.Equal(t, 2, h.gen.Calls())
}

func TestGenerationFailsAfterSecondMalformedOutput(t *testing.T) {
	h := testEngine(t)
	h.gen.fn = func(context.Context, int, pipeline.Request) (*pipeline.Result, error) {
		return pipeline.ParseResult("{}")
	}
	h.start(t)

	req, err := h.eng.SubmitRequest(context.Background(), "p1", "hello")
	require.NoError(t, err)
	failed := waitStatus(t, h, req.ID, model.RequestFailed)
	assert.Contains(t, failed.Error, pipeline.ErrGenerationFailed.Error())
	assert.Equal(t, 2, h.gen.Calls())
}

func TestCancelQueuedRequest(t *testing.T) {
	h := testEngine(t)
	release := make(chan struct{})
	h.gen.fn = func(ctx context.Context, _ int, req pipeline.Request) (*pipeline.Result, error) {
		<-release
		return &pipeline.Result{Name: req.Prompt, Files: map[string]string{req.Prompt: "x"}}, nil
	}
	h.start(t)
	ctx := context.Background()

	first, err := h.eng.SubmitRequest(ctx, "p1", "first")
	require.NoError(t, err)
	waitStatus(t, h, first.ID, model.RequestRunning)
	second, err := h.eng.SubmitRequest(ctx, "p1", "second")
	require.NoError(t, err)

	cancelled, err := h.eng.CancelRequest(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestCancelled, cancelled.Status)

	close(release)
	waitStatus(t, h, first.ID, model.RequestComplete)
	waitStatus(t, h, second.ID, model.RequestCancelled)
	assert.Equal(t, 1, h.gen.Calls())
}

func TestCancelRunningRequest(t *testing.T) {
	h := testEngine(t)
	entered := make(chan struct{})
	h.gen.fn = func(ctx context.Context, _ int, _ pipeline.Request) (*pipeline.Result, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h.start(t)
	ch := h.eng.Subscribe("p1")
	defer h.eng.Unsubscribe("p1", ch)
	ctx := context.Background()

	req, err := h.eng.SubmitRequest(ctx, "p1", "hello")
	require.NoError(t, err)
	<-entered
	_, err = h.eng.CancelRequest(ctx, req.ID)
	require.NoError(t, err)

	events := collect(t, ch)
	last := events[len(events)-1]
	assert.Equal(t, model.EventError, last.Type)
	assert.Equal(t, true, last.Detail["cancelled"])

	done := waitStatus(t, h, req.ID, model.RequestCancelled)
	assert.Equal(t, string(pipeline.StepGenerate), done.FailedStep)
	_, err = h.eng.GetHead(ctx, "p1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelCompletedRequest(t *testing.T) {
	h := testEngine(t)
	h.start(t)
	ctx := context.Background()

	req, err := h.eng.SubmitRequest(ctx, "p1", "hello")
	require.NoError(t, err)
	waitStatus(t, h, req.ID, model.RequestComplete)

	_, err = h.eng.CancelRequest(ctx, req.ID)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	_, err = h.eng.CancelRequest(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmitValidation(t *testing.T) {
	h := testEngine(t)
	ctx := context.Background()

	_, err := h.eng.SubmitRequest(ctx, "p1", "hello")
	assert.ErrorIs(t, err, ErrQueueClosed, "engine not started")

	h.start(t)
	_, err = h.eng.SubmitRequest(ctx, "p1", "   ")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.eng.SubmitRequest(ctx, "", "hello")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRecoverResumesAfterCheckpoint(t *testing.T) {
	h := testEngine(t)
	ctx := context.Background()

	req := &model.Request{ID: "r1", ProjectID: "p1", Prompt: "hello", Status: model.RequestRunning}
	require.NoError(t, h.store.CreateRequest(ctx, req))
	require.NoError(t, h.eng.saveCheckpoint(ctx, pipeline.StepGenerate, &pipeline.State{
		RequestID: "r1",
		ProjectID: "p1",
		Prompt:    "hello",
		Kind:      model.OpCreateFile,
		Generation: &pipeline.Result{
			Name:  "from checkpoint",
			Files: map[string]string{"saved.txt": "saved"},
		},
		Snapshot: map[string]string{"saved.txt": "saved"},
	}))

	h.start(t)
	done := waitStatus(t, h, "r1", model.RequestComplete)
	assert.Equal(t, 0, h.gen.Calls(), "generation must not rerun")

	v, err := h.eng.GetVersion(ctx, done.VersionID)
	require.NoError(t, err)
	assert.Equal(t, "from checkpoint", v.Name)
	assert.Equal(t, model.OpCreateFile, v.OperationKind)
	assert.Equal(t, map[string]string{"saved.txt": "saved"}, v.Files)
}

func TestRecoverRequeuesInCreationOrder(t *testing.T) {
	h := testEngine(t)
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, h.store.CreateRequest(ctx, &model.Request{
			ID: id, ProjectID: "p1", Prompt: id, Status: model.RequestQueued,
		}))
		time.Sleep(2 * time.Millisecond)
	}

	h.start(t)
	waitStatus(t, h, "r3", model.RequestComplete)
	assert.Equal(t, []string{"r1", "r2", "r3"}, h.gen.Seen())

	lineage, err := h.eng.ListLineage(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, lineage, 3)
}

func TestPanicResumesOnceFromCheckpoint(t *testing.T) {
	h := testEngine(t)
	h.gen.fn = func(_ context.Context, call int, _ pipeline.Request) (*pipeline.Result, error) {
		if call == 1 {
			panic("boom")
		}
		return &pipeline.Result{Name: "ok", Files: map[string]string{"a.txt": "a"}}, nil
	}
	h.start(t)

	req, err := h.eng.SubmitRequest(context.Background(), "p1", "hello")
	require.NoError(t, err)
	waitStatus(t, h, req.ID, model.RequestComplete)
	assert.Equal(t, 2, h.gen.Calls())
}

func TestRepeatedPanicFailsRequest(t *testing.T) {
	h := testEngine(t)
	h.gen.fn = func(context.Context, int, pipeline.Request) (*pipeline.Result, error) {
		panic("boom")
	}
	h.start(t)

	req, err := h.eng.SubmitRequest(context.Background(), "p1", "hello")
	require.NoError(t, err)
	failed := waitStatus(t, h, req.ID, model.RequestFailed)
	assert.Equal(t, string(pipeline.StepGenerate), failed.FailedStep)
	assert.Contains(t, failed.Error, pipeline.ErrPipelineCrash.Error())
	assert.Equal(t, 2, h.gen.Calls())
}

func TestPersistRebasesOnConflict(t *testing.T) {
	var cs *conflictingStore
	h := testEngine(t, withStore(func(s store.Store) store.Store {
		cs = &conflictingStore{Store: s}
		return cs
	}))
	h.start(t)
	ctx := context.Background()

	first, err := h.eng.SubmitRequest(ctx, "p1", "one")
	require.NoError(t, err)
	waitStatus(t, h, first.ID, model.RequestComplete)

	cs.armed.Store(true)
	second, err := h.eng.SubmitRequest(ctx, "p1", "two")
	require.NoError(t, err)
	done := waitStatus(t, h, second.ID, model.RequestComplete)

	v, err := h.eng.GetVersion(ctx, done.VersionID)
	require.NoError(t, err)
	assert.Equal(t, 3, v.Number)
	assert.Equal(t, map[string]string{"one.txt": "one", "other.txt": "other", "two.txt": "two"}, v.Files)
	assert.EqualValues(t, 1, v.Metadata["rebases"])

	lineage, err := h.eng.ListLineage(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, lineage, 3)
	assert.Equal(t, "competing", lineage[1].Name)
	assert.Equal(t, lineage[1].ID, v.ParentID)
}

func TestValidationFixesAndRecordsIssues(t *testing.T) {
	h := testEngine(t)
	h.gen.fn = func(context.Context, int, pipeline.Request) (*pipeline.Result, error) {
		return &pipeline.Result{Name: "app", Files: map[string]string{
			"package.json": `{"name":"app","dependencies":{"react":"^18.2.0"}}`,
			"src/App.jsx":  "import Missing from './Missing';\nexport default function App() { const [n] = useState(0); return <Missing n={n} /> }\n",
		}}, nil
	}
	h.start(t)
	ctx := context.Background()

	req, err := h.eng.SubmitRequest(ctx, "p1", "build an app")
	require.NoError(t, err)
	done := waitStatus(t, h, req.ID, model.RequestComplete)

	v, err := h.eng.GetVersion(ctx, done.VersionID)
	require.NoError(t, err)
	assert.Contains(t, v.Files["src/App.jsx"], "import { useState } from 'react';")
	require.Contains(t, v.Metadata, "validation_issues")
	issues, ok := v.Metadata["validation_issues"].([]any)
	require.True(t, ok, "%T", v.Metadata["validation_issues"])
	require.Len(t, issues, 1)
	assert.Equal(t, "unresolved_import", issues[0].(map[string]any)["kind"])

	sb, err := h.eng.SandboxStatus(ctx, "p1")
	require.NoError(t, err)
	c, ok := h.provider.Container(sb.Handle)
	require.True(t, ok)
	assert.Equal(t, v.Files["src/App.jsx"], c.Files["src/App.jsx"], "fixed file re-applied")
}

func TestImportRepositoryRerootsLineage(t *testing.T) {
	imp := &stubImporter{}
	h := testEngine(t, func(_ *harness, d *Deps) { d.Importer = imp })
	h.start(t)
	ctx := context.Background()

	first, err := h.eng.SubmitRequest(ctx, "p1", "one")
	require.NoError(t, err)
	waitStatus(t, h, first.ID, model.RequestComplete)

	h.cls.setKind(model.OpImportRepository)
	req, err := h.eng.SubmitRequest(ctx, "p1", "import https://github.com/acme/site please")
	require.NoError(t, err)
	done := waitStatus(t, h, req.ID, model.RequestComplete)

	assert.Equal(t, "acme/site", imp.Imported().FullName())
	v, err := h.eng.GetVersion(ctx, done.VersionID)
	require.NoError(t, err)
	assert.True(t, v.IsRoot())
	assert.Equal(t, 2, v.Number)
	assert.Equal(t, model.OpImportRepository, v.OperationKind)
	assert.NotContains(t, v.Files, "one.txt")
	assert.Equal(t, "<h1>demo</h1>", v.Files["index.html"])
	assert.Equal(t, 1, h.gen.Calls(), "import does not call the generator")
}

func TestImportWithoutRepositoryFallsBackToGeneration(t *testing.T) {
	h := testEngine(t, func(_ *harness, d *Deps) { d.Importer = &stubImporter{} })
	h.cls.setKind(model.OpImportRepository)
	h.start(t)

	req, err := h.eng.SubmitRequest(context.Background(), "p1", "import the logo")
	require.NoError(t, err)
	done := waitStatus(t, h, req.ID, model.RequestComplete)
	assert.Equal(t, 1, h.gen.Calls())

	v, err := h.eng.GetVersion(context.Background(), done.VersionID)
	require.NoError(t, err)
	assert.Equal(t, model.OpGenerateProject, v.OperationKind)
}

func TestSandboxFailureFailsApplyStep(t *testing.T) {
	h := testEngine(t)
	h.provider.FailCreate(10)
	h.start(t)

	req, err := h.eng.SubmitRequest(context.Background(), "p1", "hello")
	require.NoError(t, err)
	failed := waitStatus(t, h, req.ID, model.RequestFailed)
	assert.Equal(t, string(pipeline.StepApplyToSandbox), failed.FailedStep)

	_, err = h.eng.GetHead(context.Background(), "p1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStopLeavesRunningRequestResumable(t *testing.T) {
	h := testEngine(t)
	entered := make(chan struct{})
	h.gen.fn = func(ctx context.Context, _ int, _ pipeline.Request) (*pipeline.Result, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	require.NoError(t, h.eng.Start(context.Background()))
	ctx := context.Background()

	req, err := h.eng.SubmitRequest(ctx, "p1", "hello")
	require.NoError(t, err)
	<-entered
	h.eng.Stop()

	r, err := h.eng.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestRunning, r.Status)
	cp, err := h.store.GetCheckpoint(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, string(pipeline.StepBuildContext), cp.Step)

	_, err = h.eng.SubmitRequest(ctx, "p1", "later")
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestReconcile(t *testing.T) {
	h := testEngine(t)
	h.start(t)
	ctx := context.Background()

	rec, err := h.eng.Reconcile(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, rec.Head)
	assert.Equal(t, model.SandboxAbsent, rec.Sandbox.Status)

	req, err := h.eng.SubmitRequest(ctx, "p1", "hello")
	require.NoError(t, err)
	done := waitStatus(t, h, req.ID, model.RequestComplete)

	rec, err = h.eng.Reconcile(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, rec.Head)
	assert.Equal(t, done.VersionID, rec.Head.ID)
	assert.Equal(t, model.SandboxActive, rec.Sandbox.Status)
}

func TestResumeAdoptsVersionCommittedBeforeCrash(t *testing.T) {
	h := testEngine(t)
	ctx := context.Background()

	req := &model.Request{ID: "r1", ProjectID: "p1", Prompt: "hello", Status: model.RequestRunning}
	require.NoError(t, h.store.CreateRequest(ctx, req))
	files := map[string]string{"saved.txt": "saved"}
	committed, err := h.store.CreateVersion(ctx, store.NewVersion{
		ProjectID:     "p1",
		Name:          "committed",
		Files:         files,
		OperationKind: model.OpCreateFile,
		RequestID:     "r1",
	})
	require.NoError(t, err)
	require.NoError(t, h.eng.saveCheckpoint(ctx, pipeline.StepValidateAndAutofix, &pipeline.State{
		RequestID:  "r1",
		ProjectID:  "p1",
		Prompt:     "hello",
		Kind:       model.OpCreateFile,
		Generation: &pipeline.Result{Name: "committed", Files: files},
		Snapshot:   files,
	}))

	h.start(t)
	done := waitStatus(t, h, "r1", model.RequestComplete)
	assert.Equal(t, committed.ID, done.VersionID)
	assert.Equal(t, 0, h.gen.Calls())

	lineage, err := h.eng.ListLineage(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, lineage, 1)
	assert.Equal(t, "r1", lineage[0].RequestID)
}

func TestConcurrentSubmitsRunOneAtATime(t *testing.T) {
	h := testEngine(t)
	var inflight, peak atomic.Int32
	h.gen.fn = func(ctx context.Context, _ int, req pipeline.Request) (*pipeline.Result, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return &pipeline.Result{Name: req.Prompt, Files: map[string]string{req.Prompt + ".txt": req.Prompt}}, nil
	}
	h.start(t)
	ctx := context.Background()

	const n = 6
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := h.eng.SubmitRequest(ctx, "p1", string(rune('a'+i)))
			if assert.NoError(t, err) {
				ids[i] = req.ID
			}
		}()
	}
	wg.Wait()
	for _, id := range ids {
		require.NotEmpty(t, id)
		waitStatus(t, h, id, model.RequestComplete)
	}

	assert.EqualValues(t, 1, peak.Load(), "at most one generation in flight per project")
	lineage, err := h.eng.ListLineage(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, lineage, n)
	for i, v := range lineage {
		assert.Equal(t, i+1, v.Number)
		if i == 0 {
			assert.Empty(t, v.ParentID)
			continue
		}
		assert.Equal(t, lineage[i-1].ID, v.ParentID)
	}
	assert.Len(t, lineage[n-1].Files, n)
}

const viteManifest = `{"dependencies":{"react":"^18.2.0"},"devDependencies":{"vite":"^5.0.0"}}`

func TestExpiredSandboxReprovisionedWithProfile(t *testing.T) {
	h := testEngine(t)
	h.gen.fn = func(_ context.Context, _ int, req pipeline.Request) (*pipeline.Result, error) {
		files := map[string]string{"src/" + req.Prompt + ".jsx": "export default 1"}
		if req.Prompt == "one" {
			files["package.json"] = viteManifest
		}
		return &pipeline.Result{Name: req.Prompt, Files: files}, nil
	}
	h.start(t)
	ctx := context.Background()

	first, err := h.eng.SubmitRequest(ctx, "p1", "one")
	require.NoError(t, err)
	waitStatus(t, h, first.ID, model.RequestComplete)
	before, err := h.eng.SandboxStatus(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "vite", before.Framework)

	h.skew.Store(int64(time.Hour))
	require.Equal(t, 1, h.mgr.Sweep(ctx))
	expired, err := h.eng.SandboxStatus(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, model.SandboxExpired, expired.Status)

	second, err := h.eng.SubmitRequest(ctx, "p1", "two")
	require.NoError(t, err)
	waitStatus(t, h, second.ID, model.RequestComplete)

	after, err := h.eng.SandboxStatus(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.SandboxActive, after.Status)
	assert.NotEqual(t, before.SandboxID, after.SandboxID)
	assert.Equal(t, before.SandboxProfile, after.SandboxProfile)
	c, ok := h.provider.Container(after.Handle)
	require.True(t, ok)
	assert.Equal(t, "export default 1", c.Files["src/two.jsx"])
	assert.Equal(t, viteManifest, c.Files["package.json"])
}

// gatedStore holds ListRequestsByStatus until released.
type gatedStore struct {
	store.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) ListRequestsByStatus(ctx context.Context, statuses ...model.RequestStatus) ([]*model.Request, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Store.ListRequestsByStatus(ctx, statuses...)
}

func TestStartQueuesRecoveredRequestsBeforeSubmissions(t *testing.T) {
	gs := &gatedStore{entered: make(chan struct{}), release: make(chan struct{})}
	h := testEngine(t, withStore(func(s store.Store) store.Store {
		gs.Store = s
		return gs
	}))
	ctx := context.Background()
	require.NoError(t, h.store.CreateRequest(ctx, &model.Request{
		ID: "r-old", ProjectID: "p1", Prompt: "old", Status: model.RequestQueued,
	}))

	started := make(chan error, 1)
	go func() { started <- h.eng.Start(ctx) }()
	<-gs.entered
	_, err := h.eng.SubmitRequest(ctx, "p1", "new")
	require.ErrorIs(t, err, ErrQueueClosed)

	close(gs.release)
	require.NoError(t, <-started)
	t.Cleanup(h.eng.Stop)

	fresh, err := h.eng.SubmitRequest(ctx, "p1", "new")
	require.NoError(t, err)
	waitStatus(t, h, "r-old", model.RequestComplete)
	waitStatus(t, h, fresh.ID, model.RequestComplete)
	assert.Equal(t, []string{"old", "new"}, h.gen.Seen())
}
