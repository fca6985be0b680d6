// Package engine runs user requests through the generation pipeline.
// It depends only on interfaces (store, sandbox, eventbus, pipeline) and
// serializes work per project while running projects in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jxucoder/forgeline/internal/metrics"
	"github.com/jxucoder/forgeline/pkg/archive"
	"github.com/jxucoder/forgeline/pkg/classifier"
	"github.com/jxucoder/forgeline/pkg/contextbuilder"
	"github.com/jxucoder/forgeline/pkg/eventbus"
	"github.com/jxucoder/forgeline/pkg/gitprovider"
	"github.com/jxucoder/forgeline/pkg/model"
	"github.com/jxucoder/forgeline/pkg/pipeline"
	"github.com/jxucoder/forgeline/pkg/sandbox"
	"github.com/jxucoder/forgeline/pkg/store"
	"github.com/jxucoder/forgeline/pkg/validate"
)

var (
	// ErrAlreadyCompleted is returned when cancelling a request whose
	// version has already been persisted.
	ErrAlreadyCompleted = errors.New("request already completed")
	// ErrQueueClosed is returned by SubmitRequest when the engine is not running.
	ErrQueueClosed = errors.New("request queue closed")
	// ErrInvalidRequest wraps malformed submissions.
	ErrInvalidRequest = errors.New("invalid request")
)

// Config holds engine-specific configuration.
type Config struct {
	// GenerateTimeout bounds a single generation attempt.
	GenerateTimeout time.Duration
	// GenerateAttempts is the total number of tries for timeouts and
	// malformed output (default 2).
	GenerateAttempts int
	// MaxRebase bounds how often PERSIST_VERSION rebases onto a moved head.
	MaxRebase int
	// StepTimeout, when positive, bounds every step that has no own timeout.
	StepTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		GenerateTimeout:  3 * time.Minute,
		GenerateAttempts: 2,
		MaxRebase:        3,
	}
}

// Sandboxes is the part of the sandbox session manager the engine uses.
type Sandboxes interface {
	Apply(ctx context.Context, projectID string, c sandbox.Change) (*sandbox.ApplyResult, error)
	Status(ctx context.Context, projectID string) (*model.SandboxSession, error)
	Restore(ctx context.Context, projectID string) (*model.SandboxSession, error)
	Heartbeat(ctx context.Context, sandboxID string) (*model.SandboxSession, error)
}

// Classifier decides the operation kind of a prompt.
type Classifier interface {
	Decide(ctx context.Context, prompt string) classifier.Decision
}

// Deps are the collaborators of an Engine. Importer, Archiver, Metrics and
// Logger are optional.
type Deps struct {
	Store      store.Store
	Bus        eventbus.Bus
	Sandboxes  Sandboxes
	Classifier Classifier
	Context    *contextbuilder.Builder
	Generator  pipeline.Generator
	Validator  *validate.Validator
	Importer   gitprovider.Importer
	Archiver   archive.Archiver
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

// Engine orchestrates the request lifecycle.
type Engine struct {
	config     Config
	store      store.Store
	bus        eventbus.Bus
	sandboxes  Sandboxes
	classifier Classifier
	context    *contextbuilder.Builder
	generator  pipeline.Generator
	validator  *validate.Validator
	importer   gitprovider.Importer
	archiver   archive.Archiver
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu      sync.Mutex
	queues  map[string][]string // project -> queued request ids
	active  map[string]bool     // projects with a worker
	running map[string]*run     // request id -> in-flight run
	open    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Engine with all dependencies.
func New(cfg Config, deps Deps) *Engine {
	d := DefaultConfig()
	if cfg.GenerateAttempts <= 0 {
		cfg.GenerateAttempts = d.GenerateAttempts
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = d.GenerateTimeout
	}
	if cfg.MaxRebase < 0 {
		cfg.MaxRebase = 0
	}
	if deps.Context == nil {
		deps.Context = contextbuilder.New(contextbuilder.DefaultOptions())
	}
	if deps.Validator == nil {
		deps.Validator = validate.New()
	}
	if deps.Archiver == nil {
		deps.Archiver = archive.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Engine{
		config:     cfg,
		store:      deps.Store,
		bus:        deps.Bus,
		sandboxes:  deps.Sandboxes,
		classifier: deps.Classifier,
		context:    deps.Context,
		generator:  deps.Generator,
		validator:  deps.Validator,
		importer:   deps.Importer,
		archiver:   deps.Archiver,
		metrics:    deps.Metrics,
		logger:     deps.Logger.With().Str("component", "engine").Logger(),
		queues:     make(map[string][]string),
		active:     make(map[string]bool),
		running:    make(map[string]*run),
	}
}

// Start opens the queue and re-enqueues requests that were queued or running
// when the process last stopped. Call Stop to shut down.
func (e *Engine) Start(ctx context.Context) error {
	pending, err := e.store.ListRequestsByStatus(ctx, model.RequestQueued, model.RequestRunning)
	if err != nil {
		return fmt.Errorf("listing unfinished requests: %w", err)
	}

	// Recovered requests are queued before new submissions are accepted.
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctx, e.cancel = context.WithCancel(ctx)
	for _, req := range pending {
		e.logger.Info().Str("request_id", req.ID).Str("project_id", req.ProjectID).
			Str("status", string(req.Status)).Msg("recovering request")
		e.enqueueLocked(req.ProjectID, req.ID)
	}
	e.open = true
	return nil
}

// Stop closes the queue, cancels in-flight runs that have not reached
// PERSIST_VERSION and waits for workers to exit. Interrupted requests stay
// unfinished and resume on the next Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.open = false
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// Store returns the persistence layer.
func (e *Engine) Store() store.Store { return e.store }

// Bus returns the event bus.
func (e *Engine) Bus() eventbus.Bus { return e.bus }

// SubmitRequest records a prompt for a project and queues it behind the
// project's earlier requests.
func (e *Engine) SubmitRequest(ctx context.Context, projectID, prompt string) (*model.Request, error) {
	projectID = strings.TrimSpace(projectID)
	prompt = strings.TrimSpace(prompt)
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id is required", ErrInvalidRequest)
	}
	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}

	e.mu.Lock()
	open := e.open
	e.mu.Unlock()
	if !open {
		return nil, ErrQueueClosed
	}

	if _, err := e.CreateProject(ctx, projectID, ""); err != nil {
		return nil, err
	}

	req := &model.Request{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Prompt:    prompt,
		Status:    model.RequestQueued,
	}
	if err := e.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if err := e.store.AddMessage(ctx, &model.Message{
		ProjectID: projectID,
		RequestID: req.ID,
		Role:      "user",
		Content:   prompt,
	}); err != nil {
		return nil, fmt.Errorf("recording message: %w", err)
	}

	if !e.enqueue(projectID, req.ID) {
		return nil, ErrQueueClosed
	}
	e.logger.Info().Str("request_id", req.ID).Str("project_id", projectID).Msg("request queued")
	return req, nil
}

// CancelRequest cancels a queued request or a run that has not reached
// PERSIST_VERSION. Once the version is persisted it returns ErrAlreadyCompleted.
func (e *Engine) CancelRequest(ctx context.Context, requestID string) (*model.Request, error) {
	e.mu.Lock()
	if r, ok := e.running[requestID]; ok {
		e.mu.Unlock()
		if !r.requestCancel() {
			return nil, ErrAlreadyCompleted
		}
		req, err := e.store.GetRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		req.Status = model.RequestCancelled
		return req, nil
	}
	dequeued := e.dequeueLocked(requestID)
	e.mu.Unlock()

	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	switch {
	case req.Status == model.RequestComplete:
		return nil, ErrAlreadyCompleted
	case req.Status.Terminal():
		return req, nil
	}
	if !dequeued && req.Status == model.RequestRunning {
		// Running in the store but not here: left over from a previous process
		// and not yet recovered.
		e.logger.Warn().Str("request_id", requestID).Msg("cancelling unrecovered request")
	}
	req.Status = model.RequestCancelled
	req.Error = "cancelled before start"
	if err := e.store.UpdateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("updating request: %w", err)
	}
	if err := e.store.DeleteCheckpoint(ctx, requestID); err != nil {
		e.logger.Warn().Err(err).Str("request_id", requestID).Msg("deleting checkpoint")
	}
	e.metrics.RecordRun("", string(model.RequestCancelled))
	e.emit(req.ProjectID, req.ID, model.EventError, "", "request cancelled", map[string]any{"cancelled": true})
	return req, nil
}

// GetRequest returns a request by id.
func (e *Engine) GetRequest(ctx context.Context, requestID string) (*model.Request, error) {
	return e.store.GetRequest(ctx, requestID)
}

// GetHead returns the latest version of a project, or store.ErrNotFound.
func (e *Engine) GetHead(ctx context.Context, projectID string) (*model.Version, error) {
	return e.store.GetHead(ctx, projectID)
}

// GetVersion returns a version by id.
func (e *Engine) GetVersion(ctx context.Context, versionID string) (*model.Version, error) {
	return e.store.GetVersion(ctx, versionID)
}

// ListLineage returns a project's versions in order.
func (e *Engine) ListLineage(ctx context.Context, projectID string) ([]*model.Version, error) {
	return e.store.ListLineage(ctx, projectID)
}

// CreateProject registers a project; an existing project is returned as is.
func (e *Engine) CreateProject(ctx context.Context, projectID, name string) (*model.Project, error) {
	if name == "" {
		name = projectID
	}
	if err := e.store.CreateProject(ctx, &model.Project{ID: projectID, Name: name}); err != nil {
		return nil, fmt.Errorf("creating project: %w", err)
	}
	return e.store.GetProject(ctx, projectID)
}

// GetProject returns a project by id.
func (e *Engine) GetProject(ctx context.Context, projectID string) (*model.Project, error) {
	return e.store.GetProject(ctx, projectID)
}

// ListProjects returns all projects.
func (e *Engine) ListProjects(ctx context.Context) ([]*model.Project, error) {
	return e.store.ListProjects(ctx)
}

// SandboxStatus returns the project's sandbox session, with status absent
// when it never had one.
func (e *Engine) SandboxStatus(ctx context.Context, projectID string) (*model.SandboxSession, error) {
	return e.sandboxes.Status(ctx, projectID)
}

// RestoreSandbox makes sure the project's sandbox is active again.
func (e *Engine) RestoreSandbox(ctx context.Context, projectID string) (*model.SandboxSession, error) {
	return e.sandboxes.Restore(ctx, projectID)
}

// Heartbeat keeps a sandbox alive.
func (e *Engine) Heartbeat(ctx context.Context, sandboxID string) (*model.SandboxSession, error) {
	return e.sandboxes.Heartbeat(ctx, sandboxID)
}

// Subscribe returns a channel of the project's events.
func (e *Engine) Subscribe(projectID string) chan *model.Event { return e.bus.Subscribe(projectID) }

// Unsubscribe releases a channel from Subscribe.
func (e *Engine) Unsubscribe(projectID string, ch chan *model.Event) {
	e.bus.Unsubscribe(projectID, ch)
}

// Reconciliation is the state an observer needs before following events.
type Reconciliation struct {
	ProjectID string                `json:"project_id"`
	Head      *model.Version        `json:"head,omitempty"`
	Sandbox   *model.SandboxSession `json:"sandbox"`
}

// Reconcile returns the current head and sandbox status of a project.
func (e *Engine) Reconcile(ctx context.Context, projectID string) (*Reconciliation, error) {
	out := &Reconciliation{ProjectID: projectID}
	head, err := e.store.GetHead(ctx, projectID)
	switch {
	case err == nil:
		out.Head = head
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	sb, err := e.sandboxes.Status(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out.Sandbox = sb
	return out, nil
}

func (e *Engine) emit(projectID, requestID string, typ model.EventType, step pipeline.Step, data string, detail map[string]any) {
	e.bus.Publish(projectID, &model.Event{
		ProjectID: projectID,
		RequestID: requestID,
		Type:      typ,
		Step:      string(step),
		Data:      data,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
}
