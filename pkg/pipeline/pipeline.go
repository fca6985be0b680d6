// Package pipeline defines the Stage interface, the checkpointing step runner
// and the generation capability used by the Forgeline request pipeline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/jxucoder/forgeline/pkg/contextbuilder"
	"github.com/jxucoder/forgeline/pkg/model"
	"github.com/jxucoder/forgeline/pkg/validate"
)

// Step names one pipeline stage.
type Step string

const (
	StepClassify           Step = "classify"
	StepBuildContext       Step = "build_context"
	StepGenerate           Step = "generate"
	StepApplyToSandbox     Step = "apply_to_sandbox"
	StepValidateAndAutofix Step = "validate_and_autofix"
	StepPersistVersion     Step = "persist_version"
	StepLinkRequest        Step = "link_request"
	StepBroadcastComplete  Step = "broadcast_complete"
)

// Steps lists every step in execution order.
var Steps = []Step{
	StepClassify,
	StepBuildContext,
	StepGenerate,
	StepApplyToSandbox,
	StepValidateAndAutofix,
	StepPersistVersion,
	StepLinkRequest,
	StepBroadcastComplete,
}

// Index returns the position of s in Steps, or -1.
func (s Step) Index() int {
	for i, step := range Steps {
		if step == s {
			return i
		}
	}
	return -1
}

// ErrPipelineCrash wraps a panic recovered from a stage.
var ErrPipelineCrash = errors.New("pipeline crashed")

// StepError records which step failed.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("stage %s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// FailedStep returns the step of the first StepError in err's chain.
func FailedStep(err error) (Step, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step, true
	}
	return "", false
}

// State is the run state carried between stages. It is serialized into
// checkpoints, so everything a later stage needs must live here.
type State struct {
	RequestID string `json:"request_id"`
	ProjectID string `json:"project_id"`
	Prompt    string `json:"prompt"`

	Kind           model.OperationKind `json:"kind,omitempty"`
	ClassifySource string              `json:"classify_source,omitempty"`

	ParentID     string                         `json:"parent_id,omitempty"`
	ParentNumber int                            `json:"parent_number,omitempty"`
	Context      *contextbuilder.BoundedContext `json:"context,omitempty"`

	Generation *Result           `json:"generation,omitempty"`
	Snapshot   map[string]string `json:"snapshot,omitempty"`
	Issues     []validate.Issue  `json:"issues,omitempty"`

	VersionID     string `json:"version_id,omitempty"`
	VersionNumber int    `json:"version_number,omitempty"`
	Rebases       int    `json:"rebases,omitempty"`
}

// Stage is a single step in a pipeline.
type Stage interface {
	Name() Step
	Execute(ctx context.Context, st *State) error
}

// StageFunc adapts a function to Stage.
type StageFunc struct {
	Step Step
	Fn   func(ctx context.Context, st *State) error
}

func (s StageFunc) Name() Step { return s.Step }

func (s StageFunc) Execute(ctx context.Context, st *State) error { return s.Fn(ctx, st) }

// Hooks observe a run. All fields are optional.
type Hooks struct {
	OnStepStart func(step Step)
	OnStepEnd   func(step Step, elapsed time.Duration, err error)
	// Checkpoint is called after each successful stage. An error fails the
	// step and the next stage does not start.
	Checkpoint func(ctx context.Context, step Step, st *State) error
}

// Runner executes stages sequentially.
type Runner struct {
	stages   []Stage
	hooks    Hooks
	timeouts map[Step]time.Duration
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithHooks sets the observation hooks.
func WithHooks(h Hooks) RunnerOption { return func(r *Runner) { r.hooks = h } }

// WithStepTimeout bounds how long a single step may run.
func WithStepTimeout(step Step, d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeouts[step] = d
		}
	}
}

// NewRunner creates a runner from the given stages.
func NewRunner(stages []Stage, opts ...RunnerOption) *Runner {
	r := &Runner{stages: stages, timeouts: make(map[Step]time.Duration)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes all stages in order, skipping those at or before resumeAfter.
// An empty resumeAfter runs everything.
func (r *Runner) Run(ctx context.Context, st *State, resumeAfter Step) error {
	skipping := resumeAfter != ""
	for _, s := range r.stages {
		if skipping {
			if s.Name() == resumeAfter {
				skipping = false
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return &StepError{Step: s.Name(), Err: err}
		}
		if err := r.runStage(ctx, s, st); err != nil {
			return &StepError{Step: s.Name(), Err: err}
		}
		if r.hooks.Checkpoint != nil {
			if err := r.hooks.Checkpoint(ctx, s.Name(), st); err != nil {
				return &StepError{Step: s.Name(), Err: fmt.Errorf("saving checkpoint: %w", err)}
			}
		}
	}
	return nil
}

func (r *Runner) runStage(ctx context.Context, s Stage, st *State) (err error) {
	if r.hooks.OnStepStart != nil {
		r.hooks.OnStepStart(s.Name())
	}
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPipelineCrash, rec, debug.Stack())
		}
		if r.hooks.OnStepEnd != nil {
			r.hooks.OnStepEnd(s.Name(), time.Since(start), err)
		}
	}()

	if d, ok := r.timeouts[s.Name()]; ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return s.Execute(ctx, st)
}
