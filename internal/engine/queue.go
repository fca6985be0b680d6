package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jxucoder/forgeline/pkg/model"
	"github.com/jxucoder/forgeline/pkg/pipeline"
	"github.com/jxucoder/forgeline/pkg/store"
)

// run is one in-flight request.
type run struct {
	requestID string
	projectID string
	ctx       context.Context
	cancel    context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	committed bool
}

// requestCancel cancels the run unless it already committed.
func (r *run) requestCancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committed {
		return false
	}
	r.cancelled = true
	r.cancel()
	return true
}

// commit marks the point after which the run can no longer be cancelled.
// It reports false when a cancellation won the race.
func (r *run) commit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return false
	}
	r.committed = true
	return true
}

func (r *run) wasCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *run) isCommitted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

// enqueue appends a request to its project's FIFO and makes sure a worker
// drains it. It reports false when the engine is stopped.
func (e *Engine) enqueue(projectID, requestID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return false
	}
	e.enqueueLocked(projectID, requestID)
	return true
}

// enqueueLocked appends to a project's queue and starts its worker if idle.
// Caller holds e.mu.
func (e *Engine) enqueueLocked(projectID, requestID string) {
	e.queues[projectID] = append(e.queues[projectID], requestID)
	e.metrics.AddQueued(1)
	if !e.active[projectID] {
		e.active[projectID] = true
		e.wg.Add(1)
		go e.drain(projectID)
	}
}

// dequeueLocked removes a queued request. Caller holds e.mu.
func (e *Engine) dequeueLocked(requestID string) bool {
	for pid, ids := range e.queues {
		for i, id := range ids {
			if id != requestID {
				continue
			}
			e.queues[pid] = append(ids[:i:i], ids[i+1:]...)
			if len(e.queues[pid]) == 0 {
				delete(e.queues, pid)
			}
			e.metrics.AddQueued(-1)
			return true
		}
	}
	return false
}

// next pops the project's oldest request and registers it as running, so a
// concurrent cancel always finds it either queued or running.
func (e *Engine) next(projectID string) (*run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := e.queues[projectID]
	if len(ids) == 0 || e.ctx.Err() != nil {
		delete(e.active, projectID)
		return nil, false
	}
	id := ids[0]
	if len(ids) == 1 {
		delete(e.queues, projectID)
	} else {
		e.queues[projectID] = ids[1:]
	}
	e.metrics.AddQueued(-1)

	ctx, cancel := context.WithCancel(e.ctx)
	r := &run{requestID: id, projectID: projectID, ctx: ctx, cancel: cancel}
	e.running[id] = r
	return r, true
}

func (e *Engine) forget(r *run) {
	r.cancel()
	e.mu.Lock()
	delete(e.running, r.requestID)
	e.mu.Unlock()
}

// drain processes a project's requests one at a time.
func (e *Engine) drain(projectID string) {
	defer e.wg.Done()
	for {
		r, ok := e.next(projectID)
		if !ok {
			return
		}
		e.process(r)
		e.forget(r)
	}
}

func (e *Engine) process(r *run) {
	logger := e.logger.With().Str("request_id", r.requestID).Str("project_id", r.projectID).Logger()

	req, err := e.store.GetRequest(r.ctx, r.requestID)
	if err != nil {
		logger.Error().Err(err).Msg("loading request")
		return
	}
	if req.Status.Terminal() {
		return
	}

	st, resumeAfter := e.resumeState(r.ctx, req)
	if resumeAfter != "" {
		logger.Info().Str("step", string(resumeAfter)).Msg("resuming after checkpoint")
	}
	req.Status = model.RequestRunning
	if err := e.store.UpdateRequest(r.ctx, req); err != nil {
		logger.Error().Err(err).Msg("marking request running")
		return
	}

	start := time.Now()
	err = e.execute(r, st, resumeAfter)
	if errors.Is(err, pipeline.ErrPipelineCrash) && !r.wasCancelled() {
		logger.Error().Err(err).Msg("pipeline crashed, resuming once from checkpoint")
		st, resumeAfter = e.resumeState(r.ctx, req)
		err = e.execute(r, st, resumeAfter)
	}
	e.finish(r, st, err, time.Since(start))
}

// resumeState loads the request's last checkpoint. Without one the run
// starts from the first step.
func (e *Engine) resumeState(ctx context.Context, req *model.Request) (*pipeline.State, pipeline.Step) {
	fresh := &pipeline.State{RequestID: req.ID, ProjectID: req.ProjectID, Prompt: req.Prompt}
	cp, err := e.store.GetCheckpoint(ctx, req.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn().Err(err).Str("request_id", req.ID).Msg("loading checkpoint")
		}
		return fresh, ""
	}
	var st pipeline.State
	if err := json.Unmarshal(cp.State, &st); err != nil {
		e.logger.Warn().Err(err).Str("request_id", req.ID).Msg("decoding checkpoint, starting over")
		return fresh, ""
	}
	if pipeline.Step(cp.Step).Index() < 0 {
		return fresh, ""
	}
	return &st, pipeline.Step(cp.Step)
}

// execute runs the draft stages under the cancellable run context and the
// commit stages detached from it.
func (e *Engine) execute(r *run, st *pipeline.State, resumeAfter pipeline.Step) error {
	if resumeAfter.Index() < pipeline.StepPersistVersion.Index() {
		if err := e.newRunner(r, e.draftStages()).Run(r.ctx, st, resumeAfter); err != nil {
			return err
		}
		resumeAfter = ""
	}
	if !r.commit() {
		return &pipeline.StepError{Step: pipeline.StepPersistVersion, Err: context.Canceled}
	}
	return e.newRunner(r, e.commitStages()).Run(context.WithoutCancel(r.ctx), st, resumeAfter)
}

func (e *Engine) newRunner(r *run, stages []pipeline.Stage) *pipeline.Runner {
	opts := []pipeline.RunnerOption{pipeline.WithHooks(pipeline.Hooks{
		OnStepStart: func(step pipeline.Step) {
			e.emit(r.projectID, r.requestID, model.EventStepStart, step, "", nil)
		},
		OnStepEnd: func(step pipeline.Step, elapsed time.Duration, err error) {
			e.metrics.ObserveStep(string(step), elapsed)
			detail := map[string]any{"duration_ms": elapsed.Milliseconds()}
			if err != nil {
				detail["error"] = err.Error()
			}
			e.emit(r.projectID, r.requestID, model.EventStepEnd, step, "", detail)
		},
		Checkpoint: func(ctx context.Context, step pipeline.Step, st *pipeline.State) error {
			return e.saveCheckpoint(ctx, step, st)
		},
	})}
	if e.config.StepTimeout > 0 {
		for _, s := range stages {
			if s.Name() == pipeline.StepGenerate || s.Name() == pipeline.StepApplyToSandbox {
				// These steps carry their own attempt, install and start timeouts.
				continue
			}
			opts = append(opts, pipeline.WithStepTimeout(s.Name(), e.config.StepTimeout))
		}
	}
	return pipeline.NewRunner(stages, opts...)
}

func (e *Engine) saveCheckpoint(ctx context.Context, step pipeline.Step, st *pipeline.State) error {
	if step == pipeline.StepBroadcastComplete {
		return nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err := e.store.SaveCheckpoint(context.WithoutCancel(ctx), &model.Checkpoint{
		RequestID: st.RequestID,
		ProjectID: st.ProjectID,
		Step:      string(step),
		State:     data,
	}); err != nil {
		e.logger.Error().Err(err).Str("request_id", st.RequestID).Str("step", string(step)).Msg("saving checkpoint")
		return err
	}
	return nil
}

// finish records the outcome of a run.
func (e *Engine) finish(r *run, st *pipeline.State, err error, elapsed time.Duration) {
	ctx := context.WithoutCancel(r.ctx)
	logger := e.logger.With().Str("request_id", r.requestID).Str("project_id", r.projectID).Logger()
	kind := string(st.Kind)

	if err == nil {
		e.metrics.RecordRun(kind, string(model.RequestComplete))
		logger.Info().Str("version_id", st.VersionID).Int("version", st.VersionNumber).
			Dur("duration", elapsed).Msg("request complete")
		return
	}

	cancelled := r.wasCancelled()
	if !cancelled && !r.isCommitted() && e.ctx.Err() != nil {
		logger.Info().Msg("interrupted by shutdown, will resume on restart")
		return
	}

	step, _ := pipeline.FailedStep(err)
	status := model.RequestFailed
	message := err.Error()
	if cancelled {
		status = model.RequestCancelled
		message = "request cancelled"
	}

	req, gerr := e.store.GetRequest(ctx, r.requestID)
	if gerr != nil {
		logger.Error().Err(gerr).Msg("loading request")
	} else {
		req.Status = status
		req.FailedStep = string(step)
		req.Error = model.Truncate(message, 2000)
		if uerr := e.store.UpdateRequest(ctx, req); uerr != nil {
			logger.Error().Err(uerr).Msg("recording failure")
		}
	}
	if derr := e.store.DeleteCheckpoint(ctx, r.requestID); derr != nil {
		logger.Warn().Err(derr).Msg("deleting checkpoint")
	}

	e.metrics.RecordRun(kind, string(status))
	detail := map[string]any{"message": message}
	if cancelled {
		detail["cancelled"] = true
	}
	e.emit(r.projectID, r.requestID, model.EventError, step, message, detail)
	logger.Warn().Err(err).Str("step", string(step)).Str("status", string(status)).Msg("request did not complete")
}
