package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jxucoder/forgeline/pkg/gitprovider"
	"github.com/jxucoder/forgeline/pkg/model"
	"github.com/jxucoder/forgeline/pkg/pipeline"
	"github.com/jxucoder/forgeline/pkg/sandbox"
	"github.com/jxucoder/forgeline/pkg/store"
	"github.com/jxucoder/forgeline/pkg/validate"
)

// draftStages may be cancelled; nothing they do is visible to readers.
func (e *Engine) draftStages() []pipeline.Stage {
	return []pipeline.Stage{
		pipeline.StageFunc{Step: pipeline.StepClassify, Fn: e.classify},
		pipeline.StageFunc{Step: pipeline.StepBuildContext, Fn: e.buildContext},
		pipeline.StageFunc{Step: pipeline.StepGenerate, Fn: e.generate},
		pipeline.StageFunc{Step: pipeline.StepApplyToSandbox, Fn: e.applyToSandbox},
		pipeline.StageFunc{Step: pipeline.StepValidateAndAutofix, Fn: e.validateAndAutofix},
	}
}

// commitStages run to completion once started.
func (e *Engine) commitStages() []pipeline.Stage {
	return []pipeline.Stage{
		pipeline.StageFunc{Step: pipeline.StepPersistVersion, Fn: e.persistVersion},
		pipeline.StageFunc{Step: pipeline.StepLinkRequest, Fn: e.linkRequest},
		pipeline.StageFunc{Step: pipeline.StepBroadcastComplete, Fn: e.broadcastComplete},
	}
}

func (e *Engine) classify(ctx context.Context, st *pipeline.State) error {
	d := e.classifier.Decide(ctx, st.Prompt)
	st.Kind = d.Kind
	st.ClassifySource = string(d.Source)

	req, err := e.store.GetRequest(ctx, st.RequestID)
	if err != nil {
		return fmt.Errorf("loading request: %w", err)
	}
	req.OperationKind = d.Kind
	if err := e.store.UpdateRequest(ctx, req); err != nil {
		return fmt.Errorf("recording operation kind: %w", err)
	}
	e.logger.Debug().Str("request_id", st.RequestID).Str("kind", string(d.Kind)).
		Str("source", string(d.Source)).Msg("classified")
	return nil
}

func (e *Engine) buildContext(ctx context.Context, st *pipeline.State) error {
	head, err := e.store.GetHead(ctx, st.ProjectID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		head = nil
	case err != nil:
		return fmt.Errorf("reading head: %w", err)
	}
	st.ParentID, st.ParentNumber = "", 0
	if head != nil {
		st.ParentID, st.ParentNumber = head.ID, head.Number
	}

	messages, err := e.store.ListMessages(ctx, st.ProjectID)
	if err != nil {
		return fmt.Errorf("reading history: %w", err)
	}
	var history []*model.Message
	for _, m := range messages {
		if m.RequestID != st.RequestID {
			history = append(history, m)
		}
	}
	st.Context = e.context.Build(head, history, st.Prompt)
	return nil
}

func (e *Engine) generate(ctx context.Context, st *pipeline.State) error {
	var (
		res *pipeline.Result
		err error
	)
	if st.Kind == model.OpImportRepository {
		res, err = e.importRepository(ctx, st)
	}
	if res == nil && err == nil {
		res, err = pipeline.GenerateWithRetry(ctx, e.generator, pipeline.Request{
			Kind:    st.Kind,
			Prompt:  st.Prompt,
			Context: st.Context,
		}, e.config.GenerateAttempts, e.config.GenerateTimeout)
	}
	if err != nil {
		return err
	}

	parent, err := e.parentFiles(ctx, st)
	if err != nil {
		return err
	}
	st.Generation = res
	if res.Replace {
		st.Snapshot = model.CloneFiles(res.Files)
	} else {
		st.Snapshot = model.MergeFiles(parent, res.Files, res.Deleted)
	}
	return nil
}

// importRepository serves IMPORT_REPOSITORY from the git host. It returns a
// nil result when the prompt names no repository, so the request falls back
// to ordinary generation.
func (e *Engine) importRepository(ctx context.Context, st *pipeline.State) (*pipeline.Result, error) {
	repo, err := gitprovider.ParseRepoRef(st.Prompt)
	if err != nil || e.importer == nil {
		fallback := model.OpGenerateProject
		if st.ParentID != "" {
			fallback = model.OpModifyFile
		}
		e.logger.Info().Str("request_id", st.RequestID).Str("kind", string(fallback)).
			Msg("no importable repository, generating instead")
		st.Kind = fallback
		return nil, nil
	}
	snap, err := e.importer.Import(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("importing %s: %w", repo, err)
	}
	if len(snap.Files) == 0 {
		return nil, fmt.Errorf("importing %s: no text files", repo)
	}
	desc := snap.Description
	if desc == "" {
		desc = "Imported from " + repo.String()
	}
	return &pipeline.Result{
		Name:        "Import " + repo.String(),
		Description: desc,
		Files:       snap.Files,
		Replace:     true,
	}, nil
}

func (e *Engine) parentFiles(ctx context.Context, st *pipeline.State) (map[string]string, error) {
	if st.ParentID == "" {
		return map[string]string{}, nil
	}
	v, err := e.store.GetVersion(ctx, st.ParentID)
	if err != nil {
		return nil, fmt.Errorf("reading parent version: %w", err)
	}
	return v.Files, nil
}

// changeSet splits the difference between two snapshots into written and
// deleted paths.
func changeSet(before, after map[string]string) (written, deleted []string) {
	for _, p := range model.ChangedPaths(before, after) {
		if _, ok := after[p]; ok {
			written = append(written, p)
		} else {
			deleted = append(deleted, p)
		}
	}
	return written, deleted
}

func (e *Engine) applyToSandbox(ctx context.Context, st *pipeline.State) error {
	parent, err := e.parentFiles(ctx, st)
	if err != nil {
		return err
	}
	written, deleted := changeSet(parent, st.Snapshot)
	res, err := e.sandboxes.Apply(ctx, st.ProjectID, sandbox.Change{
		Snapshot: st.Snapshot,
		Written:  written,
		Deleted:  deleted,
	})
	if err != nil {
		return err
	}
	for _, p := range written {
		e.emit(st.ProjectID, st.RequestID, model.EventFile, pipeline.StepApplyToSandbox, p, map[string]any{"action": "write"})
	}
	for _, p := range deleted {
		e.emit(st.ProjectID, st.RequestID, model.EventFile, pipeline.StepApplyToSandbox, p, map[string]any{"action": "delete"})
	}
	e.emit(st.ProjectID, st.RequestID, model.EventSandbox, pipeline.StepApplyToSandbox, string(res.Session.Status), map[string]any{
		"sandbox_id":  res.Session.SandboxID,
		"framework":   res.Session.Framework,
		"port":        res.Session.Port,
		"provisioned": res.Provisioned,
		"installed":   res.Installed,
		"started":     res.Started,
	})
	return nil
}

// validateAndAutofix never fails the run; problems it cannot fix are
// recorded on the version.
func (e *Engine) validateAndAutofix(ctx context.Context, st *pipeline.State) error {
	parent, err := e.parentFiles(ctx, st)
	if err != nil {
		return err
	}
	written, _ := changeSet(parent, st.Snapshot)
	rep := e.validator.Run(ctx, st.Snapshot, written)
	st.Issues = rep.Issues
	if len(rep.Files) == 0 {
		return nil
	}

	st.Snapshot = model.MergeFiles(st.Snapshot, rep.Files, nil)
	fixed := model.SortedPaths(rep.Files)
	if _, err := e.sandboxes.Apply(ctx, st.ProjectID, sandbox.Change{Snapshot: st.Snapshot, Written: fixed}); err != nil {
		e.logger.Warn().Err(err).Str("request_id", st.RequestID).Msg("re-applying fixed files")
		return nil
	}
	for _, p := range fixed {
		e.emit(st.ProjectID, st.RequestID, model.EventFile, pipeline.StepValidateAndAutofix, p, map[string]any{"action": "fix"})
	}
	return nil
}

func (e *Engine) persistVersion(ctx context.Context, st *pipeline.State) error {
	res := st.Generation
	if res == nil {
		return errors.New("no generation result")
	}
	if adopted, err := e.adoptVersion(ctx, st); err != nil || adopted {
		return err
	}
	parent, err := e.parentFiles(ctx, st)
	if err != nil {
		return err
	}
	// The change set is replayed onto a newer head on conflict.
	written, deleted := changeSet(parent, st.Snapshot)
	changes := make(map[string]string, len(written))
	for _, p := range written {
		changes[p] = st.Snapshot[p]
	}

	for {
		in := store.NewVersion{
			ProjectID:     st.ProjectID,
			ParentID:      st.ParentID,
			Name:          res.Name,
			Description:   res.Description,
			Files:         st.Snapshot,
			OperationKind: st.Kind,
			Metadata:      e.versionMetadata(st),
			RequestID:     st.RequestID,
		}
		if res.Replace {
			in.ParentID = ""
		}
		v, err := e.store.CreateVersion(ctx, in)
		if err == nil {
			st.VersionID, st.VersionNumber = v.ID, v.Number
			e.archive(ctx, v)
			return nil
		}

		var conflict *store.ConflictError
		if !errors.As(err, &conflict) {
			return fmt.Errorf("creating version: %w", err)
		}
		if adopted, err := e.adoptVersion(ctx, st); err != nil || adopted {
			return err
		}
		e.metrics.RecordConflict()
		if st.Rebases >= e.config.MaxRebase {
			return fmt.Errorf("creating version after %d rebases: %w", st.Rebases, err)
		}
		st.Rebases++

		head, err := e.store.GetHead(ctx, st.ProjectID)
		if err != nil {
			return fmt.Errorf("re-reading head: %w", err)
		}
		e.logger.Info().Str("request_id", st.RequestID).Int("from", st.ParentNumber).
			Int("onto", head.Number).Msg("rebasing onto new head")
		st.ParentID, st.ParentNumber = head.ID, head.Number
		if !res.Replace {
			st.Snapshot = model.MergeFiles(head.Files, changes, deleted)
		}
	}
}

// adoptVersion picks up a version this request already committed, which
// happens when a run resumes after persisting but before checkpointing.
func (e *Engine) adoptVersion(ctx context.Context, st *pipeline.State) (bool, error) {
	v, err := e.store.GetVersionByRequest(ctx, st.RequestID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up version of request: %w", err)
	}
	e.logger.Info().Str("request_id", st.RequestID).Str("version_id", v.ID).
		Int("version", v.Number).Msg("adopting committed version")
	st.VersionID, st.VersionNumber = v.ID, v.Number
	st.ParentID, st.Snapshot = v.ParentID, v.Files
	return true, nil
}

func (e *Engine) versionMetadata(st *pipeline.State) map[string]any {
	meta := map[string]any{
		"request_id":      st.RequestID,
		"classify_source": st.ClassifySource,
	}
	if st.Context != nil {
		meta["context_files"] = st.Context.SelectedPaths()
	}
	var remaining []validate.Issue
	var fixed []string
	for _, is := range st.Issues {
		if is.Fixed {
			fixed = append(fixed, is.Path)
		} else {
			remaining = append(remaining, is)
		}
	}
	if len(remaining) > 0 {
		meta["validation_issues"] = remaining
	}
	if len(fixed) > 0 {
		sort.Strings(fixed)
		meta["autofixed"] = fixed
	}
	if st.Rebases > 0 {
		meta["rebases"] = st.Rebases
	}
	return meta
}

// archive copies the version to object storage; failures only log.
func (e *Engine) archive(ctx context.Context, v *model.Version) {
	if err := e.archiver.Archive(ctx, v); err != nil {
		e.logger.Warn().Err(err).Str("version_id", v.ID).Msg("archiving version")
	}
}

func (e *Engine) linkRequest(ctx context.Context, st *pipeline.State) error {
	if err := e.store.LinkRequest(ctx, st.RequestID, st.VersionID); err != nil {
		return fmt.Errorf("linking request: %w", err)
	}
	content := st.Generation.Description
	if content == "" {
		content = st.Generation.Name
	}
	if content == "" {
		content = fmt.Sprintf("Created version %d", st.VersionNumber)
	}
	if err := e.store.AddMessage(ctx, &model.Message{
		ProjectID: st.ProjectID,
		RequestID: st.RequestID,
		Role:      "assistant",
		Content:   content,
	}); err != nil {
		return fmt.Errorf("recording message: %w", err)
	}
	return nil
}

func (e *Engine) broadcastComplete(ctx context.Context, st *pipeline.State) error {
	e.emit(st.ProjectID, st.RequestID, model.EventVersion, pipeline.StepBroadcastComplete, st.VersionID, map[string]any{
		"version_number": st.VersionNumber,
		"name":           st.Generation.Name,
		"operation_kind": string(st.Kind),
	})

	req, err := e.store.GetRequest(ctx, st.RequestID)
	if err != nil {
		return fmt.Errorf("loading request: %w", err)
	}
	req.Status = model.RequestComplete
	req.VersionID = st.VersionID
	req.FailedStep, req.Error = "", ""
	if err := e.store.UpdateRequest(ctx, req); err != nil {
		return fmt.Errorf("completing request: %w", err)
	}
	if err := e.store.DeleteCheckpoint(ctx, st.RequestID); err != nil {
		e.logger.Warn().Err(err).Str("request_id", st.RequestID).Msg("deleting checkpoint")
	}

	e.emit(st.ProjectID, st.RequestID, model.EventComplete, pipeline.StepBroadcastComplete, st.VersionID, map[string]any{
		"version_number": st.VersionNumber,
	})
	return nil
}
