package sqldb

import (
	"context"
	"errors"

	"github.com/jxucoder/forgeline/pkg/model"
	"github.com/jxucoder/forgeline/pkg/store"
)

// SaveCheckpoint upserts the checkpoint of a request.
func (s *DB) SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	cp.UpdatedAt = s.now().UTC()
	state := string(cp.State)
	if state == "" {
		state = "{}"
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO checkpoints (request_id, project_id, step, state_json, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (request_id) DO UPDATE SET
			step = excluded.step, state_json = excluded.state_json, updated_at = excluded.updated_at`),
		cp.RequestID, cp.ProjectID, cp.Step, state, toNanos(cp.UpdatedAt),
	)
	return err
}

// GetCheckpoint returns the checkpoint of a request.
func (s *DB) GetCheckpoint(ctx context.Context, requestID string) (*model.Checkpoint, error) {
	cp := &model.Checkpoint{}
	var state string
	var updated int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT request_id, project_id, step, state_json, updated_at
		 FROM checkpoints WHERE request_id = $1`), requestID,
	).Scan(&cp.RequestID, &cp.ProjectID, &cp.Step, &state, &updated)
	if err != nil {
		return nil, notFound(err)
	}
	cp.State = []byte(state)
	cp.UpdatedAt = fromNanos(updated)
	return cp, nil
}

// DeleteCheckpoint removes a request's checkpoint. Missing rows are ignored.
func (s *DB) DeleteCheckpoint(ctx context.Context, requestID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM checkpoints WHERE request_id = $1`), requestID)
	return err
}

// --- Classifier memo ---

// GetClassification returns the memoized decision for a prompt hash.
func (s *DB) GetClassification(ctx context.Context, promptHash string) (model.OperationKind, error) {
	var kind string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT operation_kind FROM classifications WHERE prompt_hash = $1`), promptHash,
	).Scan(&kind)
	if err != nil {
		return "", notFound(err)
	}
	return model.OperationKind(kind), nil
}

// PutClassification records the first decision for a prompt hash and returns
// whichever decision is stored.
func (s *DB) PutClassification(ctx context.Context, promptHash string, kind model.OperationKind) (model.OperationKind, error) {
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO classifications (prompt_hash, operation_kind, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (prompt_hash) DO NOTHING`),
		promptHash, string(kind), toNanos(s.now().UTC()),
	); err != nil {
		return "", err
	}
	stored, err := s.GetClassification(ctx, promptHash)
	if errors.Is(err, store.ErrNotFound) {
		return kind, nil
	}
	return stored, err
}
