package sqldb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jxucoder/forgeline/pkg/model"
	"github.com/jxucoder/forgeline/pkg/store"
)

const requestColumns = `id, project_id, prompt, status, operation_kind, version_id,
	failed_step, error, created_at, updated_at`

// CreateRequest inserts a new request.
func (s *DB) CreateRequest(ctx context.Context, r *model.Request) error {
	now := s.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = r.CreatedAt
	if r.Status == "" {
		r.Status = model.RequestQueued
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO requests (`+requestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`),
		r.ID, r.ProjectID, r.Prompt, string(r.Status), string(r.OperationKind), r.VersionID,
		r.FailedStep, r.Error, toNanos(r.CreatedAt), toNanos(r.UpdatedAt),
	)
	return err
}

// GetRequest retrieves a request by ID.
func (s *DB) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+requestColumns+` FROM requests WHERE id = $1`), id)
	r, err := scanRequest(row)
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

// UpdateRequest updates the mutable fields of a request.
func (s *DB) UpdateRequest(ctx context.Context, r *model.Request) error {
	r.UpdatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE requests SET
			status = $1, operation_kind = $2, version_id = $3,
			failed_step = $4, error = $5, updated_at = $6
		 WHERE id = $7`),
		string(r.Status), string(r.OperationKind), r.VersionID,
		r.FailedStep, r.Error, toNanos(r.UpdatedAt), r.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// LinkRequest records the version produced by a request.
func (s *DB) LinkRequest(ctx context.Context, requestID, versionID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE requests SET version_id = $1, updated_at = $2 WHERE id = $3`),
		versionID, toNanos(s.now().UTC()), requestID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListRequestsByStatus returns requests in any of the given states, oldest first.
func (s *DB) ListRequestsByStatus(ctx context.Context, statuses ...model.RequestStatus) ([]*model.Request, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+requestColumns+` FROM requests
		 WHERE status IN (`+strings.Join(marks, ", ")+`)
		 ORDER BY created_at ASC, id ASC`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequest(row scannable) (*model.Request, error) {
	r := &model.Request{}
	var status, kind string
	var created, updated int64
	err := row.Scan(
		&r.ID, &r.ProjectID, &r.Prompt, &status, &kind, &r.VersionID,
		&r.FailedStep, &r.Error, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	r.Status = model.RequestStatus(status)
	r.OperationKind = model.OperationKind(kind)
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	return r, nil
}

// --- Messages ---

// AddMessage appends a message to a project's conversation history.
func (s *DB) AddMessage(ctx context.Context, msg *model.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	return s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO messages (project_id, request_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`),
		msg.ProjectID, msg.RequestID, msg.Role, msg.Content, toNanos(msg.CreatedAt),
	).Scan(&msg.ID)
}

// ListMessages returns a project's messages in insertion order.
func (s *DB) ListMessages(ctx context.Context, projectID string) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, project_id, request_id, role, content, created_at
		 FROM messages WHERE project_id = $1 ORDER BY id ASC`), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		m := &model.Message{}
		var created int64
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.RequestID, &m.Role, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = fromNanos(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

type rowsResult interface {
	RowsAffected() (int64, error)
}

func requireRow(res rowsResult) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
