package sqldb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/jxucoder/forgeline/pkg/model"
	"github.com/jxucoder/forgeline/pkg/store"
)

const versionColumns = `id, project_id, version_number, parent_version_id, name, description,
	files_json, operation_kind, status, metadata_json, request_id, created_at`

const visibleStatuses = `('complete', 'failed')`

// CreateVersion inserts a version and advances the project head in one
// transaction. The project row is created on first use.
func (s *DB) CreateVersion(ctx context.Context, in store.NewVersion) (*model.Version, error) {
	if in.ProjectID == "" {
		return nil, fmt.Errorf("creating version: empty project id")
	}
	if !in.OperationKind.Valid() {
		return nil, fmt.Errorf("creating version: unknown operation kind %q", in.OperationKind)
	}
	status := in.Status
	if status == "" {
		status = model.VersionComplete
	}

	now := s.now().UTC()
	v := &model.Version{
		ID:            uuid.NewString(),
		ProjectID:     in.ProjectID,
		ParentID:      in.ParentID,
		Name:          in.Name,
		Description:   in.Description,
		Files:         model.CloneFiles(in.Files),
		OperationKind: in.OperationKind,
		Status:        status,
		Metadata:      cloneMetadata(in.Metadata),
		RequestID:     in.RequestID,
		CreatedAt:     now,
	}
	filesJSON, err := marshalJSON(v.Files)
	if err != nil {
		return nil, fmt.Errorf("encoding files: %w", err)
	}
	metaJSON, err := marshalJSON(v.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO projects (id, name, head_version_id, head_number, created_at, updated_at)
		 VALUES ($1, $2, '', 0, $3, $4)
		 ON CONFLICT (id) DO NOTHING`),
		in.ProjectID, in.ProjectID, toNanos(now), toNanos(now),
	); err != nil {
		return nil, fmt.Errorf("ensuring project: %w", err)
	}

	var headID string
	var headNumber int
	if err := tx.QueryRowContext(ctx, s.rebind(
		`SELECT head_version_id, head_number FROM projects WHERE id = $1`), in.ProjectID,
	).Scan(&headID, &headNumber); err != nil {
		return nil, fmt.Errorf("reading project head: %w", err)
	}

	conflict := &store.ConflictError{
		ProjectID:  in.ProjectID,
		ParentID:   in.ParentID,
		HeadID:     headID,
		HeadNumber: headNumber,
	}
	rerooting := in.ParentID == "" && headID != ""
	switch {
	case rerooting && in.OperationKind != model.OpImportRepository:
		return nil, conflict
	case !rerooting && in.ParentID != headID:
		return nil, conflict
	}

	v.Number = headNumber + 1
	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO versions (`+versionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`),
		v.ID, v.ProjectID, v.Number, v.ParentID, v.Name, v.Description,
		filesJSON, string(v.OperationKind), string(v.Status), metaJSON, v.RequestID, toNanos(v.CreatedAt),
	); err != nil {
		if isUniqueViolation(err) {
			return nil, conflict
		}
		return nil, fmt.Errorf("inserting version: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE projects SET head_version_id = $1, head_number = $2, updated_at = $3
		 WHERE id = $4 AND head_number = $5`),
		v.ID, v.Number, toNanos(now), v.ProjectID, headNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("advancing head: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("advancing head: %w", err)
	} else if n == 0 {
		return nil, conflict
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, conflict
		}
		return nil, fmt.Errorf("committing version: %w", err)
	}
	return v, nil
}

// GetHead returns the project's latest visible version.
func (s *DB) GetHead(ctx context.Context, projectID string) (*model.Version, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+versionColumns+` FROM versions
		 WHERE project_id = $1 AND status IN `+visibleStatuses+`
		 ORDER BY version_number DESC LIMIT 1`), projectID)
	v, err := scanVersion(row)
	if err != nil {
		return nil, notFound(err)
	}
	return v, nil
}

// GetVersion retrieves a visible version by ID.
func (s *DB) GetVersion(ctx context.Context, versionID string) (*model.Version, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+versionColumns+` FROM versions
		 WHERE id = $1 AND status IN `+visibleStatuses), versionID)
	v, err := scanVersion(row)
	if err != nil {
		return nil, notFound(err)
	}
	return v, nil
}

// GetVersionByRequest retrieves the visible version produced by a request.
func (s *DB) GetVersionByRequest(ctx context.Context, requestID string) (*model.Version, error) {
	if requestID == "" {
		return nil, store.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+versionColumns+` FROM versions
		 WHERE request_id = $1 AND status IN `+visibleStatuses), requestID)
	v, err := scanVersion(row)
	if err != nil {
		return nil, notFound(err)
	}
	return v, nil
}

// ListLineage returns the project's visible versions, oldest first.
func (s *DB) ListLineage(ctx context.Context, projectID string) ([]*model.Version, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+versionColumns+` FROM versions
		 WHERE project_id = $1 AND status IN `+visibleStatuses+`
		 ORDER BY version_number ASC`), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*model.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func scanVersion(row scannable) (*model.Version, error) {
	v := &model.Version{}
	var filesJSON, metaJSON, kind, status string
	var created int64
	err := row.Scan(
		&v.ID, &v.ProjectID, &v.Number, &v.ParentID, &v.Name, &v.Description,
		&filesJSON, &kind, &status, &metaJSON, &v.RequestID, &created,
	)
	if err != nil {
		return nil, err
	}
	v.OperationKind = model.OperationKind(kind)
	v.Status = model.VersionStatus(status)
	v.CreatedAt = fromNanos(created)
	if err := json.Unmarshal([]byte(filesJSON), &v.Files); err != nil {
		return nil, fmt.Errorf("decoding files of %s: %w", v.ID, err)
	}
	if v.Files == nil {
		v.Files = map[string]string{}
	}
	if metaJSON != "" && metaJSON != "null" {
		if err := json.Unmarshal([]byte(metaJSON), &v.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of %s: %w", v.ID, err)
		}
	}
	return v, nil
}

// cloneMetadata copies metadata through JSON so the stored version never
// aliases caller-owned maps or slices.
func cloneMetadata(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return m
	}
	return out
}

// --- Projects ---

// CreateProject inserts a project. An existing id is left untouched.
func (s *DB) CreateProject(ctx context.Context, p *model.Project) error {
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO projects (id, name, head_version_id, head_number, created_at, updated_at)
		 VALUES ($1, $2, '', 0, $3, $4)
		 ON CONFLICT (id) DO NOTHING`),
		p.ID, p.Name, toNanos(p.CreatedAt), toNanos(p.UpdatedAt),
	)
	return err
}

// GetProject retrieves a project by ID.
func (s *DB) GetProject(ctx context.Context, id string) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, name, head_version_id, head_number, created_at, updated_at
		 FROM projects WHERE id = $1`), id)
	p, err := scanProject(row)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

// ListProjects returns all projects, newest first.
func (s *DB) ListProjects(ctx context.Context) ([]*model.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, head_version_id, head_number, created_at, updated_at
		 FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func scanProject(row scannable) (*model.Project, error) {
	p := &model.Project{}
	var created, updated int64
	if err := row.Scan(&p.ID, &p.Name, &p.HeadVersionID, &p.HeadNumber, &created, &updated); err != nil {
		return nil, err
	}
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)
	return p, nil
}
