package sqldb

import (
	"context"

	"github.com/jxucoder/forgeline/pkg/model"
)

const sandboxColumns = `project_id, sandbox_id, handle, status, framework, package_manager,
	install_command, start_command, port, last_heartbeat, created_at`

// SaveSandbox upserts the session of a project.
func (s *DB) SaveSandbox(ctx context.Context, sb *model.SandboxSession) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO sandboxes (`+sandboxColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (project_id) DO UPDATE SET
			sandbox_id = excluded.sandbox_id, handle = excluded.handle, status = excluded.status,
			framework = excluded.framework, package_manager = excluded.package_manager,
			install_command = excluded.install_command, start_command = excluded.start_command,
			port = excluded.port, last_heartbeat = excluded.last_heartbeat,
			created_at = excluded.created_at`),
		sb.ProjectID, sb.SandboxID, sb.Handle, string(sb.Status), sb.Framework, sb.PackageManager,
		sb.InstallCommand, sb.StartCommand, sb.Port, toNanos(sb.LastHeartbeat), toNanos(sb.CreatedAt),
	)
	return err
}

// GetSandboxByProject returns a project's session.
func (s *DB) GetSandboxByProject(ctx context.Context, projectID string) (*model.SandboxSession, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE project_id = $1`), projectID)
	sb, err := scanSandbox(row)
	if err != nil {
		return nil, notFound(err)
	}
	return sb, nil
}

// GetSandbox returns the session with the given sandbox ID.
func (s *DB) GetSandbox(ctx context.Context, sandboxID string) (*model.SandboxSession, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE sandbox_id = $1`), sandboxID)
	sb, err := scanSandbox(row)
	if err != nil {
		return nil, notFound(err)
	}
	return sb, nil
}

// ListSandboxes returns sessions with the given status; empty status lists all.
func (s *DB) ListSandboxes(ctx context.Context, status model.SandboxStatus) ([]*model.SandboxSession, error) {
	query := `SELECT ` + sandboxColumns + ` FROM sandboxes`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query+` ORDER BY project_id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.SandboxSession
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

func scanSandbox(row scannable) (*model.SandboxSession, error) {
	sb := &model.SandboxSession{}
	var status string
	var heartbeat, created int64
	err := row.Scan(
		&sb.ProjectID, &sb.SandboxID, &sb.Handle, &status, &sb.Framework, &sb.PackageManager,
		&sb.InstallCommand, &sb.StartCommand, &sb.Port, &heartbeat, &created,
	)
	if err != nil {
		return nil, err
	}
	sb.Status = model.SandboxStatus(status)
	sb.LastHeartbeat = fromNanos(heartbeat)
	sb.CreatedAt = fromNanos(created)
	return sb, nil
}
