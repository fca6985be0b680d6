// Package store defines the persistence contracts for Forgeline.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jxucoder/forgeline/pkg/model"
)

// ErrNotFound is returned when a requested row does not exist or is not yet
// visible to readers.
var ErrNotFound = errors.New("not found")

// ErrConflict is matched by every *ConflictError.
var ErrConflict = errors.New("version conflict")

// ConflictError reports that a version could not be created because the
// caller's parent no longer matches the project head.
type ConflictError struct {
	ProjectID  string
	ParentID   string
	HeadID     string
	HeadNumber int
}

func (e *ConflictError) Error() string {
	head := e.HeadID
	if head == "" {
		head = "<none>"
	}
	parent := e.ParentID
	if parent == "" {
		parent = "<none>"
	}
	return fmt.Sprintf("version conflict on project %s: parent %s, head %s (#%d)",
		e.ProjectID, parent, head, e.HeadNumber)
}

// Is makes errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// NewVersion is the input to CreateVersion. Status defaults to complete.
type NewVersion struct {
	ProjectID     string
	ParentID      string
	Name          string
	Description   string
	Files         map[string]string
	OperationKind model.OperationKind
	Status        model.VersionStatus
	Metadata      map[string]any
	// RequestID, when set, is unique across all versions.
	RequestID string
}

// VersionStore persists the immutable version chain of each project.
type VersionStore interface {
	// CreateVersion assigns the next version number and advances the head
	// atomically. A parent that is not the current head yields *ConflictError.
	CreateVersion(ctx context.Context, in NewVersion) (*model.Version, error)
	// GetHead returns the latest visible version, or ErrNotFound.
	GetHead(ctx context.Context, projectID string) (*model.Version, error)
	GetVersion(ctx context.Context, versionID string) (*model.Version, error)
	// GetVersionByRequest returns the version a request produced, or ErrNotFound.
	GetVersionByRequest(ctx context.Context, requestID string) (*model.Version, error)
	// ListLineage returns visible versions ordered by version number.
	ListLineage(ctx context.Context, projectID string) ([]*model.Version, error)
}

// ProjectStore persists projects.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]*model.Project, error)
}

// RequestStore persists user requests and the conversation history.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *model.Request) error
	GetRequest(ctx context.Context, id string) (*model.Request, error)
	UpdateRequest(ctx context.Context, r *model.Request) error
	// LinkRequest sets the version a request produced.
	LinkRequest(ctx context.Context, requestID, versionID string) error
	// ListRequestsByStatus returns matching requests oldest first.
	ListRequestsByStatus(ctx context.Context, statuses ...model.RequestStatus) ([]*model.Request, error)
	AddMessage(ctx context.Context, msg *model.Message) error
	ListMessages(ctx context.Context, projectID string) ([]*model.Message, error)
}

// CheckpointStore persists the last completed pipeline step per request.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	// GetCheckpoint returns ErrNotFound when the request has none.
	GetCheckpoint(ctx context.Context, requestID string) (*model.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, requestID string) error
}

// SandboxStore persists sandbox sessions, one per project.
type SandboxStore interface {
	SaveSandbox(ctx context.Context, s *model.SandboxSession) error
	GetSandboxByProject(ctx context.Context, projectID string) (*model.SandboxSession, error)
	GetSandbox(ctx context.Context, sandboxID string) (*model.SandboxSession, error)
	ListSandboxes(ctx context.Context, status model.SandboxStatus) ([]*model.SandboxSession, error)
}

// ClassificationStore memoizes AI classification decisions.
type ClassificationStore interface {
	// GetClassification returns ErrNotFound when no decision is memoized.
	GetClassification(ctx context.Context, promptHash string) (model.OperationKind, error)
	// PutClassification stores kind unless a decision already exists, and
	// returns the decision that is now on record.
	PutClassification(ctx context.Context, promptHash string, kind model.OperationKind) (model.OperationKind, error)
}

// Store is the full persistence surface used by the engine.
type Store interface {
	VersionStore
	ProjectStore
	RequestStore
	CheckpointStore
	SandboxStore
	ClassificationStore
	Close() error
}
