// Package model defines the domain types shared across Forgeline packages.
package model

import (
	"strings"
	"time"
)

// OperationKind is the classified category of a user request.
type OperationKind string

const (
	OpCreateFile       OperationKind = "CREATE_FILE"
	OpModifyFile       OperationKind = "MODIFY_FILE"
	OpDeleteFile       OperationKind = "DELETE_FILE"
	OpRefactorCode     OperationKind = "REFACTOR_CODE"
	OpGenerateProject  OperationKind = "GENERATE_PROJECT"
	OpImportRepository OperationKind = "IMPORT_REPOSITORY"
)

// OperationKinds lists every kind from most to least conservative.
var OperationKinds = []OperationKind{
	OpModifyFile,
	OpRefactorCode,
	OpCreateFile,
	OpDeleteFile,
	OpGenerateProject,
	OpImportRepository,
}

// Valid reports whether k is one of the known operation kinds.
func (k OperationKind) Valid() bool {
	return k.rank() >= 0
}

func (k OperationKind) rank() int {
	for i, kind := range OperationKinds {
		if kind == k {
			return i
		}
	}
	return -1
}

// MoreConservative returns whichever of a and b is less likely to duplicate or
// destroy existing work. Unknown kinds lose to known ones.
func MoreConservative(a, b OperationKind) OperationKind {
	ra, rb := a.rank(), b.rank()
	switch {
	case ra < 0:
		return b
	case rb < 0:
		return a
	case rb < ra:
		return b
	}
	return a
}

// ParseOperationKind accepts loose spellings such as "modify file" or
// "modify-file" and returns the canonical kind.
func ParseOperationKind(s string) (OperationKind, bool) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	k := OperationKind(norm)
	return k, k.Valid()
}

// VersionStatus is the state of a version row.
type VersionStatus string

const (
	VersionPending    VersionStatus = "pending"
	VersionGenerating VersionStatus = "generating"
	VersionComplete   VersionStatus = "complete"
	VersionFailed     VersionStatus = "failed"
)

// Visible reports whether readers may observe a version in this state.
func (s VersionStatus) Visible() bool {
	return s == VersionComplete || s == VersionFailed
}

// Version is an immutable, fully materialized snapshot of a project's files.
type Version struct {
	ID            string            `json:"id"`
	ProjectID     string            `json:"project_id"`
	Number        int               `json:"version_number"`
	ParentID      string            `json:"parent_version_id,omitempty"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Files         map[string]string `json:"files"`
	OperationKind OperationKind     `json:"operation_kind"`
	Status        VersionStatus     `json:"status"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	RequestID     string            `json:"request_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// IsRoot reports whether the version starts a lineage.
func (v *Version) IsRoot() bool { return v.ParentID == "" }

// Project is the top-level container owning one version chain.
type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	HeadVersionID string    `json:"head_version_id,omitempty"`
	HeadNumber    int       `json:"head_number"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
