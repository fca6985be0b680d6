package model

import "time"

// RequestStatus represents the lifecycle of a user request.
type RequestStatus string

const (
	RequestQueued    RequestStatus = "queued"
	RequestRunning   RequestStatus = "running"
	RequestComplete  RequestStatus = "complete"
	RequestFailed    RequestStatus = "failed"
	RequestCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no further work will happen for the request.
func (s RequestStatus) Terminal() bool {
	return s == RequestComplete || s == RequestFailed || s == RequestCancelled
}

// Request is a user-issued prompt. VersionID stays empty until the pipeline
// links the version it produced.
type Request struct {
	ID            string        `json:"id"`
	ProjectID     string        `json:"project_id"`
	Prompt        string        `json:"prompt"`
	Status        RequestStatus `json:"status"`
	OperationKind OperationKind `json:"operation_kind,omitempty"`
	VersionID     string        `json:"version_id,omitempty"`
	FailedStep    string        `json:"failed_step,omitempty"`
	Error         string        `json:"error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Message is one turn of a project's conversation history.
type Message struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	RequestID string    `json:"request_id,omitempty"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint records the last completed pipeline step of a request together
// with the serialized run state needed to resume after it.
type Checkpoint struct {
	RequestID string    `json:"request_id"`
	ProjectID string    `json:"project_id"`
	Step      string    `json:"step"`
	State     []byte    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}
