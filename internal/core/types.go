package core

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusNew       TaskStatus = "NEW"
	TaskStatusReady     TaskStatus = "READY"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusRejected  TaskStatus = "REJECTED"
	TaskStatusConfirmed TaskStatus = "CONFIRMED"
)

// TaskStatuses lists every valid status in lifecycle order.
var TaskStatuses = []TaskStatus{
	TaskStatusNew,
	TaskStatusReady,
	TaskStatusRunning,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusRejected,
	TaskStatusConfirmed,
}

// Valid reports whether s is one of the defined statuses.
func (s TaskStatus) Valid() bool {
	for _, known := range TaskStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseTaskStatus accepts a status name in any case.
func ParseTaskStatus(value string) (TaskStatus, error) {
	status := TaskStatus(strings.ToUpper(strings.TrimSpace(value)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown task status %q: %w", value, ErrValidation)
	}
	return status, nil
}

// Task binds a worker, an optional profile and a required script.
type Task struct {
	ID       int64
	Status   TaskStatus
	WorkerID int64
	// ProfileID is nil when the worker's own dedicated profile should be used.
	ProfileID *int64
	ScriptID  int64
	Respond   string
	CreatedAt time.Time

	// Display references, filled by list/get queries.
	WorkerName  string
	ScriptName  string
	ProfileName *string
}

// NewTask holds the fields accepted when creating a task.
type NewTask struct {
	WorkerID  int64
	ProfileID *int64
	ScriptID  int64
	Respond   string
}

// TaskUpdate is a partial task update. Nil fields are left untouched.
type TaskUpdate struct {
	Status    *TaskStatus
	WorkerID  *int64
	ScriptID  *int64
	Respond   *string
	ProfileID *int64
	// ClearProfile switches the task back to the worker's dedicated profile.
	ClearProfile bool
}

func (u TaskUpdate) changesReferences() bool {
	return u.WorkerID != nil || u.ScriptID != nil || u.ProfileID != nil || u.ClearProfile
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	Status   *TaskStatus
	WorkerID *int64
}

// Script is a named automation program body. Content is opaque.
type Script struct {
	ID          int64
	Name        string
	Content     string
	Description string
	Size        int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Profile is a reusable browser launch configuration.
type Profile struct {
	ID              int64
	Name            string
	Description     string
	UserAgent       string
	CustomUserAgent string
	ViewportWidth   int
	ViewportHeight  int
	Timezone        string
	Language        string
	UseProxy        bool
	ProxyType       string
	ProxyHost       string
	ProxyPort       string
	ProxyUsername   string
	ProxyPassword   string
	// CustomField is a JSON object serialized as text.
	CustomField string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Worker is a named automation agent credential.
type Worker struct {
	ID           int64
	Username     string
	PasswordHash string
	Description  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
