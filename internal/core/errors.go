package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a task, script, profile or worker does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status change is not in the transition table.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrNotEditable is returned when task references are edited outside the NEW status.
	ErrNotEditable = errors.New("task is not editable")
	// ErrAlreadyExists is returned when a unique name is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInUse is returned when deleting a record that tasks still reference.
	ErrInUse = errors.New("in use")
	// ErrPersistence is returned when the store is unreachable or rejects a write.
	// Callers may retry.
	ErrPersistence = errors.New("persistence failure")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	TaskID int64
	From   TaskStatus
	To     TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %d: cannot move from %s to %s", e.TaskID, e.From, e.To)
}

// Is lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func persistenceError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// isDomainError reports whether err already carries a domain classification.
func isDomainError(err error) bool {
	for _, known := range []error{ErrNotFound, ErrInvalidTransition, ErrValidation, ErrNotEditable, ErrAlreadyExists, ErrInUse, ErrPersistence} {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}

// classify wraps unknown store errors as persistence failures.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return persistenceError(op, err)
}
