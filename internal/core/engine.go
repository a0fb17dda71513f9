package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrStatusChanged is returned by TaskStore.UpdateTask when the stored status no longer
// matches the expected one.
var ErrStatusChanged = errors.New("task status changed concurrently")

// casAttempts bounds how often a transition is re-validated after losing a race.
const casAttempts = 3

// TaskStore abstracts the persistence layer used by the engine.
type TaskStore interface {
	GetTask(ctx context.Context, id int64) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	InsertTask(ctx context.Context, task *Task) error
	// UpdateTask writes every mutable task column, but only while the stored
	// status still equals expected.
	UpdateTask(ctx context.Context, task *Task, expected TaskStatus) error
	DeleteTask(ctx context.Context, id int64) error

	GetScript(ctx context.Context, id int64) (*Script, error)
	GetProfile(ctx context.Context, id int64) (*Profile, error)
	GetWorker(ctx context.Context, id int64) (*Worker, error)
}

// Transition describes an accepted status change.
type Transition struct {
	TaskID int64
	From   TaskStatus
	To     TaskStatus
	At     time.Time
	Task   Task
}

// Observer is told about accepted transitions and deletions. Calls are synchronous;
// implementations that do I/O must not block the caller.
type Observer interface {
	TaskTransitioned(ctx context.Context, t Transition)
	TaskDeleted(ctx context.Context, taskID int64)
}

// Engine owns task status changes and is the single source of truth once a
// transition is accepted.
type Engine struct {
	store  TaskStore
	logger *slog.Logger
	locks  taskLocks

	obsMu     sync.RWMutex
	observers []Observer
}

// NewEngine constructs an engine over the given store.
func NewEngine(store TaskStore, logger *slog.Logger, observers ...Observer) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		logger:    logger,
		observers: observers,
	}
}

// AddObserver registers an observer after construction.
func (e *Engine) AddObserver(o Observer) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, o)
}

// GetTask loads a single task.
func (e *Engine) GetTask(ctx context.Context, id int64) (*Task, error) {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, classify("get task", err)
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (e *Engine) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, fmt.Errorf("list tasks: unknown status %q: %w", *filter.Status, ErrValidation)
	}
	tasks, err := e.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, classify("list tasks", err)
	}
	return tasks, nil
}

// CreateTask stores a new task in the NEW status.
func (e *Engine) CreateTask(ctx context.Context, in NewTask) (*Task, error) {
	if err := e.checkReferences(ctx, &in.WorkerID, &in.ScriptID, in.ProfileID); err != nil {
		return nil, err
	}
	task := &Task{
		Status:    TaskStatusNew,
		WorkerID:  in.WorkerID,
		ProfileID: in.ProfileID,
		ScriptID:  in.ScriptID,
		Respond:   in.Respond,
	}
	if err := e.store.InsertTask(ctx, task); err != nil {
		return nil, classify("insert task", err)
	}
	e.logger.Info("task created", "task_id", task.ID, "worker_id", task.WorkerID, "script_id", task.ScriptID)

	created, err := e.store.GetTask(ctx, task.ID)
	if err != nil {
		return nil, classify("reload task", err)
	}
	return created, nil
}

// RequestTransition moves a task to the target status if the transition table allows it.
func (e *Engine) RequestTransition(ctx context.Context, id int64, to TaskStatus) (*Task, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("request transition: unknown status %q: %w", to, ErrValidation)
	}
	unlock := e.locks.lock(id)
	defer unlock()
	for attempt := 0; attempt < casAttempts; attempt++ {
		task, err := e.store.GetTask(ctx, id)
		if err != nil {
			return nil, classify("get task", err)
		}
		from := task.Status
		if !CanTransition(from, to) {
			return nil, &TransitionError{TaskID: id, From: from, To: to}
		}
		task.Status = to
		err = e.store.UpdateTask(ctx, task, from)
		if errors.Is(err, ErrStatusChanged) {
			e.logger.Debug("transition lost race, retrying", "task_id", id, "from", from, "to", to)
			continue
		}
		if err != nil {
			return nil, classify("update task status", err)
		}
		e.logger.Info("task transitioned", "task_id", id, "from", from, "to", to)
		e.notifyTransition(ctx, Transition{TaskID: id, From: from, To: to, At: time.Now().UTC(), Task: *task})
		return task, nil
	}
	return nil, persistenceError("request transition", ErrStatusChanged)
}

// UpdateTask applies a partial update. References may only change while the task is NEW;
// Respond is editable in every status. A status in the update goes through the transition
// table unless it equals the current status.
func (e *Engine) UpdateTask(ctx context.Context, id int64, upd TaskUpdate) (*Task, error) {
	if upd.Status != nil && !upd.Status.Valid() {
		return nil, fmt.Errorf("update task: unknown status %q: %w", *upd.Status, ErrValidation)
	}
	if upd.ProfileID != nil && upd.ClearProfile {
		return nil, fmt.Errorf("update task: profile cannot be set and cleared at once: %w", ErrValidation)
	}
	unlock := e.locks.lock(id)
	defer unlock()

	for attempt := 0; attempt < casAttempts; attempt++ {
		task, err := e.store.GetTask(ctx, id)
		if err != nil {
			return nil, classify("get task", err)
		}
		from := task.Status

		if upd.changesReferences() {
			if from != TaskStatusNew {
				return nil, fmt.Errorf("task %d is %s: %w", id, from, ErrNotEditable)
			}
			if err := e.checkReferences(ctx, upd.WorkerID, upd.ScriptID, upd.ProfileID); err != nil {
				return nil, err
			}
		}

		transitioned := false
		if upd.Status != nil && *upd.Status != from {
			if !CanTransition(from, *upd.Status) {
				return nil, &TransitionError{TaskID: id, From: from, To: *upd.Status}
			}
			task.Status = *upd.Status
			transitioned = true
		}
		if upd.WorkerID != nil {
			task.WorkerID = *upd.WorkerID
		}
		if upd.ScriptID != nil {
			task.ScriptID = *upd.ScriptID
		}
		if upd.ProfileID != nil {
			profileID := *upd.ProfileID
			task.ProfileID = &profileID
		}
		if upd.ClearProfile {
			task.ProfileID = nil
		}
		if upd.Respond != nil {
			task.Respond = *upd.Respond
		}

		err = e.store.UpdateTask(ctx, task, from)
		if errors.Is(err, ErrStatusChanged) {
			continue
		}
		if err != nil {
			return nil, classify("update task", err)
		}

		updated, err := e.store.GetTask(ctx, id)
		if err != nil {
			return nil, classify("reload task", err)
		}
		if transitioned {
			e.logger.Info("task transitioned", "task_id", id, "from", from, "to", updated.Status)
			e.notifyTransition(ctx, Transition{TaskID: id, From: from, To: updated.Status, At: time.Now().UTC(), Task: *updated})
		}
		return updated, nil
	}
	return nil, persistenceError("update task", ErrStatusChanged)
}

// taskLocks serializes writes to one task, including the observer calls that follow
// them, so observers see a task's transitions in the order they were stored.
type taskLocks struct {
	mu    sync.Mutex
	locks map[int64]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

func (l *taskLocks) lock(id int64) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[int64]*taskLock)
	}
	tl, ok := l.locks[id]
	if !ok {
		tl = &taskLock{}
		l.locks[id] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// DeleteTask removes a task in any status.
func (e *Engine) DeleteTask(ctx context.Context, id int64) error {
	unlock := e.locks.lock(id)
	defer unlock()
	if err := e.store.DeleteTask(ctx, id); err != nil {
		return classify("delete task", err)
	}
	e.logger.Info("task deleted", "task_id", id)

	e.obsMu.RLock()
	defer e.obsMu.RUnlock()
	for _, o := range e.observers {
		o.TaskDeleted(ctx, id)
	}
	return nil
}

func (e *Engine) checkReferences(ctx context.Context, workerID, scriptID, profileID *int64) error {
	if workerID != nil {
		if _, err := e.store.GetWorker(ctx, *workerID); err != nil {
			return referenceError("worker", *workerID, err)
		}
	}
	if scriptID != nil {
		if _, err := e.store.GetScript(ctx, *scriptID); err != nil {
			return referenceError("script", *scriptID, err)
		}
	}
	if profileID != nil {
		if _, err := e.store.GetProfile(ctx, *profileID); err != nil {
			return referenceError("profile", *profileID, err)
		}
	}
	return nil
}

func referenceError(kind string, id int64, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s %d does not exist: %w", kind, id, ErrValidation)
	}
	return classify("load "+kind, err)
}

func (e *Engine) notifyTransition(ctx context.Context, t Transition) {
	e.obsMu.RLock()
	defer e.obsMu.RUnlock()
	for _, o := range e.observers {
		o.TaskTransitioned(ctx, t)
	}
}
