package core

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// RunDuration is how long a simulated run lasts before it completes.
const RunDuration = 30 * time.Second

// ErrSimulatorClosed is returned by operations issued after Close.
var ErrSimulatorClosed = errors.New("simulator closed")

// Remote is the authoritative side the simulator persists to.
type Remote interface {
	GetTask(ctx context.Context, id int64) (*Task, error)
	RequestTransition(ctx context.Context, id int64, to TaskStatus) (*Task, error)
}

// ShadowState is a point-in-time copy of a task's local shadow.
type ShadowState struct {
	TaskID        int64
	Status        TaskStatus
	IsRunning     bool
	LastKnownGood TaskStatus
	// CompletesAt is set while a completion timer is armed.
	CompletesAt *time.Time
	LastError   string
}

type completionTimer struct {
	gen      uint64
	timer    Timer
	deadline time.Time
}

type pendingWrite struct {
	to      TaskStatus
	version uint64
}

type shadow struct {
	status        TaskStatus
	isRunning     bool
	lastKnownGood TaskStatus
	lastError     string
	// version increments on every local status change so a late persist
	// failure does not roll back a newer state.
	version uint64
	timer   *completionTimer

	// queue holds writes not yet sent; pending also counts the one in flight.
	// Writes for one task are sent one at a time in queue order.
	queue    []pendingWrite
	pending  int
	flushing bool
}

// Simulator gives tasks an optimistic RUNNING phase that completes after a fixed
// duration. Local state changes immediately; the transition is persisted in the
// background and rolled back to the last status the remote confirmed if it fails.
type Simulator struct {
	remote Remote
	clock  Clock
	logger *slog.Logger

	mu      sync.Mutex
	shadows map[int64]*shadow
	gen     uint64
	closed  bool

	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSimulator constructs a simulator persisting through remote.
func NewSimulator(remote Remote, clock Clock, logger *slog.Logger) *Simulator {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Simulator{
		remote:  remote,
		clock:   clock,
		logger:  logger,
		shadows: make(map[int64]*shadow),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Run marks the task RUNNING and arms its completion timer. Running a task that is
// already RUNNING re-arms the timer without another transition.
func (s *Simulator) Run(ctx context.Context, taskID int64) error {
	if err := s.ensureShadow(ctx, taskID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSimulatorClosed
	}
	sh, ok := s.shadows[taskID]
	if !ok {
		return ErrNotFound
	}
	if sh.status == TaskStatusRunning {
		s.armLocked(taskID, sh)
		s.logger.Debug("completion timer re-armed", "task_id", taskID)
		return nil
	}
	if !CanTransition(sh.status, TaskStatusRunning) {
		return &TransitionError{TaskID: taskID, From: sh.status, To: TaskStatusRunning}
	}
	s.armLocked(taskID, sh)
	s.setLocked(sh, TaskStatusRunning)
	s.persistLocked(taskID, sh, TaskStatusRunning)
	return nil
}

// Stop cancels the completion timer of a RUNNING task and marks it FAILED.
func (s *Simulator) Stop(ctx context.Context, taskID int64) error {
	if err := s.ensureShadow(ctx, taskID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSimulatorClosed
	}
	sh, ok := s.shadows[taskID]
	if !ok {
		return ErrNotFound
	}
	if sh.status != TaskStatusRunning {
		return &TransitionError{TaskID: taskID, From: sh.status, To: TaskStatusFailed}
	}
	s.disarmLocked(sh)
	s.setLocked(sh, TaskStatusFailed)
	s.persistLocked(taskID, sh, TaskStatusFailed)
	return nil
}

// Reconcile overwrites local shadows with the authoritative task list. Tasks missing
// from the list are forgotten. A RUNNING task without a timer gets one.
func (s *Simulator) Reconcile(tasks []*Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	seen := make(map[int64]struct{}, len(tasks))
	for _, task := range tasks {
		seen[task.ID] = struct{}{}
		s.observeLocked(task.ID, task.Status)
	}
	for id, sh := range s.shadows {
		if _, ok := seen[id]; !ok {
			s.disarmLocked(sh)
			delete(s.shadows, id)
		}
	}
}

// Forget drops the shadow of a task and cancels its timer.
func (s *Simulator) Forget(taskID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok := s.shadows[taskID]; ok {
		s.disarmLocked(sh)
		delete(s.shadows, taskID)
	}
}

// State returns the shadow of one task.
func (s *Simulator) State(taskID int64) (ShadowState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shadows[taskID]
	if !ok {
		return ShadowState{}, false
	}
	return sh.snapshot(taskID), true
}

// Snapshot returns every shadow ordered by task id.
func (s *Simulator) Snapshot() []ShadowState {
	s.mu.Lock()
	out := make([]ShadowState, 0, len(s.shadows))
	for id, sh := range s.shadows {
		out = append(out, sh.snapshot(id))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Wait blocks until every background persist has finished.
func (s *Simulator) Wait() {
	s.inflight.Wait()
}

// Close cancels all timers and waits for background persists.
func (s *Simulator) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, sh := range s.shadows {
		s.disarmLocked(sh)
	}
	s.mu.Unlock()

	s.inflight.Wait()
	s.cancel()
}

// TaskTransitioned applies transitions accepted by the engine from any caller. While
// local writes for the task are still pending only the confirmed status is recorded.
func (s *Simulator) TaskTransitioned(_ context.Context, t Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.shadows[t.TaskID]; !ok {
		return
	}
	s.observeLocked(t.TaskID, t.To)
}

// TaskDeleted cancels any pending timer for the deleted task.
func (s *Simulator) TaskDeleted(_ context.Context, taskID int64) {
	s.Forget(taskID)
}

func (s *Simulator) ensureShadow(ctx context.Context, taskID int64) error {
	s.mu.Lock()
	_, ok := s.shadows[taskID]
	s.mu.Unlock()
	if ok {
		return nil
	}

	task, err := s.remote.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shadows[taskID]; !ok && !s.closed {
		s.observeLocked(taskID, task.Status)
	}
	return nil
}

// observeLocked applies an authoritative status. The remote wins unless local writes
// are still pending; those settle against the recorded status when they finish.
func (s *Simulator) observeLocked(taskID int64, status TaskStatus) {
	sh, ok := s.shadows[taskID]
	if !ok {
		sh = &shadow{status: status, lastKnownGood: status, isRunning: status == TaskStatusRunning}
		s.shadows[taskID] = sh
		s.syncTimerLocked(taskID, sh)
		return
	}
	sh.lastKnownGood = status
	if sh.pending > 0 {
		return
	}
	if sh.status != status {
		s.setLocked(sh, status)
		sh.lastError = ""
	}
	s.syncTimerLocked(taskID, sh)
}

// syncTimerLocked keeps a timer armed exactly while the shadow is RUNNING.
func (s *Simulator) syncTimerLocked(taskID int64, sh *shadow) {
	switch {
	case s.closed || sh.status != TaskStatusRunning:
		s.disarmLocked(sh)
	case sh.timer == nil:
		s.armLocked(taskID, sh)
		s.logger.Debug("completion timer armed for running task", "task_id", taskID)
	}
}

func (s *Simulator) setLocked(sh *shadow, status TaskStatus) {
	sh.status = status
	sh.isRunning = status == TaskStatusRunning
	sh.version++
}

func (s *Simulator) armLocked(taskID int64, sh *shadow) {
	s.disarmLocked(sh)
	s.gen++
	gen := s.gen
	sh.timer = &completionTimer{
		gen:      gen,
		deadline: s.clock.Now().Add(RunDuration),
		timer:    s.clock.AfterFunc(RunDuration, func() { s.complete(taskID, gen) }),
	}
}

func (s *Simulator) disarmLocked(sh *shadow) {
	if sh.timer != nil {
		sh.timer.timer.Stop()
		sh.timer = nil
	}
}

func (s *Simulator) complete(taskID int64, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	sh, ok := s.shadows[taskID]
	if !ok || sh.timer == nil || sh.timer.gen != gen {
		return
	}
	sh.timer = nil
	s.setLocked(sh, TaskStatusCompleted)
	s.logger.Info("simulated run finished", "task_id", taskID)
	s.persistLocked(taskID, sh, TaskStatusCompleted)
}

// persistLocked queues the transition for the remote. A single goroutine per task
// drains the queue so a later write is only sent once the earlier one has settled.
func (s *Simulator) persistLocked(taskID int64, sh *shadow, to TaskStatus) {
	sh.queue = append(sh.queue, pendingWrite{to: to, version: sh.version})
	sh.pending++
	if sh.flushing {
		return
	}
	sh.flushing = true
	s.inflight.Add(1)
	go s.flush(taskID, sh)
}

func (s *Simulator) flush(taskID int64, sh *shadow) {
	defer s.inflight.Done()
	for {
		s.mu.Lock()
		if cur, ok := s.shadows[taskID]; !ok || cur != sh {
			sh.queue = nil
			sh.pending = 0
		}
		if len(sh.queue) == 0 {
			sh.flushing = false
			s.mu.Unlock()
			return
		}
		w := sh.queue[0]
		sh.queue = sh.queue[1:]
		s.mu.Unlock()

		task, err := s.remote.RequestTransition(s.ctx, taskID, w.to)

		s.mu.Lock()
		s.settleLocked(taskID, sh, w, task, err)
		s.mu.Unlock()
	}
}

func (s *Simulator) settleLocked(taskID int64, sh *shadow, w pendingWrite, task *Task, err error) {
	sh.pending--
	if cur, ok := s.shadows[taskID]; !ok || cur != sh {
		sh.queue = nil
		sh.pending = 0
		return
	}
	if err != nil {
		s.logger.Warn("persist transition failed", "task_id", taskID, "to", w.to, "err", err)
		sh.lastError = err.Error()
		if sh.version == w.version {
			s.setLocked(sh, sh.lastKnownGood)
		}
	} else {
		sh.lastKnownGood = task.Status
		sh.lastError = ""
	}
	if sh.pending == 0 && sh.status != sh.lastKnownGood {
		s.setLocked(sh, sh.lastKnownGood)
	}
	s.syncTimerLocked(taskID, sh)
}

func (sh *shadow) snapshot(taskID int64) ShadowState {
	state := ShadowState{
		TaskID:        taskID,
		Status:        sh.status,
		IsRunning:     sh.isRunning,
		LastKnownGood: sh.lastKnownGood,
		LastError:     sh.lastError,
	}
	if sh.timer != nil {
		deadline := sh.timer.deadline
		state.CompletesAt = &deadline
	}
	return state
}
