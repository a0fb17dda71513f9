package core_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"taskcenter/internal/core"
)

// memStore is an in-memory core.TaskStore.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	tasks    map[int64]core.Task
	scripts  map[int64]bool
	profiles map[int64]bool
	workers  map[int64]bool
	failNext error
}

func newMemStore() *memStore {
	return &memStore{
		tasks:    make(map[int64]core.Task),
		scripts:  map[int64]bool{1: true},
		profiles: map[int64]bool{1: true},
		workers:  map[int64]bool{1: true},
	}
}

func (s *memStore) put(task core.Task) *core.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == 0 {
		s.nextID++
		task.ID = s.nextID
	}
	s.tasks[task.ID] = task
	return &task
}

func (s *memStore) status(id int64) core.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Status
}

func (s *memStore) GetTask(_ context.Context, id int64) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &task, nil
}

func (s *memStore) ListTasks(_ context.Context, filter core.TaskFilter) ([]*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.Status != nil && task.Status != *filter.Status {
			continue
		}
		task := task
		out = append(out, &task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *memStore) InsertTask(_ context.Context, task *core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	task.ID = s.nextID
	task.CreatedAt = time.Now().UTC()
	s.tasks[task.ID] = *task
	return nil
}

func (s *memStore) UpdateTask(_ context.Context, task *core.Task, expected core.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}
	cur, ok := s.tasks[task.ID]
	if !ok {
		return core.ErrNotFound
	}
	if cur.Status != expected {
		return core.ErrStatusChanged
	}
	s.tasks[task.ID] = *task
	return nil
}

func (s *memStore) DeleteTask(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return core.ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *memStore) GetScript(_ context.Context, id int64) (*core.Script, error) {
	if !s.scripts[id] {
		return nil, core.ErrNotFound
	}
	return &core.Script{ID: id}, nil
}

func (s *memStore) GetProfile(_ context.Context, id int64) (*core.Profile, error) {
	if !s.profiles[id] {
		return nil, core.ErrNotFound
	}
	return &core.Profile{ID: id}, nil
}

func (s *memStore) GetWorker(_ context.Context, id int64) (*core.Worker, error) {
	if !s.workers[id] {
		return nil, core.ErrNotFound
	}
	return &core.Worker{ID: id}, nil
}

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	f     func()
	done  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) core.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Advance moves time forward and runs due callbacks in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.done && !t.at.After(c.now) {
			t.done = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending counts timers that have neither fired nor been stopped.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

// recorder is a core.Observer that keeps every call.
type recorder struct {
	mu          sync.Mutex
	transitions []core.Transition
	deleted     []int64
}

func (r *recorder) TaskTransitioned(_ context.Context, t core.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recorder) TaskDeleted(_ context.Context, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, id)
}

func (r *recorder) count(to core.TaskStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.transitions {
		if t.To == to {
			n++
		}
	}
	return n
}
