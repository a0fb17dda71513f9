// Package coremock provides testify mocks for the core interfaces.
package coremock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"taskcenter/internal/core"
)

// MockTaskStore is a mock of core.TaskStore.
type MockTaskStore struct {
	mock.Mock
}

var _ core.TaskStore = (*MockTaskStore)(nil)

func (m *MockTaskStore) GetTask(ctx context.Context, id int64) (*core.Task, error) {
	ret := m.Called(ctx, id)
	task, _ := ret.Get(0).(*core.Task)
	return task, ret.Error(1)
}

func (m *MockTaskStore) ListTasks(ctx context.Context, filter core.TaskFilter) ([]*core.Task, error) {
	ret := m.Called(ctx, filter)
	tasks, _ := ret.Get(0).([]*core.Task)
	return tasks, ret.Error(1)
}

func (m *MockTaskStore) InsertTask(ctx context.Context, task *core.Task) error {
	return m.Called(ctx, task).Error(0)
}

func (m *MockTaskStore) UpdateTask(ctx context.Context, task *core.Task, expected core.TaskStatus) error {
	return m.Called(ctx, task, expected).Error(0)
}

func (m *MockTaskStore) DeleteTask(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockTaskStore) GetScript(ctx context.Context, id int64) (*core.Script, error) {
	ret := m.Called(ctx, id)
	script, _ := ret.Get(0).(*core.Script)
	return script, ret.Error(1)
}

func (m *MockTaskStore) GetProfile(ctx context.Context, id int64) (*core.Profile, error) {
	ret := m.Called(ctx, id)
	profile, _ := ret.Get(0).(*core.Profile)
	return profile, ret.Error(1)
}

func (m *MockTaskStore) GetWorker(ctx context.Context, id int64) (*core.Worker, error) {
	ret := m.Called(ctx, id)
	worker, _ := ret.Get(0).(*core.Worker)
	return worker, ret.Error(1)
}

// MockRemote is a mock of core.Remote.
type MockRemote struct {
	mock.Mock
}

var _ core.Remote = (*MockRemote)(nil)

func (m *MockRemote) GetTask(ctx context.Context, id int64) (*core.Task, error) {
	ret := m.Called(ctx, id)
	task, _ := ret.Get(0).(*core.Task)
	return task, ret.Error(1)
}

func (m *MockRemote) RequestTransition(ctx context.Context, id int64, to core.TaskStatus) (*core.Task, error) {
	ret := m.Called(ctx, id, to)
	task, _ := ret.Get(0).(*core.Task)
	return task, ret.Error(1)
}

// MockObserver is a mock of core.Observer.
type MockObserver struct {
	mock.Mock
}

var _ core.Observer = (*MockObserver)(nil)

func (m *MockObserver) TaskTransitioned(ctx context.Context, t core.Transition) {
	m.Called(ctx, t)
}

func (m *MockObserver) TaskDeleted(ctx context.Context, taskID int64) {
	m.Called(ctx, taskID)
}

// MockTaskLister is a mock of core.TaskLister.
type MockTaskLister struct {
	mock.Mock
}

var _ core.TaskLister = (*MockTaskLister)(nil)

func (m *MockTaskLister) ListTasks(ctx context.Context, filter core.TaskFilter) ([]*core.Task, error) {
	ret := m.Called(ctx, filter)
	tasks, _ := ret.Get(0).([]*core.Task)
	return tasks, ret.Error(1)
}
