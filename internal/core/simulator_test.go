package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"taskcenter/internal/core"
	"taskcenter/internal/core/coremock"
)

type simFixture struct {
	store  *memStore
	engine *core.Engine
	clock  *fakeClock
	sim    *core.Simulator
	events *recorder
}

func newSimFixture(t *testing.T) *simFixture {
	t.Helper()
	store := newMemStore()
	events := &recorder{}
	engine := core.NewEngine(store, noopLogger, events)
	clock := newFakeClock()
	sim := core.NewSimulator(engine, clock, noopLogger)
	engine.AddObserver(sim)
	t.Cleanup(sim.Close)
	return &simFixture{store: store, engine: engine, clock: clock, sim: sim, events: events}
}

func (f *simFixture) task(status core.TaskStatus) int64 {
	return f.store.put(core.Task{Status: status, WorkerID: 1, ScriptID: 1}).ID
}

func (f *simFixture) localStatus(t *testing.T, id int64) core.TaskStatus {
	t.Helper()
	state, ok := f.sim.State(id)
	require.True(t, ok, "no shadow for task %d", id)
	return state.Status
}

func TestSimulator_RunCompletesAfterDuration(t *testing.T) {
	f := newSimFixture(t)
	id := f.task(core.TaskStatusReady)

	require.NoError(t, f.sim.Run(context.Background(), id))

	state, _ := f.sim.State(id)
	assert.Equal(t, core.TaskStatusRunning, state.Status)
	assert.True(t, state.IsRunning)
	require.NotNil(t, state.CompletesAt)
	assert.Equal(t, f.clock.Now().Add(core.RunDuration), *state.CompletesAt)

	f.sim.Wait()
	assert.Equal(t, core.TaskStatusRunning, f.store.status(id))

	f.clock.Advance(core.RunDuration - time.Second)
	f.sim.Wait()
	assert.Equal(t, core.TaskStatusRunning, f.localStatus(t, id))

	f.clock.Advance(time.Second)
	f.sim.Wait()
	assert.Equal(t, core.TaskStatusCompleted, f.localStatus(t, id))
	assert.Equal(t, core.TaskStatusCompleted, f.store.status(id))
	assert.Equal(t, 1, f.events.count(core.TaskStatusCompleted))
	assert.Equal(t, 0, f.clock.Pending())
}

func TestSimulator_StopPreventsCompletion(t *testing.T) {
	f := newSimFixture(t)
	id := f.task(core.TaskStatusReady)

	require.NoError(t, f.sim.Run(context.Background(), id))
	f.sim.Wait()
	f.clock.Advance(5 * time.Second)

	require.NoError(t, f.sim.Stop(context.Background(), id))
	f.sim.Wait()
	assert.Equal(t, core.TaskStatusFailed, f.localStatus(t, id))
	assert.Equal(t, core.TaskStatusFailed, f.store.status(id))
	assert.Equal(t, 0, f.clock.Pending())

	f.clock.Advance(time.Minute)
	f.sim.Wait()
	assert.Equal(t, core.TaskStatusFailed, f.store.status(id))
	assert.Equal(t, 0, f.events.count(core.TaskStatusCompleted))
}

func TestSimulator_DoubleRunKeepsOneTimer(t *testing.T) {
	f := newSimFixture(t)
	id := f.task(core.TaskStatusReady)

	require.NoError(t, f.sim.Run(context.Background(), id))
	require.NoError(t, f.sim.Run(context.Background(), id))
	f.sim.Wait()

	assert.Equal(t, 1, f.clock.Pending())
	assert.Equal(t, 1, f.events.count(core.TaskStatusRunning))

	f.clock.Advance(core.RunDuration)
	f.sim.Wait()
	f.clock.Advance(core.RunDuration)
	f.sim.Wait()

	assert.Equal(t, core.TaskStatusCompleted, f.store.status(id))
	assert.Equal(t, 1, f.events.count(core.TaskStatusCompleted))
}

func TestSimulator_RerunRestartsWindow(t *testing.T) {
	f := newSimFixture(t)
	id := f.task(core.TaskStatusReady)

	require.NoError(t, f.sim.Run(context.Background(), id))
	f.sim.Wait()
	f.clock.Advance(20 * time.Second)
	require.NoError(t, f.sim.Run(context.Background(), id))

	f.clock.Advance(20 * time.Second)
	f.sim.Wait()
	assert.Equal(t, core.TaskStatusRunning, f.store.status(id))

	f.clock.Advance(10 * time.Second)
	f.sim.Wait()
	assert.Equal(t, core.TaskStatusCompleted, f.store.status(id))
}

func TestSimulator_RunValidatesLocally(t *testing.T) {
	tests := map[string]struct {
		status core.TaskStatus
		expErr bool
	}{
		"ready task runs":           {status: core.TaskStatusReady},
		"failed task runs again":    {status: core.TaskStatusFailed},
		"new task must be ready":    {status: core.TaskStatusNew, expErr: true},
		"completed task cannot run": {status: core.TaskStatusCompleted, expErr: true},
		"confirmed task cannot run": {status: core.TaskStatusConfirmed, expErr: true},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			f := newSimFixture(t)
			id := f.task(test.status)

			err := f.sim.Run(context.Background(), id)
			f.sim.Wait()

			if test.expErr {
				require.ErrorIs(t, err, core.ErrInvalidTransition)
				assert.Equal(t, test.status, f.localStatus(t, id))
				assert.Equal(t, test.status, f.store.status(id))
				assert.Equal(t, 0, f.clock.Pending())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, core.TaskStatusRunning, f.store.status(id))
		})
	}
}

func TestSimulator_StopRequiresRunning(t *testing.T) {
	f := newSimFixture(t)
	id := f.task(core.TaskStatusReady)

	err := f.sim.Stop(context.Background(), id)
	require.ErrorIs(t, err, core.ErrInvalidTransition)
	assert.Equal(t, core.TaskStatusReady, f.store.status(id))
}

func TestSimulator_UnknownTask(t *testing.T) {
	f := newSimFixture(t)

	err := f.sim.Run(context.Background(), 99)
	require.ErrorIs(t, err, core.ErrNotFound)
	_, ok := f.sim.State(99)
	assert.False(t, ok)
}

func TestSimulator_CompletedTaskRejectsRunning(t *testing.T) {
	f := newSimFixture(t)
	id := f.task(core.TaskStatusReady)

	require.NoError(t, f.sim.Run(context.Background(), id))
	f.clock.Advance(core.RunDuration)
	f.sim.Wait()

	_, err := f.engine.RequestTransition(context.Background(), id, core.TaskStatusRunning)
	require.ErrorIs(t, err, core.ErrInvalidTransition)
	assert.Equal(t, core.TaskStatusCompleted, f.store.status(id))
}

func TestSimulator_DeleteCancelsTimer(t *testing.T) {
	f := newSimFixture(t)
	id := f.task(core.TaskStatusReady)

	require.NoError(t, f.sim.Run(context.Background(), id))
	f.sim.Wait()
	require.NoError(t, f.engine.DeleteTask(context.Background(), id))

	assert.Equal(t, 0, f.clock.Pending())
	_, ok := f.sim.State(id)
	assert.False(t, ok)

	f.clock.Advance(core.RunDuration)
	f.sim.Wait()
	assert.Equal(t, 0, f.events.count(core.TaskStatusCompleted))
}

func TestSimulator_ExternalTransitionCancelsTimer(t *testing.T) {
	f := newSimFixture(t)
	id := f.task(core.TaskStatusReady)

	require.NoError(t, f.sim.Run(context.Background(), id))
	f.sim.Wait()
	_, err := f.engine.RequestTransition(context.Background(), id, core.TaskStatusFailed)
	require.NoError(t, err)

	state, _ := f.sim.State(id)
	assert.Equal(t, core.TaskStatusFailed, state.Status)
	assert.Nil(t, state.CompletesAt)
	assert.Equal(t, 0, f.clock.Pending())
}

func TestSimulator_Reconcile(t *testing.T) {
	tests := map[string]struct {
		local      core.TaskStatus
		localRun   bool
		server     core.TaskStatus
		expStatus  core.TaskStatus
		expRunning bool
		expTimers  int
	}{
		"server running without local timer arms one": {
			local:      core.TaskStatusReady,
			server:     core.TaskStatusRunning,
			expStatus:  core.TaskStatusRunning,
			expRunning: true,
			expTimers:  1,
		},
		"server wins over local running": {
			local:     core.TaskStatusReady,
			localRun:  true,
			server:    core.TaskStatusFailed,
			expStatus: core.TaskStatusFailed,
			expTimers: 0,
		},
		"agreeing running state keeps the existing timer": {
			local:      core.TaskStatusReady,
			localRun:   true,
			server:     core.TaskStatusRunning,
			expStatus:  core.TaskStatusRunning,
			expRunning: true,
			expTimers:  1,
		},
		"agreeing idle state changes nothing": {
			local:     core.TaskStatusConfirmed,
			server:    core.TaskStatusConfirmed,
			expStatus: core.TaskStatusConfirmed,
			expTimers: 0,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			f := newSimFixture(t)
			id := f.task(test.local)
			f.sim.Reconcile([]*core.Task{{ID: id, Status: test.local}})
			if test.localRun {
				require.NoError(t, f.sim.Run(context.Background(), id))
				f.sim.Wait()
			}

			for i := 0; i < 3; i++ {
				f.sim.Reconcile([]*core.Task{{ID: id, Status: test.server}})
			}

			state, ok := f.sim.State(id)
			require.True(t, ok)
			assert.Equal(t, test.expStatus, state.Status)
			assert.Equal(t, test.expRunning, state.IsRunning)
			assert.Equal(t, test.server, state.LastKnownGood)
			assert.Equal(t, test.expTimers, f.clock.Pending())
		})
	}
}

func TestSimulator_ReconcileArmsTimerForOrphanedRun(t *testing.T) {
	f := newSimFixture(t)
	id := f.task(core.TaskStatusRunning)

	tasks, err := f.engine.ListTasks(context.Background(), core.TaskFilter{})
	require.NoError(t, err)
	f.sim.Reconcile(tasks)
	require.Equal(t, 1, f.clock.Pending())

	f.clock.Advance(core.RunDuration)
	f.sim.Wait()
	assert.Equal(t, core.TaskStatusCompleted, f.store.status(id))
}

func TestSimulator_ReconcileForgetsMissingTasks(t *testing.T) {
	f := newSimFixture(t)
	id := f.task(core.TaskStatusReady)
	require.NoError(t, f.sim.Run(context.Background(), id))
	f.sim.Wait()

	f.sim.Reconcile(nil)

	_, ok := f.sim.State(id)
	assert.False(t, ok)
	assert.Equal(t, 0, f.clock.Pending())
	assert.Empty(t, f.sim.Snapshot())
}

func TestSimulator_PersistFailureRollsBack(t *testing.T) {
	persistErr := errors.New("connection refused")

	tests := map[string]struct {
		initial   core.TaskStatus
		action    func(sim *core.Simulator, clock *fakeClock, id int64) error
		failTo    core.TaskStatus
		expStatus core.TaskStatus
		expTimers int
	}{
		"failed run returns to ready": {
			initial: core.TaskStatusReady,
			action: func(sim *core.Simulator, _ *fakeClock, id int64) error {
				return sim.Run(context.Background(), id)
			},
			failTo:    core.TaskStatusRunning,
			expStatus: core.TaskStatusReady,
			expTimers: 0,
		},
		"failed re-run returns to failed": {
			initial: core.TaskStatusFailed,
			action: func(sim *core.Simulator, _ *fakeClock, id int64) error {
				return sim.Run(context.Background(), id)
			},
			failTo:    core.TaskStatusRunning,
			expStatus: core.TaskStatusFailed,
			expTimers: 0,
		},
		"failed stop returns to running": {
			initial: core.TaskStatusRunning,
			action: func(sim *core.Simulator, _ *fakeClock, id int64) error {
				return sim.Stop(context.Background(), id)
			},
			failTo:    core.TaskStatusFailed,
			expStatus: core.TaskStatusRunning,
			expTimers: 1,
		},
		"failed completion returns to running": {
			initial: core.TaskStatusRunning,
			action: func(_ *core.Simulator, clock *fakeClock, _ int64) error {
				clock.Advance(core.RunDuration)
				return nil
			},
			failTo:    core.TaskStatusCompleted,
			expStatus: core.TaskStatusRunning,
			expTimers: 1,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			remote := &coremock.MockRemote{}
			remote.On("GetTask", mock.Anything, int64(7)).Maybe().Return(&core.Task{ID: 7, Status: test.initial}, nil)
			remote.On("RequestTransition", mock.Anything, int64(7), test.failTo).Once().Return(nil, persistErr)

			clock := newFakeClock()
			sim := core.NewSimulator(remote, clock, noopLogger)
			defer sim.Close()
			sim.Reconcile([]*core.Task{{ID: 7, Status: test.initial}})

			require.NoError(t, test.action(sim, clock, 7))
			sim.Wait()

			state, ok := sim.State(7)
			require.True(t, ok)
			assert.Equal(t, test.expStatus, state.Status)
			assert.Equal(t, test.expStatus == core.TaskStatusRunning, state.IsRunning)
			assert.Equal(t, test.initial, state.LastKnownGood)
			assert.Contains(t, state.LastError, "connection refused")
			assert.Equal(t, test.expTimers, clock.Pending())
			remote.AssertExpectations(t)
		})
	}
}

func TestSimulator_LateFailureKeepsNewerState(t *testing.T) {
	release := make(chan struct{})
	remote := &coremock.MockRemote{}
	remote.On("RequestTransition", mock.Anything, int64(7), core.TaskStatusRunning).Once().
		Run(func(mock.Arguments) { <-release }).
		Return(nil, errors.New("timeout"))

	clock := newFakeClock()
	sim := core.NewSimulator(remote, clock, noopLogger)
	defer sim.Close()
	sim.Reconcile([]*core.Task{{ID: 7, Status: core.TaskStatusReady}})

	require.NoError(t, sim.Run(context.Background(), 7))
	sim.Reconcile([]*core.Task{{ID: 7, Status: core.TaskStatusFailed}})
	close(release)
	sim.Wait()

	state, _ := sim.State(7)
	assert.Equal(t, core.TaskStatusFailed, state.Status)
	assert.Equal(t, core.TaskStatusFailed, state.LastKnownGood)
}

func TestSimulator_SuccessfulPersistUpdatesLastKnownGood(t *testing.T) {
	remote := &coremock.MockRemote{}
	remote.On("RequestTransition", mock.Anything, int64(3), core.TaskStatusRunning).Once().
		Return(&core.Task{ID: 3, Status: core.TaskStatusRunning}, nil)

	sim := core.NewSimulator(remote, newFakeClock(), noopLogger)
	defer sim.Close()
	sim.Reconcile([]*core.Task{{ID: 3, Status: core.TaskStatusFailed}})

	require.NoError(t, sim.Run(context.Background(), 3))
	sim.Wait()

	state, _ := sim.State(3)
	assert.Equal(t, core.TaskStatusRunning, state.LastKnownGood)
	assert.Empty(t, state.LastError)
}

func TestSimulator_Close(t *testing.T) {
	f := newSimFixture(t)
	id := f.task(core.TaskStatusReady)
	require.NoError(t, f.sim.Run(context.Background(), id))

	f.sim.Close()
	assert.Equal(t, 0, f.clock.Pending())
	assert.ErrorIs(t, f.sim.Run(context.Background(), id), core.ErrSimulatorClosed)
	assert.Equal(t, core.TaskStatusRunning, f.store.status(id))
}

func TestSimulator_SnapshotIsOrdered(t *testing.T) {
	f := newSimFixture(t)
	f.sim.Reconcile([]*core.Task{
		{ID: 3, Status: core.TaskStatusNew},
		{ID: 1, Status: core.TaskStatusReady},
		{ID: 2, Status: core.TaskStatusCompleted},
	})

	snap := f.sim.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{snap[0].TaskID, snap[1].TaskID, snap[2].TaskID})
}

// gatedRemote holds RUNNING writes until released and records the order writes arrive.
type gatedRemote struct {
	*core.Engine
	release chan struct{}

	mu    sync.Mutex
	order []core.TaskStatus
}

func (g *gatedRemote) RequestTransition(ctx context.Context, id int64, to core.TaskStatus) (*core.Task, error) {
	g.mu.Lock()
	g.order = append(g.order, to)
	g.mu.Unlock()
	if to == core.TaskStatusRunning {
		<-g.release
	}
	return g.Engine.RequestTransition(ctx, id, to)
}

func (g *gatedRemote) calls() []core.TaskStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]core.TaskStatus(nil), g.order...)
}

func TestSimulator_WritesForOneTaskStayOrdered(t *testing.T) {
	tests := map[string]struct {
		act       func(t *testing.T, sim *core.Simulator, clock *fakeClock, id int64)
		expOrder  []core.TaskStatus
		expStatus core.TaskStatus
	}{
		"Stop issued while the run is unconfirmed should win.": {
			act: func(t *testing.T, sim *core.Simulator, _ *fakeClock, id int64) {
				require.NoError(t, sim.Stop(context.Background(), id))
			},
			expOrder:  []core.TaskStatus{core.TaskStatusRunning, core.TaskStatusFailed},
			expStatus: core.TaskStatusFailed,
		},
		"Completion fired while the run is unconfirmed should follow it.": {
			act: func(_ *testing.T, _ *core.Simulator, clock *fakeClock, _ int64) {
				clock.Advance(core.RunDuration)
			},
			expOrder:  []core.TaskStatus{core.TaskStatusRunning, core.TaskStatusCompleted},
			expStatus: core.TaskStatusCompleted,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			store := newMemStore()
			events := &recorder{}
			engine := core.NewEngine(store, noopLogger, events)
			remote := &gatedRemote{Engine: engine, release: make(chan struct{})}
			clock := newFakeClock()
			sim := core.NewSimulator(remote, clock, noopLogger)
			engine.AddObserver(sim)
			defer sim.Close()
			id := store.put(core.Task{Status: core.TaskStatusReady, WorkerID: 1, ScriptID: 1}).ID

			require.NoError(t, sim.Run(context.Background(), id))
			test.act(t, sim, clock, id)
			close(remote.release)
			sim.Wait()

			assert.Equal(t, test.expOrder, remote.calls())
			assert.Equal(t, test.expStatus, store.status(id))
			state, _ := sim.State(id)
			assert.Equal(t, test.expStatus, state.Status)
			assert.Equal(t, test.expStatus, state.LastKnownGood)
			assert.Empty(t, state.LastError)

			clock.Advance(time.Minute)
			sim.Wait()
			assert.Equal(t, test.expStatus, store.status(id))
			assert.Equal(t, 0, clock.Pending())
			assert.Equal(t, 1, events.count(test.expStatus))
		})
	}
}

func TestSimulator_FailedRunThenStopEndsAtLastKnownGood(t *testing.T) {
	release := make(chan struct{})
	remote := &coremock.MockRemote{}
	remote.On("RequestTransition", mock.Anything, int64(7), core.TaskStatusRunning).Once().
		Run(func(mock.Arguments) { <-release }).
		Return(nil, errors.New("timeout"))
	remote.On("RequestTransition", mock.Anything, int64(7), core.TaskStatusFailed).Once().
		Return(nil, &core.TransitionError{TaskID: 7, From: core.TaskStatusReady, To: core.TaskStatusFailed})

	clock := newFakeClock()
	sim := core.NewSimulator(remote, clock, noopLogger)
	defer sim.Close()
	sim.Reconcile([]*core.Task{{ID: 7, Status: core.TaskStatusReady}})

	require.NoError(t, sim.Run(context.Background(), 7))
	require.NoError(t, sim.Stop(context.Background(), 7))
	close(release)
	sim.Wait()

	state, _ := sim.State(7)
	assert.Equal(t, core.TaskStatusReady, state.Status)
	assert.NotEmpty(t, state.LastError)
	assert.Equal(t, 0, clock.Pending())
	remote.AssertExpectations(t)
}

func TestSimulator_EchoedTransitionKeepsNewerLocalState(t *testing.T) {
	store := newMemStore()
	engine := core.NewEngine(store, noopLogger)
	remote := &gatedRemote{Engine: engine, release: make(chan struct{})}
	clock := newFakeClock()
	sim := core.NewSimulator(remote, clock, noopLogger)
	engine.AddObserver(sim)
	defer sim.Close()
	id := store.put(core.Task{Status: core.TaskStatusReady, WorkerID: 1, ScriptID: 1}).ID

	require.NoError(t, sim.Run(context.Background(), id))
	require.NoError(t, sim.Stop(context.Background(), id))

	sim.TaskTransitioned(context.Background(), core.Transition{TaskID: id, From: core.TaskStatusReady, To: core.TaskStatusRunning})
	state, _ := sim.State(id)
	assert.Equal(t, core.TaskStatusFailed, state.Status)
	assert.Equal(t, core.TaskStatusRunning, state.LastKnownGood)
	assert.Equal(t, 0, clock.Pending())

	close(remote.release)
	sim.Wait()
	state, _ = sim.State(id)
	assert.Equal(t, core.TaskStatusFailed, state.Status)
	assert.Equal(t, core.TaskStatusFailed, store.status(id))
}
