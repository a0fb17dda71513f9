package mcp

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcenter/internal/core"
	"taskcenter/internal/store"
)

func newTestServer(t *testing.T) (*MCPServer, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(context.Background(), t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	engine := core.NewEngine(st, logger)
	sim := core.NewSimulator(engine, core.SystemClock(), logger)
	engine.AddObserver(sim)
	t.Cleanup(sim.Close)

	ctx := context.Background()
	require.NoError(t, st.InsertWorker(ctx, &core.Worker{Username: "alice", PasswordHash: "x"}))
	require.NoError(t, st.InsertScript(ctx, &core.Script{Name: "login", Content: "1"}))
	return NewMCPServer(st, engine, sim, logger), st
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text, res.IsError
}

func TestTaskTools(t *testing.T) {
	s, st := newTestServer(t)

	out, isErr := call(t, s.handleCreateTask, map[string]any{"worker_id": float64(1), "script_id": float64(1)})
	require.False(t, isErr, out)
	assert.Contains(t, out, "Status: NEW")
	assert.Contains(t, out, "Profile: dedicated")

	out, isErr = call(t, s.handleTransitionTask, map[string]any{"task_id": float64(1), "status": "running"})
	assert.True(t, isErr)
	assert.Contains(t, out, "rejected")

	out, isErr = call(t, s.handleTransitionTask, map[string]any{"task_id": float64(1), "status": "READY"})
	require.False(t, isErr, out)
	assert.Contains(t, out, "is now READY")

	out, isErr = call(t, s.handleRunTask, map[string]any{"task_id": float64(1)})
	require.False(t, isErr, out)
	s.simulator.Wait()
	task, err := st.GetTask(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusRunning, task.Status)

	out, isErr = call(t, s.handleStopTask, map[string]any{"task_id": float64(1)})
	require.False(t, isErr, out)
	s.simulator.Wait()

	out, isErr = call(t, s.handleListTasks, map[string]any{"status": "FAILED"})
	require.False(t, isErr, out)
	assert.Contains(t, out, "#1 [FAILED] worker=alice script=login")

	out, isErr = call(t, s.handleRespondTask, map[string]any{"task_id": float64(1), "respond": "retry later"})
	require.False(t, isErr, out)

	out, isErr = call(t, s.handleDeleteTask, map[string]any{"task_id": float64(1)})
	require.False(t, isErr, out)

	out, isErr = call(t, s.handleGetTask, map[string]any{"task_id": float64(1)})
	assert.True(t, isErr)
	assert.Contains(t, out, "not found")
}

func TestToolArgumentErrors(t *testing.T) {
	tests := map[string]struct {
		handler func(*MCPServer) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
		args    map[string]any
		expText string
	}{
		"Missing task id should fail.": {
			handler: func(s *MCPServer) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return s.handleGetTask
			},
			args:    map[string]any{},
			expText: "task_id is required",
		},
		"Unknown worker should fail validation.": {
			handler: func(s *MCPServer) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return s.handleCreateTask
			},
			args:    map[string]any{"worker_id": float64(42), "script_id": float64(1)},
			expText: "invalid input",
		},
		"Fractional task id should fail validation.": {
			handler: func(s *MCPServer) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return s.handleGetTask
			},
			args:    map[string]any{"task_id": 1.9},
			expText: "task_id must be a positive whole number",
		},
		"Negative worker filter should fail validation.": {
			handler: func(s *MCPServer) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return s.handleListTasks
			},
			args:    map[string]any{"worker_id": float64(-1)},
			expText: "worker_id must be a positive whole number",
		},
		"Fractional profile id should fail validation.": {
			handler: func(s *MCPServer) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return s.handleCreateTask
			},
			args:    map[string]any{"worker_id": float64(1), "script_id": float64(1), "profile_id": 0.5},
			expText: "profile_id must be a positive whole number",
		},
		"Unknown status filter should fail validation.": {
			handler: func(s *MCPServer) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return s.handleListTasks
			},
			args:    map[string]any{"status": "PAUSED"},
			expText: "invalid input",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			s, _ := newTestServer(t)
			out, isErr := call(t, test.handler(s), test.args)
			assert.True(t, isErr)
			assert.Contains(t, out, test.expText)
		})
	}
}

func TestCatalogTools(t *testing.T) {
	s, _ := newTestServer(t)

	out, _ := call(t, s.handleListScripts, nil)
	assert.Contains(t, out, "#1 login (1 bytes)")

	out, _ = call(t, s.handleListWorkers, nil)
	assert.Contains(t, out, "#1 alice")

	out, _ = call(t, s.handleListProfiles, nil)
	assert.Equal(t, "No profiles found", out)

	out, _ = call(t, s.handleTransitions, nil)
	assert.Contains(t, out, "COMPLETED -> CONFIRMED, REJECTED")
	assert.Contains(t, out, "NEW -> READY")
}

func TestHandlerNotNil(t *testing.T) {
	s, _ := newTestServer(t)
	assert.NotNil(t, s.Handler())
}

func TestTruncateString(t *testing.T) {
	tests := map[string]struct {
		in  string
		max int
		exp string
	}{
		"Short text should be kept.":             {in: "done", max: 10, exp: "done"},
		"Long ASCII text should be cut.":         {in: "abcdefghij", max: 6, exp: "abc..."},
		"Multi-byte text should be cut by rune.": {in: "任务已经完成了吗", max: 5, exp: "任务..."},
		"Text of exactly max runes is kept.":     {in: "héllo", max: 5, exp: "héllo"},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			got := truncateString(test.in, test.max)
			assert.Equal(t, test.exp, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
