package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"taskcenter/internal/core"
	"taskcenter/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes task operations as MCP tools.
type MCPServer struct {
	store     *store.Store
	engine    *core.Engine
	simulator *core.Simulator
	logger    *slog.Logger
	server    *server.MCPServer
}

// NewMCPServer creates a new MCP server instance with every tool registered.
func NewMCPServer(store *store.Store, engine *core.Engine, simulator *core.Simulator, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		store:     store,
		engine:    engine,
		simulator: simulator,
		logger:    logger,
		server: server.NewMCPServer(
			"taskcenter",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
	}
	s.registerTools()
	return s
}

// Serve speaks MCP over the given stdio streams until ctx is canceled or in closes.
func (s *MCPServer) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("MCP server starting on stdio")
	return server.NewStdioServer(s.server).Listen(ctx, in, out)
}

// Handler serves MCP over streamable HTTP.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}

func (s *MCPServer) registerTools() {
	statuses := make([]string, 0, len(core.TaskStatuses))
	for _, status := range core.TaskStatuses {
		statuses = append(statuses, string(status))
	}

	s.server.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("List tasks, newest first"),
		mcp.WithString("status",
			mcp.Description("Only list tasks in this status"),
			mcp.Enum(statuses...),
		),
		mcp.WithNumber("worker_id",
			mcp.Description("Only list tasks assigned to this worker"),
			mcp.Min(1),
		),
	), s.handleListTasks)

	s.server.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("Show one task with its allowed next statuses"),
		mcp.WithNumber("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleGetTask)

	s.server.AddTool(mcp.NewTool("task_create",
		mcp.WithDescription("Create a task in status NEW"),
		mcp.WithNumber("worker_id", mcp.Required(), mcp.Description("Worker ID")),
		mcp.WithNumber("script_id", mcp.Required(), mcp.Description("Script ID")),
		mcp.WithNumber("profile_id",
			mcp.Description("Profile ID; omit to use the worker's dedicated profile"),
		),
		mcp.WithString("respond", mcp.Description("Initial response text")),
	), s.handleCreateTask)

	s.server.AddTool(mcp.NewTool("task_transition",
		mcp.WithDescription("Move a task to another status if the transition is allowed"),
		mcp.WithNumber("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithString("status",
			mcp.Required(),
			mcp.Description("Target status"),
			mcp.Enum(statuses...),
		),
	), s.handleTransitionTask)

	s.server.AddTool(mcp.NewTool("task_respond",
		mcp.WithDescription("Replace the response text of a task"),
		mcp.WithNumber("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithString("respond", mcp.Required(), mcp.Description("Response text")),
	), s.handleRespondTask)

	s.server.AddTool(mcp.NewTool("task_run",
		mcp.WithDescription("Start a simulated run; the task completes when the run duration elapses"),
		mcp.WithNumber("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleRunTask)

	s.server.AddTool(mcp.NewTool("task_stop",
		mcp.WithDescription("Stop a running task and mark it FAILED"),
		mcp.WithNumber("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleStopTask)

	s.server.AddTool(mcp.NewTool("task_delete",
		mcp.WithDescription("Delete a task"),
		mcp.WithNumber("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleDeleteTask)

	s.server.AddTool(mcp.NewTool("task_transitions",
		mcp.WithDescription("Show the allowed status transitions"),
	), s.handleTransitions)

	s.server.AddTool(mcp.NewTool("script_list",
		mcp.WithDescription("List automation scripts"),
	), s.handleListScripts)

	s.server.AddTool(mcp.NewTool("profile_list",
		mcp.WithDescription("List browser profiles"),
	), s.handleListProfiles)

	s.server.AddTool(mcp.NewTool("worker_list",
		mcp.WithDescription("List workers"),
	), s.handleListWorkers)

	s.logger.Info("MCP tools registered", "count", 12)
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var filter core.TaskFilter
	if raw := mcp.ParseString(request, "status", ""); raw != "" {
		status, err := core.ParseTaskStatus(raw)
		if err != nil {
			return toolError(err), nil
		}
		filter.Status = &status
	}
	workerID, err := optionalID(request, "worker_id")
	if err != nil {
		return toolError(err), nil
	}
	filter.WorkerID = workerID

	tasks, err := s.engine.ListTasks(ctx, filter)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return toolError(err), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "#%d [%s] worker=%s script=%s profile=%s\n",
			t.ID, t.Status, t.WorkerName, t.ScriptName, profileLabel(t))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := requiredID(request, "task_id")
	if err != nil {
		return toolError(err), nil
	}
	task, err := s.engine.GetTask(ctx, taskID)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(s.describeTask(task)), nil
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workerID, err := requiredID(request, "worker_id")
	if err != nil {
		return toolError(err), nil
	}
	scriptID, err := requiredID(request, "script_id")
	if err != nil {
		return toolError(err), nil
	}
	in := core.NewTask{
		WorkerID: workerID,
		ScriptID: scriptID,
		Respond:  mcp.ParseString(request, "respond", ""),
	}
	profileID, err := optionalID(request, "profile_id")
	if err != nil {
		return toolError(err), nil
	}
	in.ProfileID = profileID

	task, err := s.engine.CreateTask(ctx, in)
	if err != nil {
		return toolError(err), nil
	}
	s.logger.Info("task created via mcp", "task_id", task.ID)
	return mcp.NewToolResultText("Task created\n" + s.describeTask(task)), nil
}

func (s *MCPServer) handleTransitionTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := requiredID(request, "task_id")
	if err != nil {
		return toolError(err), nil
	}
	status, err := core.ParseTaskStatus(mcp.ParseString(request, "status", ""))
	if err != nil {
		return toolError(err), nil
	}
	task, err := s.engine.RequestTransition(ctx, taskID, status)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task #%d is now %s", task.ID, task.Status)), nil
}

func (s *MCPServer) handleRespondTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := requiredID(request, "task_id")
	if err != nil {
		return toolError(err), nil
	}
	respond := mcp.ParseString(request, "respond", "")
	task, err := s.engine.UpdateTask(ctx, taskID, core.TaskUpdate{Respond: &respond})
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task #%d response updated", task.ID)), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := requiredID(request, "task_id")
	if err != nil {
		return toolError(err), nil
	}
	if err := s.simulator.Run(ctx, taskID); err != nil {
		return toolError(err), nil
	}
	state, _ := s.simulator.State(taskID)
	return mcp.NewToolResultText(fmt.Sprintf("Task #%d is running\nCompletes at: %s", taskID, formatTime(state.CompletesAt))), nil
}

func (s *MCPServer) handleStopTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := requiredID(request, "task_id")
	if err != nil {
		return toolError(err), nil
	}
	if err := s.simulator.Stop(ctx, taskID); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task #%d stopped", taskID)), nil
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := requiredID(request, "task_id")
	if err != nil {
		return toolError(err), nil
	}
	if err := s.engine.DeleteTask(ctx, taskID); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task #%d deleted", taskID)), nil
}

func (s *MCPServer) handleTransitions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	table := core.TransitionTable()
	var b strings.Builder
	for _, status := range core.TaskStatuses {
		fmt.Fprintf(&b, "%s -> %s\n", status, joinStatuses(table[status]))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListScripts(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scripts, err := s.store.ListScripts(ctx)
	if err != nil {
		return toolError(err), nil
	}
	if len(scripts) == 0 {
		return mcp.NewToolResultText("No scripts found"), nil
	}
	var b strings.Builder
	for _, script := range scripts {
		fmt.Fprintf(&b, "#%d %s (%d bytes)\n", script.ID, script.Name, script.Size)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListProfiles(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	profiles, err := s.store.ListProfiles(ctx)
	if err != nil {
		return toolError(err), nil
	}
	if len(profiles) == 0 {
		return mcp.NewToolResultText("No profiles found"), nil
	}
	var b strings.Builder
	for _, p := range profiles {
		fmt.Fprintf(&b, "#%d %s %dx%d %s %s\n", p.ID, p.Name, p.ViewportWidth, p.ViewportHeight, p.Timezone, p.Language)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListWorkers(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		return toolError(err), nil
	}
	if len(workers) == 0 {
		return mcp.NewToolResultText("No workers found"), nil
	}
	var b strings.Builder
	for _, w := range workers {
		fmt.Fprintf(&b, "#%d %s\n", w.ID, w.Username)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) describeTask(task *core.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %d\n", task.ID)
	fmt.Fprintf(&b, "Status: %s\n", task.Status)
	fmt.Fprintf(&b, "Worker: %s (#%d)\n", task.WorkerName, task.WorkerID)
	fmt.Fprintf(&b, "Script: %s (#%d)\n", task.ScriptName, task.ScriptID)
	fmt.Fprintf(&b, "Profile: %s\n", profileLabel(task))
	fmt.Fprintf(&b, "Next: %s\n", joinStatuses(core.NextStatuses(task.Status)))
	if task.Respond != "" {
		fmt.Fprintf(&b, "Respond: %s\n", truncateString(task.Respond, 200))
	}
	if state, ok := s.simulator.State(task.ID); ok && state.IsRunning {
		fmt.Fprintf(&b, "Completes at: %s\n", formatTime(state.CompletesAt))
	}
	fmt.Fprintf(&b, "Created: %s\n", formatTime(&task.CreatedAt))
	return b.String()
}

// maxExactID is the largest integer a JSON number carries without loss.
const maxExactID = 1 << 53

// optionalID reads a positive whole-number id argument. It returns nil when the
// argument is absent.
func optionalID(request mcp.CallToolRequest, key string) (*int64, error) {
	raw, ok := request.GetArguments()[key]
	if !ok || raw == nil {
		return nil, nil
	}
	v := mcp.ParseFloat64(request, key, 0)
	if v < 1 || v > maxExactID || v != math.Trunc(v) {
		return nil, fmt.Errorf("%s must be a positive whole number, got %v: %w", key, raw, core.ErrValidation)
	}
	id := int64(v)
	return &id, nil
}

func requiredID(request mcp.CallToolRequest, key string) (int64, error) {
	id, err := optionalID(request, key)
	if err != nil {
		return 0, err
	}
	if id == nil {
		return 0, fmt.Errorf("%s is required: %w", key, core.ErrValidation)
	}
	return *id, nil
}

func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return mcp.NewToolResultError("not found: " + err.Error())
	case errors.Is(err, core.ErrInvalidTransition), errors.Is(err, core.ErrNotEditable):
		return mcp.NewToolResultError("rejected: " + err.Error())
	case errors.Is(err, core.ErrValidation):
		return mcp.NewToolResultError("invalid input: " + err.Error())
	default:
		return mcp.NewToolResultError("failed: " + err.Error())
	}
}

func profileLabel(task *core.Task) string {
	if task.ProfileID == nil {
		return "dedicated"
	}
	if task.ProfileName != nil {
		return *task.ProfileName
	}
	return fmt.Sprintf("#%d", *task.ProfileID)
}

func joinStatuses(statuses []core.TaskStatus) string {
	if len(statuses) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		parts = append(parts, string(s))
	}
	return strings.Join(parts, ", ")
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// truncateString shortens s to at most maxLen runes.
func truncateString(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen-3]) + "..."
}
