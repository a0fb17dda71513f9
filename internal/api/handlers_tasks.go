package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskcenter/internal/core"
)

type createTaskRequest struct {
	WorkerID  *int64 `json:"workerId"`
	ProfileID *int64 `json:"profileId"`
	ScriptID  *int64 `json:"scriptId"`
	Respond   string `json:"respond"`
}

type updateTaskRequest struct {
	Status   *string `json:"status"`
	WorkerID *int64  `json:"workerId"`
	ScriptID *int64  `json:"scriptId"`
	Respond  *string `json:"respond"`
	// ProfileID distinguishes an absent field from an explicit null.
	ProfileID json.RawMessage `json:"profileId"`
}

type transitionRequest struct {
	Status string `json:"status"`
}

type simulationResponse struct {
	Status        string  `json:"status"`
	IsRunning     bool    `json:"isRunning"`
	LastKnownGood string  `json:"lastKnownGood"`
	CompletesAt   *string `json:"completesAt,omitempty"`
	LastError     string  `json:"lastError,omitempty"`
}

type taskResponse struct {
	ID           int64               `json:"id"`
	Status       string              `json:"status"`
	WorkerID     int64               `json:"workerId"`
	ProfileID    *int64              `json:"profileId"`
	ScriptID     int64               `json:"scriptId"`
	Respond      string              `json:"respond"`
	CreatedAt    string              `json:"createdAt"`
	WorkerName   string              `json:"workerName,omitempty"`
	ScriptName   string              `json:"scriptName,omitempty"`
	ProfileName  *string             `json:"profileName"`
	NextStatuses []string            `json:"nextStatuses"`
	Simulation   *simulationResponse `json:"simulation,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.logger, "create task", err)
		return
	}
	if req.WorkerID == nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "workerId is required")
		return
	}
	if req.ScriptID == nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "scriptId is required")
		return
	}

	task, err := s.engine.CreateTask(r.Context(), core.NewTask{
		WorkerID:  *req.WorkerID,
		ProfileID: req.ProfileID,
		ScriptID:  *req.ScriptID,
		Respond:   req.Respond,
	})
	if err != nil {
		writeDomainError(w, s.logger, "create task", err)
		return
	}
	writeJSON(w, http.StatusCreated, s.taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var filter core.TaskFilter
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := core.ParseTaskStatus(raw)
		if err != nil {
			writeDomainError(w, s.logger, "list tasks", err)
			return
		}
		filter.Status = &status
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("workerId")); raw != "" {
		workerID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "workerId must be an integer")
			return
		}
		filter.WorkerID = &workerID
	}

	tasks, err := s.engine.ListTasks(r.Context(), filter)
	if err != nil {
		writeDomainError(w, s.logger, "list tasks", err)
		return
	}
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, s.taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := idParam(r, "taskID")
	if !ok {
		writeInvalidID(w, "task")
		return
	}
	task, err := s.engine.GetTask(r.Context(), taskID)
	if err != nil {
		writeDomainError(w, s.logger, "load task", err)
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := idParam(r, "taskID")
	if !ok {
		writeInvalidID(w, "task")
		return
	}
	var req updateTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.logger, "update task", err)
		return
	}

	upd := core.TaskUpdate{
		WorkerID: req.WorkerID,
		ScriptID: req.ScriptID,
		Respond:  req.Respond,
	}
	if req.Status != nil {
		status, err := core.ParseTaskStatus(*req.Status)
		if err != nil {
			writeDomainError(w, s.logger, "update task", err)
			return
		}
		upd.Status = &status
	}
	if len(req.ProfileID) > 0 {
		if bytes.Equal(bytes.TrimSpace(req.ProfileID), []byte("null")) {
			upd.ClearProfile = true
		} else {
			var profileID int64
			if err := json.Unmarshal(req.ProfileID, &profileID); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_input", "profileId must be an integer or null")
				return
			}
			upd.ProfileID = &profileID
		}
	}

	task, err := s.engine.UpdateTask(r.Context(), taskID, upd)
	if err != nil {
		writeDomainError(w, s.logger, "update task", err)
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := idParam(r, "taskID")
	if !ok {
		writeInvalidID(w, "task")
		return
	}
	if err := s.engine.DeleteTask(r.Context(), taskID); err != nil {
		writeDomainError(w, s.logger, "delete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransitionTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := idParam(r, "taskID")
	if !ok {
		writeInvalidID(w, "task")
		return
	}
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.logger, "transition task", err)
		return
	}
	status, err := core.ParseTaskStatus(req.Status)
	if err != nil {
		writeDomainError(w, s.logger, "transition task", err)
		return
	}
	task, err := s.engine.RequestTransition(r.Context(), taskID, status)
	if err != nil {
		writeDomainError(w, s.logger, "transition task", err)
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(task))
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := idParam(r, "taskID")
	if !ok {
		writeInvalidID(w, "task")
		return
	}
	if err := s.simulator.Run(r.Context(), taskID); err != nil {
		writeDomainError(w, s.logger, "run task", err)
		return
	}
	s.writeSimulation(w, taskID)
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := idParam(r, "taskID")
	if !ok {
		writeInvalidID(w, "task")
		return
	}
	if err := s.simulator.Stop(r.Context(), taskID); err != nil {
		writeDomainError(w, s.logger, "stop task", err)
		return
	}
	s.writeSimulation(w, taskID)
}

func (s *Server) handleTaskProfile(w http.ResponseWriter, r *http.Request) {
	taskID, ok := idParam(r, "taskID")
	if !ok {
		writeInvalidID(w, "task")
		return
	}
	task, err := s.engine.GetTask(r.Context(), taskID)
	if err != nil {
		writeDomainError(w, s.logger, "load task", err)
		return
	}
	if task.ProfileID == nil {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("task %d uses its worker's dedicated profile", taskID))
		return
	}
	profile, err := s.store.GetProfile(r.Context(), *task.ProfileID)
	if err != nil {
		writeDomainError(w, s.logger, "load profile", err)
		return
	}
	writeJSON(w, http.StatusOK, profileToResponse(profile))
}

func (s *Server) handleTaskScript(w http.ResponseWriter, r *http.Request) {
	taskID, ok := idParam(r, "taskID")
	if !ok {
		writeInvalidID(w, "task")
		return
	}
	task, err := s.engine.GetTask(r.Context(), taskID)
	if err != nil {
		writeDomainError(w, s.logger, "load task", err)
		return
	}
	script, err := s.store.GetScript(r.Context(), task.ScriptID)
	if err != nil {
		writeDomainError(w, s.logger, "load script", err)
		return
	}
	writeJSON(w, http.StatusOK, scriptToResponse(script, true))
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	table := core.TransitionTable()
	statuses := make([]string, 0, len(core.TaskStatuses))
	transitions := make(map[string][]string, len(table))
	for _, status := range core.TaskStatuses {
		statuses = append(statuses, string(status))
		transitions[string(status)] = statusStrings(table[status])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"statuses":    statuses,
		"transitions": transitions,
	})
}

func (s *Server) writeSimulation(w http.ResponseWriter, taskID int64) {
	state, ok := s.simulator.State(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("task %d is not tracked", taskID))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"taskId":     taskID,
		"simulation": simulationToResponse(state),
	})
}

func (s *Server) taskToResponse(task *core.Task) taskResponse {
	res := taskResponse{
		ID:           task.ID,
		Status:       string(task.Status),
		WorkerID:     task.WorkerID,
		ProfileID:    task.ProfileID,
		ScriptID:     task.ScriptID,
		Respond:      task.Respond,
		CreatedAt:    task.CreatedAt.UTC().Format(time.RFC3339),
		WorkerName:   task.WorkerName,
		ScriptName:   task.ScriptName,
		ProfileName:  task.ProfileName,
		NextStatuses: statusStrings(core.NextStatuses(task.Status)),
	}
	if state, ok := s.simulator.State(task.ID); ok {
		sim := simulationToResponse(state)
		res.Simulation = &sim
	}
	return res
}

func simulationToResponse(state core.ShadowState) simulationResponse {
	res := simulationResponse{
		Status:        string(state.Status),
		IsRunning:     state.IsRunning,
		LastKnownGood: string(state.LastKnownGood),
		LastError:     state.LastError,
	}
	if state.CompletesAt != nil {
		formatted := state.CompletesAt.UTC().Format(time.RFC3339)
		res.CompletesAt = &formatted
	}
	return res
}

func statusStrings(statuses []core.TaskStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
