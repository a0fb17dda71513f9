package api

import (
	"net/http"
	"strings"
	"time"

	"taskcenter/internal/core"
)

type workerRequest struct {
	Username    *string `json:"username"`
	Password    *string `json:"password"`
	Description *string `json:"description"`
}

// workerResponse never carries the password hash.
type workerResponse struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	Description string `json:"description"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		writeDomainError(w, s.logger, "list workers", err)
		return
	}
	res := make([]workerResponse, 0, len(workers))
	for _, wk := range workers {
		res = append(res, workerToResponse(wk))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	workerID, ok := idParam(r, "workerID")
	if !ok {
		writeInvalidID(w, "worker")
		return
	}
	worker, err := s.store.GetWorker(r.Context(), workerID)
	if err != nil {
		writeDomainError(w, s.logger, "load worker", err)
		return
	}
	writeJSON(w, http.StatusOK, workerToResponse(worker))
}

func (s *Server) handleCreateWorker(w http.ResponseWriter, r *http.Request) {
	var req workerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.logger, "create worker", err)
		return
	}
	if req.Username == nil || req.Password == nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "username and password are required")
		return
	}
	hash, err := core.HashPassword(*req.Password)
	if err != nil {
		writeDomainError(w, s.logger, "create worker", err)
		return
	}
	worker := &core.Worker{Username: strings.TrimSpace(*req.Username), PasswordHash: hash}
	if req.Description != nil {
		worker.Description = strings.TrimSpace(*req.Description)
	}
	if err := core.ValidateWorker(worker); err != nil {
		writeDomainError(w, s.logger, "create worker", err)
		return
	}
	if err := s.store.InsertWorker(r.Context(), worker); err != nil {
		writeDomainError(w, s.logger, "create worker", err)
		return
	}
	s.logger.Info("worker created", "worker_id", worker.ID, "username", worker.Username)
	writeJSON(w, http.StatusCreated, workerToResponse(worker))
}

func (s *Server) handleUpdateWorker(w http.ResponseWriter, r *http.Request) {
	workerID, ok := idParam(r, "workerID")
	if !ok {
		writeInvalidID(w, "worker")
		return
	}
	var req workerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.logger, "update worker", err)
		return
	}
	worker, err := s.store.GetWorker(r.Context(), workerID)
	if err != nil {
		writeDomainError(w, s.logger, "load worker", err)
		return
	}
	if req.Username != nil {
		worker.Username = strings.TrimSpace(*req.Username)
	}
	if req.Description != nil {
		worker.Description = strings.TrimSpace(*req.Description)
	}
	if req.Password != nil && *req.Password != "" {
		hash, err := core.HashPassword(*req.Password)
		if err != nil {
			writeDomainError(w, s.logger, "update worker", err)
			return
		}
		worker.PasswordHash = hash
	}
	if err := core.ValidateWorker(worker); err != nil {
		writeDomainError(w, s.logger, "update worker", err)
		return
	}
	if err := s.store.UpdateWorker(r.Context(), worker); err != nil {
		writeDomainError(w, s.logger, "update worker", err)
		return
	}
	writeJSON(w, http.StatusOK, workerToResponse(worker))
}

func (s *Server) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	workerID, ok := idParam(r, "workerID")
	if !ok {
		writeInvalidID(w, "worker")
		return
	}
	if err := s.store.DeleteWorker(r.Context(), workerID); err != nil {
		writeDomainError(w, s.logger, "delete worker", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func workerToResponse(w *core.Worker) workerResponse {
	return workerResponse{
		ID:          w.ID,
		Username:    w.Username,
		Description: w.Description,
		CreatedAt:   w.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   w.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
