package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"taskcenter/internal/core"
)

type createScriptRequest struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	Description string `json:"description"`
}

type updateScriptRequest struct {
	Content     *string `json:"content"`
	Description *string `json:"description"`
}

type scriptResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Content     string `json:"content,omitempty"`
	Description string `json:"description"`
	Size        int    `json:"size"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := s.store.ListScripts(r.Context())
	if err != nil {
		writeDomainError(w, s.logger, "list scripts", err)
		return
	}
	res := make([]scriptResponse, 0, len(scripts))
	for _, script := range scripts {
		res = append(res, scriptToResponse(script, false))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	scriptID, ok := idParam(r, "scriptID")
	if !ok {
		writeInvalidID(w, "script")
		return
	}
	script, err := s.store.GetScript(r.Context(), scriptID)
	if err != nil {
		writeDomainError(w, s.logger, "load script", err)
		return
	}
	writeJSON(w, http.StatusOK, scriptToResponse(script, true))
}

// handleCreateScript accepts either a multipart "file" upload or a JSON body.
// The script name is the file name without its .js or .ts extension.
func (s *Server) handleCreateScript(w http.ResponseWriter, r *http.Request) {
	var req createScriptRequest
	if isMultipart(r) {
		filename, content, err := s.readUpload(r)
		if err != nil {
			writeDomainError(w, s.logger, "create script", err)
			return
		}
		req = createScriptRequest{Filename: filename, Content: string(content), Description: r.FormValue("description")}
	} else if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.logger, "create script", err)
		return
	}
	if req.Filename == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "filename and content are required")
		return
	}

	name, err := core.ScriptNameFromFile(req.Filename)
	if err != nil {
		writeDomainError(w, s.logger, "create script", err)
		return
	}
	script := &core.Script{Name: name, Content: req.Content, Description: strings.TrimSpace(req.Description)}
	if err := core.ValidateScript(script); err != nil {
		writeDomainError(w, s.logger, "create script", err)
		return
	}
	if err := s.store.InsertScript(r.Context(), script); err != nil {
		writeDomainError(w, s.logger, "create script", err)
		return
	}
	s.logger.Info("script created", "script_id", script.ID, "name", script.Name, "size", script.Size)
	writeJSON(w, http.StatusCreated, scriptToResponse(script, true))
}

func (s *Server) handleUpdateScript(w http.ResponseWriter, r *http.Request) {
	scriptID, ok := idParam(r, "scriptID")
	if !ok {
		writeInvalidID(w, "script")
		return
	}
	var req updateScriptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.logger, "update script", err)
		return
	}
	script, err := s.store.GetScript(r.Context(), scriptID)
	if err != nil {
		writeDomainError(w, s.logger, "load script", err)
		return
	}
	if req.Content != nil {
		script.Content = *req.Content
	}
	if req.Description != nil {
		script.Description = strings.TrimSpace(*req.Description)
	}
	if err := core.ValidateScript(script); err != nil {
		writeDomainError(w, s.logger, "update script", err)
		return
	}
	if err := s.store.UpdateScript(r.Context(), script); err != nil {
		writeDomainError(w, s.logger, "update script", err)
		return
	}
	writeJSON(w, http.StatusOK, scriptToResponse(script, true))
}

func (s *Server) handleDeleteScript(w http.ResponseWriter, r *http.Request) {
	scriptID, ok := idParam(r, "scriptID")
	if !ok {
		writeInvalidID(w, "script")
		return
	}
	if err := s.store.DeleteScript(r.Context(), scriptID); err != nil {
		writeDomainError(w, s.logger, "delete script", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownloadScript(w http.ResponseWriter, r *http.Request) {
	scriptID, ok := idParam(r, "scriptID")
	if !ok {
		writeInvalidID(w, "script")
		return
	}
	script, err := s.store.GetScript(r.Context(), scriptID)
	if err != nil {
		writeDomainError(w, s.logger, "load script", err)
		return
	}
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": script.Name + ".js"}))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, script.Content)
}

func scriptToResponse(script *core.Script, withContent bool) scriptResponse {
	res := scriptResponse{
		ID:          script.ID,
		Name:        script.Name,
		Description: script.Description,
		Size:        script.Size,
		CreatedAt:   script.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   script.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if withContent {
		res.Content = script.Content
	}
	return res
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

// readUpload reads the "file" part of a multipart request.
func (s *Server) readUpload(r *http.Request) (string, []byte, error) {
	if err := r.ParseMultipartForm(s.uploadLimit); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("invalid multipart form: %w", core.ErrValidation)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, fmt.Errorf("file is required: %w", core.ErrValidation)
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		return "", nil, fmt.Errorf("read upload: %w", err)
	}
	return header.Filename, content, nil
}
