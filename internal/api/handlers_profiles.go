package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"taskcenter/internal/core"
)

// profileRequest is used for create, update and uploaded profile documents.
// Nil fields are left untouched.
type profileRequest struct {
	Name            *string         `json:"name"`
	Description     *string         `json:"description"`
	UserAgent       *string         `json:"userAgent"`
	CustomUserAgent *string         `json:"customUserAgent"`
	ViewportWidth   *int            `json:"viewportWidth"`
	ViewportHeight  *int            `json:"viewportHeight"`
	Timezone        *string         `json:"timezone"`
	Language        *string         `json:"language"`
	UseProxy        *bool           `json:"useProxy"`
	ProxyType       *string         `json:"proxyType"`
	ProxyHost       *string         `json:"proxyHost"`
	ProxyPort       *string         `json:"proxyPort"`
	ProxyUsername   *string         `json:"proxyUsername"`
	ProxyPassword   *string         `json:"proxyPassword"`
	CustomField     json.RawMessage `json:"customField"`
}

// profileDocument is the downloadable form of a profile.
type profileDocument struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	UserAgent       string          `json:"userAgent"`
	CustomUserAgent string          `json:"customUserAgent"`
	ViewportWidth   int             `json:"viewportWidth"`
	ViewportHeight  int             `json:"viewportHeight"`
	Timezone        string          `json:"timezone"`
	Language        string          `json:"language"`
	UseProxy        bool            `json:"useProxy"`
	ProxyType       string          `json:"proxyType"`
	ProxyHost       string          `json:"proxyHost"`
	ProxyPort       string          `json:"proxyPort"`
	ProxyUsername   string          `json:"proxyUsername"`
	ProxyPassword   string          `json:"proxyPassword"`
	CustomField     json.RawMessage `json:"customField"`
}

type profileResponse struct {
	ID int64 `json:"id"`
	profileDocument
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func (req profileRequest) apply(p *core.Profile) error {
	setString(&p.Description, req.Description)
	setString(&p.UserAgent, req.UserAgent)
	setString(&p.CustomUserAgent, req.CustomUserAgent)
	setString(&p.Timezone, req.Timezone)
	setString(&p.Language, req.Language)
	setString(&p.ProxyType, req.ProxyType)
	setString(&p.ProxyHost, req.ProxyHost)
	setString(&p.ProxyPort, req.ProxyPort)
	setString(&p.ProxyUsername, req.ProxyUsername)
	setString(&p.ProxyPassword, req.ProxyPassword)
	if req.ViewportWidth != nil {
		p.ViewportWidth = *req.ViewportWidth
	}
	if req.ViewportHeight != nil {
		p.ViewportHeight = *req.ViewportHeight
	}
	if req.UseProxy != nil {
		p.UseProxy = *req.UseProxy
	}
	if len(req.CustomField) > 0 {
		text, err := customFieldText(req.CustomField)
		if err != nil {
			return err
		}
		p.CustomField = text
	}
	return nil
}

// customFieldText accepts a JSON object or a string holding one.
func customFieldText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		return core.DefaultCustomField, nil
	}
	if len(raw) > 0 && raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return "", fmt.Errorf("customField: %w", core.ErrValidation)
		}
		raw = json.RawMessage(strings.TrimSpace(text))
		if len(raw) == 0 {
			return core.DefaultCustomField, nil
		}
	}
	if err := core.ValidateCustomField(string(raw)); err != nil {
		return "", err
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return "", fmt.Errorf("customField: %w", core.ErrValidation)
	}
	return compact.String(), nil
}

func setString(dst *string, value *string) {
	if value != nil {
		*dst = strings.TrimSpace(*value)
	}
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.store.ListProfiles(r.Context())
	if err != nil {
		writeDomainError(w, s.logger, "list profiles", err)
		return
	}
	res := make([]profileResponse, 0, len(profiles))
	for _, p := range profiles {
		res = append(res, profileToResponse(p))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profileID, ok := idParam(r, "profileID")
	if !ok {
		writeInvalidID(w, "profile")
		return
	}
	profile, err := s.store.GetProfile(r.Context(), profileID)
	if err != nil {
		writeDomainError(w, s.logger, "load profile", err)
		return
	}
	writeJSON(w, http.StatusOK, profileToResponse(profile))
}

// handleCreateProfile accepts a JSON body or a multipart "file" holding a .json
// profile document. An uploaded profile is named after its file.
func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var (
		req  profileRequest
		name string
	)
	if isMultipart(r) {
		filename, content, err := s.readUpload(r)
		if err != nil {
			writeDomainError(w, s.logger, "create profile", err)
			return
		}
		if name, err = core.ProfileNameFromFile(filename); err != nil {
			writeDomainError(w, s.logger, "create profile", err)
			return
		}
		if err := json.Unmarshal(content, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "invalid JSON content")
			return
		}
		if formName := strings.TrimSpace(r.FormValue("name")); formName != "" {
			name = formName
		}
		if desc := r.FormValue("description"); desc != "" {
			req.Description = &desc
		}
	} else {
		if err := decodeJSON(r, &req); err != nil {
			writeDomainError(w, s.logger, "create profile", err)
			return
		}
		if req.Name != nil {
			name = strings.TrimSpace(*req.Name)
		}
	}

	profile := &core.Profile{Name: name}
	if err := req.apply(profile); err != nil {
		writeDomainError(w, s.logger, "create profile", err)
		return
	}
	core.ApplyProfileDefaults(profile)
	if err := core.ValidateProfile(profile); err != nil {
		writeDomainError(w, s.logger, "create profile", err)
		return
	}
	if err := s.store.InsertProfile(r.Context(), profile); err != nil {
		writeDomainError(w, s.logger, "create profile", err)
		return
	}
	s.logger.Info("profile created", "profile_id", profile.ID, "name", profile.Name)
	writeJSON(w, http.StatusCreated, profileToResponse(profile))
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	profileID, ok := idParam(r, "profileID")
	if !ok {
		writeInvalidID(w, "profile")
		return
	}
	var req profileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.logger, "update profile", err)
		return
	}
	profile, err := s.store.GetProfile(r.Context(), profileID)
	if err != nil {
		writeDomainError(w, s.logger, "load profile", err)
		return
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) != profile.Name {
		writeError(w, http.StatusBadRequest, "invalid_input", "profile name cannot be changed")
		return
	}
	if err := req.apply(profile); err != nil {
		writeDomainError(w, s.logger, "update profile", err)
		return
	}
	core.ApplyProfileDefaults(profile)
	if err := core.ValidateProfile(profile); err != nil {
		writeDomainError(w, s.logger, "update profile", err)
		return
	}
	if err := s.store.UpdateProfile(r.Context(), profile); err != nil {
		writeDomainError(w, s.logger, "update profile", err)
		return
	}
	writeJSON(w, http.StatusOK, profileToResponse(profile))
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	profileID, ok := idParam(r, "profileID")
	if !ok {
		writeInvalidID(w, "profile")
		return
	}
	if err := s.store.DeleteProfile(r.Context(), profileID); err != nil {
		writeDomainError(w, s.logger, "delete profile", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownloadProfile(w http.ResponseWriter, r *http.Request) {
	profileID, ok := idParam(r, "profileID")
	if !ok {
		writeInvalidID(w, "profile")
		return
	}
	profile, err := s.store.GetProfile(r.Context(), profileID)
	if err != nil {
		writeDomainError(w, s.logger, "load profile", err)
		return
	}
	data, err := json.MarshalIndent(profileToDocument(profile), "", "  ")
	if err != nil {
		writeDomainError(w, s.logger, "encode profile", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": profile.Name + ".json"}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func profileToDocument(p *core.Profile) profileDocument {
	custom := json.RawMessage(p.CustomField)
	if !json.Valid(custom) {
		custom = json.RawMessage(core.DefaultCustomField)
	}
	return profileDocument{
		Name:            p.Name,
		Description:     p.Description,
		UserAgent:       p.UserAgent,
		CustomUserAgent: p.CustomUserAgent,
		ViewportWidth:   p.ViewportWidth,
		ViewportHeight:  p.ViewportHeight,
		Timezone:        p.Timezone,
		Language:        p.Language,
		UseProxy:        p.UseProxy,
		ProxyType:       p.ProxyType,
		ProxyHost:       p.ProxyHost,
		ProxyPort:       p.ProxyPort,
		ProxyUsername:   p.ProxyUsername,
		ProxyPassword:   p.ProxyPassword,
		CustomField:     custom,
	}
}

func profileToResponse(p *core.Profile) profileResponse {
	return profileResponse{
		ID:              p.ID,
		profileDocument: profileToDocument(p),
		CreatedAt:       p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
