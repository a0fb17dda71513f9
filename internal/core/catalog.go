package core

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Profile defaults applied to empty fields.
const (
	DefaultUserAgent      = "chrome-linux"
	DefaultViewportWidth  = 1920
	DefaultViewportHeight = 1080
	DefaultTimezone       = "America/New_York"
	DefaultLanguage       = "en-US"
	DefaultProxyType      = "http"
	DefaultCustomField    = "{}"
)

var scriptExtensions = []string{".js", ".ts"}

// ApplyProfileDefaults fills unset profile fields.
func ApplyProfileDefaults(p *Profile) {
	if p.UserAgent == "" {
		p.UserAgent = DefaultUserAgent
	}
	if p.ViewportWidth <= 0 {
		p.ViewportWidth = DefaultViewportWidth
	}
	if p.ViewportHeight <= 0 {
		p.ViewportHeight = DefaultViewportHeight
	}
	if p.Timezone == "" {
		p.Timezone = DefaultTimezone
	}
	if p.Language == "" {
		p.Language = DefaultLanguage
	}
	if p.ProxyType == "" {
		p.ProxyType = DefaultProxyType
	}
	if strings.TrimSpace(p.CustomField) == "" {
		p.CustomField = DefaultCustomField
	}
}

// ValidateProfile checks the fields a stored profile must carry.
func ValidateProfile(p *Profile) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("profile name is required: %w", ErrValidation)
	}
	if err := ValidateCustomField(p.CustomField); err != nil {
		return err
	}
	switch p.ProxyType {
	case "http", "https", "socks4", "socks5":
	default:
		return fmt.Errorf("unsupported proxy type %q: %w", p.ProxyType, ErrValidation)
	}
	return nil
}

// ValidateCustomField requires a JSON object.
func ValidateCustomField(raw string) error {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return fmt.Errorf("customField must be a JSON object: %w", ErrValidation)
	}
	return nil
}

// ScriptNameFromFile derives a script name from an uploaded file name.
func ScriptNameFromFile(filename string) (string, error) {
	base := filepath.Base(filename)
	ext := strings.ToLower(filepath.Ext(base))
	for _, allowed := range scriptExtensions {
		if ext == allowed {
			name := strings.TrimSuffix(base, filepath.Ext(base))
			if name == "" {
				break
			}
			return name, nil
		}
	}
	return "", fmt.Errorf("only .js and .ts files are allowed, got %q: %w", base, ErrValidation)
}

// ProfileNameFromFile derives a profile name from an uploaded .json file name.
func ProfileNameFromFile(filename string) (string, error) {
	base := filepath.Base(filename)
	if strings.ToLower(filepath.Ext(base)) != ".json" || len(base) == len(".json") {
		return "", fmt.Errorf("only .json files are allowed, got %q: %w", base, ErrValidation)
	}
	return strings.TrimSuffix(base, filepath.Ext(base)), nil
}

// ValidateScript checks the fields a stored script must carry.
func ValidateScript(s *Script) error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("script name is required: %w", ErrValidation)
	}
	if s.Content == "" {
		return fmt.Errorf("script content is required: %w", ErrValidation)
	}
	return nil
}

// HashPassword returns the bcrypt hash of a worker password.
func HashPassword(plain string) (string, error) {
	if plain == "" {
		return "", fmt.Errorf("password is required: %w", ErrValidation)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether plain matches the worker's stored hash.
func (w *Worker) CheckPassword(plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(w.PasswordHash), []byte(plain)) == nil
}

// ValidateWorker checks the fields a stored worker must carry.
func ValidateWorker(w *Worker) error {
	if strings.TrimSpace(w.Username) == "" {
		return fmt.Errorf("username is required: %w", ErrValidation)
	}
	if w.PasswordHash == "" {
		return fmt.Errorf("password is required: %w", ErrValidation)
	}
	return nil
}
