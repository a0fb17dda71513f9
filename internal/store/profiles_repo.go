package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskcenter/internal/core"
)

var (
	ErrProfileNotFound = fmt.Errorf("profile %w", core.ErrNotFound)
	ErrProfileExists   = fmt.Errorf("profile name %w", core.ErrAlreadyExists)
	ErrProfileInUse    = fmt.Errorf("profile is referenced by tasks: %w", core.ErrInUse)
)

const profileColumns = `id, name, description, user_agent, custom_user_agent, viewport_width, viewport_height,
	timezone, language, use_proxy, proxy_type, proxy_host, proxy_port, proxy_username, proxy_password,
	custom_field, created_at, updated_at`

func (s *Store) InsertProfile(ctx context.Context, p *core.Profile) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO profiles (name, description, user_agent, custom_user_agent, viewport_width, viewport_height,
			timezone, language, use_proxy, proxy_type, proxy_host, proxy_port, proxy_username, proxy_password,
			custom_field, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Name, p.Description, p.UserAgent, p.CustomUserAgent, p.ViewportWidth, p.ViewportHeight,
		p.Timezone, p.Language, boolToInt(p.UseProxy), p.ProxyType, p.ProxyHost, p.ProxyPort, p.ProxyUsername, p.ProxyPassword,
		p.CustomField, formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrProfileExists
		}
		return fmt.Errorf("insert profile: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("insert profile id: %w", err)
	}
	return nil
}

// UpdateProfile rewrites every field except the immutable name.
func (s *Store) UpdateProfile(ctx context.Context, p *core.Profile) error {
	p.UpdatedAt = time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE profiles
		SET description = ?, user_agent = ?, custom_user_agent = ?, viewport_width = ?, viewport_height = ?,
			timezone = ?, language = ?, use_proxy = ?, proxy_type = ?, proxy_host = ?, proxy_port = ?,
			proxy_username = ?, proxy_password = ?, custom_field = ?, updated_at = ?
		WHERE id = ?
	`, p.Description, p.UserAgent, p.CustomUserAgent, p.ViewportWidth, p.ViewportHeight,
		p.Timezone, p.Language, boolToInt(p.UseProxy), p.ProxyType, p.ProxyHost, p.ProxyPort,
		p.ProxyUsername, p.ProxyPassword, p.CustomField, formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update profile rows: %w", err)
	}
	if rows == 0 {
		return ErrProfileNotFound
	}
	return nil
}

func (s *Store) DeleteProfile(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrProfileInUse
		}
		return fmt.Errorf("delete profile: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrProfileNotFound
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, id int64) (*core.Profile, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	return p, err
}

func (s *Store) ListProfiles(ctx context.Context) ([]*core.Profile, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()
	profiles := []*core.Profile{}
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func scanProfile(row scanner) (*core.Profile, error) {
	var (
		p         core.Profile
		useProxy  int
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.UserAgent, &p.CustomUserAgent, &p.ViewportWidth, &p.ViewportHeight,
		&p.Timezone, &p.Language, &useProxy, &p.ProxyType, &p.ProxyHost, &p.ProxyPort, &p.ProxyUsername, &p.ProxyPassword,
		&p.CustomField, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	p.UseProxy = useProxy != 0
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}
