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
	ErrScriptNotFound = fmt.Errorf("script %w", core.ErrNotFound)
	ErrScriptExists   = fmt.Errorf("script name %w", core.ErrAlreadyExists)
	ErrScriptInUse    = fmt.Errorf("script is referenced by tasks: %w", core.ErrInUse)
)

const scriptColumns = `id, name, content, description, size, created_at, updated_at`

func (s *Store) InsertScript(ctx context.Context, script *core.Script) error {
	now := time.Now().UTC()
	script.CreatedAt = now
	script.UpdatedAt = now
	script.Size = len(script.Content)
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO scripts (name, content, description, size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, script.Name, script.Content, script.Description, script.Size, formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrScriptExists
		}
		return fmt.Errorf("insert script: %w", err)
	}
	if script.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("insert script id: %w", err)
	}
	return nil
}

// UpdateScript replaces content and description. The name is immutable.
func (s *Store) UpdateScript(ctx context.Context, script *core.Script) error {
	script.UpdatedAt = time.Now().UTC()
	script.Size = len(script.Content)
	res, err := s.DB.ExecContext(ctx, `
		UPDATE scripts SET content = ?, description = ?, size = ?, updated_at = ?
		WHERE id = ?
	`, script.Content, script.Description, script.Size, formatTime(script.UpdatedAt), script.ID)
	if err != nil {
		return fmt.Errorf("update script: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update script rows: %w", err)
	}
	if rows == 0 {
		return ErrScriptNotFound
	}
	return nil
}

func (s *Store) DeleteScript(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM scripts WHERE id = ?`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrScriptInUse
		}
		return fmt.Errorf("delete script: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrScriptNotFound
	}
	return nil
}

func (s *Store) GetScript(ctx context.Context, id int64) (*core.Script, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE id = ?`, id)
	return scanScriptRow(row)
}

func (s *Store) GetScriptByName(ctx context.Context, name string) (*core.Script, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE name = ?`, name)
	return scanScriptRow(row)
}

func (s *Store) ListScripts(ctx context.Context) ([]*core.Script, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+scriptColumns+` FROM scripts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query scripts: %w", err)
	}
	defer rows.Close()
	scripts := []*core.Script{}
	for rows.Next() {
		script, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, script)
	}
	return scripts, rows.Err()
}

func scanScriptRow(row scanner) (*core.Script, error) {
	script, err := scanScript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScriptNotFound
	}
	return script, err
}

func scanScript(row scanner) (*core.Script, error) {
	var (
		script    core.Script
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&script.ID, &script.Name, &script.Content, &script.Description, &script.Size, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan script: %w", err)
	}
	script.CreatedAt = parseTime(createdAt)
	script.UpdatedAt = parseTime(updatedAt)
	return &script, nil
}
