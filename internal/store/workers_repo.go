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
	ErrWorkerNotFound = fmt.Errorf("worker %w", core.ErrNotFound)
	ErrWorkerExists   = fmt.Errorf("worker username %w", core.ErrAlreadyExists)
	ErrWorkerInUse    = fmt.Errorf("worker is referenced by tasks: %w", core.ErrInUse)
)

const workerColumns = `id, username, password_hash, description, created_at, updated_at`

func (s *Store) InsertWorker(ctx context.Context, w *core.Worker) error {
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO workers (username, password_hash, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, w.Username, w.PasswordHash, w.Description, formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrWorkerExists
		}
		return fmt.Errorf("insert worker: %w", err)
	}
	if w.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("insert worker id: %w", err)
	}
	return nil
}

func (s *Store) UpdateWorker(ctx context.Context, w *core.Worker) error {
	w.UpdatedAt = time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE workers SET username = ?, password_hash = ?, description = ?, updated_at = ?
		WHERE id = ?
	`, w.Username, w.PasswordHash, w.Description, formatTime(w.UpdatedAt), w.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrWorkerExists
		}
		return fmt.Errorf("update worker: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update worker rows: %w", err)
	}
	if rows == 0 {
		return ErrWorkerNotFound
	}
	return nil
}

func (s *Store) DeleteWorker(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrWorkerInUse
		}
		return fmt.Errorf("delete worker: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrWorkerNotFound
	}
	return nil
}

func (s *Store) GetWorker(ctx context.Context, id int64) (*core.Worker, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkerNotFound
	}
	return w, err
}

func (s *Store) ListWorkers(ctx context.Context) ([]*core.Worker, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer rows.Close()
	workers := []*core.Worker{}
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func scanWorker(row scanner) (*core.Worker, error) {
	var (
		w         core.Worker
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&w.ID, &w.Username, &w.PasswordHash, &w.Description, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan worker: %w", err)
	}
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return &w, nil
}
