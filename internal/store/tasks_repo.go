package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskcenter/internal/core"
)

var ErrTaskNotFound = fmt.Errorf("task %w", core.ErrNotFound)

const taskColumns = `
	t.id, t.status, t.worker_id, t.profile_id, t.script_id, t.respond, t.created_at,
	COALESCE(w.username, ''), COALESCE(s.name, ''), p.name
	FROM tasks t
	LEFT JOIN workers w ON w.id = t.worker_id
	LEFT JOIN scripts s ON s.id = t.script_id
	LEFT JOIN profiles p ON p.id = t.profile_id`

func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	if !task.Status.Valid() {
		return fmt.Errorf("insert task: unknown status %q: %w", task.Status, core.ErrValidation)
	}
	task.CreatedAt = time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO tasks (status, worker_id, profile_id, script_id, respond, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, task.Status, task.WorkerID, nullableInt64(task.ProfileID), task.ScriptID, task.Respond, formatTime(task.CreatedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("insert task: unknown reference: %w", core.ErrValidation)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert task id: %w", err)
	}
	task.ID = id
	return nil
}

// UpdateTask writes the task only if its stored status still equals expected.
func (s *Store) UpdateTask(ctx context.Context, task *core.Task, expected core.TaskStatus) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, worker_id = ?, profile_id = ?, script_id = ?, respond = ?
		WHERE id = ? AND status = ?
	`, task.Status, task.WorkerID, nullableInt64(task.ProfileID), task.ScriptID, task.Respond, task.ID, expected)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("update task: unknown reference: %w", core.ErrValidation)
		}
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows: %w", err)
	}
	if rows == 1 {
		return nil
	}
	var exists int
	err = s.DB.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, task.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("check task: %w", err)
	}
	return core.ErrStatusChanged
}

func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` WHERE t.id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// ListTasks returns tasks newest first.
func (s *Store) ListTasks(ctx context.Context, filter core.TaskFilter) ([]*core.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != nil {
		where = append(where, "t.status = ?")
		args = append(args, *filter.Status)
	}
	if filter.WorkerID != nil {
		where = append(where, "t.worker_id = ?")
		args = append(args, *filter.WorkerID)
	}
	query := `SELECT ` + taskColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY t.id DESC"

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	tasks := []*core.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func scanTask(row scanner) (*core.Task, error) {
	var (
		id          int64
		status      string
		workerID    int64
		profileID   sql.NullInt64
		scriptID    int64
		respond     string
		createdAt   string
		workerName  string
		scriptName  string
		profileName sql.NullString
	)
	if err := row.Scan(&id, &status, &workerID, &profileID, &scriptID, &respond, &createdAt,
		&workerName, &scriptName, &profileName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task := &core.Task{
		ID:         id,
		Status:     core.TaskStatus(status),
		WorkerID:   workerID,
		ScriptID:   scriptID,
		Respond:    respond,
		CreatedAt:  parseTime(createdAt),
		WorkerName: workerName,
		ScriptName: scriptName,
	}
	if profileID.Valid {
		v := profileID.Int64
		task.ProfileID = &v
	}
	if profileName.Valid {
		v := profileName.String
		task.ProfileName = &v
	}
	return task, nil
}
