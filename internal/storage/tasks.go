package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"shamebot/internal/domain"
)

const taskColumns = `id, list_id, user_id, guild_id, title, content, checked, overdue,
	pester, pester_count, pester_max, due_at, proof_id,
	pester_job, pester_gen, reminder_job, reminder_gen, overdue_job, overdue_gen,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (domain.Task, error) {
	var (
		t                               domain.Task
		content                         sql.NullString
		dueAt, createdAt, updatedAt     int64
		pesterJob, reminderJob, overJob uuid.NullUUID
		pesterGen, reminderGen, overGen int64
	)
	err := r.Scan(&t.ID, &t.ListID, &t.UserID, &t.GuildID, &t.Title, &content, &t.Checked, &t.Overdue,
		&t.Pester, &t.PesterCount, &t.PesterMax, &dueAt, &t.ProofID,
		&pesterJob, &pesterGen, &reminderJob, &reminderGen, &overJob, &overGen,
		&createdAt, &updatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	t.Content = strPtr(content)
	t.DueAt = fromMS(dueAt)
	t.CreatedAt = fromMS(createdAt)
	t.UpdatedAt = fromMS(updatedAt)
	t.PesterJob = jobRef(pesterJob, pesterGen)
	t.ReminderJob = jobRef(reminderJob, reminderGen)
	t.OverdueJob = jobRef(overJob, overGen)
	return t, nil
}

func jobRef(id uuid.NullUUID, gen int64) domain.JobRef {
	if !id.Valid {
		return domain.JobRef{}
	}
	return domain.Ref(domain.JobHandle{ID: id.UUID, Generation: uint64(gen)})
}

func refArgs(r domain.JobRef) (uuid.NullUUID, int64) {
	if !r.Valid {
		return uuid.NullUUID{}, 0
	}
	return uuid.NullUUID{UUID: r.Handle.ID, Valid: true}, int64(r.Handle.Generation)
}

func (q *Queries) InsertTask(ctx context.Context, t domain.Task) error {
	pj, pg := refArgs(t.PesterJob)
	rj, rg := refArgs(t.ReminderJob)
	oj, og := refArgs(t.OverdueJob)
	_, err := q.exec(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ListID, t.UserID, t.GuildID, t.Title, nullString(t.Content), boolInt(t.Checked), boolInt(t.Overdue),
		t.Pester, t.PesterCount, t.PesterMax, ms(t.DueAt), t.ProofID,
		pj, pg, rj, rg, oj, og,
		ms(t.CreatedAt), ms(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask writes every mutable column of t.
func (q *Queries) UpdateTask(ctx context.Context, t domain.Task) error {
	pj, pg := refArgs(t.PesterJob)
	rj, rg := refArgs(t.ReminderJob)
	oj, og := refArgs(t.OverdueJob)
	res, err := q.exec(ctx, `UPDATE tasks SET
		title = ?, content = ?, checked = ?, overdue = ?,
		pester = ?, pester_count = ?, pester_max = ?, due_at = ?, proof_id = ?,
		pester_job = ?, pester_gen = ?, reminder_job = ?, reminder_gen = ?, overdue_job = ?, overdue_gen = ?,
		updated_at = ?
		WHERE id = ?`,
		t.Title, nullString(t.Content), boolInt(t.Checked), boolInt(t.Overdue),
		t.Pester, t.PesterCount, t.PesterMax, ms(t.DueAt), t.ProofID,
		pj, pg, rj, rg, oj, og,
		ms(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if affected(res) == 0 {
		return fmt.Errorf("task %s: %w", t.ID, domain.ErrNotFound)
	}
	return nil
}

func (q *Queries) GetTask(ctx context.Context, id uuid.UUID) (domain.Task, error) {
	t, err := scanTask(q.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (q *Queries) ListTasksByUser(ctx context.Context, userID int64) ([]domain.Task, error) {
	rows, err := q.query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTask removes the task with its proofs and accountability requests.
func (q *Queries) DeleteTask(ctx context.Context, id uuid.UUID) error {
	if _, err := q.exec(ctx, `DELETE FROM proofs WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete proofs: %w", err)
	}
	if _, err := q.exec(ctx, `DELETE FROM accountability_requests WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete requests: %w", err)
	}
	res, err := q.exec(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if affected(res) == 0 {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// TasksWithLiveJobsToDrop returns ids owning live jobs whose task is gone or
// checked. Used at startup.
func (q *Queries) TasksWithLiveJobsToDrop(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := q.query(ctx, `SELECT DISTINCT j.task_id FROM jobs j
		LEFT JOIN tasks t ON t.id = j.task_id
		WHERE j.state IN ('scheduled', 'running') AND (t.id IS NULL OR t.checked = 1)`)
	if err != nil {
		return nil, fmt.Errorf("orphan jobs: %w", err)
	}
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
