package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"shamebot/internal/domain"
)

const listColumns = `id, user_id, guild_id, title, created_at`

func scanList(r rowScanner) (domain.List, error) {
	var (
		l         domain.List
		createdAt int64
	)
	if err := r.Scan(&l.ID, &l.UserID, &l.GuildID, &l.Title, &createdAt); err != nil {
		return domain.List{}, err
	}
	l.CreatedAt = fromMS(createdAt)
	return l, nil
}

func (q *Queries) InsertList(ctx context.Context, l domain.List) error {
	_, err := q.exec(ctx, `INSERT INTO lists (`+listColumns+`) VALUES (?,?,?,?,?)`,
		l.ID, l.UserID, l.GuildID, l.Title, ms(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert list: %w", err)
	}
	return nil
}

// EnsureList inserts l unless a list with its id exists, and reports whether
// it did.
func (q *Queries) EnsureList(ctx context.Context, l domain.List) (bool, error) {
	res, err := q.exec(ctx, `INSERT INTO lists (`+listColumns+`) VALUES (?,?,?,?,?)
		ON CONFLICT (id) DO NOTHING`,
		l.ID, l.UserID, l.GuildID, l.Title, ms(l.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("ensure list: %w", err)
	}
	return affected(res) == 1, nil
}

func (q *Queries) GetList(ctx context.Context, id uuid.UUID) (domain.List, error) {
	l, err := scanList(q.queryRow(ctx, `SELECT `+listColumns+` FROM lists WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.List{}, fmt.Errorf("list %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.List{}, fmt.Errorf("get list: %w", err)
	}
	return l, nil
}

// ListsByUser returns the user's lists, oldest first, with task counts.
func (q *Queries) ListsByUser(ctx context.Context, userID int64) ([]domain.ListSummary, error) {
	rows, err := q.query(ctx, `SELECT l.id, l.user_id, l.guild_id, l.title, l.created_at,
			COUNT(t.id), COALESCE(SUM(t.checked), 0)
		FROM lists l LEFT JOIN tasks t ON t.list_id = l.id
		WHERE l.user_id = ?
		GROUP BY l.id, l.user_id, l.guild_id, l.title, l.created_at
		ORDER BY l.created_at, l.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list lists: %w", err)
	}
	defer rows.Close()
	var out []domain.ListSummary
	for rows.Next() {
		var (
			s         domain.ListSummary
			createdAt int64
		)
		if err := rows.Scan(&s.ID, &s.UserID, &s.GuildID, &s.Title, &createdAt, &s.Tasks, &s.Checked); err != nil {
			return nil, err
		}
		s.CreatedAt = fromMS(createdAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// TasksInList returns the list's tasks, oldest first.
func (q *Queries) TasksInList(ctx context.Context, listID uuid.UUID) ([]domain.Task, error) {
	rows, err := q.query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE list_id = ? ORDER BY created_at, id`, listID)
	if err != nil {
		return nil, fmt.Errorf("tasks in list: %w", err)
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
