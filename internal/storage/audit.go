package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (q *Queries) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := q.exec(ctx, `INSERT INTO audit (id, at, actor_id, chat_id, action, task_id, target, ok, err, meta)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		uuid.New(), ms(e.At), e.ActorID, e.ChatID, e.Action, e.TaskID, e.Target, boolInt(e.OK),
		nullStr(e.Error), nullStr(e.Meta))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// AuditForTask lists audit entries of a task, oldest first.
func (q *Queries) AuditForTask(ctx context.Context, taskID uuid.UUID) ([]AuditEntry, error) {
	rows, err := q.query(ctx, `SELECT at, actor_id, chat_id, action, task_id, target, ok, err, meta
		FROM audit WHERE task_id = ? ORDER BY at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("audit for task: %w", err)
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			e          AuditEntry
			at         int64
			errS, meta sql.NullString
		)
		if err := rows.Scan(&at, &e.ActorID, &e.ChatID, &e.Action, &e.TaskID, &e.Target, &e.OK, &errS, &meta); err != nil {
			return nil, err
		}
		e.At = fromMS(at)
		e.Error = errS.String
		e.Meta = meta.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *Queries) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := q.exec(ctx, `INSERT INTO dedup (key, until_ms) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET until_ms = excluded.until_ms`, key, until.UnixMilli())
	if err != nil {
		return fmt.Errorf("put dedup: %w", err)
	}
	return nil
}

func (q *Queries) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var until int64
	err := q.queryRow(ctx, `SELECT until_ms FROM dedup WHERE key = ?`, key).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get dedup: %w", err)
	}
	return time.UnixMilli(until), true, nil
}

func (q *Queries) PruneDedup(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.exec(ctx, `DELETE FROM dedup WHERE until_ms < ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune dedup: %w", err)
	}
	return affected(res), nil
}
