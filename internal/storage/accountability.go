package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shamebot/internal/domain"
)

func (q *Queries) InsertProof(ctx context.Context, p domain.Proof) error {
	_, err := q.exec(ctx, `INSERT INTO proofs (id, task_id, content, image, approved, rejected, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.TaskID, nullString(p.Content), nullString(p.Image), boolInt(p.Approved), boolInt(p.Rejected), ms(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert proof: %w", err)
	}
	return nil
}

func (q *Queries) GetProof(ctx context.Context, id uuid.UUID) (domain.Proof, error) {
	var (
		p              domain.Proof
		content, image sql.NullString
		createdAt      int64
	)
	err := q.queryRow(ctx, `SELECT id, task_id, content, image, approved, rejected, created_at
		FROM proofs WHERE id = ?`, id).
		Scan(&p.ID, &p.TaskID, &content, &image, &p.Approved, &p.Rejected, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Proof{}, fmt.Errorf("proof %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Proof{}, fmt.Errorf("get proof: %w", err)
	}
	p.Content = strPtr(content)
	p.Image = strPtr(image)
	p.CreatedAt = fromMS(createdAt)
	return p, nil
}

// ReviewProof sets the verdict on an unreviewed proof. It reports false when
// the proof was already reviewed.
func (q *Queries) ReviewProof(ctx context.Context, id uuid.UUID, approve bool) (bool, error) {
	res, err := q.exec(ctx, `UPDATE proofs SET approved = ?, rejected = ?
		WHERE id = ? AND approved = 0 AND rejected = 0`,
		boolInt(approve), boolInt(!approve), id)
	if err != nil {
		return false, fmt.Errorf("review proof: %w", err)
	}
	return affected(res) == 1, nil
}

func (q *Queries) DeleteProof(ctx context.Context, id uuid.UUID) error {
	if _, err := q.exec(ctx, `DELETE FROM proofs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete proof: %w", err)
	}
	return nil
}

func scanRequest(r rowScanner) (domain.AccountabilityRequest, error) {
	var (
		a                    domain.AccountabilityRequest
		status               int
		createdAt, updatedAt int64
	)
	if err := r.Scan(&a.TaskID, &a.RequestingUser, &a.RequestedUser, &status, &createdAt, &updatedAt); err != nil {
		return domain.AccountabilityRequest{}, err
	}
	a.Status = domain.RequestStatus(status)
	a.CreatedAt = fromMS(createdAt)
	a.UpdatedAt = fromMS(updatedAt)
	return a, nil
}

const requestColumns = `task_id, requesting_user, requested_user, status, created_at, updated_at`

func (q *Queries) GetRequest(ctx context.Context, taskID uuid.UUID, requested int64) (domain.AccountabilityRequest, error) {
	a, err := scanRequest(q.queryRow(ctx, `SELECT `+requestColumns+` FROM accountability_requests
		WHERE task_id = ? AND requested_user = ?`, taskID, requested))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AccountabilityRequest{}, fmt.Errorf("request for %d on %s: %w", requested, taskID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.AccountabilityRequest{}, fmt.Errorf("get request: %w", err)
	}
	return a, nil
}

func (q *Queries) ListRequests(ctx context.Context, taskID uuid.UUID) ([]domain.AccountabilityRequest, error) {
	rows, err := q.query(ctx, `SELECT `+requestColumns+` FROM accountability_requests
		WHERE task_id = ? ORDER BY created_at, requested_user`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()
	var out []domain.AccountabilityRequest
	for rows.Next() {
		a, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertRequest inserts a request or overwrites the existing one for the
// same (partner, task).
func (q *Queries) UpsertRequest(ctx context.Context, a domain.AccountabilityRequest) error {
	_, err := q.exec(ctx, `INSERT INTO accountability_requests (`+requestColumns+`)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (requested_user, task_id) DO UPDATE SET
			requesting_user = excluded.requesting_user,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		a.TaskID, a.RequestingUser, a.RequestedUser, int(a.Status), ms(a.CreatedAt), ms(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert request: %w", err)
	}
	return nil
}

// TransitionRequest moves a request from one status to another. It reports
// false when the request was not in from.
func (q *Queries) TransitionRequest(ctx context.Context, taskID uuid.UUID, requested int64, from, to domain.RequestStatus, at time.Time) (bool, error) {
	res, err := q.exec(ctx, `UPDATE accountability_requests SET status = ?, updated_at = ?
		WHERE task_id = ? AND requested_user = ? AND status = ?`,
		int(to), ms(at), taskID, requested, int(from))
	if err != nil {
		return false, fmt.Errorf("transition request: %w", err)
	}
	return affected(res) == 1, nil
}
