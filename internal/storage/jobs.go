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

const jobColumns = `id, task_id, kind, fire_at, generation, state, claims, attempts, last_error, outbox, sent, created_at, updated_at`

func scanJob(r rowScanner) (domain.Job, error) {
	var (
		j                            domain.Job
		kind                         int
		gen, fireAt, created, update int64
		state                        string
	)
	if err := r.Scan(&j.ID, &j.TaskID, &kind, &fireAt, &gen, &state, &j.Claims, &j.Attempts, &j.LastError,
		&j.Outbox, &j.Sent, &created, &update); err != nil {
		return domain.Job{}, err
	}
	j.Kind = domain.JobKind(kind)
	j.KindName = j.Kind.String()
	j.Generation = uint64(gen)
	j.State = domain.JobState(state)
	j.FireAt = fromMS(fireAt)
	j.CreatedAt = fromMS(created)
	j.UpdatedAt = fromMS(update)
	return j, nil
}

func (q *Queries) listJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// NextGeneration increments and returns the generation of (task, kind).
// The first call for a pair returns 1.
func (q *Queries) NextGeneration(ctx context.Context, taskID uuid.UUID, kind domain.JobKind) (uint64, error) {
	var gen int64
	err := q.queryRow(ctx, `INSERT INTO job_generations (task_id, kind, generation) VALUES (?, ?, 1)
		ON CONFLICT (task_id, kind) DO UPDATE SET generation = job_generations.generation + 1
		RETURNING generation`, taskID, int(kind)).Scan(&gen)
	if err != nil {
		return 0, fmt.Errorf("next generation: %w", err)
	}
	return uint64(gen), nil
}

// CurrentGeneration returns 0 for a pair that was never scheduled.
func (q *Queries) CurrentGeneration(ctx context.Context, taskID uuid.UUID, kind domain.JobKind) (uint64, error) {
	var gen int64
	err := q.queryRow(ctx, `SELECT generation FROM job_generations WHERE task_id = ? AND kind = ?`,
		taskID, int(kind)).Scan(&gen)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("current generation: %w", err)
	}
	return uint64(gen), nil
}

// BumpGenerationIf increments the generation only while it still equals gen.
func (q *Queries) BumpGenerationIf(ctx context.Context, taskID uuid.UUID, kind domain.JobKind, gen uint64) (bool, error) {
	res, err := q.exec(ctx, `UPDATE job_generations SET generation = generation + 1
		WHERE task_id = ? AND kind = ? AND generation = ?`, taskID, int(kind), int64(gen))
	if err != nil {
		return false, fmt.Errorf("bump generation: %w", err)
	}
	return affected(res) == 1, nil
}

func (q *Queries) BumpTaskGenerations(ctx context.Context, taskID uuid.UUID) error {
	if _, err := q.exec(ctx, `UPDATE job_generations SET generation = generation + 1 WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("bump task generations: %w", err)
	}
	return nil
}

func (q *Queries) InsertJob(ctx context.Context, j domain.Job) error {
	_, err := q.exec(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.TaskID, int(j.Kind), ms(j.FireAt), int64(j.Generation), string(j.State),
		j.Claims, j.Attempts, j.LastError, j.Outbox, j.Sent, ms(j.CreatedAt), ms(j.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (q *Queries) GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	j, err := scanJob(q.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// CancelLiveJobs cancels the live job of (task, kind), if any.
func (q *Queries) CancelLiveJobs(ctx context.Context, taskID uuid.UUID, kind domain.JobKind, now time.Time) (int64, error) {
	res, err := q.exec(ctx, `UPDATE jobs SET state = 'cancelled', updated_at = ?
		WHERE task_id = ? AND kind = ? AND state IN ('scheduled', 'running')`, ms(now), taskID, int(kind))
	if err != nil {
		return 0, fmt.Errorf("cancel live jobs: %w", err)
	}
	return affected(res), nil
}

// CancelJob cancels one job if it is still live.
func (q *Queries) CancelJob(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res, err := q.exec(ctx, `UPDATE jobs SET state = 'cancelled', updated_at = ?
		WHERE id = ? AND state IN ('scheduled', 'running')`, ms(now), id)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return affected(res) == 1, nil
}

func (q *Queries) CancelTaskJobs(ctx context.Context, taskID uuid.UUID, now time.Time) (int64, error) {
	res, err := q.exec(ctx, `UPDATE jobs SET state = 'cancelled', updated_at = ?
		WHERE task_id = ? AND state IN ('scheduled', 'running')`, ms(now), taskID)
	if err != nil {
		return 0, fmt.Errorf("cancel task jobs: %w", err)
	}
	return affected(res), nil
}

func (q *Queries) DueJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	jobs, err := q.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE state = 'scheduled' AND fire_at <= ?
		ORDER BY fire_at, id LIMIT ?`, ms(now), limit)
	if err != nil {
		return nil, fmt.Errorf("due jobs: %w", err)
	}
	return jobs, nil
}

func (q *Queries) TaskJobs(ctx context.Context, taskID uuid.UUID) ([]domain.Job, error) {
	jobs, err := q.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE task_id = ? ORDER BY created_at, kind`, taskID)
	if err != nil {
		return nil, fmt.Errorf("task jobs: %w", err)
	}
	return jobs, nil
}

// ClaimJob moves a scheduled job to running when its generation is still
// the current one for its (task, kind).
func (q *Queries) ClaimJob(ctx context.Context, id uuid.UUID, gen uint64, now time.Time) (bool, error) {
	res, err := q.exec(ctx, `UPDATE jobs SET state = 'running', claims = claims + 1, updated_at = ?
		WHERE id = ? AND state = 'scheduled' AND generation = ? AND `+currentGen,
		ms(now), id, int64(gen))
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return affected(res) == 1, nil
}

// MarkFired moves a running job to delivering once its handler committed.
func (q *Queries) MarkFired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res, err := q.exec(ctx, `UPDATE jobs SET state = 'delivering', sent = 0, updated_at = ?
		WHERE id = ? AND state = 'running'`, ms(now), id)
	if err != nil {
		return false, fmt.Errorf("mark fired: %w", err)
	}
	return affected(res) == 1, nil
}

// SetOutbox stores the encoded notifications a delivering job owes.
func (q *Queries) SetOutbox(ctx context.Context, id uuid.UUID, outbox string, now time.Time) error {
	res, err := q.exec(ctx, `UPDATE jobs SET outbox = ?, updated_at = ?
		WHERE id = ? AND state = 'delivering'`, outbox, ms(now), id)
	if err != nil {
		return fmt.Errorf("set outbox: %w", err)
	}
	if affected(res) != 1 {
		return fmt.Errorf("set outbox: job %s not delivering: %w", id, domain.ErrConflict)
	}
	return nil
}

// CompleteJob finishes a running or delivering job.
func (q *Queries) CompleteJob(ctx context.Context, id uuid.UUID, state domain.JobState, attempts int, lastErr string, now time.Time) (bool, error) {
	res, err := q.exec(ctx, `UPDATE jobs SET state = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND state IN ('running', 'delivering')`,
		string(state), attempts, lastErr, ms(now), id)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return affected(res) == 1, nil
}

// ReleaseJob hands a running job back to scheduled. A delivering job is
// left alone: its handler already ran and only its outbox is resent.
func (q *Queries) ReleaseJob(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res, err := q.exec(ctx, `UPDATE jobs SET state = 'scheduled', updated_at = ?
		WHERE id = ? AND state = 'running'`, ms(now), id)
	if err != nil {
		return false, fmt.Errorf("release job: %w", err)
	}
	return affected(res) == 1, nil
}

// UndeliveredJobs lists delivering jobs, oldest first.
func (q *Queries) UndeliveredJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	jobs, err := q.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE state = 'delivering' ORDER BY updated_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("undelivered jobs: %w", err)
	}
	return jobs, nil
}

// ClaimRedelivery counts another claim on a delivering job so a crash loop
// ends in RecoverJobs failing it.
func (q *Queries) ClaimRedelivery(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res, err := q.exec(ctx, `UPDATE jobs SET claims = claims + 1, updated_at = ?
		WHERE id = ? AND state = 'delivering'`, ms(now), id)
	if err != nil {
		return false, fmt.Errorf("claim redelivery: %w", err)
	}
	return affected(res) == 1, nil
}

// AdvanceSent records that the first sent outbox entries went out.
func (q *Queries) AdvanceSent(ctx context.Context, id uuid.UUID, sent int, now time.Time) error {
	_, err := q.exec(ctx, `UPDATE jobs SET sent = ?, updated_at = ?
		WHERE id = ? AND state = 'delivering' AND sent < ?`, sent, ms(now), id, sent)
	if err != nil {
		return fmt.Errorf("advance sent: %w", err)
	}
	return nil
}

// currentGen matches jobs still carrying their pair's generation.
const currentGen = `generation = (SELECT g.generation FROM job_generations g WHERE g.task_id = jobs.task_id AND g.kind = jobs.kind)`

// RecoverJobs handles jobs a crash left behind. Jobs claimed maxClaims
// times are failed. Of the rest, superseded running jobs are cancelled and
// current ones go back to scheduled. Delivering jobs stay delivering so
// their outbox is resent without firing the handler again.
func (q *Queries) RecoverJobs(ctx context.Context, maxClaims int, now time.Time) (requeued, failed int64, err error) {
	res, err := q.exec(ctx, `UPDATE jobs SET state = 'failed', last_error = 'abandoned after restart', updated_at = ?
		WHERE state IN ('running', 'delivering') AND claims >= ?`, ms(now), maxClaims)
	if err != nil {
		return 0, 0, fmt.Errorf("recover jobs: %w", err)
	}
	failed = affected(res)
	_, err = q.exec(ctx, `UPDATE jobs SET state = 'cancelled', updated_at = ?
		WHERE state = 'running' AND NOT (`+currentGen+`)`, ms(now))
	if err != nil {
		return 0, failed, fmt.Errorf("recover jobs: %w", err)
	}
	res, err = q.exec(ctx, `UPDATE jobs SET state = 'scheduled', updated_at = ? WHERE state = 'running'`, ms(now))
	if err != nil {
		return 0, failed, fmt.Errorf("recover jobs: %w", err)
	}
	return affected(res), failed, nil
}

// PruneJobs deletes finished jobs last touched before cutoff, and
// generation rows of tasks that no longer exist and have no jobs.
func (q *Queries) PruneJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.exec(ctx, `DELETE FROM jobs
		WHERE state IN ('delivered', 'failed', 'cancelled') AND updated_at < ?`, ms(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	_, err = q.exec(ctx, `DELETE FROM job_generations
		WHERE task_id NOT IN (SELECT id FROM tasks) AND task_id NOT IN (SELECT task_id FROM jobs)`)
	if err != nil {
		return 0, fmt.Errorf("prune generations: %w", err)
	}
	return affected(res), nil
}
