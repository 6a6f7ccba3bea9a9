package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"shamebot/internal/domain"
	"shamebot/internal/eventbus"
	"shamebot/internal/storage"
	logx "shamebot/pkg/logx"
)

// RequestAccountability asks requested to keep requesting accountable for
// the task. A rejected request for the same pair is reopened.
func (s *Service) RequestAccountability(ctx context.Context, requesting, requested int64, taskID uuid.UUID) (domain.AccountabilityRequest, error) {
	if requested == 0 {
		return domain.AccountabilityRequest{}, fmt.Errorf("partner required: %w", domain.ErrInvalid)
	}
	if requested == requesting {
		return domain.AccountabilityRequest{}, fmt.Errorf("cannot partner with yourself: %w", domain.ErrInvalid)
	}

	unlock := s.locks.Lock(taskID)
	defer unlock()

	var (
		t   domain.Task
		req domain.AccountabilityRequest
	)
	err := s.store.InTx(ctx, func(q *storage.Queries) error {
		var err error
		if t, err = s.ownedTask(ctx, q, taskID, requesting); err != nil {
			return err
		}
		if t.Checked {
			return fmt.Errorf("task %s is checked: %w", t.ID, domain.ErrConflict)
		}
		now := s.sched.Now()
		prev, err := q.GetRequest(ctx, taskID, requested)
		switch {
		case err == nil:
			if prev.Status.Active() {
				return fmt.Errorf("request for %d is %s: %w", requested, prev.Status, domain.ErrConflict)
			}
			req = prev
			req.RequestingUser = requesting
			req.Status = domain.RequestPending
			req.UpdatedAt = now
		case errors.Is(err, domain.ErrNotFound):
			req = domain.AccountabilityRequest{
				TaskID:         taskID,
				RequestingUser: requesting,
				RequestedUser:  requested,
				Status:         domain.RequestPending,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
		default:
			return err
		}
		if err := q.UpsertRequest(ctx, req); err != nil {
			return err
		}
		return s.audit(ctx, q, requesting, "accountability.request", taskID, fmt.Sprint(requested))
	})
	if err != nil {
		return domain.AccountabilityRequest{}, fmt.Errorf("request accountability: %w", err)
	}
	s.log.Info("accountability requested", logx.Stringer("task", taskID), logx.Int64("partner", requested))
	s.sendSide(ctx, htmlNote(chanAccountability, 5, partnerChat(t, requested), requestText(t, requested)))
	return req, nil
}

// RespondAccountability settles a pending request. Only the requested user
// may respond, and only once.
func (s *Service) RespondAccountability(ctx context.Context, requested int64, taskID uuid.UUID, accept bool) (domain.AccountabilityRequest, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	var (
		t   domain.Task
		req domain.AccountabilityRequest
	)
	to := domain.RequestRejected
	if accept {
		to = domain.RequestAccepted
	}
	err := s.store.InTx(ctx, func(q *storage.Queries) error {
		var err error
		if t, err = q.GetTask(ctx, taskID); err != nil {
			return err
		}
		if req, err = q.GetRequest(ctx, taskID, requested); err != nil {
			return err
		}
		if req.Status != domain.RequestPending {
			return fmt.Errorf("request already %s: %w", req.Status, domain.ErrConflict)
		}
		now := s.sched.Now()
		ok, err := q.TransitionRequest(ctx, taskID, requested, domain.RequestPending, to, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("request no longer pending: %w", domain.ErrConflict)
		}
		req.Status, req.UpdatedAt = to, now
		return s.audit(ctx, q, requested, "accountability.respond", taskID, to.String())
	})
	if err != nil {
		return domain.AccountabilityRequest{}, fmt.Errorf("respond accountability: %w", err)
	}
	s.log.Info("accountability answered", logx.Stringer("task", taskID), logx.Int64("partner", requested), logx.Stringer("status", to))
	s.sendSide(ctx, htmlNote(chanAccountability, 5, taskChat(t), respondText(t, requested, accept)))
	return req, nil
}

// SubmitProof replaces the task's proof with a fresh, unreviewed one.
func (s *Service) SubmitProof(ctx context.Context, in ProofInput) (domain.Proof, error) {
	in.Content = trimmed(in.Content)
	in.Image = trimmed(in.Image)
	if err := s.check(in); err != nil {
		return domain.Proof{}, err
	}
	if in.Content == nil && in.Image == nil {
		return domain.Proof{}, fmt.Errorf("proof needs text or a photo: %w", domain.ErrInvalid)
	}

	unlock := s.locks.Lock(in.TaskID)
	defer unlock()

	var (
		t        domain.Task
		p        domain.Proof
		partners []int64
	)
	err := s.store.InTx(ctx, func(q *storage.Queries) error {
		var err error
		if t, err = s.ownedTask(ctx, q, in.TaskID, in.Actor); err != nil {
			return err
		}
		if t.Checked {
			return fmt.Errorf("task %s is checked: %w", t.ID, domain.ErrConflict)
		}
		if partners, err = acceptedPartners(ctx, q, t.ID); err != nil {
			return err
		}
		if len(partners) == 0 {
			return fmt.Errorf("task %s has no accepted partner: %w", t.ID, domain.ErrGateNotSatisfied)
		}
		if t.ProofID.Valid {
			if err := q.DeleteProof(ctx, t.ProofID.UUID); err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
		}
		now := s.sched.Now()
		p = domain.Proof{ID: uuid.New(), TaskID: t.ID, Content: in.Content, Image: in.Image, CreatedAt: now}
		if err := q.InsertProof(ctx, p); err != nil {
			return err
		}
		t.ProofID = uuid.NullUUID{UUID: p.ID, Valid: true}
		t.UpdatedAt = now
		if err := q.UpdateTask(ctx, t); err != nil {
			return err
		}
		return s.audit(ctx, q, in.Actor, "proof.submit", t.ID, p.ID.String())
	})
	if err != nil {
		return domain.Proof{}, fmt.Errorf("submit proof: %w", err)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.ProofSubmitted, Time: s.sched.Now(), Data: eventbus.TaskEvent{
		TaskID: t.ID, UserID: t.UserID, Actor: in.Actor, Detail: p.ID.String(),
	}})
	for _, partner := range partners {
		s.sendSide(ctx, htmlNote(chanAccountability, 5, partnerChat(t, partner), proofText(t, p, partner)))
	}
	return p, nil
}

// ReviewProof approves or rejects the task's current proof. Only a partner
// with an accepted request may review, and a proof is reviewed once.
func (s *Service) ReviewProof(ctx context.Context, reviewer int64, proofID uuid.UUID, approve bool) (domain.Proof, error) {
	// The proof names its task; the lock is taken on that task and the
	// proof re-read inside the transaction.
	first, err := s.store.Queries().GetProof(ctx, proofID)
	if err != nil {
		return domain.Proof{}, fmt.Errorf("review proof: %w", err)
	}

	unlock := s.locks.Lock(first.TaskID)
	defer unlock()

	var (
		t domain.Task
		p domain.Proof
	)
	err = s.store.InTx(ctx, func(q *storage.Queries) error {
		var err error
		if p, err = q.GetProof(ctx, proofID); err != nil {
			return err
		}
		if t, err = q.GetTask(ctx, p.TaskID); err != nil {
			return err
		}
		req, err := q.GetRequest(ctx, t.ID, reviewer)
		if errors.Is(err, domain.ErrNotFound) || (err == nil && req.Status != domain.RequestAccepted) {
			return fmt.Errorf("%d is not an accepted partner of task %s: %w", reviewer, t.ID, domain.ErrForbidden)
		}
		if err != nil {
			return err
		}
		if !t.ProofID.Valid || t.ProofID.UUID != p.ID {
			return fmt.Errorf("proof %s is not current: %w", p.ID, domain.ErrConflict)
		}
		if p.Reviewed() {
			return fmt.Errorf("proof %s already reviewed: %w", p.ID, domain.ErrConflict)
		}
		ok, err := q.ReviewProof(ctx, p.ID, approve)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("proof %s already reviewed: %w", p.ID, domain.ErrConflict)
		}
		p.Approved, p.Rejected = approve, !approve
		verdict := "rejected"
		if approve {
			verdict = "approved"
		}
		return s.audit(ctx, q, reviewer, "proof.review", t.ID, verdict)
	})
	if err != nil {
		return domain.Proof{}, fmt.Errorf("review proof: %w", err)
	}
	s.log.Info("proof reviewed", logx.Stringer("task", t.ID), logx.Stringer("proof", p.ID), logx.Bool("approved", approve))
	s.bus.Publish(eventbus.Event{Type: eventbus.ProofReviewed, Time: s.sched.Now(), Data: eventbus.TaskEvent{
		TaskID: t.ID, UserID: t.UserID, Actor: reviewer, Detail: fmt.Sprintf("approved=%t", approve),
	}})
	s.sendSide(ctx, htmlNote(chanAccountability, 5, taskChat(t), reviewText(t, approve)))
	return p, nil
}

func trimmed(p *string) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	if v == "" {
		return nil
	}
	return &v
}
