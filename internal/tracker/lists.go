package tracker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"shamebot/internal/domain"
	"shamebot/internal/storage"
	logx "shamebot/pkg/logx"
)

// defaultListNS derives a user's default list id.
var defaultListNS = uuid.MustParse("6f0f7f5e-3a43-4c1e-9f3e-7b0d3f2a9c11")

// DefaultListID is the id of the list tasks land in when created without one.
func DefaultListID(userID int64) uuid.UUID {
	return uuid.NewSHA1(defaultListNS, []byte(strconv.FormatInt(userID, 10)))
}

func (s *Service) CreateList(ctx context.Context, in ListInput) (domain.List, error) {
	in.Title = strings.TrimSpace(in.Title)
	if err := s.check(in); err != nil {
		return domain.List{}, err
	}
	l := domain.List{
		ID:        uuid.New(),
		UserID:    in.Actor,
		GuildID:   in.GuildID,
		Title:     in.Title,
		CreatedAt: s.sched.Now(),
	}
	err := s.store.InTx(ctx, func(q *storage.Queries) error {
		if err := q.InsertList(ctx, l); err != nil {
			return err
		}
		return s.auditList(ctx, q, in.Actor, "list.create", l)
	})
	if err != nil {
		return domain.List{}, fmt.Errorf("create list: %w", err)
	}
	s.log.Info("list created", logx.Stringer("list", l.ID), logx.Int64("user", l.UserID))
	return l, nil
}

// Lists returns the user's lists with task counts, oldest first. The default
// list shows up once a task has been created in it.
func (s *Service) Lists(ctx context.Context, userID int64) ([]domain.ListSummary, error) {
	return s.store.Queries().ListsByUser(ctx, userID)
}

// ListTasks returns a list with its tasks. Only the list's owner may see it.
func (s *Service) ListTasks(ctx context.Context, actor int64, listID uuid.UUID) (ListView, error) {
	q := s.store.Queries()
	l, err := q.GetList(ctx, listID)
	if err != nil {
		return ListView{}, err
	}
	if l.UserID != actor {
		return ListView{}, fmt.Errorf("list %s not owned by %d: %w", listID, actor, domain.ErrForbidden)
	}
	tasks, err := q.TasksInList(ctx, listID)
	if err != nil {
		return ListView{}, err
	}
	return ListView{List: l, Tasks: tasks}, nil
}

// taskList resolves the list a new task goes into.
func (s *Service) taskList(ctx context.Context, q *storage.Queries, actor int64, listID uuid.UUID, now time.Time) (uuid.UUID, error) {
	if listID == uuid.Nil {
		l := domain.List{ID: DefaultListID(actor), UserID: actor, Title: domain.DefaultListTitle, CreatedAt: now}
		created, err := q.EnsureList(ctx, l)
		if err != nil {
			return uuid.Nil, err
		}
		if created {
			if err := s.auditList(ctx, q, actor, "list.create", l); err != nil {
				return uuid.Nil, err
			}
		}
		return l.ID, nil
	}
	l, err := q.GetList(ctx, listID)
	if err != nil {
		return uuid.Nil, err
	}
	if l.UserID != actor {
		return uuid.Nil, fmt.Errorf("list %s not owned by %d: %w", listID, actor, domain.ErrForbidden)
	}
	return l.ID, nil
}

func (s *Service) auditList(ctx context.Context, q *storage.Queries, actor int64, action string, l domain.List) error {
	return q.AppendAudit(ctx, storage.AuditEntry{
		At:      s.sched.Now(),
		ActorID: actor,
		Action:  action,
		Target:  l.ID.String() + " " + l.Title,
		OK:      true,
	})
}
