package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"shamebot/internal/domain"
	"shamebot/internal/tracker"
	"shamebot/pkg/tgui"
)

// Tracker is the part of the tracker the commands call.
type Tracker interface {
	CreateTask(ctx context.Context, in tracker.CreateInput) (domain.Task, error)
	EditTask(ctx context.Context, in tracker.EditInput) (domain.Task, error)
	CheckTask(ctx context.Context, actor int64, taskID uuid.UUID) (domain.Task, error)
	DeleteTask(ctx context.Context, actor int64, taskID uuid.UUID) error
	UserTasks(ctx context.Context, userID int64) ([]domain.Task, error)
	CreateList(ctx context.Context, in tracker.ListInput) (domain.List, error)
	Lists(ctx context.Context, userID int64) ([]domain.ListSummary, error)
	ListTasks(ctx context.Context, actor int64, listID uuid.UUID) (tracker.ListView, error)
	View(ctx context.Context, actor int64, taskID uuid.UUID) (tracker.TaskView, error)
	RequestAccountability(ctx context.Context, requesting, requested int64, taskID uuid.UUID) (domain.AccountabilityRequest, error)
	RespondAccountability(ctx context.Context, requested int64, taskID uuid.UUID, accept bool) (domain.AccountabilityRequest, error)
	SubmitProof(ctx context.Context, in tracker.ProofInput) (domain.Proof, error)
	ReviewProof(ctx context.Context, reviewer int64, proofID uuid.UUID, approve bool) (domain.Proof, error)
}

const listLimit = 50

func (r *Router) commands() []Command {
	return []Command{
		{
			Name:        "new",
			Aliases:     []string{"add"},
			Description: "create a task",
			Usage:       "/new <title> [| due=2025-01-02T15:04] [| pester=30m] [| max=3] [| list=<id>]",
			Handle:      r.cmdNew,
		},
		{
			Name:        "tasks",
			Description: "list your tasks",
			Usage:       "/tasks",
			Handle:      r.cmdTasks,
		},
		{
			Name:        "newlist",
			Description: "create a task list",
			Usage:       "/newlist <title>",
			Handle:      r.cmdNewList,
		},
		{
			Name:        "lists",
			Description: "show your task lists",
			Usage:       "/lists",
			Handle:      r.cmdLists,
		},
		{
			Name:        "list",
			Description: "show one list with its tasks",
			Usage:       "/list <id>",
			Handle:      r.cmdList,
		},
		{
			Name:        "task",
			Description: "show one task with its partners and jobs",
			Usage:       "/task <id>",
			Handle:      r.cmdTask,
		},
		{
			Name:        "due",
			Description: "change or clear a due time",
			Usage:       "/due <id> <time|none>",
			Handle:      r.cmdDue,
		},
		{
			Name:        "check",
			Aliases:     []string{"done"},
			Description: "check a task off",
			Usage:       "/check <id>",
			Handle:      r.cmdCheck,
		},
		{
			Name:        "delete",
			Aliases:     []string{"rm"},
			Description: "delete a task",
			Usage:       "/delete <id>",
			Handle:      r.cmdDelete,
		},
		{
			Name:        "partner",
			Description: "ask someone to keep you accountable",
			Usage:       "/partner <id> <user_id>",
			Handle:      r.cmdPartner,
		},
		{
			Name:        "accept",
			Description: "accept an accountability request",
			Usage:       "/accept <id>",
			Handle:      r.respond(true),
		},
		{
			Name:        "decline",
			Aliases:     []string{"reject"},
			Description: "decline an accountability request",
			Usage:       "/decline <id>",
			Handle:      r.respond(false),
		},
		{
			Name:        "proof",
			Description: "submit proof (text, or a photo with this caption)",
			Usage:       "/proof <id> [text]",
			Handle:      r.cmdProof,
		},
		{
			Name:        "approve",
			Description: "approve a partner's proof",
			Usage:       "/approve <proof_id>",
			Handle:      r.review(true),
		},
		{
			Name:        "deny",
			Description: "reject a partner's proof",
			Usage:       "/deny <proof_id>",
			Handle:      r.review(false),
		},
	}
}

func (r *Router) cmdNew(ctx context.Context, req *Request) error {
	a, err := parseNewTask(req.Rest)
	if err != nil {
		return err
	}
	in := tracker.CreateInput{
		Actor:     req.FromID,
		ListID:    a.list,
		Title:     a.title,
		Pester:    a.pester,
		PesterMax: a.pesterMax,
	}
	if msg := req.Update.Message; msg != nil && msg.IsGroup {
		in.GuildID = msg.ChatID
	}
	if a.due != "" {
		if in.DueAt, err = parseDue(a.due, r.now(), r.cfg.Location); err != nil {
			return err
		}
	}
	t, err := r.tracker.CreateTask(ctx, in)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("✅ added %s\nid: <code>%s</code>%s", tgui.B(t.Title), t.ID, r.dueLine(t)))
}

func (r *Router) cmdTasks(ctx context.Context, req *Request) error {
	tasks, err := r.tracker.UserTasks(ctx, req.FromID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return req.Reply(ctx, "no tasks yet. add one with /new")
	}
	var b strings.Builder
	b.WriteString("📋 <b>your tasks</b>\n")
	for i, t := range tasks {
		if i == listLimit {
			fmt.Fprintf(&b, "\n…and %d more", len(tasks)-listLimit)
			break
		}
		fmt.Fprintf(&b, "\n%s %s\n<code>%s</code>%s", statusIcon(t), tgui.Esc(tgui.TruncRunes(t.Title, 80)), t.ID, r.dueLine(t))
	}
	return req.Reply(ctx, b.String())
}

func (r *Router) cmdNewList(ctx context.Context, req *Request) error {
	in := tracker.ListInput{Actor: req.FromID, Title: req.Rest}
	if msg := req.Update.Message; msg != nil && msg.IsGroup {
		in.GuildID = msg.ChatID
	}
	l, err := r.tracker.CreateList(ctx, in)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("🗂 created %s\nid: <code>%s</code>\nadd to it with /new &lt;title&gt; | list=%s", tgui.B(l.Title), l.ID, l.ID))
}

func (r *Router) cmdLists(ctx context.Context, req *Request) error {
	lists, err := r.tracker.Lists(ctx, req.FromID)
	if err != nil {
		return err
	}
	if len(lists) == 0 {
		return req.Reply(ctx, "no lists yet. make one with /newlist")
	}
	var b strings.Builder
	b.WriteString("🗂 <b>your lists</b>\n")
	for i, l := range lists {
		if i == listLimit {
			fmt.Fprintf(&b, "\n…and %d more", len(lists)-listLimit)
			break
		}
		fmt.Fprintf(&b, "\n%s (%d/%d done)\n<code>%s</code>", tgui.Esc(tgui.TruncRunes(l.Title, 80)), l.Checked, l.Tasks, l.ID)
	}
	return req.Reply(ctx, b.String())
}

// cmdList renders one list the way it is shared: a checkbox per task.
func (r *Router) cmdList(ctx context.Context, req *Request) error {
	id, err := parseID(req.Args, 0, "list")
	if err != nil {
		return err
	}
	v, err := r.tracker.ListTasks(ctx, req.FromID, id)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🗂 %s (%d/%d done)", tgui.B(v.List.Title), v.Checked(), len(v.Tasks))
	if len(v.Tasks) == 0 {
		b.WriteString("\n\nnothing here yet.")
	}
	for i, t := range v.Tasks {
		if i == listLimit {
			fmt.Fprintf(&b, "\n\n…and %d more", len(v.Tasks)-listLimit)
			break
		}
		fmt.Fprintf(&b, "\n\n%s %s", checkbox(t), tgui.B(tgui.TruncRunes(t.Title, 80)))
		if t.Content != nil {
			fmt.Fprintf(&b, "\n%s", tgui.Esc(tgui.TruncRunes(*t.Content, 200)))
		}
		fmt.Fprintf(&b, "\n<code>%s</code>%s", t.ID, r.dueLine(t))
	}
	return req.Reply(ctx, b.String())
}

func (r *Router) cmdTask(ctx context.Context, req *Request) error {
	id, err := parseID(req.Args, 0, "task")
	if err != nil {
		return err
	}
	v, err := r.tracker.View(ctx, req.FromID, id)
	if err != nil {
		return err
	}
	t := v.Task
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s)", statusIcon(t), tgui.B(t.Title), t.Status())
	if t.Content != nil {
		fmt.Fprintf(&b, "\n%s", tgui.Esc(*t.Content))
	}
	b.WriteString(r.dueLine(t))
	if t.Pester != "" {
		fmt.Fprintf(&b, "\npester: %s (%d sent", tgui.Code(t.Pester), t.PesterCount)
		if t.PesterMax > 0 {
			fmt.Fprintf(&b, " of %d", t.PesterMax)
		}
		b.WriteString(")")
	}
	for _, rq := range v.Requests {
		fmt.Fprintf(&b, "\npartner <code>%d</code>: %s", rq.RequestedUser, rq.Status)
	}
	if v.Proof != nil {
		state := "waiting for review"
		switch {
		case v.Proof.Approved:
			state = "approved"
		case v.Proof.Rejected:
			state = "rejected"
		}
		fmt.Fprintf(&b, "\nproof <code>%s</code>: %s", v.Proof.ID, state)
	}
	for _, j := range v.Jobs {
		if j.State.Live() {
			fmt.Fprintf(&b, "\n⏰ %s at %s", j.Kind, r.fmtTime(j.FireAt))
		}
	}
	return req.Reply(ctx, b.String())
}

func (r *Router) cmdDue(ctx context.Context, req *Request) error {
	id, err := parseID(req.Args, 0, "task")
	if err != nil {
		return err
	}
	raw := strings.TrimSpace(strings.TrimPrefix(req.Rest, req.Args[0]))
	var due time.Time
	if !strings.EqualFold(raw, "none") && !strings.EqualFold(raw, "clear") {
		if due, err = parseDue(raw, r.now(), r.cfg.Location); err != nil {
			return err
		}
	}
	t, err := r.tracker.EditTask(ctx, tracker.EditInput{Actor: req.FromID, TaskID: id, DueAt: &due})
	if err != nil {
		return err
	}
	if !t.HasDue() {
		return req.Reply(ctx, fmt.Sprintf("🗓 %s no longer has a due date.", tgui.B(t.Title)))
	}
	return req.Reply(ctx, fmt.Sprintf("🗓 %s%s", tgui.B(t.Title), r.dueLine(t)))
}

func (r *Router) cmdCheck(ctx context.Context, req *Request) error {
	id, err := parseID(req.Args, 0, "task")
	if err != nil {
		return err
	}
	t, err := r.tracker.CheckTask(ctx, req.FromID, id)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("🎉 %s is done. good job!", tgui.B(t.Title)))
}

func (r *Router) cmdDelete(ctx context.Context, req *Request) error {
	id, err := parseID(req.Args, 0, "task")
	if err != nil {
		return err
	}
	if err := r.tracker.DeleteTask(ctx, req.FromID, id); err != nil {
		return err
	}
	return req.Reply(ctx, "🗑 deleted.")
}

func (r *Router) cmdPartner(ctx context.Context, req *Request) error {
	id, err := parseID(req.Args, 0, "task")
	if err != nil {
		return err
	}
	partner, err := parseUserID(req.Args, 1)
	if err != nil {
		return err
	}
	if _, err := r.tracker.RequestAccountability(ctx, req.FromID, partner, id); err != nil {
		return err
	}
	return req.Reply(ctx, "📨 request sent. they need to /accept it.")
}

func (r *Router) respond(accept bool) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		id, err := parseID(req.Args, 0, "task")
		if err != nil {
			return err
		}
		if _, err := r.tracker.RespondAccountability(ctx, req.FromID, id, accept); err != nil {
			return err
		}
		if accept {
			return req.Reply(ctx, "🤝 you're their accountability partner now.")
		}
		return req.Reply(ctx, "👋 declined.")
	}
}

func (r *Router) cmdProof(ctx context.Context, req *Request) error {
	id, err := parseID(req.Args, 0, "task")
	if err != nil {
		return err
	}
	in := tracker.ProofInput{Actor: req.FromID, TaskID: id}
	if text := strings.TrimSpace(strings.TrimPrefix(req.Rest, req.Args[0])); text != "" {
		in.Content = &text
	}
	if req.PhotoID != "" {
		photo := req.PhotoID
		in.Image = &photo
	}
	p, err := r.tracker.SubmitProof(ctx, in)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("📸 proof <code>%s</code> sent to your partner.", p.ID))
}

func (r *Router) review(approve bool) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		id, err := parseID(req.Args, 0, "proof")
		if err != nil {
			return err
		}
		if _, err := r.tracker.ReviewProof(ctx, req.FromID, id, approve); err != nil {
			return err
		}
		if approve {
			return req.Reply(ctx, "👍 approved.")
		}
		return req.Reply(ctx, "👎 rejected. they'll have to try again.")
	}
}

func statusIcon(t domain.Task) string {
	switch {
	case t.Checked:
		return "✅"
	case t.Overdue:
		return "🔥"
	default:
		return "⬜"
	}
}

func checkbox(t domain.Task) string {
	if t.Checked {
		return "☑"
	}
	return "☐"
}

func (r *Router) fmtTime(t time.Time) string {
	return t.In(r.cfg.Location).Format("Mon Jan 2 15:04 MST")
}

func (r *Router) dueLine(t domain.Task) string {
	if !t.HasDue() {
		return ""
	}
	return "\ndue " + r.fmtTime(t.DueAt)
}
