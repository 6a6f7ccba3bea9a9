package tracker

import (
	"fmt"
	"strings"
	"time"

	"shamebot/internal/domain"
	kit "shamebot/internal/transport"
	"shamebot/pkg/tgui"
)

const (
	chanTask           = "task"
	chanAccountability = "accountability"
)

// taskChat is where task messages for the owner go: the task's chat, or a
// DM when the task has none.
func taskChat(t domain.Task) kit.ChatTarget {
	if t.GuildID != 0 {
		return kit.ChatTarget{ChatID: t.GuildID}
	}
	return kit.ChatTarget{ChatID: t.UserID}
}

// partnerChat is where a message addressed to partner goes.
func partnerChat(t domain.Task, partner int64) kit.ChatTarget {
	if t.GuildID != 0 {
		return kit.ChatTarget{ChatID: t.GuildID}
	}
	return kit.ChatTarget{ChatID: partner}
}

func htmlNote(channel string, prio int, to kit.ChatTarget, text string) kit.Notification {
	return kit.Notification{
		Channel:  channel,
		Priority: prio,
		Target:   to,
		Text:     text,
		Options:  &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
	}
}

func (s *Service) formatDue(t time.Time) string {
	return t.In(s.sched.Location()).Format("Mon Jan 2 15:04 MST")
}

func leadText(d time.Duration) string {
	switch d {
	case time.Hour:
		return tgui.I("one hour")
	case 30 * time.Minute:
		return tgui.I("half an hour")
	}
	return tgui.I(strings.TrimSuffix(strings.TrimSuffix(d.String(), "0s"), "0m"))
}

func (s *Service) pesterText(t domain.Task, partners []int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "hey %s! %s still isn't finished yet >:c", tgui.Mention("you", t.UserID), tgui.B(t.Title))
	for _, p := range partners {
		fmt.Fprintf(&b, "\n%s would be <i>very</i> upset with you if you didn't finish on time.", tgui.Mention("your partner", p))
	}
	if t.HasDue() {
		fmt.Fprintf(&b, "\n\nyou have until %s. use your time wisely.", s.formatDue(t.DueAt))
	}
	return b.String()
}

func (s *Service) reminderText(t domain.Task) string {
	return fmt.Sprintf("hey %s! you have %s to finish the following task:\n%s",
		tgui.Mention("you", t.UserID), leadText(s.cfg.ReminderLead), tgui.B(t.Title))
}

func overdueText(t domain.Task, partners []int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "your time to complete %s is up, %s. i am very disappointed in you.", tgui.B(t.Title), tgui.Mention("you", t.UserID))
	if len(partners) > 0 {
		names := make([]string, 0, len(partners))
		for _, p := range partners {
			names = append(names, tgui.Mention("partner", p))
		}
		fmt.Fprintf(&b, "\n\n%s, how could you let this happen?", strings.Join(names, ", "))
	}
	return b.String()
}

func requestText(t domain.Task, partner int64) string {
	return fmt.Sprintf("%s, %s wants you to keep them accountable for %s.\nreply /accept %s or /decline %s",
		tgui.Mention("hey", partner), tgui.Mention("someone", t.UserID), tgui.B(t.Title), t.ID.String(), t.ID.String())
}

func respondText(t domain.Task, partner int64, accepted bool) string {
	if accepted {
		return fmt.Sprintf("%s, %s accepted your accountability request for %s. you'll need their approval on a /proof before you can check it off.",
			tgui.Mention("hey", t.UserID), tgui.Mention("your partner", partner), tgui.B(t.Title))
	}
	return fmt.Sprintf("%s, %s declined your accountability request for %s.",
		tgui.Mention("hey", t.UserID), tgui.Mention("your partner", partner), tgui.B(t.Title))
}

func proofText(t domain.Task, p domain.Proof, partner int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s, %s submitted proof for %s", tgui.Mention("hey", partner), tgui.Mention("your friend", t.UserID), tgui.B(t.Title))
	if p.Content != nil {
		fmt.Fprintf(&b, ":\n%s", tgui.Quote(tgui.TruncRunes(*p.Content, 1000)))
	}
	if p.Image != nil {
		b.WriteString("\n(photo attached)")
	}
	fmt.Fprintf(&b, "\n/approve %s or /deny %s", p.ID.String(), p.ID.String())
	return b.String()
}

func reviewText(t domain.Task, approved bool) string {
	if approved {
		return fmt.Sprintf("%s, your proof for %s was approved. go check it off with /check %s",
			tgui.Mention("hey", t.UserID), tgui.B(t.Title), t.ID.String())
	}
	return fmt.Sprintf("%s, your proof for %s was rejected. submit a new one with /proof %s",
		tgui.Mention("hey", t.UserID), tgui.B(t.Title), t.ID.String())
}
