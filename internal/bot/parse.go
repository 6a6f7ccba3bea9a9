package bot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"shamebot/internal/domain"
)

var dueLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseDue reads an absolute time in loc, or a relative duration such as
// "90m" or "+2h" from now.
func parseDue(s string, now time.Time, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("due time required: %w", domain.ErrInvalid)
	}
	if d, err := time.ParseDuration(strings.TrimPrefix(s, "+")); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("due must be in the future: %w", domain.ErrInvalid)
		}
		return now.Add(d), nil
	}
	for _, layout := range dueLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			if layout == "2006-01-02" {
				y, m, d := t.Date()
				t = time.Date(y, m, d, 23, 59, 0, 0, loc)
			}
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("due %q: %w", s, domain.ErrInvalid)
}

func parseID(args []string, i int, what string) (uuid.UUID, error) {
	if len(args) <= i {
		return uuid.Nil, fmt.Errorf("%s id required: %w", what, domain.ErrInvalid)
	}
	id, err := uuid.Parse(strings.TrimSpace(args[i]))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s id %q: %w", what, args[i], domain.ErrInvalid)
	}
	return id, nil
}

func parseUserID(args []string, i int) (int64, error) {
	if len(args) <= i {
		return 0, fmt.Errorf("user id required: %w", domain.ErrInvalid)
	}
	v, err := strconv.ParseInt(strings.TrimPrefix(args[i], "@"), 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("user id %q: %w", args[i], domain.ErrInvalid)
	}
	return v, nil
}

type newTaskArgs struct {
	title     string
	due       string
	pester    string
	pesterMax int
	list      uuid.UUID
}

// parseNewTask reads "<title> [| due=...] [| pester=...] [| max=N] [| list=<id>]".
func parseNewTask(rest string) (newTaskArgs, error) {
	parts := strings.Split(rest, "|")
	out := newTaskArgs{title: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			return out, fmt.Errorf("option %q: %w", p, domain.ErrInvalid)
		}
		v = strings.TrimSpace(v)
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "due":
			out.due = v
		case "pester":
			out.pester = v
		case "max":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return out, fmt.Errorf("max %q: %w", v, domain.ErrInvalid)
			}
			out.pesterMax = n
		case "list":
			id, err := uuid.Parse(v)
			if err != nil {
				return out, fmt.Errorf("list id %q: %w", v, domain.ErrInvalid)
			}
			out.list = id
		default:
			return out, fmt.Errorf("unknown option %q: %w", k, domain.ErrInvalid)
		}
	}
	return out, nil
}
