package bot

import (
	"sort"
	"strings"

	kit "shamebot/internal/transport"
	"shamebot/pkg/tgui"
)

// sanitizeCommand converts a name into a Telegram command name,
// [a-z0-9_]{1,32}.
func sanitizeCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == ' ' || r == '/':
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

func buildMenu(cmds []Command) []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(cmds))
	seen := map[string]bool{}
	for _, c := range cmds {
		name := sanitizeCommand(c.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = name
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		out = append(out, kit.BotCommand{Command: name, Description: desc})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	if len(out) > 100 {
		out = out[:100]
	}
	return out
}

// helpText renders the command list in HTML parse mode.
func (r *Router) helpText() string {
	r.mu.RLock()
	cmds := append([]Command(nil), r.cmds...)
	r.mu.RUnlock()

	lines := []string{
		"📋 <b>shamebot</b>",
		"i keep track of your tasks and nag you until they're done.",
		"",
	}
	for _, c := range cmds {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		lines = append(lines, tgui.Code(usage))
		if c.Description != "" {
			lines = append(lines, "  "+tgui.Esc(c.Description))
		}
	}
	return strings.Join(lines, "\n")
}
