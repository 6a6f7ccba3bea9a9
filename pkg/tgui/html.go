package tgui

import (
	"fmt"
	"html"
)

// Esc escapes text for HTML parse mode.
func Esc(s string) string { return html.EscapeString(s) }

func wrap(tag, s string) string { return "<" + tag + ">" + Esc(s) + "</" + tag + ">" }

func B(s string) string     { return wrap("b", s) }
func I(s string) string     { return wrap("i", s) }
func Code(s string) string  { return wrap("code", s) }
func Quote(s string) string { return wrap("blockquote", s) }

// Link builds an anchor; both url and text are escaped.
func Link(text, url string) string {
	return fmt.Sprintf(`<a href="%s">%s</a>`, Esc(url), Esc(text))
}

// Mention links label to a user by id. It notifies the user even without a
// username.
func Mention(label string, userID int64) string {
	return Link(label, fmt.Sprintf("tg://user?id=%d", userID))
}
