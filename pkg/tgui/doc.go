// Package tgui builds text for Telegram's HTML parse mode.
//
// Every helper escapes its input, so callers only concatenate results.
package tgui
