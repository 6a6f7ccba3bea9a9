package domain

import (
	"time"

	"github.com/google/uuid"
)

// DefaultListTitle names the list a task lands in when none is given.
const DefaultListTitle = "tasks"

// List groups a user's tasks.
type List struct {
	ID        uuid.UUID
	UserID    int64
	GuildID   int64
	Title     string
	CreatedAt time.Time
}

// ListSummary is a list with its task counts.
type ListSummary struct {
	List
	Tasks   int
	Checked int
}
