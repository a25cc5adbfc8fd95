package domain

import (
	"slices"
	"time"
)

type (
	EntryID     string
	QueueStatus string
)

const (
	StatusWaiting   QueueStatus = "waiting"
	StatusMatched   QueueStatus = "matched"
	StatusCancelled QueueStatus = "cancelled"
)

// Preferences constrain which waiting users a requester accepts.
type Preferences struct {
	// Roles lists accepted partner roles; empty accepts any role.
	Roles               []string `json:"roles"`
	SkipPreviousMatches bool     `json:"skipPreviousMatches"`
}

func (p Preferences) AcceptsRole(role string) bool {
	return len(p.Roles) == 0 || slices.Contains(p.Roles, role)
}

// QueueEntry is one attempt of a user to find a partner.
// Matched and cancelled are terminal; a new attempt gets a new entry.
type QueueEntry struct {
	ID          EntryID     `json:"id"`
	Seq         int64       `json:"seq"`
	UserID      UserID      `json:"userId"`
	Details     Details     `json:"userDetails"`
	Preferences Preferences `json:"preferences"`
	Status      QueueStatus `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
	MatchedWith UserID      `json:"matchedWith,omitempty"`
	RoomID      RoomID      `json:"chatRoomId,omitempty"`
}

func (e QueueEntry) Waiting() bool { return e.Status == StatusWaiting }
