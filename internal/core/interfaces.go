package core

import (
	"context"
	"time"

	"github.com/dkeye/PeerMatch/internal/domain"
)

// SessionID is the client token bound to a browser or peer process.
type SessionID string

// IdentityProvider resolves the user behind a client token.
type IdentityProvider interface {
	GetOrCreateUser(sid SessionID) domain.User
	UpdateUsername(sid SessionID, name string) (domain.User, error)
}

// QueueStore is the authoritative waiting pool. CommitMatch is the only
// operation that moves an entry to matched, and it does so conditionally.
type QueueStore interface {
	// Enqueue cancels every waiting entry of e.UserID and inserts e as
	// waiting, atomically. The stored entry is returned with Seq and
	// CreatedAt filled in.
	Enqueue(ctx context.Context, e domain.QueueEntry) (domain.QueueEntry, error)
	// CancelWaiting marks all waiting entries of user as cancelled.
	CancelWaiting(ctx context.Context, user domain.UserID) (int64, error)
	// OldestWaiting returns at most limit waiting entries not owned by
	// exclude, oldest first.
	OldestWaiting(ctx context.Context, exclude domain.UserID, limit int) ([]domain.QueueEntry, error)
	// LatestEntry returns the newest entry of user regardless of status.
	LatestEntry(ctx context.Context, user domain.UserID) (domain.QueueEntry, bool, error)
	// ActiveEntry returns the newest waiting or matched entry of user.
	ActiveEntry(ctx context.Context, user domain.UserID) (domain.QueueEntry, bool, error)
	// CommitMatch moves both entries from waiting to matched, pointing at
	// each other and at room. It fails with ErrLostRace if either entry is
	// no longer waiting, and with ErrQueueWriteConflict on storage failure.
	CommitMatch(ctx context.Context, a, b domain.QueueEntry, room domain.RoomID) error
}

// MatchHistory is the append-only record of completed pairings.
type MatchHistory interface {
	AppendMatch(ctx context.Context, rec domain.MatchRecord) error
	PartnersOf(ctx context.Context, user domain.UserID) ([]domain.UserID, error)
	// EndMatch stamps ended-at and duration once; later calls report false.
	EndMatch(ctx context.Context, room domain.RoomID, at time.Time) (bool, error)
}

// RoomStore owns rooms and their message stream.
type RoomStore interface {
	CreateRoom(ctx context.Context, room domain.Room) error
	GetRoom(ctx context.Context, id domain.RoomID) (domain.Room, error)
	DeactivateRoom(ctx context.Context, id domain.RoomID) error
	PostMessage(ctx context.Context, msg domain.RoomMessage) (domain.RoomMessage, error)
	Messages(ctx context.Context, room domain.RoomID) ([]domain.RoomMessage, error)
}

// Notifier is fire-and-forget; callers log failures and move on.
type Notifier interface {
	Notify(ctx context.Context, user domain.UserID, n domain.Notification) error
}
