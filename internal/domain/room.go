package domain

import "time"

type RoomID string

type RoomKind string

const RoomKindRandom RoomKind = "random"

// Room is shared by exactly two participants. Details is a snapshot taken
// at pairing time and is never synced afterwards.
type Room struct {
	ID           RoomID             `json:"id"`
	Kind         RoomKind           `json:"type"`
	Participants [2]UserID          `json:"participants"`
	Details      map[UserID]Details `json:"participantDetails"`
	Active       bool               `json:"isActive"`
	CreatedAt    time.Time          `json:"createdAt"`
}

func (r Room) Has(u UserID) bool {
	return r.Participants[0] == u || r.Participants[1] == u
}

// Partner returns the other participant, or "" if u is not in the room.
func (r Room) Partner(u UserID) UserID {
	switch u {
	case r.Participants[0]:
		return r.Participants[1]
	case r.Participants[1]:
		return r.Participants[0]
	}
	return ""
}

type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindSystem MessageKind = "system"
)

type RoomMessage struct {
	Seq        int64       `json:"seq"`
	RoomID     RoomID      `json:"chatRoomId"`
	SenderID   UserID      `json:"senderId"`
	SenderName string      `json:"senderName"`
	Text       string      `json:"text"`
	Kind       MessageKind `json:"type"`
	CreatedAt  time.Time   `json:"timestamp"`
}

// MatchRecord is the history entry of one pairing.
type MatchRecord struct {
	ID        string        `json:"id"`
	User1     UserID        `json:"userId1"`
	User2     UserID        `json:"userId2"`
	RoomID    RoomID        `json:"chatRoomId"`
	CreatedAt time.Time     `json:"createdAt"`
	EndedAt   *time.Time    `json:"endedAt,omitempty"`
	Duration  time.Duration `json:"duration"`
}

func (m MatchRecord) Other(u UserID) UserID {
	if m.User1 == u {
		return m.User2
	}
	return m.User1
}

type NotificationKind string

const (
	NotificationMatch  NotificationKind = "match"
	NotificationSystem NotificationKind = "system"
)

type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Kind  NotificationKind  `json:"type"`
	Data  map[string]string `json:"data,omitempty"`
}
