package signal

import "github.com/dkeye/PeerMatch/internal/domain"

// Frame types on the signaling socket.
const (
	FrameSignal       = "signal"
	FramePing         = "ping"
	FramePong         = "pong"
	FrameWhoAmI       = "whoami"
	FrameNotification = "notification"
	FrameError        = "error"
)

// ClientFrame is sent by peers. Signal frames address the room partner;
// To may be left empty.
type ClientFrame struct {
	Type    string            `json:"type"`
	To      domain.UserID     `json:"to,omitempty"`
	Kind    domain.SignalKind `json:"kind,omitempty"`
	Payload domain.Payload    `json:"payload"`
}

// ServerFrame is pushed to peers.
type ServerFrame struct {
	Type         string                `json:"type"`
	Message      *domain.SignalMessage `json:"message,omitempty"`
	Notification *domain.Notification  `json:"notification,omitempty"`
	User         *domain.User          `json:"user,omitempty"`
	Room         domain.RoomID         `json:"room,omitempty"`
	Partner      domain.UserID         `json:"partner,omitempty"`
	Error        string                `json:"error,omitempty"`
}
