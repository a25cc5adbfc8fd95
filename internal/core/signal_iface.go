package core

import (
	"context"

	"github.com/dkeye/PeerMatch/internal/domain"
)

// SignalStore is the append-only log behind the signal channel, plus a
// per-(room, receiver) delivery cursor.
type SignalStore interface {
	AppendSignal(ctx context.Context, msg domain.SignalMessage) (domain.SignalMessage, error)
	SignalsAfter(ctx context.Context, room domain.RoomID, receiver domain.UserID, afterSeq int64, limit int) ([]domain.SignalMessage, error)
	SignalCursor(ctx context.Context, room domain.RoomID, receiver domain.UserID) (int64, error)
	AdvanceSignalCursor(ctx context.Context, room domain.RoomID, receiver domain.UserID, seq int64) error
}

// SignalFeed is a live, cancellable stream of messages addressed to one
// receiver in one room. C is closed once the feed stops; Err tells why.
type SignalFeed interface {
	C() <-chan domain.SignalMessage
	Cancel()
	Err() error
}

// Signaler is what a call session needs from the signaling layer.
type Signaler interface {
	Send(ctx context.Context, room domain.RoomID, from, to domain.UserID, kind domain.SignalKind, payload domain.Payload) (domain.SignalMessage, error)
	Subscribe(ctx context.Context, room domain.RoomID, self domain.UserID) (SignalFeed, error)
}

// Frame is an encoded server frame.
type Frame []byte

// SignalConnection is one live client socket. Owned by the adapter; the
// adapter must Close() it.
type SignalConnection interface {
	// TrySend never blocks and fails on backpressure.
	TrySend(Frame) error
	// Send blocks until the frame is queued, ctx ends or the connection closes.
	Send(ctx context.Context, f Frame) error
	Close()
}
