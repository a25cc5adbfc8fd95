package core

import "errors"

// Matchmaking outcomes. NoCandidate and LostRace share one retry path.
var (
	ErrNoCandidate        = errors.New("no candidate available")
	ErrLostRace           = errors.New("candidate taken by a concurrent matcher")
	ErrQueueWriteConflict = errors.New("queue write conflict")
	ErrNotWaiting         = errors.New("user has no waiting entry")
	ErrCancelled          = errors.New("matching cancelled")
)

// Call session failures.
var (
	ErrMediaAccessDenied         = errors.New("media access denied")
	ErrNegotiationFailed         = errors.New("negotiation failed")
	ErrSignalDeliveryInterrupted = errors.New("signal delivery interrupted")
	ErrCallRejected              = errors.New("call rejected")
	ErrCallInProgress            = errors.New("call already in progress")
	ErrNoIncomingCall            = errors.New("no incoming call")
)

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomInactive   = errors.New("room inactive")
	ErrNotParticipant = errors.New("not a room participant")
)

// Retryable reports whether a matchmaking error should just trigger another
// poll after the regular interval.
func Retryable(err error) bool {
	return errors.Is(err, ErrNoCandidate) || errors.Is(err, ErrLostRace)
}
