package call

import (
	"context"

	"github.com/dkeye/PeerMatch/internal/domain"
)

type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// Track is one local capture track whose output can be muted.
type Track interface {
	Kind() TrackKind
	Enabled() bool
	SetEnabled(bool)
}

// LocalMedia is one acquired capture. Release stops every track; it is
// safe to call more than once.
type LocalMedia interface {
	AudioTrack() Track
	VideoTrack() Track
	Release()
}

type MediaDevices interface {
	Acquire(ctx context.Context, video, audio bool) (LocalMedia, error)
}

// RemoteTrack describes media that arrived from the peer.
type RemoteTrack struct {
	ID       string    `json:"id"`
	StreamID string    `json:"streamId"`
	Kind     TrackKind `json:"kind"`
}

// PeerTransport is one negotiated peer connection. Callbacks may fire on
// any goroutine.
type PeerTransport interface {
	AddLocalMedia(m LocalMedia) error
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	AcceptOffer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error)
	ApplyAnswer(answer domain.SessionDescription) error
	AddICECandidate(c domain.ICECandidate) error
	OnICECandidate(func(domain.ICECandidate))
	OnRemoteMedia(func(RemoteTrack))
	OnFailed(func(error))
	Close() error
}

type TransportFactory func() (PeerTransport, error)
