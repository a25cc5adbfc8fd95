// Package rtc implements call.PeerTransport on pion/webrtc with trickle ICE.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/PeerMatch/internal/call"
	"github.com/dkeye/PeerMatch/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

var ErrForeignTrack = errors.New("track cannot be attached to a pion peer connection")

// localTrack is satisfied by media tracks backed by a pion TrackLocal.
type localTrack interface {
	Local() webrtc.TrackLocal
}

func Configuration(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

// Factory opens a fresh Connection per call.
func Factory(cfg webrtc.Configuration, label string) call.TransportFactory {
	return func() (call.PeerTransport, error) {
		return NewConnection(cfg, label)
	}
}

type Connection struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	onICE    func(domain.ICECandidate)
	onRemote func(call.RemoteTrack)
	onFailed func(error)
}

func NewConnection(cfg webrtc.Configuration, label string) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		pc:     pc,
		logger: log.With().Str("module", "webrtc").Str("peer", label).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed {
			if fn := c.failedHandler(); fn != nil {
				fn(errors.New("peer connection failed"))
			}
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(fromCandidateInit(cand.ToJSON()))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.Lock()
		fn := c.onRemote
		c.mu.Unlock()
		if fn != nil {
			fn(call.RemoteTrack{ID: track.ID(), StreamID: track.StreamID(), Kind: call.TrackKind(track.Kind().String())})
		}
		go c.drain(track)
	})

	return c, nil
}

// drain keeps reading the remote track so interceptors and buffers move.
func (c *Connection) drain(track *webrtc.TrackRemote) {
	for {
		if c.ctx.Err() != nil {
			return
		}
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func (c *Connection) failedHandler() func(error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onFailed
}

// AddLocalMedia attaches every track of m. Tracks must expose a pion
// TrackLocal.
func (c *Connection) AddLocalMedia(m call.LocalMedia) error {
	for _, t := range []call.Track{m.AudioTrack(), m.VideoTrack()} {
		if t == nil {
			continue
		}
		lt, ok := t.(localTrack)
		if !ok {
			return fmt.Errorf("%w: %s", ErrForeignTrack, t.Kind())
		}
		sender, err := c.pc.AddTrack(lt.Local())
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go c.readRTCP(sender)
	}
	return nil
}

func (c *Connection) readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Connection) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return fromDescription(*c.pc.LocalDescription()), nil
}

func (c *Connection) AcceptOffer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	if err := c.pc.SetRemoteDescription(toDescription(offer, webrtc.SDPTypeOffer)); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return fromDescription(*c.pc.LocalDescription()), nil
}

func (c *Connection) ApplyAnswer(answer domain.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(toDescription(answer, webrtc.SDPTypeAnswer)); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (c *Connection) AddICECandidate(cand domain.ICECandidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

func (c *Connection) OnICECandidate(fn func(domain.ICECandidate)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnRemoteMedia(fn func(call.RemoteTrack)) {
	c.mu.Lock()
	c.onRemote = fn
	c.mu.Unlock()
}

func (c *Connection) OnFailed(fn func(error)) {
	c.mu.Lock()
	c.onFailed = fn
	c.mu.Unlock()
}

func (c *Connection) Close() error {
	c.cancel()
	c.mu.Lock()
	c.onICE, c.onRemote, c.onFailed = nil, nil, nil
	c.mu.Unlock()
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}

func toDescription(sd domain.SessionDescription, fallback webrtc.SDPType) webrtc.SessionDescription {
	typ := webrtc.NewSDPType(sd.Type)
	if typ == webrtc.SDPTypeUnknown {
		typ = fallback
	}
	return webrtc.SessionDescription{Type: typ, SDP: sd.SDP}
}

func fromDescription(sd webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}
}

func fromCandidateInit(ci webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        ci.Candidate,
		SDPMid:           ci.SDPMid,
		SDPMLineIndex:    ci.SDPMLineIndex,
		UsernameFragment: ci.UsernameFragment,
	}
}
