// Package call runs one side of a two-party call: the local capture, the
// peer transport and the negotiation over a core.Signaler.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/dkeye/PeerMatch/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateIncoming  State = "incoming"
	StateConnected State = "connected"
	StateEnded     State = "ended"
)

const (
	DefaultEndedReset         = 2 * time.Second
	DefaultNegotiationTimeout = 30 * time.Second
	eventBuffer               = 32
)

var ErrSessionClosed = errors.New("call session closed")

// Event reports a state change or newly arrived remote media.
type Event struct {
	State  State
	Err    error
	Remote *RemoteTrack
}

type Config struct {
	Room  domain.RoomID
	Self  domain.UserID
	Peer  domain.UserID
	Video bool
	Audio bool
	// EndedReset is how long the session stays ended before going idle.
	EndedReset time.Duration
	// NegotiationTimeout bounds calling without remote media.
	NegotiationTimeout time.Duration
}

type role uint8

const (
	roleNone role = iota
	roleCaller
	roleCallee
)

type internalKind uint8

const (
	evLocalCandidate internalKind = iota
	evRemoteTrack
	evTransportFailed
	evNegotiationTimeout
	evReset
)

// internalEvent is tagged with the call generation it belongs to; events of
// a finished call are dropped.
type internalEvent struct {
	gen       uint64
	kind      internalKind
	candidate domain.ICECandidate
	track     RemoteTrack
	err       error
}

// Session owns at most one local capture and one transport at a time.
// User operations and incoming signals are serialized on mu.
type Session struct {
	cfg          Config
	signaler     core.Signaler
	devices      MediaDevices
	newTransport TransportFactory
	logger       zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	feed      core.SignalFeed
	internal  chan internalEvent
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	closed       bool
	state        State
	role         role
	gen          uint64
	media        LocalMedia
	pc           PeerTransport
	pendingOffer *domain.SessionDescription
	pendingICE   []domain.ICECandidate
	remoteSet    bool
	remote       []RemoteTrack
	negTimer     *time.Timer
	resetTimer   *time.Timer
	feedErr      error
}

// NewSession subscribes to the room's signal feed for cfg.Self and starts
// handling incoming signals. Close releases everything.
func NewSession(ctx context.Context, cfg Config, signaler core.Signaler, devices MediaDevices, newTransport TransportFactory) (*Session, error) {
	if cfg.Room == "" || cfg.Self == "" || cfg.Peer == "" || cfg.Self == cfg.Peer {
		return nil, errors.New("call session needs a room and two distinct users")
	}
	if cfg.EndedReset <= 0 {
		cfg.EndedReset = DefaultEndedReset
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	feed, err := signaler.Subscribe(ctx, cfg.Room, cfg.Self)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe signals: %w", err)
	}
	s := &Session{
		cfg:          cfg,
		signaler:     signaler,
		devices:      devices,
		newTransport: newTransport,
		logger: log.With().Str("module", "call").
			Str("room", string(cfg.Room)).Str("user", string(cfg.Self)).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		feed:     feed,
		internal: make(chan internalEvent, eventBuffer),
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
		state:    StateIdle,
	}
	go s.loop()
	return s, nil
}

// Events is closed by Close.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Remote lists the media tracks received in the current call.
func (s *Session) Remote() []RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RemoteTrack(nil), s.remote...)
}

// StartCall acquires local media, rings the peer and sends an offer.
func (s *Session) StartCall(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	switch s.state {
	case StateIdle, StateEnded:
	default:
		return core.ErrCallInProgress
	}
	s.stopTimer(&s.resetTimer)
	if s.state == StateEnded {
		s.setStateLocked(StateIdle, nil)
	}

	media, err := s.devices.Acquire(ctx, s.cfg.Video, s.cfg.Audio)
	if err != nil {
		return mediaErr(err)
	}
	pc, err := s.openTransportLocked(media)
	if err != nil {
		media.Release()
		return err
	}
	s.media, s.pc, s.role = media, pc, roleCaller
	s.setStateLocked(StateCalling, nil)

	if err := s.sendLocked(ctx, domain.SignalCallRequest, domain.Payload{}); err != nil {
		err = fmt.Errorf("%w: ring peer: %v", core.ErrNegotiationFailed, err)
		s.cleanupLocked()
		s.setStateLocked(StateIdle, err)
		return err
	}
	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		return s.abortLocked(ctx, fmt.Errorf("%w: create offer: %v", core.ErrNegotiationFailed, err))
	}
	if err := s.sendLocked(ctx, domain.SignalOffer, domain.DescriptionPayload(offer)); err != nil {
		return s.abortLocked(ctx, fmt.Errorf("%w: send offer: %v", core.ErrNegotiationFailed, err))
	}

	gen := s.gen
	s.negTimer = time.AfterFunc(s.cfg.NegotiationTimeout, func() {
		s.post(internalEvent{gen: gen, kind: evNegotiationTimeout})
	})
	s.logger.Info().Msg("calling")
	return nil
}

// AcceptCall answers an incoming call. The offer may already be buffered
// or may arrive later.
func (s *Session) AcceptCall(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	if s.state != StateIncoming {
		return core.ErrNoIncomingCall
	}

	media, err := s.devices.Acquire(ctx, s.cfg.Video, s.cfg.Audio)
	if err != nil {
		return mediaErr(err)
	}
	pc, err := s.openTransportLocked(media)
	if err != nil {
		media.Release()
		return err
	}
	s.media, s.pc, s.role = media, pc, roleCallee

	if err := s.sendLocked(ctx, domain.SignalCallAccept, domain.Payload{}); err != nil {
		return s.abortLocked(ctx, fmt.Errorf("%w: accept: %v", core.ErrNegotiationFailed, err))
	}
	s.setStateLocked(StateConnected, nil)

	if s.pendingOffer != nil {
		offer := *s.pendingOffer
		s.pendingOffer = nil
		if err := s.answerLocked(ctx, offer); err != nil {
			return s.abortLocked(ctx, err)
		}
	}
	s.logger.Info().Msg("call accepted")
	return nil
}

// RejectCall declines an incoming call. Without one it does nothing.
func (s *Session) RejectCall(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIncoming {
		return nil
	}
	err := s.sendLocked(ctx, domain.SignalCallReject, domain.Payload{})
	s.cleanupLocked()
	s.setStateLocked(StateIdle, nil)
	if err != nil {
		return fmt.Errorf("reject call: %w", err)
	}
	return nil
}

// EndCall hangs up. Calling it again, or without a call, does nothing.
func (s *Session) EndCall(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateCalling, StateConnected:
	default:
		return nil
	}
	err := s.sendLocked(ctx, domain.SignalCallEnd, domain.Payload{})
	s.endLocked(nil)
	s.logger.Info().Msg("call ended locally")
	if err != nil {
		return fmt.Errorf("end call: %w", err)
	}
	return nil
}

// ToggleAudio flips the local audio track and returns whether it is now
// enabled. Without local audio it returns false.
func (s *Session) ToggleAudio() bool {
	return s.toggle(func(m LocalMedia) Track { return m.AudioTrack() })
}

func (s *Session) ToggleVideo() bool {
	return s.toggle(func(m LocalMedia) Track { return m.VideoTrack() })
}

func (s *Session) toggle(pick func(LocalMedia) Track) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.media == nil {
		return false
	}
	t := pick(s.media)
	if t == nil {
		return false
	}
	t.SetEnabled(!t.Enabled())
	return t.Enabled()
}

// Close hangs up or rejects whatever is in progress, stops the feed and
// closes Events.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.State() == StateIncoming {
			_ = s.RejectCall(s.ctx)
		} else {
			_ = s.EndCall(s.ctx)
		}
		s.cancel()
		s.feed.Cancel()
		<-s.done

		s.mu.Lock()
		defer s.mu.Unlock()
		s.cleanupLocked()
		s.stopTimer(&s.resetTimer)
		s.closed = true
		close(s.events)
	})
}

func (s *Session) loop() {
	defer close(s.done)
	feed := s.feed.C()
	for {
		select {
		case <-s.ctx.Done():
			return
		case m, ok := <-feed:
			if !ok {
				feed = nil
				s.onFeedLost()
				continue
			}
			s.onSignal(m)
		case ev := <-s.internal:
			s.onInternal(ev)
		}
	}
}

func (s *Session) onSignal(m domain.SignalMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.From != s.cfg.Peer || m.To != s.cfg.Self {
		s.logger.Warn().Str("from", string(m.From)).Str("kind", string(m.Kind)).Msg("signal from outside the call")
		return
	}
	logger := s.logger.With().Str("kind", string(m.Kind)).Str("state", string(s.state)).Logger()

	switch m.Kind {
	case domain.SignalCallRequest:
		if s.state != StateIdle && s.state != StateEnded {
			logger.Debug().Msg("ignoring call request")
			return
		}
		s.stopTimer(&s.resetTimer)
		s.cleanupLocked()
		s.setStateLocked(StateIncoming, nil)

	case domain.SignalOffer:
		switch {
		case s.role == roleCallee && s.pc != nil:
			if err := s.answerLocked(s.ctx, *m.Payload.Description); err != nil {
				_ = s.abortLocked(s.ctx, err)
			}
		case s.state == StateIncoming:
			offer := *m.Payload.Description
			s.pendingOffer = &offer
		default:
			logger.Debug().Msg("ignoring offer")
		}

	case domain.SignalAnswer:
		if s.role != roleCaller || s.pc == nil || s.remoteSet {
			logger.Debug().Msg("ignoring answer")
			return
		}
		if err := s.pc.ApplyAnswer(*m.Payload.Description); err != nil {
			_ = s.abortLocked(s.ctx, fmt.Errorf("%w: apply answer: %v", core.ErrNegotiationFailed, err))
			return
		}
		s.remoteSet = true
		s.flushCandidatesLocked()

	case domain.SignalICECandidate:
		switch {
		case s.pc != nil && s.remoteSet:
			if err := s.pc.AddICECandidate(*m.Payload.Candidate); err != nil {
				logger.Warn().Err(err).Msg("add remote candidate")
			}
		case s.state == StateCalling || s.state == StateIncoming || s.state == StateConnected:
			s.pendingICE = append(s.pendingICE, *m.Payload.Candidate)
		}

	case domain.SignalCallAccept:
		if s.role == roleCaller {
			logger.Info().Msg("peer accepted")
		}

	case domain.SignalCallReject:
		if s.state != StateCalling {
			return
		}
		s.cleanupLocked()
		s.setStateLocked(StateIdle, core.ErrCallRejected)
		logger.Info().Msg("peer rejected")

	case domain.SignalCallEnd:
		switch s.state {
		case StateCalling, StateIncoming, StateConnected:
			s.endLocked(nil)
			logger.Info().Msg("peer hung up")
		}
	}
}

func (s *Session) onInternal(ev internalEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.kind == evReset {
		if ev.gen == s.gen && s.state == StateEnded {
			s.setStateLocked(StateIdle, nil)
		}
		return
	}
	if ev.gen != s.gen || s.pc == nil {
		return
	}

	switch ev.kind {
	case evLocalCandidate:
		if err := s.sendLocked(s.ctx, domain.SignalICECandidate, domain.CandidatePayload(ev.candidate)); err != nil {
			s.logger.Warn().Err(err).Msg("send local candidate")
		}
	case evRemoteTrack:
		s.remote = append(s.remote, ev.track)
		s.stopTimer(&s.negTimer)
		t := ev.track
		if s.state == StateCalling {
			s.state = StateConnected
		}
		s.emitLocked(Event{State: s.state, Remote: &t})
		s.logger.Info().Str("track", t.ID).Str("kind", string(t.Kind)).Msg("remote media")
	case evTransportFailed:
		_ = s.sendLocked(s.ctx, domain.SignalCallEnd, domain.Payload{})
		s.endLocked(fmt.Errorf("%w: %v", core.ErrNegotiationFailed, ev.err))
	case evNegotiationTimeout:
		if s.state != StateCalling {
			return
		}
		_ = s.sendLocked(s.ctx, domain.SignalCallEnd, domain.Payload{})
		s.endLocked(fmt.Errorf("%w: no remote media after %s", core.ErrNegotiationFailed, s.cfg.NegotiationTimeout))
	}
}

func (s *Session) onFeedLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	s.feedErr = s.feed.Err()
	if s.feedErr == nil {
		s.feedErr = core.ErrSignalDeliveryInterrupted
	}
	s.logger.Warn().Err(s.feedErr).Msg("signal feed lost")
	switch s.state {
	case StateCalling, StateIncoming, StateConnected:
		s.endLocked(s.feedErr)
	}
}

func (s *Session) usableLocked() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.feedErr != nil {
		return s.feedErr
	}
	return nil
}

func (s *Session) openTransportLocked(media LocalMedia) (PeerTransport, error) {
	pc, err := s.newTransport()
	if err != nil {
		return nil, fmt.Errorf("%w: open transport: %v", core.ErrNegotiationFailed, err)
	}
	s.gen++
	gen := s.gen
	pc.OnICECandidate(func(c domain.ICECandidate) {
		s.post(internalEvent{gen: gen, kind: evLocalCandidate, candidate: c})
	})
	pc.OnRemoteMedia(func(t RemoteTrack) {
		s.post(internalEvent{gen: gen, kind: evRemoteTrack, track: t})
	})
	pc.OnFailed(func(err error) {
		s.post(internalEvent{gen: gen, kind: evTransportFailed, err: err})
	})
	if err := pc.AddLocalMedia(media); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("%w: attach media: %v", core.ErrNegotiationFailed, err)
	}
	return pc, nil
}

func (s *Session) answerLocked(ctx context.Context, offer domain.SessionDescription) error {
	answer, err := s.pc.AcceptOffer(ctx, offer)
	if err != nil {
		return fmt.Errorf("%w: answer offer: %v", core.ErrNegotiationFailed, err)
	}
	s.remoteSet = true
	s.flushCandidatesLocked()
	if err := s.sendLocked(ctx, domain.SignalAnswer, domain.DescriptionPayload(answer)); err != nil {
		return fmt.Errorf("%w: send answer: %v", core.ErrNegotiationFailed, err)
	}
	return nil
}

func (s *Session) flushCandidatesLocked() {
	for _, c := range s.pendingICE {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.logger.Warn().Err(err).Msg("add buffered candidate")
		}
	}
	s.pendingICE = nil
}

func (s *Session) sendLocked(ctx context.Context, kind domain.SignalKind, payload domain.Payload) error {
	_, err := s.signaler.Send(ctx, s.cfg.Room, s.cfg.Self, s.cfg.Peer, kind, payload)
	return err
}

// abortLocked tells the peer to give up, drops everything and goes idle.
func (s *Session) abortLocked(ctx context.Context, cause error) error {
	if err := s.sendLocked(ctx, domain.SignalCallEnd, domain.Payload{}); err != nil {
		s.logger.Warn().Err(err).Msg("send call end after failure")
	}
	s.cleanupLocked()
	s.setStateLocked(StateIdle, cause)
	s.logger.Warn().Err(cause).Msg("call aborted")
	return cause
}

func (s *Session) endLocked(cause error) {
	s.cleanupLocked()
	s.setStateLocked(StateEnded, cause)
	gen := s.gen
	s.resetTimer = time.AfterFunc(s.cfg.EndedReset, func() {
		s.post(internalEvent{gen: gen, kind: evReset})
	})
}

func (s *Session) cleanupLocked() {
	s.stopTimer(&s.negTimer)
	s.gen++
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("close transport")
		}
		s.pc = nil
	}
	if s.media != nil {
		s.media.Release()
		s.media = nil
	}
	s.role = roleNone
	s.pendingOffer = nil
	s.pendingICE = nil
	s.remoteSet = false
	s.remote = nil
}

func (s *Session) setStateLocked(st State, err error) {
	s.state = st
	s.emitLocked(Event{State: st, Err: err})
}

func (s *Session) emitLocked(ev Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn().Str("state", string(ev.State)).Msg("event dropped, nobody is reading")
	}
}

func (s *Session) post(ev internalEvent) {
	select {
	case s.internal <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func mediaErr(err error) error {
	if errors.Is(err, core.ErrMediaAccessDenied) {
		return err
	}
	return fmt.Errorf("%w: %v", core.ErrMediaAccessDenied, err)
}
