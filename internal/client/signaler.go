package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/dkeye/PeerMatch/internal/adapters/signal"
	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/dkeye/PeerMatch/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrWrongRoom  = errors.New("signaler is bound to another room")
	ErrFeedActive = errors.New("signal feed already active")
)

// RoomSignaler implements core.Signaler over one signaling socket. The
// server only feeds the socket's own room to its owner, so Subscribe
// accepts exactly that room.
type RoomSignaler struct {
	room   domain.RoomID
	ws     *websocket.Conn
	writeM sync.Mutex
	logger zerolog.Logger

	signals       chan domain.SignalMessage
	notifications chan domain.Notification
	pongs         chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
	feed      *feed
}

// Signaler opens the signaling socket of room, or a notification-only
// socket when room is empty.
func (a *API) Signaler(ctx context.Context, room domain.RoomID) (*RoomSignaler, error) {
	u := a.endpoint("/api/ws/signal")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	if room != "" {
		u.RawQuery = "room=" + string(room)
	}
	d := websocket.Dialer{Jar: a.http.Jar, HandshakeTimeout: a.http.Timeout}
	ws, resp, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			var e struct {
				Error string `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&e)
			resp.Body.Close()
			return nil, fmt.Errorf("dial signal socket: %w", rejectError(resp.StatusCode, e.Error))
		}
		return nil, fmt.Errorf("dial signal socket: %w", err)
	}

	s := &RoomSignaler{
		room:          room,
		ws:            ws,
		logger:        log.With().Str("module", "client.signal").Str("room", string(room)).Logger(),
		signals:       make(chan domain.SignalMessage, 64),
		notifications: make(chan domain.Notification, 8),
		pongs:         make(chan struct{}, 1),
		closed:        make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func rejectError(status int, msg string) error {
	switch status {
	case http.StatusNotFound:
		return core.ErrRoomNotFound
	case http.StatusForbidden:
		return core.ErrNotParticipant
	case http.StatusGone:
		return core.ErrRoomInactive
	}
	return &StatusError{Status: status, Code: msg}
}

// Notifications carries pushes for this identity. Pushes that find the
// buffer full are dropped.
func (s *RoomSignaler) Notifications() <-chan domain.Notification {
	return s.notifications
}

// Send writes one signal frame. The server reports rejected frames
// asynchronously; they are logged.
func (s *RoomSignaler) Send(ctx context.Context, room domain.RoomID, from, to domain.UserID, kind domain.SignalKind, payload domain.Payload) (domain.SignalMessage, error) {
	if room != s.room || room == "" {
		return domain.SignalMessage{}, ErrWrongRoom
	}
	if err := payload.Validate(kind); err != nil {
		return domain.SignalMessage{}, err
	}
	if err := s.write(ctx, signal.ClientFrame{Type: signal.FrameSignal, To: to, Kind: kind, Payload: payload}); err != nil {
		return domain.SignalMessage{}, err
	}
	return domain.SignalMessage{RoomID: room, From: from, To: to, Kind: kind, Payload: payload}, nil
}

// Subscribe starts the feed of self's messages. One feed may be active at
// a time.
func (s *RoomSignaler) Subscribe(ctx context.Context, room domain.RoomID, self domain.UserID) (core.SignalFeed, error) {
	if room != s.room || room == "" {
		return nil, ErrWrongRoom
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.feed != nil && !s.feed.stopped() {
		return nil, ErrFeedActive
	}
	ctx, cancel := context.WithCancel(ctx)
	f := &feed{
		out:    make(chan domain.SignalMessage),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.feed = f
	go s.forward(ctx, f, self)
	return f, nil
}

// Ping round-trips an application ping. A pong also proves the server has
// registered the socket for notifications.
func (s *RoomSignaler) Ping(ctx context.Context) error {
	if err := s.write(ctx, signal.ClientFrame{Type: signal.FramePing}); err != nil {
		return err
	}
	select {
	case <-s.pongs:
		return nil
	case <-s.closed:
		return core.ErrSignalDeliveryInterrupted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the socket with a normal close message.
func (s *RoomSignaler) Close() error {
	s.writeM.Lock()
	_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeM.Unlock()
	s.shutdown(nil)
	return s.ws.Close()
}

func (s *RoomSignaler) write(ctx context.Context, v any) error {
	select {
	case <-s.closed:
		return fmt.Errorf("signal socket closed: %w", core.ErrSignalDeliveryInterrupted)
	default:
	}
	s.writeM.Lock()
	defer s.writeM.Unlock()
	// A zero deadline clears the previous one.
	dl, _ := ctx.Deadline()
	_ = s.ws.SetWriteDeadline(dl)
	return s.ws.WriteJSON(v)
}

func (s *RoomSignaler) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.closed)
	})
}

func (s *RoomSignaler) readLoop() {
	for {
		var f signal.ServerFrame
		if err := s.ws.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.logger.Info().Msg("signal socket closed by server")
			} else {
				s.logger.Debug().Err(err).Msg("signal socket read")
			}
			s.shutdown(fmt.Errorf("%w: %v", core.ErrSignalDeliveryInterrupted, err))
			return
		}
		switch f.Type {
		case signal.FrameSignal:
			if f.Message == nil {
				continue
			}
			select {
			case s.signals <- *f.Message:
			case <-s.closed:
				return
			}
		case signal.FrameNotification:
			if f.Notification == nil {
				continue
			}
			select {
			case s.notifications <- *f.Notification:
			default:
				s.logger.Warn().Str("title", f.Notification.Title).Msg("notification dropped")
			}
		case signal.FramePong:
			select {
			case s.pongs <- struct{}{}:
			default:
			}
		case signal.FrameError:
			s.logger.Warn().Str("error", f.Error).Msg("server rejected frame")
			if f.Error == "signal_delivery_interrupted" {
				s.shutdown(core.ErrSignalDeliveryInterrupted)
				return
			}
		}
	}
}

func (s *RoomSignaler) forward(ctx context.Context, f *feed, self domain.UserID) {
	defer close(f.done)
	defer close(f.out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			s.mu.Lock()
			err := s.err
			s.mu.Unlock()
			if err == nil {
				err = core.ErrSignalDeliveryInterrupted
			}
			f.fail(err)
			return
		case m := <-s.signals:
			if m.To != self || m.RoomID != s.room {
				continue
			}
			select {
			case f.out <- m:
			case <-ctx.Done():
				return
			}
		}
	}
}

type feed struct {
	out    chan domain.SignalMessage
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (f *feed) C() <-chan domain.SignalMessage { return f.out }

func (f *feed) Cancel() {
	f.cancel()
	<-f.done
}

func (f *feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *feed) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *feed) stopped() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
