// Package signaling relays negotiation messages between the two peers of a
// room. Messages live in the signal log; each receiver has a durable
// delivery cursor, so a subscriber that reconnects picks up where it left.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/dkeye/PeerMatch/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	batchSize           = 64
	cursorWriteTimeout  = 5 * time.Second
)

var ErrBadAddress = errors.New("signal needs a room, a sender and a distinct receiver")

// Channel implements core.Signaler on top of a core.SignalStore.
// Subscribers in this process are woken on Send; the poll interval covers
// messages appended by other server processes.
type Channel struct {
	store core.SignalStore
	hub   *hub
	poll  time.Duration
}

func NewChannel(store core.SignalStore, poll time.Duration) *Channel {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Channel{store: store, hub: newHub(), poll: poll}
}

// Send appends one message addressed to `to` and wakes its subscribers.
func (c *Channel) Send(ctx context.Context, room domain.RoomID, from, to domain.UserID, kind domain.SignalKind, payload domain.Payload) (domain.SignalMessage, error) {
	if room == "" || from == "" || to == "" || from == to {
		return domain.SignalMessage{}, ErrBadAddress
	}
	if err := payload.Validate(kind); err != nil {
		return domain.SignalMessage{}, err
	}
	msg, err := c.store.AppendSignal(ctx, domain.SignalMessage{
		RoomID:  room,
		From:    from,
		To:      to,
		Kind:    kind,
		Payload: payload,
	})
	if err != nil {
		return domain.SignalMessage{}, fmt.Errorf("send %s: %w", kind, err)
	}
	c.hub.wake(feedKey{room: room, user: to})
	log.Debug().Str("module", "signaling").Str("room", string(room)).
		Str("from", string(from)).Str("to", string(to)).Str("kind", string(kind)).
		Int64("seq", msg.Seq).Msg("signal appended")
	return msg, nil
}

// Subscribe starts a feed of every not yet delivered message for self in
// room, oldest first. The feed lives until Cancel or until ctx ends.
func (c *Channel) Subscribe(ctx context.Context, room domain.RoomID, self domain.UserID) (core.SignalFeed, error) {
	if room == "" || self == "" {
		return nil, ErrBadAddress
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		room:   room,
		self:   self,
		out:    make(chan domain.SignalMessage),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	key := feedKey{room: room, user: self}
	wake := c.hub.register(key)
	go func() {
		defer c.hub.unregister(key, wake)
		s.run(ctx, c.store, wake, c.poll)
	}()
	return s, nil
}

// Subscription is the live feed handed out by Channel.Subscribe.
type Subscription struct {
	room domain.RoomID
	self domain.UserID

	out    chan domain.SignalMessage
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (s *Subscription) C() <-chan domain.SignalMessage { return s.out }

// Cancel stops the feed and returns once nothing more can be delivered.
func (s *Subscription) Cancel() {
	s.cancel()
	<-s.done
}

// Err is nil after a regular Cancel and ErrSignalDeliveryInterrupted when
// the store failed underneath the feed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	log.Warn().Err(err).Str("module", "signaling").Str("room", string(s.room)).
		Str("user", string(s.self)).Msg("subscription interrupted")
	s.mu.Lock()
	s.err = fmt.Errorf("%w: %v", core.ErrSignalDeliveryInterrupted, err)
	s.mu.Unlock()
}

func (s *Subscription) run(ctx context.Context, store core.SignalStore, wake <-chan struct{}, poll time.Duration) {
	defer close(s.done)
	defer close(s.out)
	defer s.cancel()

	cursor, err := store.SignalCursor(ctx, s.room, s.self)
	if err != nil {
		s.fail(ctx, err)
		return
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		msgs, err := store.SignalsAfter(ctx, s.room, s.self, cursor, batchSize)
		if err != nil {
			s.fail(ctx, err)
			return
		}
		for _, m := range msgs {
			if m.To != s.self || m.RoomID != s.room {
				cursor = m.Seq
				continue
			}
			select {
			case s.out <- m:
			case <-ctx.Done():
				return
			}
			cursor = m.Seq
			if err := advance(ctx, store, s.room, s.self, m.Seq); err != nil {
				s.fail(ctx, err)
				return
			}
		}
		if len(msgs) == batchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

// advance records seq as delivered. A message the consumer took stays
// delivered even when Cancel races the cursor write.
func advance(ctx context.Context, store core.SignalStore, room domain.RoomID, user domain.UserID, seq int64) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cursorWriteTimeout)
	defer cancel()
	return store.AdvanceSignalCursor(ctx, room, user, seq)
}
