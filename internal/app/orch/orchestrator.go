// Package orch ties the queue, the matchmaker and the signal relay to the
// users the adapters see.
package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/PeerMatch/internal/app"
	"github.com/dkeye/PeerMatch/internal/app/match"
	"github.com/dkeye/PeerMatch/internal/app/queue"
	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/dkeye/PeerMatch/internal/domain"
	"github.com/rs/zerolog/log"
)

type Orchestrator struct {
	Registry *app.Registry
	Queue    *queue.Queue
	Matcher  *match.Matchmaker
	Signals  core.Signaler
	Rooms    core.RoomStore
}

// Join enqueues user with the details they brought.
func (o *Orchestrator) Join(ctx context.Context, user domain.UserID, details domain.Details, prefs domain.Preferences) (domain.QueueEntry, error) {
	return o.Queue.Join(ctx, user, details, prefs)
}

func (o *Orchestrator) Leave(ctx context.Context, user domain.UserID) error {
	return o.Queue.Leave(ctx, user)
}

func (o *Orchestrator) Status(ctx context.Context, user domain.UserID) (domain.QueueEntry, bool, error) {
	return o.Queue.Status(ctx, user)
}

// AttemptMatch runs one matchmaking attempt with the preferences stored on
// the user's waiting entry.
func (o *Orchestrator) AttemptMatch(ctx context.Context, user domain.UserID) (match.Match, error) {
	e, ok, err := o.Queue.Status(ctx, user)
	if err != nil {
		return match.Match{}, fmt.Errorf("%w: %v", core.ErrQueueWriteConflict, err)
	}
	if !ok {
		return match.Match{}, core.ErrNotWaiting
	}
	return o.Matcher.AttemptMatch(ctx, user, e.Preferences)
}

// RoomFor returns room if user may signal in it.
func (o *Orchestrator) RoomFor(ctx context.Context, user domain.UserID, room domain.RoomID) (domain.Room, error) {
	r, err := o.Rooms.GetRoom(ctx, room)
	if err != nil {
		return domain.Room{}, err
	}
	if !r.Has(user) {
		return domain.Room{}, core.ErrNotParticipant
	}
	if !r.Active {
		return r, core.ErrRoomInactive
	}
	return r, nil
}

// Relay forwards one signal from user to the other participant of room.
// An empty to means the partner.
func (o *Orchestrator) Relay(ctx context.Context, user domain.UserID, room domain.RoomID, to domain.UserID, kind domain.SignalKind, payload domain.Payload) (domain.SignalMessage, error) {
	r, err := o.RoomFor(ctx, user, room)
	if err != nil {
		return domain.SignalMessage{}, err
	}
	partner := r.Partner(user)
	if to == "" {
		to = partner
	}
	if to != partner {
		return domain.SignalMessage{}, core.ErrNotParticipant
	}
	return o.Signals.Send(ctx, room, user, to, kind, payload)
}

// Subscribe opens user's signal feed in room.
func (o *Orchestrator) Subscribe(ctx context.Context, user domain.UserID, room domain.RoomID) (core.SignalFeed, error) {
	if _, err := o.RoomFor(ctx, user, room); err != nil {
		return nil, err
	}
	return o.Signals.Subscribe(ctx, room, user)
}

// EndRoom closes room for both participants and drops their signaling
// connections. Ending an inactive room again is fine.
func (o *Orchestrator) EndRoom(ctx context.Context, user domain.UserID, room domain.RoomID) error {
	r, err := o.Rooms.GetRoom(ctx, room)
	if err != nil {
		return err
	}
	if !r.Has(user) {
		return core.ErrNotParticipant
	}
	if err := o.Matcher.EndMatch(ctx, room); err != nil {
		return err
	}
	if n := o.Registry.CancelRoom(room); n > 0 {
		log.Info().Str("module", "orch").Str("room", string(room)).Int("conns", n).Msg("room closed")
	}
	return nil
}
