// Package match pairs waiting users and turns each pair into a room.
package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/PeerMatch/internal/app/queue"
	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/dkeye/PeerMatch/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	WelcomeText       = "You've been matched! Start the conversation and get to know each other."
	systemSenderName  = "System"
	matchNotifyTitle  = "New Match!"
	matchNotifyFormat = "You've been matched with %s"
)

// Match is what a requester learns about a successful pairing.
type Match struct {
	RoomID         domain.RoomID  `json:"chatRoomId"`
	Partner        domain.UserID  `json:"matchedWith"`
	PartnerDetails domain.Details `json:"partnerDetails"`
	// Initiator is true for the side whose attempt committed the pairing.
	Initiator bool `json:"initiator"`
}

type Matchmaker struct {
	queue    *queue.Queue
	store    core.QueueStore
	rooms    core.RoomStore
	history  core.MatchHistory
	notifier core.Notifier

	now       func() time.Time
	newRoomID func() domain.RoomID
}

func NewMatchmaker(q *queue.Queue, store core.QueueStore, rooms core.RoomStore, history core.MatchHistory, notifier core.Notifier) *Matchmaker {
	return &Matchmaker{
		queue:     q,
		store:     store,
		rooms:     rooms,
		history:   history,
		notifier:  notifier,
		now:       time.Now,
		newRoomID: func() domain.RoomID { return domain.RoomID(uuid.NewString()) },
	}
}

// AttemptMatch tries to pair requester with the oldest compatible waiting
// user. It returns ErrNoCandidate when nobody fits and ErrLostRace when the
// chosen candidate was taken between scan and commit; both mean "poll again".
// If a concurrent matcher already paired the requester, that match is
// returned.
func (m *Matchmaker) AttemptMatch(ctx context.Context, requester domain.UserID, prefs domain.Preferences) (Match, error) {
	own, ok, err := m.store.LatestEntry(ctx, requester)
	if err != nil {
		return Match{}, fmt.Errorf("%w: load own entry: %v", core.ErrQueueWriteConflict, err)
	}
	if !ok {
		return Match{}, core.ErrNotWaiting
	}
	switch own.Status {
	case domain.StatusMatched:
		return m.existing(ctx, own), nil
	case domain.StatusCancelled:
		return Match{}, core.ErrNotWaiting
	}

	candidates, err := m.queue.ScanCandidates(ctx, requester, prefs)
	if err != nil {
		return Match{}, fmt.Errorf("%w: %v", core.ErrQueueWriteConflict, err)
	}
	var (
		candidate domain.QueueEntry
		found     bool
	)
	for e := range candidates {
		candidate, found = e, true
		break
	}
	if !found {
		return Match{}, core.ErrNoCandidate
	}

	logger := log.With().
		Str("module", "match").
		Str("user", string(requester)).
		Str("candidate", string(candidate.UserID)).
		Logger()

	roomID := m.newRoomID()
	if err := m.store.CommitMatch(ctx, own, candidate, roomID); err != nil {
		if !errors.Is(err, core.ErrLostRace) {
			return Match{}, err
		}
		// Either side may have moved; if it was us, report what happened.
		if cur, ok, lerr := m.store.LatestEntry(ctx, requester); lerr == nil && ok {
			switch cur.Status {
			case domain.StatusMatched:
				return m.existing(ctx, cur), nil
			case domain.StatusCancelled:
				return Match{}, core.ErrNotWaiting
			}
		}
		logger.Debug().Err(err).Msg("lost race")
		return Match{}, err
	}
	logger.Info().Str("room", string(roomID)).Msg("matched")

	// The match stands from here on; nothing below may undo it.
	m.afterCommit(context.WithoutCancel(ctx), own, candidate, roomID)

	return Match{
		RoomID:         roomID,
		Partner:        candidate.UserID,
		PartnerDetails: candidate.Details,
		Initiator:      true,
	}, nil
}

func (m *Matchmaker) existing(ctx context.Context, own domain.QueueEntry) Match {
	match := Match{RoomID: own.RoomID, Partner: own.MatchedWith}
	if room, err := m.rooms.GetRoom(ctx, own.RoomID); err == nil {
		match.PartnerDetails = room.Details[own.MatchedWith]
	}
	return match
}

func (m *Matchmaker) afterCommit(ctx context.Context, a, b domain.QueueEntry, roomID domain.RoomID) {
	logger := log.With().Str("module", "match").Str("room", string(roomID)).Logger()
	now := m.now()

	room := domain.Room{
		ID:           roomID,
		Kind:         domain.RoomKindRandom,
		Participants: [2]domain.UserID{a.UserID, b.UserID},
		Details: map[domain.UserID]domain.Details{
			a.UserID: a.Details,
			b.UserID: b.Details,
		},
		Active:    true,
		CreatedAt: now,
	}
	if err := m.rooms.CreateRoom(ctx, room); err != nil {
		logger.Error().Err(err).Msg("create room")
	}

	if err := m.history.AppendMatch(ctx, domain.MatchRecord{
		User1:     a.UserID,
		User2:     b.UserID,
		RoomID:    roomID,
		CreatedAt: now,
	}); err != nil {
		logger.Error().Err(err).Msg("record match")
	}

	if _, err := m.rooms.PostMessage(ctx, domain.RoomMessage{
		RoomID:     roomID,
		SenderID:   domain.SystemUserID,
		SenderName: systemSenderName,
		Text:       WelcomeText,
		Kind:       domain.MessageKindSystem,
	}); err != nil {
		logger.Error().Err(err).Msg("post welcome message")
	}

	if m.notifier == nil {
		return
	}
	var g errgroup.Group
	for _, pair := range [][2]domain.QueueEntry{{a, b}, {b, a}} {
		to, partner := pair[0], pair[1]
		g.Go(func() error {
			err := m.notifier.Notify(ctx, to.UserID, domain.Notification{
				Title: matchNotifyTitle,
				Body:  fmt.Sprintf(matchNotifyFormat, partner.Details.Name),
				Kind:  domain.NotificationMatch,
				Data:  map[string]string{"chatRoomId": string(roomID)},
			})
			if err != nil {
				logger.Warn().Err(err).Str("user", string(to.UserID)).Msg("notify match")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// EndMatch closes a room and stamps its history record. Ending twice is a
// no-op.
func (m *Matchmaker) EndMatch(ctx context.Context, roomID domain.RoomID) error {
	if err := m.rooms.DeactivateRoom(ctx, roomID); err != nil {
		return fmt.Errorf("end match: %w", err)
	}
	ended, err := m.history.EndMatch(ctx, roomID, m.now())
	if err != nil {
		return fmt.Errorf("end match: %w", err)
	}
	if ended {
		log.Info().Str("module", "match").Str("room", string(roomID)).Msg("match ended")
	}
	return nil
}
