// Package queue is the waiting pool users join to be paired with a random peer.
package queue

import (
	"context"
	"fmt"
	"iter"
	"slices"

	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/dkeye/PeerMatch/internal/domain"
	"github.com/rs/zerolog/log"
)

// DefaultScanWindow bounds how many of the oldest waiting entries a scan
// looks at.
const DefaultScanWindow = 20

type Queue struct {
	store   core.QueueStore
	history core.MatchHistory
	window  int
}

func New(store core.QueueStore, history core.MatchHistory, window int) *Queue {
	if window <= 0 {
		window = DefaultScanWindow
	}
	return &Queue{store: store, history: history, window: window}
}

// Join puts user in the waiting pool. Any earlier waiting entry of the same
// user is cancelled first, so joining twice leaves exactly one waiting entry.
func (q *Queue) Join(ctx context.Context, user domain.UserID, details domain.Details, prefs domain.Preferences) (domain.QueueEntry, error) {
	e, err := q.store.Enqueue(ctx, domain.QueueEntry{
		UserID:      user,
		Details:     details,
		Preferences: prefs,
	})
	if err != nil {
		return domain.QueueEntry{}, fmt.Errorf("join queue: %w", err)
	}
	log.Info().Str("module", "queue").Str("user", string(user)).Str("entry", string(e.ID)).Str("role", details.Role).Msg("joined")
	return e, nil
}

// Leave cancels every waiting entry of user. Leaving without an entry is fine.
func (q *Queue) Leave(ctx context.Context, user domain.UserID) error {
	n, err := q.store.CancelWaiting(ctx, user)
	if err != nil {
		return fmt.Errorf("leave queue: %w", err)
	}
	log.Info().Str("module", "queue").Str("user", string(user)).Int64("cancelled", n).Msg("left")
	return nil
}

// Status returns the newest waiting or matched entry of user. Cancelled
// entries are not reported, so a user who left has no status.
func (q *Queue) Status(ctx context.Context, user domain.UserID) (domain.QueueEntry, bool, error) {
	e, ok, err := q.store.ActiveEntry(ctx, user)
	if err != nil {
		return domain.QueueEntry{}, false, fmt.Errorf("queue status: %w", err)
	}
	return e, ok, nil
}

// ScanCandidates yields waiting entries that requester would accept, oldest
// first. Only the oldest scan-window entries are considered; the filters
// run lazily as the sequence is consumed.
func (q *Queue) ScanCandidates(ctx context.Context, requester domain.UserID, prefs domain.Preferences) (iter.Seq[domain.QueueEntry], error) {
	window, err := q.store.OldestWaiting(ctx, requester, q.window)
	if err != nil {
		return nil, fmt.Errorf("scan waiting pool: %w", err)
	}

	var previous []domain.UserID
	if prefs.SkipPreviousMatches && len(window) > 0 {
		previous, err = q.history.PartnersOf(ctx, requester)
		if err != nil {
			return nil, fmt.Errorf("load previous partners: %w", err)
		}
	}

	return func(yield func(domain.QueueEntry) bool) {
		for _, e := range window {
			if e.UserID == requester {
				continue
			}
			if !prefs.AcceptsRole(e.Details.Role) {
				continue
			}
			if prefs.SkipPreviousMatches && slices.Contains(previous, e.UserID) {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}, nil
}
