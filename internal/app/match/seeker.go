package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/dkeye/PeerMatch/internal/domain"
	"github.com/rs/zerolog/log"
)

// Attempter is the matchmaking surface a polling client talks to, either
// in process or over HTTP.
type Attempter interface {
	AttemptMatch(ctx context.Context, requester domain.UserID, prefs domain.Preferences) (Match, error)
}

// SeekConfig tunes the cooperative polling loop.
type SeekConfig struct {
	InitialDelay       time.Duration
	PollInterval       time.Duration
	MaxConflictRetries int
	ConflictBackoff    time.Duration
}

func DefaultSeekConfig() SeekConfig {
	return SeekConfig{
		InitialDelay:       2 * time.Second,
		PollInterval:       3 * time.Second,
		MaxConflictRetries: 5,
		ConflictBackoff:    250 * time.Millisecond,
	}
}

// Seeker polls an Attempter until the user is matched, leaves the queue, or
// ctx ends.
type Seeker struct {
	attempter Attempter
	cfg       SeekConfig
}

func NewSeeker(a Attempter, cfg SeekConfig) *Seeker {
	return &Seeker{attempter: a, cfg: cfg}
}

// Seek returns the match, core.ErrCancelled once the user's entry is no
// longer waiting, ctx.Err() on cancellation, or the last storage error once
// conflict retries are exhausted.
func (s *Seeker) Seek(ctx context.Context, user domain.UserID, prefs domain.Preferences) (Match, error) {
	logger := log.With().Str("module", "match.seeker").Str("user", string(user)).Logger()

	if err := sleep(ctx, s.cfg.InitialDelay); err != nil {
		return Match{}, err
	}

	conflicts := 0
	for attempt := 1; ; attempt++ {
		m, err := s.attempter.AttemptMatch(ctx, user, prefs)
		switch {
		case err == nil:
			logger.Info().Str("room", string(m.RoomID)).Int("attempts", attempt).Msg("match found")
			return m, nil
		case core.Retryable(err):
			conflicts = 0
			logger.Debug().Err(err).Int("attempt", attempt).Msg("no match yet")
			err = sleep(ctx, s.cfg.PollInterval)
		case errors.Is(err, core.ErrQueueWriteConflict):
			conflicts++
			if conflicts > s.cfg.MaxConflictRetries {
				return Match{}, fmt.Errorf("seek: %d conflicts in a row: %w", conflicts, err)
			}
			logger.Warn().Err(err).Int("conflicts", conflicts).Msg("queue write conflict, backing off")
			err = sleep(ctx, s.backoff(conflicts))
		case errors.Is(err, core.ErrNotWaiting):
			logger.Info().Msg("left queue, stop seeking")
			return Match{}, core.ErrCancelled
		default:
			if ctx.Err() != nil {
				return Match{}, ctx.Err()
			}
			return Match{}, err
		}
		if err != nil {
			return Match{}, err
		}
	}
}

func (s *Seeker) backoff(n int) time.Duration {
	d := s.cfg.ConflictBackoff
	for i := 1; i < n && d < s.cfg.PollInterval; i++ {
		d *= 2
	}
	return min(d, max(s.cfg.PollInterval, s.cfg.ConflictBackoff))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
