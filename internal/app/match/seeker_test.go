package match

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/dkeye/PeerMatch/internal/domain"
)

type scriptedAttempter struct {
	mu    sync.Mutex
	steps []error
	calls int
	match Match
}

func (s *scriptedAttempter) AttemptMatch(context.Context, domain.UserID, domain.Preferences) (Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.steps) == 0 {
		return s.match, nil
	}
	err := s.steps[0]
	s.steps = s.steps[1:]
	return Match{}, err
}

func fastSeek() SeekConfig {
	return SeekConfig{PollInterval: time.Millisecond, MaxConflictRetries: 2, ConflictBackoff: time.Millisecond}
}

func TestSeekRetriesUntilMatched(t *testing.T) {
	a := &scriptedAttempter{
		steps: []error{core.ErrNoCandidate, core.ErrLostRace, core.ErrQueueWriteConflict, core.ErrNoCandidate},
		match: Match{RoomID: "r1", Partner: "B"},
	}
	m, err := NewSeeker(a, fastSeek()).Seek(context.Background(), "A", domain.Preferences{})
	if err != nil {
		t.Fatal(err)
	}
	if m.RoomID != "r1" || a.calls != 5 {
		t.Fatalf("got %+v after %d calls", m, a.calls)
	}
}

func TestSeekGivesUpOnRepeatedConflicts(t *testing.T) {
	a := &scriptedAttempter{steps: []error{
		core.ErrQueueWriteConflict, core.ErrQueueWriteConflict, core.ErrQueueWriteConflict,
	}}
	_, err := NewSeeker(a, fastSeek()).Seek(context.Background(), "A", domain.Preferences{})
	if !errors.Is(err, core.ErrQueueWriteConflict) {
		t.Fatalf("expected write conflict, got %v", err)
	}
	if a.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", a.calls)
	}
}

func TestSeekConflictCounterResetsOnPoll(t *testing.T) {
	a := &scriptedAttempter{
		steps: []error{
			core.ErrQueueWriteConflict, core.ErrQueueWriteConflict, core.ErrNoCandidate,
			core.ErrQueueWriteConflict, core.ErrQueueWriteConflict,
		},
		match: Match{RoomID: "r1"},
	}
	if _, err := NewSeeker(a, fastSeek()).Seek(context.Background(), "A", domain.Preferences{}); err != nil {
		t.Fatalf("conflicts separated by a clean poll must not add up: %v", err)
	}
}

func TestSeekStopsWhenContextEnds(t *testing.T) {
	a := &scriptedAttempter{steps: make([]error, 1000)}
	for i := range a.steps {
		a.steps[i] = core.ErrNoCandidate
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	cfg := fastSeek()
	cfg.PollInterval = 5 * time.Millisecond

	_, err := NewSeeker(a, cfg).Seek(ctx, "A", domain.Preferences{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestSeekEndsAfterLeave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "A", "alumni", domain.Preferences{})

	cfg := fastSeek()
	cfg.PollInterval = 5 * time.Millisecond
	done := make(chan error, 1)
	go func() {
		_, err := NewSeeker(f.matcher, cfg).Seek(ctx, "A", domain.Preferences{})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := f.queue.Leave(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, core.ErrCancelled) {
			t.Fatalf("expected cancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("seeker kept polling after leave")
	}
}

func TestBackoffIsCapped(t *testing.T) {
	s := NewSeeker(nil, SeekConfig{PollInterval: time.Second, ConflictBackoff: 100 * time.Millisecond})
	if got := s.backoff(1); got != 100*time.Millisecond {
		t.Fatalf("first backoff %v", got)
	}
	if got := s.backoff(3); got != 400*time.Millisecond {
		t.Fatalf("third backoff %v", got)
	}
	if got := s.backoff(10); got != time.Second {
		t.Fatalf("backoff must be capped at the poll interval, got %v", got)
	}
}
