package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	router "github.com/dkeye/PeerMatch/internal/adapters/http"
	"github.com/dkeye/PeerMatch/internal/adapters/signal"
	"github.com/dkeye/PeerMatch/internal/app"
	"github.com/dkeye/PeerMatch/internal/app/match"
	"github.com/dkeye/PeerMatch/internal/app/orch"
	"github.com/dkeye/PeerMatch/internal/app/queue"
	"github.com/dkeye/PeerMatch/internal/app/signaling"
	"github.com/dkeye/PeerMatch/internal/config"
	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/dkeye/PeerMatch/internal/domain"
	"github.com/dkeye/PeerMatch/internal/storage"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func newServer(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s, err := storage.Open(ctx, storage.DriverSQLite, filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	reg := app.NewRegistry()
	q := queue.New(s, s, 0)
	o := &orch.Orchestrator{
		Registry: reg,
		Queue:    q,
		Matcher:  match.NewMatchmaker(q, s, s, s, &signal.Notifier{Registry: reg}),
		Signals:  signaling.NewChannel(s, 10*time.Millisecond),
		Rooms:    s,
	}
	cfg := &config.Config{Mode: "test", Secret: "test-secret", PingPeriod: time.Second}
	srv := httptest.NewServer(router.SetupRouter(ctx, cfg, o, nil))
	t.Cleanup(srv.Close)
	return srv.URL
}

func newAPI(t *testing.T, base string) *API {
	t.Helper()
	a, err := New(base, WithTimeout(5*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func fastSeek() match.SeekConfig {
	return match.SeekConfig{PollInterval: 10 * time.Millisecond, MaxConflictRetries: 3, ConflictBackoff: time.Millisecond}
}

func timeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// pair joins two identities and lets both seek until they share a room.
func pair(t *testing.T, base string) (a, b *API, ma, mb match.Match) {
	t.Helper()
	ctx := timeout(t)
	a, b = newAPI(t, base), newAPI(t, base)
	if _, err := a.Join(ctx, domain.Details{Name: "Ada", Role: "alumni"}, domain.Preferences{}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Join(ctx, domain.Details{Name: "Bob", Role: "developer"}, domain.Preferences{}); err != nil {
		t.Fatal(err)
	}
	var g errgroup.Group
	g.Go(func() (err error) {
		ma, err = match.NewSeeker(a, fastSeek()).Seek(ctx, "", domain.Preferences{})
		return err
	})
	g.Go(func() (err error) {
		mb, err = match.NewSeeker(b, fastSeek()).Seek(ctx, "", domain.Preferences{})
		return err
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if ma.RoomID == "" || ma.RoomID != mb.RoomID || ma.Initiator == mb.Initiator {
		t.Fatalf("seekers disagree: %+v %+v", ma, mb)
	}
	return a, b, ma, mb
}

func TestSeekOverHTTP(t *testing.T) {
	base := newServer(t)
	a, b, ma, mb := pair(t, base)
	ctx := timeout(t)

	ua, err := a.Me(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if mb.Partner != ua.ID || ma.PartnerDetails.Name != "Bob" {
		t.Fatalf("unexpected partners %+v %+v", ma, mb)
	}
	e, ok, err := b.Status(ctx)
	if err != nil || !ok || e.Status != domain.StatusMatched {
		t.Fatalf("unexpected status %+v %v %v", e, ok, err)
	}

	r, err := a.Room(ctx, ma.RoomID)
	if err != nil || !r.Active {
		t.Fatalf("unexpected room %+v %v", r, err)
	}
	if err := a.EndRoom(ctx, ma.RoomID); err != nil {
		t.Fatal(err)
	}
	if r, err = b.Room(ctx, ma.RoomID); err != nil || r.Active {
		t.Fatalf("room should be inactive: %+v %v", r, err)
	}
}

func TestErrorMapping(t *testing.T) {
	base := newServer(t)
	ctx := timeout(t)
	c := newAPI(t, base)

	if _, err := c.AttemptMatch(ctx, "", domain.Preferences{}); !errors.Is(err, core.ErrNotWaiting) {
		t.Fatalf("expected ErrNotWaiting, got %v", err)
	}
	if _, ok, err := c.Status(ctx); ok || err != nil {
		t.Fatalf("expected no entry, got %v %v", ok, err)
	}
	if _, err := c.Join(ctx, domain.Details{Role: "alumni"}, domain.Preferences{}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AttemptMatch(ctx, "", domain.Preferences{}); !errors.Is(err, core.ErrNoCandidate) {
		t.Fatalf("expected ErrNoCandidate, got %v", err)
	}
	if _, err := c.Room(ctx, "missing"); !errors.Is(err, core.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	var se *StatusError
	if _, err := c.Join(ctx, domain.Details{Role: "Bad Role"}, domain.Preferences{}); !errors.As(err, &se) || se.Status != 400 {
		t.Fatalf("expected 400 status error, got %v", err)
	}
	if _, err := c.Rename(ctx, "Ada"); err != nil {
		t.Fatal(err)
	}
	if err := c.Leave(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := New("ftp://example.com"); err == nil {
		t.Fatal("expected scheme error")
	}
}

func TestSignalerRelay(t *testing.T) {
	base := newServer(t)
	a, b, ma, mb := pair(t, base)
	ctx := timeout(t)

	sa, err := a.Signaler(ctx, ma.RoomID)
	if err != nil {
		t.Fatal(err)
	}
	defer sa.Close()
	sb, err := b.Signaler(ctx, mb.RoomID)
	if err != nil {
		t.Fatal(err)
	}
	defer sb.Close()

	ub, _ := b.Me(ctx)
	feed, err := sb.Subscribe(ctx, mb.RoomID, ub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sb.Subscribe(ctx, mb.RoomID, ub.ID); !errors.Is(err, ErrFeedActive) {
		t.Fatalf("expected ErrFeedActive, got %v", err)
	}
	if _, err := sa.Send(ctx, "other", "", ub.ID, domain.SignalCallRequest, domain.Payload{}); !errors.Is(err, ErrWrongRoom) {
		t.Fatalf("expected ErrWrongRoom, got %v", err)
	}
	if _, err := sa.Send(ctx, ma.RoomID, "", ub.ID, domain.SignalOffer, domain.Payload{}); !errors.Is(err, domain.ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload, got %v", err)
	}

	for _, kind := range []domain.SignalKind{domain.SignalCallRequest, domain.SignalCallEnd} {
		if _, err := sa.Send(ctx, ma.RoomID, "", ub.ID, kind, domain.Payload{}); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []domain.SignalKind{domain.SignalCallRequest, domain.SignalCallEnd} {
		select {
		case m := <-feed.C():
			if m.Kind != want || m.From != mb.Partner {
				t.Fatalf("unexpected message %+v", m)
			}
		case <-ctx.Done():
			t.Fatalf("no %s delivered", want)
		}
	}

	feed.Cancel()
	if _, ok := <-feed.C(); ok {
		t.Fatal("feed must be closed after cancel")
	}
	if feed.Err() != nil {
		t.Fatalf("cancel is not a failure: %v", feed.Err())
	}
	if _, err := sb.Subscribe(ctx, mb.RoomID, ub.ID); err != nil {
		t.Fatalf("resubscribe after cancel: %v", err)
	}

	outsider := newAPI(t, base)
	if _, err := outsider.Signaler(ctx, ma.RoomID); !errors.Is(err, core.ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestEndRoomInterruptsFeed(t *testing.T) {
	base := newServer(t)
	a, b, ma, _ := pair(t, base)
	ctx := timeout(t)

	ua, _ := a.Me(ctx)
	sa, err := a.Signaler(ctx, ma.RoomID)
	if err != nil {
		t.Fatal(err)
	}
	defer sa.Close()
	if err := sa.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	feed, err := sa.Subscribe(ctx, ma.RoomID, ua.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.EndRoom(ctx, ma.RoomID); err != nil {
		t.Fatal(err)
	}
	select {
	case _, ok := <-feed.C():
		if ok {
			t.Fatal("unexpected message")
		}
	case <-ctx.Done():
		t.Fatal("feed not closed")
	}
	if !errors.Is(feed.Err(), core.ErrSignalDeliveryInterrupted) {
		t.Fatalf("expected ErrSignalDeliveryInterrupted, got %v", feed.Err())
	}
	if _, err := a.Signaler(ctx, ma.RoomID); !errors.Is(err, core.ErrRoomInactive) {
		t.Fatalf("expected ErrRoomInactive, got %v", err)
	}
}

func TestMatchNotification(t *testing.T) {
	base := newServer(t)
	ctx := timeout(t)
	a, b := newAPI(t, base), newAPI(t, base)
	if _, err := a.Join(ctx, domain.Details{Name: "Ada", Role: "alumni"}, domain.Preferences{}); err != nil {
		t.Fatal(err)
	}
	na, err := a.Signaler(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	defer na.Close()
	if err := na.Ping(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Join(ctx, domain.Details{Name: "Bob", Role: "developer"}, domain.Preferences{}); err != nil {
		t.Fatal(err)
	}
	m, err := b.AttemptMatch(ctx, "", domain.Preferences{})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case n := <-na.Notifications():
		if n.Title != "New Match!" || n.Kind != domain.NotificationMatch || n.Data["chatRoomId"] != string(m.RoomID) {
			t.Fatalf("unexpected notification %+v", n)
		}
	case <-ctx.Done():
		t.Fatal("no notification")
	}
}
