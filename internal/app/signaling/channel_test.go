package signaling

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/dkeye/PeerMatch/internal/domain"
	"github.com/dkeye/PeerMatch/internal/storage"
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.DriverSQLite, filepath.Join(t.TempDir(), "signal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func offer(sdp string) domain.Payload {
	return domain.DescriptionPayload(domain.SessionDescription{Type: "offer", SDP: sdp})
}

func receive(t *testing.T, feed core.SignalFeed) domain.SignalMessage {
	t.Helper()
	select {
	case m, ok := <-feed.C():
		if !ok {
			t.Fatalf("feed closed: %v", feed.Err())
		}
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a signal")
	}
	return domain.SignalMessage{}
}

func TestDeliversBacklogThenLiveInOrder(t *testing.T) {
	ch := NewChannel(newStore(t), time.Hour)
	ctx := context.Background()

	if _, err := ch.Send(ctx, "r1", "a", "b", domain.SignalCallRequest, domain.Payload{}); err != nil {
		t.Fatal(err)
	}
	if _, err := ch.Send(ctx, "r1", "a", "b", domain.SignalOffer, offer("v=0 one")); err != nil {
		t.Fatal(err)
	}

	feed, err := ch.Subscribe(ctx, "r1", "b")
	if err != nil {
		t.Fatal(err)
	}
	defer feed.Cancel()

	if m := receive(t, feed); m.Kind != domain.SignalCallRequest {
		t.Fatalf("expected call-request first, got %s", m.Kind)
	}
	if m := receive(t, feed); m.Kind != domain.SignalOffer || m.Payload.Description.SDP != "v=0 one" {
		t.Fatalf("unexpected second message %+v", m)
	}

	// Poll interval is an hour, so this arrives through the in-process wake.
	mid := "0"
	if _, err := ch.Send(ctx, "r1", "a", "b", domain.SignalICECandidate,
		domain.CandidatePayload(domain.ICECandidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid})); err != nil {
		t.Fatal(err)
	}
	if m := receive(t, feed); m.Kind != domain.SignalICECandidate || m.From != "a" {
		t.Fatalf("unexpected live message %+v", m)
	}
}

func TestFeedOnlyCarriesOwnMessages(t *testing.T) {
	ch := NewChannel(newStore(t), time.Hour)
	ctx := context.Background()

	feed, err := ch.Subscribe(ctx, "r1", "b")
	if err != nil {
		t.Fatal(err)
	}
	defer feed.Cancel()

	if _, err := ch.Send(ctx, "r1", "b", "a", domain.SignalCallAccept, domain.Payload{}); err != nil {
		t.Fatal(err)
	}
	if _, err := ch.Send(ctx, "r2", "a", "b", domain.SignalCallRequest, domain.Payload{}); err != nil {
		t.Fatal(err)
	}
	if _, err := ch.Send(ctx, "r1", "a", "b", domain.SignalCallEnd, domain.Payload{}); err != nil {
		t.Fatal(err)
	}

	m := receive(t, feed)
	if m.Kind != domain.SignalCallEnd || m.RoomID != "r1" || m.To != "b" {
		t.Fatalf("foreign message leaked into feed: %+v", m)
	}
}

func TestCancelIsSynchronous(t *testing.T) {
	ch := NewChannel(newStore(t), 5*time.Millisecond)
	ctx := context.Background()
	feed, err := ch.Subscribe(ctx, "r1", "b")
	if err != nil {
		t.Fatal(err)
	}
	feed.Cancel()
	feed.Cancel()

	if _, err := ch.Send(ctx, "r1", "a", "b", domain.SignalCallRequest, domain.Payload{}); err != nil {
		t.Fatal(err)
	}
	select {
	case m, ok := <-feed.C():
		if ok {
			t.Fatalf("message delivered after cancel: %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("channel must be closed after cancel")
	}
	if feed.Err() != nil {
		t.Fatalf("regular cancel must leave no error, got %v", feed.Err())
	}
}

func TestResubscribeResumesAfterCursor(t *testing.T) {
	ch := NewChannel(newStore(t), time.Hour)
	ctx := context.Background()
	for _, k := range []domain.SignalKind{domain.SignalCallRequest, domain.SignalCallEnd} {
		if _, err := ch.Send(ctx, "r1", "a", "b", k, domain.Payload{}); err != nil {
			t.Fatal(err)
		}
	}

	feed, err := ch.Subscribe(ctx, "r1", "b")
	if err != nil {
		t.Fatal(err)
	}
	receive(t, feed)
	receive(t, feed)
	feed.Cancel()

	if _, err := ch.Send(ctx, "r1", "a", "b", domain.SignalCallRequest, domain.Payload{}); err != nil {
		t.Fatal(err)
	}
	again, err := ch.Subscribe(ctx, "r1", "b")
	if err != nil {
		t.Fatal(err)
	}
	defer again.Cancel()
	m := receive(t, again)
	if m.Kind != domain.SignalCallRequest || m.Seq != 3 {
		t.Fatalf("expected only the undelivered message, got %+v", m)
	}
}

func TestCancelRightAfterReceiveKeepsCursor(t *testing.T) {
	store := newStore(t)
	ch := NewChannel(store, time.Hour)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if _, err := ch.Send(ctx, "r1", "a", "b", domain.SignalCallRequest, domain.Payload{}); err != nil {
			t.Fatal(err)
		}
		feed, err := ch.Subscribe(ctx, "r1", "b")
		if err != nil {
			t.Fatal(err)
		}
		m := receive(t, feed)
		feed.Cancel()

		cursor, err := store.SignalCursor(ctx, "r1", "b")
		if err != nil {
			t.Fatal(err)
		}
		if cursor != m.Seq {
			t.Fatalf("round %d: cursor %d after delivering seq %d", i, cursor, m.Seq)
		}
	}
}

func TestSendRejectsMalformedSignals(t *testing.T) {
	ch := NewChannel(newStore(t), time.Hour)
	ctx := context.Background()

	if _, err := ch.Send(ctx, "r1", "a", "b", domain.SignalOffer, domain.Payload{}); !errors.Is(err, domain.ErrBadPayload) {
		t.Fatalf("offer without description: %v", err)
	}
	if _, err := ch.Send(ctx, "r1", "a", "b", domain.SignalCallEnd, offer("v=0")); !errors.Is(err, domain.ErrBadPayload) {
		t.Fatalf("call-end with payload: %v", err)
	}
	if _, err := ch.Send(ctx, "r1", "a", "b", "hello", domain.Payload{}); !errors.Is(err, domain.ErrBadPayload) {
		t.Fatalf("unknown kind: %v", err)
	}
	if _, err := ch.Send(ctx, "r1", "a", "a", domain.SignalCallEnd, domain.Payload{}); !errors.Is(err, ErrBadAddress) {
		t.Fatalf("self addressed: %v", err)
	}
}

type failingStore struct{ core.SignalStore }

func (failingStore) SignalCursor(context.Context, domain.RoomID, domain.UserID) (int64, error) {
	return 0, nil
}

func (failingStore) SignalsAfter(context.Context, domain.RoomID, domain.UserID, int64, int) ([]domain.SignalMessage, error) {
	return nil, errors.New("disk on fire")
}

func TestStoreFailureInterruptsFeed(t *testing.T) {
	ch := NewChannel(failingStore{}, time.Hour)
	feed, err := ch.Subscribe(context.Background(), "r1", "b")
	if err != nil {
		t.Fatal(err)
	}
	defer feed.Cancel()

	select {
	case _, ok := <-feed.C():
		if ok {
			t.Fatal("unexpected message")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("feed must close on store failure")
	}
	if !errors.Is(feed.Err(), core.ErrSignalDeliveryInterrupted) {
		t.Fatalf("expected delivery interrupted, got %v", feed.Err())
	}
}

func TestContextEndStopsFeed(t *testing.T) {
	ch := NewChannel(newStore(t), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	feed, err := ch.Subscribe(ctx, "r1", "b")
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case _, ok := <-feed.C():
		if ok {
			t.Fatal("unexpected message")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("feed must close when ctx ends")
	}
	if feed.Err() != nil {
		t.Fatalf("ctx end is not a delivery failure: %v", feed.Err())
	}
}
