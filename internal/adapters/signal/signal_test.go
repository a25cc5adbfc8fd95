package signal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/PeerMatch/internal/app"
	"github.com/dkeye/PeerMatch/internal/app/match"
	"github.com/dkeye/PeerMatch/internal/app/orch"
	"github.com/dkeye/PeerMatch/internal/app/queue"
	"github.com/dkeye/PeerMatch/internal/app/signaling"
	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/dkeye/PeerMatch/internal/domain"
	"github.com/dkeye/PeerMatch/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type harness struct {
	srv      *httptest.Server
	orch     *orch.Orchestrator
	notifier *Notifier
	room     domain.RoomID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s, err := storage.Open(context.Background(), storage.DriverSQLite, filepath.Join(t.TempDir(), "ws.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	reg := app.NewRegistry()
	notifier := &Notifier{Registry: reg}
	q := queue.New(s, s, 0)
	o := &orch.Orchestrator{
		Registry: reg,
		Queue:    q,
		Matcher:  match.NewMatchmaker(q, s, s, s, notifier),
		Signals:  signaling.NewChannel(s, 10*time.Millisecond),
		Rooms:    s,
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ctl := NewSignalWSController(o, 0, time.Second)
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set("client_token", c.GetHeader("X-Client-Token")) })
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	for _, u := range []domain.UserID{"A", "B"} {
		if _, err := o.Join(ctx, u, domain.Details{Name: string(u), Role: "member"}, domain.Preferences{}); err != nil {
			t.Fatal(err)
		}
	}
	m, err := o.AttemptMatch(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	return &harness{srv: srv, orch: o, notifier: notifier, room: m.RoomID}
}

func (h *harness) dial(t *testing.T, user string, room domain.RoomID) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	if room != "" {
		u += "?room=" + string(room)
	}
	ws, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"X-Client-Token": {user}})
	if err == nil {
		t.Cleanup(func() { ws.Close() })
	}
	return ws, resp, err
}

func readFrame(t *testing.T, ws *websocket.Conn, want string) ServerFrame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f ServerFrame
		if err := ws.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if f.Type == want {
			return f
		}
	}
}

func TestRelayBetweenParticipants(t *testing.T) {
	h := newHarness(t)
	a, _, err := h.dial(t, "A", h.room)
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := h.dial(t, "B", h.room)
	if err != nil {
		t.Fatal(err)
	}

	offer := ClientFrame{
		Type:    FrameSignal,
		Kind:    domain.SignalOffer,
		Payload: domain.DescriptionPayload(domain.SessionDescription{Type: "offer", SDP: "v=0"}),
	}
	if err := a.WriteJSON(offer); err != nil {
		t.Fatal(err)
	}
	f := readFrame(t, b, FrameSignal)
	if f.Message == nil || f.Message.Kind != domain.SignalOffer || f.Message.From != "A" || f.Message.Payload.Description.SDP != "v=0" {
		t.Fatalf("unexpected relay %+v", f.Message)
	}

	if err := a.WriteJSON(ClientFrame{Type: FrameSignal, Kind: domain.SignalAnswer}); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, a, FrameError); f.Error != "bad_payload" {
		t.Fatalf("expected bad_payload, got %q", f.Error)
	}

	if err := b.WriteJSON(ClientFrame{Type: FramePing}); err != nil {
		t.Fatal(err)
	}
	readFrame(t, b, FramePong)

	if err := b.WriteJSON(ClientFrame{Type: FrameWhoAmI}); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, b, FrameWhoAmI); f.Partner != "A" || f.Room != h.room || f.User == nil || f.User.ID != "B" {
		t.Fatalf("unexpected whoami %+v", f)
	}
}

func TestOutsiderIsRefused(t *testing.T) {
	h := newHarness(t)
	_, resp, err := h.dial(t, "C", h.room)
	if !errors.Is(err, websocket.ErrBadHandshake) || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 handshake failure, got err=%v resp=%v", err, resp)
	}
	_, resp, err = h.dial(t, "A", "missing")
	if err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got err=%v resp=%v", err, resp)
	}
}

func TestNotificationsReachOpenSockets(t *testing.T) {
	h := newHarness(t)
	if err := h.notifier.Notify(context.Background(), "A", domain.Notification{Title: "x"}); !errors.Is(err, ErrNoConnection) {
		t.Fatalf("expected no connection, got %v", err)
	}

	a, _, err := h.dial(t, "A", "")
	if err != nil {
		t.Fatal(err)
	}
	// Registration happens right after the upgrade; wait for it.
	deadline := time.Now().Add(5 * time.Second)
	for len(h.orch.Registry.Conns("A")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("socket never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	note := domain.Notification{Title: "New Match!", Body: "hello", Kind: domain.NotificationMatch}
	if err := h.notifier.Notify(context.Background(), "A", note); err != nil {
		t.Fatal(err)
	}
	f := readFrame(t, a, FrameNotification)
	if f.Notification == nil || f.Notification.Title != "New Match!" {
		t.Fatalf("unexpected notification %+v", f)
	}

	if err := a.WriteJSON(ClientFrame{Type: FrameSignal, Kind: domain.SignalCallEnd}); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, a, FrameError); f.Error != "no_room" {
		t.Fatalf("signals need a room socket, got %q", f.Error)
	}
}

func TestEndRoomClosesSockets(t *testing.T) {
	h := newHarness(t)
	a, _, err := h.dial(t, "A", h.room)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(h.orch.Registry.Conns("A")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("socket never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.orch.EndRoom(context.Background(), "B", h.room); err != nil {
		t.Fatal(err)
	}
	_ = a.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := a.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("expected normal close, got %v", err)
			}
			return
		}
	}
}

func TestDeliverReturnsAfterWrite(t *testing.T) {
	c := &WsSignalConn{signals: make(chan pendingFrame), done: make(chan struct{})}
	ctx := context.Background()

	result := make(chan error, 1)
	go func() { result <- c.Deliver(ctx, core.Frame("offer")) }()
	p := <-c.signals
	select {
	case err := <-result:
		t.Fatalf("returned before the write: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	p.written <- nil
	if err := <-result; err != nil {
		t.Fatal(err)
	}

	go func() { result <- c.Deliver(ctx, core.Frame("answer")) }()
	<-c.signals
	close(c.done)
	if err := <-result; !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
	if err := c.Deliver(ctx, core.Frame("late")); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed on a closed conn, got %v", err)
	}
}
