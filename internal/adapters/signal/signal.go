package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/PeerMatch/internal/app/orch"
	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/dkeye/PeerMatch/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const (
	DefaultReadLimit  = 32768
	DefaultPingPeriod = 54 * time.Second
	sendBuffer        = 32
)

type SignalWSController struct {
	Orch       *orch.Orchestrator
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewSignalWSController(o *orch.Orchestrator, readLimit int64, pingPeriod time.Duration) *SignalWSController {
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	if pingPeriod <= 0 {
		pingPeriod = DefaultPingPeriod
	}
	return &SignalWSController{Orch: o, ReadLimit: readLimit, PingPeriod: pingPeriod}
}

// WsSignalConn implements core.SignalConnection on a websocket. Writers
// never close send; done marks the end instead.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame
	// signals bypass the send buffer so a frame is only handed over when
	// the writer is ready to put it on the wire.
	signals chan pendingFrame
	done    chan struct{}
	once    sync.Once
}

type pendingFrame struct {
	data    core.Frame
	written chan error
}

func newWsSignalConn(ws *websocket.Conn) *WsSignalConn {
	return &WsSignalConn{
		conn:    ws,
		send:    make(chan core.Frame, sendBuffer),
		signals: make(chan pendingFrame),
		done:    make(chan struct{}),
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrBackpressure
	}
}

func (c *WsSignalConn) Send(ctx context.Context, f core.Frame) error {
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver hands f to the writer and returns once it has been written.
func (c *WsSignalConn) Deliver(ctx context.Context, f core.Frame) error {
	p := pendingFrame{data: f, written: make(chan error, 1)}
	select {
	case c.signals <- p:
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-p.written:
		return err
	case <-c.done:
		return ErrConnClosed
	}
}

func (c *WsSignalConn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades to a signaling socket. With ?room= the socket
// relays that room's signals and only its participants may open it;
// without, it only carries notifications.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token"))
	user := ctl.Orch.Registry.GetOrCreateUser(sid)
	room := domain.RoomID(c.Query("room"))
	logger := log.With().Str("module", "signal").Str("user", string(user.ID)).Str("room", string(room)).Logger()

	if room != "" {
		if _, err := ctl.Orch.RoomFor(c.Request.Context(), user.ID, room); err != nil {
			logger.Warn().Err(err).Msg("signal socket refused")
			c.AbortWithStatusJSON(rejectStatus(err), gin.H{"error": err.Error()})
			return
		}
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	logger.Info().Msg("new WS connection")

	conn := newWsSignalConn(ws)
	ctx, cancel := context.WithCancel(ctx)

	var feed core.SignalFeed
	if room != "" {
		feed, err = ctl.Orch.Subscribe(ctx, user.ID, room)
		if err != nil {
			logger.Error().Err(err).Msg("subscribe")
			cancel()
			conn.Close()
			return
		}
	}
	ctl.Orch.Registry.BindConn(user.ID, room, conn, cancel)

	go ctl.writePump(ctx, conn)
	if feed != nil {
		go ctl.feedPump(ctx, cancel, conn, feed)
	}
	go func() {
		ctl.readPump(ctx, user.ID, room, conn)
		cancel()
		if feed != nil {
			feed.Cancel()
		}
		ctl.Orch.Registry.UnbindConn(user.ID, conn)
	}()
}

func rejectStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, core.ErrRoomInactive):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
