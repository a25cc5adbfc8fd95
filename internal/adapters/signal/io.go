package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/dkeye/PeerMatch/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			ctl.flush(c)
			return
		case <-c.done:
			return
		case data := <-c.send:
			if err := ctl.write(c, websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case p := <-c.signals:
			err := ctl.write(c, websocket.TextMessage, p.data)
			p.written <- err
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump signal write error")
				return
			}
		case <-ticker.C:
			if err := ctl.write(c, websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

// flush writes what is already queued, then says goodbye.
func (ctl *SignalWSController) flush(c *WsSignalConn) {
	for {
		select {
		case data := <-c.send:
			if err := ctl.write(c, websocket.TextMessage, data); err != nil {
				return
			}
		default:
			_ = ctl.write(c, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (ctl *SignalWSController) write(c *WsSignalConn, kind int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(kind, data)
}

func (ctl *SignalWSController) readPump(ctx context.Context, user domain.UserID, room domain.RoomID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("user", string(user)).Msg("readPump closing")
		c.Close()
	}()

	pongWait := ctl.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Str("module", "signal").Str("user", string(user)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ctl.handleSignal(ctx, user, room, c, data)
	}
}

// feedPump forwards the room's signal feed to the socket, one written
// frame at a time. The feed marks a message delivered when feedPump takes
// it, so only the frame in flight can be lost with the socket. A broken
// feed is reported to the peer and ends the connection.
func (ctl *SignalWSController) feedPump(ctx context.Context, cancel context.CancelFunc, c *WsSignalConn, feed core.SignalFeed) {
	for m := range feed.C() {
		b, err := json.Marshal(ServerFrame{Type: FrameSignal, Message: &m})
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("feed marshal")
			continue
		}
		if err := c.Deliver(ctx, b); err != nil {
			return
		}
	}
	if err := feed.Err(); err != nil {
		ctl.sendError(c, "signal_delivery_interrupted")
		cancel()
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, user domain.UserID, room domain.RoomID, c *WsSignalConn, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, "bad_json")
		return
	}

	switch env.Type {
	case FrameSignal:
		ctl.handleRelay(ctx, user, room, c, data)
	case FramePing:
		ctl.handlePing(c)
	case FrameWhoAmI:
		ctl.handleWhoAmI(ctx, user, room, c)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendError(c, "unknown_type")
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
