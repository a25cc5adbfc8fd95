package signal

import (
	"context"

	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/dkeye/PeerMatch/internal/domain"
)

func (ctl *SignalWSController) handleWhoAmI(ctx context.Context, user domain.UserID, room domain.RoomID, conn *WsSignalConn) {
	u := ctl.Orch.Registry.GetOrCreateUser(core.SessionID(user))
	resp := ServerFrame{Type: FrameWhoAmI, User: &u}
	if room != "" {
		if r, err := ctl.Orch.RoomFor(ctx, user, room); err == nil {
			resp.Room = r.ID
			resp.Partner = r.Partner(user)
		}
	}
	ctl.sendJSON(conn, resp)
}
