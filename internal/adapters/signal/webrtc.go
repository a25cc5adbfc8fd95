package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/PeerMatch/internal/app/signaling"
	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/dkeye/PeerMatch/internal/domain"
	"github.com/rs/zerolog/log"
)

// handleRelay passes one negotiation message to the room partner. The
// server never looks inside descriptions or candidates.
func (ctl *SignalWSController) handleRelay(ctx context.Context, user domain.UserID, room domain.RoomID, conn *WsSignalConn, data []byte) {
	if room == "" {
		ctl.sendError(conn, "no_room")
		return
	}
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad signal payload")
		ctl.sendError(conn, "bad_payload")
		return
	}

	msg, err := ctl.Orch.Relay(ctx, user, room, f.To, f.Kind, f.Payload)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("user", string(user)).Str("kind", string(f.Kind)).Msg("relay refused")
		ctl.sendError(conn, relayErrorCode(err))
		return
	}
	log.Debug().Str("module", "signal").Str("room", string(room)).Str("kind", string(msg.Kind)).Int64("seq", msg.Seq).Msg("relayed")
}

func relayErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrBadPayload), errors.Is(err, signaling.ErrBadAddress):
		return "bad_payload"
	case errors.Is(err, core.ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, core.ErrRoomInactive):
		return "room_inactive"
	case errors.Is(err, core.ErrRoomNotFound):
		return "room_not_found"
	default:
		return "internal"
	}
}
