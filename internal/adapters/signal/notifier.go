package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/PeerMatch/internal/app"
	"github.com/dkeye/PeerMatch/internal/domain"
)

var ErrNoConnection = errors.New("user has no open socket")

// Notifier pushes notifications to every open socket of a user. Users
// without a socket miss the notification.
type Notifier struct {
	Registry *app.Registry
}

func (n *Notifier) Notify(_ context.Context, user domain.UserID, note domain.Notification) error {
	conns := n.Registry.Conns(user)
	if len(conns) == 0 {
		return ErrNoConnection
	}
	b, err := json.Marshal(ServerFrame{Type: FrameNotification, Notification: &note})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	var errs []error
	for _, c := range conns {
		if err := c.TrySend(b); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(conns) {
		return fmt.Errorf("notify %s: %w", user, errors.Join(errs...))
	}
	return nil
}
