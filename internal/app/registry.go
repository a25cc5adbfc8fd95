package app

import (
	"context"
	"sync"

	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/dkeye/PeerMatch/internal/domain"
	"github.com/rs/zerolog/log"
)

type connEntry struct {
	Room   domain.RoomID
	Cancel context.CancelFunc
}

// Registry tracks the users behind client tokens and their live signaling
// connections. It is process local; the store stays authoritative.
type Registry struct {
	mu    sync.RWMutex
	users map[core.SessionID]*domain.User
	conns map[domain.UserID]map[core.SignalConnection]connEntry
}

var _ core.IdentityProvider = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		users: make(map[core.SessionID]*domain.User),
		conns: make(map[domain.UserID]map[core.SignalConnection]connEntry),
	}
}

// GetOrCreateUser returns a copy of the user bound to sid. The token doubles
// as user id.
func (r *Registry) GetOrCreateUser(sid core.SessionID) domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[sid]; ok {
		return *u
	}
	u := &domain.User{ID: domain.UserID(sid), Username: "guest"}
	r.users[sid] = u
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("created new user")
	return *u
}

func (r *Registry) UpdateUsername(sid core.SessionID, name string) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[sid]
	if !ok {
		u = &domain.User{ID: domain.UserID(sid)}
	}
	if err := u.SetUsername(name); err != nil {
		return domain.User{}, err
	}
	r.users[sid] = u
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("username", name).Msg("updated username")
	return *u, nil
}

// BindConn registers a signaling connection of user opened for room.
// cancel stops everything serving that connection.
func (r *Registry) BindConn(user domain.UserID, room domain.RoomID, conn core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[user]
	if !ok {
		set = make(map[core.SignalConnection]connEntry)
		r.conns[user] = set
	}
	set[conn] = connEntry{Room: room, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("user", string(user)).Str("room", string(room)).Msg("bound signal")
}

func (r *Registry) UnbindConn(user domain.UserID, conn core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[user]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.conns, user)
	}
	log.Info().Str("module", "app.registry").Str("user", string(user)).Msg("unbind signal")
}

// Conns returns the live connections of user.
func (r *Registry) Conns(user domain.UserID) []core.SignalConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.SignalConnection, 0, len(r.conns[user]))
	for c := range r.conns[user] {
		out = append(out, c)
	}
	return out
}

// CancelRoom stops every connection opened for room and reports how many.
func (r *Registry) CancelRoom(room domain.RoomID) int {
	r.mu.RLock()
	var cancels []context.CancelFunc
	for _, set := range r.conns {
		for _, e := range set {
			if e.Room == room && e.Cancel != nil {
				cancels = append(cancels, e.Cancel)
			}
		}
	}
	r.mu.RUnlock()

	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		log.Info().Str("module", "app.registry").Str("room", string(room)).Int("conns", len(cancels)).Msg("canceled room connections")
	}
	return len(cancels)
}
