package signaling

import (
	"sync"

	"github.com/dkeye/PeerMatch/internal/domain"
)

type feedKey struct {
	room domain.RoomID
	user domain.UserID
}

// hub fans Send wake-ups out to the subscriptions of one receiver.
// A wake-up carries no data; subscribers re-read the log.
type hub struct {
	mu   sync.Mutex
	subs map[feedKey]map[chan struct{}]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[feedKey]map[chan struct{}]struct{})}
}

func (h *hub) register(k feedKey) chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[k]
	if !ok {
		set = make(map[chan struct{}]struct{})
		h.subs[k] = set
	}
	set[ch] = struct{}{}
	return ch
}

func (h *hub) unregister(k feedKey, ch chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[k]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.subs, k)
		}
	}
}

func (h *hub) wake(k feedKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[k] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
