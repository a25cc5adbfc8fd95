package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/dkeye/PeerMatch/internal/domain"
)

type nopConn struct{ name string }

func (nopConn) TrySend(core.Frame) error               { return nil }
func (nopConn) Send(context.Context, core.Frame) error { return nil }
func (nopConn) Close()                                 {}

func TestUsersAreStablePerToken(t *testing.T) {
	r := NewRegistry()
	u := r.GetOrCreateUser("tok-1")
	if u.ID != "tok-1" || u.Username != "guest" {
		t.Fatalf("unexpected user %+v", u)
	}
	if _, err := r.UpdateUsername("tok-1", "Ada"); err != nil {
		t.Fatal(err)
	}
	if got := r.GetOrCreateUser("tok-1"); got.Username != "Ada" {
		t.Fatalf("rename lost, got %+v", got)
	}
	if _, err := r.UpdateUsername("tok-1", strings.Repeat("x", domain.MaxUsernameLen+1)); !errors.Is(err, domain.ErrUsernameTooLong) {
		t.Fatalf("expected too long, got %v", err)
	}
	if _, err := r.UpdateUsername("tok-1", ""); !errors.Is(err, domain.ErrUsernameEmpty) {
		t.Fatalf("expected empty, got %v", err)
	}
}

func TestConnBindingAndRoomCancel(t *testing.T) {
	r := NewRegistry()
	a1, a2, b := &nopConn{"a1"}, &nopConn{"a2"}, &nopConn{"b"}
	cancelled := map[string]bool{}
	mark := func(n string) context.CancelFunc { return func() { cancelled[n] = true } }

	r.BindConn("A", "room-1", a1, mark("a1"))
	r.BindConn("A", "room-2", a2, mark("a2"))
	r.BindConn("B", "room-1", b, mark("b"))

	if got := len(r.Conns("A")); got != 2 {
		t.Fatalf("expected 2 conns for A, got %d", got)
	}
	if n := r.CancelRoom("room-1"); n != 2 {
		t.Fatalf("expected 2 cancelled, got %d", n)
	}
	if !cancelled["a1"] || !cancelled["b"] || cancelled["a2"] {
		t.Fatalf("wrong connections cancelled: %v", cancelled)
	}

	r.UnbindConn("A", a1)
	r.UnbindConn("A", a2)
	r.UnbindConn("A", a2)
	if got := len(r.Conns("A")); got != 0 {
		t.Fatalf("expected no conns, got %d", got)
	}
}
