package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/PeerMatch/internal/call"
	"github.com/dkeye/PeerMatch/internal/core"
)

func acquire(t *testing.T, video, audio bool) *Capture {
	t.Helper()
	m, err := NewDevices(WithFrameInterval(time.Hour)).Acquire(context.Background(), video, audio)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Release)
	return m.(*Capture)
}

func TestMuteGateDropsPackets(t *testing.T) {
	c := acquire(t, true, true)
	a := c.audio

	a.tick()
	a.tick()
	if a.Written() != 2 {
		t.Fatalf("expected 2 packets, got %d", a.Written())
	}

	a.SetEnabled(false)
	if a.Enabled() {
		t.Fatal("track must report muted")
	}
	a.tick()
	if a.Written() != 2 {
		t.Fatalf("muted track wrote a packet, count %d", a.Written())
	}

	a.SetEnabled(true)
	a.tick()
	if a.Written() != 3 {
		t.Fatalf("unmuted track must write again, count %d", a.Written())
	}
	if c.video.Written() != 0 {
		t.Fatal("video is gated independently")
	}
}

func TestReleaseStopsTracks(t *testing.T) {
	c := acquire(t, false, true)
	if c.VideoTrack() != nil {
		t.Fatal("video was not requested")
	}
	c.Release()
	c.Release()

	if c.audio.Enabled() {
		t.Fatal("released track must not be enabled")
	}
	c.audio.SetEnabled(true)
	if c.audio.Enabled() {
		t.Fatal("a stopped track cannot be re-enabled")
	}
	if err := c.audio.WriteRTP(nil); !errors.Is(err, ErrTrackStopped) {
		t.Fatalf("expected stopped, got %v", err)
	}
}

func TestPumpWritesOnInterval(t *testing.T) {
	m, err := NewDevices(WithFrameInterval(time.Millisecond)).Acquire(context.Background(), false, true)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release()
	tr := m.AudioTrack().(*Track)

	deadline := time.Now().Add(5 * time.Second)
	for tr.Written() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("pump did not write packets")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if tr.Kind() != call.KindAudio || tr.Local() == nil {
		t.Fatal("unexpected track identity")
	}
}

func TestAcquireDenied(t *testing.T) {
	if _, err := NewDevices(WithDenied()).Acquire(context.Background(), true, true); !errors.Is(err, core.ErrMediaAccessDenied) {
		t.Fatalf("expected denied, got %v", err)
	}
	if _, err := NewDevices().Acquire(context.Background(), false, false); !errors.Is(err, core.ErrMediaAccessDenied) {
		t.Fatalf("empty request must be denied, got %v", err)
	}
}
