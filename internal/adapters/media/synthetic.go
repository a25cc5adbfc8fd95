// Package media provides a synthetic capture device: pion RTP tracks fed
// with silence and blank frames, for headless peers and tests.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/PeerMatch/internal/call"
	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	DefaultFrameInterval = 20 * time.Millisecond

	audioPayloadType = 111
	videoPayloadType = 96
	audioClockRate   = 48000
	videoClockRate   = 90000
)

// Opus DTX silence frame.
var silenceFrame = []byte{0xf8, 0xff, 0xfe}

// Smallest VP8 payload: descriptor byte plus an empty frame tag.
var blankFrame = []byte{0x10, 0x00, 0x00, 0x00}

type Option func(*Devices)

// WithFrameInterval sets how often each enabled track emits a packet.
func WithFrameInterval(d time.Duration) Option {
	return func(ds *Devices) { ds.interval = d }
}

// WithDenied makes every Acquire fail, like a user dismissing the prompt.
func WithDenied() Option {
	return func(ds *Devices) { ds.denied = true }
}

type Devices struct {
	interval time.Duration
	denied   bool
}

func NewDevices(opts ...Option) *Devices {
	d := &Devices{interval: DefaultFrameInterval}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Acquire implements call.MediaDevices.
func (d *Devices) Acquire(ctx context.Context, video, audio bool) (call.LocalMedia, error) {
	if d.denied {
		return nil, fmt.Errorf("%w: capture disabled", core.ErrMediaAccessDenied)
	}
	if !video && !audio {
		return nil, fmt.Errorf("%w: nothing to capture", core.ErrMediaAccessDenied)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream := "synthetic-" + uuid.NewString()
	c := &Capture{done: make(chan struct{})}
	if audio {
		t, err := newTrack(call.KindAudio, stream, webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeOpus, ClockRate: audioClockRate, Channels: 2,
		}, audioPayloadType, silenceFrame, d.interval)
		if err != nil {
			return nil, err
		}
		c.audio = t
	}
	if video {
		t, err := newTrack(call.KindVideo, stream, webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeVP8, ClockRate: videoClockRate,
		}, videoPayloadType, blankFrame, d.interval)
		if err != nil {
			return nil, err
		}
		c.video = t
	}

	c.wg.Add(1)
	go c.pump(d.interval)
	log.Debug().Str("module", "media").Str("stream", stream).Bool("audio", audio).Bool("video", video).Msg("capture started")
	return c, nil
}

// Capture is one acquired synthetic stream.
type Capture struct {
	audio, video *Track
	once         sync.Once
	done         chan struct{}
	wg           sync.WaitGroup
}

func (c *Capture) AudioTrack() call.Track {
	if c.audio == nil {
		return nil
	}
	return c.audio
}

func (c *Capture) VideoTrack() call.Track {
	if c.video == nil {
		return nil
	}
	return c.video
}

// Release stops the pump and marks both tracks stopped.
func (c *Capture) Release() {
	c.once.Do(func() {
		close(c.done)
		c.wg.Wait()
		for _, t := range c.tracks() {
			t.stop()
		}
		log.Debug().Str("module", "media").Msg("capture released")
	})
}

func (c *Capture) tracks() []*Track {
	out := make([]*Track, 0, 2)
	if c.audio != nil {
		out = append(out, c.audio)
	}
	if c.video != nil {
		out = append(out, c.video)
	}
	return out
}

func (c *Capture) pump(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			for _, t := range c.tracks() {
				t.tick()
			}
		}
	}
}

type trackState int32

const (
	trackOk trackState = iota
	trackMuted
	trackStopped
)

var ErrTrackStopped = errors.New("track stopped")

// Track is a local RTP track with a mute gate. Muted tracks drop packets
// instead of writing them.
type Track struct {
	local   *webrtc.TrackLocalStaticRTP
	kind    call.TrackKind
	state   atomic.Int32
	written atomic.Uint64

	pt      uint8
	ssrc    uint32
	payload []byte
	step    uint32
	seq     uint16
	ts      uint32
}

func newTrack(kind call.TrackKind, stream string, codec webrtc.RTPCodecCapability, pt uint8, payload []byte, interval time.Duration) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind)+"-"+uuid.NewString(), stream)
	if err != nil {
		return nil, fmt.Errorf("new %s track: %w", kind, err)
	}
	return &Track{
		local:   local,
		kind:    kind,
		pt:      pt,
		ssrc:    uuid.New().ID(),
		payload: payload,
		step:    uint32(interval.Seconds() * float64(codec.ClockRate)),
	}, nil
}

func (t *Track) Kind() call.TrackKind { return t.kind }

func (t *Track) Enabled() bool { return trackState(t.state.Load()) == trackOk }

func (t *Track) SetEnabled(on bool) {
	next := trackMuted
	if on {
		next = trackOk
	}
	for {
		cur := t.state.Load()
		if trackState(cur) == trackStopped {
			return
		}
		if t.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// Local is the pion track to attach to a peer connection.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// Written counts packets that passed the mute gate.
func (t *Track) Written() uint64 { return t.written.Load() }

// WriteRTP forwards pkt unless the track is muted or stopped.
func (t *Track) WriteRTP(pkt *rtp.Packet) error {
	switch trackState(t.state.Load()) {
	case trackMuted:
		return nil
	case trackStopped:
		return ErrTrackStopped
	}
	if err := t.local.WriteRTP(pkt); err != nil {
		return err
	}
	t.written.Add(1)
	return nil
}

func (t *Track) tick() {
	t.seq++
	t.ts += t.step
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         t.kind == call.KindVideo,
			PayloadType:    t.pt,
			SequenceNumber: t.seq,
			Timestamp:      t.ts,
			SSRC:           t.ssrc,
		},
		Payload: t.payload,
	}
	if err := t.WriteRTP(pkt); err != nil && !errors.Is(err, ErrTrackStopped) {
		log.Warn().Err(err).Str("module", "media").Str("kind", string(t.kind)).Msg("write rtp")
	}
}

func (t *Track) stop() { t.state.Store(int32(trackStopped)) }
