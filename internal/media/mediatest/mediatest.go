// Package mediatest provides capture fakes for tests that need media
// tracks without hardware.
package mediatest

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/media"
)

// Track is a static sample track with controllable end-of-stream.
type Track struct {
	*webrtc.TrackLocalStaticSample

	mu     sync.Mutex
	ended  func(error)
	closed bool
}

func NewTrack(kind webrtc.RTPCodecType) *Track {
	c := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == webrtc.RTPCodecTypeVideo {
		c = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	t, err := webrtc.NewTrackLocalStaticSample(c, kind.String()+"-"+uuid.NewString()[:8], "mediatest")
	if err != nil {
		panic(err)
	}
	return &Track{TrackLocalStaticSample: t}
}

func (t *Track) OnEnded(fn func(error)) {
	t.mu.Lock()
	t.ended = fn
	t.mu.Unlock()
}

// End simulates the source going away, as when the user revokes access.
func (t *Track) End(err error) {
	t.mu.Lock()
	fn := t.ended
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (t *Track) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *Track) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Capturer hands out fake tracks and records them.
type Capturer struct {
	mu          sync.Mutex
	failUser    error
	failDisplay error
	opened      []*Track
	screens     []*Track
}

func NewCapturer() *Capturer { return &Capturer{} }

// FailUserMedia makes the next UserMedia calls fail with err (nil resets).
func (c *Capturer) FailUserMedia(err error) {
	c.mu.Lock()
	c.failUser = err
	c.mu.Unlock()
}

func (c *Capturer) FailDisplayMedia(err error) {
	c.mu.Lock()
	c.failDisplay = err
	c.mu.Unlock()
}

func (c *Capturer) Populate(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (c *Capturer) UserMedia(video bool) ([]media.Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failUser != nil {
		return nil, c.failUser
	}
	a := NewTrack(webrtc.RTPCodecTypeAudio)
	c.opened = append(c.opened, a)
	out := []media.Track{a}
	if video {
		v := NewTrack(webrtc.RTPCodecTypeVideo)
		c.opened = append(c.opened, v)
		out = append(out, v)
	}
	return out, nil
}

func (c *Capturer) DisplayMedia() (media.Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failDisplay != nil {
		return nil, c.failDisplay
	}
	s := NewTrack(webrtc.RTPCodecTypeVideo)
	c.screens = append(c.screens, s)
	return s, nil
}

// Opened returns how many camera/microphone tracks were ever opened.
func (c *Capturer) Opened() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.opened)
}

// Live returns how many opened tracks, screens included, are still open.
func (c *Capturer) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range append(append([]*Track(nil), c.opened...), c.screens...) {
		if !t.Closed() {
			n++
		}
	}
	return n
}

// LastScreen returns the most recent screen track, or nil.
func (c *Capturer) LastScreen() *Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.screens) == 0 {
		return nil
	}
	return c.screens[len(c.screens)-1]
}

// Sender records the track currently bound to it.
type Sender struct {
	mu      sync.Mutex
	current webrtc.TrackLocal
	calls   int
	fail    error
}

func NewSender(initial webrtc.TrackLocal) *Sender {
	return &Sender{current: initial}
}

var ErrReplace = errors.New("mediatest: replace failed")

// FailNext makes ReplaceTrack fail with ErrReplace until reset with false.
func (s *Sender) FailNext(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fail {
		s.fail = ErrReplace
	} else {
		s.fail = nil
	}
}

func (s *Sender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.current = t
	s.calls++
	return nil
}

func (s *Sender) Current() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Sender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
