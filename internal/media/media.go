// Package media acquires local capture tracks and manages them for the
// lifetime of one call: mute, unmute and screen share swap the outgoing
// track in place without renegotiation.
package media

import (
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/signal"
)

var (
	// ErrMediaUnavailable means capture hardware is absent or access was
	// denied. A call attempt that hits it is aborted, not retried.
	ErrMediaUnavailable = errors.New("media unavailable")

	// ErrNoVideoSender is returned by screen share on a call without an
	// outgoing video track.
	ErrNoVideoSender = errors.New("media: call has no video sender")

	ErrReleased = errors.New("media: stream released")
)

// Track is a local capture track that can be sent on a peer connection.
type Track interface {
	webrtc.TrackLocal
	OnEnded(func(error))
	Close() error
}

// Capturer opens capture devices.
type Capturer interface {
	// Populate registers the codecs that captured tracks encode with.
	Populate(m *webrtc.MediaEngine) error
	// UserMedia opens the microphone, plus the camera when video is true.
	UserMedia(video bool) ([]Track, error)
	// DisplayMedia opens a screen or window capture track.
	DisplayMedia() (Track, error)
}

// Options tune capture on platforms that support it.
type Options struct {
	VideoWidth   int
	VideoHeight  int
	VideoBitRate int
}

// Controller hands out one Stream per call.
type Controller struct {
	capturer Capturer
}

func NewController(c Capturer) *Controller {
	return &Controller{capturer: c}
}

// Populate forwards to the capturer so the peer API negotiates the codecs
// the tracks produce.
func (c *Controller) Populate(m *webrtc.MediaEngine) error {
	return c.capturer.Populate(m)
}

// Acquire opens audio, and video when kind is video. Any failure closes
// what was opened and returns an error wrapping ErrMediaUnavailable.
func (c *Controller) Acquire(kind signal.CallKind) (*Stream, error) {
	wantVideo := kind == signal.CallVideo

	tracks, err := c.capturer.UserMedia(wantVideo)
	if err != nil {
		if errors.Is(err, ErrMediaUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	s := &Stream{
		id:       uuid.NewString(),
		kind:     kind,
		capturer: c.capturer,
		audioOn:  true,
		videoOn:  wantVideo,
	}
	for _, t := range tracks {
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			if s.audio == nil {
				s.audio = &slot{track: t}
				continue
			}
		case webrtc.RTPCodecTypeVideo:
			if wantVideo && s.video == nil {
				s.video = &slot{track: t}
				continue
			}
		}
		_ = t.Close()
	}

	if s.audio == nil || (wantVideo && s.video == nil) {
		s.Release()
		return nil, fmt.Errorf("%w: required %s track missing", ErrMediaUnavailable, kind)
	}

	log.Printf("MEDIA [%s]: acquired %s stream", signal.Short(s.id), kind)
	return s, nil
}
