package media

import (
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/signal"
)

// Sender is the outgoing side of a track on a peer connection.
// *webrtc.RTPSender satisfies it.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

type slot struct {
	track  Track
	sender Sender
}

// Stream is the local media of one call.
type Stream struct {
	id       string
	kind     signal.CallKind
	capturer Capturer

	mu       sync.Mutex
	audio    *slot
	video    *slot
	audioOn  bool
	videoOn  bool
	screen   Track
	released bool
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Kind() signal.CallKind { return s.kind }

// Tracks returns the camera and microphone tracks to attach.
func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Track
	if s.audio != nil {
		out = append(out, s.audio.track)
	}
	if s.video != nil {
		out = append(out, s.video.track)
	}
	return out
}

// Bind records the sender that carries t. A track muted before binding is
// detached from its sender right away.
func (s *Stream) Bind(t Track, sender Sender) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.audio != nil && s.audio.track == t:
		s.audio.sender = sender
		if !s.audioOn {
			return sender.ReplaceTrack(nil)
		}
	case s.video != nil && s.video.track == t:
		s.video.sender = sender
		if !s.videoOn {
			return sender.ReplaceTrack(nil)
		}
		if s.screen != nil {
			return sender.ReplaceTrack(s.screen)
		}
	default:
		return fmt.Errorf("media: track %s does not belong to stream", t.ID())
	}
	return nil
}

func (s *Stream) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioOn
}

func (s *Stream) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOn
}

func (s *Stream) Sharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen != nil
}

// SetTrackEnabled mutes or unmutes the outgoing track of kind by detaching
// it from, or reattaching it to, its sender.
func (s *Stream) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrReleased
	}

	var sl *slot
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		sl = s.audio
	case webrtc.RTPCodecTypeVideo:
		sl = s.video
	default:
		return fmt.Errorf("media: unknown track kind %v", kind)
	}
	if sl == nil {
		return fmt.Errorf("media: stream has no %s track", kind)
	}
	if kind == webrtc.RTPCodecTypeAudio {
		s.audioOn = enabled
	} else {
		s.videoOn = enabled
	}
	if sl.sender == nil {
		return nil
	}

	var next webrtc.TrackLocal
	if enabled {
		next = sl.track
		if kind == webrtc.RTPCodecTypeVideo && s.screen != nil {
			next = s.screen
		}
	}
	log.Printf("MEDIA [%s]: %s enabled=%v", signal.Short(s.id), kind, enabled)
	return sl.sender.ReplaceTrack(next)
}

// StartScreenShare captures the display and sends it in place of the
// camera. If the capture ends on its own (permission revoked, window
// closed) the camera is restored and onRevert is called.
func (s *Stream) StartScreenShare(onRevert func()) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrReleased
	}
	if s.video == nil || s.video.sender == nil {
		s.mu.Unlock()
		return ErrNoVideoSender
	}
	if s.screen != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	screen, err := s.capturer.DisplayMedia()
	if err != nil {
		return fmt.Errorf("%w: screen capture: %v", ErrMediaUnavailable, err)
	}

	s.mu.Lock()
	if s.released || s.screen != nil {
		s.mu.Unlock()
		_ = screen.Close()
		return nil
	}
	if s.videoOn {
		if err := s.video.sender.ReplaceTrack(screen); err != nil {
			s.mu.Unlock()
			_ = screen.Close()
			return fmt.Errorf("media: replace with screen: %w", err)
		}
	}
	s.screen = screen
	s.mu.Unlock()

	screen.OnEnded(func(err error) {
		if s.revert(screen) {
			log.Printf("MEDIA [%s]: screen share ended externally (%v), camera restored", signal.Short(s.id), err)
			if onRevert != nil {
				onRevert()
			}
		}
	})

	log.Printf("MEDIA [%s]: screen share started", signal.Short(s.id))
	return nil
}

// StopScreenShare restores the camera track. It is a no-op when nothing is
// being shared.
func (s *Stream) StopScreenShare() error {
	s.mu.Lock()
	screen := s.screen
	s.mu.Unlock()
	if screen == nil {
		return nil
	}
	s.revert(screen)
	log.Printf("MEDIA [%s]: screen share stopped", signal.Short(s.id))
	return nil
}

// revert swaps the camera back if screen is still the active share, and
// reports whether it did.
func (s *Stream) revert(screen Track) bool {
	s.mu.Lock()
	if s.screen != screen {
		s.mu.Unlock()
		return false
	}
	s.screen = nil
	if !s.released && s.videoOn && s.video != nil && s.video.sender != nil {
		if err := s.video.sender.ReplaceTrack(s.video.track); err != nil {
			log.Printf("MEDIA [%s]: restore camera failed: %v", signal.Short(s.id), err)
		}
	}
	s.mu.Unlock()
	_ = screen.Close()
	return true
}

// Release closes every track. It is idempotent.
func (s *Stream) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	var tracks []Track
	if s.audio != nil {
		tracks = append(tracks, s.audio.track)
	}
	if s.video != nil {
		tracks = append(tracks, s.video.track)
	}
	if s.screen != nil {
		tracks = append(tracks, s.screen)
		s.screen = nil
	}
	s.mu.Unlock()

	for _, t := range tracks {
		_ = t.Close()
	}
	log.Printf("MEDIA [%s]: released", signal.Short(s.id))
}
