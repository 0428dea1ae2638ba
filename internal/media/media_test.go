package media_test

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/media/mediatest"
	"github.com/petervdpas/goopcall/internal/signal"
)

func acquireBound(t *testing.T, kind signal.CallKind) (*media.Stream, *mediatest.Capturer, map[webrtc.RTPCodecType]*mediatest.Sender) {
	t.Helper()
	fake := mediatest.NewCapturer()
	s, err := media.NewController(fake).Acquire(kind)
	if err != nil {
		t.Fatalf("Acquire(%s): %v", kind, err)
	}
	senders := make(map[webrtc.RTPCodecType]*mediatest.Sender)
	for _, tr := range s.Tracks() {
		snd := mediatest.NewSender(tr)
		if err := s.Bind(tr, snd); err != nil {
			t.Fatalf("Bind: %v", err)
		}
		senders[tr.Kind()] = snd
	}
	return s, fake, senders
}

func TestAcquire(t *testing.T) {
	t.Run("voice", func(t *testing.T) {
		s, _, senders := acquireBound(t, signal.CallVoice)
		defer s.Release()
		if len(s.Tracks()) != 1 || senders[webrtc.RTPCodecTypeAudio] == nil {
			t.Fatalf("voice stream tracks = %d", len(s.Tracks()))
		}
		if s.VideoEnabled() {
			t.Fatal("voice stream reports video enabled")
		}
		if err := s.SetTrackEnabled(webrtc.RTPCodecTypeVideo, true); err == nil {
			t.Fatal("enabling video on a voice stream should fail")
		}
		if s.VideoEnabled() {
			t.Fatal("failed video toggle left VideoEnabled set")
		}
	})

	t.Run("video", func(t *testing.T) {
		s, _, _ := acquireBound(t, signal.CallVideo)
		defer s.Release()
		if len(s.Tracks()) != 2 {
			t.Fatalf("video stream tracks = %d, want 2", len(s.Tracks()))
		}
		if !s.AudioEnabled() || !s.VideoEnabled() {
			t.Fatal("new video stream should start unmuted")
		}
	})

	t.Run("denied", func(t *testing.T) {
		fake := mediatest.NewCapturer()
		fake.FailUserMedia(errors.New("permission denied"))
		_, err := media.NewController(fake).Acquire(signal.CallVideo)
		if !errors.Is(err, media.ErrMediaUnavailable) {
			t.Fatalf("err = %v, want ErrMediaUnavailable", err)
		}
	})
}

func TestMuteReplacesTrack(t *testing.T) {
	s, _, senders := acquireBound(t, signal.CallVideo)
	defer s.Release()
	audio := senders[webrtc.RTPCodecTypeAudio]

	if err := s.SetTrackEnabled(webrtc.RTPCodecTypeAudio, false); err != nil {
		t.Fatal(err)
	}
	if audio.Current() != nil {
		t.Fatal("muted audio sender should carry no track")
	}
	if s.AudioEnabled() {
		t.Fatal("AudioEnabled after mute")
	}

	if err := s.SetTrackEnabled(webrtc.RTPCodecTypeAudio, true); err != nil {
		t.Fatal(err)
	}
	if audio.Current() == nil || audio.Current().Kind() != webrtc.RTPCodecTypeAudio {
		t.Fatal("unmute did not restore the microphone track")
	}
	if audio.Calls() != 2 {
		t.Fatalf("ReplaceTrack calls = %d, want 2", audio.Calls())
	}
}

func TestMuteBeforeBind(t *testing.T) {
	fake := mediatest.NewCapturer()
	s, err := media.NewController(fake).Acquire(signal.CallVoice)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Release()

	if err := s.SetTrackEnabled(webrtc.RTPCodecTypeAudio, false); err != nil {
		t.Fatal(err)
	}
	tr := s.Tracks()[0]
	snd := mediatest.NewSender(tr)
	if err := s.Bind(tr, snd); err != nil {
		t.Fatal(err)
	}
	if snd.Current() != nil {
		t.Fatal("track muted before bind should be detached on bind")
	}
}

func TestScreenShare(t *testing.T) {
	t.Run("voice call has no video sender", func(t *testing.T) {
		s, _, _ := acquireBound(t, signal.CallVoice)
		defer s.Release()
		if err := s.StartScreenShare(nil); !errors.Is(err, media.ErrNoVideoSender) {
			t.Fatalf("err = %v, want ErrNoVideoSender", err)
		}
	})

	t.Run("stop restores camera", func(t *testing.T) {
		s, fake, senders := acquireBound(t, signal.CallVideo)
		defer s.Release()
		video := senders[webrtc.RTPCodecTypeVideo]
		camera := video.Current()

		if err := s.StartScreenShare(nil); err != nil {
			t.Fatal(err)
		}
		screen := fake.LastScreen()
		if video.Current() != webrtc.TrackLocal(screen) {
			t.Fatal("video sender does not carry the screen track")
		}
		if !s.Sharing() {
			t.Fatal("Sharing = false during share")
		}

		if err := s.StopScreenShare(); err != nil {
			t.Fatal(err)
		}
		if video.Current() != camera {
			t.Fatal("camera not restored after stop")
		}
		if !screen.Closed() {
			t.Fatal("screen track not closed after stop")
		}
	})

	t.Run("external end reverts and notifies", func(t *testing.T) {
		s, fake, senders := acquireBound(t, signal.CallVideo)
		defer s.Release()
		video := senders[webrtc.RTPCodecTypeVideo]
		camera := video.Current()

		reverted := make(chan struct{}, 1)
		if err := s.StartScreenShare(func() { reverted <- struct{}{} }); err != nil {
			t.Fatal(err)
		}
		fake.LastScreen().End(errors.New("window closed"))

		select {
		case <-reverted:
		default:
			t.Fatal("onRevert not called")
		}
		if s.Sharing() {
			t.Fatal("still sharing after external end")
		}
		if video.Current() != camera {
			t.Fatal("camera not restored after external end")
		}
	})

	t.Run("share while camera muted keeps sender empty", func(t *testing.T) {
		s, _, senders := acquireBound(t, signal.CallVideo)
		defer s.Release()
		video := senders[webrtc.RTPCodecTypeVideo]

		if err := s.SetTrackEnabled(webrtc.RTPCodecTypeVideo, false); err != nil {
			t.Fatal(err)
		}
		if err := s.StartScreenShare(nil); err != nil {
			t.Fatal(err)
		}
		if video.Current() != nil {
			t.Fatal("muted video should stay detached while sharing")
		}
		if err := s.SetTrackEnabled(webrtc.RTPCodecTypeVideo, true); err != nil {
			t.Fatal(err)
		}
		if video.Current() == nil || !s.Sharing() {
			t.Fatal("unmute during share should send the screen")
		}
	})

	t.Run("display capture denied", func(t *testing.T) {
		s, fake, _ := acquireBound(t, signal.CallVideo)
		defer s.Release()
		fake.FailDisplayMedia(errors.New("cancelled"))
		if err := s.StartScreenShare(nil); !errors.Is(err, media.ErrMediaUnavailable) {
			t.Fatalf("err = %v, want ErrMediaUnavailable", err)
		}
		if s.Sharing() {
			t.Fatal("Sharing after failed capture")
		}
	})
}

func TestReleaseIsIdempotent(t *testing.T) {
	s, fake, _ := acquireBound(t, signal.CallVideo)
	if err := s.StartScreenShare(nil); err != nil {
		t.Fatal(err)
	}
	s.Release()
	s.Release()
	if n := fake.Live(); n != 0 {
		t.Fatalf("%d tracks still open after release", n)
	}
	if err := s.SetTrackEnabled(webrtc.RTPCodecTypeAudio, false); !errors.Is(err, media.ErrReleased) {
		t.Fatalf("err = %v, want ErrReleased", err)
	}
}
