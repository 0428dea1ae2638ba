//go:build !linux || !cgo

package media

import (
	"fmt"
	"runtime"

	"github.com/pion/webrtc/v4"
)

// unsupportedCapturer is used where no capture drivers are built in.
type unsupportedCapturer struct{}

// NewCapturer returns the platform capturer.
func NewCapturer(_ Options) (Capturer, error) {
	return unsupportedCapturer{}, nil
}

func (unsupportedCapturer) Populate(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (unsupportedCapturer) UserMedia(bool) ([]Track, error) {
	return nil, fmt.Errorf("%w: no capture drivers on %s", ErrMediaUnavailable, runtime.GOOS)
}

func (unsupportedCapturer) DisplayMedia() (Track, error) {
	return nil, fmt.Errorf("%w: no screen capture on %s", ErrMediaUnavailable, runtime.GOOS)
}
