//go:build linux && cgo

package media

import (
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// deviceCapturer captures with pion/mediadevices: V4L2 cameras, malgo
// microphones and X11 screens, encoded as VP8 and Opus.
type deviceCapturer struct {
	selector *mediadevices.CodecSelector
	opts     Options
}

// NewCapturer returns the platform capturer.
func NewCapturer(opts Options) (Capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	if opts.VideoBitRate > 0 {
		vpxParams.BitRate = opts.VideoBitRate
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("MEDIA: no capture devices found")
	}
	for _, d := range devices {
		log.Printf("MEDIA: device kind=%v label=%q", d.Kind, d.Label)
	}

	return &deviceCapturer{selector: selector, opts: opts}, nil
}

func (c *deviceCapturer) Populate(m *webrtc.MediaEngine) error {
	c.selector.Populate(m)
	return nil
}

func (c *deviceCapturer) UserMedia(video bool) ([]Track, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only: MJPEG nodes on some cameras emit frames the
			// VP8 encoder rejects.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if c.opts.VideoWidth > 0 {
				mc.Width = prop.IntRanged{Max: c.opts.VideoWidth}
			}
			if c.opts.VideoHeight > 0 {
				mc.Height = prop.IntRanged{Max: c.opts.VideoHeight}
			}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: GetUserMedia: %v", ErrMediaUnavailable, err)
	}

	var out []Track
	for _, t := range stream.GetTracks() {
		out = append(out, t)
	}
	return out, nil
}

func (c *deviceCapturer) DisplayMedia() (Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: GetDisplayMedia: %v", ErrMediaUnavailable, err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: display stream has no video", ErrMediaUnavailable)
	}
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}
	return tracks[0], nil
}
