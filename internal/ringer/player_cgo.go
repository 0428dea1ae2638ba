//go:build cgo

package ringer

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	"github.com/gen2brain/malgo"
)

// devicePlayer plays the cadence on the default output device.
type devicePlayer struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	tone   cadence
}

// NewPlayer opens playback through malgo, or returns a LogPlayer when no
// audio backend is available.
func NewPlayer() Player {
	p := &devicePlayer{}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Printf("RING: malgo: %s", message)
	})
	if err != nil {
		log.Printf("RING: no audio backend (%v), using log player", err)
		return LogPlayer{}
	}
	p.ctx = ctx
	return p
}

func (p *devicePlayer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.device != nil {
		return nil
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = sampleRate

	p.tone = cadence{}
	var samples []int16
	onData := func(out, _ []byte, frames uint32) {
		if cap(samples) < int(frames) {
			samples = make([]int16, frames)
		}
		samples = samples[:frames]
		p.tone.fill(samples)
		for i, s := range samples {
			binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
		}
	}

	dev, err := malgo.InitDevice(p.ctx.Context, cfg, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		return fmt.Errorf("init playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("start playback device: %w", err)
	}
	p.device = dev
	return nil
}

func (p *devicePlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.device == nil {
		return nil
	}
	err := p.device.Stop()
	p.device.Uninit()
	p.device = nil
	return err
}
