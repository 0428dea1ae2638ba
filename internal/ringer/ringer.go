// Package ringer plays the looping call cue and keeps the call duration
// clock.
package ringer

import (
	"log"
	"sync"
)

// Player produces the audible cue. Start begins looping, Stop silences it.
type Player interface {
	Start() error
	Stop() error
}

// Ringtone makes a Player idempotent: repeated Starts ring once and
// repeated Stops are harmless.
type Ringtone struct {
	player Player

	mu      sync.Mutex
	playing bool
}

func New(p Player) *Ringtone {
	if p == nil {
		p = LogPlayer{}
	}
	return &Ringtone{player: p}
}

func (r *Ringtone) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.playing {
		return
	}
	if err := r.player.Start(); err != nil {
		log.Printf("RING: start: %v", err)
		return
	}
	r.playing = true
}

func (r *Ringtone) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.playing {
		return
	}
	if err := r.player.Stop(); err != nil {
		log.Printf("RING: stop: %v", err)
	}
	r.playing = false
}

func (r *Ringtone) Playing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}

// LogPlayer is the silent fallback used where no playback device opens.
type LogPlayer struct{}

func (LogPlayer) Start() error {
	log.Printf("RING: ringing")
	return nil
}

func (LogPlayer) Stop() error {
	log.Printf("RING: silent")
	return nil
}
