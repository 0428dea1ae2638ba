//go:build !cgo

package ringer

// NewPlayer returns a LogPlayer; audio playback needs cgo.
func NewPlayer() Player {
	return LogPlayer{}
}
