package ringer

import (
	"math"
	"time"
)

const (
	sampleRate = 48000
	toneLowHz  = 440
	toneHighHz = 480
	toneOn     = 2 * time.Second
	toneOff    = 4 * time.Second
	amplitude  = 0.25 * math.MaxInt16
)

// cadence generates the two-tone ring pattern as mono S16 samples, looping
// forever: toneOn of 440+480Hz followed by toneOff of silence.
type cadence struct {
	pos int
}

func (c *cadence) period() int {
	return int((toneOn + toneOff).Seconds() * sampleRate)
}

func (c *cadence) fill(out []int16) {
	on := int(toneOn.Seconds() * sampleRate)
	period := c.period()
	for i := range out {
		if c.pos < on {
			t := float64(c.pos) / sampleRate
			v := math.Sin(2*math.Pi*toneLowHz*t) + math.Sin(2*math.Pi*toneHighHz*t)
			out[i] = int16(amplitude * v / 2)
		} else {
			out[i] = 0
		}
		c.pos++
		if c.pos >= period {
			c.pos = 0
		}
	}
}
