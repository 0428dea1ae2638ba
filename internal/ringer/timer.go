package ringer

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Timer counts whole seconds of call duration.
type Timer struct {
	clk clock.Clock

	mu      sync.Mutex
	started time.Time
	running bool
	stop    chan struct{}
}

func NewTimer(clk clock.Clock) *Timer {
	if clk == nil {
		clk = clock.New()
	}
	return &Timer{clk: clk}
}

// Start begins counting from zero and calls onTick, if non-nil, once per
// second with the elapsed time. Starting a running timer does nothing.
func (t *Timer) Start(onTick func(time.Duration)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.started = t.clk.Now()
	t.running = true
	t.stop = make(chan struct{})

	tk := t.clk.Ticker(time.Second)
	stop := t.stop
	go func() {
		defer tk.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tk.C:
				if onTick != nil {
					onTick(t.Elapsed())
				}
			}
		}
	}()
}

// Stop halts the timer and resets it to zero.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	close(t.stop)
	t.running = false
	t.started = time.Time{}
}

func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Elapsed returns whole seconds since Start, or 0 when stopped.
func (t *Timer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return 0
	}
	return t.clk.Since(t.started).Truncate(time.Second)
}

// Format renders d as mm:ss. Minutes keep counting past 59.
func Format(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}
