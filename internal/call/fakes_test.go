package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/media/mediatest"
	"github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/ringer"
	"github.com/petervdpas/goopcall/internal/signal"
)

// fakePeer follows the signaling-state rules of peer.Controller without
// touching the network.
type fakePeer struct {
	sid string
	ev  peer.Events

	mu         sync.Mutex
	localOffer bool
	haveRemote bool
	pending    []signal.Candidate
	applied    []signal.Candidate
	senders    map[webrtc.RTPCodecType]*mediatest.Sender
	closes     int
	rtp        chan peer.RemotePacket
}

func (p *fakePeer) bind(stream *media.Stream) {
	for _, t := range stream.Tracks() {
		s := mediatest.NewSender(t)
		_ = stream.Bind(t, s)
		p.mu.Lock()
		p.senders[t.Kind()] = s
		p.mu.Unlock()
	}
}

func (p *fakePeer) emitCandidate() {
	if p.ev.LocalCandidate != nil {
		p.ev.LocalCandidate(signal.Candidate{Candidate: "candidate:" + p.sid[:4] + " 1 udp 1 10.0.0.1 9 typ host"})
	}
}

func (p *fakePeer) flush() {
	p.haveRemote = true
	p.applied = append(p.applied, p.pending...)
	p.pending = nil
}

func (p *fakePeer) CreateAsInitiator(stream *media.Stream) (signal.Description, error) {
	p.bind(stream)
	p.mu.Lock()
	p.localOffer = true
	p.mu.Unlock()
	p.emitCandidate()
	return signal.Description{Type: "offer", SDP: "v=0 offer " + p.sid}, nil
}

func (p *fakePeer) CreateAsResponder(stream *media.Stream, offer signal.Description) (signal.Description, error) {
	p.mu.Lock()
	p.flush()
	p.mu.Unlock()
	p.bind(stream)
	p.emitCandidate()
	return signal.Description{Type: "answer", SDP: "v=0 answer " + p.sid}, nil
}

func (p *fakePeer) ApplyRemoteAnswer(signal.Description) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.localOffer {
		return peer.ErrUnexpectedAnswer
	}
	p.localOffer = false
	p.flush()
	return nil
}

func (p *fakePeer) ApplyRemoteOffer(signal.Description) (signal.Description, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.localOffer {
		return signal.Description{}, peer.ErrRenegotiationGlare
	}
	p.flush()
	return signal.Description{Type: "answer", SDP: "v=0 reanswer " + p.sid}, nil
}

func (p *fakePeer) AddRemoteCandidate(c signal.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.haveRemote {
		p.pending = append(p.pending, c)
		return nil
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *fakePeer) Status() peer.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return peer.Status{Connection: "fake", PendingCandidates: len(p.pending)}
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closes++
	if p.closes == 1 {
		close(p.rtp)
	}
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) SubscribeRTP() (<-chan peer.RemotePacket, func()) {
	return p.rtp, func() {}
}

// receive hands pkt to the manager as if read from the remote track.
func (p *fakePeer) receive(kind webrtc.RTPCodecType, pkt *rtp.Packet) {
	codec := webrtc.MimeTypeOpus
	if kind == webrtc.RTPCodecTypeVideo {
		codec = webrtc.MimeTypeVP8
	}
	p.rtp <- peer.RemotePacket{Kind: kind, Codec: codec, Packet: pkt}
}

func (p *fakePeer) appliedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.applied)
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *fakePeer) sender(kind webrtc.RTPCodecType) *mediatest.Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.senders[kind]
}

type fakePeers struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakePeers) factory(sessionID string, ev peer.Events) (PeerSession, error) {
	p := &fakePeer{
		sid:     sessionID,
		ev:      ev,
		senders: make(map[webrtc.RTPCodecType]*mediatest.Sender),
		rtp:     make(chan peer.RemotePacket, 64),
	}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakePeers) last(t *testing.T) *fakePeer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		t.Fatal("no peer created")
	}
	return f.peers[len(f.peers)-1]
}

type silentPlayer struct{}

func (silentPlayer) Start() error { return nil }
func (silentPlayer) Stop() error  { return nil }

type memRecorder struct {
	mu     sync.Mutex
	events []string
	ended  map[string]Outcome
}

func (r *memRecorder) CallStarted(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "started")
}

func (r *memRecorder) CallConnected(string, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "connected")
}

func (r *memRecorder) CallEnded(id string, o Outcome, _ string, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "ended")
	if r.ended == nil {
		r.ended = make(map[string]Outcome)
	}
	r.ended[id] = o
}

func (r *memRecorder) outcome(id string) (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.ended[id]
	return o, ok
}

// gatedDevices blocks Acquire until release is closed.
type gatedDevices struct {
	inner   Devices
	release chan struct{}
}

func (g *gatedDevices) Acquire(kind signal.CallKind) (*media.Stream, error) {
	<-g.release
	return g.inner.Acquire(kind)
}

type endpoint struct {
	id      string
	m       *Manager
	ring    *ringer.Ringtone
	capture *mediatest.Capturer
	peers   *fakePeers
	rec     *memRecorder
}

type endpointOption func(*Config, *Deps)

func withDevices(wrap func(Devices) Devices) endpointOption {
	return func(_ *Config, d *Deps) { d.Devices = wrap(d.Devices) }
}

// withTransport replaces the hub transport; hub may then be nil.
func withTransport(tr signal.Transport) endpointOption {
	return func(_ *Config, d *Deps) { d.Transport = tr }
}

func withRingTimeout(d time.Duration) endpointOption {
	return func(c *Config, _ *Deps) { c.RingTimeout = d }
}

func newEndpoint(t *testing.T, hub *relay.Hub, clk clock.Clock, id string, opts ...endpointOption) *endpoint {
	t.Helper()
	e := &endpoint{
		id:      id,
		ring:    ringer.New(silentPlayer{}),
		capture: mediatest.NewCapturer(),
		peers:   &fakePeers{},
		rec:     &memRecorder{},
	}
	cfg := Config{SelfID: id, DisplayName: "User " + id}
	deps := Deps{
		Devices:   media.NewController(e.capture),
		NewPeer:   e.peers.factory,
		Ringtone:  e.ring,
		Clock:     clk,
		Recorder:  e.rec,
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	if deps.Transport == nil {
		deps.Transport = hub.Transport(id)
	}
	m, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New(%s): %v", id, err)
	}
	t.Cleanup(m.Close)
	e.m = m
	return e
}

// bare is a raw transport user that scripts one side of a call by hand.
type bare struct {
	id string
	tr signal.Transport
	ch <-chan signal.Message
}

func newBare(t *testing.T, hub *relay.Hub, id string) *bare {
	t.Helper()
	tr := hub.Transport(id)
	ch, cancel, err := tr.Subscribe(id)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(cancel)
	return &bare{id: id, tr: tr, ch: ch}
}

func (b *bare) send(t *testing.T, to string, msg signal.Message) {
	t.Helper()
	if err := b.tr.Send(context.Background(), to, msg); err != nil {
		t.Fatalf("%s send %s: %v", b.id, msg.Kind, err)
	}
}

func (b *bare) next(t *testing.T) signal.Message {
	t.Helper()
	select {
	case m := <-b.ch:
		return m
	case <-time.After(3 * time.Second):
		t.Fatalf("%s: no message", b.id)
		return signal.Message{}
	}
}

// await returns the next message of kind, skipping others.
func (b *bare) await(t *testing.T, kind signal.Kind) signal.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-b.ch:
			if m.Kind == kind {
				return m
			}
		case <-deadline:
			t.Fatalf("%s: no %s message", b.id, kind)
			return signal.Message{}
		}
	}
}

func (b *bare) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-b.ch:
		t.Fatalf("%s: unexpected %s message", b.id, m.Kind)
	case <-time.After(d):
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, e *endpoint, want State) Snapshot {
	t.Helper()
	var snap Snapshot
	waitFor(t, e.id+" state "+string(want), func() bool {
		snap = e.m.Snapshot()
		return snap.State == want
	})
	return snap
}

// inspect runs fn on m's loop so it can read loop-owned fields.
func inspect(t *testing.T, m *Manager, fn func()) {
	t.Helper()
	done := make(chan struct{})
	if err := m.send(bg, cmdInspect{fn: fn, done: done}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not run inspect")
	}
}
