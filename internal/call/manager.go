// Package call runs the call state machine for one endpoint. Every state
// change happens on a single event loop goroutine; media capture, peer
// setup and transport sends run elsewhere and report back as events.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/ringer"
	"github.com/petervdpas/goopcall/internal/signal"
)

const closeGrace = 2 * time.Second

// Deps are the collaborators a Manager drives.
type Deps struct {
	Transport signal.Transport
	Devices   Devices
	NewPeer   PeerFactory
	Ringtone  *ringer.Ringtone
	Clock     clock.Clock
	Recorder  Recorder
}

// Manager owns at most one call session and bridges signaling to it.
type Manager struct {
	cfg     Config
	tr      signal.Transport
	devices Devices
	newPeer PeerFactory
	ring    *ringer.Ringtone
	timer   *ringer.Timer
	clk     clock.Clock
	rec     Recorder

	events  chan any
	inbox   <-chan signal.Message
	unsub   func()
	out     *outbox
	stopped chan struct{}
	once    sync.Once

	// Owned by the loop goroutine.
	state        State
	sess         *Session
	invite       *Invite
	remoteOffer  *signal.Description
	stream       *media.Stream
	pc           PeerSession
	preparing    bool
	signalQueued bool
	heldLocal    []signal.Candidate
	early        []signal.Message
	orphans      *orphans
	connectivity string
	remoteTracks []string
	endReason    string
	lastErr      error
	ringTimer    *clock.Timer
	holdTimer    *clock.Timer
	ringSeq      uint64
	holdSeq      uint64

	snapMu sync.RWMutex
	snap   Snapshot

	feedMu sync.Mutex
	feed   *remoteFeed

	subsMu  sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

// New subscribes to the transport for cfg.SelfID and starts the loop.
func New(cfg Config, deps Deps) (*Manager, error) {
	if cfg.SelfID == "" {
		return nil, errors.New("call: self id required")
	}
	if deps.Transport == nil || deps.Devices == nil || deps.NewPeer == nil {
		return nil, errors.New("call: transport, devices and peer factory required")
	}
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Ringtone == nil {
		deps.Ringtone = ringer.New(nil)
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}

	inbox, unsub, err := deps.Transport.Subscribe(cfg.SelfID)
	if err != nil {
		return nil, fmt.Errorf("subscribe signaling: %w", err)
	}

	m := &Manager{
		cfg:     cfg,
		tr:      deps.Transport,
		devices: deps.Devices,
		newPeer: deps.NewPeer,
		ring:    deps.Ringtone,
		timer:   ringer.NewTimer(deps.Clock),
		clk:     deps.Clock,
		rec:     deps.Recorder,
		events:  make(chan any, 64),
		inbox:   inbox,
		unsub:   unsub,
		stopped: make(chan struct{}),
		state:   StateIdle,
		orphans: newOrphans(cfg.MaxEarlyCandidates, cfg.RingTimeout),
		subs:    make(map[int]chan Snapshot),
	}
	m.out = newOutbox(deps.Transport, func(it outItem, err error) {
		m.post(sendFailed{sid: it.msg.SessionID, kind: it.msg.Kind, err: err})
	})
	m.snap = m.snapshot()

	go m.run()
	log.Printf("CALL: manager ready for %s", signal.Short(cfg.SelfID))
	return m, nil
}

// ── Events ────────────────────────────────────────────────────────────────

type cmdStart struct {
	peerID string
	kind   signal.CallKind
	reply  chan startReply
}

type startReply struct {
	id  string
	err error
}

type cmdOp int

const (
	opAccept cmdOp = iota
	opDecline
	opEnd
)

type cmdSimple struct {
	op    cmdOp
	reply chan error
}

type cmdStream struct {
	reply chan streamReply
}

type streamReply struct {
	stream *media.Stream
	err    error
}

type cmdStatus struct {
	reply chan *peer.Status
}

type cmdClose struct{}

// cmdInspect runs fn on the loop goroutine.
type cmdInspect struct {
	fn   func()
	done chan struct{}
}

type prepared struct {
	sid       string
	initiator bool
	stream    *media.Stream
	pc        PeerSession
	desc      signal.Description
	err       error
}

type localCandidate struct {
	sid string
	c   signal.Candidate
}

type connectivityChanged struct {
	sid   string
	state webrtc.PeerConnectionState
}

type remoteTrack struct {
	sid  string
	kind string
}

type sendFailed struct {
	sid  string
	kind signal.Kind
	err  error
}

type timerFired struct {
	sid  string
	seq  uint64
	hold bool
}

type refresh struct{}

// post hands ev to the loop. It reports false once the loop has stopped.
func (m *Manager) post(ev any) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.stopped:
		return false
	}
}

func (m *Manager) run() {
	defer close(m.stopped)
	for {
		select {
		case ev := <-m.events:
			if _, ok := ev.(cmdClose); ok {
				m.shutdown()
				m.publish()
				return
			}
			m.handleEvent(ev)
		case msg, ok := <-m.inbox:
			if !ok {
				m.inbox = nil
				continue
			}
			m.handleMessage(msg)
		}
		m.publish()
	}
}

func (m *Manager) handleEvent(ev any) {
	switch e := ev.(type) {
	case cmdStart:
		id, err := m.startCall(e.peerID, e.kind)
		m.publish()
		e.reply <- startReply{id: id, err: err}
	case cmdSimple:
		var err error
		switch e.op {
		case opAccept:
			err = m.acceptCall()
		case opDecline:
			err = m.declineCall()
		case opEnd:
			err = m.endCall()
		}
		m.publish()
		e.reply <- err
	case cmdStream:
		if m.stream == nil || (m.state != StateConnected && m.state != StateCalling) {
			e.reply <- streamReply{err: ErrNotInCall}
			return
		}
		e.reply <- streamReply{stream: m.stream}
	case cmdStatus:
		if m.pc == nil {
			e.reply <- nil
			return
		}
		st := m.pc.Status()
		e.reply <- &st
	case prepared:
		m.onPrepared(e)
	case localCandidate:
		m.onLocalCandidate(e)
	case connectivityChanged:
		m.onConnectivity(e)
	case remoteTrack:
		if m.isCurrent(e.sid) {
			m.remoteTracks = append(m.remoteTracks, e.kind)
		}
	case sendFailed:
		m.onSendFailed(e)
	case timerFired:
		m.onTimer(e)
	case refresh:
	case cmdInspect:
		e.fn()
		close(e.done)
	default:
		log.Printf("CALL: unknown event %T", ev)
	}
}

// ── Commands ──────────────────────────────────────────────────────────────

// StartCall begins an outgoing call and returns the new session ID.
func (m *Manager) StartCall(ctx context.Context, peerID string, kind signal.CallKind) (string, error) {
	if peerID == "" || peerID == m.cfg.SelfID {
		return "", fmt.Errorf("%w: peer %q", ErrInvalidTarget, peerID)
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: kind %q", ErrInvalidTarget, kind)
	}
	reply := make(chan startReply, 1)
	if err := m.send(ctx, cmdStart{peerID: peerID, kind: kind, reply: reply}); err != nil {
		return "", err
	}
	select {
	case r := <-reply:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-m.stopped:
		return "", ErrClosed
	}
}

// AcceptCall answers the ringing invite.
func (m *Manager) AcceptCall(ctx context.Context) error { return m.simple(ctx, opAccept) }

// DeclineCall rejects the ringing invite.
func (m *Manager) DeclineCall(ctx context.Context) error { return m.simple(ctx, opDecline) }

// EndCall hangs up the active call. While ringing it declines instead.
func (m *Manager) EndCall(ctx context.Context) error { return m.simple(ctx, opEnd) }

// ToggleAudio mutes or unmutes the microphone and returns whether audio is
// now enabled.
func (m *Manager) ToggleAudio(ctx context.Context) (bool, error) {
	s, err := m.activeStream(ctx)
	if err != nil {
		return false, err
	}
	on := !s.AudioEnabled()
	if err := s.SetTrackEnabled(webrtc.RTPCodecTypeAudio, on); err != nil {
		return !on, err
	}
	m.post(refresh{})
	return on, nil
}

// ToggleVideo enables or disables the camera and returns whether video is
// now enabled.
func (m *Manager) ToggleVideo(ctx context.Context) (bool, error) {
	s, err := m.activeStream(ctx)
	if err != nil {
		return false, err
	}
	if s.Kind() != signal.CallVideo {
		return false, media.ErrNoVideoSender
	}
	on := !s.VideoEnabled()
	if err := s.SetTrackEnabled(webrtc.RTPCodecTypeVideo, on); err != nil {
		return !on, err
	}
	m.post(refresh{})
	return on, nil
}

// ToggleScreenShare starts or stops sending the screen in place of the
// camera and returns whether sharing is now on. Screen capture may block
// on a picker, so it runs on the caller's goroutine.
func (m *Manager) ToggleScreenShare(ctx context.Context) (bool, error) {
	s, err := m.activeStream(ctx)
	if err != nil {
		return false, err
	}
	if s.Sharing() {
		err := s.StopScreenShare()
		m.post(refresh{})
		return false, err
	}
	if err := s.StartScreenShare(func() { m.post(refresh{}) }); err != nil {
		return false, err
	}
	m.post(refresh{})
	return true, nil
}

// PeerStatus reports the active peer connection, if any.
func (m *Manager) PeerStatus(ctx context.Context) (*peer.Status, error) {
	reply := make(chan *peer.Status, 1)
	if err := m.send(ctx, cmdStatus{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.stopped:
		return nil, ErrClosed
	}
}

// RemoteMedia streams the received audio and video of the session as WebM
// messages: the init segment, then clusters. An empty sessionID means the
// current session. The channel closes when the session's media goes away.
func (m *Manager) RemoteMedia(sessionID string) (<-chan []byte, func(), error) {
	m.feedMu.Lock()
	f := m.feed
	m.feedMu.Unlock()
	if f == nil || (sessionID != "" && sessionID != f.sid) {
		return nil, nil, ErrNotInCall
	}
	ch, cancel := f.webm.subscribe()
	return ch, cancel, nil
}

// Snapshot returns the latest observable state.
func (m *Manager) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

// Subscribe streams snapshots, starting with the current one. A slow
// reader only ever misses intermediate snapshots, never the latest.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	m.subsMu.Lock()
	ch <- m.Snapshot()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
		})
	}
}

// Close hangs up any active call, flushes pending signaling and stops the
// loop. It is idempotent.
func (m *Manager) Close() {
	m.once.Do(func() {
		select {
		case m.events <- cmdClose{}:
			<-m.stopped
		case <-m.stopped:
		}
		m.out.close(closeGrace)
		m.unsub()
		log.Printf("CALL: manager closed")
	})
}

func (m *Manager) send(ctx context.Context, ev any) error {
	select {
	case m.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return ErrClosed
	}
}

func (m *Manager) simple(ctx context.Context, op cmdOp) error {
	reply := make(chan error, 1)
	if err := m.send(ctx, cmdSimple{op: op, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return ErrClosed
	}
}

func (m *Manager) activeStream(ctx context.Context) (*media.Stream, error) {
	reply := make(chan streamReply, 1)
	if err := m.send(ctx, cmdStream{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.stream, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.stopped:
		return nil, ErrClosed
	}
}

// ── Loop-side command handling ────────────────────────────────────────────

func (m *Manager) startCall(peerID string, kind signal.CallKind) (string, error) {
	if m.state != StateIdle {
		return "", fmt.Errorf("%w: %s", ErrBusy, m.state)
	}
	sid := uuid.NewString()
	m.sess = &Session{
		ID:          sid,
		InitiatorID: m.cfg.SelfID,
		PeerID:      peerID,
		Kind:        kind,
		IsInitiator: true,
		StartedAt:   m.clk.Now(),
	}
	m.lastErr = nil
	m.endReason = ""
	m.early = nil
	m.preparing = true
	m.setState(StateCalling)
	if m.cfg.Ringback {
		m.ring.Start()
	}
	m.armRing()
	m.rec.CallStarted(*m.sess)

	log.Printf("CALL [%s]: calling %s (%s)", signal.Short(sid), signal.Short(peerID), kind)
	go m.prepare(sid, kind, nil)
	return sid, nil
}

func (m *Manager) acceptCall() error {
	if m.state != StateRinging || m.remoteOffer == nil {
		return ErrNoInvite
	}
	if m.preparing {
		return nil
	}
	m.ring.Stop()
	m.cancelRing()
	m.preparing = true
	offer := *m.remoteOffer
	log.Printf("CALL [%s]: accepted", signal.Short(m.sess.ID))
	go m.prepare(m.sess.ID, m.sess.Kind, &offer)
	return nil
}

func (m *Manager) declineCall() error {
	if m.state != StateRinging {
		return ErrNoInvite
	}
	m.enqueue(m.sess.PeerID, signal.NewDecline(m.sess.ID, m.cfg.SelfID, signal.ReasonDeclined))
	m.finish(StateIdle, OutcomeDeclined, signal.ReasonDeclined, nil)
	return nil
}

func (m *Manager) endCall() error {
	switch m.state {
	case StateRinging:
		return m.declineCall()
	case StateCalling, StateConnected:
		m.enqueue(m.sess.PeerID, signal.NewEnd(m.sess.ID, m.cfg.SelfID, signal.ReasonHangup))
		m.finish(StateEnded, m.outcome(), signal.ReasonHangup, nil)
		return nil
	default:
		return ErrNotInCall
	}
}

// shutdown runs on the loop when Close is called.
func (m *Manager) shutdown() {
	switch m.state {
	case StateRinging:
		m.enqueue(m.sess.PeerID, signal.NewDecline(m.sess.ID, m.cfg.SelfID, signal.ReasonDeclined))
		m.finish(StateIdle, OutcomeMissed, signal.ReasonDeclined, nil)
	case StateCalling, StateConnected:
		m.enqueue(m.sess.PeerID, signal.NewEnd(m.sess.ID, m.cfg.SelfID, signal.ReasonHangup))
		m.finish(StateIdle, m.outcome(), signal.ReasonHangup, nil)
	default:
		m.teardown()
		m.cancelHold()
		m.sess = nil
		m.setState(StateIdle)
	}
}

// prepare acquires media, creates the peer and produces the local SDP.
// offer is nil for the initiator.
func (m *Manager) prepare(sid string, kind signal.CallKind, offer *signal.Description) {
	res := prepared{sid: sid, initiator: offer == nil}
	defer func() {
		if !m.post(res) {
			cleanupPrepared(res)
		}
	}()

	stream, err := m.devices.Acquire(kind)
	if err != nil {
		res.err = err
		return
	}
	res.stream = stream

	pc, err := m.newPeer(sid, m.peerEvents(sid))
	if err != nil {
		res.err = fmt.Errorf("create peer: %w", err)
		return
	}
	res.pc = pc

	if offer == nil {
		res.desc, res.err = pc.CreateAsInitiator(stream)
	} else {
		res.desc, res.err = pc.CreateAsResponder(stream, *offer)
	}
}

func (m *Manager) peerEvents(sid string) peer.Events {
	return peer.Events{
		LocalCandidate: func(c signal.Candidate) {
			m.post(localCandidate{sid: sid, c: c})
		},
		ConnectivityChange: func(s webrtc.PeerConnectionState) {
			m.post(connectivityChanged{sid: sid, state: s})
		},
		RemoteTrack: func(tr *webrtc.TrackRemote) {
			m.post(remoteTrack{sid: sid, kind: tr.Kind().String()})
		},
	}
}

func cleanupPrepared(res prepared) {
	if res.pc != nil {
		_ = res.pc.Close()
	}
	if res.stream != nil {
		res.stream.Release()
	}
}

// ── State helpers ─────────────────────────────────────────────────────────

func (m *Manager) isCurrent(sid string) bool {
	return m.sess != nil && m.sess.ID == sid
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	id := ""
	if m.sess != nil {
		id = signal.Short(m.sess.ID)
	}
	log.Printf("CALL [%s]: %s -> %s", id, m.state, s)
	m.state = s
}

func (m *Manager) enqueue(to string, msg signal.Message) {
	m.out.push(outItem{to: to, msg: msg})
}

func (m *Manager) outcome() Outcome {
	if m.sess != nil && !m.sess.ConnectedAt.IsZero() {
		return OutcomeCompleted
	}
	return OutcomeCanceled
}

func (m *Manager) enterConnected() {
	m.ring.Stop()
	m.cancelRing()
	m.invite = nil
	m.remoteOffer = nil
	m.setState(StateConnected)
	if m.sess.ConnectedAt.IsZero() {
		m.sess.ConnectedAt = m.clk.Now()
		m.rec.CallConnected(m.sess.ID, m.sess.ConnectedAt)
	}
	m.timer.Start(func(time.Duration) { m.post(refresh{}) })
}

type remoteFeed struct {
	sid    string
	webm   *webmStream
	cancel func()
}

func (m *Manager) startFeed(sid string, kind signal.CallKind, pc PeerSession) {
	src, ok := pc.(RemoteSource)
	if !ok {
		return
	}
	ch, cancel := src.SubscribeRTP()
	f := &remoteFeed{sid: sid, webm: newWebmStream(sid, kind == signal.CallVideo), cancel: cancel}
	go feedWebM(ch, f.webm)

	m.feedMu.Lock()
	m.feed = f
	m.feedMu.Unlock()
}

func (m *Manager) stopFeed() {
	m.feedMu.Lock()
	f := m.feed
	m.feed = nil
	m.feedMu.Unlock()
	if f != nil {
		f.cancel()
		f.webm.close()
	}
}

// teardown releases everything the session owns. It is safe to repeat.
func (m *Manager) teardown() {
	m.ring.Stop()
	m.timer.Stop()
	m.cancelRing()
	m.stopFeed()
	if m.pc != nil {
		if err := m.pc.Close(); err != nil {
			log.Printf("CALL: peer close: %v", err)
		}
		m.pc = nil
	}
	if m.stream != nil {
		m.stream.Release()
		m.stream = nil
	}
	m.invite = nil
	m.remoteOffer = nil
	m.preparing = false
	m.signalQueued = false
	m.heldLocal = nil
	m.early = nil
	m.remoteTracks = nil
	m.connectivity = ""
}

// finish closes the session. next is idle, or ended or declined to hold
// the outcome on screen before idle.
func (m *Manager) finish(next State, outcome Outcome, reason string, err error) {
	m.teardown()
	if m.sess != nil {
		m.rec.CallEnded(m.sess.ID, outcome, reason, m.clk.Now())
	}
	m.endReason = reason
	if err != nil {
		m.lastErr = err
	}
	if next == StateIdle {
		m.cancelHold()
		m.setState(StateIdle)
		m.sess = nil
		return
	}
	m.setState(next)
	m.armHold()
}

func (m *Manager) armRing() {
	m.cancelRing()
	m.ringSeq++
	seq, sid := m.ringSeq, m.sess.ID
	m.ringTimer = m.clk.AfterFunc(m.cfg.RingTimeout, func() {
		m.post(timerFired{sid: sid, seq: seq})
	})
}

func (m *Manager) cancelRing() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
	m.ringSeq++
}

func (m *Manager) armHold() {
	m.cancelHold()
	m.holdSeq++
	seq, sid := m.holdSeq, m.sess.ID
	m.holdTimer = m.clk.AfterFunc(m.cfg.Hold, func() {
		m.post(timerFired{sid: sid, seq: seq, hold: true})
	})
}

func (m *Manager) cancelHold() {
	if m.holdTimer != nil {
		m.holdTimer.Stop()
		m.holdTimer = nil
	}
	m.holdSeq++
}

func (m *Manager) snapshot() Snapshot {
	s := Snapshot{
		State:        m.state,
		Duration:     ringer.Format(m.timer.Elapsed()),
		Connectivity: m.connectivity,
		EndReason:    m.endReason,
		Err:          m.lastErr,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	if m.sess != nil {
		c := *m.sess
		s.Session = &c
	}
	if m.invite != nil {
		c := *m.invite
		s.Invite = &c
	}
	if m.stream != nil {
		s.AudioEnabled = m.stream.AudioEnabled()
		s.VideoEnabled = m.stream.VideoEnabled()
		s.Sharing = m.stream.Sharing()
	}
	if len(m.remoteTracks) > 0 {
		s.RemoteTracks = append([]string(nil), m.remoteTracks...)
	}
	return s
}

func (m *Manager) publish() {
	snap := m.snapshot()

	m.snapMu.Lock()
	same := reflect.DeepEqual(snap, m.snap)
	m.snap = snap
	m.snapMu.Unlock()
	if same {
		return
	}

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
