// Package peer wraps one pion PeerConnection per call. It owns the remote
// candidate queue, guards answers and renegotiation offers by signaling
// state, and reads remote tracks for stats and RTP subscribers.
package peer

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/signal"
)

var (
	// ErrUnexpectedAnswer is returned for an answer that arrives when no
	// local offer is outstanding. Callers log and drop it.
	ErrUnexpectedAnswer = errors.New("peer: answer without outstanding offer")

	// ErrRenegotiationGlare is returned for an offer that arrives while a
	// local offer is outstanding.
	ErrRenegotiationGlare = errors.New("peer: offer while signaling not stable")

	ErrClosed = errors.New("peer: closed")
)

// NewAPI builds the process-wide pion API. populate registers the codecs
// the capture tracks encode with; tune, if non-nil, adjusts the setting
// engine after the defaults are applied.
func NewAPI(populate func(*webrtc.MediaEngine) error, tune func(*webrtc.SettingEngine)) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if populate == nil {
		populate = (*webrtc.MediaEngine).RegisterDefaultCodecs
	}
	if err := populate(m); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Relay paths can drop out for a few seconds during re-keying; keep the
	// session alive through that instead of the 5s default.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	if tune != nil {
		tune(&se)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// Options configure a single connection.
type Options struct {
	ICEServers []webrtc.ICEServer
	Policy     webrtc.ICETransportPolicy
}

// Events are invoked from pion goroutines. They stop firing once the
// controller is closed.
type Events struct {
	LocalCandidate     func(signal.Candidate)
	ConnectivityChange func(webrtc.PeerConnectionState)
	RemoteTrack        func(*webrtc.TrackRemote)
}

// Controller is the peer side of one call session.
type Controller struct {
	sessionID string
	pc        *webrtc.PeerConnection
	ev        Events

	mu         sync.Mutex
	pending    []webrtc.ICECandidateInit
	haveRemote bool
	closed     bool
	stats      map[string]*trackStats

	rtpMu     sync.Mutex
	rtpSubs   map[chan RemotePacket]struct{}
	rtpClosed bool
}

// New creates the underlying PeerConnection and hooks its callbacks.
func New(api *webrtc.API, sessionID string, opts Options, ev Events) (*Controller, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         opts.ICEServers,
		ICETransportPolicy: opts.Policy,
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	c := &Controller{
		sessionID: sessionID,
		pc:        pc,
		ev:        ev,
		stats:     make(map[string]*trackStats),
		rtpSubs:   make(map[chan RemotePacket]struct{}),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || !c.live() || c.ev.LocalCandidate == nil {
			return
		}
		c.ev.LocalCandidate(signal.Candidate(cand.ToJSON()))
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("PEER [%s]: connection %s", signal.Short(sessionID), s)
		if c.live() && c.ev.ConnectivityChange != nil {
			c.ev.ConnectivityChange(s)
		}
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("PEER [%s]: remote %s track %s (%s)", signal.Short(sessionID), tr.Kind(), tr.ID(), tr.Codec().MimeType)
		c.watchTrack(tr)
		if c.live() && c.ev.RemoteTrack != nil {
			c.ev.RemoteTrack(tr)
		}
	})

	return c, nil
}

func (c *Controller) live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// CreateAsInitiator attaches the stream and returns the local offer.
func (c *Controller) CreateAsInitiator(stream *media.Stream) (signal.Description, error) {
	if !c.live() {
		return signal.Description{}, ErrClosed
	}
	if err := c.attach(stream); err != nil {
		return signal.Description{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return signal.Description{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return signal.Description{}, fmt.Errorf("set local offer: %w", err)
	}
	return fromSDP(offer), nil
}

// CreateAsResponder applies the remote offer, attaches the stream and
// returns the local answer.
func (c *Controller) CreateAsResponder(stream *media.Stream, offer signal.Description) (signal.Description, error) {
	if !c.live() {
		return signal.Description{}, ErrClosed
	}
	if err := c.setRemote(offer); err != nil {
		return signal.Description{}, err
	}
	if err := c.attach(stream); err != nil {
		return signal.Description{}, err
	}
	return c.answer()
}

// ApplyRemoteAnswer completes an exchange this side started.
func (c *Controller) ApplyRemoteAnswer(answer signal.Description) error {
	if !c.live() {
		return ErrClosed
	}
	if st := c.pc.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("%w (state %s)", ErrUnexpectedAnswer, st)
	}
	return c.setRemote(answer)
}

// ApplyRemoteOffer handles a renegotiation offer on an established
// connection and returns the answer to send back.
func (c *Controller) ApplyRemoteOffer(offer signal.Description) (signal.Description, error) {
	if !c.live() {
		return signal.Description{}, ErrClosed
	}
	if st := c.pc.SignalingState(); st != webrtc.SignalingStateStable {
		return signal.Description{}, fmt.Errorf("%w (state %s)", ErrRenegotiationGlare, st)
	}
	if err := c.setRemote(offer); err != nil {
		return signal.Description{}, err
	}
	return c.answer()
}

// AddRemoteCandidate applies cand now if a remote description is set, and
// queues it otherwise.
func (c *Controller) AddRemoteCandidate(cand signal.Candidate) error {
	init := webrtc.ICECandidateInit(cand)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.haveRemote {
		c.pending = append(c.pending, init)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// Close closes the connection. It is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.pending = nil
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		log.Printf("PEER [%s]: close: %v", signal.Short(c.sessionID), err)
	}
	c.closeRTPSubscribers()
	return nil
}

func (c *Controller) answer() (signal.Description, error) {
	ans, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return signal.Description{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(ans); err != nil {
		return signal.Description{}, fmt.Errorf("set local answer: %w", err)
	}
	return fromSDP(ans), nil
}

// setRemote applies d, then flushes queued candidates in arrival order.
func (c *Controller) setRemote(d signal.Description) error {
	if err := c.pc.SetRemoteDescription(toSDP(d)); err != nil {
		return fmt.Errorf("set remote %s: %w", d.Type, err)
	}

	c.mu.Lock()
	c.haveRemote = true
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cand := range queued {
		if err := c.pc.AddICECandidate(cand); err != nil {
			log.Printf("PEER [%s]: queued candidate rejected: %v", signal.Short(c.sessionID), err)
		}
	}
	if len(queued) > 0 {
		log.Printf("PEER [%s]: flushed %d queued candidates", signal.Short(c.sessionID), len(queued))
	}
	return nil
}

// attach adds the stream's tracks to the connection. Without tracks the
// connection still needs m-lines, so recvonly transceivers are added.
func (c *Controller) attach(stream *media.Stream) error {
	var tracks []media.Track
	if stream != nil {
		tracks = stream.Tracks()
	}
	if len(tracks) == 0 {
		c.addRecvOnlyTransceivers()
		return nil
	}
	for _, t := range tracks {
		sender, err := c.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		if err := stream.Bind(t, sender); err != nil {
			return err
		}
		go drainRTCP(sender)
	}
	return nil
}

func (c *Controller) addRecvOnlyTransceivers() {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("PEER [%s]: AddTransceiver(%s) error: %v", signal.Short(c.sessionID), kind, err)
		}
	}
}

// drainRTCP reads incoming RTCP so the interceptors (NACK, reports) run.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func toSDP(d signal.Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func fromSDP(d webrtc.SessionDescription) signal.Description {
	return signal.Description{Type: d.Type.String(), SDP: d.SDP}
}
