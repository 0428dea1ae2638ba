package call

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/signal"
)

// State is the observable phase of the endpoint.
type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	// StateEnded and StateDeclined are held briefly after a call closes so
	// observers can show the outcome; the manager then returns to idle.
	StateEnded    State = "ended"
	StateDeclined State = "declined"
)

var (
	// ErrBusy rejects a new call while another one is active or held.
	ErrBusy = errors.New("call: busy")

	// ErrNoInvite is returned by accept or decline when nothing is ringing.
	ErrNoInvite = errors.New("call: no incoming call")

	// ErrNotInCall is returned by hang-up and media toggles outside a call.
	ErrNotInCall = errors.New("call: not in a call")

	// ErrSignalingSend wraps a transport failure that aborted or ended a call.
	ErrSignalingSend = errors.New("call: signaling send failed")

	ErrInvalidTarget = errors.New("call: invalid call target")

	ErrClosed = errors.New("call: manager closed")
)

// Outcome classifies a finished call for history.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeDeclined  Outcome = "declined"
	OutcomeMissed    Outcome = "missed"
	OutcomeFailed    Outcome = "failed"
)

// Session is the one active call. ID is generated by the initiator.
type Session struct {
	ID          string          `json:"id"`
	InitiatorID string          `json:"initiator_id"`
	PeerID      string          `json:"peer_id"`
	Kind        signal.CallKind `json:"kind"`
	IsInitiator bool            `json:"is_initiator"`
	StartedAt   time.Time       `json:"started_at"`
	ConnectedAt time.Time       `json:"connected_at"`
}

// Invite describes an incoming call while it rings.
type Invite struct {
	FromUserID      string          `json:"from_user_id"`
	FromDisplayName string          `json:"from_display_name,omitempty"`
	FromAvatarURL   string          `json:"from_avatar_url,omitempty"`
	SessionID       string          `json:"session_id"`
	Kind            signal.CallKind `json:"kind"`
	ReceivedAt      time.Time       `json:"received_at"`
}

// Snapshot is what observers see. It is a copy and safe to retain.
type Snapshot struct {
	State        State    `json:"state"`
	Session      *Session `json:"session,omitempty"`
	Invite       *Invite  `json:"invite,omitempty"`
	Duration     string   `json:"duration"`
	AudioEnabled bool     `json:"audio_enabled"`
	VideoEnabled bool     `json:"video_enabled"`
	Sharing      bool     `json:"sharing"`
	Connectivity string   `json:"connectivity,omitempty"`
	RemoteTracks []string `json:"remote_tracks,omitempty"`
	EndReason    string   `json:"end_reason,omitempty"`
	LastError    string   `json:"last_error,omitempty"`

	Err error `json:"-"`
}

// PeerSession is the slice of *peer.Controller the manager drives.
type PeerSession interface {
	CreateAsInitiator(stream *media.Stream) (signal.Description, error)
	CreateAsResponder(stream *media.Stream, offer signal.Description) (signal.Description, error)
	ApplyRemoteAnswer(answer signal.Description) error
	ApplyRemoteOffer(offer signal.Description) (signal.Description, error)
	AddRemoteCandidate(c signal.Candidate) error
	Status() peer.Status
	Close() error
}

// RemoteSource is implemented by peer sessions that expose the RTP they
// receive. The manager muxes it into the feed served by RemoteMedia.
type RemoteSource interface {
	SubscribeRTP() (<-chan peer.RemotePacket, func())
}

// PeerFactory creates the peer side of a session. The manager passes the
// callbacks it needs; ICE configuration is the factory's concern.
type PeerFactory func(sessionID string, ev peer.Events) (PeerSession, error)

// ControllerFactory adapts peer.New to a PeerFactory. opts is called per
// call so ICE server changes apply to the next call.
func ControllerFactory(api *webrtc.API, opts func() peer.Options) PeerFactory {
	return func(sessionID string, ev peer.Events) (PeerSession, error) {
		c, err := peer.New(api, sessionID, opts(), ev)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Devices acquires local media for a call.
type Devices interface {
	Acquire(kind signal.CallKind) (*media.Stream, error)
}

// Recorder receives call lifecycle events, for history.
type Recorder interface {
	CallStarted(s Session)
	CallConnected(sessionID string, at time.Time)
	CallEnded(sessionID string, outcome Outcome, reason string, at time.Time)
}

type nopRecorder struct{}

func (nopRecorder) CallStarted(Session)                          {}
func (nopRecorder) CallConnected(string, time.Time)              {}
func (nopRecorder) CallEnded(string, Outcome, string, time.Time) {}

// Config holds identity and call timing.
type Config struct {
	SelfID      string
	DisplayName string
	AvatarURL   string

	// RingTimeout bounds how long calling or ringing lasts unanswered.
	RingTimeout time.Duration
	// Hold is how long ended and declined stay visible before idle.
	Hold time.Duration
	// Ringback plays the ringtone for the caller too.
	Ringback bool
	// MaxEarlyCandidates caps remote messages buffered before the peer
	// connection that should receive them exists.
	MaxEarlyCandidates int
}

const (
	DefaultRingTimeout        = 45 * time.Second
	DefaultHold               = 3 * time.Second
	DefaultMaxEarlyCandidates = 64
)

func (c Config) withDefaults() Config {
	if c.RingTimeout <= 0 {
		c.RingTimeout = DefaultRingTimeout
	}
	if c.Hold <= 0 {
		c.Hold = DefaultHold
	}
	if c.MaxEarlyCandidates <= 0 {
		c.MaxEarlyCandidates = DefaultMaxEarlyCandidates
	}
	return c
}
