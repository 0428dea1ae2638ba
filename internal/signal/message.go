// Package signal defines the signaling messages exchanged between two call
// endpoints and the transport contract every realization implements.
package signal

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the variant carried by a Message.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
	KindEnd       Kind = "end"
	KindDecline   Kind = "decline"
)

// CallKind is the media profile of a call.
type CallKind string

const (
	CallVoice CallKind = "voice"
	CallVideo CallKind = "video"
)

// Valid reports whether k is a known call kind.
func (k CallKind) Valid() bool { return k == CallVoice || k == CallVideo }

// Reasons attached to end and decline messages.
const (
	ReasonHangup           = "hangup"
	ReasonDeclined         = "declined"
	ReasonBusy             = "busy"
	ReasonTimeout          = "timeout"
	ReasonMediaUnavailable = "media-unavailable"
	ReasonFailed           = "failed"
)

// Description is an SDP blob with its type ("offer" or "answer").
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Offer is the payload of an offer message. Display metadata is taken from
// the caller's identity and shown on the callee's invite.
type Offer struct {
	Description
	CallKind    CallKind `json:"call_kind"`
	DisplayName string   `json:"display_name,omitempty"`
	AvatarURL   string   `json:"avatar_url,omitempty"`
	Renegotiate bool     `json:"renegotiate,omitempty"`
}

// Candidate mirrors the browser RTCIceCandidateInit shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Message is the unit exchanged over a Transport. Exactly one payload field
// matching Kind is set; end and decline carry only an optional Reason.
type Message struct {
	Kind      Kind      `json:"kind"`
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	SenderID  string    `json:"sender_id"`
	SentAt    time.Time `json:"sent_at"`

	Offer     *Offer       `json:"offer,omitempty"`
	Answer    *Description `json:"answer,omitempty"`
	Candidate *Candidate   `json:"candidate,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

var ErrInvalidMessage = errors.New("signal: invalid message")

func newMessage(kind Kind, sessionID, senderID string) Message {
	return Message{
		Kind:      kind,
		ID:        uuid.NewString(),
		SessionID: sessionID,
		SenderID:  senderID,
		SentAt:    time.Now().UTC(),
	}
}

func NewOffer(sessionID, senderID string, offer Offer) Message {
	m := newMessage(KindOffer, sessionID, senderID)
	m.Offer = &offer
	return m
}

func NewAnswer(sessionID, senderID string, answer Description) Message {
	m := newMessage(KindAnswer, sessionID, senderID)
	m.Answer = &answer
	return m
}

func NewCandidate(sessionID, senderID string, c Candidate) Message {
	m := newMessage(KindCandidate, sessionID, senderID)
	m.Candidate = &c
	return m
}

func NewEnd(sessionID, senderID, reason string) Message {
	m := newMessage(KindEnd, sessionID, senderID)
	m.Reason = reason
	return m
}

func NewDecline(sessionID, senderID, reason string) Message {
	m := newMessage(KindDecline, sessionID, senderID)
	m.Reason = reason
	return m
}

// Validate checks that the message is well formed for its kind.
func (m Message) Validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidMessage)
	}
	if m.SenderID == "" {
		return fmt.Errorf("%w: missing sender_id", ErrInvalidMessage)
	}
	switch m.Kind {
	case KindOffer:
		if m.Offer == nil || m.Offer.SDP == "" {
			return fmt.Errorf("%w: offer without sdp", ErrInvalidMessage)
		}
		if !m.Offer.CallKind.Valid() {
			return fmt.Errorf("%w: offer call_kind %q", ErrInvalidMessage, m.Offer.CallKind)
		}
		if m.Answer != nil || m.Candidate != nil {
			return fmt.Errorf("%w: offer carries extra payload", ErrInvalidMessage)
		}
	case KindAnswer:
		if m.Answer == nil || m.Answer.SDP == "" {
			return fmt.Errorf("%w: answer without sdp", ErrInvalidMessage)
		}
		if m.Offer != nil || m.Candidate != nil {
			return fmt.Errorf("%w: answer carries extra payload", ErrInvalidMessage)
		}
	case KindCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: ice-candidate without candidate", ErrInvalidMessage)
		}
		if m.Offer != nil || m.Answer != nil {
			return fmt.Errorf("%w: ice-candidate carries extra payload", ErrInvalidMessage)
		}
	case KindEnd, KindDecline:
		if m.Offer != nil || m.Answer != nil || m.Candidate != nil {
			return fmt.Errorf("%w: %s carries payload", ErrInvalidMessage, m.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	return nil
}

// Short returns the first eight characters of an identifier for log lines.
func Short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
