package proto

import (
	"time"

	"github.com/petervdpas/goopcall/internal/signal"
)

const (
	MdnsTag = "goopcall-mdns"

	// libp2p stream protocol ID for direct signaling (one message per stream)
	SignalProtoID = "/goopcall/signal/1.0.0"

	// websocket endpoints served by the rendezvous server
	RelayPath   = "/ws/relay"
	MailboxPath = "/ws/mailbox"
)

// Frame operations on the rendezvous websocket endpoints.
const (
	OpSend  = "send"  // client -> server: deliver Msg to To
	OpAck   = "ack"   // server -> client: result of a send; client -> server: record Seq consumed
	OpMsg   = "msg"   // server -> client: inbound message
	OpError = "error" // server -> client: protocol error
)

// Frame is the JSON envelope on /ws/relay and /ws/mailbox.
type Frame struct {
	Op    string          `json:"op"`
	ID    string          `json:"id,omitempty"`
	To    string          `json:"to,omitempty"`
	Seq   int64           `json:"seq,omitempty"`
	Msg   *signal.Message `json:"msg,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
}

// Error codes carried in ack frames.
const (
	CodeUnavailable = "unavailable"
	CodeInvalid     = "invalid"
	CodeInternal    = "internal"
)

// SignalAck is written back on a p2p signal stream once the message is read.
type SignalAck struct {
	ID string `json:"id"`
	TS int64  `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
