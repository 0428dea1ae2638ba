package peer

import (
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// remoteBuffer is the per-subscriber packet backlog. A subscriber that
// falls further behind loses packets rather than stalling the track.
const remoteBuffer = 512

// RemotePacket is one RTP packet received on a remote track.
type RemotePacket struct {
	Kind   webrtc.RTPCodecType
	Codec  string
	Packet *rtp.Packet
}

// SubscribeRTP returns the packets of every remote track, starting with the
// next one read. The channel is closed by cancel or when the controller
// closes.
func (c *Controller) SubscribeRTP() (<-chan RemotePacket, func()) {
	ch := make(chan RemotePacket, remoteBuffer)

	c.rtpMu.Lock()
	if c.rtpClosed {
		c.rtpMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.rtpSubs[ch] = struct{}{}
	c.rtpMu.Unlock()

	return ch, func() {
		c.rtpMu.Lock()
		if _, ok := c.rtpSubs[ch]; ok {
			delete(c.rtpSubs, ch)
			close(ch)
		}
		c.rtpMu.Unlock()
	}
}

func (c *Controller) hasRTPSubscribers() bool {
	c.rtpMu.Lock()
	defer c.rtpMu.Unlock()
	return len(c.rtpSubs) > 0
}

func (c *Controller) publishRTP(p RemotePacket) {
	c.rtpMu.Lock()
	defer c.rtpMu.Unlock()
	for ch := range c.rtpSubs {
		select {
		case ch <- p:
		default:
		}
	}
}

func (c *Controller) closeRTPSubscribers() {
	c.rtpMu.Lock()
	defer c.rtpMu.Unlock()
	c.rtpClosed = true
	for ch := range c.rtpSubs {
		close(ch)
	}
	c.rtpSubs = nil
}
