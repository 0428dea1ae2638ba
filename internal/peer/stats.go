package peer

import (
	"errors"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/signal"
)

// TrackStats counts what was received on one remote track.
type TrackStats struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Codec    string    `json:"codec"`
	SSRC     uint32    `json:"ssrc"`
	Packets  uint64    `json:"packets"`
	Bytes    uint64    `json:"bytes"`
	LastSeq  uint16    `json:"last_seq"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// Status is a point-in-time view of the connection for diagnostics.
type Status struct {
	Connection        string       `json:"connection"`
	Signaling         string       `json:"signaling"`
	ICEGathering      string       `json:"ice_gathering"`
	PendingCandidates int          `json:"pending_candidates"`
	Tracks            []TrackStats `json:"tracks"`
}

type trackStats struct {
	mu sync.Mutex
	TrackStats
}

// Status snapshots connection state and per-track counters.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		Connection:        c.pc.ConnectionState().String(),
		Signaling:         c.pc.SignalingState().String(),
		ICEGathering:      c.pc.ICEGatheringState().String(),
		PendingCandidates: len(c.pending),
	}
	for _, ts := range c.stats {
		ts.mu.Lock()
		st.Tracks = append(st.Tracks, ts.TrackStats)
		ts.mu.Unlock()
	}
	c.mu.Unlock()

	sort.Slice(st.Tracks, func(i, j int) bool { return st.Tracks[i].ID < st.Tracks[j].ID })
	return st
}

// watchTrack reads RTP from tr until it ends. Video tracks get a PLI up
// front so the sender emits a keyframe without waiting for its interval,
// and again whenever the SSRC changes under the same track.
func (c *Controller) watchTrack(tr *webrtc.TrackRemote) {
	ts := &trackStats{TrackStats: TrackStats{
		ID:    tr.ID(),
		Kind:  tr.Kind().String(),
		Codec: tr.Codec().MimeType,
		SSRC:  uint32(tr.SSRC()),
	}}
	c.mu.Lock()
	c.stats[tr.ID()] = ts
	c.mu.Unlock()

	video := tr.Kind() == webrtc.RTPCodecTypeVideo
	if video {
		c.requestKeyframe(uint32(tr.SSRC()))
	}

	go func() {
		buf := make([]byte, 1500)
		pkt := &rtp.Packet{}
		for {
			n, _, err := tr.Read(buf)
			if err != nil {
				if !errors.Is(err, io.EOF) && c.live() {
					log.Printf("PEER [%s]: read %s: %v", signal.Short(c.sessionID), tr.ID(), err)
				}
				return
			}
			if err := pkt.Unmarshal(buf[:n]); err != nil {
				continue
			}
			ts.mu.Lock()
			changed := ts.Packets > 0 && ts.SSRC != pkt.SSRC
			ts.SSRC = pkt.SSRC
			ts.Packets++
			ts.Bytes += uint64(len(pkt.Payload))
			ts.LastSeq = pkt.SequenceNumber
			ts.LastSeen = time.Now()
			ts.mu.Unlock()
			if video && changed {
				c.requestKeyframe(pkt.SSRC)
			}
			if c.hasRTPSubscribers() {
				c.publishRTP(RemotePacket{Kind: tr.Kind(), Codec: tr.Codec().MimeType, Packet: pkt.Clone()})
			}
		}
	}()
}

func (c *Controller) requestKeyframe(ssrc uint32) {
	if !c.live() {
		return
	}
	if err := c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
		log.Printf("PEER [%s]: PLI: %v", signal.Short(c.sessionID), err)
	}
}
