package call

// Live WebM muxing of the remote tracks. Every message handed to a
// subscriber is self-contained: the init segment first, then clusters, which
// is the shape a browser MSE SourceBuffer accepts over a websocket.

import (
	"bytes"
	"encoding/binary"
	"log"
	"math"
	"strings"
	"sync"

	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"

	"github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/signal"
)

const (
	// Reorder window of the frame builders, in packets.
	videoMaxLate = 256
	audioMaxLate = 32

	// Audio further than this from its cluster's timecode cannot be
	// expressed as a SimpleBlock offset and is dropped.
	maxBlockOffsetMs = 30000

	webmSubBuffer = 64
)

// ── EBML ──────────────────────────────────────────────────────────────────

// ebmlSize encodes an element size as an EBML vint (up to 4 bytes).
func ebmlSize(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// unknownSize marks the live Segment, whose length is never known.
var unknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func element(id []byte, body ...[]byte) []byte {
	n := 0
	for _, b := range body {
		n += len(b)
	}
	out := make([]byte, 0, len(id)+4+n)
	out = append(out, id...)
	out = append(out, ebmlSize(uint64(n))...)
	for _, b := range body {
		out = append(out, b...)
	}
	return out
}

// ebmlUint is v in the fewest big-endian bytes.
func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	var b []byte
	for ; v > 0; v >>= 8 {
		b = append([]byte{byte(v)}, b...)
	}
	return b
}

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTimecodeScl  = []byte{0x2A, 0xD7, 0xB1}
	idMuxingApp    = []byte{0x4D, 0x80}
	idWritingApp   = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNumber  = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrivate = []byte{0x63, 0xA2}
	idVideo        = []byte{0xE0}
	idPixelWidth   = []byte{0xB0}
	idPixelHeight  = []byte{0xBA}
	idAudio        = []byte{0xE1}
	idSamplingFreq = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// opusHead is the OpusHead codec private data for mono 48 kHz Opus.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,                   // version
	0x01,                   // channels
	0x38, 0x01,             // pre-skip 312, LE
	0x80, 0xBB, 0x00, 0x00, // 48000 Hz, LE
	0x00, 0x00,             // output gain
	0x00,                   // mapping family
}

// trackLayout names the WebM track numbers in use; zero means absent.
type trackLayout struct {
	video, audio uint64
}

func layoutFor(video bool) trackLayout {
	if video {
		return trackLayout{video: 1, audio: 2}
	}
	return trackLayout{audio: 1}
}

// initSegment is the EBML header, the open Segment, Info and Tracks.
func initSegment(l trackLayout, width, height uint16) []byte {
	var buf bytes.Buffer
	buf.Write(element(idEBML,
		element(idEBMLVersion, ebmlUint(1)),
		element(idEBMLReadVer, ebmlUint(1)),
		element(idEBMLMaxIDLen, ebmlUint(4)),
		element(idEBMLMaxSzLen, ebmlUint(8)),
		element(idDocType, []byte("webm")),
		element(idDocTypeVer, ebmlUint(2)),
		element(idDocTypeRdVer, ebmlUint(2)),
	))
	buf.Write(idSegment)
	buf.Write(unknownSize)
	buf.Write(element(idInfo,
		element(idTimecodeScl, ebmlUint(1000000)), // 1 ms
		element(idMuxingApp, []byte("goopcall")),
		element(idWritingApp, []byte("goopcall")),
	))

	var tracks [][]byte
	if l.video != 0 {
		tracks = append(tracks, element(idTrackEntry,
			element(idTrackNumber, ebmlUint(l.video)),
			element(idTrackUID, ebmlUint(l.video)),
			element(idTrackType, ebmlUint(1)),
			element(idCodecID, []byte("V_VP8")),
			element(idVideo,
				element(idPixelWidth, ebmlUint(uint64(width))),
				element(idPixelHeight, ebmlUint(uint64(height))),
			),
		))
	}
	if l.audio != 0 {
		freq := make([]byte, 4)
		binary.BigEndian.PutUint32(freq, math.Float32bits(48000))
		tracks = append(tracks, element(idTrackEntry,
			element(idTrackNumber, ebmlUint(l.audio)),
			element(idTrackUID, ebmlUint(l.audio)),
			element(idTrackType, ebmlUint(2)),
			element(idCodecID, []byte("A_OPUS")),
			element(idCodecPrivate, opusHead),
			element(idAudio,
				element(idSamplingFreq, freq),
				element(idChannels, ebmlUint(1)),
			),
		))
	}
	buf.Write(element(idTracks, tracks...))
	return buf.Bytes()
}

func simpleBlock(track uint64, relMs int16, keyframe bool, frame []byte) []byte {
	num := ebmlSize(track)
	hdr := make([]byte, len(num)+3)
	copy(hdr, num)
	binary.BigEndian.PutUint16(hdr[len(num):], uint16(relMs))
	if keyframe {
		hdr[len(num)+2] = 0x80
	}
	return element(idSimpleBlock, hdr, frame)
}

// ── VP8 ───────────────────────────────────────────────────────────────────

func vp8Keyframe(frame []byte) bool {
	return len(frame) > 0 && frame[0]&0x01 == 0
}

// vp8Dimensions reads width and height from a keyframe header.
func vp8Dimensions(frame []byte) (uint16, uint16, bool) {
	if len(frame) < 10 || frame[3] != 0x9D || frame[4] != 0x01 || frame[5] != 0x2A {
		return 0, 0, false
	}
	w := binary.LittleEndian.Uint16(frame[6:8]) & 0x3FFF
	h := binary.LittleEndian.Uint16(frame[8:10]) & 0x3FFF
	return w, h, true
}

// ── Stream ────────────────────────────────────────────────────────────────

type audioFrame struct {
	ms   int64
	data []byte
}

// webmStream muxes one session's remote frames. In video layout a cluster
// is cut per video frame and carries the audio queued since the previous
// one; in audio layout every audio frame is its own cluster.
type webmStream struct {
	sid    string
	layout trackLayout

	mu         sync.Mutex
	initSeg    []byte
	keyCluster []byte
	videoBase  int64
	audioBase  int64
	haveVideo  bool
	haveAudio  bool
	queued     []audioFrame
	subs       map[chan []byte]struct{}
	closed     bool
}

func newWebmStream(sid string, video bool) *webmStream {
	return &webmStream{
		sid:    sid,
		layout: layoutFor(video),
		subs:   make(map[chan []byte]struct{}),
	}
}

// subscribe returns a channel of WebM messages. A subscriber joining a
// running stream first receives the init segment and the last keyframe
// cluster so its decoder starts clean.
func (w *webmStream) subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, webmSubBuffer)
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if w.initSeg != nil {
		ch <- w.initSeg
		if w.keyCluster != nil {
			ch <- w.keyCluster
		}
	}
	w.subs[ch] = struct{}{}
	n := len(w.subs)
	w.mu.Unlock()
	log.Printf("CALL [%s]: media subscriber added (total=%d)", signal.Short(w.sid), n)

	return ch, func() {
		w.mu.Lock()
		if _, ok := w.subs[ch]; ok {
			delete(w.subs, ch)
			close(ch)
		}
		w.mu.Unlock()
	}
}

// videoFrame takes one VP8 frame at its RTP time in milliseconds. Nothing
// is emitted before the first keyframe.
func (w *webmStream) videoFrame(ms int64, keyframe bool, data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.layout.video == 0 {
		return
	}
	if w.initSeg == nil {
		if !keyframe {
			return
		}
		width, height, ok := vp8Dimensions(data)
		if !ok {
			width, height = 640, 480
		}
		w.initSeg = initSegment(w.layout, width, height)
		log.Printf("CALL [%s]: media init segment, VP8 %dx%d", signal.Short(w.sid), width, height)
		w.broadcast(w.initSeg)
	}
	if !w.haveVideo {
		w.videoBase, w.haveVideo = ms, true
	}
	ts := ms - w.videoBase

	// Anchor at the earliest queued audio so audio offsets stay positive.
	start := ts
	if len(w.queued) > 0 && w.queued[0].ms < start && start-w.queued[0].ms <= maxBlockOffsetMs {
		start = w.queued[0].ms
	}
	var blocks bytes.Buffer
	for _, af := range w.queued {
		rel := af.ms - start
		if rel < -maxBlockOffsetMs || rel > maxBlockOffsetMs {
			continue
		}
		blocks.Write(simpleBlock(w.layout.audio, int16(rel), false, af.data))
	}
	w.queued = w.queued[:0]
	blocks.Write(simpleBlock(w.layout.video, int16(ts-start), keyframe, data))

	c := element(idCluster, element(idTimecode, ebmlUint(uint64(start))), blocks.Bytes())
	if keyframe {
		w.keyCluster = c
	}
	w.broadcast(c)
}

// audioFrame takes one Opus frame at its RTP time in milliseconds.
func (w *webmStream) audioFrame(ms int64, data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if !w.haveAudio {
		w.audioBase, w.haveAudio = ms, true
	}
	ts := ms - w.audioBase

	if w.layout.video != 0 {
		// Held until the next video frame cuts a cluster. Before the first
		// keyframe there is no cluster to join, so only the latest second
		// is kept.
		w.queued = append(w.queued, audioFrame{ms: ts, data: data})
		if w.initSeg == nil && len(w.queued) > 50 {
			w.queued = w.queued[len(w.queued)-50:]
		}
		return
	}

	if w.initSeg == nil {
		w.initSeg = initSegment(w.layout, 0, 0)
		log.Printf("CALL [%s]: media init segment, Opus only", signal.Short(w.sid))
		w.broadcast(w.initSeg)
	}
	c := element(idCluster, element(idTimecode, ebmlUint(uint64(ts))), simpleBlock(w.layout.audio, 0, true, data))
	w.keyCluster = c
	w.broadcast(c)
}

// close ends every subscription. It is idempotent.
func (w *webmStream) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for ch := range w.subs {
		close(ch)
	}
	w.subs = nil
}

// broadcast drops the message for subscribers that are behind. Callers
// hold w.mu.
func (w *webmStream) broadcast(msg []byte) {
	for ch := range w.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// feedWebM depacketizes src into w until src is closed, then closes w.
func feedWebM(src <-chan peer.RemotePacket, w *webmStream) {
	defer w.close()

	video := samplebuilder.New(videoMaxLate, &codecs.VP8Packet{}, 90000)
	audio := samplebuilder.New(audioMaxLate, &codecs.OpusPacket{}, 48000)

	for p := range src {
		switch {
		case p.Kind == webrtc.RTPCodecTypeVideo && strings.EqualFold(p.Codec, webrtc.MimeTypeVP8):
			video.Push(p.Packet)
			for s := video.Pop(); s != nil; s = video.Pop() {
				w.videoFrame(int64(s.PacketTimestamp)/90, vp8Keyframe(s.Data), s.Data)
			}
		case p.Kind == webrtc.RTPCodecTypeAudio && strings.EqualFold(p.Codec, webrtc.MimeTypeOpus):
			audio.Push(p.Packet)
			for s := audio.Pop(); s != nil; s = audio.Pop() {
				w.audioFrame(int64(s.PacketTimestamp)/48, s.Data)
			}
		}
	}
}
