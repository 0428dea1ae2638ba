package call

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/signal"
)

var bg = context.Background()

// connect runs a full call from x to y and returns the session ID.
func connect(t *testing.T, x, y *endpoint, kind signal.CallKind) string {
	t.Helper()
	sid, err := x.m.StartCall(bg, y.id, kind)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitState(t, y, StateRinging)
	if err := y.m.AcceptCall(bg); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	waitState(t, y, StateConnected)
	waitState(t, x, StateConnected)
	return sid
}

func TestVideoCallConnects(t *testing.T) {
	hub := relay.NewHub()
	clk := clock.NewMock()
	x := newEndpoint(t, hub, clk, "x")
	y := newEndpoint(t, hub, clk, "y")

	sid, err := x.m.StartCall(bg, "y", signal.CallVideo)
	if err != nil {
		t.Fatal(err)
	}
	if got := x.m.Snapshot(); got.State != StateCalling && got.State != StateConnected {
		t.Fatalf("caller state = %s", got.State)
	}

	snap := waitState(t, y, StateRinging)
	if snap.Invite == nil || snap.Invite.FromUserID != "x" || snap.Invite.SessionID != sid {
		t.Fatalf("invite = %+v", snap.Invite)
	}
	if snap.Invite.FromDisplayName != "User x" || snap.Invite.Kind != signal.CallVideo {
		t.Fatalf("invite metadata = %+v", snap.Invite)
	}
	if !y.ring.Playing() {
		t.Fatal("callee ringtone not playing")
	}
	if y.peers.count() != 0 || y.capture.Opened() != 0 {
		t.Fatal("callee allocated media before accepting")
	}

	if err := y.m.AcceptCall(bg); err != nil {
		t.Fatal(err)
	}
	if y.ring.Playing() {
		t.Fatal("ringtone still playing after accept")
	}
	ys := waitState(t, y, StateConnected)
	xs := waitState(t, x, StateConnected)
	if xs.Duration != "00:00" || ys.Duration != "00:00" {
		t.Fatalf("durations = %s / %s, want 00:00", xs.Duration, ys.Duration)
	}
	if ys.Invite != nil {
		t.Fatal("invite kept after connect")
	}
	if !xs.AudioEnabled || !xs.VideoEnabled {
		t.Fatalf("caller media flags = %+v", xs)
	}

	// Each side's local candidate reaches the other's peer.
	waitFor(t, "caller candidate applied on callee", func() bool { return y.peers.last(t).appliedCount() >= 1 })
	waitFor(t, "callee candidate applied on caller", func() bool { return x.peers.last(t).appliedCount() >= 1 })

	clk.Add(2 * time.Second)
	waitFor(t, "duration 00:02", func() bool { return x.m.Snapshot().Duration == "00:02" })

	if err := x.m.EndCall(bg); err != nil {
		t.Fatal(err)
	}
	waitState(t, x, StateEnded)
	ye := waitState(t, y, StateEnded)
	if ye.EndReason != signal.ReasonHangup {
		t.Fatalf("callee end reason = %q", ye.EndReason)
	}
	if ye.Duration != "00:00" {
		t.Fatalf("duration after end = %s, want 00:00", ye.Duration)
	}
	if x.capture.Live() != 0 || y.capture.Live() != 0 {
		t.Fatal("media not released after call")
	}
	if x.peers.last(t).closeCount() != 1 {
		t.Fatalf("caller peer closed %d times", x.peers.last(t).closeCount())
	}

	if _, err := x.m.StartCall(bg, "y", signal.CallVoice); !errors.Is(err, ErrBusy) {
		t.Fatalf("StartCall during hold: %v, want ErrBusy", err)
	}

	clk.Add(DefaultHold)
	waitState(t, x, StateIdle)
	waitState(t, y, StateIdle)
	if o, _ := x.rec.outcome(sid); o != OutcomeCompleted {
		t.Fatalf("caller outcome = %q", o)
	}
}

func TestSecondOfferIsDeclinedBusy(t *testing.T) {
	hub := relay.NewHub()
	clk := clock.NewMock()
	x := newEndpoint(t, hub, clk, "x")
	y := newEndpoint(t, hub, clk, "y")
	z := newBare(t, hub, "z")

	sid, err := x.m.StartCall(bg, "y", signal.CallVideo)
	if err != nil {
		t.Fatal(err)
	}
	waitState(t, y, StateRinging)

	z.send(t, "y", signal.NewOffer("sess-z", "z", signal.Offer{
		Description: signal.Description{Type: "offer", SDP: "v=0"},
		CallKind:    signal.CallVoice,
	}))
	dec := z.await(t, signal.KindDecline)
	if dec.SessionID != "sess-z" || dec.Reason != signal.ReasonBusy {
		t.Fatalf("decline = %+v", dec)
	}

	snap := y.m.Snapshot()
	if snap.State != StateRinging || snap.Invite == nil || snap.Invite.SessionID != sid {
		t.Fatalf("callee changed state: %+v", snap)
	}
}

func TestMediaUnavailableAbortsWithoutOffer(t *testing.T) {
	hub := relay.NewHub()
	clk := clock.NewMock()
	x := newEndpoint(t, hub, clk, "x")
	y := newBare(t, hub, "y")
	x.capture.FailUserMedia(errors.New("no camera"))

	sid, err := x.m.StartCall(bg, "y", signal.CallVideo)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	snap := waitState(t, x, StateIdle)
	if !errors.Is(snap.Err, media.ErrMediaUnavailable) {
		t.Fatalf("err = %v, want ErrMediaUnavailable", snap.Err)
	}
	if x.peers.count() != 0 {
		t.Fatal("peer created despite media failure")
	}
	y.quiet(t, 100*time.Millisecond)
	if o, _ := x.rec.outcome(sid); o != OutcomeFailed {
		t.Fatalf("outcome = %q", o)
	}
}

func TestScreenShareEndsExternally(t *testing.T) {
	hub := relay.NewHub()
	clk := clock.NewMock()
	x := newEndpoint(t, hub, clk, "x")
	y := newEndpoint(t, hub, clk, "y")
	connect(t, x, y, signal.CallVideo)

	video := x.peers.last(t).sender(webrtc.RTPCodecTypeVideo)
	camera := video.Current()

	on, err := x.m.ToggleScreenShare(bg)
	if err != nil || !on {
		t.Fatalf("ToggleScreenShare = %v, %v", on, err)
	}
	waitFor(t, "sharing snapshot", func() bool { return x.m.Snapshot().Sharing })
	screen := x.capture.LastScreen()
	if video.Current() != webrtc.TrackLocal(screen) {
		t.Fatal("screen not on the video sender")
	}

	screen.End(errors.New("permission revoked"))
	waitFor(t, "sharing cleared", func() bool { return !x.m.Snapshot().Sharing })
	if video.Current() != camera {
		t.Fatal("camera not restored")
	}
	if st := x.m.Snapshot().State; st != StateConnected {
		t.Fatalf("state = %s, want connected", st)
	}
}

func TestDeclineNeverAllocatesCallee(t *testing.T) {
	hub := relay.NewHub()
	clk := clock.NewMock()
	x := newEndpoint(t, hub, clk, "x")
	y := newEndpoint(t, hub, clk, "y")

	sid, err := x.m.StartCall(bg, "y", signal.CallVideo)
	if err != nil {
		t.Fatal(err)
	}
	waitState(t, y, StateRinging)
	if err := y.m.DeclineCall(bg); err != nil {
		t.Fatal(err)
	}
	if y.ring.Playing() {
		t.Fatal("ringtone playing after decline")
	}
	if st := y.m.Snapshot().State; st != StateIdle {
		t.Fatalf("callee state = %s, want idle", st)
	}

	xs := waitState(t, x, StateDeclined)
	if xs.EndReason != signal.ReasonDeclined {
		t.Fatalf("reason = %q", xs.EndReason)
	}
	clk.Add(DefaultHold)
	waitState(t, x, StateIdle)

	if y.capture.Opened() != 0 || y.peers.count() != 0 {
		t.Fatal("callee allocated media or peer")
	}
	if x.capture.Live() != 0 {
		t.Fatal("caller media not released")
	}
	if o, _ := y.rec.outcome(sid); o != OutcomeDeclined {
		t.Fatalf("callee outcome = %q", o)
	}
	if err := y.m.DeclineCall(bg); !errors.Is(err, ErrNoInvite) {
		t.Fatalf("second decline: %v, want ErrNoInvite", err)
	}
}

func TestCallerCancelStopsRingtone(t *testing.T) {
	hub := relay.NewHub()
	clk := clock.NewMock()
	x := newEndpoint(t, hub, clk, "x")
	y := newEndpoint(t, hub, clk, "y")

	if _, err := x.m.StartCall(bg, "y", signal.CallVoice); err != nil {
		t.Fatal(err)
	}
	waitState(t, y, StateRinging)
	if err := x.m.EndCall(bg); err != nil {
		t.Fatal(err)
	}
	snap := waitState(t, y, StateIdle)
	if snap.Invite != nil {
		t.Fatal("invite not discarded")
	}
	if y.ring.Playing() {
		t.Fatal("ringtone playing after caller cancel")
	}
}

func TestRingTimeouts(t *testing.T) {
	t.Run("callee declines unanswered call", func(t *testing.T) {
		hub := relay.NewHub()
		clk := clock.NewMock()
		x := newEndpoint(t, hub, clk, "x")
		y := newEndpoint(t, hub, clk, "y", withRingTimeout(10*time.Second))

		if _, err := x.m.StartCall(bg, "y", signal.CallVoice); err != nil {
			t.Fatal(err)
		}
		waitState(t, y, StateRinging)
		clk.Add(10 * time.Second)

		waitState(t, y, StateIdle)
		if y.ring.Playing() {
			t.Fatal("ringtone playing after timeout")
		}
		xs := waitState(t, x, StateDeclined)
		if xs.EndReason != signal.ReasonTimeout {
			t.Fatalf("reason = %q, want timeout", xs.EndReason)
		}
	})

	t.Run("caller gives up", func(t *testing.T) {
		hub := relay.NewHub()
		clk := clock.NewMock()
		x := newEndpoint(t, hub, clk, "x")
		y := newBare(t, hub, "y")

		sid, err := x.m.StartCall(bg, "y", signal.CallVoice)
		if err != nil {
			t.Fatal(err)
		}
		y.await(t, signal.KindOffer)
		clk.Add(DefaultRingTimeout)

		end := y.await(t, signal.KindEnd)
		if end.SessionID != sid || end.Reason != signal.ReasonTimeout {
			t.Fatalf("end = %+v", end)
		}
		waitState(t, x, StateEnded)
		clk.Add(DefaultHold)
		waitState(t, x, StateIdle)
	})
}

func TestGlareDeclinesBoth(t *testing.T) {
	hub := relay.NewHub()
	clk := clock.NewMock()
	gate := make(chan struct{})
	gated := withDevices(func(d Devices) Devices { return &gatedDevices{inner: d, release: gate} })
	x := newEndpoint(t, hub, clk, "x", gated)
	y := newEndpoint(t, hub, clk, "y", gated)

	if _, err := x.m.StartCall(bg, "y", signal.CallVoice); err != nil {
		t.Fatal(err)
	}
	if _, err := y.m.StartCall(bg, "x", signal.CallVoice); err != nil {
		t.Fatal(err)
	}
	close(gate)

	xs := waitState(t, x, StateDeclined)
	ys := waitState(t, y, StateDeclined)
	if xs.EndReason != signal.ReasonBusy || ys.EndReason != signal.ReasonBusy {
		t.Fatalf("reasons = %q / %q, want busy", xs.EndReason, ys.EndReason)
	}
	waitFor(t, "media released", func() bool { return x.capture.Live() == 0 && y.capture.Live() == 0 })
}

func TestCandidateBeforeOfferIsApplied(t *testing.T) {
	hub := relay.NewHub()
	clk := clock.NewMock()
	x := newBare(t, hub, "x")
	y := newEndpoint(t, hub, clk, "y")

	const sid = "sess-early"
	x.send(t, "y", signal.NewCandidate(sid, "x", signal.Candidate{Candidate: "candidate:early"}))
	x.send(t, "y", signal.NewOffer(sid, "x", signal.Offer{
		Description: signal.Description{Type: "offer", SDP: "v=0"},
		CallKind:    signal.CallVoice,
	}))
	waitState(t, y, StateRinging)
	x.send(t, "y", signal.NewCandidate(sid, "x", signal.Candidate{Candidate: "candidate:late"}))

	if err := y.m.AcceptCall(bg); err != nil {
		t.Fatal(err)
	}
	x.await(t, signal.KindAnswer)
	waitFor(t, "both candidates applied", func() bool { return y.peers.last(t).appliedCount() == 2 })
}

func TestCandidatesDuringHoldAreDropped(t *testing.T) {
	hub := relay.NewHub()
	clk := clock.NewMock()
	x := newEndpoint(t, hub, clk, "x")
	y := newBare(t, hub, "y")

	sid, err := x.m.StartCall(bg, "y", signal.CallVoice)
	if err != nil {
		t.Fatal(err)
	}
	y.await(t, signal.KindOffer)
	y.send(t, "x", signal.NewDecline(sid, "y", signal.ReasonDeclined))
	waitState(t, x, StateDeclined)

	// Late candidates for the finished session, then an offer that x must
	// refuse while holding. The busy decline orders the check after them.
	for i := 0; i < 3; i++ {
		y.send(t, "x", signal.NewCandidate(sid, "y", signal.Candidate{Candidate: fmt.Sprintf("candidate:late%d", i)}))
	}
	y.send(t, "x", signal.NewOffer("sess-other", "y", signal.Offer{
		Description: signal.Description{Type: "offer", SDP: "v=0"},
		CallKind:    signal.CallVoice,
	}))
	if dec := y.await(t, signal.KindDecline); dec.Reason != signal.ReasonBusy {
		t.Fatalf("decline reason = %q, want busy", dec.Reason)
	}

	var early, orphaned int
	inspect(t, x.m, func() { early, orphaned = len(x.m.early), x.m.orphans.len() })
	if early != 0 || orphaned != 0 {
		t.Fatalf("during hold: early=%d orphans=%d", early, orphaned)
	}

	clk.Add(DefaultHold)
	waitState(t, x, StateIdle)

	sid2, err := x.m.StartCall(bg, "y", signal.CallVoice)
	if err != nil {
		t.Fatal(err)
	}
	if off := y.await(t, signal.KindOffer); off.SessionID != sid2 {
		t.Fatalf("offer for %s, want %s", off.SessionID, sid2)
	}
	y.send(t, "x", signal.NewAnswer(sid2, "y", signal.Description{Type: "answer", SDP: "v=0"}))
	waitState(t, x, StateConnected)

	inspect(t, x.m, func() { early, orphaned = len(x.m.early), x.m.orphans.len() })
	if early != 0 || orphaned != 0 {
		t.Fatalf("after new call: early=%d orphans=%d", early, orphaned)
	}
	if n := x.peers.last(t).appliedCount(); n != 0 {
		t.Fatalf("new peer got %d stale candidates", n)
	}
}

func TestLocalCandidatesFollowOffer(t *testing.T) {
	hub := relay.NewHub()
	clk := clock.NewMock()
	x := newEndpoint(t, hub, clk, "x")
	y := newBare(t, hub, "y")

	sid, err := x.m.StartCall(bg, "y", signal.CallVoice)
	if err != nil {
		t.Fatal(err)
	}
	first := y.next(t)
	if first.Kind != signal.KindOffer || first.SessionID != sid || first.SenderID != "x" {
		t.Fatalf("first message = %s %s", first.Kind, first.SessionID)
	}
	if first.Offer.DisplayName != "User x" {
		t.Fatalf("offer display name = %q", first.Offer.DisplayName)
	}
	if second := y.next(t); second.Kind != signal.KindCandidate {
		t.Fatalf("second message = %s, want candidate", second.Kind)
	}
}

func TestStaleAndUnexpectedMessages(t *testing.T) {
	hub := relay.NewHub()
	clk := clock.NewMock()
	x := newEndpoint(t, hub, clk, "x")
	y := newBare(t, hub, "y")
	z := newBare(t, hub, "z")

	sid, err := x.m.StartCall(bg, "y", signal.CallVoice)
	if err != nil {
		t.Fatal(err)
	}
	y.await(t, signal.KindOffer)

	// An end for the right session from the wrong user changes nothing.
	z.send(t, "x", signal.NewEnd(sid, "z", signal.ReasonHangup))

	answer := signal.Description{Type: "answer", SDP: "v=0"}
	y.send(t, "x", signal.NewAnswer(sid, "y", answer))
	waitState(t, x, StateConnected)

	// Duplicate answer: ignored by the peer guard, call stays up.
	y.send(t, "x", signal.NewAnswer(sid, "y", answer))
	// Renegotiation: answered in place.
	y.send(t, "x", signal.NewOffer(sid, "y", signal.Offer{
		Description: signal.Description{Type: "offer", SDP: "v=0 second"},
		CallKind:    signal.CallVoice,
		Renegotiate: true,
	}))
	re := y.await(t, signal.KindAnswer)
	if re.SessionID != sid || re.Answer.SDP == "" {
		t.Fatalf("renegotiation answer = %+v", re)
	}
	if st := x.m.Snapshot().State; st != StateConnected {
		t.Fatalf("state = %s, want connected", st)
	}

	// Decline for an older session is ignored.
	y.send(t, "x", signal.NewDecline("sess-old", "y", signal.ReasonBusy))
	time.Sleep(20 * time.Millisecond)
	if st := x.m.Snapshot().State; st != StateConnected {
		t.Fatalf("state after stale decline = %s", st)
	}
}

func TestConnectivityFailureTeardownIsIdempotent(t *testing.T) {
	hub := relay.NewHub()
	clk := clock.NewMock()
	x := newEndpoint(t, hub, clk, "x")
	y := newEndpoint(t, hub, clk, "y")
	connect(t, x, y, signal.CallVoice)

	p := x.peers.last(t)
	p.ev.ConnectivityChange(webrtc.PeerConnectionStateFailed)
	snap := waitState(t, x, StateEnded)
	if snap.EndReason != signal.ReasonFailed {
		t.Fatalf("reason = %q", snap.EndReason)
	}

	// A late closed event and a hang-up after the fact are both harmless.
	p.ev.ConnectivityChange(webrtc.PeerConnectionStateClosed)
	if err := x.m.EndCall(bg); !errors.Is(err, ErrNotInCall) {
		t.Fatalf("EndCall after teardown: %v, want ErrNotInCall", err)
	}
	if p.closeCount() != 1 {
		t.Fatalf("peer closed %d times", p.closeCount())
	}
	clk.Add(DefaultHold)
	waitState(t, x, StateIdle)
	if x.capture.Live() != 0 {
		t.Fatal("media not released")
	}
}

func TestOfferSendFailureAbortsCall(t *testing.T) {
	hub := relay.NewHub()
	clk := clock.NewMock()
	x := newEndpoint(t, hub, clk, "x")

	if _, err := x.m.StartCall(bg, "ghost", signal.CallVoice); err != nil {
		t.Fatal(err)
	}
	snap := waitState(t, x, StateIdle)
	if !errors.Is(snap.Err, ErrSignalingSend) || !errors.Is(snap.Err, signal.ErrPeerUnavailable) {
		t.Fatalf("err = %v", snap.Err)
	}
	waitFor(t, "media released", func() bool { return x.capture.Live() == 0 })
}

func TestCommandsValidateState(t *testing.T) {
	hub := relay.NewHub()
	clk := clock.NewMock()
	x := newEndpoint(t, hub, clk, "x")
	newBare(t, hub, "y")

	if err := x.m.AcceptCall(bg); !errors.Is(err, ErrNoInvite) {
		t.Fatalf("AcceptCall idle: %v", err)
	}
	if err := x.m.EndCall(bg); !errors.Is(err, ErrNotInCall) {
		t.Fatalf("EndCall idle: %v", err)
	}
	if _, err := x.m.ToggleAudio(bg); !errors.Is(err, ErrNotInCall) {
		t.Fatalf("ToggleAudio idle: %v", err)
	}
	if _, err := x.m.StartCall(bg, "x", signal.CallVoice); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("call self: %v", err)
	}
	if _, err := x.m.StartCall(bg, "y", "hologram"); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("bad kind: %v", err)
	}

	if _, err := x.m.StartCall(bg, "y", signal.CallVoice); err != nil {
		t.Fatal(err)
	}
	if _, err := x.m.StartCall(bg, "y", signal.CallVoice); !errors.Is(err, ErrBusy) {
		t.Fatalf("second StartCall: %v, want ErrBusy", err)
	}
}

func TestToggles(t *testing.T) {
	hub := relay.NewHub()
	clk := clock.NewMock()
	x := newEndpoint(t, hub, clk, "x")
	y := newEndpoint(t, hub, clk, "y")
	connect(t, x, y, signal.CallVoice)

	on, err := x.m.ToggleAudio(bg)
	if err != nil || on {
		t.Fatalf("ToggleAudio = %v, %v; want muted", on, err)
	}
	waitFor(t, "audio flag", func() bool { return !x.m.Snapshot().AudioEnabled })
	if x.peers.last(t).sender(webrtc.RTPCodecTypeAudio).Current() != nil {
		t.Fatal("muted sender still carries a track")
	}
	if on, _ := x.m.ToggleAudio(bg); !on {
		t.Fatal("second toggle should unmute")
	}
	if _, err := x.m.ToggleVideo(bg); !errors.Is(err, media.ErrNoVideoSender) {
		t.Fatalf("ToggleVideo on voice call: %v", err)
	}
	if _, err := x.m.ToggleScreenShare(bg); !errors.Is(err, media.ErrNoVideoSender) {
		t.Fatalf("ToggleScreenShare on voice call: %v", err)
	}
}

func TestSubscribeAndPeerStatus(t *testing.T) {
	hub := relay.NewHub()
	clk := clock.NewMock()
	x := newEndpoint(t, hub, clk, "x")
	y := newEndpoint(t, hub, clk, "y")

	ch, cancel := y.m.Subscribe()
	defer cancel()
	if first := <-ch; first.State != StateIdle {
		t.Fatalf("first snapshot = %s", first.State)
	}

	if st, err := x.m.PeerStatus(bg); err != nil || st != nil {
		t.Fatalf("PeerStatus idle = %v, %v", st, err)
	}

	connect(t, x, y, signal.CallVoice)
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-ch:
			if s.State == StateConnected {
				st, err := y.m.PeerStatus(bg)
				if err != nil || st == nil || st.Connection != "fake" {
					t.Fatalf("PeerStatus = %+v, %v", st, err)
				}
				return
			}
		case <-deadline:
			t.Fatal("no connected snapshot")
		}
	}
}

func TestCloseHangsUp(t *testing.T) {
	hub := relay.NewHub()
	clk := clock.NewMock()
	x := newEndpoint(t, hub, clk, "x")
	y := newBare(t, hub, "y")

	sid, err := x.m.StartCall(bg, "y", signal.CallVoice)
	if err != nil {
		t.Fatal(err)
	}
	y.await(t, signal.KindOffer)
	x.m.Close()
	x.m.Close()

	end := y.await(t, signal.KindEnd)
	if end.SessionID != sid {
		t.Fatalf("end for %s, want %s", end.SessionID, sid)
	}
	if _, err := x.m.StartCall(bg, "y", signal.CallVoice); !errors.Is(err, ErrClosed) {
		t.Fatalf("StartCall after close: %v, want ErrClosed", err)
	}
	if x.capture.Live() != 0 {
		t.Fatal("media not released on close")
	}
}

func TestOrphanBuffer(t *testing.T) {
	now := time.Unix(1000, 0)
	o := newOrphans(3, 10*time.Second)
	for i := 0; i < 5; i++ {
		o.add(signal.NewCandidate("s1", "x", signal.Candidate{Candidate: "c"}), now)
	}
	if o.len() != 3 {
		t.Fatalf("len = %d, want cap 3", o.len())
	}
	if got := o.take("s1", "mallory", now); len(got) != 0 {
		t.Fatalf("took %d from wrong sender", len(got))
	}
	if o.len() != 0 {
		t.Fatal("take should drop the session either way")
	}

	o.add(signal.NewCandidate("s2", "x", signal.Candidate{Candidate: "c"}), now)
	if got := o.take("s2", "x", now.Add(11*time.Second)); len(got) != 0 {
		t.Fatal("expired candidates returned")
	}

	o.add(signal.NewCandidate("s3", "x", signal.Candidate{Candidate: "c"}), now)
	if got := o.take("s3", "x", now.Add(time.Second)); len(got) != 1 {
		t.Fatalf("took %d, want 1", len(got))
	}
}
