package call

import (
	"errors"
	"fmt"
	"log"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/signal"
)

// handleMessage dispatches one inbound signaling message.
func (m *Manager) handleMessage(msg signal.Message) {
	if err := msg.Validate(); err != nil {
		log.Printf("CALL: dropping message from %s: %v", signal.Short(msg.SenderID), err)
		return
	}
	if msg.SenderID == m.cfg.SelfID {
		return
	}

	switch msg.Kind {
	case signal.KindOffer:
		m.onOffer(msg)
	case signal.KindAnswer:
		m.onAnswer(msg)
	case signal.KindCandidate:
		m.onCandidate(msg)
	case signal.KindEnd, signal.KindDecline:
		m.onHangup(msg)
	}
}

// fromSessionPeer reports whether msg belongs to the current session and
// comes from its remote party.
func (m *Manager) fromSessionPeer(msg signal.Message) bool {
	if !m.isCurrent(msg.SessionID) {
		return false
	}
	if msg.SenderID != m.sess.PeerID {
		log.Printf("CALL [%s]: %s from unexpected sender %s ignored", signal.Short(msg.SessionID), msg.Kind, signal.Short(msg.SenderID))
		return false
	}
	return true
}

func (m *Manager) onOffer(msg signal.Message) {
	if m.isCurrent(msg.SessionID) {
		if !m.fromSessionPeer(msg) {
			return
		}
		if msg.Offer.Renegotiate && m.state == StateConnected && m.pc != nil {
			m.renegotiate(msg)
			return
		}
		log.Printf("CALL [%s]: duplicate offer ignored", signal.Short(msg.SessionID))
		return
	}
	if msg.Offer.Renegotiate {
		log.Printf("CALL [%s]: renegotiation for unknown session ignored", signal.Short(msg.SessionID))
		return
	}
	if m.state != StateIdle {
		log.Printf("CALL [%s]: busy (%s), declining offer from %s", signal.Short(msg.SessionID), m.state, signal.Short(msg.SenderID))
		m.enqueue(msg.SenderID, signal.NewDecline(msg.SessionID, m.cfg.SelfID, signal.ReasonBusy))
		return
	}

	now := m.clk.Now()
	m.sess = &Session{
		ID:          msg.SessionID,
		InitiatorID: msg.SenderID,
		PeerID:      msg.SenderID,
		Kind:        msg.Offer.CallKind,
		StartedAt:   now,
	}
	m.invite = &Invite{
		FromUserID:      msg.SenderID,
		FromDisplayName: msg.Offer.DisplayName,
		FromAvatarURL:   msg.Offer.AvatarURL,
		SessionID:       msg.SessionID,
		Kind:            msg.Offer.CallKind,
		ReceivedAt:      now,
	}
	offer := msg.Offer.Description
	m.remoteOffer = &offer
	m.early = m.orphans.take(msg.SessionID, msg.SenderID, now)
	m.lastErr = nil
	m.endReason = ""
	m.setState(StateRinging)
	m.ring.Start()
	m.armRing()
	m.rec.CallStarted(*m.sess)

	log.Printf("CALL [%s]: incoming %s call from %s", signal.Short(msg.SessionID), msg.Offer.CallKind, signal.Short(msg.SenderID))
}

func (m *Manager) renegotiate(msg signal.Message) {
	ans, err := m.pc.ApplyRemoteOffer(msg.Offer.Description)
	if err != nil {
		if errors.Is(err, peer.ErrRenegotiationGlare) {
			log.Printf("CALL [%s]: renegotiation ignored: %v", signal.Short(msg.SessionID), err)
		} else {
			log.Printf("CALL [%s]: renegotiation failed: %v", signal.Short(msg.SessionID), err)
		}
		return
	}
	m.enqueue(m.sess.PeerID, signal.NewAnswer(m.sess.ID, m.cfg.SelfID, ans))
}

func (m *Manager) onAnswer(msg signal.Message) {
	if !m.fromSessionPeer(msg) {
		log.Printf("CALL [%s]: stale answer ignored", signal.Short(msg.SessionID))
		return
	}
	if m.pc == nil {
		if m.state == StateCalling {
			m.bufferEarly(msg)
		}
		return
	}
	if err := m.pc.ApplyRemoteAnswer(*msg.Answer); err != nil {
		log.Printf("CALL [%s]: answer ignored: %v", signal.Short(msg.SessionID), err)
		return
	}
	if m.state == StateCalling {
		m.enterConnected()
	}
}

func (m *Manager) onCandidate(msg signal.Message) {
	if !m.isCurrent(msg.SessionID) {
		m.orphans.add(msg, m.clk.Now())
		return
	}
	if !m.fromSessionPeer(msg) {
		return
	}
	if m.pc == nil {
		// After teardown the session only lingers for the hold; nothing will
		// consume its candidates.
		if m.state != StateCalling && m.state != StateRinging {
			return
		}
		m.bufferEarly(msg)
		return
	}
	if err := m.pc.AddRemoteCandidate(*msg.Candidate); err != nil {
		log.Printf("CALL [%s]: remote candidate: %v", signal.Short(msg.SessionID), err)
	}
}

func (m *Manager) bufferEarly(msg signal.Message) {
	if len(m.early) >= m.cfg.MaxEarlyCandidates {
		log.Printf("CALL [%s]: early %s dropped, buffer full", signal.Short(msg.SessionID), msg.Kind)
		return
	}
	m.early = append(m.early, msg)
}

func (m *Manager) onHangup(msg signal.Message) {
	if !m.fromSessionPeer(msg) {
		log.Printf("CALL [%s]: stale %s ignored", signal.Short(msg.SessionID), msg.Kind)
		return
	}
	declined := msg.Kind == signal.KindDecline

	switch m.state {
	case StateRinging:
		log.Printf("CALL [%s]: caller canceled (%s)", signal.Short(msg.SessionID), msg.Reason)
		m.finish(StateIdle, OutcomeMissed, msg.Reason, nil)
	case StateCalling:
		if declined {
			m.finish(StateDeclined, OutcomeDeclined, msg.Reason, nil)
			return
		}
		m.finish(StateEnded, OutcomeCanceled, msg.Reason, nil)
	case StateConnected:
		next := StateEnded
		if declined {
			next = StateDeclined
		}
		m.finish(next, OutcomeCompleted, msg.Reason, nil)
	default:
		log.Printf("CALL [%s]: %s in %s ignored", signal.Short(msg.SessionID), msg.Kind, m.state)
	}
}

func (m *Manager) onPrepared(res prepared) {
	if !m.isCurrent(res.sid) || !m.preparing {
		log.Printf("CALL [%s]: setup finished for inactive session, discarding", signal.Short(res.sid))
		cleanupPrepared(res)
		return
	}
	m.preparing = false

	if res.err != nil {
		cleanupPrepared(res)
		reason := signal.ReasonFailed
		if errors.Is(res.err, media.ErrMediaUnavailable) {
			reason = signal.ReasonMediaUnavailable
		}
		log.Printf("CALL [%s]: setup failed: %v", signal.Short(res.sid), res.err)
		if !res.initiator {
			m.enqueue(m.sess.PeerID, signal.NewDecline(m.sess.ID, m.cfg.SelfID, reason))
		}
		m.finish(StateIdle, OutcomeFailed, reason, res.err)
		return
	}

	m.stream, m.pc = res.stream, res.pc
	m.startFeed(res.sid, m.sess.Kind, res.pc)
	if res.initiator {
		m.enqueue(m.sess.PeerID, signal.NewOffer(m.sess.ID, m.cfg.SelfID, signal.Offer{
			Description: res.desc,
			CallKind:    m.sess.Kind,
			DisplayName: m.cfg.DisplayName,
			AvatarURL:   m.cfg.AvatarURL,
		}))
	} else {
		m.enqueue(m.sess.PeerID, signal.NewAnswer(m.sess.ID, m.cfg.SelfID, res.desc))
		m.enterConnected()
	}

	m.signalQueued = true
	for _, c := range m.heldLocal {
		m.enqueue(m.sess.PeerID, signal.NewCandidate(m.sess.ID, m.cfg.SelfID, c))
	}
	m.heldLocal = nil

	early := m.early
	m.early = nil
	for _, msg := range early {
		m.handleMessage(msg)
		if !m.isCurrent(res.sid) {
			return
		}
	}
}

func (m *Manager) onLocalCandidate(e localCandidate) {
	if !m.isCurrent(e.sid) || (m.state != StateCalling && m.state != StateRinging && m.state != StateConnected) {
		return
	}
	if !m.signalQueued {
		m.heldLocal = append(m.heldLocal, e.c)
		return
	}
	m.enqueue(m.sess.PeerID, signal.NewCandidate(m.sess.ID, m.cfg.SelfID, e.c))
}

func (m *Manager) onConnectivity(e connectivityChanged) {
	if !m.isCurrent(e.sid) || m.pc == nil {
		return
	}
	m.connectivity = e.state.String()

	switch e.state {
	case webrtc.PeerConnectionStateConnected:
		if m.state == StateCalling {
			m.enterConnected()
		}
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		if m.state == StateCalling || m.state == StateConnected {
			log.Printf("CALL [%s]: connection %s, ending call", signal.Short(e.sid), e.state)
			m.finish(StateEnded, m.outcome(), signal.ReasonFailed, nil)
		}
	}
}

func (m *Manager) onSendFailed(e sendFailed) {
	if !m.isCurrent(e.sid) {
		return
	}
	switch e.kind {
	case signal.KindOffer:
		if m.state == StateCalling {
			m.finish(StateIdle, OutcomeFailed, signal.ReasonFailed, fmt.Errorf("%w: offer: %w", ErrSignalingSend, e.err))
		}
	case signal.KindAnswer:
		if m.state == StateConnected {
			m.finish(StateEnded, OutcomeFailed, signal.ReasonFailed, fmt.Errorf("%w: answer: %w", ErrSignalingSend, e.err))
		}
	}
}

func (m *Manager) onTimer(e timerFired) {
	if !m.isCurrent(e.sid) {
		return
	}
	if e.hold {
		if e.seq != m.holdSeq || (m.state != StateEnded && m.state != StateDeclined) {
			return
		}
		m.holdTimer = nil
		m.early = nil
		m.setState(StateIdle)
		m.sess = nil
		return
	}

	if e.seq != m.ringSeq {
		return
	}
	m.ringTimer = nil
	switch m.state {
	case StateRinging:
		log.Printf("CALL [%s]: unanswered, declining", signal.Short(e.sid))
		m.enqueue(m.sess.PeerID, signal.NewDecline(m.sess.ID, m.cfg.SelfID, signal.ReasonTimeout))
		m.finish(StateIdle, OutcomeMissed, signal.ReasonTimeout, nil)
	case StateCalling:
		log.Printf("CALL [%s]: no answer, giving up", signal.Short(e.sid))
		m.enqueue(m.sess.PeerID, signal.NewEnd(m.sess.ID, m.cfg.SelfID, signal.ReasonTimeout))
		m.finish(StateEnded, OutcomeCanceled, signal.ReasonTimeout, nil)
	}
}
