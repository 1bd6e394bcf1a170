package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/dkeye/Debate/internal/domain"
	"github.com/pion/webrtc/v4"
)

// HandleNegotiationMessage applies one message from the opponent. Self
// echoes, duplicates and stale descriptions are dropped and logged; messages
// that arrive before the connection exists are replayed once it does.
func (m *Manager) HandleNegotiationMessage(msg domain.NegotiationMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.SenderID == m.cfg.SelfID {
		return nil
	}
	if msg.SessionID != "" && msg.SessionID != m.cfg.SessionID {
		m.logger.Debug().Str("other_session", string(msg.SessionID)).Msg("message for another session")
		return nil
	}

	m.mu.Lock()
	switch {
	case m.state == StateClosed:
		m.mu.Unlock()
		return nil
	case m.conn == nil || m.draining:
		m.early = append(m.early, msg)
		m.mu.Unlock()
		m.logger.Debug().Str("kind", string(msg.Kind)).Msg("queued early message")
		return nil
	}
	conn := m.conn
	m.mu.Unlock()
	return m.dispatch(conn, msg)
}

func (m *Manager) drainEarly() {
	for {
		m.mu.Lock()
		if len(m.early) == 0 || m.conn == nil {
			m.early = nil
			m.draining = false
			m.mu.Unlock()
			return
		}
		msg := m.early[0]
		m.early = m.early[1:]
		conn := m.conn
		m.mu.Unlock()
		if err := m.dispatch(conn, msg); err != nil {
			m.logger.Warn().Err(err).Str("kind", string(msg.Kind)).Msg("replayed message failed")
		}
	}
}

func (m *Manager) dispatch(conn Conn, msg domain.NegotiationMessage) error {
	var err error
	switch msg.Kind {
	case domain.KindOffer:
		err = m.handleOffer(conn, msg.Payload)
	case domain.KindAnswer:
		err = m.handleAnswer(conn, msg.Payload)
	case domain.KindICECandidate:
		err = m.handleCandidate(conn, msg.Payload)
	}
	if errors.Is(err, ErrNegotiationStale) {
		m.logger.Debug().Err(err).Str("kind", string(msg.Kind)).Msg("discarded")
		return nil
	}
	return err
}

func decodeDescription(payload json.RawMessage) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(payload, &sd); err != nil {
		return sd, fmt.Errorf("decode session description: %w", err)
	}
	return sd, nil
}

func (m *Manager) handleOffer(conn Conn, payload json.RawMessage) error {
	sd, err := decodeDescription(payload)
	if err != nil {
		return err
	}
	sd.Type = webrtc.SDPTypeOffer

	m.sigMu.Lock()
	defer m.sigMu.Unlock()

	if cur := conn.RemoteDescription(); cur != nil && cur.SDP == sd.SDP {
		return ErrNegotiationStale
	}
	switch conn.SignalingState() {
	case webrtc.SignalingStateStable:
	case webrtc.SignalingStateHaveLocalOffer:
		if m.IsInitiator() {
			m.logger.Info().Msg("glare: keeping own offer")
			return ErrNegotiationStale
		}
		// pion cannot roll back a local offer, so the responder starts over
		// on a fresh connection and answers from there.
		m.logger.Info().Msg("glare: dropping own offer")
		fresh, err := m.redial(conn)
		if errors.Is(err, ErrClosed) {
			return ErrNegotiationStale
		}
		if err != nil {
			m.fail(err)
			return fmt.Errorf("%w: redial: %v", ErrConnectionFailed, err)
		}
		conn = fresh
	default:
		return ErrNegotiationStale
	}

	if err := conn.SetRemoteDescription(sd); err != nil {
		m.fail(err)
		return fmt.Errorf("%w: set offer: %v", ErrConnectionFailed, err)
	}
	m.flushPendingICE(conn)

	answer, err := conn.CreateAnswer()
	if err != nil {
		m.fail(err)
		return fmt.Errorf("%w: create answer: %v", ErrConnectionFailed, err)
	}
	m.sendDescription(domain.KindAnswer, answer)
	return nil
}

func (m *Manager) handleAnswer(conn Conn, payload json.RawMessage) error {
	sd, err := decodeDescription(payload)
	if err != nil {
		return err
	}
	sd.Type = webrtc.SDPTypeAnswer

	m.sigMu.Lock()
	defer m.sigMu.Unlock()

	if conn.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return ErrNegotiationStale
	}
	if err := conn.SetRemoteDescription(sd); err != nil {
		m.fail(err)
		return fmt.Errorf("%w: set answer: %v", ErrConnectionFailed, err)
	}
	m.flushPendingICE(conn)
	return nil
}

func candidateKey(c webrtc.ICECandidateInit) string {
	key := c.Candidate
	if c.SDPMid != nil {
		key += "|" + *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		key += "|" + strconv.Itoa(int(*c.SDPMLineIndex))
	}
	return key
}

func (m *Manager) handleCandidate(conn Conn, payload json.RawMessage) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &c); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if c.Candidate == "" {
		return nil
	}

	m.mu.Lock()
	key := candidateKey(c)
	if _, dup := m.seenICE[key]; dup {
		m.mu.Unlock()
		return ErrNegotiationStale
	}
	m.seenICE[key] = struct{}{}
	if !m.remoteSet {
		m.pendingICE = append(m.pendingICE, c)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := conn.AddICECandidate(c); err != nil {
		m.logger.Warn().Err(err).Msg("add ice candidate")
	}
	return nil
}

// flushPendingICE applies candidates that arrived before the remote
// description, in arrival order.
func (m *Manager) flushPendingICE(conn Conn) {
	m.mu.Lock()
	m.remoteSet = true
	queued := m.pendingICE
	m.pendingICE = nil
	m.mu.Unlock()
	for _, c := range queued {
		if err := conn.AddICECandidate(c); err != nil {
			m.logger.Warn().Err(err).Msg("add queued ice candidate")
		}
	}
}

func (m *Manager) sendOffer(conn Conn) {
	m.sigMu.Lock()
	defer m.sigMu.Unlock()
	offer, err := conn.CreateOffer()
	if err != nil {
		m.fail(err)
		return
	}
	m.sendDescription(domain.KindOffer, offer)
}

// sendDescription must be called with sigMu held.
func (m *Manager) sendDescription(kind domain.NegotiationKind, sd webrtc.SessionDescription) {
	payload, err := json.Marshal(sd)
	if err != nil {
		m.logger.Error().Err(err).Msg("encode description")
		return
	}
	m.send(kind, payload)
}

func (m *Manager) sendCandidate(c webrtc.ICECandidateInit) {
	payload, err := json.Marshal(c)
	if err != nil {
		m.logger.Error().Err(err).Msg("encode candidate")
		return
	}
	m.sigMu.Lock()
	defer m.sigMu.Unlock()
	if m.State() == StateClosed {
		return
	}
	m.send(domain.KindICECandidate, payload)
}

func (m *Manager) send(kind domain.NegotiationKind, payload json.RawMessage) {
	msg := domain.NegotiationMessage{
		Kind:      kind,
		SenderID:  m.cfg.SelfID,
		SessionID: m.cfg.SessionID,
		Payload:   payload,
	}
	if err := m.signaler.Send(msg); err != nil {
		m.logger.Warn().Err(err).Str("kind", string(kind)).Msg("signal send failed")
	}
}
