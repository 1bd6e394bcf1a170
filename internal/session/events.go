package session

import (
	"encoding/json"

	"github.com/dkeye/Debate/internal/domain"
	"github.com/dkeye/Debate/internal/media"
	"github.com/dkeye/Debate/internal/peer"
	"github.com/dkeye/Debate/internal/relay"
)

type signaler struct {
	ch    relay.Channel
	topic string
}

func (s signaler) Send(msg domain.NegotiationMessage) error {
	return s.ch.Publish(s.topic, EventSignal, msg)
}

func (c *Coordinator) current(w *wiring) (*peer.Manager, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != w || w.ended {
		return nil, false
	}
	return w.manager, true
}

func (c *Coordinator) onSignal(w *wiring, ev relay.Event) {
	m, ok := c.current(w)
	if !ok {
		return
	}
	var msg domain.NegotiationMessage
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("bad negotiation payload")
		return
	}
	if msg.SenderID == w.self {
		return
	}
	if err := msg.Validate(); err != nil {
		c.logger.Warn().Err(err).Str("from", ev.From).Msg("invalid negotiation message")
		return
	}
	if err := m.HandleNegotiationMessage(msg); err != nil {
		c.logger.Warn().Err(err).Str("kind", string(msg.Kind)).Msg("negotiation message")
	}
	if msg.Kind == domain.KindOffer {
		c.mu.Lock()
		if w.manager == m {
			w.offered = true
		}
		c.mu.Unlock()
		c.maybeInitialize(w)
	}
}

// onRestart replaces the responder's manager when the initiator starts over.
func (c *Coordinator) onRestart(w *wiring, ev relay.Event) {
	if w.role != domain.RoleResponder || domain.ParticipantID(ev.From) == w.self {
		return
	}
	var p restartPayload
	_ = json.Unmarshal(ev.Payload, &p)

	old, ok := c.current(w)
	if !ok || old.State() == peer.StateNew {
		return
	}
	next := c.newManager(w)
	c.mu.Lock()
	if c.active != w || w.ended || w.manager != old {
		c.mu.Unlock()
		next.Cleanup()
		return
	}
	w.manager = next
	w.restarts++
	w.running = false
	w.offered = false
	c.mu.Unlock()

	c.logger.Info().Str("session", string(w.session.ID)).Int("attempt", p.Attempt).Msg("opponent restarted, recreating connection")
	old.Cleanup()
	c.emitView()
}

func (c *Coordinator) onPresenceJoin(w *wiring, rec domain.PresenceRecord) {
	if rec.ParticipantID != w.opponent {
		return
	}
	c.mu.Lock()
	w.opponentLeft = false
	c.mu.Unlock()
}

// onPresenceLeave treats the opponent's departure as final for the view,
// whatever the connection reports.
func (c *Coordinator) onPresenceLeave(w *wiring, rec domain.PresenceRecord) {
	if rec.ParticipantID != w.opponent {
		return
	}
	c.mu.Lock()
	if c.active != w || w.ended {
		c.mu.Unlock()
		return
	}
	w.opponentLeft = true
	fns := append(([]func(domain.ParticipantID))(nil), c.onOpponentLeft...)
	c.mu.Unlock()

	c.logger.Info().Str("session", string(w.session.ID)).Str("opponent", string(rec.ParticipantID)).Msg("opponent left")
	for _, fn := range fns {
		fn(rec.ParticipantID)
	}
	c.emitView()
}

func (c *Coordinator) onScoreEvent(w *wiring, ev relay.Event) {
	from := domain.ParticipantID(ev.From)
	if from == w.self {
		return
	}
	if _, ok := c.current(w); !ok {
		return
	}
	c.mu.Lock()
	fns := append(([]func(domain.ParticipantID, []byte))(nil), c.onScore...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(from, ev.Payload)
	}
}

func (c *Coordinator) onSpeakerEvent(w *wiring, ev relay.Event) {
	if domain.ParticipantID(ev.From) == w.self {
		return
	}
	if _, ok := c.current(w); !ok {
		return
	}
	var p speakerPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.UserID == "" {
		c.logger.Warn().Err(err).Msg("bad active speaker payload")
		return
	}
	c.mu.Lock()
	fns := append(([]func(domain.ParticipantID))(nil), c.onSpeaker...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(p.UserID)
	}
}

func (c *Coordinator) joined() (*wiring, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil, ErrNotJoined
	}
	return c.active, nil
}

// BroadcastScore publishes scores to the opponent as a score_update.
func (c *Coordinator) BroadcastScore(scores any) error {
	w, err := c.joined()
	if err != nil {
		return err
	}
	return c.ch.Publish(RoomTopic(w.session.ID), EventScore, scorePayload{UserID: w.self, Scores: scores})
}

// OnScoreReceived registers fn for the opponent's score updates. payload
// is forwarded unmodified.
func (c *Coordinator) OnScoreReceived(fn func(from domain.ParticipantID, payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onScore = append(c.onScore, fn)
}

func (c *Coordinator) BroadcastActiveSpeaker(id domain.ParticipantID) error {
	w, err := c.joined()
	if err != nil {
		return err
	}
	return c.ch.Publish(RoomTopic(w.session.ID), EventActiveSpeaker, speakerPayload{UserID: id})
}

func (c *Coordinator) OnActiveSpeaker(fn func(domain.ParticipantID)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSpeaker = append(c.onSpeaker, fn)
}

func (c *Coordinator) OnOpponentLeft(fn func(domain.ParticipantID)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpponentLeft = append(c.onOpponentLeft, fn)
}

// OnStateChange registers fn for every view change.
func (c *Coordinator) OnStateChange(fn func(View)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onView = append(c.onView, fn)
}

// OnError registers fn for failures that happen off the caller's path.
func (c *Coordinator) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, fn)
}

func (c *Coordinator) reportError(err error) {
	c.mu.Lock()
	fns := append(([]func(error))(nil), c.onError...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *Coordinator) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.active
	if w == nil {
		return View{PeerState: peer.StateClosed}
	}
	v := View{
		SessionID:    w.session.ID,
		Role:         w.role,
		Opponent:     w.opponent,
		PeerState:    w.manager.State(),
		OpponentLeft: w.opponentLeft,
		Restarts:     w.restarts,
		Joined:       true,
	}
	if w.roster != nil {
		v.Participants = w.roster.Count()
	}
	return v
}

func (c *Coordinator) emitView() {
	v := c.View()
	c.mu.Lock()
	fns := append(([]func(View))(nil), c.onView...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (c *Coordinator) ToggleMicrophone() (bool, error) {
	w, err := c.joined()
	if err != nil {
		return false, err
	}
	return c.managerOf(w).ToggleMicrophone(), nil
}

func (c *Coordinator) ToggleCamera() (bool, error) {
	w, err := c.joined()
	if err != nil {
		return false, err
	}
	return c.managerOf(w).ToggleCamera(), nil
}

func (c *Coordinator) LocalStream() *media.LocalStream {
	w, err := c.joined()
	if err != nil {
		return nil
	}
	return c.managerOf(w).LocalStream()
}

func (c *Coordinator) RemoteStream() *media.RemoteStream {
	w, err := c.joined()
	if err != nil {
		return nil
	}
	return c.managerOf(w).RemoteStream()
}
