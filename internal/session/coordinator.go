package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Debate/internal/domain"
	"github.com/dkeye/Debate/internal/media"
	"github.com/dkeye/Debate/internal/peer"
	"github.com/dkeye/Debate/internal/presence"
	"github.com/dkeye/Debate/internal/relay"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Coordinator owns at most one joined session at a time.
type Coordinator struct {
	ch      relay.Channel
	tracker *presence.Tracker
	source  media.Source
	factory peer.ConnFactory
	store   Store
	opts    Options
	logger  zerolog.Logger

	mu            sync.Mutex
	active        *wiring
	localSurface  media.Surface
	remoteSurface media.Surface

	onScore        []func(domain.ParticipantID, []byte)
	onSpeaker      []func(domain.ParticipantID)
	onView         []func(View)
	onOpponentLeft []func(domain.ParticipantID)
	onError        []func(error)
}

// wiring is everything opened by one Join.
type wiring struct {
	session  *domain.Session
	self     domain.ParticipantID
	opponent domain.ParticipantID
	role     domain.Role

	ctx    context.Context
	cancel context.CancelFunc

	signalSub *relay.Subscription
	roomSub   *relay.Subscription
	roster    *presence.Roster
	manager   *peer.Manager

	// initiated is set when the gate opens; running when the current
	// manager's Initialize has been called; offered when an offer for the
	// current manager has arrived.
	initiated    bool
	running      bool
	offered      bool
	restarts     int
	recorded     bool
	connected    bool
	opponentLeft bool
	ended        bool
}

// NewCoordinator builds a coordinator. store may be nil.
func NewCoordinator(ch relay.Channel, source media.Source, factory peer.ConnFactory, store Store, opts Options) *Coordinator {
	c := &Coordinator{
		ch:      ch,
		tracker: presence.NewTracker(ch),
		source:  source,
		factory: factory,
		store:   store,
		opts:    opts.withDefaults(),
		logger:  log.With().Str("module", "session").Logger(),
	}
	ch.OnReconnect(c.resubscribe)
	return c
}

// Join sets up presence, signaling and the room topic for sess in one step.
// A previous join is torn down first. On error nothing stays open.
func (c *Coordinator) Join(ctx context.Context, sess *domain.Session, self domain.ParticipantID) error {
	role, err := sess.RoleOf(self)
	if err != nil {
		return err
	}
	opponent, _ := sess.Opponent(self)

	wctx, cancel := context.WithCancel(context.Background())
	w := &wiring{
		session:  sess,
		self:     self,
		opponent: opponent,
		role:     role,
		ctx:      wctx,
		cancel:   cancel,
	}
	w.manager = c.newManager(w)

	c.mu.Lock()
	prev := c.active
	c.active = w
	c.mu.Unlock()
	if prev != nil {
		c.logger.Info().Str("session", string(prev.session.ID)).Msg("replacing previous join")
		var res *Result
		if prev.session.ID != sess.ID {
			res = &Result{}
		}
		if err := c.teardown(ctx, prev, res); err != nil {
			c.logger.Warn().Err(err).Msg("previous session teardown")
		}
	}

	logger := c.logger.With().Str("session", string(sess.ID)).Str("self", string(self)).Str("role", string(role)).Logger()
	if err := c.wire(ctx, w); err != nil {
		logger.Warn().Err(err).Msg("join failed")
		c.mu.Lock()
		if c.active == w {
			c.active = nil
		}
		w.ended = true
		c.mu.Unlock()
		c.release(w)
		return err
	}
	logger.Info().Msg("joined")
	c.emitView()
	c.evaluateGate(w)
	return nil
}

// wire opens signaling before presence so an opponent that sees us can
// already reach us.
func (c *Coordinator) wire(ctx context.Context, w *wiring) error {
	id := w.session.ID
	sub, err := c.ch.Subscribe(ctx, SignalTopic(id))
	if err != nil {
		return fmt.Errorf("signaling: %w", err)
	}
	w.signalSub = sub
	c.ch.OnEvent(sub, EventSignal, func(ev relay.Event) { c.onSignal(w, ev) })
	c.ch.OnEvent(sub, EventRestart, func(ev relay.Event) { c.onRestart(w, ev) })

	sub, err = c.ch.Subscribe(ctx, RoomTopic(id))
	if err != nil {
		return fmt.Errorf("room: %w", err)
	}
	w.roomSub = sub
	c.ch.OnEvent(sub, EventScore, func(ev relay.Event) { c.onScoreEvent(w, ev) })
	c.ch.OnEvent(sub, EventActiveSpeaker, func(ev relay.Event) { c.onSpeakerEvent(w, ev) })

	roster, err := c.tracker.Join(ctx, PresenceRoom(id), domain.PresenceRecord{
		ParticipantID: w.self,
		DisplayName:   c.opts.DisplayName,
		Status:        domain.StatusInDebate,
		JoinedAt:      c.opts.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	c.mu.Lock()
	w.roster = roster
	c.mu.Unlock()
	roster.OnJoin(func(rec domain.PresenceRecord) { c.onPresenceJoin(w, rec) })
	roster.OnLeave(func(rec domain.PresenceRecord) { c.onPresenceLeave(w, rec) })
	roster.OnSync(func([]domain.PresenceRecord) {
		c.emitView()
		c.evaluateGate(w)
	})
	return nil
}

func (c *Coordinator) newManager(w *wiring) *peer.Manager {
	m := peer.NewManager(peer.Config{
		SessionID:          w.session.ID,
		SelfID:             w.self,
		NegotiationTimeout: c.opts.NegotiationTimeout,
	}, c.source, c.factory, signaler{ch: c.ch, topic: SignalTopic(w.session.ID)})
	m.OnStateChange(func(s peer.State) { c.onPeerState(w, m, s) })

	c.mu.Lock()
	local, remote := c.localSurface, c.remoteSurface
	c.mu.Unlock()
	if local != nil {
		m.AttachLocalSurface(local)
	}
	if remote != nil {
		m.AttachRemoteSurface(remote)
	}
	return m
}

// SetLocalSurface and SetRemoteSurface mark the rendering surfaces ready.
// Negotiation waits for both.
func (c *Coordinator) SetLocalSurface(s media.Surface) {
	c.mu.Lock()
	c.localSurface = s
	w := c.active
	c.mu.Unlock()
	if w != nil {
		c.managerOf(w).AttachLocalSurface(s)
		c.evaluateGate(w)
	}
}

func (c *Coordinator) SetRemoteSurface(s media.Surface) {
	c.mu.Lock()
	c.remoteSurface = s
	w := c.active
	c.mu.Unlock()
	if w != nil {
		c.managerOf(w).AttachRemoteSurface(s)
		c.evaluateGate(w)
	}
}

func (c *Coordinator) managerOf(w *wiring) *peer.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return w.manager
}

// evaluateGate starts negotiation once exactly the two participants are
// present and both surfaces are ready. It fires at most once per join.
func (c *Coordinator) evaluateGate(w *wiring) {
	c.mu.Lock()
	if c.active != w || w.ended || w.initiated || w.roster == nil {
		c.mu.Unlock()
		return
	}
	if c.localSurface == nil || c.remoteSurface == nil {
		c.mu.Unlock()
		return
	}
	if w.roster.Count() != 2 || !w.roster.Has(w.self) || !w.roster.Has(w.opponent) {
		c.mu.Unlock()
		return
	}
	w.initiated = true
	c.mu.Unlock()

	c.logger.Info().Str("session", string(w.session.ID)).Msg("both participants present")
	c.maybeInitialize(w)
}

// maybeInitialize starts the current manager once the gate is open. The
// responder also waits for the initiator's offer, so it never negotiates
// alone.
func (c *Coordinator) maybeInitialize(w *wiring) {
	c.mu.Lock()
	if c.active != w || w.ended || !w.initiated || w.running {
		c.mu.Unlock()
		return
	}
	if w.role == domain.RoleResponder && !w.offered {
		c.mu.Unlock()
		return
	}
	w.running = true
	m := w.manager
	c.mu.Unlock()
	go c.initialize(w, m)
}

func (c *Coordinator) initialize(w *wiring, m *peer.Manager) {
	initiator := w.role == domain.RoleInitiator
	if err := m.Initialize(w.ctx, initiator); err != nil {
		if errors.Is(err, peer.ErrClosed) {
			return
		}
		c.logger.Warn().Err(err).Str("session", string(w.session.ID)).Msg("initialize failed")
		c.reportError(err)
		return
	}
	if initiator {
		c.recordStart(w)
	}
}

// Retry initializes again after a media error. It is the only way out of
// a media failure; nothing retries on its own.
func (c *Coordinator) Retry() error {
	c.mu.Lock()
	w := c.active
	if w == nil {
		c.mu.Unlock()
		return ErrNotJoined
	}
	if w.manager.State() != peer.StateNew {
		c.mu.Unlock()
		return peer.ErrAlreadyInitialized
	}
	w.running = false
	c.mu.Unlock()
	c.maybeInitialize(w)
	return nil
}

func (c *Coordinator) onPeerState(w *wiring, m *peer.Manager, s peer.State) {
	c.mu.Lock()
	if w.manager != m || w.ended {
		c.mu.Unlock()
		return
	}
	if s == peer.StateConnected {
		w.connected = true
	}
	c.mu.Unlock()

	c.emitView()
	if s == peer.StateFailed {
		c.onFailed(w, m)
	}
}

// onFailed applies the restart policy. The initiator drives restarts; the
// responder waits for a restart event.
func (c *Coordinator) onFailed(w *wiring, m *peer.Manager) {
	if w.role != domain.RoleInitiator {
		return
	}
	c.mu.Lock()
	if c.active != w || w.manager != m || w.ended {
		c.mu.Unlock()
		return
	}
	if w.restarts >= c.opts.MaxRestarts {
		c.mu.Unlock()
		c.reportError(fmt.Errorf("%w after %d restarts", peer.ErrConnectionFailed, w.restarts))
		return
	}
	w.restarts++
	attempt := w.restarts
	c.mu.Unlock()

	next := c.newManager(w)
	c.mu.Lock()
	w.manager = next
	w.running = true
	c.mu.Unlock()

	c.logger.Warn().Str("session", string(w.session.ID)).Int("attempt", attempt).Msg("connection failed, restarting")
	go func() {
		m.Cleanup()
		if err := c.ch.Publish(SignalTopic(w.session.ID), EventRestart, restartPayload{Attempt: attempt}); err != nil {
			c.logger.Warn().Err(err).Msg("restart not published")
		}
		c.emitView()
		if err := next.Initialize(w.ctx, true); err != nil && !errors.Is(err, peer.ErrClosed) {
			c.reportError(err)
		}
	}()
}

// End tears down in order: connection and media, presence, then topics.
// Ending twice or ending nothing is not an error.
func (c *Coordinator) End(ctx context.Context, id domain.SessionID) error {
	return c.EndWithResult(ctx, id, Result{})
}

// EndWithResult is End that also stores the winner and the debate data.
// A winner who is not a participant, or data that is not JSON, is rejected
// before anything is torn down.
func (c *Coordinator) EndWithResult(ctx context.Context, id domain.SessionID, res Result) error {
	c.mu.Lock()
	w := c.active
	if w == nil {
		c.mu.Unlock()
		return nil
	}
	if w.session.ID != id {
		c.mu.Unlock()
		return ErrWrongSession
	}
	if err := validResult(w.session, res); err != nil {
		c.mu.Unlock()
		return err
	}
	c.active = nil
	c.mu.Unlock()

	err := c.teardown(ctx, w, &res)
	c.emitView()
	return err
}

func validResult(sess *domain.Session, res Result) error {
	if res.Winner != "" {
		if _, err := sess.RoleOf(res.Winner); err != nil {
			return fmt.Errorf("%w: winner %q: %v", ErrInvalidResult, res.Winner, err)
		}
	}
	if len(res.Data) > 0 && !json.Valid(res.Data) {
		return fmt.Errorf("%w: data is not JSON", ErrInvalidResult)
	}
	return nil
}

// teardown releases w and, when res is not nil, records the end.
func (c *Coordinator) teardown(ctx context.Context, w *wiring, res *Result) error {
	c.mu.Lock()
	if w.ended {
		c.mu.Unlock()
		return nil
	}
	w.ended = true
	c.mu.Unlock()

	c.release(w)
	c.logger.Info().Str("session", string(w.session.ID)).Msg("ended")
	if res != nil {
		return c.recordEnd(ctx, w, *res)
	}
	return nil
}

func (c *Coordinator) release(w *wiring) {
	c.mu.Lock()
	m, roster := w.manager, w.roster
	c.mu.Unlock()

	m.Cleanup()
	w.cancel()
	c.tracker.Leave(roster)
	c.ch.Unsubscribe(w.signalSub)
	c.ch.Unsubscribe(w.roomSub)
}

func (c *Coordinator) resubscribe() {
	c.mu.Lock()
	w := c.active
	c.mu.Unlock()
	if w == nil {
		return
	}
	if err := c.ch.Resubscribe(w.ctx); err != nil {
		c.logger.Warn().Err(err).Msg("resubscribe failed")
		c.reportError(err)
		return
	}
	c.logger.Info().Str("session", string(w.session.ID)).Msg("resubscribed after reconnect")
}

func (c *Coordinator) recordStart(w *wiring) {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	if w.recorded {
		c.mu.Unlock()
		return
	}
	w.recorded = true
	c.mu.Unlock()

	rec := domain.SessionRecord{
		SessionID:    w.session.ID,
		Participant1: w.session.Participants[0],
		Participant2: w.session.Participants[1],
		Topic:        w.session.Topic,
		Status:       domain.SessionActive,
		StartedAt:    c.opts.Now().UTC(),
	}
	if err := c.store.RecordStart(w.ctx, rec); err != nil {
		c.logger.Error().Err(err).Str("session", string(w.session.ID)).Msg("record start")
	}
}

func (c *Coordinator) recordEnd(ctx context.Context, w *wiring, res Result) error {
	c.mu.Lock()
	recorded, connected := w.recorded, w.connected
	c.mu.Unlock()
	if c.store == nil || !recorded {
		return nil
	}
	status := domain.SessionAborted
	if connected {
		status = domain.SessionCompleted
	}
	err := c.store.RecordEnd(ctx, domain.SessionRecord{
		SessionID: w.session.ID,
		Status:    status,
		WinnerID:  res.Winner,
		EndedAt:   c.opts.Now().UTC(),
		Data:      res.Data,
	})
	if err != nil {
		return fmt.Errorf("record end: %w", err)
	}
	return nil
}
