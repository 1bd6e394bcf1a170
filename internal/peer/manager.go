package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Debate/internal/domain"
	"github.com/dkeye/Debate/internal/media"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultNegotiationTimeout = 30 * time.Second

type Config struct {
	SessionID domain.SessionID
	SelfID    domain.ParticipantID
	// NegotiationTimeout bounds the time spent in connecting. Zero means
	// DefaultNegotiationTimeout, negative disables the bound.
	NegotiationTimeout time.Duration
}

// Manager owns the local media and one peer connection for a session.
type Manager struct {
	cfg      Config
	source   media.Source
	factory  ConnFactory
	signaler Signaler
	logger   zerolog.Logger

	mu        sync.Mutex
	state     State
	initiator bool
	conn      Conn
	local     *media.LocalStream
	remote    *media.RemoteStream
	exposed   bool

	localSurface  media.Surface
	remoteSurface media.Surface

	early    []domain.NegotiationMessage
	draining bool

	remoteSet  bool
	pendingICE []webrtc.ICECandidateInit
	seenICE    map[string]struct{}

	timer    *time.Timer
	timerGen uint64

	listeners []func(State)
	pending   []State
	flushing  bool

	// sigMu keeps a description ahead of the candidates it produces.
	// Lock order: sigMu before mu.
	sigMu sync.Mutex
}

func NewManager(cfg Config, source media.Source, factory ConnFactory, signaler Signaler) *Manager {
	if cfg.NegotiationTimeout == 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	return &Manager{
		cfg:      cfg,
		source:   source,
		factory:  factory,
		signaler: signaler,
		state:    StateNew,
		seenICE:  make(map[string]struct{}),
		logger: log.With().
			Str("module", "peer").
			Str("session", string(cfg.SessionID)).
			Str("self", string(cfg.SelfID)).
			Logger(),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsInitiator() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initiator
}

// OnStateChange registers fn for every later transition. Listeners run in
// transition order and may call back into the manager.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Initialize acquires media, creates the connection and, for the initiator,
// sends the offer. Media errors are returned; later failures become states.
func (m *Manager) Initialize(ctx context.Context, isInitiator bool) error {
	m.mu.Lock()
	switch m.state {
	case StateNew:
	case StateClosed:
		m.mu.Unlock()
		return ErrClosed
	default:
		m.mu.Unlock()
		return ErrAlreadyInitialized
	}
	m.initiator = isInitiator
	m.setStateLocked(StateAcquiringMedia)
	m.mu.Unlock()
	m.flush()

	stream, err := m.source.Acquire(ctx)
	if err != nil {
		m.mu.Lock()
		if m.state == StateAcquiringMedia {
			m.setStateLocked(StateNew)
		}
		m.mu.Unlock()
		m.flush()
		m.logger.Warn().Err(err).Msg("media acquisition failed")
		return mediaError(err)
	}

	m.mu.Lock()
	if m.state != StateAcquiringMedia {
		m.mu.Unlock()
		stream.Stop()
		return ErrClosed
	}
	m.local = stream
	surface := m.localSurface
	m.mu.Unlock()
	if surface != nil {
		surface.Attach(stream)
	}

	conn, err := m.dial(stream)
	if err != nil {
		m.fail(err)
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	m.mu.Lock()
	if m.state != StateAcquiringMedia {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	m.conn = conn
	m.remote = media.NewRemoteStream(string(m.cfg.SessionID) + "-remote")
	m.draining = true
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.flush()
	m.logger.Info().Bool("initiator", isInitiator).Msg("connection created")

	if isInitiator {
		m.sendOffer(conn)
	}
	m.drainEarly()
	return nil
}

// dial creates a connection carrying the local tracks. Its callbacks are
// ignored once the connection is no longer the current one.
func (m *Manager) dial(stream *media.LocalStream) (Conn, error) {
	conn, err := m.factory.NewConn()
	if err != nil {
		return nil, err
	}
	for _, t := range stream.Tracks() {
		if err := conn.AddTrack(t); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
	}
	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if m.current(conn) {
			m.sendCandidate(c)
		}
	})
	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if m.current(conn) {
			m.onConnectionState(s)
		}
	})
	conn.OnTrack(func(t media.RemoteTrack) {
		if m.current(conn) {
			m.onRemoteTrack(t)
		}
	})
	return conn, nil
}

func (m *Manager) current(conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn == conn
}

// redial swaps old for a fresh connection with the same local tracks and
// forgets what the remote side sent to old. Called with sigMu held.
func (m *Manager) redial(old Conn) (Conn, error) {
	m.mu.Lock()
	local := m.local
	m.mu.Unlock()
	if local == nil {
		return nil, ErrClosed
	}
	fresh, err := m.dial(local)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.conn != old || m.state == StateClosed {
		m.mu.Unlock()
		_ = fresh.Close()
		return nil, ErrClosed
	}
	m.conn = fresh
	m.remoteSet = false
	m.seenICE = make(map[string]struct{})
	m.mu.Unlock()

	if err := old.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("close replaced connection")
	}
	return fresh, nil
}

func mediaError(err error) error {
	switch {
	case errors.Is(err, ErrMediaAccessDenied), errors.Is(err, ErrMediaUnavailable):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
}

func (m *Manager) fail(err error) {
	m.logger.Error().Err(err).Msg("connection failed")
	m.mu.Lock()
	m.setStateLocked(StateFailed)
	m.mu.Unlock()
	m.flush()
}

// ToggleMicrophone flips the local audio track and returns its new state.
func (m *Manager) ToggleMicrophone() bool {
	m.mu.Lock()
	local := m.local
	m.mu.Unlock()
	if local == nil || local.Audio == nil {
		return false
	}
	return local.Audio.Toggle()
}

func (m *Manager) ToggleCamera() bool {
	m.mu.Lock()
	local := m.local
	m.mu.Unlock()
	if local == nil || local.Video == nil {
		return false
	}
	return local.Video.Toggle()
}

func (m *Manager) LocalStream() *media.LocalStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// RemoteStream is nil until the connection has been connected once.
func (m *Manager) RemoteStream() *media.RemoteStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exposed {
		return nil
	}
	return m.remote
}

func (m *Manager) AttachLocalSurface(s media.Surface) {
	m.mu.Lock()
	m.localSurface = s
	local := m.local
	m.mu.Unlock()
	if s != nil && local != nil {
		s.Attach(local)
	}
}

func (m *Manager) AttachRemoteSurface(s media.Surface) {
	m.mu.Lock()
	m.remoteSurface = s
	var remote *media.RemoteStream
	if m.exposed {
		remote = m.remote
	}
	m.mu.Unlock()
	if s != nil && remote != nil {
		s.Attach(remote)
	}
}

// Cleanup stops local media, closes the connection and detaches surfaces.
// It is safe from any state and on repeat.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	local := m.local
	localSurface, remoteSurface := m.localSurface, m.remoteSurface
	m.conn = nil
	m.local = nil
	m.remote = nil
	m.exposed = false
	m.early = nil
	m.pendingICE = nil
	m.localSurface = nil
	m.remoteSurface = nil
	m.setStateLocked(StateClosed)
	m.mu.Unlock()

	if local != nil {
		local.Stop()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("close connection")
		}
	}
	if localSurface != nil {
		localSurface.Detach()
	}
	if remoteSurface != nil {
		remoteSurface.Detach()
	}
	m.flush()
	m.logger.Info().Msg("cleaned up")
}

func (m *Manager) onConnectionState(s webrtc.PeerConnectionState) {
	m.logger.Info().Str("pc_state", s.String()).Msg("connection state")
	var attach media.Surface
	var remote *media.RemoteStream

	m.mu.Lock()
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if m.state == StateConnecting && m.setStateLocked(StateConnected) && !m.exposed {
			m.exposed = true
			attach, remote = m.remoteSurface, m.remote
		}
	case webrtc.PeerConnectionStateDisconnected:
		if m.state == StateConnected && m.setStateLocked(StateDisconnected) {
			m.setStateLocked(StateConnecting)
		}
	case webrtc.PeerConnectionStateFailed:
		if m.state == StateConnecting || m.state == StateConnected || m.state == StateDisconnected {
			m.setStateLocked(StateFailed)
		}
	}
	m.mu.Unlock()

	if attach != nil && remote != nil {
		attach.Attach(remote)
	}
	m.flush()
}

func (m *Manager) onRemoteTrack(t media.RemoteTrack) {
	m.mu.Lock()
	remote := m.remote
	m.mu.Unlock()
	if remote == nil {
		return
	}
	m.logger.Info().Str("track", t.ID()).Str("kind", t.Kind().String()).Msg("remote track")
	remote.AddTrack(t)
}

// setStateLocked applies a legal transition and queues its notification.
func (m *Manager) setStateLocked(next State) bool {
	prev := m.state
	if !CanTransition(prev, next) {
		m.logger.Debug().Str("from", string(prev)).Str("to", string(next)).Msg("ignored transition")
		return false
	}
	m.state = next
	if next == StateConnecting {
		m.armTimerLocked()
	} else if prev == StateConnecting {
		m.disarmTimerLocked()
	}
	m.pending = append(m.pending, next)
	m.logger.Info().Str("from", string(prev)).Str("to", string(next)).Msg("state")
	return true
}

func (m *Manager) armTimerLocked() {
	m.disarmTimerLocked()
	if m.cfg.NegotiationTimeout < 0 {
		return
	}
	gen := m.timerGen
	m.timer = time.AfterFunc(m.cfg.NegotiationTimeout, func() { m.onTimeout(gen) })
}

func (m *Manager) disarmTimerLocked() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) onTimeout(gen uint64) {
	m.mu.Lock()
	if gen != m.timerGen || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.logger.Warn().Dur("timeout", m.cfg.NegotiationTimeout).Msg("negotiation timed out")
	m.setStateLocked(StateFailed)
	m.mu.Unlock()
	m.flush()
}

// flush delivers queued transitions in order. A call made while another
// flush is running leaves its entries to that flush.
func (m *Manager) flush() {
	m.mu.Lock()
	if m.flushing {
		m.mu.Unlock()
		return
	}
	m.flushing = true
	for {
		queue := m.pending
		m.pending = nil
		if len(queue) == 0 {
			m.flushing = false
			m.mu.Unlock()
			return
		}
		listeners := make([]func(State), len(m.listeners))
		copy(listeners, m.listeners)
		m.mu.Unlock()
		for _, s := range queue {
			for _, fn := range listeners {
				fn(s)
			}
		}
		m.mu.Lock()
	}
}
