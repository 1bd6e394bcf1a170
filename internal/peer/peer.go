// Package peer drives one direct audio/video connection to the opponent
// through explicit states, exchanging offer, answer and ICE candidates over
// a Signaler.
package peer

import (
	"errors"

	"github.com/dkeye/Debate/internal/domain"
	"github.com/dkeye/Debate/internal/media"
	"github.com/pion/webrtc/v4"
)

type State string

const (
	StateNew            State = "new"
	StateAcquiringMedia State = "acquiring-media"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateDisconnected   State = "disconnected"
	StateFailed         State = "failed"
	StateClosed         State = "closed"
)

var transitions = map[State][]State{
	StateNew:            {StateAcquiringMedia},
	StateAcquiringMedia: {StateNew, StateConnecting, StateFailed},
	StateConnecting:     {StateConnected, StateFailed},
	StateConnected:      {StateDisconnected, StateFailed},
	StateDisconnected:   {StateConnecting, StateFailed},
	StateFailed:         {},
}

// CanTransition reports whether from → to is a legal move. Every state but
// closed may move to closed.
func CanTransition(from, to State) bool {
	if to == StateClosed {
		return from != StateClosed
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrMediaAccessDenied  = media.ErrAccessDenied
	ErrMediaUnavailable   = media.ErrUnavailable
	ErrNegotiationStale   = errors.New("negotiation message is stale")
	ErrConnectionFailed   = errors.New("peer connection failed")
	ErrAlreadyInitialized = errors.New("peer manager already initialized")
	ErrClosed             = errors.New("peer manager closed")
)

// Conn is one underlying peer connection. CreateOffer and CreateAnswer also
// apply the result as the local description.
type Conn interface {
	AddTrack(t *media.LocalTrack) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(sd webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	AddICECandidate(c webrtc.ICECandidateInit) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(media.RemoteTrack))

	Close() error
}

type ConnFactory interface {
	NewConn() (Conn, error)
}

// Signaler carries negotiation messages to the opponent.
type Signaler interface {
	Send(msg domain.NegotiationMessage) error
}
