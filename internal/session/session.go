// Package session wires presence, signaling and the peer manager together
// for one debate.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/Debate/internal/domain"
	"github.com/dkeye/Debate/internal/peer"
)

//go:generate mockgen -destination=mock_store_test.go -package=session . Store

// Relay topic names and events for a session.
const (
	EventSignal        = "webrtc-signal"
	EventRestart       = "webrtc-restart"
	EventScore         = "score_update"
	EventActiveSpeaker = "active_speaker"
)

const DefaultMaxRestarts = 1

var (
	ErrNotJoined     = errors.New("no session joined")
	ErrWrongSession  = errors.New("session is not the joined one")
	ErrInvalidResult = errors.New("invalid session result")
)

func PresenceRoom(id domain.SessionID) string { return "debate-presence-" + string(id) }
func SignalTopic(id domain.SessionID) string  { return "webrtc-debate-" + string(id) }
func RoomTopic(id domain.SessionID) string    { return "debate-room-" + string(id) }

// Result is what a finished debate leaves in the session record.
type Result struct {
	Winner domain.ParticipantID
	// Data is stored as the debate's JSON payload (final scores, transcript).
	Data json.RawMessage
}

// Store records session start and end. Only the initiator writes.
type Store interface {
	RecordStart(ctx context.Context, rec domain.SessionRecord) error
	RecordEnd(ctx context.Context, rec domain.SessionRecord) error
}

type Options struct {
	NegotiationTimeout time.Duration
	// MaxRestarts bounds full restarts after a failed connection. Zero means
	// DefaultMaxRestarts, negative disables restarts.
	MaxRestarts int
	DisplayName string
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxRestarts == 0 {
		o.MaxRestarts = DefaultMaxRestarts
	}
	if o.MaxRestarts < 0 {
		o.MaxRestarts = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// View is what the user-facing layer renders.
type View struct {
	SessionID    domain.SessionID
	Role         domain.Role
	Opponent     domain.ParticipantID
	PeerState    peer.State
	Participants int
	// OpponentLeft follows presence, not the connection.
	OpponentLeft bool
	Restarts     int
	Joined       bool
}

type scorePayload struct {
	UserID domain.ParticipantID `json:"userId"`
	Scores any                  `json:"scores"`
}

type speakerPayload struct {
	UserID domain.ParticipantID `json:"userId"`
}

type restartPayload struct {
	Attempt int `json:"attempt"`
}
