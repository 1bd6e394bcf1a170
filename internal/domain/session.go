package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotParticipant  = errors.New("not a participant of this session")
	ErrSameParticipant = errors.New("session needs two distinct participants")
)

type SessionID string

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Session identifies one debate between exactly two participants.
// Participants[0] is the sender of the original debate request.
type Session struct {
	ID           SessionID        `json:"id"`
	Participants [2]ParticipantID `json:"participants"`
	Topic        string           `json:"topic"`
}

func NewSession(id SessionID, sender, receiver ParticipantID, topic string) (*Session, error) {
	if err := sender.Validate(); err != nil {
		return nil, err
	}
	if err := receiver.Validate(); err != nil {
		return nil, err
	}
	if sender == receiver {
		return nil, ErrSameParticipant
	}
	return &Session{ID: id, Participants: [2]ParticipantID{sender, receiver}, Topic: topic}, nil
}

// RoleOf derives the negotiation role from the request sender, never from
// arrival order.
func (s *Session) RoleOf(self ParticipantID) (Role, error) {
	switch self {
	case s.Participants[0]:
		return RoleInitiator, nil
	case s.Participants[1]:
		return RoleResponder, nil
	}
	return "", ErrNotParticipant
}

func (s *Session) Opponent(self ParticipantID) (ParticipantID, error) {
	switch self {
	case s.Participants[0]:
		return s.Participants[1], nil
	case s.Participants[1]:
		return s.Participants[0], nil
	}
	return "", ErrNotParticipant
}

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
)

// SessionRecord is the bookkeeping row written at session start and end.
type SessionRecord struct {
	SessionID    SessionID
	Participant1 ParticipantID
	Participant2 ParticipantID
	Topic        string
	Status       SessionStatus
	WinnerID     ParticipantID
	StartedAt    time.Time
	EndedAt      time.Time
	Data         json.RawMessage
}
