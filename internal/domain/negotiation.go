package domain

import (
	"encoding/json"
	"fmt"
)

type NegotiationKind string

const (
	KindOffer        NegotiationKind = "offer"
	KindAnswer       NegotiationKind = "answer"
	KindICECandidate NegotiationKind = "ice-candidate"
)

// NegotiationMessage is the signaling envelope exchanged over the relay.
// Payload is a session description for offer/answer and a candidate init
// for ice-candidate.
type NegotiationMessage struct {
	Kind      NegotiationKind `json:"type"`
	SenderID  ParticipantID   `json:"from"`
	SessionID SessionID       `json:"debateId"`
	Payload   json.RawMessage `json:"data"`
}

func (m NegotiationMessage) Validate() error {
	switch m.Kind {
	case KindOffer, KindAnswer, KindICECandidate:
	default:
		return fmt.Errorf("unknown negotiation kind %q", m.Kind)
	}
	if m.SenderID == "" {
		return ErrParticipantIDEmpty
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Kind)
	}
	return nil
}
