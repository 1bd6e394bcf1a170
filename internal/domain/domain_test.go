package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestRoleComesFromRequestSender(t *testing.T) {
	s, err := NewSession("s1", "alice", "bob", "cats vs dogs")
	if err != nil {
		t.Fatal(err)
	}
	if r, _ := s.RoleOf("alice"); r != RoleInitiator {
		t.Fatalf("alice role = %q", r)
	}
	if r, _ := s.RoleOf("bob"); r != RoleResponder {
		t.Fatalf("bob role = %q", r)
	}
	if _, err := s.RoleOf("carol"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider: %v", err)
	}
	if o, _ := s.Opponent("bob"); o != "alice" {
		t.Fatalf("bob's opponent = %q", o)
	}
	if _, err := s.Opponent("carol"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider opponent: %v", err)
	}
}

func TestNewSessionValidates(t *testing.T) {
	if _, err := NewSession("s1", "alice", "alice", ""); !errors.Is(err, ErrSameParticipant) {
		t.Fatalf("same participant: %v", err)
	}
	if _, err := NewSession("s1", "", "bob", ""); !errors.Is(err, ErrParticipantIDEmpty) {
		t.Fatalf("empty sender: %v", err)
	}
	long := ParticipantID(strings.Repeat("a", MaxParticipantIDLen+1))
	if _, err := NewSession("s1", "alice", long, ""); !errors.Is(err, ErrParticipantIDTooLong) {
		t.Fatalf("long receiver: %v", err)
	}
}

func TestNegotiationMessageValidate(t *testing.T) {
	ok := NegotiationMessage{Kind: KindOffer, SenderID: "alice", SessionID: "s1", Payload: json.RawMessage(`{"sdp":"v=0"}`)}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}

	bad := []NegotiationMessage{
		{Kind: "renegotiate", SenderID: "alice", Payload: ok.Payload},
		{Kind: KindAnswer, Payload: ok.Payload},
		{Kind: KindICECandidate, SenderID: "alice"},
	}
	for _, m := range bad {
		if err := m.Validate(); err == nil {
			t.Errorf("%+v accepted", m)
		}
	}
}

func TestNegotiationMessageWireNames(t *testing.T) {
	raw := `{"type":"ice-candidate","from":"bob","debateId":"s1","data":{"candidate":"c"}}`
	var m NegotiationMessage
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatal(err)
	}
	if m.Kind != KindICECandidate || m.SenderID != "bob" || m.SessionID != "s1" {
		t.Fatalf("decoded %+v", m)
	}
}

func TestUserDisplayName(t *testing.T) {
	u, err := NewUser("alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if u.DisplayName != "guest" {
		t.Fatalf("empty name = %q", u.DisplayName)
	}
	if err := u.SetDisplayName(strings.Repeat("n", MaxDisplayNameLen+1)); !errors.Is(err, ErrDisplayNameTooLong) {
		t.Fatalf("long name: %v", err)
	}
}

func TestTopicNames(t *testing.T) {
	if PresenceTopic("s1") != "debate-presence-s1" || SignalTopic("s1") != "webrtc-debate-s1" || RoomTopic("s1") != "debate-room-s1" {
		t.Fatal("topic naming changed")
	}
}
