package core

import (
	"encoding/json"

	"github.com/dkeye/Debate/internal/domain"
	"github.com/dkeye/Debate/internal/protocol"
)

// Frame is an encoded protocol envelope ready to be written to one connection.
type Frame []byte

// SessionID identifies one relay connection.
type SessionID string

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// MemberSession binds domain.Member and its transport endpoint.
// This is what a topic stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
}

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []SessionID
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID          domain.ParticipantID `json:"id"`
	DisplayName string               `json:"display_name"`
}

// TopicService is the core-facing API of a topic.
// It owns the subscriber set and presence, but never touches transport resources.
type TopicService interface {
	Topic() *domain.Topic
	SubscriberCount() int
	SubscribersSnapshot() []MemberDTO
	HasSubscriber(sid SessionID) bool

	AddSubscriber(sid SessionID, ms MemberSession)
	// RemoveSubscriber drops sid and returns the presence keys it held.
	RemoveSubscriber(sid SessionID) protocol.PresenceState
	Broadcast(from SessionID, data Frame) PublishResult

	// Track registers key for sid. A key tracked again replaces the prior
	// record; a sid holds one key per topic.
	Track(sid SessionID, key string, meta json.RawMessage) (joins, leaves protocol.PresenceState)
	Untrack(sid SessionID) protocol.PresenceState
	PresenceState() protocol.PresenceState
}

type TopicInfo struct {
	Name            domain.TopicName `json:"name"`
	SubscriberCount int              `json:"subscriber_count"`
	PresenceCount   int              `json:"presence_count"`
}

type TopicManager interface {
	GetOrCreate(name domain.TopicName) TopicService
	Get(name domain.TopicName) (TopicService, bool)
	List() []TopicInfo
	StopTopic(name domain.TopicName)
}
