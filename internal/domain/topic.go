package domain

import "time"

type TopicName string

type Topic struct {
	Name      TopicName
	CreatedAt time.Time
}

const (
	presenceTopicPrefix = "debate-presence-"
	signalTopicPrefix   = "webrtc-debate-"
	roomTopicPrefix     = "debate-room-"
)

// PresenceTopic is the room a session's participants announce themselves in.
func PresenceTopic(id SessionID) TopicName { return TopicName(presenceTopicPrefix + string(id)) }

// SignalTopic carries offer/answer/candidate messages for a session.
func SignalTopic(id SessionID) TopicName { return TopicName(signalTopicPrefix + string(id)) }

// RoomTopic carries application broadcasts (scores, active speaker).
func RoomTopic(id SessionID) TopicName { return TopicName(roomTopicPrefix + string(id)) }
