package domain

import "time"

type PresenceStatus string

const (
	StatusAvailable PresenceStatus = "available"
	StatusBusy      PresenceStatus = "busy"
	StatusInDebate  PresenceStatus = "in_debate"
)

// PresenceRecord is one participant currently present in a room.
type PresenceRecord struct {
	ParticipantID ParticipantID  `json:"participant_id"`
	DisplayName   string         `json:"display_name,omitempty"`
	Status        PresenceStatus `json:"status,omitempty"`
	JoinedAt      time.Time      `json:"joined_at"`
}
