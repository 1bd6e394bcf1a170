// Package protocol defines the JSON frames exchanged between relay clients
// and the relay server.
package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

// client -> server
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeBroadcast   = "broadcast"
	TypeTrack       = "track"
	TypeUntrack     = "untrack"
	TypePing        = "ping"
	TypeWhoAmI      = "whoami"
)

// server -> client
const (
	TypeSubscribed    = "subscribed"
	TypeUnsubscribed  = "unsubscribed"
	TypePresenceState = "presence_state"
	TypePresenceDiff  = "presence_diff"
	TypePong          = "pong"
	TypeError         = "error"
)

var ErrNoType = errors.New("frame without type")

// Envelope is the single frame shape used in both directions. Fields that
// do not apply to a given type are omitted.
type Envelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Event   string          `json:"event,omitempty"`
	From    string          `json:"from,omitempty"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Meta    json.RawMessage `json:"meta,omitempty"`
	State   PresenceState   `json:"state,omitempty"`
	Joins   PresenceState   `json:"joins,omitempty"`
	Leaves  PresenceState   `json:"leaves,omitempty"`
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// PresenceEntry is what the relay knows about one tracked key.
type PresenceEntry struct {
	Key      string          `json:"key"`
	Meta     json.RawMessage `json:"meta,omitempty"`
	JoinedAt time.Time       `json:"joined_at"`
}

// PresenceState maps presence keys to their current entry.
type PresenceState map[string]PresenceEntry

func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return e, err
	}
	if e.Type == "" {
		return e, ErrNoType
	}
	return e, nil
}
