package core

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/dkeye/Debate/internal/domain"
	"github.com/dkeye/Debate/internal/protocol"
	"github.com/rs/zerolog/log"
)

type presenceSlot struct {
	sid   SessionID
	entry protocol.PresenceEntry
}

// topicImpl is a threadsafe in-memory topic.
// It never closes adapter-owned resources.
type topicImpl struct {
	topic *domain.Topic

	mu       sync.RWMutex
	bySID    map[SessionID]MemberSession
	presence map[string]presenceSlot
	keyOf    map[SessionID]string
	now      func() time.Time
}

func NewTopicService(topic *domain.Topic) TopicService {
	return &topicImpl{
		topic:    topic,
		bySID:    make(map[SessionID]MemberSession),
		presence: make(map[string]presenceSlot),
		keyOf:    make(map[SessionID]string),
		now:      time.Now,
	}
}

func (t *topicImpl) Topic() *domain.Topic { return t.topic }

func (t *topicImpl) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.bySID)
}

func (t *topicImpl) HasSubscriber(sid SessionID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.bySID[sid]
	return ok
}

func (t *topicImpl) AddSubscriber(sid SessionID, ms MemberSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bySID[sid] = ms
	log.Info().Str("module", "core.topic").Str("topic", string(t.topic.Name)).Str("sid", string(sid)).Msg("subscriber added")
}

func (t *topicImpl) RemoveSubscriber(sid SessionID) protocol.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	leaves := t.untrackLocked(sid)
	delete(t.bySID, sid)
	log.Info().Str("module", "core.topic").Str("topic", string(t.topic.Name)).Str("sid", string(sid)).Msg("subscriber removed")
	return leaves
}

func (t *topicImpl) Broadcast(from SessionID, data Frame) PublishResult {
	t.mu.RLock()
	defer t.mu.RUnlock()
	res := PublishResult{}
	for sid, m := range t.bySID {
		if sid == from {
			continue
		}
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, sid)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.topic").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (t *topicImpl) Track(sid SessionID, key string, meta json.RawMessage) (joins, leaves protocol.PresenceState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	joins = protocol.PresenceState{}
	leaves = protocol.PresenceState{}

	if prev, ok := t.keyOf[sid]; ok && prev != key {
		if slot, ok := t.presence[prev]; ok && slot.sid == sid {
			leaves[prev] = slot.entry
			delete(t.presence, prev)
		}
	}
	// the same key tracked from another connection moves to this one
	if slot, ok := t.presence[key]; ok && slot.sid != sid {
		delete(t.keyOf, slot.sid)
	}

	entry := protocol.PresenceEntry{Key: key, Meta: meta, JoinedAt: t.now().UTC()}
	t.presence[key] = presenceSlot{sid: sid, entry: entry}
	t.keyOf[sid] = key
	joins[key] = entry
	log.Info().Str("module", "core.topic").Str("topic", string(t.topic.Name)).Str("sid", string(sid)).Str("key", key).Msg("presence tracked")
	return joins, leaves
}

func (t *topicImpl) Untrack(sid SessionID) protocol.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.untrackLocked(sid)
}

func (t *topicImpl) untrackLocked(sid SessionID) protocol.PresenceState {
	leaves := protocol.PresenceState{}
	key, ok := t.keyOf[sid]
	if !ok {
		return leaves
	}
	delete(t.keyOf, sid)
	if slot, ok := t.presence[key]; ok && slot.sid == sid {
		leaves[key] = slot.entry
		delete(t.presence, key)
	}
	return leaves
}

func (t *topicImpl) PresenceState() protocol.PresenceState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(protocol.PresenceState, len(t.presence))
	for key, slot := range t.presence {
		out[key] = slot.entry
	}
	return out
}

func (t *topicImpl) SubscribersSnapshot() []MemberDTO {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]MemberDTO, 0, len(t.bySID))
	for _, ms := range t.bySID {
		u := ms.Meta().User
		out = append(out, MemberDTO{ID: u.ID, DisplayName: u.DisplayName})
	}
	return out
}
