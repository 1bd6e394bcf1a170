// Package presence keeps a per-room roster of participants on top of the
// relay's presence primitive.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Debate/internal/domain"
	"github.com/dkeye/Debate/internal/protocol"
	"github.com/dkeye/Debate/internal/relay"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Tracker struct {
	ch     relay.Channel
	logger zerolog.Logger
	now    func() time.Time
}

func NewTracker(ch relay.Channel) *Tracker {
	return &Tracker{
		ch:     ch,
		logger: log.With().Str("module", "presence").Logger(),
		now:    time.Now,
	}
}

// Join subscribes to room, starts reconciling its roster and announces self.
func (t *Tracker) Join(ctx context.Context, room string, self domain.PresenceRecord) (*Roster, error) {
	if err := self.ParticipantID.Validate(); err != nil {
		return nil, err
	}
	if self.Status == "" {
		self.Status = domain.StatusAvailable
	}
	if self.JoinedAt.IsZero() {
		self.JoinedAt = t.now().UTC()
	}

	sub, err := t.ch.Subscribe(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", room, err)
	}
	r := newRoster(room, self.ParticipantID, sub, t.logger)
	t.ch.OnEvent(sub, relay.EventPresenceState, r.applyState)
	t.ch.OnEvent(sub, relay.EventPresenceDiff, r.applyDiff)

	if err := t.ch.Track(sub, string(self.ParticipantID), self); err != nil {
		t.ch.Unsubscribe(sub)
		return nil, fmt.Errorf("track self in %s: %w", room, err)
	}
	t.logger.Info().Str("room", room).Str("self", string(self.ParticipantID)).Msg("joined")
	return r, nil
}

// Leave withdraws self and closes the room subscription. Safe to repeat.
func (t *Tracker) Leave(r *Roster) {
	if r == nil || !r.markLeft() {
		return
	}
	if err := t.ch.Untrack(r.sub); err != nil {
		t.logger.Debug().Err(err).Str("room", r.room).Msg("untrack failed")
	}
	t.ch.Unsubscribe(r.sub)
	t.logger.Info().Str("room", r.room).Msg("left")
}

// Roster is the reconciled view of one room.
type Roster struct {
	room   string
	self   domain.ParticipantID
	sub    *relay.Subscription
	logger zerolog.Logger

	mu      sync.Mutex
	members map[domain.ParticipantID]domain.PresenceRecord
	onJoin  []func(domain.PresenceRecord)
	onLeave []func(domain.PresenceRecord)
	onSync  []func([]domain.PresenceRecord)
	left    bool
}

func newRoster(room string, self domain.ParticipantID, sub *relay.Subscription, logger zerolog.Logger) *Roster {
	return &Roster{
		room:    room,
		self:    self,
		sub:     sub,
		logger:  logger,
		members: make(map[domain.ParticipantID]domain.PresenceRecord),
	}
}

func (r *Roster) Room() string { return r.room }

// Snapshot returns members ordered by join time. Self is included.
func (r *Roster) Snapshot() []domain.PresenceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Roster) snapshotLocked() []domain.PresenceRecord {
	out := make([]domain.PresenceRecord, 0, len(r.members))
	for _, rec := range r.members {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out
}

func (r *Roster) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Roster) Has(id domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[id]
	return ok
}

// OnJoin fires for every other participant that appears.
func (r *Roster) OnJoin(fn func(domain.PresenceRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onJoin = append(r.onJoin, fn)
}

// OnLeave fires for every other participant that disappears.
func (r *Roster) OnLeave(fn func(domain.PresenceRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLeave = append(r.onLeave, fn)
}

// OnSync fires after every full snapshot and every applied delta.
func (r *Roster) OnSync(fn func([]domain.PresenceRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSync = append(r.onSync, fn)
}

func (r *Roster) markLeft() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.left {
		return false
	}
	r.left = true
	r.onJoin, r.onLeave, r.onSync = nil, nil, nil
	return true
}

func record(key string, e protocol.PresenceEntry) domain.PresenceRecord {
	var rec domain.PresenceRecord
	if len(e.Meta) > 0 {
		_ = json.Unmarshal(e.Meta, &rec)
	}
	if rec.ParticipantID == "" {
		rec.ParticipantID = domain.ParticipantID(key)
	}
	if rec.JoinedAt.IsZero() {
		rec.JoinedAt = e.JoinedAt
	}
	return rec
}

type change struct {
	joins  []domain.PresenceRecord
	leaves []domain.PresenceRecord
}

// applyState replaces the roster with a full snapshot. Applying the same
// snapshot twice changes nothing and fires no join or leave.
func (r *Roster) applyState(ev relay.Event) {
	next := make(map[domain.ParticipantID]domain.PresenceRecord, len(ev.State))
	for key, e := range ev.State {
		rec := record(key, e)
		next[rec.ParticipantID] = rec
	}

	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return
	}
	var c change
	for id, rec := range next {
		if _, ok := r.members[id]; !ok {
			c.joins = append(c.joins, rec)
		}
	}
	for id, rec := range r.members {
		if _, ok := next[id]; !ok {
			c.leaves = append(c.leaves, rec)
		}
	}
	r.members = next
	r.mu.Unlock()

	r.logger.Debug().Str("room", r.room).Int("count", len(next)).Msg("presence sync")
	r.emit(c)
}

// applyDiff applies a delta. A key that both leaves and joins in one delta
// is a replaced record, not a departure.
func (r *Roster) applyDiff(ev relay.Event) {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return
	}
	var c change
	for key, e := range ev.Leaves {
		if _, replaced := ev.Joins[key]; replaced {
			continue
		}
		id := record(key, e).ParticipantID
		if rec, ok := r.members[id]; ok {
			delete(r.members, id)
			c.leaves = append(c.leaves, rec)
		}
	}
	for key, e := range ev.Joins {
		rec := record(key, e)
		_, existed := r.members[rec.ParticipantID]
		r.members[rec.ParticipantID] = rec
		if !existed {
			c.joins = append(c.joins, rec)
		}
	}
	r.mu.Unlock()
	r.emit(c)
}

func (r *Roster) emit(c change) {
	r.mu.Lock()
	onJoin := append(([]func(domain.PresenceRecord))(nil), r.onJoin...)
	onLeave := append(([]func(domain.PresenceRecord))(nil), r.onLeave...)
	onSync := append(([]func([]domain.PresenceRecord))(nil), r.onSync...)
	snap := r.snapshotLocked()
	r.mu.Unlock()

	for _, rec := range c.leaves {
		if rec.ParticipantID == r.self {
			continue
		}
		r.logger.Info().Str("room", r.room).Str("participant", string(rec.ParticipantID)).Msg("left room")
		for _, fn := range onLeave {
			fn(rec)
		}
	}
	for _, rec := range c.joins {
		if rec.ParticipantID == r.self {
			continue
		}
		r.logger.Info().Str("room", r.room).Str("participant", string(rec.ParticipantID)).Msg("joined room")
		for _, fn := range onJoin {
			fn(rec)
		}
	}
	for _, fn := range onSync {
		fn(snap)
	}
}
