package app

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	Session core.MemberSession
	Cancel  context.CancelFunc
	Topics  map[domain.TopicName]struct{}
}

// Registry tracks live relay connections, their identity and the topics
// each one is subscribed to.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
	users    map[core.SessionID]*domain.User
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
		users:    make(map[core.SessionID]*domain.User),
	}
}

func (r *Registry) GetOrCreateUser(sid core.SessionID) *domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[sid]; ok {
		return u
	}
	u := domain.NewGuest()
	r.users[sid] = u
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(u.ID)).Msg("created guest user")
	return u
}

// SetUser binds an authenticated identity to sid.
func (r *Registry) SetUser(sid core.SessionID, u *domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[sid] = u
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(u.ID)).Msg("bound user")
}

func (r *Registry) BindSignal(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{
		Session: sess,
		Cancel:  cancel,
		Topics:  make(map[domain.TopicName]struct{}),
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound signal")
}

func (r *Registry) GetSession(sid core.SessionID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Session, true
	}
	return nil, false
}

func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
	delete(r.users, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

func (r *Registry) TopicsOf(sid core.SessionID) []domain.TopicName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil
	}
	out := make([]domain.TopicName, 0, len(e.Topics))
	for name := range e.Topics {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) HasTopic(sid core.SessionID, name domain.TopicName) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	_, ok = e.Topics[name]
	return ok
}

func (r *Registry) AddTopic(sid core.SessionID, name domain.TopicName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	e.Topics[name] = struct{}{}
	return true
}

func (r *Registry) RemoveTopic(sid core.SessionID, name domain.TopicName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	if _, ok := e.Topics[name]; !ok {
		return false
	}
	delete(e.Topics, name)
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}

func (r *Registry) SessionIDs() []core.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.SessionID, 0, len(r.sessions))
	for sid := range r.sessions {
		out = append(out, sid)
	}
	return out
}
