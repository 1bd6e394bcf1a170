package app

import (
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
)

type TopicManagerImpl struct {
	mu     sync.RWMutex
	topics map[domain.TopicName]core.TopicService
}

func NewTopicManager() core.TopicManager {
	return &TopicManagerImpl{topics: make(map[domain.TopicName]core.TopicService)}
}

func (f *TopicManagerImpl) GetOrCreate(name domain.TopicName) core.TopicService {
	f.mu.RLock()
	topic, ok := f.topics[name]
	f.mu.RUnlock()
	if ok {
		return topic
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if topic, ok = f.topics[name]; ok {
		return topic
	}
	topic = core.NewTopicService(&domain.Topic{Name: name, CreatedAt: time.Now()})
	f.topics[name] = topic
	return topic
}

func (f *TopicManagerImpl) Get(name domain.TopicName) (core.TopicService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	topic, ok := f.topics[name]
	return topic, ok
}

func (f *TopicManagerImpl) List() []core.TopicInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.TopicInfo, 0, len(f.topics))
	for name, t := range f.topics {
		out = append(out, core.TopicInfo{
			Name:            name,
			SubscriberCount: t.SubscriberCount(),
			PresenceCount:   len(t.PresenceState()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (f *TopicManagerImpl) StopTopic(name domain.TopicName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.topics, name)
}
