package orch

import (
	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
	"github.com/dkeye/Debate/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Subscribe adds sid to the topic, replacing an earlier subscription of the
// same connection, acknowledges with ref and sends the current presence.
func (o *Orchestrator) Subscribe(sid core.SessionID, name domain.TopicName, ref string) error {
	if name == "" {
		return ErrEmptyTopic
	}
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return ErrUnknownSession
	}
	if o.Registry.HasTopic(sid, name) {
		o.leaveTopic(sid, name)
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("topic", string(name)).Msg("replacing subscription")
	}

	topic := o.Topics.GetOrCreate(name)
	topic.AddSubscriber(sid, sess)
	o.Registry.AddTopic(sid, name)
	if o.Metrics != nil {
		o.Metrics.Subscriptions.Inc()
	}
	o.syncTopicGauge()

	o.SendTo(sid, protocol.Envelope{Type: protocol.TypeSubscribed, Topic: string(name), Ref: ref})
	o.SendTo(sid, protocol.Envelope{Type: protocol.TypePresenceState, Topic: string(name), State: topic.PresenceState()})
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("topic", string(name)).Msg("subscribed")
	return nil
}

// Unsubscribe always acknowledges, so a repeated call is harmless.
func (o *Orchestrator) Unsubscribe(sid core.SessionID, name domain.TopicName) {
	o.leaveTopic(sid, name)
	o.SendTo(sid, protocol.Envelope{Type: protocol.TypeUnsubscribed, Topic: string(name)})
}

func (o *Orchestrator) leaveTopic(sid core.SessionID, name domain.TopicName) {
	if !o.Registry.RemoveTopic(sid, name) {
		return
	}
	topic, ok := o.Topics.Get(name)
	if !ok {
		return
	}
	leaves := topic.RemoveSubscriber(sid)
	if o.Metrics != nil {
		o.Metrics.Subscriptions.Dec()
	}
	if topic.SubscriberCount() == 0 {
		o.Topics.StopTopic(name)
		o.syncTopicGauge()
		log.Info().Str("module", "orch").Str("topic", string(name)).Msg("topic removed")
		return
	}
	o.broadcastPresence(topic, nil, leaves)
}

// Disconnect drops every subscription of sid and forgets the connection.
func (o *Orchestrator) Disconnect(sid core.SessionID) {
	for _, name := range o.Registry.TopicsOf(sid) {
		o.leaveTopic(sid, name)
	}
	o.Registry.Unbind(sid)
}

// Kick removes sid from its topics and cancels its connection.
func (o *Orchestrator) Kick(sid core.SessionID) {
	for _, name := range o.Registry.TopicsOf(sid) {
		o.leaveTopic(sid, name)
	}
	if o.Registry.Cancel(sid) && o.Metrics != nil {
		o.Metrics.Kicked.Inc()
	}
}

func (o *Orchestrator) EvictTopic(name domain.TopicName) {
	topic, ok := o.Topics.Get(name)
	if !ok {
		return
	}
	for _, m := range o.subscribersOf(topic) {
		o.Kick(m)
	}
	o.Topics.StopTopic(name)
	o.syncTopicGauge()
}

func (o *Orchestrator) subscribersOf(topic core.TopicService) []core.SessionID {
	var out []core.SessionID
	name := topic.Topic().Name
	for _, sid := range o.Registry.SessionIDs() {
		if topic.HasSubscriber(sid) && o.Registry.HasTopic(sid, name) {
			out = append(out, sid)
		}
	}
	return out
}
