package orch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
	"github.com/dkeye/Debate/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) Track(sid core.SessionID, name domain.TopicName, key string, meta json.RawMessage) error {
	topic, err := o.subscribedTopic(sid, name)
	if err != nil {
		return err
	}
	if key == "" {
		key = string(sid)
	}
	joins, leaves := topic.Track(sid, key, meta)
	o.broadcastPresence(topic, joins, leaves)
	return nil
}

func (o *Orchestrator) Untrack(sid core.SessionID, name domain.TopicName) error {
	topic, err := o.subscribedTopic(sid, name)
	if err != nil {
		return err
	}
	o.broadcastPresence(topic, nil, topic.Untrack(sid))
	return nil
}

func (o *Orchestrator) subscribedTopic(sid core.SessionID, name domain.TopicName) (core.TopicService, error) {
	if _, ok := o.Registry.GetSession(sid); !ok {
		return nil, ErrUnknownSession
	}
	if !o.Registry.HasTopic(sid, name) {
		return nil, ErrNotSubscribed
	}
	topic, ok := o.Topics.Get(name)
	if !ok {
		return nil, ErrNotSubscribed
	}
	return topic, nil
}

// broadcastPresence sends the diff and then the full state to every
// subscriber, so a client that missed a diff converges on the snapshot.
func (o *Orchestrator) broadcastPresence(topic core.TopicService, joins, leaves protocol.PresenceState) {
	if len(joins) == 0 && len(leaves) == 0 {
		return
	}
	if o.Metrics != nil {
		o.Metrics.PresenceChanges.WithLabelValues("join").Add(float64(len(joins)))
		o.Metrics.PresenceChanges.WithLabelValues("leave").Add(float64(len(leaves)))
	}
	name := string(topic.Topic().Name)
	diff, err := protocol.Encode(protocol.Envelope{Type: protocol.TypePresenceDiff, Topic: name, Joins: joins, Leaves: leaves})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode presence diff")
		return
	}
	o.handleDropped(topic, topic.Broadcast("", diff))
	o.broadcastState(topic)
}

func (o *Orchestrator) broadcastState(topic core.TopicService) {
	state, err := protocol.Encode(protocol.Envelope{
		Type:  protocol.TypePresenceState,
		Topic: string(topic.Topic().Name),
		State: topic.PresenceState(),
	})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode presence state")
		return
	}
	o.handleDropped(topic, topic.Broadcast("", state))
}

// RunPresenceSync pushes a full presence_state to every topic each period
// until ctx is done.
func (o *Orchestrator) RunPresenceSync(ctx context.Context, period time.Duration) {
	if period <= 0 {
		return
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, info := range o.Topics.List() {
				if topic, ok := o.Topics.Get(info.Name); ok {
					o.broadcastState(topic)
				}
			}
		}
	}
}
