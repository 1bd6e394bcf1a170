package orch

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/Debate/internal/app"
	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
	"github.com/dkeye/Debate/internal/metrics"
	"github.com/dkeye/Debate/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNotSubscribed  = errors.New("not subscribed to topic")
	ErrEmptyTopic     = errors.New("empty topic name")
)

type Orchestrator struct {
	Registry *app.Registry
	Topics   core.TopicManager
	Policy   app.Policy
	Metrics  *metrics.Relay
}

// Publish fans a broadcast event out to every other subscriber of topic.
func (o *Orchestrator) Publish(sid core.SessionID, name domain.TopicName, event string, payload json.RawMessage) error {
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return ErrUnknownSession
	}
	if !o.Registry.HasTopic(sid, name) {
		return ErrNotSubscribed
	}
	topic, ok := o.Topics.Get(name)
	if !ok {
		return ErrNotSubscribed
	}
	frame, err := protocol.Encode(protocol.Envelope{
		Type:    protocol.TypeBroadcast,
		Topic:   string(name),
		Event:   event,
		From:    string(sess.Meta().User.ID),
		Payload: payload,
	})
	if err != nil {
		return err
	}
	res := topic.Broadcast(sid, frame)
	if o.Metrics != nil {
		o.Metrics.Published.WithLabelValues(event).Inc()
	}
	o.handleDropped(topic, res)
	return nil
}

func (o *Orchestrator) handleDropped(topic core.TopicService, res core.PublishResult) {
	if len(res.Dropped) == 0 {
		return
	}
	if o.Metrics != nil {
		o.Metrics.Dropped.Add(float64(len(res.Dropped)))
	}
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(topic, slow) {
		case app.KickMember:
			log.Warn().Str("module", "orch").Str("sid", string(slow)).Str("topic", string(topic.Topic().Name)).Msg("kicking slow subscriber")
			o.Kick(slow)
		case app.DropFrame, app.NoAction:
		}
	}
}

// SendTo writes one envelope to a single connection.
func (o *Orchestrator) SendTo(sid core.SessionID, env protocol.Envelope) {
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return
	}
	frame, err := protocol.Encode(env)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", env.Type).Msg("encode failed")
		return
	}
	if err := sess.Signal().TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Str("type", env.Type).Msg("direct send dropped")
	}
}

func (o *Orchestrator) syncTopicGauge() {
	if o.Metrics != nil {
		o.Metrics.Topics.Set(float64(len(o.Topics.List())))
	}
}
