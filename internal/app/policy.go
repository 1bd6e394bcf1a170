package app

import "github.com/dkeye/Debate/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

type Policy interface {
	OnBackPressure(topic core.TopicService, sid core.SessionID) BackpressureAction
}

// KickPolicy disconnects a subscriber whose queue is full.
type KickPolicy struct{}

func (KickPolicy) OnBackPressure(core.TopicService, core.SessionID) BackpressureAction {
	return KickMember
}

// DropPolicy drops the frame for the slow subscriber and keeps it connected.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(core.TopicService, core.SessionID) BackpressureAction {
	return DropFrame
}

// PolicyByName maps the config value to a policy; unknown names kick.
func PolicyByName(name string) Policy {
	if name == "drop" {
		return DropPolicy{}
	}
	return KickPolicy{}
}
