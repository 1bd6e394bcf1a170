package media

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var ErrTrackStopped = errors.New("track stopped")

type TrackState int32

const (
	TrackLive TrackState = iota
	TrackMuted
	TrackStopped
)

func (s TrackState) String() string {
	switch s {
	case TrackLive:
		return "live"
	case TrackMuted:
		return "muted"
	default:
		return "stopped"
	}
}

// LocalTrack is an outgoing sample track. A muted track stays attached to the
// connection and drops samples.
type LocalTrack struct {
	Track *webrtc.TrackLocalStaticSample

	state    atomic.Int32
	stopOnce sync.Once
	onStop   func()
}

func NewLocalTrack(track *webrtc.TrackLocalStaticSample, onStop func()) *LocalTrack {
	return &LocalTrack{Track: track, onStop: onStop}
}

func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.Track.Kind() }

func (t *LocalTrack) State() TrackState { return TrackState(t.state.Load()) }

func (t *LocalTrack) Enabled() bool { return t.State() == TrackLive }

func (t *LocalTrack) SetEnabled(enabled bool) {
	next := TrackMuted
	if enabled {
		next = TrackLive
	}
	for {
		cur := t.state.Load()
		if TrackState(cur) == TrackStopped {
			return
		}
		if t.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// Toggle flips the enabled flag and reports the new value.
func (t *LocalTrack) Toggle() bool {
	for {
		cur := TrackState(t.state.Load())
		switch cur {
		case TrackStopped:
			return false
		case TrackLive:
			if t.state.CompareAndSwap(int32(cur), int32(TrackMuted)) {
				return false
			}
		case TrackMuted:
			if t.state.CompareAndSwap(int32(cur), int32(TrackLive)) {
				return true
			}
		}
	}
}

func (t *LocalTrack) Stop() {
	t.state.Store(int32(TrackStopped))
	t.stopOnce.Do(func() {
		if t.onStop != nil {
			t.onStop()
		}
	})
}

func (t *LocalTrack) WriteSample(s pionmedia.Sample) error {
	switch t.State() {
	case TrackStopped:
		return ErrTrackStopped
	case TrackMuted:
		return nil
	}
	return t.Track.WriteSample(s)
}
