package media

import (
	"sync"
)

// LocalStream is the captured camera and microphone pair.
type LocalStream struct {
	id    string
	Audio *LocalTrack
	Video *LocalTrack
}

func NewLocalStream(id string, audio, video *LocalTrack) *LocalStream {
	return &LocalStream{id: id, Audio: audio, Video: video}
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Tracks() []*LocalTrack {
	out := make([]*LocalTrack, 0, 2)
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	if s.Video != nil {
		out = append(out, s.Video)
	}
	return out
}

func (s *LocalStream) TrackCount() int { return len(s.Tracks()) }

// Stop ends every track and its capture.
func (s *LocalStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// RemoteStream collects the opponent's tracks as they arrive.
type RemoteStream struct {
	id string

	mu        sync.Mutex
	tracks    []RemoteTrack
	listeners []func(RemoteTrack)
}

func NewRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id}
}

func (s *RemoteStream) ID() string { return s.id }

func (s *RemoteStream) TrackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

func (s *RemoteStream) Tracks() []RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RemoteTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *RemoteStream) AddTrack(t RemoteTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	listeners := make([]func(RemoteTrack), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(t)
	}
}

// OnTrack calls fn for every track already present and every later one.
func (s *RemoteStream) OnTrack(fn func(RemoteTrack)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	existing := make([]RemoteTrack, len(s.tracks))
	copy(existing, s.tracks)
	s.mu.Unlock()
	for _, t := range existing {
		fn(t)
	}
}
