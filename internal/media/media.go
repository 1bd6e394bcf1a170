// Package media holds local capture tracks, remote streams and the surfaces
// that render them.
package media

import (
	"context"
	"errors"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var (
	ErrAccessDenied = errors.New("media access denied")
	ErrUnavailable  = errors.New("media device unavailable")
)

// Source produces the local camera and microphone stream.
type Source interface {
	Acquire(ctx context.Context) (*LocalStream, error)
}

// Stream is anything a Surface can render.
type Stream interface {
	ID() string
	TrackCount() int
}

// Surface renders one stream at a time.
type Surface interface {
	Attach(Stream)
	Detach()
}

// RemoteTrack is the subset of *webrtc.TrackRemote used here.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}
