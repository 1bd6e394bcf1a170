package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// Recorder is a Surface that writes the attached remote stream to disk:
// VP8 video to ivf, Opus audio to ogg.
type Recorder struct {
	dir    string
	prefix string

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRecorder(dir, prefix string) *Recorder {
	return &Recorder{dir: dir, prefix: prefix}
}

func (r *Recorder) Attach(s Stream) {
	rs, ok := s.(*RemoteStream)
	if !ok {
		log.Warn().Str("module", "media.recorder").Str("stream", s.ID()).Msg("not a remote stream, ignoring")
		return
	}
	r.Detach()
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		log.Error().Err(err).Str("module", "media.recorder").Str("dir", r.dir).Msg("create record dir")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	rs.OnTrack(func(t RemoteTrack) {
		if ctx.Err() != nil {
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.record(ctx, rs.ID(), t)
		}()
	})
	log.Info().Str("module", "media.recorder").Str("stream", rs.ID()).Msg("attached")
}

// Detach stops writing. Loops blocked on a read end when the track does.
func (r *Recorder) Detach() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		log.Info().Str("module", "media.recorder").Msg("detached")
	}
}

// Wait blocks until every record loop has finished.
func (r *Recorder) Wait() { r.wg.Wait() }

func (r *Recorder) open(streamID string, t RemoteTrack) (rtpWriter, error) {
	base := filepath.Join(r.dir, fmt.Sprintf("%s-%s", r.prefix, streamID))
	switch t.Kind() {
	case webrtc.RTPCodecTypeVideo:
		return ivfwriter.New(base + "-video.ivf")
	case webrtc.RTPCodecTypeAudio:
		channels := t.Codec().Channels
		if channels == 0 {
			channels = 2
		}
		return oggwriter.New(base+"-audio.ogg", 48000, channels)
	default:
		return nil, fmt.Errorf("unsupported track kind %s", t.Kind())
	}
}

func (r *Recorder) record(ctx context.Context, streamID string, t RemoteTrack) {
	logger := log.With().Str("module", "media.recorder").Str("track", t.ID()).Str("kind", t.Kind().String()).Logger()
	w, err := r.open(streamID, t)
	if err != nil {
		logger.Error().Err(err).Msg("open writer")
		return
	}
	defer closeWriter(w, &logger)

	for {
		if ctx.Err() != nil {
			return
		}
		pkt, _, err := t.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("track ended")
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err := w.WriteRTP(pkt); err != nil {
			logger.Error().Err(err).Msg("write RTP error, stopping")
			return
		}
	}
}

func closeWriter(w rtpWriter, logger *zerolog.Logger) {
	if err := w.Close(); err != nil {
		logger.Warn().Err(err).Msg("close writer")
	}
}

// LogSurface only logs what is attached to it.
type LogSurface struct {
	Name string
}

func (s LogSurface) Attach(st Stream) {
	log.Info().Str("module", "media.surface").Str("surface", s.Name).Str("stream", st.ID()).Int("tracks", st.TrackCount()).Msg("stream attached")
}

func (s LogSurface) Detach() {
	log.Info().Str("module", "media.surface").Str("surface", s.Name).Msg("stream detached")
}
