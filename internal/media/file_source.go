package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

const (
	DefaultVideoFile = "video.ivf"
	DefaultAudioFile = "audio.ogg"

	oggPageDuration = 20 * time.Millisecond
)

// FileSource captures from a VP8 ivf file and an Opus ogg file, looping both.
type FileSource struct {
	Dir       string
	VideoFile string
	AudioFile string
}

func NewFileSource(dir string) *FileSource {
	return &FileSource{Dir: dir, VideoFile: DefaultVideoFile, AudioFile: DefaultAudioFile}
}

func classify(err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func (s *FileSource) path(name, def string) string {
	if name == "" {
		name = def
	}
	return filepath.Join(s.Dir, name)
}

// Acquire opens both files, creates the tracks and starts pumping samples.
// Capture runs until the returned stream is stopped.
func (s *FileSource) Acquire(ctx context.Context) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	videoPath := s.path(s.VideoFile, DefaultVideoFile)
	audioPath := s.path(s.AudioFile, DefaultAudioFile)
	for _, p := range []string{videoPath, audioPath} {
		f, err := os.Open(p)
		if err != nil {
			return nil, classify(err)
		}
		_ = f.Close()
	}

	streamID := uuid.NewString()
	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", streamID)
	if err != nil {
		return nil, classify(err)
	}
	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", streamID)
	if err != nil {
		return nil, classify(err)
	}

	videoCtx, stopVideo := context.WithCancel(context.Background())
	audioCtx, stopAudio := context.WithCancel(context.Background())
	video := NewLocalTrack(videoTrack, stopVideo)
	audio := NewLocalTrack(audioTrack, stopAudio)

	go pump(videoCtx, video, videoPath, readIVF)
	go pump(audioCtx, audio, audioPath, readOgg)

	log.Info().Str("module", "media").Str("stream", streamID).Str("dir", s.Dir).Msg("capture started")
	return NewLocalStream(streamID, audio, video), nil
}

type frameReader func(ctx context.Context, r io.Reader, t *LocalTrack) error

// pump replays path into t, reopening the file at EOF.
func pump(ctx context.Context, t *LocalTrack, path string, read frameReader) {
	logger := log.With().Str("module", "media").Str("file", path).Logger()
	for ctx.Err() == nil {
		f, err := os.Open(path)
		if err != nil {
			logger.Error().Err(err).Msg("reopen failed, capture stopped")
			return
		}
		err = read(ctx, f, t)
		_ = f.Close()
		switch {
		case err == nil, errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, ErrTrackStopped):
			return
		default:
			logger.Error().Err(err).Msg("capture failed")
			return
		}
	}
}

func readIVF(ctx context.Context, r io.Reader, t *LocalTrack) error {
	reader, header, err := ivfreader.NewWith(r)
	if err != nil {
		return err
	}
	frameDuration := time.Second / 30
	if header.TimebaseDenominator != 0 && header.TimebaseNumerator != 0 {
		frameDuration = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		frame, _, err := reader.ParseNextFrame()
		if err != nil {
			return err
		}
		if err := t.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return err
		}
	}
}

func readOgg(ctx context.Context, r io.Reader, t *LocalTrack) error {
	reader, _, err := oggreader.NewWith(r)
	if err != nil {
		return err
	}
	var lastGranule uint64
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		page, header, err := reader.ParseNextPage()
		if err != nil {
			return err
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples) / 48000 * float64(time.Second))
		if duration <= 0 || duration > time.Second {
			duration = oggPageDuration
		}
		if err := t.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
			return err
		}
	}
}
