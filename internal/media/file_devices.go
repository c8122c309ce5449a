package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"go.uber.org/zap"
)

const (
	opusClockRate = 48000
	opusFrame     = 20 * time.Millisecond
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// FileDevices captures "microphone" audio from an Ogg/Opus file for headless
// clients, looping at end of file. With no Path it captures silence.
type FileDevices struct {
	Path string
	Log  *zap.Logger
}

// GetUserMedia implements Devices.
func (d *FileDevices) GetUserMedia(ctx context.Context, c Constraints) (Stream, error) {
	if !c.Audio {
		return nil, fmt.Errorf("%w: audio not requested", ErrInvalidConstraints)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if d.Path != "" {
		f, err := os.Open(d.Path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("%w: %s", ErrNoDevice, d.Path)
		case errors.Is(err, fs.ErrPermission):
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, d.Path)
		case err != nil:
			return nil, fmt.Errorf("%w: %v", ErrDeviceBusy, err)
		}
		f.Close()
	}

	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}

	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio", "pickcreator-"+uuid.NewString(),
	)
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}

	t := &fileTrack{
		id:    local.ID(),
		local: local,
		path:  d.Path,
		stop:  make(chan struct{}),
		log:   log,
	}
	t.enabled.Store(true)
	go t.pump()

	return &fileStream{tracks: []Track{t}}, nil
}

type fileStream struct {
	tracks []Track
}

func (s *fileStream) AudioTracks() []Track {
	return s.tracks
}

func (s *fileStream) Active() bool {
	for _, t := range s.tracks {
		if ft, ok := t.(*fileTrack); ok && !ft.stopped() {
			return true
		}
	}
	return false
}

type fileTrack struct {
	id      string
	local   *webrtc.TrackLocalStaticSample
	path    string
	enabled atomic.Bool
	log     *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

func (t *fileTrack) ID() string { return t.id }

func (t *fileTrack) Enabled() bool { return t.enabled.Load() }

func (t *fileTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *fileTrack) Local() webrtc.TrackLocal { return t.local }

func (t *fileTrack) Stop() { t.stopOnce.Do(func() { close(t.stop) }) }

func (t *fileTrack) stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// pump paces samples onto the local track until Stop.
func (t *fileTrack) pump() {
	timer := time.NewTimer(opusFrame)
	defer timer.Stop()

	var src *oggSource
	defer func() {
		if src != nil {
			src.Close()
		}
	}()

	for {
		select {
		case <-t.stop:
			return
		case <-timer.C:
		}

		sample := t.next(&src)
		// A disabled track keeps the RTP clock running with silence.
		if !t.enabled.Load() {
			sample.Data = opusSilence
		}
		if err := t.local.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			t.log.Debug("Write sample failed", zap.Error(err))
		}
		timer.Reset(sample.Duration)
	}
}

// next reads the following file sample, reopening at end of file, or
// returns a silence frame when no file is usable.
func (t *fileTrack) next(src **oggSource) pionmedia.Sample {
	silence := pionmedia.Sample{Data: opusSilence, Duration: opusFrame}
	if t.path == "" {
		return silence
	}

	if *src == nil {
		s, err := openOggSource(t.path)
		if err != nil {
			t.log.Warn("Capture file unavailable, sending silence", zap.String("path", t.path), zap.Error(err))
			t.path = ""
			return silence
		}
		*src = s
	}

	data, dur, err := (*src).Next()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			t.log.Warn("Capture file read failed", zap.Error(err))
		}
		(*src).Close()
		*src = nil
		return silence
	}
	if dur <= 0 {
		dur = opusFrame
	}
	return pionmedia.Sample{Data: data, Duration: dur}
}

type oggSource struct {
	file        *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
}

func openOggSource(path string) (*oggSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read ogg header: %w", err)
	}
	return &oggSource{file: f, reader: reader}, nil
}

// Next returns the next page carrying audio, skipping header pages.
func (s *oggSource) Next() ([]byte, time.Duration, error) {
	for {
		data, header, err := s.reader.ParseNextPage()
		if err != nil {
			return nil, 0, err
		}
		if header.GranulePosition <= s.lastGranule {
			continue
		}
		samples := header.GranulePosition - s.lastGranule
		s.lastGranule = header.GranulePosition
		return data, time.Duration(samples) * time.Second / opusClockRate, nil
	}
}

func (s *oggSource) Close() {
	s.file.Close()
}
