package audio

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"go.uber.org/zap"
)

// OggOutput records inbound Opus audio into an Ogg file. It starts
// locked when autoplay restrictions are simulated; Unlock stands in for
// the user gesture that lifts them.
type OggOutput struct {
	path string
	log  *zap.Logger

	mu      sync.Mutex
	writer  *oggwriter.OggWriter
	src     Source
	playing bool
	locked  bool
	muted   bool
	volume  float64
	pumpGen uint64
	packets int
}

// NewOggOutput creates an output writing to path. The file is created on first Play.
func NewOggOutput(path string, locked bool, log *zap.Logger) *OggOutput {
	if log == nil {
		log = zap.NewNop()
	}
	return &OggOutput{path: path, locked: locked, volume: 1, log: log}
}

// Output implements Locator; the file sink is always mounted.
func (o *OggOutput) Output() (Output, bool) {
	return o, true
}

func (o *OggOutput) Playing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.playing
}

func (o *OggOutput) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pauseLocked()
}

func (o *OggOutput) pauseLocked() {
	o.playing = false
	o.pumpGen++
}

func (o *OggOutput) SetSource(src Source) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pauseLocked()
	o.src = src
}

func (o *OggOutput) SetVolume(v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.volume = v
}

func (o *OggOutput) SetMuted(muted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.muted = muted
}

// Unlock lifts the autoplay restriction.
func (o *OggOutput) Unlock() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.locked = false
}

// Packets returns how many RTP packets have been written.
func (o *OggOutput) Packets() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.packets
}

// Play starts copying the bound source into the file.
func (o *OggOutput) Play() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.locked {
		return ErrAutoplayBlocked
	}
	if o.src == nil {
		return ErrNoSource
	}
	if o.playing {
		return nil
	}
	if o.writer == nil {
		w, err := oggwriter.New(o.path, 48000, 2)
		if err != nil {
			return fmt.Errorf("open ogg output: %w", err)
		}
		o.writer = w
	}

	o.playing = true
	o.pumpGen++
	go o.pump(o.src, o.writer, o.pumpGen)
	return nil
}

func (o *OggOutput) pump(src Source, w *oggwriter.OggWriter, gen uint64) {
	for {
		pkt, _, err := src.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				o.log.Debug("Inbound audio ended", zap.Error(err))
			}
			o.mu.Lock()
			if o.pumpGen == gen {
				o.playing = false
			}
			o.mu.Unlock()
			return
		}

		o.mu.Lock()
		if o.pumpGen != gen {
			o.mu.Unlock()
			return
		}
		if !o.muted && o.volume > 0 {
			if err := w.WriteRTP(pkt); err != nil {
				o.log.Debug("Ogg write failed", zap.Error(err))
			} else {
				o.packets++
			}
		}
		o.mu.Unlock()
	}
}

// Close stops playback and finalises the file.
func (o *OggOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pauseLocked()
	if o.writer == nil {
		return nil
	}
	err := o.writer.Close()
	o.writer = nil
	return err
}
