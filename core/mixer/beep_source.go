package mixer

import (
	"context"
	"io"
	"math"
	"os"
	"sync"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"

	"musicmashup/core/audio"
	"musicmashup/logger"
)

const resampleQuality = 4

// Opener fetches the bytes behind a location.
type Opener func(ctx context.Context, location string) (io.ReadCloser, error)

// FileOpener treats locations as local paths.
func FileOpener(_ context.Context, location string) (io.ReadCloser, error) {
	return os.Open(location)
}

// BeepSource decodes a WAV/MP3 stream with beep and plays it as a
// beep.Streamer, normally added to the speaker's mixer. The streamer side
// and the control side share one mutex.
type BeepSource struct {
	open Opener
	rate beep.SampleRate

	mu     sync.Mutex
	stream beep.StreamSeekCloser
	format beep.Format
	ctrl   *beep.Ctrl
	vol    *effects.Volume
	out    beep.Streamer
	volume float64
	ready  bool
	closed bool
	cancel context.CancelFunc
}

// NewBeepSource creates a source that resamples to rate. A zero rate keeps
// the file's own rate.
func NewBeepSource(open Opener, rate beep.SampleRate) *BeepSource {
	return &BeepSource{open: open, rate: rate, volume: 1}
}

func (s *BeepSource) Load(location string, notify func(SourceEvent)) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
	s.cancel = cancel
	s.ready = false
	s.mu.Unlock()

	go func() {
		stream, format, err := s.decode(ctx, location)

		s.mu.Lock()
		if s.closed || ctx.Err() != nil {
			s.mu.Unlock()
			if stream != nil {
				stream.Close()
			}
			return
		}
		if err != nil {
			s.mu.Unlock()
			notify(Failed(location, err))
			return
		}
		s.stream = stream
		s.format = format
		s.ctrl = &beep.Ctrl{Streamer: stream, Paused: true}
		s.vol = &effects.Volume{Streamer: s.ctrl, Base: 2}
		s.applyVolume()
		s.route()
		s.ready = true
		duration := format.SampleRate.D(stream.Len()).Seconds()
		s.mu.Unlock()

		notify(Ready(duration))
	}()
}

func (s *BeepSource) decode(ctx context.Context, location string) (beep.StreamSeekCloser, beep.Format, error) {
	rc, err := s.open(ctx, location)
	if err != nil {
		return nil, beep.Format{}, err
	}
	return audio.DecodeReader(rc, location)
}

// Stream implements beep.Streamer. It streams silence while not ready,
// paused or past the end so the speaker mixer keeps the source until Close.
func (s *BeepSource) Stream(samples [][2]float64) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false
	}
	n := 0
	if s.ready {
		n, _ = s.out.Stream(samples)
	}
	clear(samples[n:])
	return len(samples), true
}

func (s *BeepSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	return s.stream.Err()
}

func (s *BeepSource) Play() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		s.ctrl.Paused = false
	}
}

func (s *BeepSource) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		s.ctrl.Paused = true
	}
}

func (s *BeepSource) Seek(fraction float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return
	}
	pos := int(clamp01(fraction) * float64(s.stream.Len()))
	if err := s.stream.Seek(pos); err != nil {
		logger.Warn("beep seek failed", logger.Int("position", pos), logger.ErrorField(err))
	}
	s.route()
}

// route points out at the volume stage, through a fresh resampler when the
// file rate differs. Resampler 到过结尾就不会再出声，所以每次 Seek 都要重建。
// Caller holds mu.
func (s *BeepSource) route() {
	s.out = s.vol
	if s.rate != 0 && s.format.SampleRate != s.rate {
		s.out = beep.Resample(resampleQuality, s.format.SampleRate, s.rate, s.vol)
	}
}

func (s *BeepSource) SetVolume(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = clamp01(v)
	if s.ready {
		s.applyVolume()
	}
}

// applyVolume maps linear gain onto the base-2 volume effect. Caller holds mu.
func (s *BeepSource) applyVolume() {
	if s.volume <= 0 {
		s.vol.Silent = true
		return
	}
	s.vol.Silent = false
	s.vol.Volume = math.Log2(s.volume)
}

func (s *BeepSource) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return 0
	}
	return s.format.SampleRate.D(s.stream.Position()).Seconds()
}

func (s *BeepSource) Duration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return 0
	}
	return s.format.SampleRate.D(s.stream.Len()).Seconds()
}

func (s *BeepSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.ready = false
	if s.cancel != nil {
		s.cancel()
	}
	if s.stream != nil {
		return s.stream.Close()
	}
	return nil
}

// LoadWaveform decodes location separately from playback and extracts peaks.
func LoadWaveform(ctx context.Context, open Opener, key ChannelKey, location string, buckets int) (Waveform, error) {
	rc, err := open(ctx, location)
	if err != nil {
		return Waveform{}, err
	}
	stream, format, err := audio.DecodeReader(rc, location)
	if err != nil {
		return Waveform{}, &DecodeError{Location: location, Err: err}
	}
	defer stream.Close()

	peaks, err := PeaksFromStreamer(stream, buckets)
	if err != nil {
		return Waveform{}, &DecodeError{Location: location, Err: err}
	}
	return Waveform{
		Key:      key,
		Peaks:    peaks,
		Duration: format.SampleRate.D(stream.Len()).Seconds(),
	}, nil
}
