package session

import (
	"errors"
	"sync"
	"time"

	"musicmashup/core/mixer"
)

// RemoteSource is a mixer.AudioSource whose decoder lives in the browser.
// Commands go out as messages; the position is extrapolated from the last
// report so the transport can reconcile against it between reports.
type RemoteSource struct {
	key  mixer.ChannelKey
	gen  mixer.Generation
	send func(MessageType, SourceCommand)
	now  func() time.Time

	mu        sync.Mutex
	location  string
	volume    float64
	notify    func(mixer.SourceEvent)
	signalled bool
	ready     bool
	closed    bool
	playing   bool
	duration  float64
	pos       float64
	anchor    time.Time
}

func newRemoteSource(key mixer.ChannelKey, gen mixer.Generation, send func(MessageType, SourceCommand), now func() time.Time) *RemoteSource {
	return &RemoteSource{key: key, gen: gen, send: send, now: now, volume: 1}
}

func (s *RemoteSource) command() SourceCommand {
	return SourceCommand{Channel: s.key.String(), Gen: uint64(s.gen)}
}

func (s *RemoteSource) Load(location string, notify func(mixer.SourceEvent)) {
	s.mu.Lock()
	s.location = location
	s.notify = notify
	volume := s.volume
	s.mu.Unlock()

	// 初始音量跟着 load 一起下发，浏览器收到 load 前不认识这个 gen
	cmd := s.command()
	cmd.URL = location
	cmd.Volume = &volume
	s.send(MsgSourceLoad, cmd)
}

// signal delivers the load outcome at most once and never after Close.
func (s *RemoteSource) signal(ev mixer.SourceEvent, onReady func()) {
	s.mu.Lock()
	if s.signalled || s.closed || s.notify == nil {
		s.mu.Unlock()
		return
	}
	s.signalled = true
	if onReady != nil {
		onReady()
	}
	notify := s.notify
	s.mu.Unlock()
	notify(ev)
}

func (s *RemoteSource) markReady(duration float64) {
	s.signal(mixer.Ready(duration), func() {
		s.ready = true
		s.duration = duration
	})
}

func (s *RemoteSource) markFailed(message string) {
	s.mu.Lock()
	location := s.location
	s.mu.Unlock()
	if message == "" {
		message = "decode failed"
	}
	s.signal(mixer.Failed(location, errors.New(message)), nil)
}

// report takes the browser's own playhead as the new anchor.
func (s *RemoteSource) report(position float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready || s.closed {
		return
	}
	s.pos = position
	s.anchor = s.now()
}

func (s *RemoteSource) Play() {
	s.mu.Lock()
	if !s.ready || s.playing || s.closed {
		s.mu.Unlock()
		return
	}
	s.playing = true
	s.anchor = s.now()
	s.mu.Unlock()
	s.send(MsgSourcePlay, s.command())
}

func (s *RemoteSource) Pause() {
	s.mu.Lock()
	if !s.ready || !s.playing || s.closed {
		s.mu.Unlock()
		return
	}
	s.pos = s.currentLocked()
	s.playing = false
	s.mu.Unlock()
	s.send(MsgSourcePause, s.command())
}

func (s *RemoteSource) Seek(fraction float64) {
	s.mu.Lock()
	if !s.ready || s.closed {
		s.mu.Unlock()
		return
	}
	if fraction != fraction || fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}
	s.pos = fraction * s.duration
	s.anchor = s.now()
	s.mu.Unlock()

	cmd := s.command()
	cmd.Fraction = &fraction
	s.send(MsgSourceSeek, cmd)
}

// SetVolume before Load only records the level for the load command.
func (s *RemoteSource) SetVolume(v float64) {
	s.mu.Lock()
	s.volume = v
	loaded := s.location != ""
	closed := s.closed
	s.mu.Unlock()
	if closed || !loaded {
		return
	}
	cmd := s.command()
	cmd.Volume = &v
	s.send(MsgSourceVolume, cmd)
}

func (s *RemoteSource) currentLocked() float64 {
	if !s.ready {
		return 0
	}
	p := s.pos
	if s.playing {
		p += s.now().Sub(s.anchor).Seconds()
	}
	if p > s.duration {
		p = s.duration
	}
	return p
}

func (s *RemoteSource) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

func (s *RemoteSource) Duration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return 0
	}
	return s.duration
}

func (s *RemoteSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.playing = false
	s.mu.Unlock()
	s.send(MsgSourceClose, s.command())
	return nil
}
