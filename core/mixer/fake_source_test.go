package mixer

import (
	"fmt"
	"sync"
)

// fakeClock stands in for real time: fake sources advance with it.
type fakeClock struct {
	mu  sync.Mutex
	now float64
}

func (c *fakeClock) add(dt float64) {
	c.mu.Lock()
	c.now += dt
	c.mu.Unlock()
}

func (c *fakeClock) get() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeSource struct {
	mu       sync.Mutex
	clock    *fakeClock
	key      ChannelKey
	gen      Generation
	location string
	notify   func(SourceEvent)

	ready    bool
	playing  bool
	closed   bool
	duration float64
	volume   float64
	pos      float64
	anchor   float64

	seeks     []float64 // fractions
	seekTimes []float64 // clock time of each seek
	plays     int
	pauses    int
}

func (s *fakeSource) Load(location string, notify func(SourceEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.location = location
	s.notify = notify
}

func (s *fakeSource) Play() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready || s.playing {
		return
	}
	s.playing = true
	s.anchor = s.clock.get()
	s.plays++
}

func (s *fakeSource) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready || !s.playing {
		return
	}
	s.pos = s.currentLocked()
	s.playing = false
	s.pauses++
}

func (s *fakeSource) Seek(fraction float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return
	}
	fraction = clamp01(fraction)
	s.pos = fraction * s.duration
	s.anchor = s.clock.get()
	s.seeks = append(s.seeks, fraction)
	s.seekTimes = append(s.seekTimes, s.anchor)
}

func (s *fakeSource) SetVolume(v float64) {
	s.mu.Lock()
	s.volume = v
	s.mu.Unlock()
}

func (s *fakeSource) currentLocked() float64 {
	if !s.ready {
		return 0
	}
	if s.playing {
		return s.pos + s.clock.get() - s.anchor
	}
	return s.pos
}

func (s *fakeSource) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

func (s *fakeSource) Duration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return 0
	}
	return s.duration
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// finishLoad simulates the decoder reporting ready. It fires even for a
// closed source to simulate a late signal.
func (s *fakeSource) finishLoad(duration float64) {
	s.mu.Lock()
	s.ready = true
	s.duration = duration
	notify := s.notify
	s.mu.Unlock()
	notify(Ready(duration))
}

func (s *fakeSource) failLoad(err error) {
	s.mu.Lock()
	notify := s.notify
	location := s.location
	s.mu.Unlock()
	notify(Failed(location, err))
}

// nudge shifts the source's own clock without the transport knowing.
func (s *fakeSource) nudge(d float64) {
	s.mu.Lock()
	s.pos += d
	s.mu.Unlock()
}

func (s *fakeSource) isPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSource) seekCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seeks)
}

func (s *fakeSource) lastSeek() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seeks) == 0 {
		return -1
	}
	return s.seeks[len(s.seeks)-1]
}

type fakeFactory struct {
	mu      sync.Mutex
	clock   *fakeClock
	sources []*fakeSource
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{clock: &fakeClock{}}
}

func (f *fakeFactory) New(ch MixChannel, gen Generation) AudioSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSource{clock: f.clock, key: ch.Key, gen: gen}
	f.sources = append(f.sources, s)
	return s
}

// source returns the newest source created for key.
func (f *fakeFactory) source(key ChannelKey) *fakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sources) - 1; i >= 0; i-- {
		if f.sources[i].key == key {
			return f.sources[i]
		}
	}
	panic(fmt.Sprintf("no source for %s", key))
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sources)
}

func stemLocation(id int64, kind StemKind) string {
	return fmt.Sprintf("mem://%d/%s", id, kind)
}

func bpm(v float64) *float64 { return &v }

func vocals(id int64) ChannelKey       { return ChannelKey{TrackID: id, Kind: StemVocals} }
func instrumental(id int64) ChannelKey { return ChannelKey{TrackID: id, Kind: StemInstrumental} }
