package mixer

import (
	"context"
	"sync"
	"time"

	"musicmashup/logger"
)

// Options configures an Engine.
type Options struct {
	// TickInterval drives the logical clock. Zero disables the internal
	// ticker; the clock then only moves through Advance.
	TickInterval time.Duration
	Transport    TransportOptions
}

// DefaultOptions ticks every 50ms with the standard drift settings.
func DefaultOptions() Options {
	return Options{
		TickInterval: 50 * time.Millisecond,
		Transport:    DefaultTransportOptions(),
	}
}

type event interface{}

type sourceEvent struct {
	key ChannelKey
	gen Generation
	ev  SourceEvent
}

type tickEvent struct {
	dt float64
}

type commandEvent struct {
	name  string
	fn    func() error
	reply chan error
}

// Engine serializes every registry mutation, source signal and clock tick
// through one FIFO inbox drained by Run. Sources may signal from any
// goroutine, including from inside a call made by the engine itself.
type Engine struct {
	registry  *StemRegistry
	transport *TransportController
	opts      Options

	mu     sync.Mutex
	inbox  []event
	closed bool
	wake   chan struct{}
	done   chan struct{}

	subMu       sync.Mutex
	subscribers map[*Subscription]struct{}
}

// Subscription receives a snapshot after every state change. Slow
// subscribers miss frames rather than stall the engine.
type Subscription struct {
	C <-chan Snapshot
	c chan Snapshot
}

func NewEngine(factory SourceFactory, opts Options) *Engine {
	e := &Engine{
		registry:    NewStemRegistry(),
		opts:        opts,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		subscribers: make(map[*Subscription]struct{}),
	}
	e.transport = NewTransportController(factory, e.postSourceEvent, opts.Transport)
	return e
}

func (e *Engine) post(ev event) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.inbox = append(e.inbox, ev)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

func (e *Engine) postSourceEvent(key ChannelKey, gen Generation, ev SourceEvent) {
	if !e.post(sourceEvent{key: key, gen: gen, ev: ev}) {
		logger.Debug("source event after engine stop", logger.Stringer("channel", key))
	}
}

// Run drains the inbox until ctx is cancelled, then releases every source.
func (e *Engine) Run(ctx context.Context) {
	var tick <-chan time.Time
	if e.opts.TickInterval > 0 {
		ticker := time.NewTicker(e.opts.TickInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	defer e.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
			e.drain()
		case <-tick:
			e.drain()
			e.handle(tickEvent{dt: e.opts.TickInterval.Seconds()})
		}
	}
}

func (e *Engine) drain() {
	for {
		e.mu.Lock()
		if len(e.inbox) == 0 {
			e.mu.Unlock()
			return
		}
		ev := e.inbox[0]
		e.inbox[0] = nil
		e.inbox = e.inbox[1:]
		e.mu.Unlock()
		e.handle(ev)
	}
}

func (e *Engine) handle(ev event) {
	switch ev := ev.(type) {
	case sourceEvent:
		if e.transport.HandleSourceEvent(ev.key, ev.gen, ev.ev) {
			e.publish()
		}
	case tickEvent:
		if e.transport.Tick(ev.dt) {
			e.publish()
		}
	case commandEvent:
		err := ev.fn()
		ev.reply <- err
		if err != nil {
			logger.Debug("mixer command rejected", logger.String("command", ev.name), logger.ErrorField(err))
			return
		}
		e.publish()
	}
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	e.closed = true
	pending := e.inbox
	e.inbox = nil
	e.mu.Unlock()

	for _, ev := range pending {
		if cmd, ok := ev.(commandEvent); ok {
			cmd.reply <- ErrEngineStopped
		}
	}
	e.transport.Close()
	close(e.done)

	e.subMu.Lock()
	for sub := range e.subscribers {
		close(sub.c)
		delete(e.subscribers, sub)
	}
	e.subMu.Unlock()
	logger.Debug("mixer engine stopped")
}

// Done is closed once Run has returned and every source is released.
func (e *Engine) Done() <-chan struct{} { return e.done }

// do runs fn on the engine goroutine and waits for its result.
func (e *Engine) do(ctx context.Context, name string, fn func() error) error {
	reply := make(chan error, 1)
	if !e.post(commandEvent{name: name, fn: fn, reply: reply}) {
		return ErrEngineStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrEngineStopped
		}
	}
}

// mutate applies a registry change and re-synchronizes the transport.
func (e *Engine) mutate(ctx context.Context, name string, fn func(r *StemRegistry) error) error {
	return e.do(ctx, name, func() error {
		if err := fn(e.registry); err != nil {
			return err
		}
		e.transport.Resync(e.registry)
		return nil
	})
}

func (e *Engine) SetTracks(ctx context.Context, tracks []Track) error {
	return e.mutate(ctx, "set_tracks", func(r *StemRegistry) error {
		r.SetTracks(tracks)
		return nil
	})
}

func (e *Engine) AddTrack(ctx context.Context, t Track) error {
	return e.mutate(ctx, "add_track", func(r *StemRegistry) error {
		r.AddTrack(t)
		return nil
	})
}

func (e *Engine) RemoveTrack(ctx context.Context, id int64) error {
	return e.mutate(ctx, "remove_track", func(r *StemRegistry) error {
		r.RemoveTrack(id)
		return nil
	})
}

func (e *Engine) SetStemOptions(ctx context.Context, trackID int64, options map[StemKind]string) error {
	return e.mutate(ctx, "set_stem_options", func(r *StemRegistry) error {
		_, err := r.SetStemOptions(trackID, options)
		return err
	})
}

func (e *Engine) SetStemActive(ctx context.Context, trackID int64, kind StemKind, active bool) error {
	return e.mutate(ctx, "set_stem_active", func(r *StemRegistry) error {
		_, err := r.SetStemActive(trackID, kind, active)
		return err
	})
}

func (e *Engine) SetVolume(ctx context.Context, key ChannelKey, v float64) error {
	return e.mutate(ctx, "set_volume", func(r *StemRegistry) error {
		return r.SetVolume(key, v)
	})
}

func (e *Engine) ToggleMute(ctx context.Context, key ChannelKey) error {
	return e.mutate(ctx, "toggle_mute", func(r *StemRegistry) error {
		_, err := r.ToggleMute(key)
		return err
	})
}

func (e *Engine) SetSolo(ctx context.Context, trackID int64) error {
	return e.mutate(ctx, "set_solo", func(r *StemRegistry) error {
		_, err := r.SetSolo(trackID)
		return err
	})
}

func (e *Engine) SetOffset(ctx context.Context, key ChannelKey, seconds float64) error {
	return e.mutate(ctx, "set_offset", func(r *StemRegistry) error {
		return r.SetOffset(key, seconds)
	})
}

func (e *Engine) Play(ctx context.Context) error {
	return e.do(ctx, "play", e.transport.Play)
}

func (e *Engine) Pause(ctx context.Context) error {
	return e.do(ctx, "pause", func() error {
		e.transport.Pause()
		return nil
	})
}

// TogglePlay pauses when playing and plays otherwise.
func (e *Engine) TogglePlay(ctx context.Context) error {
	return e.do(ctx, "toggle_play", func() error {
		if e.transport.Phase() == PhasePlaying {
			e.transport.Pause()
			return nil
		}
		return e.transport.Play()
	})
}

func (e *Engine) Seek(ctx context.Context, t float64) error {
	return e.do(ctx, "seek", func() error {
		return e.transport.Seek(t)
	})
}

// SeekBy moves the logical clock relative to its current position.
func (e *Engine) SeekBy(ctx context.Context, delta float64) error {
	return e.do(ctx, "seek_by", func() error {
		return e.transport.Seek(e.transport.State().CurrentTime + delta)
	})
}

// Scrub seeks to a fraction of one channel's waveform.
func (e *Engine) Scrub(ctx context.Context, key ChannelKey, fraction float64) error {
	return e.do(ctx, "scrub", func() error {
		t, err := e.transport.Position(key, fraction)
		if err != nil {
			return err
		}
		return e.transport.Seek(t)
	})
}

// Advance moves the logical clock by d as one tick.
func (e *Engine) Advance(ctx context.Context, d time.Duration) error {
	return e.do(ctx, "advance", func() error {
		e.transport.Tick(d.Seconds())
		return nil
	})
}

// Snapshot returns the current state.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.do(ctx, "snapshot", func() error {
		snap = e.snapshot()
		return nil
	})
	return snap, err
}

// BuildMixRequest snapshots the registry for submission.
func (e *Engine) BuildMixRequest(ctx context.Context, name string) (MixRequest, error) {
	var req MixRequest
	err := e.do(ctx, "build_mix_request", func() error {
		var err error
		req, err = BuildMixRequest(e.registry, name)
		return err
	})
	return req, err
}

// Corrections reports how many drift corrections the transport issued.
func (e *Engine) Corrections(ctx context.Context) (uint64, error) {
	var n uint64
	err := e.do(ctx, "corrections", func() error {
		n = e.transport.Corrections()
		return nil
	})
	return n, err
}

func (e *Engine) snapshot() Snapshot {
	return Snapshot{
		Transport:   e.transport.State(),
		Tracks:      e.registry.TrackStates(),
		Channels:    e.transport.ChannelStates(e.registry),
		SoloTrackID: e.registry.SoloTarget(),
		MixMode:     e.registry.HasTwoOrMoreStems(),
		Warnings:    e.transport.Warnings(),
	}
}

// Subscribe registers for snapshots. The channel is closed when the engine stops.
func (e *Engine) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	c := make(chan Snapshot, buffer)
	sub := &Subscription{C: c, c: c}

	e.subMu.Lock()
	defer e.subMu.Unlock()
	select {
	case <-e.done:
		close(c)
		return sub
	default:
	}
	e.subscribers[sub] = struct{}{}
	return sub
}

func (e *Engine) Unsubscribe(sub *Subscription) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if _, ok := e.subscribers[sub]; ok {
		delete(e.subscribers, sub)
		close(sub.c)
	}
}

func (e *Engine) publish() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if len(e.subscribers) == 0 {
		return
	}
	snap := e.snapshot()
	for sub := range e.subscribers {
		select {
		case sub.c <- snap:
		default:
		}
	}
}
