package mixer

import (
	"fmt"
	"math"
	"sort"

	"musicmashup/logger"
)

// TransportOptions tunes the logical clock and drift reconciliation.
type TransportOptions struct {
	DriftTolerance      float64 // seconds
	ReconcileInterval   float64 // seconds of logical time between corrections of one source
	ProvisionalDuration float64 // duration reported while no channel is ready
}

// DefaultTransportOptions returns the standard reconciliation settings.
func DefaultTransportOptions() TransportOptions {
	return TransportOptions{
		DriftTolerance:    DefaultDriftTolerance,
		ReconcileInterval: DefaultReconcileInterval,
	}
}

// sourceHandle is the index entry owning one channel's AudioSource.
type sourceHandle struct {
	gen      Generation
	key      ChannelKey
	location string
	src      AudioSource
	status   ChannelStatus
	duration float64
	err      error

	volume  float64
	offset  float64
	audible bool
	playing bool

	lastFix float64 // logical time of the last seek issued to this source
	fixed   bool
}

// TransportController is the single writer of the logical clock. It owns
// every AudioSource through a channel-key index and drives them as one.
// It is not safe for concurrent use; the Engine serializes all calls.
type TransportController struct {
	factory  SourceFactory
	dispatch func(ChannelKey, Generation, SourceEvent)
	opts     TransportOptions

	gate    *ReadinessGate
	handles map[ChannelKey]*sourceHandle
	nextGen Generation

	phase       Phase
	current     float64
	duration    float64
	mixMode     bool
	corrections uint64
}

// NewTransportController creates a controller. dispatch receives every
// source signal tagged with its channel key and generation; the caller must
// route it back to HandleSourceEvent on the controller's own goroutine.
func NewTransportController(factory SourceFactory, dispatch func(ChannelKey, Generation, SourceEvent), opts TransportOptions) *TransportController {
	if opts.DriftTolerance <= 0 {
		opts.DriftTolerance = DefaultDriftTolerance
	}
	if opts.ReconcileInterval < 0 {
		opts.ReconcileInterval = 0
	}
	return &TransportController{
		factory:  factory,
		dispatch: dispatch,
		opts:     opts,
		gate:     NewReadinessGate(),
		handles:  make(map[ChannelKey]*sourceHandle),
		duration: opts.ProvisionalDuration,
	}
}

func (c *TransportController) Phase() Phase { return c.phase }

// Corrections counts corrective re-seeks issued by drift reconciliation.
func (c *TransportController) Corrections() uint64 { return c.corrections }

func (c *TransportController) State() TransportState {
	return TransportState{
		Phase:              c.phase,
		IsPlaying:          c.phase == PhasePlaying,
		CurrentTime:        c.current,
		Duration:           c.duration,
		ReadyCount:         c.gate.ReadyCount(),
		ExpectedReadyCount: c.gate.ExpectedCount(),
	}
}

// Resync re-derives the source index from the registry. Sources of channels
// that left (or whose location moved) are stopped and closed before the gate
// is reset; new channels get a fresh generation. Any change to the channel
// set forces the transport to Idle. Settings of surviving channels are
// applied in place.
func (c *TransportController) Resync(reg *StemRegistry) {
	channels := reg.Channels()
	want := make(map[ChannelKey]MixChannel, len(channels))
	for _, ch := range channels {
		want[ch.Key] = ch
	}

	changed := false
	for _, h := range c.ordered() {
		if ch, ok := want[h.key]; ok && ch.Location == h.location {
			continue
		}
		c.release(h)
		delete(c.handles, h.key)
		changed = true
	}

	var created []*sourceHandle
	for _, ch := range channels {
		if _, ok := c.handles[ch.Key]; ok {
			continue
		}
		c.nextGen++
		h := &sourceHandle{
			gen:      c.nextGen,
			key:      ch.Key,
			location: ch.Location,
			status:   StatusLoading,
			volume:   ch.Volume,
			offset:   ch.Offset,
			audible:  reg.Audible(ch.Key),
		}
		h.src = c.factory(ch, h.gen)
		c.handles[ch.Key] = h
		created = append(created, h)
		changed = true
	}

	c.mixMode = reg.HasTwoOrMoreStems()
	if changed {
		c.reset()
	}
	for _, h := range created {
		c.load(h)
	}
	c.applyMix(reg)
}

func (c *TransportController) load(h *sourceHandle) {
	key, gen := h.key, h.gen
	h.src.SetVolume(h.volume)
	h.src.Load(h.location, func(ev SourceEvent) {
		c.dispatch(key, gen, ev)
	})
	logger.Debug("channel source loading",
		logger.Stringer("channel", key),
		logger.Uint64("generation", uint64(gen)),
		logger.String("location", h.location))
}

func (c *TransportController) release(h *sourceHandle) {
	h.src.Pause()
	h.playing = false
	if err := h.src.Close(); err != nil {
		logger.Warn("close channel source",
			logger.Stringer("channel", h.key),
			logger.ErrorField(err))
	}
	logger.Debug("channel source released",
		logger.Stringer("channel", h.key),
		logger.Uint64("generation", uint64(h.gen)))
}

// reset forces Idle and re-targets the gate at the surviving generations.
// Survivors that already loaded are credited again because a source only
// signals once per load.
func (c *TransportController) reset() {
	for _, h := range c.handles {
		h.src.Pause()
		h.playing = false
		h.fixed = false
	}
	prev := c.phase
	c.phase = PhaseIdle
	c.current = 0

	gens := make([]Generation, 0, len(c.handles))
	for _, h := range c.handles {
		if h.status != StatusFailed {
			gens = append(gens, h.gen)
		}
	}
	c.gate.Reset(gens)
	for _, h := range c.handles {
		if h.status == StatusReady {
			c.gate.MarkReady(h.gen)
		}
	}
	c.recomputeDuration()
	if prev != PhaseIdle {
		logger.Debug("transport reset", logger.Stringer("from", prev))
	}
	c.maybeArm()
}

// HandleSourceEvent applies one ready/error signal. Signals from generations
// that are no longer indexed are dropped. It reports whether state changed.
func (c *TransportController) HandleSourceEvent(key ChannelKey, gen Generation, ev SourceEvent) bool {
	h, ok := c.handles[key]
	if !ok || h.gen != gen {
		logger.Debug("dropping stale source event",
			logger.Stringer("channel", key),
			logger.Uint64("generation", uint64(gen)))
		return false
	}
	if h.status != StatusLoading {
		return false
	}

	switch ev.Kind {
	case SourceReady:
		h.status = StatusReady
		h.duration = math.Max(ev.Duration, 0)
		c.gate.MarkReady(gen)
	case SourceFailed:
		h.status = StatusFailed
		h.err = ev.Err
		c.gate.Fail(gen)
		logger.Warn("channel failed to load",
			logger.Stringer("channel", key),
			logger.String("location", h.location),
			logger.ErrorField(ev.Err))
	default:
		return false
	}
	c.recomputeDuration()
	c.maybeArm()
	return true
}

func (c *TransportController) maybeArm() {
	if c.phase == PhaseIdle && c.mixMode && c.gate.IsReady() {
		c.phase = PhaseArmed
		logger.Debug("transport armed",
			logger.Int("channels", c.gate.ExpectedCount()),
			logger.Float64("duration", c.duration))
	}
}

func (c *TransportController) recomputeDuration() {
	d, found := 0.0, false
	for _, h := range c.handles {
		if h.status != StatusReady {
			continue
		}
		found = true
		if v := h.offset + h.duration; v > d {
			d = v
		}
	}
	if !found {
		d = c.opts.ProvisionalDuration
	}
	c.duration = d
	if c.current > d {
		c.current = d
	}
}

// Play starts playback from the current position, or from the start when
// the clock sits at the end. Playing while already playing is a no-op.
func (c *TransportController) Play() error {
	switch c.phase {
	case PhasePlaying:
		return nil
	case PhaseIdle:
		return ErrNotReady
	}
	if c.current >= c.duration {
		c.current = 0
	}
	c.phase = PhasePlaying
	for _, h := range c.ordered() {
		if h.status != StatusReady {
			continue
		}
		c.align(h)
		c.startStop(h, false)
	}
	logger.Debug("transport playing", logger.Float64("at", c.current))
	return nil
}

// Pause stops every source and keeps the position.
func (c *TransportController) Pause() {
	if c.phase != PhasePlaying {
		return
	}
	c.stopAll()
	c.phase = PhaseArmed
	logger.Debug("transport paused", logger.Float64("at", c.current))
}

// Seek moves the logical clock and re-seeks every loaded source at once.
// The play state is unchanged.
func (c *TransportController) Seek(t float64) error {
	if c.phase == PhaseIdle {
		return ErrNotReady
	}
	if t != t || t < 0 {
		t = 0
	}
	if t > c.duration {
		t = c.duration
	}
	c.current = t
	for _, h := range c.ordered() {
		if h.status != StatusReady {
			continue
		}
		c.align(h)
		c.startStop(h, false)
	}
	return nil
}

// Tick advances the logical clock by dt seconds while playing. Reaching the
// duration pauses everything and returns to Armed.
func (c *TransportController) Tick(dt float64) bool {
	if c.phase != PhasePlaying || dt <= 0 {
		return false
	}
	c.current += dt
	if c.current >= c.duration {
		c.current = c.duration
		c.stopAll()
		c.phase = PhaseArmed
		logger.Debug("transport reached end", logger.Float64("duration", c.duration))
		return true
	}
	for _, h := range c.ordered() {
		if h.status != StatusReady {
			continue
		}
		c.startStop(h, true)
		if h.playing {
			c.reconcile(h)
		}
	}
	return true
}

// reconcile re-seeks a source whose own clock left the tolerance band,
// at most once per reconcile interval.
func (c *TransportController) reconcile(h *sourceHandle) {
	if h.fixed && c.current-h.lastFix <= c.opts.ReconcileInterval {
		return
	}
	expected := c.current - h.offset
	actual := h.src.CurrentTime()
	if math.Abs(actual-expected) <= c.opts.DriftTolerance {
		return
	}
	c.align(h)
	c.corrections++
	logger.Debug("source drifted, re-seeking",
		logger.Stringer("channel", h.key),
		logger.Float64("expected", expected),
		logger.Float64("actual", actual))
}

// align seeks a source to the logical clock minus its offset, floored at 0.
func (c *TransportController) align(h *sourceHandle) {
	pos := math.Max(0, c.current-h.offset)
	frac := 0.0
	if h.duration > 0 {
		frac = pos / h.duration
	}
	h.src.Seek(frac)
	h.lastFix = c.current
	h.fixed = true
}

func (c *TransportController) shouldPlay(h *sourceHandle) bool {
	if c.phase != PhasePlaying || h.status != StatusReady || !h.audible {
		return false
	}
	return c.current >= h.offset && c.current-h.offset < h.duration
}

// startStop reconciles a source's play state with shouldPlay. realign seeks
// the source before starting it, for sources that sat paused while the
// clock moved.
func (c *TransportController) startStop(h *sourceHandle, realign bool) {
	want := c.shouldPlay(h)
	switch {
	case want && !h.playing:
		if realign {
			c.align(h)
		}
		h.src.Play()
		h.playing = true
	case !want && h.playing:
		h.src.Pause()
		h.playing = false
	}
}

func (c *TransportController) stopAll() {
	for _, h := range c.ordered() {
		if h.playing {
			h.src.Pause()
			h.playing = false
		}
	}
}

// applyMix pushes volume, audibility and offset of surviving channels to
// their sources. Only the sources whose audibility flipped are started or
// stopped.
func (c *TransportController) applyMix(reg *StemRegistry) {
	offsetMoved := false
	for _, h := range c.ordered() {
		ch, ok := reg.Channel(h.key)
		if !ok {
			continue
		}
		if ch.Volume != h.volume {
			h.volume = ch.Volume
			h.src.SetVolume(ch.Volume)
		}
		moved := ch.Offset != h.offset
		h.offset = ch.Offset
		h.audible = reg.Audible(h.key)
		if moved {
			offsetMoved = true
			if h.playing {
				c.align(h)
			}
		}
	}
	if offsetMoved {
		c.recomputeDuration()
	}
	if c.phase != PhasePlaying {
		return
	}
	for _, h := range c.ordered() {
		if h.status == StatusReady {
			c.startStop(h, true)
		}
	}
}

// Position converts a fraction of one channel's own waveform into logical time.
func (c *TransportController) Position(key ChannelKey, fraction float64) (float64, error) {
	h, ok := c.handles[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownChannel, key)
	}
	if h.status != StatusReady {
		return 0, ErrNotReady
	}
	return ScrubPosition(fraction, h.offset, h.duration), nil
}

// Close releases every source and returns to Idle.
func (c *TransportController) Close() {
	for _, h := range c.ordered() {
		c.release(h)
	}
	c.handles = make(map[ChannelKey]*sourceHandle)
	c.gate.Reset(nil)
	c.phase = PhaseIdle
	c.current = 0
	c.duration = c.opts.ProvisionalDuration
}

// ChannelStates joins registry configuration with source status.
func (c *TransportController) ChannelStates(reg *StemRegistry) []ChannelState {
	channels := reg.Channels()
	out := make([]ChannelState, 0, len(channels))
	for _, ch := range channels {
		st := ChannelState{
			Key:      ch.Key,
			Location: ch.Location,
			Volume:   ch.Volume,
			Muted:    ch.Muted,
			Offset:   ch.Offset,
			Audible:  reg.Audible(ch.Key),
			Status:   StatusLoading,
		}
		if h, ok := c.handles[ch.Key]; ok {
			st.Status = h.status
			st.Duration = h.duration
			st.Generation = h.gen
			st.Playing = h.playing
			if h.err != nil {
				st.Error = h.err.Error()
			}
			if h.status == StatusFailed {
				st.Audible = false
			}
		}
		out = append(out, st)
	}
	return out
}

// Warnings describes every failed channel.
func (c *TransportController) Warnings() []string {
	var out []string
	for _, h := range c.ordered() {
		if h.status == StatusFailed {
			out = append(out, fmt.Sprintf("%s could not be loaded: %v", h.key, h.err))
		}
	}
	return out
}

func (c *TransportController) ordered() []*sourceHandle {
	out := make([]*sourceHandle, 0, len(c.handles))
	for _, h := range c.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].key, out[j].key
		if a.TrackID != b.TrackID {
			return a.TrackID < b.TrackID
		}
		return a.Kind.order() < b.Kind.order()
	})
	return out
}
