package mixer

// SourceEventKind distinguishes the two outcomes of a load.
type SourceEventKind int

const (
	SourceReady SourceEventKind = iota
	SourceFailed
)

// SourceEvent is the single ready/error signal of one Load call.
type SourceEvent struct {
	Kind     SourceEventKind
	Duration float64 // seconds, set when Kind == SourceReady
	Err      error   // *DecodeError when Kind == SourceFailed
}

// Ready builds a ready event.
func Ready(duration float64) SourceEvent {
	return SourceEvent{Kind: SourceReady, Duration: duration}
}

// Failed builds a failure event wrapping err in a DecodeError.
func Failed(location string, err error) SourceEvent {
	return SourceEvent{Kind: SourceFailed, Err: &DecodeError{Location: location, Err: err}}
}

// AudioSource is one decodable, seekable, playable stream.
//
// Load starts an asynchronous decode and must call notify exactly once, from
// any goroutine, unless the source is closed first. Play and Pause are
// idempotent and do nothing before the source is ready. Seek takes a fraction
// of the source's own duration and clamps it to [0,1]. CurrentTime and
// Duration report seconds and return 0 before ready.
type AudioSource interface {
	Load(location string, notify func(SourceEvent))
	Play()
	Pause()
	Seek(fraction float64)
	SetVolume(v float64)
	CurrentTime() float64
	Duration() float64
	Close() error
}

// SourceFactory creates the source for one channel load generation.
type SourceFactory func(ch MixChannel, gen Generation) AudioSource

func clamp01(v float64) float64 {
	if v != v || v < 0 { // NaN counts as 0
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
