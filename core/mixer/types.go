package mixer

import (
	"fmt"
	"strconv"
	"strings"
)

// StemKind names a separated component of a track.
type StemKind string

const (
	StemVocals       StemKind = "vocals"
	StemInstrumental StemKind = "instrumental"
)

// StemKinds lists every kind in display order.
var StemKinds = []StemKind{StemVocals, StemInstrumental}

const (
	// Default channel volumes. Instrumentals start lower so vocals sit on top.
	DefaultVocalsVolume       = 1.0
	DefaultInstrumentalVolume = 0.64

	// DefaultDriftTolerance is the divergence in seconds after which a source is re-seeked.
	DefaultDriftTolerance = 0.1
	// DefaultReconcileInterval is the minimum logical time between two corrective seeks of one source.
	DefaultReconcileInterval = 0.1
)

// ParseStemKind validates a kind coming from the wire.
func ParseStemKind(s string) (StemKind, error) {
	switch k := StemKind(strings.ToLower(strings.TrimSpace(s))); k {
	case StemVocals, StemInstrumental:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStem, s)
}

// DefaultVolume returns the volume a freshly activated channel of this kind starts with.
func (k StemKind) DefaultVolume() float64 {
	if k == StemInstrumental {
		return DefaultInstrumentalVolume
	}
	return DefaultVocalsVolume
}

func (k StemKind) order() int {
	for i, kind := range StemKinds {
		if kind == k {
			return i
		}
	}
	return len(StemKinds)
}

// ChannelKey identifies one active stem: Track x kind.
type ChannelKey struct {
	TrackID int64    `json:"trackId"`
	Kind    StemKind `json:"kind"`
}

func (k ChannelKey) String() string {
	return strconv.FormatInt(k.TrackID, 10) + ":" + string(k.Kind)
}

// ParseChannelKey parses the "<trackId>:<kind>" form used in mix settings.
func ParseChannelKey(s string) (ChannelKey, error) {
	id, kind, ok := strings.Cut(s, ":")
	if !ok {
		return ChannelKey{}, fmt.Errorf("invalid channel key %q", s)
	}
	trackID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return ChannelKey{}, fmt.Errorf("invalid channel key %q: %w", s, err)
	}
	k, err := ParseStemKind(kind)
	if err != nil {
		return ChannelKey{}, err
	}
	return ChannelKey{TrackID: trackID, Kind: k}, nil
}

// Track is the client-side projection of an uploaded audio file.
type Track struct {
	ID       int64
	Name     string
	BPM      *float64
	Key      *string
	Location string
}

// MixChannel is the mix configuration of one active stem.
type MixChannel struct {
	Key      ChannelKey
	Location string
	Volume   float64
	Muted    bool
	Offset   float64 // seconds, >= 0
}

// Generation uniquely identifies one AudioSource load.
type Generation uint64

// Phase is the transport state machine position.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseArmed
	PhasePlaying
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseArmed:
		return "armed"
	case PhasePlaying:
		return "playing"
	}
	return "unknown"
}

// MarshalText renders the phase by name in JSON snapshots.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ChannelStatus is the load state of a channel's source.
type ChannelStatus string

const (
	StatusLoading ChannelStatus = "loading"
	StatusReady   ChannelStatus = "ready"
	StatusFailed  ChannelStatus = "failed"
)

// TransportState is the authoritative play/pause/position state.
type TransportState struct {
	Phase              Phase   `json:"phase"`
	IsPlaying          bool    `json:"isPlaying"`
	CurrentTime        float64 `json:"currentTime"`
	Duration           float64 `json:"duration"`
	// ReadyCount drops to 0 on a channel-set change, then sources that were
	// already loaded and survive the change are counted again at once.
	ReadyCount         int     `json:"readyCount"`
	ExpectedReadyCount int     `json:"expectedReadyCount"`
}

// ChannelState is a read-only view of one channel for UIs.
type ChannelState struct {
	Key        ChannelKey    `json:"key"`
	Location   string        `json:"location"`
	Volume     float64       `json:"volume"`
	Muted      bool          `json:"muted"`
	Offset     float64       `json:"offset"`
	Audible    bool          `json:"audible"`
	Playing    bool          `json:"playing"`
	Status     ChannelStatus `json:"status"`
	Duration   float64       `json:"duration"`
	Generation Generation    `json:"generation"`
	Error      string        `json:"error,omitempty"`
}

// TrackState is a read-only view of one track and its stem options.
type TrackState struct {
	ID       int64             `json:"id"`
	Name     string            `json:"name"`
	BPM      *float64          `json:"bpm"`
	Key      *string           `json:"key"`
	Options  []StemKind        `json:"options"`
	Selected map[StemKind]bool `json:"selected"`
}

// Snapshot is everything a UI needs to draw one frame.
type Snapshot struct {
	Transport   TransportState `json:"transport"`
	Tracks      []TrackState   `json:"tracks"`
	Channels    []ChannelState `json:"channels"`
	SoloTrackID *int64         `json:"soloTrackId"`
	MixMode     bool           `json:"mixMode"`
	Warnings    []string       `json:"warnings,omitempty"`
}

// Channel returns the channel with the given key, if present.
func (s Snapshot) Channel(key ChannelKey) (ChannelState, bool) {
	for _, ch := range s.Channels {
		if ch.Key == key {
			return ch, true
		}
	}
	return ChannelState{}, false
}
