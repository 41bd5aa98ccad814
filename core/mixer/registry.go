package mixer

import (
	"fmt"
	"sort"
)

type trackEntry struct {
	track   Track
	options map[StemKind]string // kind -> stem location
}

// StemRegistry is the single source of truth for mix configuration.
// It is not safe for concurrent use; the Engine owns it.
type StemRegistry struct {
	order    []int64
	tracks   map[int64]*trackEntry
	channels map[ChannelKey]*MixChannel
	solo     *int64
}

func NewStemRegistry() *StemRegistry {
	return &StemRegistry{
		tracks:   make(map[int64]*trackEntry),
		channels: make(map[ChannelKey]*MixChannel),
	}
}

// SetTracks replaces the uploaded track set. Tracks that left lose their
// selection and channels; tracks that stayed keep theirs. It reports whether
// the active channel set changed.
func (r *StemRegistry) SetTracks(tracks []Track) bool {
	incoming := make(map[int64]Track, len(tracks))
	order := make([]int64, 0, len(tracks))
	for _, t := range tracks {
		if _, dup := incoming[t.ID]; dup {
			continue
		}
		incoming[t.ID] = t
		order = append(order, t.ID)
	}

	changed := false
	for _, id := range r.order {
		if _, ok := incoming[id]; !ok {
			if r.dropTrack(id) {
				changed = true
			}
		}
	}
	for _, id := range order {
		if e, ok := r.tracks[id]; ok {
			e.track = incoming[id]
			continue
		}
		r.tracks[id] = &trackEntry{track: incoming[id], options: make(map[StemKind]string)}
	}
	r.order = order
	return changed
}

// AddTrack appends one track; a track already present is left as is.
func (r *StemRegistry) AddTrack(t Track) {
	if _, ok := r.tracks[t.ID]; ok {
		return
	}
	r.tracks[t.ID] = &trackEntry{track: t, options: make(map[StemKind]string)}
	r.order = append(r.order, t.ID)
}

// RemoveTrack drops a track and its channels. It reports whether the active
// channel set changed.
func (r *StemRegistry) RemoveTrack(id int64) bool {
	if _, ok := r.tracks[id]; !ok {
		return false
	}
	changed := r.dropTrack(id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return changed
}

func (r *StemRegistry) dropTrack(id int64) bool {
	changed := false
	for key := range r.channels {
		if key.TrackID == id {
			delete(r.channels, key)
			changed = true
		}
	}
	delete(r.tracks, id)
	if r.solo != nil && *r.solo == id {
		r.solo = nil
	}
	return changed
}

// SetStemOptions records where the separated stems of a track live. Options
// are never activated here. If an active channel's location moved, the
// channel follows it and the call reports a channel-set change.
func (r *StemRegistry) SetStemOptions(trackID int64, options map[StemKind]string) (bool, error) {
	e, ok := r.tracks[trackID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownTrack, trackID)
	}
	for kind := range options {
		if _, err := ParseStemKind(string(kind)); err != nil {
			return false, err
		}
	}
	changed := false
	for kind, loc := range options {
		e.options[kind] = loc
		if ch, ok := r.channels[ChannelKey{TrackID: trackID, Kind: kind}]; ok && ch.Location != loc {
			ch.Location = loc
			changed = true
		}
	}
	return changed, nil
}

// SetStemActive creates or destroys the channel for (trackID, kind). Other
// channels are untouched. It reports whether the active set changed.
func (r *StemRegistry) SetStemActive(trackID int64, kind StemKind, active bool) (bool, error) {
	e, ok := r.tracks[trackID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownTrack, trackID)
	}
	if _, err := ParseStemKind(string(kind)); err != nil {
		return false, err
	}
	key := ChannelKey{TrackID: trackID, Kind: kind}
	_, exists := r.channels[key]
	if active == exists {
		return false, nil
	}
	if !active {
		delete(r.channels, key)
		return true, nil
	}
	loc, ok := e.options[kind]
	if !ok || loc == "" {
		return false, fmt.Errorf("%w: track %d %s", ErrStemUnavailable, trackID, kind)
	}
	r.channels[key] = &MixChannel{
		Key:      key,
		Location: loc,
		Volume:   kind.DefaultVolume(),
	}
	return true, nil
}

// SetVolume silently clamps v to [0,1].
func (r *StemRegistry) SetVolume(key ChannelKey, v float64) error {
	ch, ok := r.channels[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, key)
	}
	ch.Volume = clamp01(v)
	return nil
}

// ToggleMute flips the channel's mute flag and returns the new value.
func (r *StemRegistry) ToggleMute(key ChannelKey) (bool, error) {
	ch, ok := r.channels[key]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownChannel, key)
	}
	ch.Muted = !ch.Muted
	return ch.Muted, nil
}

// SetSolo solos a track. Soloing the current solo target clears solo.
// It returns the resulting target, nil when nothing is soloed.
func (r *StemRegistry) SetSolo(trackID int64) (*int64, error) {
	if _, ok := r.tracks[trackID]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTrack, trackID)
	}
	if r.solo != nil && *r.solo == trackID {
		r.solo = nil
		return nil, nil
	}
	id := trackID
	r.solo = &id
	return r.SoloTarget(), nil
}

// ClearSolo returns every channel to its own mute flag.
func (r *StemRegistry) ClearSolo() {
	r.solo = nil
}

// SoloTarget returns a copy of the solo target.
func (r *StemRegistry) SoloTarget() *int64 {
	if r.solo == nil {
		return nil
	}
	id := *r.solo
	return &id
}

// SetOffset sets the channel's time offset, floored at 0.
func (r *StemRegistry) SetOffset(key ChannelKey, seconds float64) error {
	ch, ok := r.channels[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, key)
	}
	if seconds != seconds || seconds < 0 {
		seconds = 0
	}
	ch.Offset = seconds
	return nil
}

// Audible reports whether the channel should be heard: not muted and either
// nothing is soloed or its track is the solo target.
func (r *StemRegistry) Audible(key ChannelKey) bool {
	ch, ok := r.channels[key]
	if !ok || ch.Muted {
		return false
	}
	return r.solo == nil || *r.solo == key.TrackID
}

// Channel returns a copy of one channel.
func (r *StemRegistry) Channel(key ChannelKey) (MixChannel, bool) {
	ch, ok := r.channels[key]
	if !ok {
		return MixChannel{}, false
	}
	return *ch, true
}

// Channels returns copies of the active channels, ordered by track upload
// order then stem kind.
func (r *StemRegistry) Channels() []MixChannel {
	pos := make(map[int64]int, len(r.order))
	for i, id := range r.order {
		pos[id] = i
	}
	out := make([]MixChannel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, *ch)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.TrackID != b.TrackID {
			return pos[a.TrackID] < pos[b.TrackID]
		}
		return a.Kind.order() < b.Kind.order()
	})
	return out
}

// HasTwoOrMoreStems reports whether enough stems are active to enter mix mode.
func (r *StemRegistry) HasTwoOrMoreStems() bool {
	return len(r.channels) >= 2
}

// Track returns a copy of one track.
func (r *StemRegistry) Track(id int64) (Track, bool) {
	e, ok := r.tracks[id]
	if !ok {
		return Track{}, false
	}
	return e.track, true
}

// Tracks returns tracks in upload order.
func (r *StemRegistry) Tracks() []Track {
	out := make([]Track, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tracks[id].track)
	}
	return out
}

// TrackStates returns per-track stem options and selection for UIs.
func (r *StemRegistry) TrackStates() []TrackState {
	out := make([]TrackState, 0, len(r.order))
	for _, id := range r.order {
		e := r.tracks[id]
		ts := TrackState{
			ID:       id,
			Name:     e.track.Name,
			BPM:      e.track.BPM,
			Key:      e.track.Key,
			Selected: make(map[StemKind]bool, len(StemKinds)),
		}
		for _, kind := range StemKinds {
			if _, ok := e.options[kind]; ok {
				ts.Options = append(ts.Options, kind)
			}
			_, active := r.channels[ChannelKey{TrackID: id, Kind: kind}]
			ts.Selected[kind] = active
		}
		out = append(out, ts)
	}
	return out
}
