package mixer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"musicmashup/logger"
	"musicmashup/model"
)

// MixEntry is one channel as sent to the renderer.
type MixEntry struct {
	TrackID int64    `json:"trackId"`
	Kind    StemKind `json:"kind"`
	Volume  float64  `json:"volume"`
	Muted   bool     `json:"muted"`
	Offset  float64  `json:"offset"`
}

func (m MixEntry) Key() ChannelKey {
	return ChannelKey{TrackID: m.TrackID, Kind: m.Kind}
}

// MixRequest is the render payload. It never carries transport state.
type MixRequest struct {
	Name         string     `json:"name"`
	AudioFileIDs []int64    `json:"audioFileIds"`
	Entries      []MixEntry `json:"entries"`
	BPM          float64    `json:"bpm,omitempty"`
}

// RenderResult is the rendered mix; the caller offers it as a download.
type RenderResult struct {
	Body        io.ReadCloser
	Filename    string
	ContentType string
	Size        int64 // 0 when unknown
}

// Renderer is the external mix-and-export collaborator.
type Renderer interface {
	Render(ctx context.Context, req MixRequest) (*RenderResult, error)
}

// BuildMixRequest snapshots the registry's active channels. Muted channels
// are included with their flag set; mute and solo only shape the preview.
func BuildMixRequest(reg *StemRegistry, name string) (MixRequest, error) {
	req := MixRequest{Name: strings.TrimSpace(name)}
	seen := make(map[int64]bool)
	for _, ch := range reg.Channels() {
		req.Entries = append(req.Entries, MixEntry{
			TrackID: ch.Key.TrackID,
			Kind:    ch.Key.Kind,
			Volume:  ch.Volume,
			Muted:   ch.Muted,
			Offset:  ch.Offset,
		})
		if seen[ch.Key.TrackID] {
			continue
		}
		seen[ch.Key.TrackID] = true
		req.AudioFileIDs = append(req.AudioFileIDs, ch.Key.TrackID)
		if t, ok := reg.Track(ch.Key.TrackID); ok && t.BPM != nil && *t.BPM > req.BPM {
			req.BPM = *t.BPM
		}
	}
	if req.Name == "" {
		req.Name = "Mashup"
	}
	return req, req.Validate()
}

// Validate rejects requests the renderer cannot mix.
func (r MixRequest) Validate() error {
	if len(r.Entries) < 2 {
		return fmt.Errorf("%w: got %d", ErrInvalidMixRequest, len(r.Entries))
	}
	seen := make(map[ChannelKey]bool, len(r.Entries))
	for _, e := range r.Entries {
		if _, err := ParseStemKind(string(e.Kind)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMixRequest, err)
		}
		if seen[e.Key()] {
			return fmt.Errorf("%w: duplicate channel %s", ErrInvalidMixRequest, e.Key())
		}
		seen[e.Key()] = true
	}
	return nil
}

// Settings converts the request to the persisted/wire mix settings.
func (r MixRequest) Settings() model.MixSettings {
	s := model.MixSettings{
		Volumes:    make(map[string]float64, len(r.Entries)),
		MuteStates: make(map[string]bool, len(r.Entries)),
		Offsets:    make(map[string]float64),
		BPM:        r.BPM,
	}
	for _, e := range r.Entries {
		k := e.Key().String()
		s.Volumes[k] = e.Volume
		s.MuteStates[k] = e.Muted
		if e.Offset > 0 {
			s.Offsets[k] = e.Offset
		}
		switch e.Kind {
		case StemVocals:
			s.ExtractVocals = true
		case StemInstrumental:
			s.ExtractInstrumental = true
		}
	}
	return s
}

// MixRequestFromSettings parses wire settings. Keys are "<trackId>:<kind>";
// a bare "<trackId>" key applies to every stem selected by the extract flags.
func MixRequestFromSettings(name string, ids []int64, s model.MixSettings) (MixRequest, error) {
	req := MixRequest{Name: strings.TrimSpace(name), BPM: s.BPM}
	allowed := make(map[int64]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}

	entries := make(map[ChannelKey]*MixEntry)
	for raw, vol := range s.Volumes {
		keys, err := expandSettingKey(raw, s)
		if err != nil {
			return req, fmt.Errorf("%w: %v", ErrInvalidMixRequest, err)
		}
		for _, key := range keys {
			if len(allowed) > 0 && !allowed[key.TrackID] {
				return req, fmt.Errorf("%w: track %d not in audioFileIds", ErrInvalidMixRequest, key.TrackID)
			}
			entries[key] = &MixEntry{TrackID: key.TrackID, Kind: key.Kind, Volume: clamp01(vol)}
		}
	}
	for raw, muted := range s.MuteStates {
		keys, err := expandSettingKey(raw, s)
		if err != nil {
			return req, fmt.Errorf("%w: %v", ErrInvalidMixRequest, err)
		}
		for _, key := range keys {
			if e, ok := entries[key]; ok {
				e.Muted = muted
			}
		}
	}
	for raw, off := range s.Offsets {
		keys, err := expandSettingKey(raw, s)
		if err != nil {
			return req, fmt.Errorf("%w: %v", ErrInvalidMixRequest, err)
		}
		for _, key := range keys {
			if e, ok := entries[key]; ok && off > 0 {
				e.Offset = off
			}
		}
	}

	pos := make(map[int64]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}
	for _, e := range entries {
		req.Entries = append(req.Entries, *e)
	}
	sort.Slice(req.Entries, func(i, j int) bool {
		a, b := req.Entries[i], req.Entries[j]
		if a.TrackID != b.TrackID {
			pa, oka := pos[a.TrackID]
			pb, okb := pos[b.TrackID]
			if oka && okb {
				return pa < pb
			}
			return a.TrackID < b.TrackID
		}
		return a.Kind.order() < b.Kind.order()
	})

	seen := make(map[int64]bool)
	for _, e := range req.Entries {
		if !seen[e.TrackID] {
			seen[e.TrackID] = true
			req.AudioFileIDs = append(req.AudioFileIDs, e.TrackID)
		}
	}
	if req.Name == "" {
		req.Name = "Mashup"
	}
	return req, req.Validate()
}

func expandSettingKey(raw string, s model.MixSettings) ([]ChannelKey, error) {
	if strings.Contains(raw, ":") {
		key, err := ParseChannelKey(raw)
		if err != nil {
			return nil, err
		}
		return []ChannelKey{key}, nil
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid track id %q", raw)
	}
	var keys []ChannelKey
	if s.ExtractVocals {
		keys = append(keys, ChannelKey{TrackID: id, Kind: StemVocals})
	}
	if s.ExtractInstrumental {
		keys = append(keys, ChannelKey{TrackID: id, Kind: StemInstrumental})
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("track %d selects no stem", id)
	}
	return keys, nil
}

// MixSubmitter sends finished mixes to the renderer, exactly once per call.
type MixSubmitter struct {
	renderer Renderer
}

func NewMixSubmitter(r Renderer) *MixSubmitter {
	return &MixSubmitter{renderer: r}
}

// Submit validates and renders. A renderer failure comes back as
// *RenderFailed and is not retried.
func (s *MixSubmitter) Submit(ctx context.Context, req MixRequest) (*RenderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	res, err := s.renderer.Render(ctx, req)
	if err == nil && (res == nil || res.Body == nil) {
		err = errors.New("renderer returned no output")
	}
	if err != nil {
		logger.Error("mix render failed",
			logger.String("name", req.Name),
			logger.Int("channels", len(req.Entries)),
			logger.ErrorField(err))
		return nil, &RenderFailed{Err: err}
	}
	if res.Filename == "" {
		res.Filename = DownloadFilename(".wav")
	}
	logger.Info("mix rendered",
		logger.String("name", req.Name),
		logger.String("filename", res.Filename),
		logger.Int("channels", len(req.Entries)))
	return res, nil
}

// DownloadFilename is the name offered for a rendered mix with extension ext.
func DownloadFilename(ext string) string {
	if ext == "" {
		ext = ".wav"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return "mashup" + ext
}
