package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"musicmashup/core/audio"
	"musicmashup/core/mixer"
	"musicmashup/model"
	"musicmashup/storage"
)

type fakeTracks struct {
	mu     sync.Mutex
	nextID int64
	tracks map[int64]*model.Track
	stems  map[int64]map[string]*model.StemAsset
}

func newFakeTracks() *fakeTracks {
	return &fakeTracks{
		tracks: map[int64]*model.Track{},
		stems:  map[int64]map[string]*model.StemAsset{},
	}
}

func (f *fakeTracks) CreateTrack(_ context.Context, t *model.Track) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	cp := *t
	cp.ID = f.nextID
	cp.CreatedAt = time.Now().UTC()
	f.tracks[cp.ID] = &cp
	return cp.ID, nil
}

func (f *fakeTracks) GetTrack(_ context.Context, id int64) (*model.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tracks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTracks) ListTracks(_ context.Context) ([]*model.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Track
	for _, t := range f.tracks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeTracks) DeleteTrack(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tracks, id)
	delete(f.stems, id)
	return nil
}

func (f *fakeTracks) SaveStem(_ context.Context, s *model.StemAsset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stems[s.TrackID] == nil {
		f.stems[s.TrackID] = map[string]*model.StemAsset{}
	}
	cp := *s
	f.stems[s.TrackID][s.Kind] = &cp
	return nil
}

func (f *fakeTracks) GetStem(_ context.Context, trackID int64, kind string) (*model.StemAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stems[trackID][kind]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeTracks) ListStems(_ context.Context, trackID int64) ([]*model.StemAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.StemAsset
	for _, s := range f.stems[trackID] {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind > out[j].Kind })
	return out, nil
}

type fakeMashups struct {
	mu   sync.Mutex
	list []*model.Mashup
	err  error
}

func (f *fakeMashups) Create(_ context.Context, m *model.Mashup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	m.ID = int64(len(f.list) + 1)
	m.CreatedAt = time.Now().UTC()
	cp := *m
	f.list = append(f.list, &cp)
	return nil
}

func (f *fakeMashups) GetByID(_ context.Context, id int64) (*model.Mashup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.list {
		if m.ID == id {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeMashups) List(_ context.Context, _ int) ([]*model.Mashup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Mashup, len(f.list))
	copy(out, f.list)
	return out, nil
}

type memObject struct {
	*bytes.Reader
	info storage.ObjectInfo
}

func (o *memObject) Close() error             { return nil }
func (o *memObject) Info() storage.ObjectInfo { return o.info }

type memObjects struct {
	mu      sync.Mutex
	data    map[string][]byte
	types   map[string]string
	putErr  error
	removed []string
}

func newMemObjects() *memObjects {
	return &memObjects{data: map[string][]byte{}, types: map[string]string{}}
}

func (m *memObjects) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	if m.putErr != nil {
		return m.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	m.types[key] = contentType
	return nil
}

func (m *memObjects) Open(_ context.Context, key string) (storage.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &memObject{
		Reader: bytes.NewReader(data),
		info: storage.ObjectInfo{
			Key:          key,
			Size:         int64(len(data)),
			ContentType:  m.types[key],
			LastModified: time.Unix(1700000000, 0).UTC(),
		},
	}, nil
}

func (m *memObjects) FGet(_ context.Context, key, filePath string) error {
	m.mu.Lock()
	data, ok := m.data[key]
	m.mu.Unlock()
	if !ok {
		return storage.ErrNotFound
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0644)
}

func (m *memObjects) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	m.removed = append(m.removed, key)
	return nil
}

func (m *memObjects) RemovePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

func (m *memObjects) List(_ context.Context, prefix string) ([]storage.ObjectInfo, *storage.BucketStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.ObjectInfo
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, storage.ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, storage.Stats(out), nil
}

func (m *memObjects) keys(prefix string) []string {
	objs, _, _ := m.List(context.Background(), prefix)
	var out []string
	for _, o := range objs {
		out = append(out, o.Key)
	}
	return out
}

func (m *memObjects) get(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key]
}

// memCache implements cache.Store.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key], nil
}

func (c *memCache) Set(_ context.Context, key string, data []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = map[string][]byte{}
	}
	c.data[key] = data
	return nil
}

func (c *memCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls int
	bpm   float64
	err   error
}

func (a *fakeAnalyzer) Analyze(_ context.Context, path string) (audio.Analysis, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if _, err := os.Stat(path); err != nil {
		return audio.Analysis{}, err
	}
	if a.err != nil {
		return audio.Analysis{}, a.err
	}
	bpm, key := a.bpm, "C"
	return audio.Analysis{BPM: &bpm, Key: &key}, nil
}

// fakeSeparator copies the input to one file per stem. Vocals are reported
// through onStem before the instrumental is written, then midway runs.
type fakeSeparator struct {
	err    error
	midway func()
}

func (s *fakeSeparator) Separate(_ context.Context, path, outDir string, onStem audio.StemFunc) (map[string]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, kind := range []string{"vocals", "instrumental"} {
		p := filepath.Join(outDir, kind+".wav")
		if err := os.WriteFile(p, append([]byte(kind+":"), data...), 0644); err != nil {
			return nil, err
		}
		out[kind] = p
		if kind == "vocals" {
			if onStem != nil {
				onStem(kind, p)
			}
			if s.midway != nil {
				s.midway()
			}
		}
	}
	return out, nil
}

type fakeRenderer struct {
	mu   sync.Mutex
	reqs []mixer.MixRequest
	body string
	err  error
}

func (r *fakeRenderer) Render(_ context.Context, req mixer.MixRequest) (*mixer.RenderResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	if r.err != nil {
		return nil, r.err
	}
	return &mixer.RenderResult{
		Body:        io.NopCloser(strings.NewReader(r.body)),
		Filename:    "mashup.wav",
		ContentType: "audio/wav",
		Size:        int64(len(r.body)),
	}, nil
}

func (r *fakeRenderer) requests() []mixer.MixRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mixer.MixRequest(nil), r.reqs...)
}

var errBoom = errors.New("boom")

// testContext mirrors testing.T.Context (Go 1.24+): a context that is
// canceled just before the test's Cleanup-registered functions run.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
