package server

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"musicmashup/cache"
	"musicmashup/config"
	"musicmashup/core/mixer"
	"musicmashup/core/session"
	"musicmashup/model"
	"musicmashup/storage"
)

type testAPI struct {
	tracks    *fakeTracks
	mashups   *fakeMashups
	objects   *memObjects
	analyzer  *fakeAnalyzer
	separator *fakeSeparator
	renderer  *fakeRenderer
	hub       *session.Hub
	router    http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	api := &testAPI{
		tracks:    newFakeTracks(),
		mashups:   &fakeMashups{},
		objects:   newMemObjects(),
		analyzer:  &fakeAnalyzer{bpm: 120},
		separator: &fakeSeparator{},
		renderer:  &fakeRenderer{body: "RIFFmix"},
		hub:       session.NewHub(),
	}
	go api.hub.Run()
	t.Cleanup(api.hub.Stop)

	store := &memCache{}
	cfg := &config.Config{DataDir: t.TempDir(), TickInterval: 10 * time.Millisecond}
	h := NewAPIHandler(Deps{
		Tracks:    api.tracks,
		Mashups:   api.mashups,
		Store:     api.objects,
		Analyzer:  api.analyzer,
		Separator: api.separator,
		Renderer:  api.renderer,
		Analysis:  cache.NewAnalysisCache(store, time.Hour),
		Peaks:     cache.NewPeaksCache(store, time.Hour),
		Hub:       api.hub,
	}, cfg)
	api.router = NewRouter(h)
	return api
}

func (api *testAPI) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	return rec
}

// seedTrack stores a track with both stems separated.
func (api *testAPI) seedTrack(t *testing.T, name string, bpm float64) int64 {
	t.Helper()
	ctx := testContext(t)
	key := storage.AudioKey(".wav")
	if err := api.objects.Put(ctx, key, strings.NewReader("RIFF"+name), 0, "audio/wav"); err != nil {
		t.Fatal(err)
	}
	id, err := api.tracks.CreateTrack(ctx, &model.Track{Filename: name, BPM: &bpm, ObjectKey: key, ContentType: "audio/wav"})
	if err != nil {
		t.Fatal(err)
	}
	for _, kind := range []string{"vocals", "instrumental"} {
		stemKey := storage.StemKey(id, kind, ".wav")
		if err := api.objects.Put(ctx, stemKey, strings.NewReader(kind), 0, "audio/wav"); err != nil {
			t.Fatal(err)
		}
		if err := api.tracks.SaveStem(ctx, &model.StemAsset{TrackID: id, Kind: kind, ObjectKey: stemKey}); err != nil {
			t.Fatal(err)
		}
	}
	return id
}

func uploadRequest(t *testing.T, field, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(data)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Message string `json:"message"`
	}
	decodeBody(t, rec, &body)
	return body.Message
}

func TestUploadStoresAndAnalyzes(t *testing.T) {
	api := newTestAPI(t)
	data := []byte("RIFF....WAVEfmt fake audio")

	rec := api.do(t, uploadRequest(t, "file", "a.wav", data))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got model.Track
	decodeBody(t, rec, &got)
	if got.ID != 1 || got.Filename != "a.wav" {
		t.Errorf("track = %+v", got)
	}
	if got.BPM == nil || *got.BPM != 120 || got.Key == nil || *got.Key != "C" {
		t.Errorf("analysis = bpm %v key %v, want 120 C", got.BPM, got.Key)
	}

	keys := api.objects.keys(storage.AudioPrefix)
	if len(keys) != 1 || !strings.HasSuffix(keys[0], ".wav") {
		t.Fatalf("stored objects = %v", keys)
	}
	if !bytes.Equal(api.objects.get(keys[0]), data) {
		t.Errorf("stored bytes differ from upload")
	}

	// same bytes again: the analysis comes from the cache
	rec = api.do(t, uploadRequest(t, "file", "copy.wav", data))
	if rec.Code != http.StatusOK {
		t.Fatalf("second upload status = %d", rec.Code)
	}
	if api.analyzer.calls != 1 {
		t.Errorf("analyzer calls = %d, want 1", api.analyzer.calls)
	}
}

func TestUploadErrors(t *testing.T) {
	tests := []struct {
		name       string
		field      string
		setup      func(api *testAPI)
		wantStatus int
		wantMsg    string
	}{
		{"no file", "", nil, http.StatusBadRequest, "No file uploaded"},
		{"wrong field", "upload", nil, http.StatusBadRequest, "No file uploaded"},
		{"analysis fails", "file", func(api *testAPI) { api.analyzer.err = errBoom }, http.StatusInternalServerError, "BPM detection failed"},
		{"store fails", "file", func(api *testAPI) { api.objects.putErr = errBoom }, http.StatusInternalServerError, "Failed to process audio file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t)
			if tt.setup != nil {
				tt.setup(api)
			}
			rec := api.do(t, uploadRequest(t, tt.field, "a.mp3", []byte("ID3 data")))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if msg := errorMessage(t, rec); msg != tt.wantMsg {
				t.Errorf("message = %q, want %q", msg, tt.wantMsg)
			}
			if tracks, _ := api.tracks.ListTracks(testContext(t)); len(tracks) != 0 {
				t.Errorf("failed upload created %d tracks", len(tracks))
			}
		})
	}
}

func TestListAudioFiles(t *testing.T) {
	api := newTestAPI(t)
	api.seedTrack(t, "a.wav", 120)
	api.tracks.CreateTrack(testContext(t), &model.Track{Filename: "b.mp3"})

	rec := api.do(t, httptest.NewRequest(http.MethodGet, "/api/audio-files", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got []model.TrackWithStems
	decodeBody(t, rec, &got)
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 {
		t.Fatalf("list = %+v", got)
	}
	if got[0].Stems["vocals"] != "/api/audio/1/stems/vocals" {
		t.Errorf("stems = %v", got[0].Stems)
	}
	if len(got[1].Stems) != 0 {
		t.Errorf("unseparated track stems = %v", got[1].Stems)
	}
}

func TestGetAudioSupportsRanges(t *testing.T) {
	api := newTestAPI(t)
	key := storage.AudioKey(".mp3")
	api.objects.Put(testContext(t), key, strings.NewReader("0123456789"), 10, "audio/mpeg")
	api.tracks.CreateTrack(testContext(t), &model.Track{Filename: "a.mp3", ObjectKey: key})

	req := httptest.NewRequest(http.MethodGet, "/api/audio/1", nil)
	req.Header.Set("Range", "bytes=2-5")
	rec := api.do(t, req)
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Body.String(); got != "2345" {
		t.Errorf("body = %q, want 2345", got)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 2-5/10" {
		t.Errorf("Content-Range = %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "audio/mpeg" {
		t.Errorf("Content-Type = %q", got)
	}

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/audio/9", nil))
	if rec.Code != http.StatusNotFound || errorMessage(t, rec) != "Audio file not found" {
		t.Errorf("missing track: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestSeparateStems(t *testing.T) {
	api := newTestAPI(t)
	key := storage.AudioKey(".wav")
	api.objects.Put(testContext(t), key, strings.NewReader("song"), 4, "audio/wav")
	api.tracks.CreateTrack(testContext(t), &model.Track{Filename: "a.wav", ObjectKey: key})

	// vocals are downloadable while the instrumental is still being written
	midway := false
	api.separator.midway = func() {
		midway = true
		rec := api.do(t, httptest.NewRequest(http.MethodGet, "/api/audio/1/stems/vocals", nil))
		if rec.Code != http.StatusOK || rec.Body.String() != "vocals:song" {
			t.Errorf("vocals during separation: status %d body %q", rec.Code, rec.Body.String())
		}
		rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/audio/1/stems/instrumental", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("instrumental during separation: status %d", rec.Code)
		}
	}

	rec := api.do(t, httptest.NewRequest(http.MethodPost, "/api/separate-stems/1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !midway {
		t.Fatal("separator never reported the vocals early")
	}
	var got struct {
		ID    int64             `json:"id"`
		Stems map[string]string `json:"stems"`
	}
	decodeBody(t, rec, &got)
	if got.ID != 1 || got.Stems["vocals"] != "/api/audio/1/stems/vocals" || got.Stems["instrumental"] != "/api/audio/1/stems/instrumental" {
		t.Errorf("response = %+v", got)
	}

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/audio/1/stems/vocals", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "vocals:song" {
		t.Errorf("stem download status %d body %q", rec.Code, rec.Body.String())
	}
	if got := len(api.objects.keys(storage.StemDir(1))); got != 2 {
		t.Errorf("stored stems = %d, want 2", got)
	}

	// a second separation replaces the stored stems
	api.separator.midway = nil
	api.do(t, httptest.NewRequest(http.MethodPost, "/api/separate-stems/1", nil))
	if got := len(api.objects.keys(storage.StemDir(1))); got != 2 {
		t.Errorf("stems after re-separation = %d, want 2", got)
	}
}

func TestSeparateStemsErrors(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, httptest.NewRequest(http.MethodPost, "/api/separate-stems/4", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown track status = %d, want 404", rec.Code)
	}

	api.seedTrack(t, "a.wav", 100)
	api.separator.err = errBoom
	rec = api.do(t, httptest.NewRequest(http.MethodPost, "/api/separate-stems/1", nil))
	if rec.Code != http.StatusInternalServerError || errorMessage(t, rec) != "Stem separation failed" {
		t.Errorf("failed separation: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/audio/1/stems/drums", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown stem kind status = %d, want 400", rec.Code)
	}
}

func TestDeleteAudio(t *testing.T) {
	api := newTestAPI(t)
	id := api.seedTrack(t, "a.wav", 120)
	track, _ := api.tracks.GetTrack(testContext(t), id)

	rec := api.do(t, httptest.NewRequest(http.MethodDelete, "/api/audio/1", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got, _ := api.tracks.GetTrack(testContext(t), id); got != nil {
		t.Errorf("track still present")
	}
	if api.objects.get(track.ObjectKey) != nil {
		t.Errorf("audio object still present")
	}
	if keys := api.objects.keys(storage.StemDir(id)); len(keys) != 0 {
		t.Errorf("stem objects left: %v", keys)
	}

	rec = api.do(t, httptest.NewRequest(http.MethodDelete, "/api/audio/1", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func mashupRequest(t *testing.T, body interface{}) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/mashups", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestCreateMashup(t *testing.T) {
	api := newTestAPI(t)
	a := api.seedTrack(t, "a.wav", 120)
	b := api.seedTrack(t, "b.wav", 128)

	rec := api.do(t, mashupRequest(t, model.CreateMashupRequest{
		Name:         "Night Mix",
		AudioFileIDs: []int64{a, b},
		MixSettings: model.MixSettings{
			Volumes:    map[string]float64{"1:vocals": 0.9, "2:instrumental": 0.64},
			MuteStates: map[string]bool{"1:vocals": true},
			Offsets:    map[string]float64{"2:instrumental": 1.5},
		},
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="mashup.wav"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if rec.Body.String() != "RIFFmix" {
		t.Errorf("body = %q", rec.Body.String())
	}

	reqs := api.renderer.requests()
	if len(reqs) != 1 {
		t.Fatalf("render calls = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.BPM != 128 || len(req.Entries) != 2 {
		t.Errorf("render request = %+v", req)
	}
	if !req.Entries[0].Muted || req.Entries[1].Offset != 1.5 {
		t.Errorf("entries = %+v, want muted vocals and offset instrumental", req.Entries)
	}

	list, _ := api.mashups.List(testContext(t), 0)
	if len(list) != 1 || list[0].Name != "Night Mix" || list[0].Filename != "mashup.wav" {
		t.Fatalf("saved mashups = %+v", list)
	}
	if !strings.HasPrefix(list[0].ObjectKey, storage.RenderPrefix) {
		t.Errorf("render stored under %q", list[0].ObjectKey)
	}

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/mashups/1/download", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "RIFFmix" {
		t.Errorf("download status %d body %q", rec.Code, rec.Body.String())
	}

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/mashups", nil))
	var saved []model.Mashup
	decodeBody(t, rec, &saved)
	if len(saved) != 1 || saved[0].MixSettings.Volumes["1:vocals"] != 0.9 {
		t.Errorf("listed mashups = %+v", saved)
	}
}

func TestCreateMashupErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       interface{}
		renderErr  error
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "malformed json",
			body:       "not an object",
			wantStatus: http.StatusBadRequest,
			wantMsg:    "Invalid mashup data",
		},
		{
			name: "single channel",
			body: model.CreateMashupRequest{
				AudioFileIDs: []int64{1},
				MixSettings:  model.MixSettings{Volumes: map[string]float64{"1:vocals": 1}},
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "unknown track",
			body: model.CreateMashupRequest{
				AudioFileIDs: []int64{1, 7},
				MixSettings:  model.MixSettings{Volumes: map[string]float64{"1:vocals": 1, "7:vocals": 1}},
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "renderer fails",
			body: model.CreateMashupRequest{
				AudioFileIDs: []int64{1},
				MixSettings: model.MixSettings{
					Volumes:             map[string]float64{"1": 0.8},
					ExtractVocals:       true,
					ExtractInstrumental: true,
				},
			},
			renderErr:  errBoom,
			wantStatus: http.StatusBadGateway,
			wantMsg:    "render failed: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t)
			api.seedTrack(t, "a.wav", 120)
			api.renderer.err = tt.renderErr

			rec := api.do(t, mashupRequest(t, tt.body))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			msg := errorMessage(t, rec)
			if tt.wantMsg != "" && msg != tt.wantMsg {
				t.Errorf("message = %q, want %q", msg, tt.wantMsg)
			}
			if list, _ := api.mashups.List(testContext(t), 0); len(list) != 0 {
				t.Errorf("failed request saved %d mashups", len(list))
			}
			if tt.renderErr == nil && len(api.renderer.requests()) != 0 {
				t.Errorf("invalid request reached the renderer")
			}
		})
	}
}

func TestDownloadMissingMashup(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, httptest.NewRequest(http.MethodGet, "/api/mashups/3/download", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, httptest.NewRequest(http.MethodOptions, "/api/mashups", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Range") {
		t.Errorf("Allow-Headers = %q, want Range", got)
	}
}

func TestEngineOptions(t *testing.T) {
	opts := EngineOptions(&config.Config{TickInterval: 20 * time.Millisecond, DriftTolerance: 0.25})
	if opts.TickInterval != 20*time.Millisecond || opts.Transport.DriftTolerance != 0.25 {
		t.Errorf("options = %+v", opts)
	}
	opts = EngineOptions(&config.Config{})
	if opts.TickInterval != mixer.DefaultOptions().TickInterval || opts.Transport.DriftTolerance != mixer.DefaultDriftTolerance {
		t.Errorf("zero config options = %+v, want defaults", opts)
	}
}
