package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"musicmashup/cache"
	"musicmashup/config"
	"musicmashup/core/audio"
	"musicmashup/core/mixer"
	"musicmashup/core/session"
	"musicmashup/logger"
	"musicmashup/model"
	"musicmashup/repository"
	"musicmashup/storage"

	"github.com/gorilla/mux"
)

const (
	maxUploadSize   = 200 << 20
	maxMemory       = 32 << 20
	defaultBuckets  = 200
	maxBuckets      = 2000
	analysisTimeout = 2 * time.Minute
)

// Deps 是 APIHandler 依赖的服务集合
type Deps struct {
	Tracks    repository.TrackRepository
	Mashups   repository.MashupRepository
	Store     storage.ObjectStore
	Analyzer  audio.TempoAnalyzer
	Separator audio.StemSeparator
	Renderer  mixer.Renderer
	Analysis  *cache.AnalysisCache
	Peaks     *cache.PeaksCache
	Hub       *session.Hub
}

// APIHandler 处理所有API请求
type APIHandler struct {
	tracks    repository.TrackRepository
	mashups   repository.MashupRepository
	store     storage.ObjectStore
	analyzer  audio.TempoAnalyzer
	separator audio.StemSeparator
	submitter *mixer.MixSubmitter
	analysis  *cache.AnalysisCache
	peaks     *cache.PeaksCache
	hub       *session.Hub
	cfg       *config.Config
}

// NewAPIHandler 创建新的API处理器
func NewAPIHandler(d Deps, cfg *config.Config) *APIHandler {
	return &APIHandler{
		tracks:    d.Tracks,
		mashups:   d.Mashups,
		store:     d.Store,
		analyzer:  d.Analyzer,
		separator: d.Separator,
		submitter: mixer.NewMixSubmitter(d.Renderer),
		analysis:  d.Analysis,
		peaks:     d.Peaks,
		hub:       d.Hub,
		cfg:       cfg,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", logger.ErrorField(err))
	}
}

// writeError 失败响应统一为 {"message": ...}
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[name], 10, 64)
}

func audioURL(id int64) string {
	return fmt.Sprintf("/api/audio/%d", id)
}

func stemURL(id int64, kind string) string {
	return fmt.Sprintf("/api/audio/%d/stems/%s", id, kind)
}

func (h *APIHandler) scratchDir(name string) (string, error) {
	dir := filepath.Join(h.cfg.DataDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// trackInfo 生成预览会话使用的投影
func (h *APIHandler) trackInfo(ctx context.Context, t *model.Track) session.TrackInfo {
	info := session.TrackInfo{
		Track: mixer.Track{
			ID:       t.ID,
			Name:     t.Filename,
			BPM:      t.BPM,
			Key:      t.Key,
			Location: audioURL(t.ID),
		},
		Stems: make(map[mixer.StemKind]string),
	}
	stems, err := h.tracks.ListStems(ctx, t.ID)
	if err != nil {
		logger.Warn("failed to list stems", logger.Int64("trackId", t.ID), logger.ErrorField(err))
		return info
	}
	for _, s := range stems {
		if kind, err := mixer.ParseStemKind(s.Kind); err == nil {
			info.Stems[kind] = stemURL(t.ID, s.Kind)
		}
	}
	return info
}

// uploadContentType 优先使用客户端声明的类型，缺失时按扩展名推断
func uploadContentType(declared, filename string) string {
	declared = strings.TrimSpace(declared)
	if declared == "" || declared == "application/octet-stream" {
		return audio.ContentType(filename)
	}
	return declared
}

// UploadHandler 上传音频并分析 BPM/调性
func (h *APIHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read uploaded file")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}

	contentType := uploadContentType(header.Header.Get("Content-Type"), header.Filename)
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext == "" {
		ext = audio.Ext(contentType)
	}
	hash := cache.HashContent(data)

	ctx, cancel := context.WithTimeout(r.Context(), analysisTimeout)
	defer cancel()
	analysis, err := h.analysis.Analyze(ctx, hash, func(ctx context.Context) (audio.Analysis, error) {
		return h.analyzeBytes(ctx, data, ext)
	})
	if err != nil {
		logger.Error("BPM detection failed",
			logger.String("filename", header.Filename),
			logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "BPM detection failed")
		return
	}

	objectKey := storage.AudioKey(ext)
	if err := h.store.Put(ctx, objectKey, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		logger.Error("failed to store upload", logger.String("key", objectKey), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to process audio file")
		return
	}

	track := &model.Track{
		Filename:    header.Filename,
		BPM:         analysis.BPM,
		Key:         analysis.Key,
		ObjectKey:   objectKey,
		ContentType: contentType,
		Size:        int64(len(data)),
		ContentHash: hash,
	}
	id, err := h.tracks.CreateTrack(ctx, track)
	if err != nil {
		logger.Error("failed to create track", logger.String("filename", header.Filename), logger.ErrorField(err))
		if rmErr := h.store.Remove(ctx, objectKey); rmErr != nil {
			logger.Warn("failed to remove orphan upload", logger.String("key", objectKey), logger.ErrorField(rmErr))
		}
		writeError(w, http.StatusInternalServerError, "Failed to process audio file")
		return
	}
	track.ID = id

	logger.Info("audio file uploaded",
		logger.Int64("id", id),
		logger.String("filename", track.Filename),
		logger.Int64("size", track.Size))

	if h.hub != nil {
		h.hub.TrackAdded(h.trackInfo(r.Context(), track))
	}
	writeJSON(w, http.StatusOK, track)
}

// analyzeBytes 分析脚本只接受本地文件
func (h *APIHandler) analyzeBytes(ctx context.Context, data []byte, ext string) (audio.Analysis, error) {
	dir, err := h.scratchDir("uploads")
	if err != nil {
		return audio.Analysis{}, err
	}
	f, err := os.CreateTemp(dir, "upload-*"+ext)
	if err != nil {
		return audio.Analysis{}, err
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return audio.Analysis{}, err
	}
	if err := f.Close(); err != nil {
		return audio.Analysis{}, err
	}
	return h.analyzer.Analyze(ctx, f.Name())
}

// ListAudioFilesHandler 列出所有音频（按 id 升序）
func (h *APIHandler) ListAudioFilesHandler(w http.ResponseWriter, r *http.Request) {
	tracks, err := h.tracks.ListTracks(r.Context())
	if err != nil {
		logger.Error("failed to list tracks", logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to list audio files")
		return
	}
	out := make([]model.TrackWithStems, 0, len(tracks))
	for _, t := range tracks {
		info := h.trackInfo(r.Context(), t)
		item := model.TrackWithStems{Track: t}
		if len(info.Stems) > 0 {
			item.Stems = make(map[string]string, len(info.Stems))
			for kind, url := range info.Stems {
				item.Stems[string(kind)] = url
			}
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

// lookupTrack writes the error response itself when it returns nil.
func (h *APIHandler) lookupTrack(w http.ResponseWriter, r *http.Request) *model.Track {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid audio file id")
		return nil
	}
	track, err := h.tracks.GetTrack(r.Context(), id)
	if err != nil {
		logger.Error("failed to get track", logger.Int64("id", id), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to load audio file")
		return nil
	}
	if track == nil {
		writeError(w, http.StatusNotFound, "Audio file not found")
		return nil
	}
	return track
}

// serveObject 通过 http.ServeContent 输出对象，支持 Range 请求
func (h *APIHandler) serveObject(w http.ResponseWriter, r *http.Request, key, name string, attachment bool) {
	obj, err := h.store.Open(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Audio file not found")
		return
	}
	if err != nil {
		logger.Error("failed to open object", logger.String("key", key), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to read audio file")
		return
	}
	defer obj.Close()

	info := obj.Info()
	contentType := info.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = audio.ContentType(name)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	if attachment {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}
	http.ServeContent(w, r, name, info.LastModified, obj)
}

// GetAudioHandler 返回音频原始字节
func (h *APIHandler) GetAudioHandler(w http.ResponseWriter, r *http.Request) {
	track := h.lookupTrack(w, r)
	if track == nil {
		return
	}
	h.serveObject(w, r, track.ObjectKey, track.Filename, false)
}

// DeleteAudioHandler 删除音频、分离音轨以及对象存储中的文件
func (h *APIHandler) DeleteAudioHandler(w http.ResponseWriter, r *http.Request) {
	track := h.lookupTrack(w, r)
	if track == nil {
		return
	}
	ctx := r.Context()
	stems, err := h.tracks.ListStems(ctx, track.ID)
	if err != nil {
		logger.Warn("failed to list stems before delete", logger.Int64("id", track.ID), logger.ErrorField(err))
	}
	if err := h.tracks.DeleteTrack(ctx, track.ID); err != nil {
		logger.Error("failed to delete track", logger.Int64("id", track.ID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to delete audio file")
		return
	}

	if err := h.store.Remove(ctx, track.ObjectKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Warn("failed to remove audio object", logger.String("key", track.ObjectKey), logger.ErrorField(err))
	}
	if n, err := h.store.RemovePrefix(ctx, storage.StemDir(track.ID)); err != nil {
		logger.Warn("failed to remove stems", logger.Int64("id", track.ID), logger.ErrorField(err))
	} else if n > 0 {
		logger.Debug("stems removed", logger.Int64("id", track.ID), logger.Int("count", n))
	}
	buckets := []int{defaultBuckets}
	h.peaks.Forget(ctx, track.ObjectKey, buckets...)
	for _, s := range stems {
		h.peaks.Forget(ctx, s.ObjectKey, buckets...)
	}

	logger.Info("audio file deleted", logger.Int64("id", track.ID))
	if h.hub != nil {
		h.hub.TrackRemoved(track.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// PeaksHandler 返回波形峰值，?kind= 选择分离音轨，?buckets= 指定分辨率
func (h *APIHandler) PeaksHandler(w http.ResponseWriter, r *http.Request) {
	track := h.lookupTrack(w, r)
	if track == nil {
		return
	}
	buckets := defaultBuckets
	if raw := r.URL.Query().Get("buckets"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid buckets")
			return
		}
		buckets = min(n, maxBuckets)
	}

	objectKey := track.ObjectKey
	key := mixer.ChannelKey{TrackID: track.ID}
	if raw := r.URL.Query().Get("kind"); raw != "" {
		kind, err := mixer.ParseStemKind(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		stem, err := h.tracks.GetStem(r.Context(), track.ID, string(kind))
		if err != nil || stem == nil {
			writeError(w, http.StatusNotFound, "Stem not found")
			return
		}
		objectKey = stem.ObjectKey
		key.Kind = kind
	}

	if peaks, ok := h.peaks.Get(r.Context(), objectKey, buckets); ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": track.ID, "kind": key.Kind, "peaks": peaks})
		return
	}

	open := func(ctx context.Context, location string) (io.ReadCloser, error) {
		return h.store.Open(ctx, location)
	}
	wf, err := mixer.LoadWaveform(r.Context(), open, key, objectKey, buckets)
	if err != nil {
		var decodeErr *mixer.DecodeError
		if errors.As(err, &decodeErr) {
			logger.Warn("waveform decode failed", logger.Int64("id", track.ID), logger.ErrorField(err))
			writeError(w, http.StatusUnprocessableEntity, "Unable to decode audio")
			return
		}
		logger.Error("failed to load waveform", logger.Int64("id", track.ID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to read audio file")
		return
	}
	h.peaks.Set(r.Context(), objectKey, buckets, wf.Peaks)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       track.ID,
		"kind":     key.Kind,
		"peaks":    wf.Peaks,
		"duration": wf.Duration,
	})
}
