package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"musicmashup/core/audio"
	"musicmashup/core/mixer"
	"musicmashup/logger"
	"musicmashup/model"
	"musicmashup/storage"

	"github.com/gorilla/mux"
)

const separationTimeout = 15 * time.Minute

// GetStemHandler 返回分离后的音轨，支持 Range 请求
func (h *APIHandler) GetStemHandler(w http.ResponseWriter, r *http.Request) {
	track := h.lookupTrack(w, r)
	if track == nil {
		return
	}
	kind, err := mixer.ParseStemKind(mux.Vars(r)["kind"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stem, err := h.tracks.GetStem(r.Context(), track.ID, string(kind))
	if err != nil {
		logger.Error("failed to get stem", logger.Int64("id", track.ID), logger.String("kind", string(kind)), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to load stem")
		return
	}
	if stem == nil {
		writeError(w, http.StatusNotFound, "Stem not found")
		return
	}
	h.serveObject(w, r, stem.ObjectKey, string(kind)+filepath.Ext(stem.ObjectKey), false)
}

// SeparateStemsHandler 运行分离脚本并保存人声/伴奏
func (h *APIHandler) SeparateStemsHandler(w http.ResponseWriter, r *http.Request) {
	track := h.lookupTrack(w, r)
	if track == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), separationTimeout)
	defer cancel()

	stems, err := h.separate(ctx, track)
	if err != nil {
		logger.Error("stem separation failed", logger.Int64("id", track.ID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Stem separation failed")
		return
	}

	urls := make(map[string]string, len(stems))
	options := make(map[mixer.StemKind]string, len(stems))
	for _, s := range stems {
		urls[s.Kind] = stemURL(track.ID, s.Kind)
		options[mixer.StemKind(s.Kind)] = urls[s.Kind]
	}
	logger.Info("stems separated", logger.Int64("id", track.ID), logger.Int("count", len(stems)))

	// 会话只获得新的可选音轨，不会自动激活
	if h.hub != nil {
		h.hub.StemsUpdated(track.ID, options)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":    track.ID,
		"stems": urls,
	})
}

// separate downloads the track, runs the separator and stores every stem it
// recognises. Stems the separator reports early are stored and offered to
// sessions right away. Old stems of the track are replaced.
func (h *APIHandler) separate(ctx context.Context, track *model.Track) ([]*model.StemAsset, error) {
	base, err := h.scratchDir("stems")
	if err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(base, fmt.Sprintf("track-%d-", track.ID))
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input"+filepath.Ext(track.ObjectKey))
	if err := h.store.FGet(ctx, track.ObjectKey, input); err != nil {
		return nil, fmt.Errorf("fetch source audio: %w", err)
	}
	old, err := h.tracks.ListStems(ctx, track.ID)
	if err != nil {
		return nil, fmt.Errorf("list stems: %w", err)
	}

	early := make(map[string]earlyStem)
	files, err := h.separator.Separate(ctx, input, filepath.Join(dir, "out"), func(kind, path string) {
		stem, info, err := h.storeStemFile(ctx, track.ID, kind, path)
		if err != nil {
			logger.Warn("failed to store early stem", logger.Int64("id", track.ID), logger.String("kind", kind), logger.ErrorField(err))
			return
		}
		early[kind] = earlyStem{stem: stem, path: path, size: info.Size(), mod: info.ModTime()}
		logger.Info("stem available", logger.Int64("id", track.ID), logger.String("kind", kind))
		if h.hub != nil {
			h.hub.StemsUpdated(track.ID, map[mixer.StemKind]string{mixer.StemKind(kind): stemURL(track.ID, kind)})
		}
	})
	if err != nil {
		// 提前存好的音轨是完整的，保留下来
		var kept []*model.StemAsset
		for _, e := range early {
			kept = append(kept, e.stem)
		}
		h.removeReplaced(ctx, old, kept)
		return nil, err
	}

	var saved []*model.StemAsset
	for _, kind := range mixer.StemKinds {
		e, hasEarly := early[string(kind)]
		path, ok := files[string(kind)]
		if hasEarly && (!ok || e.unchanged(path)) {
			saved = append(saved, e.stem)
			delete(early, string(kind))
			continue
		}
		if !ok {
			continue
		}
		stem, _, err := h.storeStemFile(ctx, track.ID, string(kind), path)
		if err != nil {
			return saved, err
		}
		saved = append(saved, stem)
	}
	// early uploads that the final result superseded
	h.dropStems(ctx, early)
	if len(saved) == 0 {
		return nil, fmt.Errorf("separator produced no usable stems")
	}

	h.removeReplaced(ctx, old, saved)
	return saved, nil
}

// removeReplaced deletes the objects of old stems that saved replaced.
func (h *APIHandler) removeReplaced(ctx context.Context, old, saved []*model.StemAsset) {
	for _, o := range old {
		for _, s := range saved {
			if s.Kind == o.Kind && s.ObjectKey != o.ObjectKey {
				if err := h.store.Remove(ctx, o.ObjectKey); err != nil {
					logger.Warn("failed to remove replaced stem", logger.String("key", o.ObjectKey), logger.ErrorField(err))
				}
				h.peaks.Forget(ctx, o.ObjectKey, defaultBuckets)
			}
		}
	}
}

// earlyStem is a stem stored while separation was still running.
type earlyStem struct {
	stem *model.StemAsset
	path string
	size int64
	mod  time.Time
}

func (e earlyStem) unchanged(path string) bool {
	if path != e.path {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Size() == e.size && info.ModTime().Equal(e.mod)
}

func (h *APIHandler) dropStems(ctx context.Context, stems map[string]earlyStem) {
	for _, e := range stems {
		if err := h.store.Remove(ctx, e.stem.ObjectKey); err != nil {
			logger.Warn("failed to remove superseded stem", logger.String("key", e.stem.ObjectKey), logger.ErrorField(err))
		}
	}
}

func (h *APIHandler) storeStemFile(ctx context.Context, trackID int64, kind, path string) (*model.StemAsset, os.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}

	ext := filepath.Ext(path)
	key := storage.StemKey(trackID, kind, ext)
	contentType := audio.ContentType(path)
	if err := h.store.Put(ctx, key, f, st.Size(), contentType); err != nil {
		return nil, nil, fmt.Errorf("store %s stem: %w", kind, err)
	}
	stem := &model.StemAsset{
		TrackID:     trackID,
		Kind:        kind,
		ObjectKey:   key,
		ContentType: contentType,
	}
	if err := h.tracks.SaveStem(ctx, stem); err != nil {
		return nil, nil, fmt.Errorf("save %s stem: %w", kind, err)
	}
	return stem, st, nil
}
