package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"musicmashup/core/mixer"
	"musicmashup/core/session"
	"musicmashup/logger"
	"musicmashup/model"
	"musicmashup/storage"
)

const renderTimeout = 10 * time.Minute

func mashupDownloadURL(id int64) string {
	return fmt.Sprintf("/api/mashups/%d/download", id)
}

// fillBPM 请求未给出 BPM 时取所选音轨中的最大值
func (h *APIHandler) fillBPM(ctx context.Context, req *mixer.MixRequest) error {
	var bpm float64
	for _, id := range req.AudioFileIDs {
		t, err := h.tracks.GetTrack(ctx, id)
		if err != nil {
			return err
		}
		if t == nil {
			return fmt.Errorf("%w: audio file %d not found", mixer.ErrInvalidMixRequest, id)
		}
		if t.BPM != nil {
			bpm = max(bpm, *t.BPM)
		}
	}
	if req.BPM == 0 {
		req.BPM = bpm
	}
	return nil
}

// render 提交混音并把结果保存为一条 Mashup 记录
func (h *APIHandler) render(ctx context.Context, req mixer.MixRequest) (*model.Mashup, error) {
	res, err := h.submitter.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	size := res.Size
	if size <= 0 {
		size = -1
	}
	key := storage.RenderKey(filepath.Ext(res.Filename))
	if err := h.store.Put(ctx, key, res.Body, size, res.ContentType); err != nil {
		return nil, fmt.Errorf("store rendered mix: %w", err)
	}

	m := &model.Mashup{
		Name:         req.Name,
		AudioFileIDs: model.Int64List(req.AudioFileIDs),
		MixSettings:  req.Settings(),
		ObjectKey:    key,
		Filename:     res.Filename,
	}
	if err := h.mashups.Create(ctx, m); err != nil {
		if rmErr := h.store.Remove(ctx, key); rmErr != nil {
			logger.Warn("failed to remove orphan render", logger.String("key", key), logger.ErrorField(rmErr))
		}
		return nil, fmt.Errorf("save mashup: %w", err)
	}
	logger.Info("mashup saved",
		logger.Int64("id", m.ID),
		logger.String("name", m.Name),
		logger.String("key", key))
	return m, nil
}

// renderStatus maps a render error to the HTTP status and client message.
// Renderer failures keep their cause text.
func renderStatus(err error) (int, string) {
	var failed *mixer.RenderFailed
	switch {
	case errors.Is(err, mixer.ErrInvalidMixRequest):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &failed):
		// 渲染器的报错原样返回给用户
		return http.StatusBadGateway, failed.Error()
	default:
		return http.StatusInternalServerError, "Failed to create mashup"
	}
}

// CreateMashupHandler 渲染混音并以附件形式返回
func (h *APIHandler) CreateMashupHandler(w http.ResponseWriter, r *http.Request) {
	var body model.CreateMashupRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid mashup data")
		return
	}
	req, err := mixer.MixRequestFromSettings(body.Name, body.AudioFileIDs, body.MixSettings)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), renderTimeout)
	defer cancel()
	if err := h.fillBPM(ctx, &req); err != nil {
		status, msg := renderStatus(err)
		writeError(w, status, msg)
		return
	}

	m, err := h.render(ctx, req)
	if err != nil {
		status, msg := renderStatus(err)
		if status == http.StatusInternalServerError {
			logger.Error("failed to create mashup", logger.ErrorField(err))
		}
		writeError(w, status, msg)
		return
	}
	w.Header().Set("X-Mashup-Id", strconv.FormatInt(m.ID, 10))
	h.serveObject(w, r, m.ObjectKey, m.Filename, true)
}

// ListMashupsHandler 列出已保存的混音
func (h *APIHandler) ListMashupsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	list, err := h.mashups.List(r.Context(), limit)
	if err != nil {
		logger.Error("failed to list mashups", logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to list mashups")
		return
	}
	if list == nil {
		list = []*model.Mashup{}
	}
	writeJSON(w, http.StatusOK, list)
}

// DownloadMashupHandler 下载已渲染的混音文件
func (h *APIHandler) DownloadMashupHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid mashup id")
		return
	}
	m, err := h.mashups.GetByID(r.Context(), id)
	if err != nil {
		logger.Error("failed to get mashup", logger.Int64("id", id), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to load mashup")
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "Mashup not found")
		return
	}
	h.serveObject(w, r, m.ObjectKey, m.Filename, true)
}

// submitFromSession 是预览会话中 submit 消息的渲染入口
func (h *APIHandler) submitFromSession(ctx context.Context, req mixer.MixRequest) (*session.RenderedData, error) {
	ctx, cancel := context.WithTimeout(ctx, renderTimeout)
	defer cancel()
	m, err := h.render(ctx, req)
	if err != nil {
		if status, _ := renderStatus(err); status == http.StatusInternalServerError {
			logger.Error("failed to create mashup", logger.ErrorField(err))
			return nil, errors.New("failed to save mashup")
		}
		return nil, err
	}
	return &session.RenderedData{URL: mashupDownloadURL(m.ID), Filename: m.Filename}, nil
}
