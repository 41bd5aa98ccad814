package server

import (
	"context"
	"net/http"

	"musicmashup/config"
	"musicmashup/core/mixer"
	"musicmashup/core/session"
	"musicmashup/logger"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源，生产环境应该限制
	},
}

// EngineOptions 由配置生成混音引擎参数
func EngineOptions(cfg *config.Config) mixer.Options {
	opts := mixer.DefaultOptions()
	if cfg.TickInterval > 0 {
		opts.TickInterval = cfg.TickInterval
	}
	if cfg.DriftTolerance > 0 {
		opts.Transport.DriftTolerance = cfg.DriftTolerance
	}
	return opts
}

// sessionTracks 读取当前曲库，作为新会话的初始音轨
func (h *APIHandler) sessionTracks(ctx context.Context) ([]session.TrackInfo, error) {
	tracks, err := h.tracks.ListTracks(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]session.TrackInfo, 0, len(tracks))
	for _, t := range tracks {
		infos = append(infos, h.trackInfo(ctx, t))
	}
	return infos, nil
}

// SessionHandler 处理 /ws/session 预览会话连接
func (h *APIHandler) SessionHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", logger.ErrorField(err))
		return
	}

	client := session.NewClient(conn)
	s := session.New(client, session.Options{
		Engine: EngineOptions(h.cfg),
		Submit: h.submitFromSession,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	go client.WritePump()
	if h.hub != nil {
		h.hub.Register(s)
	}
	logger.Info("preview session connected",
		logger.String("session", s.ID),
		logger.String("remote", r.RemoteAddr))

	defer func() {
		if h.hub != nil {
			h.hub.Unregister(s)
		}
		cancel()
		<-s.Done()
		client.Close()
		logger.Info("preview session closed", logger.String("session", s.ID))
	}()

	tracks, err := h.sessionTracks(ctx)
	if err != nil {
		logger.Warn("failed to load session tracks", logger.String("session", s.ID), logger.ErrorField(err))
	} else if err := s.Load(ctx, tracks); err != nil {
		logger.Warn("failed to load session tracks", logger.String("session", s.ID), logger.ErrorField(err))
	}

	client.ReadPump(ctx, s.HandleMessage)
}
