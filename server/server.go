package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"musicmashup/cache"
	"musicmashup/config"
	"musicmashup/core/audio"
	"musicmashup/core/session"
	"musicmashup/db"
	"musicmashup/logger"
	"musicmashup/repository"
	"musicmashup/storage"

	"github.com/gorilla/mux"
)

// corsMiddleware 添加 CORS 头，OPTIONS 预检直接返回
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Content-Disposition, X-Mashup-Id")
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter 注册所有路由
func NewRouter(h *APIHandler) *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	// 音频文件
	router.HandleFunc("/api/upload", h.UploadHandler).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/api/audio-files", h.ListAudioFilesHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/audio/{id:[0-9]+}", h.GetAudioHandler).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/api/audio/{id:[0-9]+}", h.DeleteAudioHandler).Methods(http.MethodDelete, http.MethodOptions)
	router.HandleFunc("/api/audio/{id:[0-9]+}/peaks", h.PeaksHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/audio/{id:[0-9]+}/stems/{kind}", h.GetStemHandler).Methods(http.MethodGet, http.MethodHead)

	// 音轨分离
	router.HandleFunc("/api/separate-stems/{id:[0-9]+}", h.SeparateStemsHandler).Methods(http.MethodPost, http.MethodOptions)

	// 混音
	router.HandleFunc("/api/mashups", h.CreateMashupHandler).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/api/mashups", h.ListMashupsHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/mashups/{id:[0-9]+}/download", h.DownloadMashupHandler).Methods(http.MethodGet, http.MethodHead)

	// 预览会话
	router.HandleFunc("/ws/session", h.SessionHandler)

	return router
}

// NewRenderer 按配置选择渲染实现
func NewRenderer(cfg *config.Config, runner *audio.ScriptRunner) audio.Renderer {
	if cfg.Renderer == "script" {
		return audio.NewScriptRenderer(runner, cfg.RenderScript, cfg.RenderSkipMuted)
	}
	return audio.NewBeepRenderer(cfg.RenderSkipMuted)
}

// Start initializes the services and runs the HTTP server until SIGINT/SIGTERM.
func Start(cfg *config.Config) error {
	// Connect to the database
	if err := db.ConnectDB(cfg); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.CloseDB()
	if err := db.InitDB(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := db.ConnectGormDB(cfg); err != nil {
		return err
	}
	if err := db.AutoMigrate(); err != nil {
		return err
	}

	// Redis 只用作缓存，连接失败时降级运行
	var store cache.Store
	if err := cache.ConnectRedis(cfg); err != nil {
		logger.Warn("Redis unavailable, analysis cache disabled", logger.ErrorField(err))
	} else {
		defer cache.CloseRedis()
		store = cache.NewRedisStore(cache.RedisClient)
		logger.Info("Successfully connected to Redis")
	}

	objects, err := storage.NewMinioStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize MinIO: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir %s: %w", cfg.DataDir, err)
	}

	runner := audio.NewScriptRunner(cfg.PythonPath)
	tracks := repository.NewSQLTrackRepository(db.DB)

	hub := session.NewHub()
	go hub.Run()
	defer hub.Stop()

	apiHandler := NewAPIHandler(Deps{
		Tracks:    tracks,
		Mashups:   repository.NewGormMashupRepository(db.GormDB),
		Store:     objects,
		Analyzer:  audio.NewScriptAnalyzer(runner, cfg.BPMScript),
		Separator: audio.NewScriptSeparator(runner, cfg.StemScript),
		Renderer:  NewRenderService(tracks, objects, NewRenderer(cfg, runner), filepath.Join(cfg.DataDir, "renders")),
		Analysis:  cache.NewAnalysisCache(store, cfg.AnalysisTTL),
		Peaks:     cache.NewPeaksCache(store, cfg.AnalysisTTL),
		Hub:       hub,
	}, cfg)

	// 设置服务器超时，分离和渲染是同步请求
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      NewRouter(apiHandler),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: separationTimeout + time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// 创建一个通道来接收操作系统信号
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting",
			logger.String("addr", server.Addr),
			logger.String("renderer", cfg.Renderer))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待中断信号
	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-stop:
	}
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 优雅关闭服务器
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}
