package session

import (
	"context"
	"sync"
	"time"

	"musicmashup/core/mixer"
	"musicmashup/logger"
)

const broadcastTimeout = 5 * time.Second

// Hub 预览会话管理中心. Library changes (upload, delete, separation) are
// fanned out to every live session.
type Hub struct {
	sessions map[*Session]bool

	register   chan *Session
	unregister chan *Session
	broadcast  chan *broadcastJob

	mu   sync.RWMutex
	done chan struct{}
}

type broadcastJob struct {
	name string
	fn   func(ctx context.Context, s *Session) error
}

func NewHub() *Hub {
	return &Hub{
		sessions:   make(map[*Session]bool),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		broadcast:  make(chan *broadcastJob, 64),
		done:       make(chan struct{}),
	}
}

// Run 启动 Hub 主循环
func (h *Hub) Run() {
	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s] = true
			h.mu.Unlock()
			logger.Info("preview session registered", logger.String("session", s.ID))

		case s := <-h.unregister:
			h.mu.Lock()
			delete(h.sessions, s)
			h.mu.Unlock()
			logger.Info("preview session unregistered", logger.String("session", s.ID))

		case job := <-h.broadcast:
			h.broadcastToAll(job)

		case <-h.done:
			h.mu.Lock()
			h.sessions = make(map[*Session]bool)
			h.mu.Unlock()
			return
		}
	}
}

// Stop 停止 Hub
func (h *Hub) Stop() {
	close(h.done)
}

func (h *Hub) Register(s *Session) {
	select {
	case h.register <- s:
	case <-h.done:
	}
}

func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) enqueue(job *broadcastJob) {
	select {
	case h.broadcast <- job:
	case <-h.done:
	}
}

// broadcastToAll runs job against every session concurrently and waits, so
// jobs reach each session in the order they were enqueued.
func (h *Hub) broadcastToAll(job *broadcastJob) {
	h.mu.RLock()
	list := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		list = append(list, s)
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range list {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
			defer cancel()
			if err := job.fn(ctx, s); err != nil {
				logger.Warn("session broadcast failed",
					logger.String("event", job.name),
					logger.String("session", s.ID),
					logger.ErrorField(err))
			}
		}(s)
	}
	wg.Wait()
}

func (h *Hub) TrackAdded(info TrackInfo) {
	h.enqueue(&broadcastJob{name: "track_added", fn: func(ctx context.Context, s *Session) error {
		return s.TrackAdded(ctx, info)
	}})
}

// TrackRemoved drops the track from every session, which resets their
// transports to idle.
func (h *Hub) TrackRemoved(id int64) {
	h.enqueue(&broadcastJob{name: "track_removed", fn: func(ctx context.Context, s *Session) error {
		return s.TrackRemoved(ctx, id)
	}})
}

func (h *Hub) StemsUpdated(id int64, stems map[mixer.StemKind]string) {
	h.enqueue(&broadcastJob{name: "stems_updated", fn: func(ctx context.Context, s *Session) error {
		return s.StemsUpdated(ctx, id, stems)
	}})
}
