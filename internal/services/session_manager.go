// internal/services/session_manager.go
package services

import (
	"sort"
	"sync"
	"time"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/utils"
)

const maxCleanupInterval = 5 * time.Minute

// SessionManager 按ID管理会话，并清理长时间未使用的会话
type SessionManager struct {
	sessions map[string]*sessionEntry
	mu       sync.RWMutex

	idleTTL       time.Duration
	cleanupTicker *time.Ticker
	done          chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once

	observersMu sync.RWMutex
	observers   []SessionObserver

	logger  *utils.Logger
	metrics *utils.EngineMetrics
}

// sessionEntry 包装会话和最后使用时间
type sessionEntry struct {
	session  *Session
	lastUsed time.Time
}

// NewSessionManager 创建会话管理器；idleTTL 大于 0 时启动清理器
func NewSessionManager(idleTTL time.Duration, logger *utils.Logger, metrics *utils.EngineMetrics) *SessionManager {
	if logger == nil {
		logger = utils.GetLogger()
	}
	if metrics == nil {
		metrics = utils.NewEngineMetrics(nil, logger)
	}
	m := &SessionManager{
		sessions: make(map[string]*sessionEntry),
		idleTTL:  idleTTL,
		done:     make(chan struct{}),
		logger:   logger,
		metrics:  metrics,
	}
	if idleTTL > 0 {
		m.startCleanup()
	}
	return m
}

// Subscribe 注册观察者，接收所有会话的事件
func (m *SessionManager) Subscribe(observer SessionObserver) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers = append(m.observers, observer)
}

// Create 创建新会话
func (m *SessionManager) Create(sceneID string, opening []models.CharacterPayload, opts ...SessionOption) *Session {
	base := []SessionOption{
		WithLogger(m.logger),
		WithMetrics(m.metrics),
		WithObserver(m.broadcast),
	}
	s := NewSession("", sceneID, opening, append(base, opts...)...)

	m.mu.Lock()
	m.sessions[s.ID] = &sessionEntry{session: s, lastUsed: time.Now()}
	count := len(m.sessions)
	m.mu.Unlock()

	m.metrics.Collector().SetGauge("sessions_active", int64(count))
	m.logger.Info("session created", utils.Fields{"session_id": s.ID, "scene_id": sceneID})
	return s
}

// Get 获取会话并刷新最后使用时间
func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("会话不存在: "+id, nil)
	}
	entry.lastUsed = time.Now()
	return entry.session, nil
}

// Delete 删除会话
func (m *SessionManager) Delete(id string) error {
	m.mu.Lock()
	if _, ok := m.sessions[id]; !ok {
		m.mu.Unlock()
		return apperrors.NewNotFoundError("会话不存在: "+id, nil)
	}
	delete(m.sessions, id)
	count := len(m.sessions)
	m.mu.Unlock()

	m.metrics.Collector().SetGauge("sessions_active", int64(count))
	m.logger.Info("session deleted", utils.Fields{"session_id": id})
	return nil
}

// IDs 返回所有会话ID，已排序
func (m *SessionManager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len 会话数量
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close 停止清理器，可重复调用
func (m *SessionManager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		if m.cleanupTicker != nil {
			m.cleanupTicker.Stop()
		}
		m.wg.Wait()
	})
}

func (m *SessionManager) broadcast(event SessionEvent) {
	m.observersMu.RLock()
	observers := append([]SessionObserver(nil), m.observers...)
	m.observersMu.RUnlock()
	for _, observer := range observers {
		observer(event)
	}
}

// 定期清理空闲会话
func (m *SessionManager) startCleanup() {
	interval := m.idleTTL / 2
	if interval > maxCleanupInterval {
		interval = maxCleanupInterval
	}
	if interval <= 0 {
		interval = m.idleTTL
	}
	m.cleanupTicker = time.NewTicker(interval)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.done:
				return
			case now := <-m.cleanupTicker.C:
				m.evictIdle(now)
			}
		}
	}()
}

// evictIdle 删除超过 idleTTL 未使用且没有回复在生成的会话
func (m *SessionManager) evictIdle(now time.Time) int {
	m.mu.Lock()
	evicted := make([]string, 0)
	for id, entry := range m.sessions {
		if now.Sub(entry.lastUsed) <= m.idleTTL || entry.session.Fetching() {
			continue
		}
		delete(m.sessions, id)
		evicted = append(evicted, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if len(evicted) > 0 {
		m.metrics.Collector().SetGauge("sessions_active", int64(count))
		m.logger.Info("idle sessions evicted", utils.Fields{"count": len(evicted), "remaining": count})
	}
	return len(evicted)
}
