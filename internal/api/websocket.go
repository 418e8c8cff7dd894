// internal/api/websocket.go
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/services"
	"github.com/Corphon/SceneWeaver/internal/utils"
	"github.com/gorilla/websocket"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 54 * time.Second
	sendBacklog = 256
)

// WebSocketConnection 定义 WebSocket 连接的接口
type WebSocketConnection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// WebSocketClient 表示一个订阅会话事件的连接
type WebSocketClient struct {
	conn      WebSocketConnection
	sessionID string
	viewerID  string
	send      chan []byte
	done      chan struct{}
	closed    int32 // 原子操作标志，0=开启，1=关闭
	lastPing  atomic.Int64
	createdAt time.Time
}

func newWebSocketClient(conn WebSocketConnection, sessionID, viewerID string) *WebSocketClient {
	client := &WebSocketClient{
		conn:      conn,
		sessionID: sessionID,
		viewerID:  viewerID,
		send:      make(chan []byte, sendBacklog),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
	client.UpdatePing()
	return client
}

// Close 安全关闭客户端连接
func (client *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		close(client.done)
		client.conn.Close()
	}
}

// IsClosed 检查连接是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// UpdatePing 更新最后活跃时间
func (client *WebSocketClient) UpdatePing() {
	client.lastPing.Store(time.Now().UnixNano())
}

// IsExpired 检查连接是否超时
func (client *WebSocketClient) IsExpired(timeout time.Duration) bool {
	if timeout <= 0 {
		return true
	}
	return time.Since(time.Unix(0, client.lastPing.Load())) > timeout
}

// SendMessage 非阻塞地把消息放入发送队列，队列满时丢弃
func (client *WebSocketClient) SendMessage(message interface{}) bool {
	if client.IsClosed() {
		return false
	}
	msgBytes, err := json.Marshal(message)
	if err != nil {
		return false
	}
	select {
	case client.send <- msgBytes:
		return true
	default:
		return false
	}
}

// WebSocketManager 按会话管理观看者连接，并把会话事件推送给它们
type WebSocketManager struct {
	connections map[string]map[*WebSocketClient]struct{} // sessionID -> clients
	mutex       sync.RWMutex
	pingTimeout time.Duration
	logger      *utils.Logger

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewWebSocketManager 创建管理器并启动过期连接清理
func NewWebSocketManager(logger *utils.Logger) *WebSocketManager {
	if logger == nil {
		logger = utils.GetLogger()
	}
	manager := &WebSocketManager{
		connections: make(map[string]map[*WebSocketClient]struct{}),
		pingTimeout: pongWait,
		logger:      logger,
		done:        make(chan struct{}),
	}
	manager.wg.Add(1)
	go manager.run()
	return manager
}

// run 定期清理过期连接
func (manager *WebSocketManager) run() {
	defer manager.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			manager.cleanupExpiredConnections()
		case <-manager.done:
			manager.shutdown()
			return
		}
	}
}

// Close 关闭所有连接并停止清理
func (manager *WebSocketManager) Close() {
	manager.once.Do(func() {
		close(manager.done)
		manager.wg.Wait()
	})
}

// register 注册新客户端
func (manager *WebSocketManager) register(client *WebSocketClient) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if manager.connections[client.sessionID] == nil {
		manager.connections[client.sessionID] = make(map[*WebSocketClient]struct{})
	}
	manager.connections[client.sessionID][client] = struct{}{}

	manager.logger.Info("websocket viewer connected", utils.Fields{
		"session_id": client.sessionID,
		"viewer_id":  client.viewerID,
	})
}

// unregister 注销客户端
func (manager *WebSocketManager) unregister(client *WebSocketClient) {
	manager.mutex.Lock()
	if connections, exists := manager.connections[client.sessionID]; exists {
		delete(connections, client)
		if len(connections) == 0 {
			delete(manager.connections, client.sessionID)
		}
	}
	manager.mutex.Unlock()

	client.Close()
	manager.logger.Info("websocket viewer disconnected", utils.Fields{
		"session_id": client.sessionID,
		"viewer_id":  client.viewerID,
	})
}

// cleanupExpiredConnections 清理过期和已关闭的连接
func (manager *WebSocketManager) cleanupExpiredConnections() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	for sessionID, connections := range manager.connections {
		for client := range connections {
			if client.IsClosed() || client.IsExpired(manager.pingTimeout) {
				delete(connections, client)
				client.Close()
			}
		}
		if len(connections) == 0 {
			delete(manager.connections, sessionID)
		}
	}
}

// shutdown 关闭所有连接
func (manager *WebSocketManager) shutdown() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	for _, connections := range manager.connections {
		for client := range connections {
			client.Close()
		}
	}
	manager.connections = make(map[string]map[*WebSocketClient]struct{})
}

// BroadcastToSession 向订阅指定会话的所有连接推送消息
func (manager *WebSocketManager) BroadcastToSession(sessionID string, message interface{}) int {
	manager.mutex.RLock()
	clients := make([]*WebSocketClient, 0, len(manager.connections[sessionID]))
	for client := range manager.connections[sessionID] {
		clients = append(clients, client)
	}
	manager.mutex.RUnlock()

	delivered := 0
	for _, client := range clients {
		if client.SendMessage(message) {
			delivered++
		} else if !client.IsClosed() {
			manager.logger.Warn("websocket send queue full, message dropped", utils.Fields{
				"session_id": sessionID,
				"viewer_id":  client.viewerID,
			})
		}
	}
	return delivered
}

// OnSessionEvent 会话观察者：推送图迁移事件
func (manager *WebSocketManager) OnSessionEvent(event services.SessionEvent) {
	manager.BroadcastToSession(event.SessionID, map[string]interface{}{
		"type":  "session:" + string(event.Kind),
		"event": event,
	})
}

// OnIncrement 推送流式快照
func (manager *WebSocketManager) OnIncrement(sessionID, responseID string, characters []models.CharacterPayload) {
	manager.BroadcastToSession(sessionID, map[string]interface{}{
		"type":        "response:increment",
		"session_id":  sessionID,
		"response_id": responseID,
		"characters":  characters,
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}

// GetStatus 获取管理器状态
func (manager *WebSocketManager) GetStatus() map[string]interface{} {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()

	sessions := make(map[string]int)
	total := 0
	for sessionID, connections := range manager.connections {
		active := 0
		for client := range connections {
			if !client.IsClosed() {
				active++
			}
		}
		sessions[sessionID] = active
		total += active
	}
	return map[string]interface{}{
		"total_sessions":    len(manager.connections),
		"total_connections": total,
		"sessions":          sessions,
	}
}
