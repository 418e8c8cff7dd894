// internal/api/websocket_handlers.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Corphon/SceneWeaver/internal/llm"
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/services"
	"github.com/Corphon/SceneWeaver/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// WebSocketHandler 处理 WebSocket 相关的 HTTP 请求
type WebSocketHandler struct {
	sessions *services.SessionManager
	manager  *WebSocketManager
	metrics  *utils.EngineMetrics
	logger   *utils.Logger
	response *ResponseHelper
}

// NewWebSocketHandler 创建 WebSocket 处理器
func NewWebSocketHandler(sessions *services.SessionManager, manager *WebSocketManager, metrics *utils.EngineMetrics, logger *utils.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		sessions: sessions,
		manager:  manager,
		metrics:  metrics,
		logger:   logger,
		response: NewResponseHelper(),
	}
}

// StreamFrame 传输通过 WebSocket 推送的一帧，Characters 必须是累计快照
type StreamFrame struct {
	Characters      []models.CharacterPayload `json:"characters,omitempty"`
	SuggestedScenes []string                  `json:"suggested_scenes,omitempty"`
	Done            bool                      `json:"done,omitempty"`
	Error           string                    `json:"error,omitempty"`
}

func decodeStreamFrame(data []byte) llm.StreamEvent {
	var frame StreamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return llm.StreamEvent{Err: err}
	}
	if frame.Error != "" {
		return llm.StreamEvent{Err: errors.New(frame.Error)}
	}
	return llm.StreamEvent{
		Characters:      frame.Characters,
		SuggestedScenes: frame.SuggestedScenes,
		Done:            frame.Done,
	}
}

// SessionWebSocket 观看者连接：接收会话的迁移事件与流式快照
func (wh *WebSocketHandler) SessionWebSocket(c *gin.Context) {
	sessionID := c.Param("id")
	session, err := wh.sessions.Get(sessionID)
	if err != nil {
		wh.response.FromError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		wh.logger.Warn("websocket upgrade failed", utils.Fields{"session_id": sessionID, "error": err.Error()})
		return
	}

	client := newWebSocketClient(conn, sessionID, c.DefaultQuery("viewer_id", "anonymous"))
	wh.manager.register(client)
	defer wh.manager.unregister(client)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		wh.handleWebSocketWrites(client)
	}()

	client.SendMessage(map[string]interface{}{
		"type":      "session:welcome",
		"state":     session.State(),
		"timestamp": time.Now().Format(time.RFC3339),
	})

	wh.handleWebSocketReads(client)
	client.Close()
	<-writerDone
}

// handleWebSocketReads 读取观看者消息直到连接断开
func (wh *WebSocketHandler) handleWebSocketReads(client *WebSocketClient) {
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for !client.IsClosed() {
		_, messageBytes, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wh.logger.Warn("websocket read failed", utils.Fields{"session_id": client.sessionID, "error": err.Error()})
			}
			return
		}
		_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
		client.UpdatePing()

		var message map[string]interface{}
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			client.SendMessage(map[string]interface{}{"type": "error", "error": "invalid json"})
			continue
		}
		if msgType, _ := message["type"].(string); msgType == "ping" {
			client.SendMessage(map[string]interface{}{"type": "pong", "timestamp": time.Now().Format(time.RFC3339)})
		}
	}
}

// handleWebSocketWrites 把发送队列写入连接，并定期发送 ping
func (wh *WebSocketHandler) handleWebSocketWrites(client *WebSocketClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-client.done:
			return
		case message := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				client.Close()
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.Close()
				return
			}
		}
	}
}

// TransportStream 外部传输推送快照帧，驱动当前正在生成的回复
//
// 连接在 done 帧之前断开、帧格式错误或携带 error 时回复会被回滚。
// 处理结束后向传输回写一帧 stream:result。
func (wh *WebSocketHandler) TransportStream(c *gin.Context) {
	sessionID := c.Param("id")
	session, err := wh.sessions.Get(sessionID)
	if err != nil {
		wh.response.FromError(c, err)
		return
	}
	// 同一回复只接受一个写入者
	responseID, release, err := session.ClaimStream()
	if errors.Is(err, services.ErrNotFetching) {
		wh.response.Error(c, http.StatusConflict, ErrorStreamNotAvailable, "会话当前没有正在生成的回复")
		return
	}
	if err != nil {
		wh.response.FromError(c, err)
		return
	}
	defer release()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		wh.logger.Warn("websocket upgrade failed", utils.Fields{"session_id": sessionID, "error": err.Error()})
		return
	}
	defer conn.Close()

	adapter := services.NewStreamAdapter(session,
		services.WithAdapterResponse(responseID),
		services.WithAdapterMetrics(wh.metrics),
		services.WithIncrementCallback(func(responseID string, characters []models.CharacterPayload) {
			wh.manager.OnIncrement(sessionID, responseID, characters)
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan llm.StreamEvent)
	result := make(chan error, 1)
	go func() { result <- adapter.Consume(ctx, events) }()

	var consumeErr error
	received := false
	for !received {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			close(events)
			break
		}

		ev := decodeStreamFrame(data)
		select {
		case events <- ev:
			if ev.Done || ev.Err != nil {
				consumeErr = <-result
				received = true
			}
		case consumeErr = <-result:
			received = true
		}
	}
	if !received {
		consumeErr = <-result
	}

	ack := map[string]interface{}{
		"type":        "stream:result",
		"session_id":  sessionID,
		"response_id": adapter.ResponseID(),
		"completed":   consumeErr == nil,
	}
	if consumeErr != nil {
		ack["error"] = consumeErr.Error()
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if data, err := json.Marshal(ack); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
