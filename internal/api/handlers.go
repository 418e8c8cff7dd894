// internal/api/handlers.go
package api

import (
	"net/http"
	"time"

	"github.com/Corphon/SceneWeaver/internal/config"
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/prompt"
	"github.com/Corphon/SceneWeaver/internal/services"
	"github.com/Corphon/SceneWeaver/internal/utils"
	"github.com/gin-gonic/gin"
)

// Handler 处理API请求
type Handler struct {
	// 核心服务
	Sessions   *services.SessionManager    // 会话管理
	Builder    *services.ContextBuilder    // 上下文构建
	Generation *services.GenerationService // 内置传输，为空时回复由外部推送
	Catalog    *services.CatalogService    // 角色与场景目录
	Templates  prompt.Set                  // 提示词模板
	Metrics    *utils.EngineMetrics

	WebSocketHandler *WebSocketHandler // WebSocket 处理器
	Response         *ResponseHelper   // 响应助手

	wsManager *WebSocketManager
	limiter   *RateLimiter
	startedAt time.Time
}

// CreateSessionRequest 创建会话的请求结构
type CreateSessionRequest struct {
	SceneID string                    `json:"scene_id"`
	Opening []models.CharacterPayload `json:"opening,omitempty"` // 开场回复的角色内容
}

// SubmitRequest 提交用户输入的请求结构
type SubmitRequest struct {
	Query       string `json:"query"`
	SceneID     string `json:"scene_id,omitempty"`
	CharacterID string `json:"character_id,omitempty"` // 生成的目标角色
	Template    string `json:"template,omitempty"`
}

// RegenerateRequest 重新生成的请求结构
type RegenerateRequest struct {
	CharacterID string `json:"character_id,omitempty"`
	Template    string `json:"template,omitempty"`
}

// SwipeRequest 切换备选回复的请求结构
type SwipeRequest struct {
	ResponseID string `json:"response_id" binding:"required"`
}

// SucceedRequest 外部传输推送整份快照的请求结构
type SucceedRequest struct {
	ResponseID      string                    `json:"response_id,omitempty"` // 为空时作用于当前游标
	Characters      []models.CharacterPayload `json:"characters"`
	SuggestedScenes []string                  `json:"suggested_scenes,omitempty"`
	Completed       bool                      `json:"completed"`
}

// InputRequest 更新输入缓冲的请求结构
type InputRequest struct {
	Text string `json:"text"`
}

// NewHandler 创建API处理器并把会话事件接入 WebSocket 推送
func NewHandler(
	sessions *services.SessionManager,
	builder *services.ContextBuilder,
	generation *services.GenerationService,
	catalog *services.CatalogService,
	templates prompt.Set,
	metrics *utils.EngineMetrics,
	logger *utils.Logger,
) *Handler {
	if logger == nil {
		logger = utils.GetLogger()
	}
	if metrics == nil {
		metrics = utils.NewEngineMetrics(nil, logger)
	}

	wsManager := NewWebSocketManager(logger)
	sessions.Subscribe(wsManager.OnSessionEvent)
	if generation != nil {
		generation.OnIncrement(wsManager.OnIncrement)
	}

	return &Handler{
		Sessions:         sessions,
		Builder:          builder,
		Generation:       generation,
		Catalog:          catalog,
		Templates:        templates,
		Metrics:          metrics,
		WebSocketHandler: NewWebSocketHandler(sessions, wsManager, metrics, logger),
		Response:         NewResponseHelper(),
		wsManager:        wsManager,
		limiter:          NewRateLimiter(time.Minute),
		startedAt:        time.Now(),
	}
}

// Close 停止处理器持有的后台任务
func (h *Handler) Close() {
	h.wsManager.Close()
	h.limiter.Close()
}

// session 按路径参数获取会话，失败时已写出响应
func (h *Handler) session(c *gin.Context) (*services.Session, bool) {
	s, err := h.Sessions.Get(c.Param("id"))
	if err != nil {
		h.Response.NotFound(c, "会话", "会话ID: "+c.Param("id"))
		return nil, false
	}
	return s, true
}

// ------------------------------------------------
// 会话

// ListSessions 列出所有会话ID
func (h *Handler) ListSessions(c *gin.Context) {
	h.Response.Success(c, gin.H{"sessions": h.Sessions.IDs(), "count": h.Sessions.Len()})
}

// CreateSession 创建新会话
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.Response.BadRequest(c, "请求参数错误", err.Error())
			return
		}
	}

	if err := services.ValidatePayloads(req.Opening); err != nil {
		h.Response.FromError(c, err)
		return
	}
	if req.SceneID != "" {
		if _, err := h.Catalog.Scene(req.SceneID); err != nil {
			h.Response.FromError(c, err)
			return
		}
	}

	s := h.Sessions.Create(req.SceneID, req.Opening)
	h.Response.Created(c, s.State(), "会话创建成功")
}

// GetSession 获取会话快照
func (h *Handler) GetSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	h.Response.Success(c, s.State())
}

// DeleteSession 删除会话，进行中的生成会先被取消
func (h *Handler) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	if h.Generation != nil {
		h.Generation.Cancel(id)
	}
	if err := h.Sessions.Delete(id); err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"session_id": id}, "会话已删除")
}

// SetInput 更新待提交的输入缓冲
func (h *Handler) SetInput(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req InputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}
	s.SetInput(req.Text)
	h.Response.Success(c, gin.H{"input": s.Input(), "input_disabled": s.InputDisabled()})
}

// ------------------------------------------------
// 命令

// SubmitInteraction 提交用户输入
//
// 配置了内置传输时立即开始后台生成；否则只创建待生成的回复，
// 由外部传输通过 /ws/sessions/:id/stream 或 /responses/current 推送内容。
func (h *Handler) SubmitInteraction(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	if h.Generation != nil {
		result, err := h.Generation.Submit(s, req.Query, req.SceneID, services.ContextRequest{
			CharacterID: req.CharacterID,
			Template:    req.Template,
		})
		if err != nil {
			h.Response.FromError(c, err)
			return
		}
		h.Response.Accepted(c, result, "回复生成中")
		return
	}

	if err := s.StartInteraction(req.Query, req.SceneID); err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Accepted(c, h.pendingResult(s), "等待外部传输推送回复")
}

// Regenerate 为当前交互生成备选回复
func (h *Handler) Regenerate(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req RegenerateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.Response.BadRequest(c, "请求参数错误", err.Error())
			return
		}
	}

	if h.Generation != nil {
		result, err := h.Generation.Regenerate(s, services.ContextRequest{
			CharacterID: req.CharacterID,
			Template:    req.Template,
		})
		if err != nil {
			h.Response.FromError(c, err)
			return
		}
		h.Response.Accepted(c, result, "回复重新生成中")
		return
	}

	if err := s.StartRegeneration(); err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Accepted(c, h.pendingResult(s), "等待外部传输推送回复")
}

func (h *Handler) pendingResult(s *services.Session) gin.H {
	return gin.H{
		"session_id":  s.ID,
		"response_id": s.Cursor(),
		"stream":      "/ws/sessions/" + s.ID + "/stream",
	}
}

// SwipeToResponse 切换到指定的备选回复
func (h *Handler) SwipeToResponse(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req SwipeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}
	if err := s.SwipeToResponse(req.ResponseID); err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, s.State(), "已切换回复")
}

// FailInteraction 中止正在生成的回复
//
// 内置传输正在生成时取消它，回滚由流适配器异步完成，返回 202。
func (h *Handler) FailInteraction(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if h.Generation != nil && h.Generation.Cancel(s.ID) {
		h.Response.Accepted(c, gin.H{"session_id": s.ID, "cancelled": true}, "生成已取消")
		return
	}
	rolledBack := s.FailInteraction()
	h.Response.Success(c, gin.H{
		"session_id":  s.ID,
		"rolled_back": rolledBack,
		"cursor":      s.Cursor(),
		"input":       s.Input(),
	})
}

// SucceedResponse 用整份快照替换正在生成的回复
func (h *Handler) SucceedResponse(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req SucceedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	// 内置生成或流连接正在写入时拒绝
	responseID, release, err := s.ClaimStream()
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	defer release()

	if req.ResponseID == "" {
		req.ResponseID = responseID
	}
	if err := s.SucceedResponse(req.ResponseID, req.Characters, req.SuggestedScenes, req.Completed); err != nil {
		h.Response.FromError(c, err)
		return
	}
	if !req.Completed {
		h.Metrics.RecordStreamIncrement()
		h.wsManager.OnIncrement(s.ID, s.Cursor(), req.Characters)
	}
	h.Response.Success(c, gin.H{
		"session_id":     s.ID,
		"cursor":         s.Cursor(),
		"fetching":       s.Fetching(),
		"input_disabled": s.InputDisabled(),
	})
}

// ------------------------------------------------
// 查询

// GetHistory 获取当前路径的线性历史
// ?character_id= 按角色视角生成行，?order=oldest 按时间正序返回
func (h *Handler) GetHistory(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	var items []models.HistoryItem
	if characterID := c.Query("character_id"); characterID != "" {
		items = s.LinearHistoryFiltered(characterID)
	} else {
		items = s.LinearHistory()
	}
	if c.Query("order") == "oldest" {
		items = services.OldestFirst(items)
	}

	h.Response.Success(c, gin.H{
		"session_id": s.ID,
		"cursor":     s.Cursor(),
		"items":      items,
		"count":      len(items),
	})
}

// GetSettledResponse 获取最近一个已完成的回复
func (h *Handler) GetSettledResponse(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	response := s.LastSettledResponse()
	if response == nil {
		h.Response.NotFound(c, "回复", "会话ID: "+s.ID)
		return
	}
	h.Response.Success(c, response)
}

// GetCharacterState 获取角色最近一次出现时的表情与姿态
func (h *Handler) GetCharacterState(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	characterID := c.Param("cid")
	state, found := s.LastCharacterState(characterID)
	if !found {
		h.Response.NotFound(c, "角色状态", "角色ID: "+characterID)
		return
	}
	h.Response.Success(c, state)
}

// BuildContext 为指定角色构建上下文窗口，不改变会话
func (h *Handler) BuildContext(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req services.ContextRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.Response.BadRequest(c, "请求参数错误", err.Error())
			return
		}
	}
	if req.CharacterID == "" {
		if ids := h.Catalog.SceneCharacters(s.SceneID()); len(ids) > 0 {
			req.CharacterID = ids[0]
		}
	}

	window, err := h.Builder.BuildForSession(s, req)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, window)
}

// ------------------------------------------------
// 目录与设置

// GetCatalog 获取角色、场景与模板列表
func (h *Handler) GetCatalog(c *gin.Context) {
	h.Response.Success(c, gin.H{
		"user_name":  h.Catalog.UserName(),
		"characters": h.Catalog.Characters(),
		"scenes":     h.Catalog.Scenes(),
		"templates":  h.Templates.Names(),
	})
}

// GetContextSettings 获取当前上下文参数
func (h *Handler) GetContextSettings(c *gin.Context) {
	h.Response.Success(c, config.GetCurrentConfig().Context)
}

// UpdateContextSettings 在运行时更新上下文参数
func (h *Handler) UpdateContextSettings(c *gin.Context) {
	settings := config.GetCurrentConfig().Context
	if err := c.ShouldBindJSON(&settings); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}
	if _, ok := h.Templates.Get(settings.Template); !ok {
		h.Response.Error(c, http.StatusBadRequest, ErrorSettingsInvalid, "未知的提示词模板: "+settings.Template)
		return
	}
	if err := config.UpdateContextSettings(settings); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorSettingsInvalid, err.Error())
		return
	}
	h.Response.Success(c, settings, "上下文参数已更新")
}

// ------------------------------------------------
// 运维

// GetMetrics 获取指标快照
func (h *Handler) GetMetrics(c *gin.Context) {
	h.Response.Success(c, h.Metrics.Collector().GetMetrics())
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	transport := "external"
	if h.Generation != nil {
		transport = "builtin"
	}
	h.Response.Success(c, gin.H{
		"status":    "ok",
		"sessions":  h.Sessions.Len(),
		"transport": transport,
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// GetWebSocketStatus 获取 WebSocket 连接状态（调试用）
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	status := h.wsManager.GetStatus()
	status["ping_timeout_seconds"] = int(h.wsManager.pingTimeout.Seconds())
	status["timestamp"] = time.Now().Format(time.RFC3339)
	h.Response.Success(c, status)
}

// SessionWebSocket 处理会话观看者 WebSocket 连接
func (h *Handler) SessionWebSocket(c *gin.Context) {
	h.WebSocketHandler.SessionWebSocket(c)
}

// TransportStream 处理外部传输的快照推送连接
func (h *Handler) TransportStream(c *gin.Context) {
	h.WebSocketHandler.TransportStream(c)
}
