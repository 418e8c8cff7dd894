// internal/services/generation_service.go
package services

import (
	"context"
	"sync"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/llm"
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/utils"
)

// GenerationService 串联一次生成：迁移会话、构建上下文、调用传输、消费流
type GenerationService struct {
	builder   *ContextBuilder
	catalog   *CatalogService
	transport llm.Transport
	logger    *utils.Logger
	metrics   *utils.EngineMetrics

	// 生成在后台进行，不受发起请求的生命周期约束
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*inflightGeneration // 会话ID -> 当前生成

	onIncrement func(sessionID, responseID string, characters []models.CharacterPayload)
}

type inflightGeneration struct {
	responseID string
	cancel     context.CancelFunc
}

// GenerationResult 发起生成后立即返回的信息
type GenerationResult struct {
	SessionID  string         `json:"session_id"`
	ResponseID string         `json:"response_id"`
	Context    *ContextWindow `json:"context"`
}

// NewGenerationService 创建生成服务
func NewGenerationService(builder *ContextBuilder, catalog *CatalogService, transport llm.Transport, logger *utils.Logger, metrics *utils.EngineMetrics) *GenerationService {
	if logger == nil {
		logger = utils.GetLogger()
	}
	if metrics == nil {
		metrics = utils.NewEngineMetrics(nil, logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GenerationService{
		builder:   builder,
		catalog:   catalog,
		transport: transport,
		logger:    logger,
		metrics:   metrics,
		baseCtx:   ctx,
		stop:      cancel,
		inflight:  make(map[string]*inflightGeneration),
	}
}

// OnIncrement 设置流式增量回调
func (g *GenerationService) OnIncrement(fn func(sessionID, responseID string, characters []models.CharacterPayload)) {
	g.onIncrement = fn
}

// Submit 提交用户输入并在后台生成回复
func (g *GenerationService) Submit(s *Session, query, sceneID string, req ContextRequest) (*GenerationResult, error) {
	if err := s.StartInteraction(query, sceneID); err != nil {
		return nil, err
	}
	return g.generate(s, query, req)
}

// Regenerate 为当前交互生成一个新的备选回复
func (g *GenerationService) Regenerate(s *Session, req ContextRequest) (*GenerationResult, error) {
	if err := s.StartRegeneration(); err != nil {
		return nil, err
	}
	query := ""
	for _, item := range s.LinearHistory() {
		if item.Kind == models.NodeInteraction {
			query = item.Interaction.Query
			break
		}
	}
	return g.generate(s, query, req)
}

// Cancel 取消会话当前的生成，回滚由流适配器完成
func (g *GenerationService) Cancel(sessionID string) bool {
	g.mu.Lock()
	gen, ok := g.inflight[sessionID]
	g.mu.Unlock()
	if ok {
		gen.cancel()
	}
	return ok
}

// Wait 等待所有后台生成结束
func (g *GenerationService) Wait() {
	g.wg.Wait()
}

// Close 取消所有生成并等待其回滚完成
func (g *GenerationService) Close() {
	g.stop()
	g.wg.Wait()
}

func (g *GenerationService) generate(s *Session, query string, req ContextRequest) (*GenerationResult, error) {
	characterIDs := g.speakers(s.SceneID(), req.CharacterID)
	if req.CharacterID == "" && len(characterIDs) > 0 {
		req.CharacterID = characterIDs[0]
	}

	// 外部写入者已接管时不回滚，由它负责完成或失败
	responseID, release, err := s.ClaimStream()
	if err != nil {
		return nil, err
	}

	window, err := g.builder.BuildForSession(s, req)
	if err != nil {
		release()
		s.FailResponse(responseID)
		return nil, err
	}

	adapter := NewStreamAdapter(s,
		WithAdapterResponse(responseID),
		WithAdapterMetrics(g.metrics),
		WithIncrementCallback(func(responseID string, characters []models.CharacterPayload) {
			if g.onIncrement != nil {
				g.onIncrement(s.ID, responseID, characters)
			}
		}),
	)

	ctx, cancel := context.WithCancel(g.baseCtx)
	events, err := g.transport.Stream(ctx, window.CompletionRequest(query, characterIDs))
	if err != nil {
		cancel()
		release()
		s.FailResponse(responseID)
		return nil, apperrors.NewProcessingError("启动模型传输失败", err)
	}

	gen := &inflightGeneration{responseID: adapter.ResponseID(), cancel: cancel}
	g.mu.Lock()
	g.inflight[s.ID] = gen
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			g.mu.Lock()
			if g.inflight[s.ID] == gen {
				delete(g.inflight, s.ID)
			}
			g.mu.Unlock()
			release()
			cancel()
		}()
		if err := adapter.Consume(ctx, events); err != nil {
			g.logger.Warn("generation failed", utils.Fields{
				"session_id":  s.ID,
				"response_id": adapter.ResponseID(),
				"error":       err.Error(),
			})
		}
	}()

	return &GenerationResult{
		SessionID:  s.ID,
		ResponseID: adapter.ResponseID(),
		Context:    window,
	}, nil
}

// speakers 本轮期望发言的角色，目标角色在前
func (g *GenerationService) speakers(sceneID, target string) []string {
	ids := g.catalog.SceneCharacters(sceneID)
	if target == "" {
		return ids
	}
	out := []string{target}
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
