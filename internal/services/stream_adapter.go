// internal/services/stream_adapter.go
package services

import (
	"context"
	"errors"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/llm"
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/utils"
)

// ErrStreamClosed 传输在发出结束信号前关闭了通道
var ErrStreamClosed = errors.New("传输通道在完成前关闭")

// StreamAdapter 把传输的快照序列转换为会话迁移
//
// 与传输的约定：每个事件携带到目前为止的完整快照（全量替换），
// 只产生字段增量的传输必须在发送前自行合并。适配器绑定到创建时的游标回复，
// 回复被回滚或游标移走后，后续事件不会写入其它回复。
type StreamAdapter struct {
	session     *Session
	responseID  string
	onIncrement func(responseID string, characters []models.CharacterPayload)
	metrics     *utils.EngineMetrics
	logger      *utils.Logger
}

// StreamAdapterOption 配置适配器
type StreamAdapterOption func(*StreamAdapter)

// WithIncrementCallback 每个增量写入成功后回调，用于推送给观察者
func WithIncrementCallback(fn func(responseID string, characters []models.CharacterPayload)) StreamAdapterOption {
	return func(a *StreamAdapter) { a.onIncrement = fn }
}

// WithAdapterMetrics 设置指标记录器
func WithAdapterMetrics(m *utils.EngineMetrics) StreamAdapterOption {
	return func(a *StreamAdapter) { a.metrics = m }
}

// WithAdapterResponse 绑定到指定回复，通常是 Session.ClaimStream 返回的ID
func WithAdapterResponse(responseID string) StreamAdapterOption {
	return func(a *StreamAdapter) { a.responseID = responseID }
}

// NewStreamAdapter 默认绑定到会话当前的游标回复
func NewStreamAdapter(session *Session, opts ...StreamAdapterOption) *StreamAdapter {
	a := &StreamAdapter{
		session:    session,
		responseID: session.Cursor(),
		logger:     session.logger,
		metrics:    session.metrics,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ResponseID 适配器写入的回复
func (a *StreamAdapter) ResponseID() string {
	return a.responseID
}

// Consume 按顺序应用事件直到结束、出错、通道关闭或 ctx 取消
// 除正常完成外的所有情况都会回滚该回复，并返回导致回滚的错误
func (a *StreamAdapter) Consume(ctx context.Context, events <-chan llm.StreamEvent) error {
	var last []models.CharacterPayload
	for {
		select {
		case <-ctx.Done():
			return a.fail(ctx.Err())

		case ev, ok := <-events:
			if !ok {
				return a.fail(ErrStreamClosed)
			}
			if ev.Err != nil {
				return a.fail(ev.Err)
			}

			if ev.Done {
				characters := ev.Characters
				if len(characters) == 0 {
					characters = last
				}
				if err := a.session.SucceedResponse(a.responseID, characters, ev.SuggestedScenes, true); err != nil {
					return a.fail(err)
				}
				return nil
			}

			if err := a.session.SucceedResponse(a.responseID, ev.Characters, nil, false); err != nil {
				return a.fail(err)
			}
			last = ev.Characters
			a.metrics.RecordStreamIncrement()
			if a.onIncrement != nil {
				a.onIncrement(a.responseID, append([]models.CharacterPayload(nil), ev.Characters...))
			}
		}
	}
}

func (a *StreamAdapter) fail(cause error) error {
	rolledBack := a.session.FailResponse(a.responseID)
	a.logger.Warn("stream aborted", utils.Fields{
		"session_id":  a.session.ID,
		"response_id": a.responseID,
		"rolled_back": rolledBack,
		"error":       cause.Error(),
	})
	var appErr *apperrors.AppError
	if errors.As(cause, &appErr) {
		return cause
	}
	return apperrors.NewProcessingError("模型传输失败", cause)
}
