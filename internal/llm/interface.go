// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/Corphon/SceneWeaver/internal/models"
)

// ErrUnknownTransport 未注册的传输名称
var ErrUnknownTransport = errors.New("未知的模型传输")

// CompletionRequest 发送给模型传输的请求
type CompletionRequest struct {
	Prompt       string   `json:"prompt"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	StopWords    []string `json:"stop_words,omitempty"`
	CharacterIDs []string `json:"character_ids"` // 期望发言的角色，按顺序
	Query        string   `json:"query,omitempty"`
}

// StreamEvent 传输发出的一次解码增量
//
// Characters 必须是到目前为止的完整快照（每个角色的全部 emotion/text），而不是增量；
// 只发送字段增量的传输需要在发出前自行合并。Done 为 true 表示流结束，
// 此时 Characters 为空则沿用上一次快照。Err 非空表示传输失败。
type StreamEvent struct {
	Characters      []models.CharacterPayload `json:"characters,omitempty"`
	SuggestedScenes []string                  `json:"suggested_scenes,omitempty"` // 仅在 Done 时使用
	Done            bool                      `json:"done,omitempty"`
	Err             error                     `json:"-"`
}

// Transport 模型调用的传输层，由外部协作者实现
type Transport interface {
	// GetName 传输名称
	GetName() string

	// Stream 发起生成，按顺序通过通道返回快照；通道在结束或出错后关闭
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error)
}

// TransportFactory 根据配置创建传输
type TransportFactory func(config map[string]string) (Transport, error)

// Registry 传输注册表
type Registry struct {
	mu        sync.RWMutex
	factories map[string]TransportFactory
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]TransportFactory)}
}

// DefaultRegistry 全局注册表
var DefaultRegistry = NewRegistry()

// Register 注册一个传输工厂
func (r *Registry) Register(name string, factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// GetTransport 创建指定名称的传输
func (r *Registry) GetTransport(name string, config map[string]string) (Transport, error) {
	r.mu.RLock()
	factory, exists := r.factories[name]
	r.mu.RUnlock()
	if !exists {
		return nil, ErrUnknownTransport
	}
	return factory(config)
}

// Names 返回所有已注册的传输名称
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
