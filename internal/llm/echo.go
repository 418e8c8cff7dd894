// internal/llm/echo.go
package llm

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/Corphon/SceneWeaver/internal/models"
)

// EchoTransport 不调用任何模型，逐词回放用户输入
// 用于演示程序与本地联调，每个增量都是累计快照
type EchoTransport struct {
	Delay   time.Duration
	Emotion string
	Prefix  string
}

// NewEchoTransport 从配置创建回显传输，支持 delay_ms、emotion、prefix
func NewEchoTransport(config map[string]string) (Transport, error) {
	t := &EchoTransport{Emotion: "neutral"}
	if v, ok := config["delay_ms"]; ok && v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		t.Delay = time.Duration(ms) * time.Millisecond
	}
	if v := config["emotion"]; v != "" {
		t.Emotion = v
	}
	t.Prefix = config["prefix"]
	return t, nil
}

// GetName 实现 Transport
func (t *EchoTransport) GetName() string {
	return "echo"
}

// Stream 实现 Transport：第一个角色逐词复述 Query
func (t *EchoTransport) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	out := make(chan StreamEvent)
	var characterID string
	var words []string
	if len(req.CharacterIDs) > 0 {
		characterID = req.CharacterIDs[0]
		words = strings.Fields(t.Prefix + req.Query)
	}

	go func() {
		defer close(out)

		var text strings.Builder
		for i, word := range words {
			if i > 0 {
				text.WriteByte(' ')
			}
			text.WriteString(word)
			ev := StreamEvent{Characters: []models.CharacterPayload{{
				CharacterID: characterID,
				Emotion:     t.Emotion,
				Text:        text.String(),
			}}}
			if !send(ctx, out, ev) {
				return
			}
			if t.Delay > 0 {
				select {
				case <-ctx.Done():
					send(ctx, out, StreamEvent{Err: ctx.Err()})
					return
				case <-time.After(t.Delay):
				}
			}
		}
		send(ctx, out, StreamEvent{Done: true})
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func init() {
	DefaultRegistry.Register("echo", NewEchoTransport)
}
