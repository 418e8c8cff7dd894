package services

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/utils"
)

func quietLogger() *utils.Logger {
	return utils.NewLogger(io.Discard, utils.ERROR)
}

// seqIDs 生成可预测的节点ID：n1, n2, ...
func seqIDs() func() string {
	var n int64
	return func() string {
		return fmt.Sprintf("n%d", atomic.AddInt64(&n, 1))
	}
}

func newTestSession(opening ...models.CharacterPayload) *Session {
	logger := quietLogger()
	return NewSession("s1", "lighthouse", opening,
		WithIDGenerator(seqIDs()),
		WithLogger(logger),
		WithMetrics(utils.NewEngineMetrics(utils.NewMetricsCollector(), logger)),
	)
}

func say(characterID, emotion, text string) models.CharacterPayload {
	return models.CharacterPayload{CharacterID: characterID, Emotion: emotion, Text: text}
}

// submitAndComplete 提交一轮并立即完成
func submitAndComplete(s *Session, query string, chars ...models.CharacterPayload) error {
	if err := s.StartInteraction(query, ""); err != nil {
		return err
	}
	return s.SucceedInteraction(chars, nil, true)
}
