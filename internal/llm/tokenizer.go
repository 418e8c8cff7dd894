// internal/llm/tokenizer.go
package llm

import (
	"math"
	"unicode/utf8"
)

// Tokenizer 计算文本的令牌数，必须是确定性的纯函数
type Tokenizer interface {
	CountTokens(text string) int
}

// TokenizerFunc 把普通函数适配为 Tokenizer
type TokenizerFunc func(text string) int

// CountTokens 实现 Tokenizer
func (f TokenizerFunc) CountTokens(text string) int {
	return f(text)
}

// defaultCharactersPerToken 英文 BPE 分词器大约每个令牌 3.5-4.5 个字符，取 4 偏保守
const defaultCharactersPerToken = 4.0

// CharEstimator 按字符数估算令牌数，向上取整
// 没有接入真实分词器时使用，估算偏高，超预算会更早暴露给调用方
type CharEstimator struct {
	CharactersPerToken float64
}

// NewCharEstimator 使用默认比例创建估算器
func NewCharEstimator() *CharEstimator {
	return &CharEstimator{CharactersPerToken: defaultCharactersPerToken}
}

// CountTokens 实现 Tokenizer
func (e *CharEstimator) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	ratio := e.CharactersPerToken
	if ratio <= 0 {
		ratio = defaultCharactersPerToken
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / ratio))
}
