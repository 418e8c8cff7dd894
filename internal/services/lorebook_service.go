// internal/services/lorebook_service.go
package services

import (
	"sort"
	"strings"

	"github.com/Corphon/SceneWeaver/internal/models"
)

// LoreLookup 根据最近的对话文本在候选条目中查找相关记忆
// 返回按相关度排序的条目，不包含未命中的候选
type LoreLookup interface {
	FindEntries(recentTexts []string, candidates []models.LoreEntry) []models.LoreEntry
}

// KeywordLorebook 默认的关键词匹配实现
// 关键词不区分大小写，按命中次数降序，次数相同时保持候选顺序
type KeywordLorebook struct{}

// NewKeywordLorebook 创建关键词记忆查找器
func NewKeywordLorebook() *KeywordLorebook {
	return &KeywordLorebook{}
}

// FindEntries 实现 LoreLookup
func (k *KeywordLorebook) FindEntries(recentTexts []string, candidates []models.LoreEntry) []models.LoreEntry {
	if len(recentTexts) == 0 || len(candidates) == 0 {
		return nil
	}
	haystack := strings.ToLower(strings.Join(recentTexts, "\n"))

	type scored struct {
		entry models.LoreEntry
		hits  int
	}
	matches := make([]scored, 0)
	for _, entry := range candidates {
		hits := 0
		for _, key := range entry.Keys {
			key = strings.ToLower(strings.TrimSpace(key))
			if key == "" {
				continue
			}
			hits += strings.Count(haystack, key)
		}
		if hits > 0 {
			matches = append(matches, scored{entry: entry, hits: hits})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].hits > matches[j].hits
	})

	out := make([]models.LoreEntry, len(matches))
	for i, m := range matches {
		out[i] = m.entry
	}
	return out
}

// mergeLoreCandidates 按优先级合并候选条目并按ID去重，先出现的保留
// 没有ID的条目以内容去重
func mergeLoreCandidates(groups ...[]models.LoreEntry) []models.LoreEntry {
	seen := make(map[string]bool)
	out := make([]models.LoreEntry, 0)
	for _, group := range groups {
		for _, entry := range group {
			key := entry.ID
			if key == "" {
				key = "content:" + entry.Content
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, entry)
		}
	}
	return out
}
