// internal/services/context_window.go
package services

import (
	"strings"

	"github.com/Corphon/SceneWeaver/internal/config"
	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/llm"
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/prompt"
	"github.com/Corphon/SceneWeaver/internal/storage"
	"github.com/Corphon/SceneWeaver/internal/utils"
)

// maxMemoryEntries 注入上下文的记忆条目上限
const maxMemoryEntries = 3

// ContextRequest 构建上下文窗口的参数，零值字段使用当前配置
type ContextRequest struct {
	CharacterID string `json:"character_id"`
	SceneID     string `json:"scene_id,omitempty"`
	MaxLines    int    `json:"max_lines,omitempty"`
	TokenBudget int    `json:"token_budget,omitempty"`
	Template    string `json:"template,omitempty"`
}

// ContextWindow 构建结果
// 超出预算时不会截断，OverBudget 与 TotalTokens 交给调用方决定如何处理
type ContextWindow struct {
	CharacterID   string             `json:"character_id"`
	SceneID       string             `json:"scene_id,omitempty"`
	TemplateName  string             `json:"template"`
	Prompt        string             `json:"prompt"`
	Lines         []prompt.Line      `json:"lines"`
	HistoryLines  int                `json:"history_lines"`
	MemoryEntries []models.LoreEntry `json:"memory_entries"`
	TotalTokens   int                `json:"total_tokens"`
	TokenBudget   int                `json:"token_budget"`
	MaxNewTokens  int                `json:"max_new_tokens"`
	OverBudget    bool               `json:"over_budget"`
	StopSequences []string           `json:"stop_sequences"`
}

// CompletionRequest 把上下文窗口转换为传输请求
func (w *ContextWindow) CompletionRequest(query string, characterIDs []string) llm.CompletionRequest {
	if len(characterIDs) == 0 {
		characterIDs = []string{w.CharacterID}
	}
	return llm.CompletionRequest{
		Prompt:       w.Prompt,
		MaxTokens:    w.MaxNewTokens,
		StopWords:    append([]string(nil), w.StopSequences...),
		CharacterIDs: characterIDs,
		Query:        query,
	}
}

// ContextBuilder 从会话历史组装模型提示词
type ContextBuilder struct {
	catalog   *CatalogService
	templates prompt.Set
	tokenizer llm.Tokenizer
	lore      LoreLookup
	settings  func() config.ContextSettings
	metrics   *utils.EngineMetrics
	logger    *utils.Logger
}

// ContextBuilderOption 配置 ContextBuilder
type ContextBuilderOption func(*ContextBuilder)

// WithTokenizer 替换令牌计数器
func WithTokenizer(t llm.Tokenizer) ContextBuilderOption {
	return func(b *ContextBuilder) { b.tokenizer = t }
}

// WithLoreLookup 替换记忆查找实现
func WithLoreLookup(l LoreLookup) ContextBuilderOption {
	return func(b *ContextBuilder) { b.lore = l }
}

// WithContextSettings 替换默认参数来源
func WithContextSettings(fn func() config.ContextSettings) ContextBuilderOption {
	return func(b *ContextBuilder) { b.settings = fn }
}

// WithBuilderMetrics 设置指标记录器
func WithBuilderMetrics(m *utils.EngineMetrics) ContextBuilderOption {
	return func(b *ContextBuilder) { b.metrics = m }
}

// WithBuilderLogger 设置日志器
func WithBuilderLogger(l *utils.Logger) ContextBuilderOption {
	return func(b *ContextBuilder) { b.logger = l }
}

// NewContextBuilder 创建上下文构建器
func NewContextBuilder(catalog *CatalogService, templates prompt.Set, opts ...ContextBuilderOption) *ContextBuilder {
	b := &ContextBuilder{
		catalog:   catalog,
		templates: templates,
		tokenizer: llm.NewCharEstimator(),
		lore:      NewKeywordLorebook(),
		settings:  func() config.ContextSettings { return config.GetCurrentConfig().Context },
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.templates == nil {
		b.templates = prompt.DefaultTemplates()
	}
	if b.logger == nil {
		b.logger = utils.GetLogger()
	}
	if b.metrics == nil {
		b.metrics = utils.NewEngineMetrics(nil, b.logger)
	}
	return b
}

// BuildForSession 在会话的读锁下构建上下文；未指定场景时使用会话当前场景
func (b *ContextBuilder) BuildForSession(s *Session, req ContextRequest) (*ContextWindow, error) {
	if req.SceneID == "" {
		req.SceneID = s.SceneID()
	}
	var window *ContextWindow
	err := s.Read(func(view storage.TurnView) error {
		var err error
		window, err = b.Build(view, req)
		return err
	})
	return window, err
}

// Build 按目标角色的视角构建上下文窗口
func (b *ContextBuilder) Build(view storage.TurnView, req ContextRequest) (*ContextWindow, error) {
	settings := b.settings()
	maxLines := req.MaxLines
	if maxLines <= 0 {
		maxLines = settings.MemorySize
	}
	budget := req.TokenBudget
	if budget <= 0 {
		budget = settings.TokenBudget
	}
	templateName := req.Template
	if templateName == "" {
		templateName = settings.Template
	}
	scanDepth := settings.ScanDepth
	if scanDepth < 1 || scanDepth > 3 {
		scanDepth = 3
	}

	tpl, ok := b.templates.Get(templateName)
	if !ok {
		return nil, apperrors.NewValidationError("未知的提示词模板: "+templateName, nil)
	}
	character, err := b.catalog.Character(req.CharacterID)
	if err != nil {
		return nil, err
	}
	var scene *models.Scene
	if req.SceneID != "" {
		if scene, err = b.catalog.Scene(req.SceneID); err != nil {
			return nil, err
		}
	}
	userName := b.catalog.UserName()

	items := OldestFirst(LinearHistoryFiltered(view, character.ID))
	history := make([]models.HistoryLine, 0)
	for _, item := range items {
		history = append(history, item.Lines...)
	}
	if len(history) > maxLines {
		history = history[len(history)-maxLines:]
	}

	lines := make([]prompt.Line, 0, len(history)+4)
	for _, hl := range history {
		lines = append(lines, b.renderLine(hl, character.ID)...)
	}

	memory := b.findMemory(items, scanDepth, character, scene)
	system := b.systemText(character, scene, memory)
	rendered := tpl.Render(system, lines, reactionPrefix)
	final := prompt.ResolvePlaceholders(rendered, character.Name, userName)

	total := b.tokenizer.CountTokens(final) + settings.TokenOffset
	window := &ContextWindow{
		CharacterID:   character.ID,
		TemplateName:  templateName,
		Prompt:        final,
		Lines:         make([]prompt.Line, len(lines)),
		HistoryLines:  len(history),
		MemoryEntries: memory,
		TotalTokens:   total,
		TokenBudget:   budget,
		OverBudget:    total > budget,
		StopSequences: append(append([]string(nil), tpl.Stop...), userName+":"),
	}
	if scene != nil {
		window.SceneID = scene.ID
	}
	if budget > total {
		window.MaxNewTokens = budget - total
	}
	for i, l := range lines {
		window.Lines[i] = prompt.Line{
			Role: l.Role,
			Text: prompt.ResolvePlaceholders(l.Text, character.Name, userName),
		}
	}

	b.metrics.RecordContextBuild(total, window.OverBudget)
	if window.OverBudget {
		b.logger.Warn("context window over budget", utils.Fields{
			"character_id": character.ID,
			"total_tokens": total,
			"token_budget": budget,
		})
	}
	return window, nil
}

const (
	reactionPrefix = "{{char}}'s reaction:"
	neutralEmotion = "neutral"
)

func reactionLabel(emotion string) string {
	if emotion == "" {
		emotion = neutralEmotion
	}
	return reactionPrefix + " " + emotion
}

// renderLine 把一行过滤后的历史转换为带角色标记的提示词行
func (b *ContextBuilder) renderLine(hl models.HistoryLine, targetID string) []prompt.Line {
	switch {
	case hl.CharacterID == "":
		return []prompt.Line{{Role: models.RoleInstruction, Text: "{{user}}: " + hl.Text}}
	case hl.CharacterID == targetID:
		return []prompt.Line{
			{Role: models.RoleResponse, Text: reactionLabel(hl.Emotion)},
			{Role: models.RoleResponse, Text: "{{char}}: " + hl.Text},
		}
	default:
		return []prompt.Line{{Role: models.RoleInstruction, Text: b.characterName(hl.CharacterID) + ": " + hl.Text}}
	}
}

func (b *ContextBuilder) characterName(id string) string {
	if c, err := b.catalog.Character(id); err == nil {
		return c.Name
	}
	return id
}

// findMemory 扫描最近 scanDepth 轮的文本，返回命中的前几条记忆
func (b *ContextBuilder) findMemory(items []models.HistoryItem, scanDepth int, character *models.Character, scene *models.Scene) []models.LoreEntry {
	if len(items) == 0 {
		return []models.LoreEntry{}
	}
	recent := items
	if len(recent) > scanDepth {
		recent = recent[len(recent)-scanDepth:]
	}
	texts := make([]string, 0, len(recent))
	for _, item := range recent {
		parts := make([]string, 0, len(item.Lines))
		for _, l := range item.Lines {
			parts = append(parts, l.Text)
		}
		if len(parts) > 0 {
			texts = append(texts, strings.Join(parts, "\n"))
		}
	}

	groups := make([][]models.LoreEntry, 0, 4)
	present := []string{character.ID}
	if scene != nil {
		groups = append(groups, scene.Lorebook)
		for _, cid := range scene.CharacterIDs {
			if cid != character.ID {
				present = append(present, cid)
			}
		}
	}
	for _, cid := range present {
		if c, err := b.catalog.Character(cid); err == nil {
			groups = append(groups, c.Lorebook)
		}
	}
	groups = append(groups, b.globalLore())

	found := b.lore.FindEntries(texts, mergeLoreCandidates(groups...))
	if len(found) > maxMemoryEntries {
		found = found[:maxMemoryEntries]
	}
	if found == nil {
		found = []models.LoreEntry{}
	}
	return found
}

// globalLore 全局条目加上目录中所有标记为全局的条目
func (b *ContextBuilder) globalLore() []models.LoreEntry {
	out := b.catalog.GlobalLore()
	for _, c := range b.catalog.Characters() {
		for _, e := range c.Lorebook {
			if e.Global {
				out = append(out, e)
			}
		}
	}
	for _, sc := range b.catalog.Scenes() {
		for _, e := range sc.Lorebook {
			if e.Global {
				out = append(out, e)
			}
		}
	}
	return out
}

// systemText 角色描述、场景设定，记忆条目排在示例对话之前
func (b *ContextBuilder) systemText(character *models.Character, scene *models.Scene, memory []models.LoreEntry) string {
	sections := make([]string, 0, 4)
	if character.Description != "" {
		sections = append(sections, character.Description)
	}
	if character.Personality != "" {
		sections = append(sections, "{{char}}'s personality: "+character.Personality)
	}
	if scene != nil && scene.Prompt != "" {
		sections = append(sections, "Scenario: "+scene.Prompt)
	}

	examples := make([]string, 0, len(memory)+len(character.ExampleDialogue))
	for _, entry := range memory {
		examples = append(examples, entry.Content)
	}
	examples = append(examples, character.ExampleDialogue...)
	if len(examples) > 0 {
		sections = append(sections, strings.Join(examples, "\n"))
	}
	return strings.Join(sections, "\n\n")
}
