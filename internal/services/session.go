// internal/services/session.go
package services

import (
	"strings"
	"sync"
	"time"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/storage"
	"github.com/Corphon/SceneWeaver/internal/utils"
	"github.com/google/uuid"
)

var (
	// ErrSessionBusy 回复仍在生成时拒绝新的提交、重新生成与切换
	ErrSessionBusy = apperrors.NewConflictError("会话正在生成回复", nil)
	// ErrNotFetching 当前回复已完成，不能再写入流式内容
	ErrNotFetching = apperrors.NewInvalidOperationError("当前回复不在生成中", nil)
	// ErrNoParentInteraction 开场回复不能重新生成
	ErrNoParentInteraction = apperrors.NewInvalidOperationError("当前回复没有父交互", nil)
	// ErrStaleCursor 流写入的目标回复已不是游标
	ErrStaleCursor = apperrors.NewInvalidOperationError("目标回复不是当前游标", nil)
)

// EventKind 会话状态变化的类型
type EventKind string

const (
	EventSubmit     EventKind = "submit"
	EventIncrement  EventKind = "increment"
	EventComplete   EventKind = "complete"
	EventFail       EventKind = "fail"
	EventRegenerate EventKind = "regenerate"
	EventSwipe      EventKind = "swipe"
)

// SessionEvent 每次迁移成功后发出的通知
type SessionEvent struct {
	SessionID     string    `json:"session_id"`
	Kind          EventKind `json:"kind"`
	Cursor        string    `json:"cursor"`
	InputDisabled bool      `json:"input_disabled"`
	Timestamp     time.Time `json:"timestamp"`
}

// SessionObserver 接收会话事件，在释放写锁之后调用
type SessionObserver func(SessionEvent)

// SessionOption 配置会话
type SessionOption func(*Session)

// WithIDGenerator 替换节点ID生成器
func WithIDGenerator(gen func() string) SessionOption {
	return func(s *Session) { s.newID = gen }
}

// WithLogger 设置日志器
func WithLogger(logger *utils.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithMetrics 设置指标记录器
func WithMetrics(metrics *utils.EngineMetrics) SessionOption {
	return func(s *Session) { s.metrics = metrics }
}

// WithObserver 注册事件观察者
func WithObserver(observer SessionObserver) SessionOption {
	return func(s *Session) { s.observers = append(s.observers, observer) }
}

// Session 一个对话会话：拥有节点存储与游标的唯一写入者
// 所有迁移在写锁下整体完成，读操作只会看到迁移前或迁移后的状态
type Session struct {
	ID string

	mu            sync.RWMutex
	store         *storage.TurnStore
	sceneID       string
	input         string
	inputDisabled bool
	regenFrom     string // 重新生成前的游标，用于失败回滚
	writer        string // 已登记流写入者的回复

	newID     func() string
	logger    *utils.Logger
	metrics   *utils.EngineMetrics
	observers []SessionObserver
}

// NewSession 创建会话并写入开场回复
func NewSession(id, sceneID string, opening []models.CharacterPayload, opts ...SessionOption) *Session {
	s := &Session{
		ID:      id,
		store:   storage.NewTurnStore(),
		sceneID: sceneID,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ID == "" {
		s.ID = s.newID()
	}
	if s.logger == nil {
		s.logger = utils.GetLogger()
	}
	if s.metrics == nil {
		s.metrics = utils.NewEngineMetrics(nil, s.logger)
	}

	root := &models.Response{
		ID:                   s.newID(),
		Characters:           append([]models.CharacterPayload{}, opening...),
		ChildrenInteractions: []models.ChildInteraction{},
		Selected:             true,
	}
	s.store.PutResponse(root)
	s.store.SetCursor(root.ID)
	return s
}

// StartInteraction 提交用户输入：在游标下创建新的交互与待生成的回复
func (s *Session) StartInteraction(query, sceneID string) error {
	if strings.TrimSpace(query) == "" {
		return apperrors.NewValidationError("用户输入不能为空", nil)
	}

	s.mu.Lock()
	current, err := s.cursorResponse()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if current.Fetching {
		s.mu.Unlock()
		return ErrSessionBusy
	}

	if sceneID == "" {
		sceneID = s.sceneID
	}
	interaction := &models.Interaction{
		ID:               s.newID(),
		ParentResponseID: current.ID,
		Query:            query,
		SceneID:          sceneID,
	}
	response := &models.Response{
		ID:                   s.newID(),
		ParentInteractionID:  interaction.ID,
		Characters:           []models.CharacterPayload{},
		ChildrenInteractions: []models.ChildInteraction{},
		Fetching:             true,
		Selected:             true,
	}
	interaction.ResponseIDs = []string{response.ID}

	for i := range current.ChildrenInteractions {
		current.ChildrenInteractions[i].Selected = false
	}
	current.ChildrenInteractions = append(current.ChildrenInteractions, models.ChildInteraction{
		InteractionID: interaction.ID,
		Selected:      true,
	})
	s.store.PutInteraction(interaction)
	s.store.PutResponse(response)
	s.store.SetCursor(response.ID)

	s.input = ""
	s.inputDisabled = true
	s.sceneID = sceneID
	s.regenFrom = ""
	event := s.eventLocked(EventSubmit)
	s.mu.Unlock()

	s.metrics.RecordTransition(string(EventSubmit))
	s.logger.Debug("interaction started", utils.Fields{
		"session_id":     s.ID,
		"interaction_id": interaction.ID,
		"response_id":    response.ID,
	})
	s.notify(event)
	return nil
}

// FailInteraction 回滚正在生成的回复；游标不在生成中时不做任何事
func (s *Session) FailInteraction() bool {
	s.mu.Lock()
	return s.failLocked("")
}

// FailResponse 仅当游标仍指向 responseID 时回滚
func (s *Session) FailResponse(responseID string) bool {
	s.mu.Lock()
	return s.failLocked(responseID)
}

// failLocked 调用时持有写锁，返回前释放
func (s *Session) failLocked(expected string) bool {
	current, err := s.cursorResponse()
	if err != nil || !current.Fetching || (expected != "" && current.ID != expected) {
		s.mu.Unlock()
		return false
	}
	interaction, ok := s.store.GetInteraction(current.ParentInteractionID)
	if !ok {
		s.mu.Unlock()
		s.logger.Error("fetching response without parent interaction", utils.Fields{
			"session_id":  s.ID,
			"response_id": current.ID,
		})
		return false
	}

	removed := 0
	if len(interaction.ResponseIDs) > 1 {
		// 重新生成失败：只移除新回复，恢复之前的回复
		interaction.ResponseIDs = removeString(interaction.ResponseIDs, current.ID)
		s.store.RemoveResponse(current.ID)
		removed = 1

		restore := s.regenFrom
		if !containsString(interaction.ResponseIDs, restore) {
			restore = interaction.ResponseIDs[len(interaction.ResponseIDs)-1]
		}
		for _, rid := range interaction.ResponseIDs {
			if r, ok := s.store.GetResponse(rid); ok {
				r.Selected = rid == restore
			}
		}
		s.store.SetCursor(restore)
	} else {
		ancestor, ok := s.store.GetResponse(interaction.ParentResponseID)
		if !ok {
			s.mu.Unlock()
			s.logger.Error("interaction without parent response", utils.Fields{
				"session_id":     s.ID,
				"interaction_id": interaction.ID,
			})
			return false
		}

		kept := ancestor.ChildrenInteractions[:0]
		for _, child := range ancestor.ChildrenInteractions {
			if child.InteractionID != interaction.ID {
				kept = append(kept, child)
			}
		}
		ancestor.ChildrenInteractions = kept
		if len(kept) > 0 && !anySelected(kept) {
			ancestor.ChildrenInteractions[0].Selected = true
		}

		s.store.RemoveResponse(current.ID)
		s.store.RemoveInteraction(interaction.ID)
		s.store.SetCursor(ancestor.ID)
		s.input = interaction.Query
		removed = 2
	}

	s.inputDisabled = false
	s.regenFrom = ""
	event := s.eventLocked(EventFail)
	s.mu.Unlock()

	s.metrics.RecordRollback(s.ID, removed)
	s.logger.Warn("interaction rolled back", utils.Fields{
		"session_id": s.ID,
		"cursor":     event.Cursor,
		"removed":    removed,
	})
	s.notify(event)
	return true
}

// SucceedInteraction 用完整快照替换当前回复的内容
// 流式过程中可多次调用，每次传入累计的全部内容而非增量
func (s *Session) SucceedInteraction(characters []models.CharacterPayload, suggestedScenes []string, completed bool) error {
	return s.SucceedResponse("", characters, suggestedScenes, completed)
}

// SucceedResponse 与 SucceedInteraction 相同，但要求游标仍指向 responseID（为空则不检查）
func (s *Session) SucceedResponse(responseID string, characters []models.CharacterPayload, suggestedScenes []string, completed bool) error {
	if err := ValidatePayloads(characters); err != nil {
		return err
	}

	s.mu.Lock()
	current, err := s.cursorResponse()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if responseID != "" && current.ID != responseID {
		s.mu.Unlock()
		return ErrStaleCursor
	}
	if !current.Fetching {
		s.mu.Unlock()
		return ErrNotFetching
	}

	current.Characters = append([]models.CharacterPayload{}, characters...)
	current.SuggestedScenes = append([]string(nil), suggestedScenes...)
	current.ChildrenInteractions = []models.ChildInteraction{}

	kind := EventIncrement
	if completed {
		kind = EventComplete
		current.Fetching = false
		s.inputDisabled = false
		s.regenFrom = ""
	}
	event := s.eventLocked(kind)
	s.mu.Unlock()

	if completed {
		s.metrics.RecordTransition(string(EventComplete))
		s.logger.Debug("response completed", utils.Fields{
			"session_id":  s.ID,
			"response_id": current.ID,
			"characters":  len(characters),
		})
	}
	s.notify(event)
	return nil
}

// StartRegeneration 为当前回复的父交互创建一个新的备选回复
func (s *Session) StartRegeneration() error {
	s.mu.Lock()
	current, err := s.cursorResponse()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if current.Fetching {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	interaction, ok := s.store.GetInteraction(current.ParentInteractionID)
	if !ok {
		s.mu.Unlock()
		return ErrNoParentInteraction
	}

	for _, rid := range interaction.ResponseIDs {
		if r, ok := s.store.GetResponse(rid); ok {
			r.Selected = false
		}
	}
	response := &models.Response{
		ID:                   s.newID(),
		ParentInteractionID:  interaction.ID,
		Characters:           []models.CharacterPayload{},
		ChildrenInteractions: []models.ChildInteraction{},
		Fetching:             true,
		Selected:             true,
	}
	interaction.ResponseIDs = append(interaction.ResponseIDs, response.ID)
	s.store.PutResponse(response)
	s.regenFrom = current.ID
	s.store.SetCursor(response.ID)
	s.inputDisabled = true
	event := s.eventLocked(EventRegenerate)
	s.mu.Unlock()

	s.metrics.RecordTransition(string(EventRegenerate))
	s.logger.Debug("regeneration started", utils.Fields{
		"session_id":     s.ID,
		"interaction_id": interaction.ID,
		"response_id":    response.ID,
	})
	s.notify(event)
	return nil
}

// SwipeToResponse 纯导航：选中目标回复并移动游标，不创建也不删除内容
func (s *Session) SwipeToResponse(responseID string) error {
	s.mu.Lock()
	target, ok := s.store.GetResponse(responseID)
	if !ok {
		s.mu.Unlock()
		return apperrors.NewInvalidOperationError("回复不存在: "+responseID, nil)
	}
	current, err := s.cursorResponse()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if current.Fetching {
		s.mu.Unlock()
		return ErrSessionBusy
	}

	s.selectPathLocked(target)
	s.store.SetCursor(target.ID)
	event := s.eventLocked(EventSwipe)
	s.mu.Unlock()

	s.metrics.RecordTransition(string(EventSwipe))
	s.notify(event)
	return nil
}

// selectPathLocked 让 Selected 标记描述从根到 target 的路径
func (s *Session) selectPathLocked(target *models.Response) {
	node := target
	for node.ParentInteractionID != "" {
		interaction, ok := s.store.GetInteraction(node.ParentInteractionID)
		if !ok {
			return
		}
		for _, rid := range interaction.ResponseIDs {
			if r, ok := s.store.GetResponse(rid); ok {
				r.Selected = rid == node.ID
			}
		}
		parent, ok := s.store.GetResponse(interaction.ParentResponseID)
		if !ok {
			return
		}
		for i := range parent.ChildrenInteractions {
			parent.ChildrenInteractions[i].Selected = parent.ChildrenInteractions[i].InteractionID == interaction.ID
		}
		node = parent
	}
	node.Selected = true
}

// SetInput 更新待发送的输入缓冲
func (s *Session) SetInput(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = text
}

// Input 返回输入缓冲
func (s *Session) Input() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.input
}

// InputDisabled 回复生成期间为 true
func (s *Session) InputDisabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inputDisabled
}

// Cursor 当前回复ID
func (s *Session) Cursor() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Cursor()
}

// SceneID 最近一次交互所在的场景
func (s *Session) SceneID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sceneID
}

// Fetching 游标是否仍在生成
func (s *Session) Fetching() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.store.GetResponse(s.store.Cursor())
	return ok && r.Fetching
}

// ClaimStream 为生成中的游标回复登记唯一的流写入者，返回回复ID与释放函数
// 游标不在生成中返回 ErrNotFetching，回复已有写入者返回 ErrSessionBusy
func (s *Session) ClaimStream() (string, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.cursorResponse()
	if err != nil {
		return "", nil, err
	}
	if !current.Fetching {
		return "", nil, ErrNotFetching
	}
	if s.writer == current.ID {
		return "", nil, ErrSessionBusy
	}
	s.writer = current.ID

	responseID := current.ID
	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			if s.writer == responseID {
				s.writer = ""
			}
			s.mu.Unlock()
		})
	}
	return responseID, release, nil
}

// Read 在读锁下访问只读视图，fn 不得保留视图
func (s *Session) Read(fn func(view storage.TurnView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.store)
}

// Snapshot 返回存储的深拷贝，可在锁外任意读取
func (s *Session) Snapshot() *storage.TurnStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Clone()
}

// SessionState 会话的完整只读快照
type SessionState struct {
	ID            string                        `json:"id"`
	SceneID       string                        `json:"scene_id"`
	Cursor        string                        `json:"cursor"`
	Input         string                        `json:"input"`
	InputDisabled bool                          `json:"input_disabled"`
	Interactions  map[string]*models.Interaction `json:"interactions"`
	Responses     map[string]*models.Response    `json:"responses"`
}

// State 导出会话快照
func (s *Session) State() *SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := s.store.Clone()
	state := &SessionState{
		ID:            s.ID,
		SceneID:       s.sceneID,
		Cursor:        snap.Cursor(),
		Input:         s.input,
		InputDisabled: s.inputDisabled,
		Interactions:  make(map[string]*models.Interaction),
		Responses:     make(map[string]*models.Response),
	}
	for _, i := range snap.Interactions() {
		state.Interactions[i.ID] = i
	}
	for _, r := range snap.Responses() {
		state.Responses[r.ID] = r
	}
	return state
}

// LinearHistory 当前路径的线性历史，最新在前
func (s *Session) LinearHistory() []models.HistoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return LinearHistory(s.store)
}

// LinearHistoryFiltered 以指定角色视角过滤的线性历史，最新在前
func (s *Session) LinearHistoryFiltered(characterID string) []models.HistoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return LinearHistoryFiltered(s.store, characterID)
}

// LastSettledResponse 用于展示的最近一个已完成回复
func (s *Session) LastSettledResponse() *models.Response {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return LastSettledResponse(s.store, s.regenFrom)
}

// LastCharacterState 角色最近一次的表情与姿态
func (s *Session) LastCharacterState(characterID string) (models.CharacterState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return LastCharacterState(s.store, characterID)
}

func (s *Session) cursorResponse() (*models.Response, error) {
	current, ok := s.store.GetResponse(s.store.Cursor())
	if !ok {
		return nil, apperrors.NewInvalidOperationError("游标指向不存在的回复: "+s.store.Cursor(), nil)
	}
	return current, nil
}

func (s *Session) eventLocked(kind EventKind) SessionEvent {
	return SessionEvent{
		SessionID:     s.ID,
		Kind:          kind,
		Cursor:        s.store.Cursor(),
		InputDisabled: s.inputDisabled,
		Timestamp:     time.Now(),
	}
}

func (s *Session) notify(event SessionEvent) {
	for _, observer := range s.observers {
		observer(event)
	}
}

// ValidatePayloads 角色ID不能为空且不能重复
func ValidatePayloads(characters []models.CharacterPayload) error {
	seen := make(map[string]bool, len(characters))
	for _, c := range characters {
		if strings.TrimSpace(c.CharacterID) == "" {
			return apperrors.NewValidationError("角色ID不能为空", nil)
		}
		if seen[c.CharacterID] {
			return apperrors.NewValidationError("角色重复: "+c.CharacterID, nil)
		}
		seen[c.CharacterID] = true
	}
	return nil
}

func anySelected(children []models.ChildInteraction) bool {
	for _, c := range children {
		if c.Selected {
			return true
		}
	}
	return false
}

func containsString(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeString(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
