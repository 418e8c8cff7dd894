// internal/storage/turn_store.go
package storage

import (
	"fmt"

	"github.com/Corphon/SceneWeaver/internal/models"
)

// TurnStore 以ID为键保存交互与回复节点，并记录当前游标
// 不做任何校验，树的不变量由会话的状态迁移维护
type TurnStore struct {
	interactions map[string]*models.Interaction
	responses    map[string]*models.Response
	cursor       string
}

// TurnView 只读视图，历史重建只依赖它
type TurnView interface {
	GetInteraction(id string) (*models.Interaction, bool)
	GetResponse(id string) (*models.Response, bool)
	Cursor() string
}

// NewTurnStore 创建空存储
func NewTurnStore() *TurnStore {
	return &TurnStore{
		interactions: make(map[string]*models.Interaction),
		responses:    make(map[string]*models.Response),
	}
}

// GetInteraction 按ID获取交互
func (s *TurnStore) GetInteraction(id string) (*models.Interaction, bool) {
	i, ok := s.interactions[id]
	return i, ok
}

// GetResponse 按ID获取回复
func (s *TurnStore) GetResponse(id string) (*models.Response, bool) {
	r, ok := s.responses[id]
	return r, ok
}

// PutInteraction 插入或替换交互
func (s *TurnStore) PutInteraction(i *models.Interaction) {
	s.interactions[i.ID] = i
}

// PutResponse 插入或替换回复
func (s *TurnStore) PutResponse(r *models.Response) {
	s.responses[r.ID] = r
}

// RemoveInteraction 删除交互
func (s *TurnStore) RemoveInteraction(id string) {
	delete(s.interactions, id)
}

// RemoveResponse 删除回复
func (s *TurnStore) RemoveResponse(id string) {
	delete(s.responses, id)
}

// Cursor 当前回复ID
func (s *TurnStore) Cursor() string {
	return s.cursor
}

// SetCursor 移动游标
func (s *TurnStore) SetCursor(id string) {
	s.cursor = id
}

// Len 返回交互数与回复数
func (s *TurnStore) Len() (interactions, responses int) {
	return len(s.interactions), len(s.responses)
}

// Interactions 返回所有交互（无序）
func (s *TurnStore) Interactions() []*models.Interaction {
	out := make([]*models.Interaction, 0, len(s.interactions))
	for _, i := range s.interactions {
		out = append(out, i)
	}
	return out
}

// Responses 返回所有回复（无序）
func (s *TurnStore) Responses() []*models.Response {
	out := make([]*models.Response, 0, len(s.responses))
	for _, r := range s.responses {
		out = append(out, r)
	}
	return out
}

// Clone 深拷贝整个存储，用于读快照与原子迁移
func (s *TurnStore) Clone() *TurnStore {
	c := &TurnStore{
		interactions: make(map[string]*models.Interaction, len(s.interactions)),
		responses:    make(map[string]*models.Response, len(s.responses)),
		cursor:       s.cursor,
	}
	for id, i := range s.interactions {
		c.interactions[id] = i.Clone()
	}
	for id, r := range s.responses {
		c.responses[id] = r.Clone()
	}
	return c
}

// Validate 检查树结构的不变量
func (s *TurnStore) Validate() error {
	if _, ok := s.responses[s.cursor]; !ok {
		return fmt.Errorf("游标 %q 未指向已有回复", s.cursor)
	}

	roots := 0
	fetching := 0
	for id, r := range s.responses {
		if r.Fetching {
			fetching++
		}
		if r.ParentInteractionID == "" {
			roots++
		} else {
			parent, ok := s.interactions[r.ParentInteractionID]
			if !ok {
				return fmt.Errorf("回复 %s 的父交互 %s 不存在", id, r.ParentInteractionID)
			}
			if countOf(parent.ResponseIDs, id) != 1 {
				return fmt.Errorf("回复 %s 在父交互 %s 中出现 %d 次", id, parent.ID, countOf(parent.ResponseIDs, id))
			}
		}

		selected := 0
		for _, child := range r.ChildrenInteractions {
			ci, ok := s.interactions[child.InteractionID]
			if !ok {
				return fmt.Errorf("回复 %s 引用了不存在的子交互 %s", id, child.InteractionID)
			}
			if ci.ParentResponseID != id {
				return fmt.Errorf("子交互 %s 的父回复为 %s，而非 %s", ci.ID, ci.ParentResponseID, id)
			}
			if child.Selected {
				selected++
			}
		}
		if selected > 1 {
			return fmt.Errorf("回复 %s 有 %d 个被选中的子交互", id, selected)
		}
	}
	if roots != 1 {
		return fmt.Errorf("存在 %d 个根回复", roots)
	}
	if fetching > 1 {
		return fmt.Errorf("存在 %d 个正在生成的回复", fetching)
	}

	for id, i := range s.interactions {
		if i.ParentResponseID != "" {
			parent, ok := s.responses[i.ParentResponseID]
			if !ok {
				return fmt.Errorf("交互 %s 的父回复 %s 不存在", id, i.ParentResponseID)
			}
			found := 0
			for _, child := range parent.ChildrenInteractions {
				if child.InteractionID == id {
					found++
				}
			}
			if found != 1 {
				return fmt.Errorf("交互 %s 在父回复 %s 中出现 %d 次", id, parent.ID, found)
			}
		}

		selected := 0
		for _, rid := range i.ResponseIDs {
			r, ok := s.responses[rid]
			if !ok {
				return fmt.Errorf("交互 %s 引用了不存在的回复 %s", id, rid)
			}
			if r.ParentInteractionID != id {
				return fmt.Errorf("回复 %s 的父交互为 %s，而非 %s", rid, r.ParentInteractionID, id)
			}
			if r.Selected {
				selected++
			}
			if r.Fetching && !r.Selected {
				return fmt.Errorf("正在生成的回复 %s 未被选中", rid)
			}
		}
		if selected > 1 {
			return fmt.Errorf("交互 %s 有 %d 个被选中的回复", id, selected)
		}
	}
	return nil
}

func countOf(ids []string, id string) int {
	n := 0
	for _, v := range ids {
		if v == id {
			n++
		}
	}
	return n
}
