// internal/services/history.go
package services

import (
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/storage"
)

// LinearHistory 从游标走到根，重建当前被选中的那条路径，最新在前
//
// 未完成的回复不会出现在历史里；没有任何角色内容的开场回复也会被跳过，
// 因此只有一个空开场回复的会话得到空历史。
func LinearHistory(view storage.TurnView) []models.HistoryItem {
	items := make([]models.HistoryItem, 0)
	id := view.Cursor()
	for id != "" {
		response, ok := view.GetResponse(id)
		if !ok {
			break
		}
		if !response.Fetching && (!response.IsRoot() || hasText(response)) {
			items = append(items, models.HistoryItem{
				Kind:     models.NodeResponse,
				Response: response.Clone(),
			})
		}
		if response.IsRoot() {
			break
		}
		interaction, ok := view.GetInteraction(response.ParentInteractionID)
		if !ok {
			break
		}
		items = append(items, models.HistoryItem{
			Kind:        models.NodeInteraction,
			Interaction: interaction.Clone(),
		})
		id = interaction.ParentResponseID
	}
	return items
}

// LinearHistoryFiltered 与 LinearHistory 相同的遍历，并按 characterID 的视角为每项生成行：
// 目标角色的台词标记为 response，其它角色的台词与用户输入标记为 instruction
func LinearHistoryFiltered(view storage.TurnView, characterID string) []models.HistoryItem {
	items := LinearHistory(view)
	for i := range items {
		item := &items[i]
		if item.Kind == models.NodeInteraction {
			item.Lines = []models.HistoryLine{{
				Role: models.RoleInstruction,
				Text: item.Interaction.Query,
			}}
			continue
		}

		lines := make([]models.HistoryLine, 0, len(item.Response.Characters))
		for _, c := range item.Response.Characters {
			if c.Text == "" {
				continue
			}
			role := models.RoleInstruction
			if c.CharacterID == characterID {
				role = models.RoleResponse
			}
			lines = append(lines, models.HistoryLine{
				Role:        role,
				CharacterID: c.CharacterID,
				Emotion:     c.Emotion,
				Text:        c.Text,
			})
		}
		item.Lines = lines
	}
	return items
}

// LastSettledResponse 游标已完成时返回游标；生成中时返回重新生成前的答案 previous，
// previous 为空或已不是已完成的兄弟时退回最近的未选中兄弟，没有兄弟时返回父回复。只用于展示，没有副作用。
func LastSettledResponse(view storage.TurnView, previous string) *models.Response {
	current, ok := view.GetResponse(view.Cursor())
	if !ok {
		return nil
	}
	if !current.Fetching {
		return current.Clone()
	}
	interaction, ok := view.GetInteraction(current.ParentInteractionID)
	if !ok {
		return current.Clone()
	}
	if previous != "" && previous != current.ID && containsString(interaction.ResponseIDs, previous) {
		if r, ok := view.GetResponse(previous); ok && !r.Fetching {
			return r.Clone()
		}
	}
	for i := len(interaction.ResponseIDs) - 1; i >= 0; i-- {
		sibling, ok := view.GetResponse(interaction.ResponseIDs[i])
		if ok && sibling.ID != current.ID && !sibling.Selected && !sibling.Fetching {
			return sibling.Clone()
		}
	}
	if parent, ok := view.GetResponse(interaction.ParentResponseID); ok {
		return parent.Clone()
	}
	return current.Clone()
}

// LastCharacterState 沿历史查找该角色最近一次有台词的回复
func LastCharacterState(view storage.TurnView, characterID string) (models.CharacterState, bool) {
	for _, item := range LinearHistory(view) {
		if item.Kind != models.NodeResponse {
			continue
		}
		if c, ok := item.Response.Character(characterID); ok && c.Text != "" {
			return models.CharacterState{
				CharacterID: characterID,
				ResponseID:  item.Response.ID,
				Emotion:     c.Emotion,
				Pose:        c.Pose,
				Audio:       c.Audio,
			}, true
		}
	}
	return models.CharacterState{}, false
}

// OldestFirst 返回顺序反转的副本
func OldestFirst(items []models.HistoryItem) []models.HistoryItem {
	out := make([]models.HistoryItem, len(items))
	for i, item := range items {
		out[len(items)-1-i] = item
	}
	return out
}

func hasText(r *models.Response) bool {
	for _, c := range r.Characters {
		if c.Text != "" {
			return true
		}
	}
	return false
}
