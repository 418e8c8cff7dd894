// internal/models/conversation.go
package models

// CharacterPayload 一个角色在某次回复中的内容
type CharacterPayload struct {
	CharacterID string `json:"character_id"`
	Emotion     string `json:"emotion,omitempty"`
	Pose        string `json:"pose,omitempty"`
	Text        string `json:"text"`
	Audio       string `json:"audio,omitempty"`
}

// ChildInteraction 针对某个回复发出的用户交互（分支）
type ChildInteraction struct {
	InteractionID string `json:"interaction_id"`
	Selected      bool   `json:"selected"`
}

// Interaction 表示一次用户输入
type Interaction struct {
	ID               string   `json:"id"`
	ParentResponseID string   `json:"parent_response_id,omitempty"` // 空表示会话的第一轮
	Query            string   `json:"query"`
	SceneID          string   `json:"scene_id"`
	ResponseIDs      []string `json:"response_ids"` // 重新生成后会有多个
}

// Response 表示一次AI回复，可能包含多个角色
type Response struct {
	ID                   string             `json:"id"`
	ParentInteractionID  string             `json:"parent_interaction_id,omitempty"` // 空表示开场回复
	Characters           []CharacterPayload `json:"characters"`
	ChildrenInteractions []ChildInteraction `json:"children_interactions"`
	Fetching             bool               `json:"fetching"`
	Selected             bool               `json:"selected"`
	SuggestedScenes      []string           `json:"suggested_scenes,omitempty"`
}

// Character 返回指定角色的内容
func (r *Response) Character(characterID string) (CharacterPayload, bool) {
	for _, c := range r.Characters {
		if c.CharacterID == characterID {
			return c, true
		}
	}
	return CharacterPayload{}, false
}

// IsRoot 是否为会话的开场回复
func (r *Response) IsRoot() bool {
	return r.ParentInteractionID == ""
}

// Clone 深拷贝
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Characters = append([]CharacterPayload(nil), r.Characters...)
	c.ChildrenInteractions = append([]ChildInteraction(nil), r.ChildrenInteractions...)
	c.SuggestedScenes = append([]string(nil), r.SuggestedScenes...)
	return &c
}

// Clone 深拷贝
func (i *Interaction) Clone() *Interaction {
	if i == nil {
		return nil
	}
	c := *i
	c.ResponseIDs = append([]string(nil), i.ResponseIDs...)
	return &c
}

// NodeKind 区分历史中的节点类型
type NodeKind string

const (
	NodeInteraction NodeKind = "interaction"
	NodeResponse    NodeKind = "response"
)

// LineRole 渲染行的角色标记，在最终序列化时才映射为具体模型的分隔符
type LineRole int

const (
	RoleInstruction LineRole = iota
	RoleResponse
)

func (r LineRole) String() string {
	if r == RoleResponse {
		return "response"
	}
	return "instruction"
}

// MarshalText 让角色标记以字符串形式出现在JSON中
func (r LineRole) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// HistoryLine 过滤后历史中的一行
type HistoryLine struct {
	Role        LineRole `json:"role"`
	CharacterID string   `json:"character_id,omitempty"` // 用户输入时为空
	Emotion     string   `json:"emotion,omitempty"`
	Text        string   `json:"text"`
}

// HistoryItem 线性历史中的一项，Interaction 与 Response 二选一
type HistoryItem struct {
	Kind        NodeKind      `json:"kind"`
	Interaction *Interaction  `json:"interaction,omitempty"`
	Response    *Response     `json:"response,omitempty"`
	Lines       []HistoryLine `json:"lines,omitempty"` // 仅过滤历史填充
}

// ID 返回节点ID
func (h HistoryItem) ID() string {
	if h.Kind == NodeInteraction {
		return h.Interaction.ID
	}
	return h.Response.ID
}

// CharacterState 角色最近一次出现时的表情与姿态
type CharacterState struct {
	CharacterID string `json:"character_id"`
	ResponseID  string `json:"response_id"`
	Emotion     string `json:"emotion"`
	Pose        string `json:"pose,omitempty"`
	Audio       string `json:"audio,omitempty"`
}
