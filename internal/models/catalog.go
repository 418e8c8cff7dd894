// internal/models/catalog.go
package models

// LoreEntry 关键词触发的背景记忆片段
type LoreEntry struct {
	ID      string   `json:"id" yaml:"id"`
	Keys    []string `json:"keys" yaml:"keys"`
	Content string   `json:"content" yaml:"content"`
	Global  bool     `json:"global,omitempty" yaml:"global,omitempty"`
}

// Character 表示故事中的一个角色
type Character struct {
	ID              string      `json:"id" yaml:"id"`
	Name            string      `json:"name" yaml:"name"`
	Description     string      `json:"description" yaml:"description"`
	Personality     string      `json:"personality,omitempty" yaml:"personality,omitempty"`
	ExampleDialogue []string    `json:"example_dialogue,omitempty" yaml:"example_dialogue,omitempty"`
	Lorebook        []LoreEntry `json:"lorebook,omitempty" yaml:"lorebook,omitempty"`
}

// Scene 表示一个叙事场景
type Scene struct {
	ID           string      `json:"id" yaml:"id"`
	Name         string      `json:"name" yaml:"name"`
	Prompt       string      `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	CharacterIDs []string    `json:"character_ids" yaml:"character_ids"`
	Lorebook     []LoreEntry `json:"lorebook,omitempty" yaml:"lorebook,omitempty"`
}

// Catalog 角色、场景与全局记忆的集合
type Catalog struct {
	UserName   string      `json:"user_name" yaml:"user_name"`
	Characters []Character `json:"characters" yaml:"characters"`
	Scenes     []Scene     `json:"scenes" yaml:"scenes"`
	GlobalLore []LoreEntry `json:"global_lore,omitempty" yaml:"global_lore,omitempty"`
}
