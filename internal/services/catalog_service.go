// internal/services/catalog_service.go
package services

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed data/default_catalog.yaml
var defaultCatalog []byte

// CatalogService 提供角色、场景与全局记忆的只读访问
type CatalogService struct {
	mu         sync.RWMutex
	userName   string
	characters map[string]*models.Character
	scenes     map[string]*models.Scene
	order      []string // 角色按文件中的顺序
	sceneOrder []string
	globalLore []models.LoreEntry
}

// NewCatalogService 从YAML文件加载目录，path 为空时使用内置示例目录
func NewCatalogService(path string) (*CatalogService, error) {
	data := defaultCatalog
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.WrapError(err, "读取目录文件失败", apperrors.ErrorTypeError)
		}
		data = raw
	}
	return ParseCatalog(data)
}

// ParseCatalog 解析YAML目录并校验引用
func ParseCatalog(data []byte) (*CatalogService, error) {
	var catalog models.Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, apperrors.NewValidationError("目录格式错误", err)
	}
	return NewCatalogFromModel(&catalog)
}

// NewCatalogFromModel 由内存中的目录构建服务
func NewCatalogFromModel(catalog *models.Catalog) (*CatalogService, error) {
	s := &CatalogService{
		userName:   catalog.UserName,
		characters: make(map[string]*models.Character),
		scenes:     make(map[string]*models.Scene),
		globalLore: append([]models.LoreEntry(nil), catalog.GlobalLore...),
	}
	if s.userName == "" {
		s.userName = "User"
	}

	for i := range catalog.Characters {
		c := catalog.Characters[i]
		if c.ID == "" {
			return nil, apperrors.NewValidationError("角色缺少ID", nil)
		}
		if _, exists := s.characters[c.ID]; exists {
			return nil, apperrors.NewValidationError(fmt.Sprintf("角色ID重复: %s", c.ID), nil)
		}
		if c.Name == "" {
			c.Name = c.ID
		}
		s.characters[c.ID] = &c
		s.order = append(s.order, c.ID)
	}

	for i := range catalog.Scenes {
		sc := catalog.Scenes[i]
		if sc.ID == "" {
			return nil, apperrors.NewValidationError("场景缺少ID", nil)
		}
		if _, exists := s.scenes[sc.ID]; exists {
			return nil, apperrors.NewValidationError(fmt.Sprintf("场景ID重复: %s", sc.ID), nil)
		}
		for _, cid := range sc.CharacterIDs {
			if _, ok := s.characters[cid]; !ok {
				return nil, apperrors.NewValidationError(fmt.Sprintf("场景 %s 引用了未知角色 %s", sc.ID, cid), nil)
			}
		}
		s.scenes[sc.ID] = &sc
		s.sceneOrder = append(s.sceneOrder, sc.ID)
	}
	return s, nil
}

// UserName 用户在提示词中的名字
func (s *CatalogService) UserName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userName
}

// Character 按ID查找角色
func (s *CatalogService) Character(id string) (*models.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.characters[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("角色不存在: "+id, nil)
	}
	copied := *c
	return &copied, nil
}

// Scene 按ID查找场景
func (s *CatalogService) Scene(id string) (*models.Scene, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scenes[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("场景不存在: "+id, nil)
	}
	copied := *sc
	return &copied, nil
}

// Characters 按目录顺序返回所有角色
func (s *CatalogService) Characters() []models.Character {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Character, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.characters[id])
	}
	return out
}

// Scenes 按目录顺序返回所有场景
func (s *CatalogService) Scenes() []models.Scene {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Scene, 0, len(s.sceneOrder))
	for _, id := range s.sceneOrder {
		out = append(out, *s.scenes[id])
	}
	return out
}

// GlobalLore 全局记忆条目
func (s *CatalogService) GlobalLore() []models.LoreEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.LoreEntry(nil), s.globalLore...)
}

// SceneCharacters 场景中出现的角色ID；场景为空时返回全部角色
func (s *CatalogService) SceneCharacters(sceneID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sc, ok := s.scenes[sceneID]; ok {
		return append([]string(nil), sc.CharacterIDs...)
	}
	return append([]string(nil), s.order...)
}
