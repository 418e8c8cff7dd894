package services

import (
	"testing"

	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/stretchr/testify/assert"
)

func loreIDs(entries []models.LoreEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func TestKeywordLorebookRanking(t *testing.T) {
	candidates := []models.LoreEntry{
		{ID: "a", Keys: []string{"tower"}},
		{ID: "b", Keys: []string{"Storm", "rain"}},
		{ID: "c", Keys: []string{"boat"}},
		{ID: "d", Keys: []string{"lamp"}},
		{ID: "e", Keys: []string{"  "}},
	}
	found := NewKeywordLorebook().FindEntries(
		[]string{"The STORM brings rain.", "A lamp in the tower", "the lamp flickers"},
		candidates,
	)
	assert.Equal(t, []string{"b", "d", "a"}, loreIDs(found))
}

func TestKeywordLorebookNoInput(t *testing.T) {
	k := NewKeywordLorebook()
	assert.Empty(t, k.FindEntries(nil, []models.LoreEntry{{ID: "a", Keys: []string{"x"}}}))
	assert.Empty(t, k.FindEntries([]string{"x"}, nil))
	assert.Empty(t, k.FindEntries([]string{"nothing here"}, []models.LoreEntry{{ID: "a", Keys: []string{"x"}}}))
}

func TestMergeLoreCandidatesKeepsFirstByPriority(t *testing.T) {
	merged := mergeLoreCandidates(
		[]models.LoreEntry{{ID: "scene", Content: "s"}, {ID: "shared", Content: "from scene"}},
		[]models.LoreEntry{{ID: "shared", Content: "from character"}, {Content: "anon"}},
		[]models.LoreEntry{{Content: "anon"}, {ID: "global"}},
	)
	assert.Equal(t, []string{"scene", "shared", "", "global"}, loreIDs(merged))
	assert.Equal(t, "from scene", merged[1].Content)
}
