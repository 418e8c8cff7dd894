package services

import (
	"strings"
	"testing"

	"github.com/Corphon/SceneWeaver/internal/config"
	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/llm"
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/prompt"
	"github.com/Corphon/SceneWeaver/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var plainTemplate = prompt.Template{
	Name:              "plain",
	SystemSuffix:      "\n",
	InstructionPrefix: "[I]\n",
	InstructionSuffix: "\n",
	ResponsePrefix:    "[R]\n",
	ResponseSuffix:    "\n",
	Stop:              []string{"[I]"},
}

func testSettings() config.ContextSettings {
	return config.ContextSettings{
		MemorySize:  30,
		TokenBudget: 2048,
		TokenOffset: 10,
		ScanDepth:   3,
		Template:    "plain",
	}
}

func newTestBuilder(t *testing.T, opts ...ContextBuilderOption) (*ContextBuilder, *utils.MetricsCollector) {
	t.Helper()
	catalog, err := NewCatalogService("")
	require.NoError(t, err)

	collector := utils.NewMetricsCollector()
	base := []ContextBuilderOption{
		WithContextSettings(testSettings),
		WithBuilderLogger(quietLogger()),
		WithBuilderMetrics(utils.NewEngineMetrics(collector, quietLogger())),
	}
	templates := prompt.Set{"plain": plainTemplate, "alpaca": prompt.DefaultTemplates()["alpaca"]}
	return NewContextBuilder(catalog, templates, append(base, opts...)...), collector
}

func TestBuildRendersRolesAndReactionLabels(t *testing.T) {
	b, collector := newTestBuilder(t)
	s := newTestSession()
	require.NoError(t, submitAndComplete(s, "Hello {{char}}",
		say("oren", "loud", "Ahoy!"),
		say("mira", "happy", "Hi {{user}}."),
	))
	require.NoError(t, submitAndComplete(s, "How are you?", say("mira", "", "Tired.")))

	w, err := b.BuildForSession(s, ContextRequest{CharacterID: "mira"})
	require.NoError(t, err)

	assert.Equal(t, "lighthouse", w.SceneID)
	assert.Equal(t, []prompt.Line{
		{Role: models.RoleInstruction, Text: "Traveler: Hello Mira"},
		{Role: models.RoleInstruction, Text: "Oren: Ahoy!"},
		{Role: models.RoleResponse, Text: "Mira's reaction: happy"},
		{Role: models.RoleResponse, Text: "Mira: Hi Traveler."},
		{Role: models.RoleInstruction, Text: "Traveler: How are you?"},
		{Role: models.RoleResponse, Text: "Mira's reaction: neutral"},
		{Role: models.RoleResponse, Text: "Mira: Tired."},
	}, w.Lines)

	assert.Contains(t, w.Prompt, "[I]\nTraveler: Hello Mira\nOren: Ahoy!\n[R]\nMira's reaction: happy\nMira: Hi Traveler.\n")
	assert.True(t, strings.HasSuffix(w.Prompt, "[R]\nMira's reaction:"))
	assert.NotContains(t, w.Prompt, "{{char}}")
	assert.NotContains(t, w.Prompt, "{{user}}")
	assert.Equal(t, []string{"[I]", "Traveler:"}, w.StopSequences)
	assert.Equal(t, int64(1), collector.GetCounterValue("context_builds_total"))
}

func TestBuildTokenAccounting(t *testing.T) {
	counter := llm.TokenizerFunc(func(text string) int { return len(text) })
	b, _ := newTestBuilder(t, WithTokenizer(counter))
	s := newTestSession()
	require.NoError(t, submitAndComplete(s, "Hello", say("mira", "", "Hi")))

	w, err := b.BuildForSession(s, ContextRequest{CharacterID: "mira", TokenBudget: 100000})
	require.NoError(t, err)

	assert.Equal(t, len(w.Prompt)+10, w.TotalTokens)
	assert.Equal(t, 100000-w.TotalTokens, w.MaxNewTokens)
	assert.False(t, w.OverBudget)
}

func TestBuildOverBudgetIsNotTruncated(t *testing.T) {
	b, collector := newTestBuilder(t)
	s := newTestSession()
	for i := 0; i < 10; i++ {
		require.NoError(t, submitAndComplete(s, strings.Repeat("word ", 20), say("mira", "", strings.Repeat("reply ", 20))))
	}

	w, err := b.BuildForSession(s, ContextRequest{CharacterID: "mira", TokenBudget: 50})
	require.NoError(t, err)

	assert.True(t, w.OverBudget)
	assert.Greater(t, w.TotalTokens, 50)
	assert.Zero(t, w.MaxNewTokens)
	assert.Equal(t, 20, w.HistoryLines)
	assert.Equal(t, 10, strings.Count(w.Prompt, "Mira: reply"))
	assert.Equal(t, int64(1), collector.GetCounterValue("context_over_budget_total"))
}

func TestBuildLineCapAppliesBeforeRendering(t *testing.T) {
	b, _ := newTestBuilder(t)
	s := newTestSession()
	for _, q := range []string{"one", "two", "three"} {
		require.NoError(t, submitAndComplete(s, q, say("mira", "", "re "+q)))
	}

	w, err := b.BuildForSession(s, ContextRequest{CharacterID: "mira", MaxLines: 3})
	require.NoError(t, err)

	assert.Equal(t, 3, w.HistoryLines)
	assert.NotContains(t, w.Prompt, "Traveler: one")
	assert.NotContains(t, w.Prompt, "Traveler: two")
	assert.Contains(t, w.Prompt, "Mira: re two")
	assert.Contains(t, w.Prompt, "Traveler: three")
	assert.Contains(t, w.Prompt, "Mira: re three")
}

func TestBuildInjectsMemoryEntries(t *testing.T) {
	b, _ := newTestBuilder(t)
	s := newTestSession()
	require.NoError(t, submitAndComplete(s, "Is the lamp lit? The storm and thunder worry me.",
		say("oren", "", "My boat is safe, and the village harbour too."),
	))

	w, err := b.BuildForSession(s, ContextRequest{CharacterID: "mira", MaxLines: 1})
	require.NoError(t, err)

	require.Len(t, w.MemoryEntries, 3)
	ids := []string{w.MemoryEntries[0].ID, w.MemoryEntries[1].ID, w.MemoryEntries[2].ID}
	// storm 与 village 各命中两次，同分时按候选优先级：场景、在场角色、全局
	assert.Equal(t, []string{"storm", "village", "mira-lamp"}, ids)
	assert.Equal(t, 1, w.HistoryLines)

	memoryAt := strings.Index(w.Prompt, "Storms on the northern cliffs")
	exampleAt := strings.Index(w.Prompt, "Traveler: Does the light ever go out?")
	require.GreaterOrEqual(t, memoryAt, 0)
	require.GreaterOrEqual(t, exampleAt, 0)
	assert.Less(t, memoryAt, exampleAt)
}

func TestBuildMemoryScanDepth(t *testing.T) {
	s := newTestSession()
	require.NoError(t, submitAndComplete(s, "Hello", say("mira", "", "The storm is coming.")))
	require.NoError(t, submitAndComplete(s, "What now?", say("mira", "", "We wait.")))

	shallow := testSettings()
	shallow.ScanDepth = 1
	b, _ := newTestBuilder(t, WithContextSettings(func() config.ContextSettings { return shallow }))
	w, err := b.BuildForSession(s, ContextRequest{CharacterID: "mira"})
	require.NoError(t, err)
	assert.Empty(t, w.MemoryEntries)

	b, _ = newTestBuilder(t)
	w, err = b.BuildForSession(s, ContextRequest{CharacterID: "mira"})
	require.NoError(t, err)
	require.Len(t, w.MemoryEntries, 1)
	assert.Equal(t, "storm", w.MemoryEntries[0].ID)
}

func TestBuildZeroCharacterResponseKeepsInteraction(t *testing.T) {
	b, _ := newTestBuilder(t)
	s := newTestSession()
	require.NoError(t, submitAndComplete(s, "Anyone?"))
	require.NoError(t, submitAndComplete(s, "Hello?", say("oren", "", ""), say("mira", "", "Yes.")))

	w, err := b.BuildForSession(s, ContextRequest{CharacterID: "mira"})
	require.NoError(t, err)

	assert.Equal(t, []prompt.Line{
		{Role: models.RoleInstruction, Text: "Traveler: Anyone?"},
		{Role: models.RoleInstruction, Text: "Traveler: Hello?"},
		{Role: models.RoleResponse, Text: "Mira's reaction: neutral"},
		{Role: models.RoleResponse, Text: "Mira: Yes."},
	}, w.Lines)
	assert.NotContains(t, w.Prompt, "Oren:")
}

func TestBuildWithoutSceneUsesCharacterLoreOnly(t *testing.T) {
	b, _ := newTestBuilder(t)
	s := NewSession("s2", "", nil, WithIDGenerator(seqIDs()), WithLogger(quietLogger()))
	require.NoError(t, submitAndComplete(s, "storm lamp boat", say("mira", "", "ok")))

	w, err := b.BuildForSession(s, ContextRequest{CharacterID: "mira"})
	require.NoError(t, err)
	assert.Empty(t, w.SceneID)
	require.Len(t, w.MemoryEntries, 1)
	assert.Equal(t, "mira-lamp", w.MemoryEntries[0].ID)
	assert.NotContains(t, w.Prompt, "Scenario:")
}

func TestBuildErrors(t *testing.T) {
	b, _ := newTestBuilder(t)
	s := newTestSession()

	_, err := b.BuildForSession(s, ContextRequest{CharacterID: "nobody"})
	assert.True(t, apperrors.IsNotFoundError(err))

	_, err = b.BuildForSession(s, ContextRequest{CharacterID: "mira", SceneID: "nowhere"})
	assert.True(t, apperrors.IsNotFoundError(err))

	_, err = b.BuildForSession(s, ContextRequest{CharacterID: "mira", Template: "missing"})
	assert.True(t, apperrors.IsValidationError(err))
}

func TestBuildWithAlpacaTemplate(t *testing.T) {
	b, _ := newTestBuilder(t)
	s := newTestSession()
	require.NoError(t, submitAndComplete(s, "Hello", say("mira", "calm", "Hi")))

	w, err := b.BuildForSession(s, ContextRequest{CharacterID: "mira", Template: "alpaca"})
	require.NoError(t, err)
	assert.Equal(t, "alpaca", w.TemplateName)
	assert.Contains(t, w.Prompt, "### Instruction:\nTraveler: Hello\n\n### Response:\nMira's reaction: calm\nMira: Hi\n\n")
	assert.True(t, strings.HasSuffix(w.Prompt, "### Response:\nMira's reaction:"))
}

func TestContextWindowCompletionRequest(t *testing.T) {
	w := &ContextWindow{CharacterID: "mira", Prompt: "p", MaxNewTokens: 42, StopSequences: []string{"x"}}
	req := w.CompletionRequest("hello", nil)
	assert.Equal(t, llm.CompletionRequest{
		Prompt:       "p",
		MaxTokens:    42,
		StopWords:    []string{"x"},
		CharacterIDs: []string{"mira"},
		Query:        "hello",
	}, req)
}
