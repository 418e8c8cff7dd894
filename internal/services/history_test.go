package services

import (
	"testing"

	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearHistoryEmptyRoot(t *testing.T) {
	s := newTestSession()
	assert.Empty(t, s.LinearHistory())
}

func TestLinearHistoryIncludesOpeningText(t *testing.T) {
	s := newTestSession(say("mira", "calm", "Welcome."))
	history := s.LinearHistory()
	require.Len(t, history, 1)
	assert.True(t, history[0].Response.IsRoot())

	require.NoError(t, submitAndComplete(s, "Hello", say("mira", "", "Hi")))
	history = s.LinearHistory()
	require.Len(t, history, 3)
	assert.Equal(t, "Welcome.", history[2].Response.Characters[0].Text)
}

func TestLinearHistorySkipsFetchingResponse(t *testing.T) {
	s := newTestSession()
	require.NoError(t, submitAndComplete(s, "one", say("mira", "", "1")))
	require.NoError(t, s.StartInteraction("two", ""))
	require.NoError(t, s.SucceedInteraction([]models.CharacterPayload{say("mira", "", "partial")}, nil, false))

	history := s.LinearHistory()
	require.Len(t, history, 3)
	assert.Equal(t, models.NodeInteraction, history[0].Kind)
	assert.Equal(t, "two", history[0].Interaction.Query)
	assert.Equal(t, "1", history[1].Response.Characters[0].Text)
}

func TestLinearHistoryFilteredRoles(t *testing.T) {
	s := newTestSession()
	require.NoError(t, submitAndComplete(s, "Hello all",
		say("oren", "loud", "Ahoy!"),
		say("mira", "calm", "Good evening."),
		say("ghost", "", ""),
	))

	items := s.LinearHistoryFiltered("mira")
	require.Len(t, items, 2)

	assert.Equal(t, []models.HistoryLine{{Role: models.RoleInstruction, Text: "Hello all"}}, items[1].Lines)
	assert.Equal(t, []models.HistoryLine{
		{Role: models.RoleInstruction, CharacterID: "oren", Emotion: "loud", Text: "Ahoy!"},
		{Role: models.RoleResponse, CharacterID: "mira", Emotion: "calm", Text: "Good evening."},
	}, items[0].Lines)

	// 目标角色不在回复中时，其它角色都是 instruction
	for _, l := range s.LinearHistoryFiltered("nobody")[0].Lines {
		assert.Equal(t, models.RoleInstruction, l.Role)
	}
}

func TestLinearHistoryFilteredZeroCharacterResponse(t *testing.T) {
	s := newTestSession()
	require.NoError(t, submitAndComplete(s, "Anyone there?"))

	items := s.LinearHistoryFiltered("mira")
	require.Len(t, items, 2)
	assert.Empty(t, items[0].Lines)
	assert.Len(t, items[1].Lines, 1)
}

func TestLastSettledResponse(t *testing.T) {
	s := newTestSession()
	root := s.Cursor()

	assert.Equal(t, root, s.LastSettledResponse().ID)

	require.NoError(t, s.StartInteraction("Hello", ""))
	assert.Equal(t, root, s.LastSettledResponse().ID, "first turn in flight falls back to the parent")

	require.NoError(t, s.SucceedInteraction([]models.CharacterPayload{say("mira", "", "Hi")}, nil, true))
	first := s.Cursor()
	assert.Equal(t, first, s.LastSettledResponse().ID)

	require.NoError(t, s.StartRegeneration())
	settled := s.LastSettledResponse()
	assert.Equal(t, first, settled.ID, "regeneration in flight shows the previous answer")
	assert.Equal(t, "Hi", settled.Characters[0].Text)
}

func TestLastSettledResponseAfterSwipeBack(t *testing.T) {
	s := newTestSession()
	require.NoError(t, submitAndComplete(s, "Hello", say("mira", "", "A")))
	first := s.Cursor()

	require.NoError(t, s.StartRegeneration())
	require.NoError(t, s.SucceedInteraction([]models.CharacterPayload{say("mira", "", "B")}, nil, true))
	second := s.Cursor()
	require.NotEqual(t, first, second)

	require.NoError(t, s.SwipeToResponse(first))
	require.NoError(t, s.StartRegeneration())

	settled := s.LastSettledResponse()
	require.NotNil(t, settled)
	assert.Equal(t, first, settled.ID, "shows the answer that was on screen before regenerating")
	assert.Equal(t, "A", settled.Characters[0].Text)

	// 回滚后恢复的也是同一个答案
	require.True(t, s.FailInteraction())
	assert.Equal(t, first, s.Cursor())
	assert.Equal(t, first, s.LastSettledResponse().ID)
}

func TestLastSettledResponseIgnoresStalePrevious(t *testing.T) {
	s := newTestSession()
	require.NoError(t, submitAndComplete(s, "Hello", say("mira", "", "A")))
	first := s.Cursor()
	require.NoError(t, s.StartRegeneration())

	// previous 不属于当前交互时退回最近的未选中兄弟
	settled := LastSettledResponse(s.Snapshot(), "missing")
	require.NotNil(t, settled)
	assert.Equal(t, first, settled.ID)
}

func TestLastCharacterState(t *testing.T) {
	s := newTestSession()
	_, ok := s.LastCharacterState("mira")
	assert.False(t, ok)

	require.NoError(t, submitAndComplete(s, "one", models.CharacterPayload{CharacterID: "mira", Emotion: "sad", Pose: "sitting", Text: "..."}))
	require.NoError(t, submitAndComplete(s, "two", say("oren", "happy", "Ha!"), say("mira", "angry", "")))

	state, ok := s.LastCharacterState("mira")
	require.True(t, ok)
	assert.Equal(t, "sad", state.Emotion)
	assert.Equal(t, "sitting", state.Pose)

	state, ok = s.LastCharacterState("oren")
	require.True(t, ok)
	assert.Equal(t, "happy", state.Emotion)
}

func TestOldestFirst(t *testing.T) {
	s := newTestSession()
	require.NoError(t, submitAndComplete(s, "one", say("mira", "", "1")))
	require.NoError(t, submitAndComplete(s, "two", say("mira", "", "2")))

	items := OldestFirst(s.LinearHistory())
	require.Len(t, items, 4)
	assert.Equal(t, "one", items[0].Interaction.Query)
	assert.Equal(t, "2", items[3].Response.Characters[0].Text)
}
