package api

import (
	"net/http"
	"testing"

	"github.com/Corphon/SceneWeaver/internal/llm"
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pendingData struct {
	SessionID  string `json:"session_id"`
	ResponseID string `json:"response_id"`
	Stream     string `json:"stream"`
}

type historyData struct {
	Cursor string `json:"cursor"`
	Count  int    `json:"count"`
	Items  []struct {
		Kind  models.NodeKind `json:"kind"`
		Lines []struct {
			Role        string `json:"role"`
			CharacterID string `json:"character_id"`
			Text        string `json:"text"`
		} `json:"lines"`
	} `json:"items"`
}

func TestExternalTransportTurn(t *testing.T) {
	a := newTestAPI(t, nil)
	id := a.createSession(t)

	w, env := a.do(t, http.MethodPost, "/api/sessions/"+id+"/interactions", SubmitRequest{Query: "is the storm coming"})
	require.Equal(t, http.StatusAccepted, w.Code)
	pending := decode[pendingData](t, env.Data)
	assert.Equal(t, id, pending.SessionID)
	assert.Equal(t, "/ws/sessions/"+id+"/stream", pending.Stream)

	_, env = a.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	state := decode[services.SessionState](t, env.Data)
	assert.True(t, state.InputDisabled)
	assert.Equal(t, pending.ResponseID, state.Cursor)
	assert.True(t, state.Responses[pending.ResponseID].Fetching)

	partial := SucceedRequest{
		ResponseID: pending.ResponseID,
		Characters: []models.CharacterPayload{{CharacterID: "mira", Emotion: "worried", Text: "It"}},
	}
	w, env = a.do(t, http.MethodPost, "/api/sessions/"+id+"/responses/current", partial)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode[map[string]interface{}](t, env.Data)["fetching"])

	final := SucceedRequest{
		Characters: []models.CharacterPayload{
			{CharacterID: "mira", Emotion: "worried", Text: "It is already here."},
			{CharacterID: "oren", Text: "Pull the boats in."},
		},
		Completed: true,
	}
	w, env = a.do(t, http.MethodPost, "/api/sessions/"+id+"/responses/current", final)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode[map[string]interface{}](t, env.Data)
	assert.Equal(t, false, data["fetching"])
	assert.Equal(t, false, data["input_disabled"])

	_, env = a.do(t, http.MethodGet, "/api/sessions/"+id+"/history", nil)
	history := decode[historyData](t, env.Data)
	require.Equal(t, 2, history.Count)
	assert.Equal(t, models.NodeResponse, history.Items[0].Kind)
	assert.Equal(t, models.NodeInteraction, history.Items[1].Kind)

	_, env = a.do(t, http.MethodGet, "/api/sessions/"+id+"/history?character_id=mira&order=oldest", nil)
	history = decode[historyData](t, env.Data)
	require.Len(t, history.Items, 2)
	assert.Equal(t, models.NodeInteraction, history.Items[0].Kind)
	require.Len(t, history.Items[1].Lines, 2)
	assert.Equal(t, "response", history.Items[1].Lines[0].Role)
	assert.Equal(t, "instruction", history.Items[1].Lines[1].Role)

	_, env = a.do(t, http.MethodGet, "/api/sessions/"+id+"/settled", nil)
	settled := decode[models.Response](t, env.Data)
	assert.Equal(t, pending.ResponseID, settled.ID)

	_, env = a.do(t, http.MethodGet, "/api/sessions/"+id+"/characters/mira/state", nil)
	characterState := decode[models.CharacterState](t, env.Data)
	assert.Equal(t, "worried", characterState.Emotion)

	w, env = a.do(t, http.MethodGet, "/api/sessions/"+id+"/characters/nobody/state", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrorNoCharacterState, env.Error.Code)
}

func TestCommandErrorsMapToStatusCodes(t *testing.T) {
	a := newTestAPI(t, nil)
	id := a.createSession(t)
	base := "/api/sessions/" + id

	w, env := a.do(t, http.MethodPost, base+"/regenerate", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, ErrorInvalidOperation, env.Error.Code)

	w, env = a.do(t, http.MethodPost, base+"/interactions", SubmitRequest{Query: "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorBadRequest, env.Error.Code)

	w, _ = a.do(t, http.MethodPost, base+"/interactions", SubmitRequest{Query: "hello"})
	require.Equal(t, http.StatusAccepted, w.Code)

	w, env = a.do(t, http.MethodPost, base+"/interactions", SubmitRequest{Query: "again"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, ErrorSessionBusy, env.Error.Code)

	w, env = a.do(t, http.MethodPost, base+"/fail", nil)
	require.Equal(t, http.StatusOK, w.Code)
	failed := decode[map[string]interface{}](t, env.Data)
	assert.Equal(t, true, failed["rolled_back"])
	assert.Equal(t, "hello", failed["input"])

	w, env = a.do(t, http.MethodPost, base+"/fail", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]interface{}](t, env.Data)["rolled_back"])

	w, env = a.do(t, http.MethodPost, base+"/swipe", SwipeRequest{ResponseID: "missing"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, ErrorInvalidOperation, env.Error.Code)

	w, env = a.do(t, http.MethodPost, base+"/responses/current", SucceedRequest{Completed: true})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w, env = a.do(t, http.MethodGet, "/api/sessions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrorSessionNotFound, env.Error.Code)

	w, env = a.do(t, http.MethodPost, "/api/sessions", CreateSessionRequest{SceneID: "moon"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, env.Success)
}

func TestRegenerateAndSwipeBack(t *testing.T) {
	a := newTestAPI(t, nil)
	id := a.createSession(t)
	base := "/api/sessions/" + id

	_, env := a.do(t, http.MethodPost, base+"/interactions", SubmitRequest{Query: "hello"})
	first := decode[pendingData](t, env.Data).ResponseID
	a.do(t, http.MethodPost, base+"/responses/current", SucceedRequest{
		Characters: []models.CharacterPayload{{CharacterID: "mira", Text: "first"}},
		Completed:  true,
	})

	w, env := a.do(t, http.MethodPost, base+"/regenerate", RegenerateRequest{})
	require.Equal(t, http.StatusAccepted, w.Code)
	second := decode[pendingData](t, env.Data).ResponseID
	assert.NotEqual(t, first, second)

	// 生成中展示的仍是旧答案
	_, env = a.do(t, http.MethodGet, base+"/settled", nil)
	assert.Equal(t, first, decode[models.Response](t, env.Data).ID)

	w, env = a.do(t, http.MethodPost, base+"/swipe", SwipeRequest{ResponseID: first})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, ErrorSessionBusy, env.Error.Code)

	a.do(t, http.MethodPost, base+"/responses/current", SucceedRequest{
		Characters: []models.CharacterPayload{{CharacterID: "mira", Text: "second"}},
		Completed:  true,
	})

	w, env = a.do(t, http.MethodPost, base+"/swipe", SwipeRequest{ResponseID: first})
	require.Equal(t, http.StatusOK, w.Code)
	state := decode[services.SessionState](t, env.Data)
	assert.Equal(t, first, state.Cursor)
	assert.True(t, state.Responses[first].Selected)
	assert.False(t, state.Responses[second].Selected)
	assert.Equal(t, "second", state.Responses[second].Characters[0].Text)
}

func TestSubmitWithBuiltinTransport(t *testing.T) {
	transport, err := llm.NewEchoTransport(map[string]string{"emotion": "happy"})
	require.NoError(t, err)
	a := newTestAPI(t, transport)
	id := a.createSession(t)

	w, env := a.do(t, http.MethodPost, "/api/sessions/"+id+"/interactions", SubmitRequest{Query: "hi there", CharacterID: "oren"})
	require.Equal(t, http.StatusAccepted, w.Code)
	result := decode[map[string]interface{}](t, env.Data)
	responseID, _ := result["response_id"].(string)
	require.NotEmpty(t, responseID)
	window, _ := result["context"].(map[string]interface{})
	assert.Equal(t, "oren", window["character_id"])

	a.handler.Generation.Wait()

	_, env = a.do(t, http.MethodGet, "/api/sessions/"+id+"/settled", nil)
	settled := decode[models.Response](t, env.Data)
	assert.Equal(t, responseID, settled.ID)
	assert.False(t, settled.Fetching)
	require.Len(t, settled.Characters, 1)
	assert.Equal(t, models.CharacterPayload{CharacterID: "oren", Emotion: "happy", Text: "hi there"}, settled.Characters[0])

	_, env = a.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, "builtin", decode[map[string]interface{}](t, env.Data)["transport"])
}

func TestSucceedResponseRejectedDuringBuiltinGeneration(t *testing.T) {
	transport, err := llm.NewEchoTransport(map[string]string{"delay_ms": "60000"})
	require.NoError(t, err)
	a := newTestAPI(t, transport)
	id := a.createSession(t)
	base := "/api/sessions/" + id

	w, _ := a.do(t, http.MethodPost, base+"/interactions", SubmitRequest{Query: "slowly now"})
	require.Equal(t, http.StatusAccepted, w.Code)

	w, env := a.do(t, http.MethodPost, base+"/responses/current", SucceedRequest{
		Characters: []models.CharacterPayload{{CharacterID: "mira", Text: "intruder"}},
		Completed:  true,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, ErrorSessionBusy, env.Error.Code)

	w, _ = a.do(t, http.MethodPost, base+"/fail", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	a.handler.Generation.Wait()

	session, err := a.sessions.Get(id)
	require.NoError(t, err)
	assert.False(t, session.Fetching())
	assert.Equal(t, "slowly now", session.Input())
}

func TestCreateSessionValidatesOpening(t *testing.T) {
	a := newTestAPI(t, nil)

	cases := []struct {
		name    string
		opening []models.CharacterPayload
	}{
		{"empty character id", []models.CharacterPayload{{CharacterID: " ", Text: "Welcome."}}},
		{"duplicate character", []models.CharacterPayload{
			{CharacterID: "mira", Text: "Welcome."},
			{CharacterID: "mira", Text: "Again."},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, env := a.do(t, http.MethodPost, "/api/sessions", CreateSessionRequest{SceneID: "lighthouse", Opening: tc.opening})
			assert.Equal(t, http.StatusBadRequest, w.Code)
			require.NotNil(t, env.Error)
			assert.Equal(t, ErrorBadRequest, env.Error.Code)
		})
	}
	assert.Equal(t, 0, a.sessions.Len())

	w, env := a.do(t, http.MethodPost, "/api/sessions", CreateSessionRequest{
		SceneID: "lighthouse",
		Opening: []models.CharacterPayload{{CharacterID: "mira", Text: "Welcome."}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[services.SessionState](t, env.Data).ID
	_, env = a.do(t, http.MethodGet, "/api/sessions/"+id+"/history", nil)
	assert.Equal(t, 1, decode[historyData](t, env.Data).Count)
}

func TestBuildContextEndpoint(t *testing.T) {
	a := newTestAPI(t, nil)
	id := a.createSession(t)

	w, env := a.do(t, http.MethodPost, "/api/sessions/"+id+"/context", nil)
	require.Equal(t, http.StatusOK, w.Code)
	window := decode[map[string]interface{}](t, env.Data)
	assert.Equal(t, "mira", window["character_id"])
	assert.Equal(t, "alpaca", window["template"])
	assert.Equal(t, false, window["over_budget"])

	w, env = a.do(t, http.MethodPost, "/api/sessions/"+id+"/context", services.ContextRequest{CharacterID: "oren", Template: "chatml"})
	require.Equal(t, http.StatusOK, w.Code)
	window = decode[map[string]interface{}](t, env.Data)
	assert.Equal(t, "chatml", window["template"])
	assert.Contains(t, window["prompt"], "<|im_start|>")

	w, env = a.do(t, http.MethodPost, "/api/sessions/"+id+"/context", services.ContextRequest{CharacterID: "mira", Template: "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestContextSettingsEndpoints(t *testing.T) {
	a := newTestAPI(t, nil)

	w, env := a.do(t, http.MethodGet, "/api/settings/context", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alpaca", decode[map[string]interface{}](t, env.Data)["template"])

	w, env = a.do(t, http.MethodPut, "/api/settings/context", map[string]interface{}{"scan_depth": 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorSettingsInvalid, env.Error.Code)

	w, env = a.do(t, http.MethodPut, "/api/settings/context", map[string]interface{}{"template": "missing"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorSettingsInvalid, env.Error.Code)

	w, _ = a.do(t, http.MethodPut, "/api/settings/context", map[string]interface{}{"template": "llama3", "memory_size": 10})
	require.Equal(t, http.StatusOK, w.Code)

	_, env = a.do(t, http.MethodGet, "/api/settings/context", nil)
	settings := decode[map[string]interface{}](t, env.Data)
	assert.Equal(t, "llama3", settings["template"])
	assert.Equal(t, float64(10), settings["memory_size"])
	assert.Equal(t, float64(2048), settings["token_budget"])
}

func TestCatalogHealthAndRequestID(t *testing.T) {
	a := newTestAPI(t, nil)
	a.createSession(t)

	w, env := a.do(t, http.MethodGet, "/api/health", nil, "X-Request-ID", "req-42")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", env.RequestID)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
	health := decode[map[string]interface{}](t, env.Data)
	assert.Equal(t, "external", health["transport"])
	assert.Equal(t, float64(1), health["sessions"])

	_, env = a.do(t, http.MethodGet, "/api/catalog", nil)
	catalog := decode[struct {
		UserName  string   `json:"user_name"`
		Templates []string `json:"templates"`
	}](t, env.Data)
	assert.Equal(t, "Traveler", catalog.UserName)
	assert.Equal(t, []string{"alpaca", "chatml", "llama3", "vicuna"}, catalog.Templates)

	_, env = a.do(t, http.MethodGet, "/api/metrics", nil)
	assert.True(t, env.Success)
	assert.Positive(t, a.metrics.Collector().GetCounterValue("api_requests_total"))
}

func TestDeleteSession(t *testing.T) {
	a := newTestAPI(t, nil)
	id := a.createSession(t)

	w, _ := a.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, a.sessions.Len())

	w, _ = a.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
