package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Corphon/SceneWeaver/internal/config"
	"github.com/Corphon/SceneWeaver/internal/di"
	"github.com/Corphon/SceneWeaver/internal/llm"
	"github.com/Corphon/SceneWeaver/internal/prompt"
	"github.com/Corphon/SceneWeaver/internal/services"
	"github.com/Corphon/SceneWeaver/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	router   *gin.Engine
	handler  *Handler
	sessions *services.SessionManager
	metrics  *utils.EngineMetrics
}

// newTestAPI 组装与 app 相同的容器；transport 为空时模拟外部传输
func newTestAPI(t *testing.T, transport llm.Transport) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	config.InitConfig(&config.AppConfig{Port: "0", DebugMode: true, Context: config.DefaultContextSettings()})

	logger := utils.NewLogger(io.Discard, utils.ERROR)
	metrics := utils.NewEngineMetrics(utils.NewMetricsCollector(), logger)
	catalog, err := services.NewCatalogService("")
	require.NoError(t, err)
	templates := prompt.DefaultTemplates()
	builder := services.NewContextBuilder(catalog, templates,
		services.WithBuilderMetrics(metrics),
		services.WithBuilderLogger(logger),
	)
	sessions := services.NewSessionManager(0, logger, metrics)

	container := di.NewContainer()
	container.Register(di.ServiceLogger, logger)
	container.Register(di.ServiceMetrics, metrics)
	container.Register(di.ServiceCatalog, catalog)
	container.Register(di.ServiceTemplates, templates)
	container.Register(di.ServiceBuilder, builder)
	container.Register(di.ServiceSessions, sessions)
	if transport != nil {
		generation := services.NewGenerationService(builder, catalog, transport, logger, metrics)
		container.Register(di.ServiceGeneration, generation)
		t.Cleanup(generation.Close)
	}

	router, handler, err := SetupRouter(container)
	require.NoError(t, err)
	t.Cleanup(func() {
		handler.Close()
		sessions.Close()
	})
	return &testAPI{router: router, handler: handler, sessions: sessions, metrics: metrics}
}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *APIError       `json:"error"`
	RequestID string          `json:"request_id"`
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, headers ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

// createSession 在 lighthouse 场景下创建会话并返回其ID
func (a *testAPI) createSession(t *testing.T) string {
	t.Helper()
	w, env := a.do(t, http.MethodPost, "/api/sessions", CreateSessionRequest{SceneID: "lighthouse"})
	require.Equal(t, http.StatusCreated, w.Code)
	state := decode[services.SessionState](t, env.Data)
	return state.ID
}
