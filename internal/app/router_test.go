package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/familyhub/familyhub/internal/rbac"
)

type engineEnv struct {
	engine   *Engine
	handler  http.Handler
	adminID  uuid.UUID
	familyID uuid.UUID
}

func newEngineEnv(t *testing.T) *engineEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := validConfig()
	cfg.CacheL1Shards = 4
	cfg.CacheErrorWindow = time.Minute
	cfg.CacheInvalidationChannel = "authz.invalidate"

	ctx, cancel := context.WithCancel(context.Background())
	engine, err := NewEngine(ctx, &cfg, nil, EngineOptions{Redis: redis.NewClient(&redis.Options{Addr: mr.Addr()})})
	require.NoError(t, err)
	require.NotNil(t, engine.Memory)

	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx, ready) }()
	<-ready
	t.Cleanup(func() {
		cancel()
		<-done
		_ = engine.Close(context.Background())
	})

	env := &engineEnv{engine: engine, adminID: uuid.New(), familyID: uuid.New()}
	adminRole := engine.Memory.AddRole(rbac.RoleSystemAdmin, "system admin")
	_, err = engine.Memory.CreateAssignment(ctx, rbac.Assignment{
		UserID: env.adminID, RoleID: adminRole.ID, GrantedBy: env.adminID,
		ValidFrom: time.Now().Add(-time.Hour), Scopes: []rbac.Scope{rbac.GlobalScope()}, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	env.handler = NewEngineRouter(engine, nil, nil)
	return env
}

func (e *engineEnv) request(method, path, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func TestRouterHealthAndSecurityHeaders(t *testing.T) {
	env := newEngineEnv(t)
	rr := env.request(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func TestRouterCheckUsesIdentityHeader(t *testing.T) {
	env := newEngineEnv(t)
	body := `{"action":"calendar.read","resourceId":"` + env.familyID.String() + `","resourceType":"family"}`

	rr := env.request(http.MethodPost, "/authz/check", env.adminID.String(), body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var d rbac.Decision
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	assert.True(t, d.Allowed)

	rr = env.request(http.MethodPost, "/authz/check", "", body)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.request(http.MethodPost, "/authz/check", "not-a-uuid", body)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// The repeat is answered from L1.
	rr = env.request(http.MethodPost, "/authz/check", env.adminID.String(), body)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, env.engine.Tier.Metrics().L1Hits)
}

func TestRouterMetricsAndAudit(t *testing.T) {
	env := newEngineEnv(t)
	body := `{"action":"task.read","resourceId":"` + env.familyID.String() + `","resourceType":"family"}`
	require.Equal(t, http.StatusOK, env.request(http.MethodPost, "/authz/check", env.adminID.String(), body).Code)

	rr := env.request(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "familyhub_authz_decisions_total")
	assert.Contains(t, rr.Body.String(), "familyhub_http_requests_total")

	require.NoError(t, env.engine.Emitter.Close(context.Background()))
	rr = env.request(http.MethodGet, "/authz/audit", env.adminID.String(), "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"rows"`)

	rr = env.request(http.MethodGet, "/authz/audit", uuid.NewString(), "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestEngineWithoutRedisRunsLocally(t *testing.T) {
	cfg := validConfig()
	cfg.CacheL2Enabled = false
	engine, err := NewEngine(context.Background(), &cfg, nil, EngineOptions{})
	require.NoError(t, err)
	defer func() { _ = engine.Close(context.Background()) }()
	assert.Nil(t, engine.Redis)
	assert.Equal(t, "disabled", string(engine.Tier.Health(context.Background()).L2.Status))
}
