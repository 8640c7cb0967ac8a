package api_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hdinguyen/mesh-sdk/internal/registry"
)

func TestRegisterAgent(t *testing.T) {
	fx := newFixture(t)
	srv := newFakeAgent(t)

	code, body := fx.do(t, http.MethodPost, "/platform/agents/register", registerPayload("echo", srv.URL))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "echo", body["agent_name"])
	require.Equal(t, "active", body["status"])

	agent, err := fx.reg.Get(context.Background(), "echo")
	require.NoError(t, err)
	require.Equal(t, srv.URL, agent.BaseURL)
	require.Equal(t, []string{"*/*"}, agent.InputContentTypes)
	require.True(t, fx.sup.HasProber("echo"))
}

func TestRegisterAgentMissingFields(t *testing.T) {
	fx := newFixture(t)

	for _, missing := range []string{"agent_name", "agent_type", "base_url", "auth_token", "capabilities"} {
		payload := registerPayload("echo", "http://localhost:9999")
		delete(payload, missing)

		code, body := fx.do(t, http.MethodPost, "/platform/agents/register", payload)
		require.Equal(t, http.StatusBadRequest, code, "missing %s: %v", missing, body)
	}
}

func TestRegisterAgentDuplicate(t *testing.T) {
	fx := newFixture(t)
	srv := fx.registerAgent(t, "echo")

	code, _ := fx.do(t, http.MethodPost, "/platform/agents/register", registerPayload("echo", srv.URL))
	require.Equal(t, http.StatusConflict, code)
}

func TestRegisterAgentUnreachableRollsBack(t *testing.T) {
	fx := newFixture(t)

	code, body := fx.do(t, http.MethodPost, "/platform/agents/register",
		registerPayload("ghost", "http://127.0.0.1:1"))
	require.Equal(t, http.StatusBadRequest, code)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, errObj["message"], "verification failed")

	// The record must not survive a failed verification.
	_, err := fx.reg.Get(context.Background(), "ghost")
	require.ErrorIs(t, err, registry.ErrNotFound)
	require.False(t, fx.sup.HasProber("ghost"))
}

func TestRegisterReplacesStaleRecordAfterRestart(t *testing.T) {
	fx := newFixture(t)
	srv := newFakeAgent(t)

	// A record without a prober predates this process.
	require.NoError(t, fx.reg.Register(context.Background(), &registry.Agent{
		AgentName:    "echo",
		AgentType:    "worker",
		BaseURL:      "http://old-host:9999",
		AuthToken:    "stale",
		Capabilities: []string{"echo"},
	}))
	require.False(t, fx.sup.HasProber("echo"))

	code, _ := fx.do(t, http.MethodPost, "/platform/agents/register", registerPayload("echo", srv.URL))
	require.Equal(t, http.StatusOK, code)

	agent, err := fx.reg.Get(context.Background(), "echo")
	require.NoError(t, err)
	require.Equal(t, srv.URL, agent.BaseURL)
	require.True(t, fx.sup.HasProber("echo"))
}

func TestDeleteAgent(t *testing.T) {
	fx := newFixture(t)
	fx.registerAgent(t, "echo")

	code, body := fx.do(t, http.MethodDelete, "/platform/agents/echo", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "echo", body["agent_name"])
	require.False(t, fx.sup.HasProber("echo"))

	code, _ = fx.do(t, http.MethodDelete, "/platform/agents/echo", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestCleanup(t *testing.T) {
	fx := newFixture(t)
	fx.registerAgent(t, "alpha")
	fx.registerAgent(t, "beta")

	code, body := fx.do(t, http.MethodDelete, "/platform/agents/cleanup", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(2), body["deleted_count"])
	require.False(t, fx.sup.HasProber("alpha"))
	require.False(t, fx.sup.HasProber("beta"))

	code, body = fx.do(t, http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, body["agents"])
}

func TestListAgentsOmitsSecrets(t *testing.T) {
	fx := newFixture(t)
	fx.registerAgent(t, "echo")

	code, body := fx.do(t, http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, code)

	agents, ok := body["agents"].([]any)
	require.True(t, ok)
	require.Len(t, agents, 1)

	summary := agents[0].(map[string]any)
	require.Equal(t, "echo", summary["name"])
	require.Equal(t, "1.0.0", summary["version"])
	require.NotContains(t, summary, "auth_token")
	require.NotContains(t, summary, "base_url")
}

func TestAgentManifest(t *testing.T) {
	fx := newFixture(t)
	fx.registerAgent(t, "echo")

	code, body := fx.do(t, http.MethodGet, "/agents/echo", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "echo", body["name"])
	require.Equal(t, "active", body["status"])
	require.NotEmpty(t, body["last_verified"])
	require.NotContains(t, body, "auth_token")
}

func TestAgentManifestNotFound(t *testing.T) {
	fx := newFixture(t)

	code, _ := fx.do(t, http.MethodGet, "/agents/ghost", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestHealthz(t *testing.T) {
	fx := newFixture(t)

	code, body := fx.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])
}
