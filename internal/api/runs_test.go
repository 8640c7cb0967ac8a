package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateRun(t *testing.T) {
	fx := newFixture(t)
	fx.registerAgent(t, "echo")

	code, body := fx.do(t, http.MethodPost, "/runs", map[string]any{
		"agent": "echo",
		"input": []map[string]string{{"content": "hello"}},
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "completed", body["status"])
	require.NotEmpty(t, body["run_id"])
	require.NotEmpty(t, body["created_at"])

	output, ok := body["output"].([]any)
	require.True(t, ok)
	require.Len(t, output, 1)
	require.Equal(t, "hello", output[0].(map[string]any)["content"])
}

func TestCreateRunPlainStringInput(t *testing.T) {
	fx := newFixture(t)
	fx.registerAgent(t, "echo")

	code, body := fx.do(t, http.MethodPost, "/runs", map[string]any{
		"agent": "echo",
		"input": []string{"plain text"},
	})
	require.Equal(t, http.StatusOK, code)

	output := body["output"].([]any)
	require.Equal(t, "plain text", output[0].(map[string]any)["content"])
}

func TestCreateRunMissingFields(t *testing.T) {
	fx := newFixture(t)

	code, _ := fx.do(t, http.MethodPost, "/runs", map[string]any{"agent": "echo"})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = fx.do(t, http.MethodPost, "/runs", map[string]any{"input": []string{"x"}})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestCreateRunAgentNotFound(t *testing.T) {
	fx := newFixture(t)

	code, _ := fx.do(t, http.MethodPost, "/runs", map[string]any{
		"agent": "ghost",
		"input": []string{"x"},
	})
	require.Equal(t, http.StatusNotFound, code)
}

func TestCreateRunAgentFailure(t *testing.T) {
	fx := newFixture(t)

	// An agent that verifies fine but fails every run.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping", "/agents":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)

	code, _ := fx.do(t, http.MethodPost, "/platform/agents/register", registerPayload("broken", srv.URL))
	require.Equal(t, http.StatusOK, code)

	code, body := fx.do(t, http.MethodPost, "/runs", map[string]any{
		"agent": "broken",
		"input": []string{"x"},
	})
	require.Equal(t, http.StatusInternalServerError, code)
	require.Equal(t, "failed", body["status"])
	require.NotEmpty(t, body["run_id"])
	require.NotEmpty(t, body["error"])
}

func TestRunStatusAndCancelStubs(t *testing.T) {
	fx := newFixture(t)

	code, body := fx.do(t, http.MethodGet, "/runs/some-id", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "some-id", body["run_id"])

	code, body = fx.do(t, http.MethodPost, "/runs/some-id/cancel", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "cancelled", body["status"])
}

func TestCreateRunEmptyAgentOutput(t *testing.T) {
	fx := newFixture(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping", "/agents":
			w.WriteHeader(http.StatusOK)
		case "/runs":
			json.NewEncoder(w).Encode(map[string]any{"output": []any{}}) //nolint:errcheck
		}
	}))
	t.Cleanup(srv.Close)

	code, _ := fx.do(t, http.MethodPost, "/platform/agents/register", registerPayload("quiet", srv.URL))
	require.Equal(t, http.StatusOK, code)

	code, body := fx.do(t, http.MethodPost, "/runs", map[string]any{
		"agent": "quiet",
		"input": []string{"x"},
	})
	require.Equal(t, http.StatusOK, code)

	output := body["output"].([]any)
	require.Len(t, output, 1)
	require.Equal(t, "No output from agent", output[0].(map[string]any)["content"])
}
