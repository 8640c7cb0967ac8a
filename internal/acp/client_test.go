package acp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hdinguyen/mesh-sdk/internal/acp"
)

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ping", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := acp.New(srv.URL, "secret")
	require.True(t, c.Ping(context.Background()))
}

func TestPingFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	require.False(t, acp.New(srv.URL, "secret").Ping(context.Background()))
	require.False(t, acp.New("http://127.0.0.1:1", "secret").Ping(context.Background()))
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"ok", http.StatusOK, false},
		{"not found is reachable", http.StatusNotFound, false},
		{"server error", http.StatusInternalServerError, true},
		{"unauthorized", http.StatusUnauthorized, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/agents", r.URL.Path)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := acp.New(srv.URL, "secret").Verify(context.Background())
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestVerifyUnreachable(t *testing.T) {
	err := acp.New("http://127.0.0.1:1", "secret").Verify(context.Background())
	require.Error(t, err)
}

func TestRunSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/runs", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "echo", body["agent_name"])
		require.Equal(t, "sync", body["mode"])

		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"output": []map[string]any{
				{"parts": []map[string]string{{"content": "hello back"}}},
			},
		})
	}))
	defer srv.Close()

	output, err := acp.New(srv.URL, "secret").RunSync(context.Background(), "echo", []acp.Message{acp.Text("hello")})
	require.NoError(t, err)
	require.Len(t, output, 1)
	require.Equal(t, "hello back", output[0].Parts[0].Content)
}

func TestRunSyncNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := acp.New(srv.URL, "secret").RunSync(context.Background(), "echo", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

func TestRunJSONParsesObjectOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Input []acp.Message `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		// The engine convention: one text part carrying a JSON object.
		var input map[string]any
		require.NoError(t, json.Unmarshal([]byte(body.Input[0].Parts[0].Content), &input))
		require.Equal(t, "hello", input["query"])

		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"output": []map[string]any{
				{"parts": []map[string]string{{"content": `{"answer": 42}`}}},
			},
		})
	}))
	defer srv.Close()

	out, err := acp.New(srv.URL, "secret").RunJSON(context.Background(), "echo", map[string]any{"query": "hello"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"answer": float64(42)}, out)
}

func TestRunJSONWrapsPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"output": []map[string]any{
				{"parts": []map[string]string{{"content": "just some prose"}}},
			},
		})
	}))
	defer srv.Close()

	out, err := acp.New(srv.URL, "secret").RunJSON(context.Background(), "echo", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"content": "just some prose"}, out)
}

func TestRunJSONEmptyOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"output": []any{}}) //nolint:errcheck
	}))
	defer srv.Close()

	out, err := acp.New(srv.URL, "secret").RunJSON(context.Background(), "echo", nil)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestNoAuthHeaderWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.True(t, acp.New(srv.URL, "").Ping(context.Background()))
}
