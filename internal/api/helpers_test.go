package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hdinguyen/mesh-sdk/internal/api"
	"github.com/hdinguyen/mesh-sdk/internal/flow"
	"github.com/hdinguyen/mesh-sdk/internal/metrics"
	"github.com/hdinguyen/mesh-sdk/internal/registry"
	"github.com/hdinguyen/mesh-sdk/internal/store"
	"github.com/hdinguyen/mesh-sdk/internal/supervisor"
)

// fakeInvoker echoes {"from": <agent>} unless told to fail.
type fakeInvoker struct {
	failing map[string]bool
}

func (f *fakeInvoker) Ping(context.Context, *registry.Agent) bool { return true }

func (f *fakeInvoker) Run(_ context.Context, agent *registry.Agent, _ map[string]any) (map[string]any, error) {
	if f.failing[agent.AgentName] {
		return nil, errors.New("boom")
	}
	return map[string]any{"from": agent.AgentName}, nil
}

type fixture struct {
	router  http.Handler
	reg     *registry.Registry
	flows   *flow.Store
	sup     *supervisor.Supervisor
	invoker *fakeInvoker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := store.NewRedis(context.Background(), mr.Addr(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger := zap.NewNop()
	reg := registry.New(s, logger)
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	// Probes are irrelevant to handler behavior under test; park them.
	sup := supervisor.New(reg, m, logger, supervisor.WithPingInterval(time.Hour))
	t.Cleanup(sup.CancelAll)

	flows := flow.NewStore(s, "test", logger)
	invoker := &fakeInvoker{failing: make(map[string]bool)}
	engine := flow.NewEngine(flows, reg, m, logger,
		flow.WithInvoker(invoker),
		flow.WithRetryCount(1),
		flow.WithRetryDelay(time.Millisecond),
	)

	router := api.NewRouter(api.RouterConfig{
		Registry:     reg,
		Supervisor:   sup,
		Flows:        flows,
		Engine:       engine,
		Metrics:      m,
		Logger:       logger,
		PromRegistry: promReg,
	})

	return &fixture{router: router, reg: reg, flows: flows, sup: sup, invoker: invoker}
}

// do performs a request against the router and decodes the JSON body.
func (fx *fixture) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	decoded := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec.Code, decoded
}

// newFakeAgent starts an HTTP server speaking the agent protocol: /ping
// and /agents answer 200, /runs echoes the first input part back.
func newFakeAgent(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping", "/agents":
			w.WriteHeader(http.StatusOK)
		case "/runs":
			var body struct {
				Input []struct {
					Parts []struct {
						Content string `json:"content"`
					} `json:"parts"`
				} `json:"input"`
			}
			json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck

			content := "echo"
			if len(body.Input) > 0 && len(body.Input[0].Parts) > 0 {
				content = body.Input[0].Parts[0].Content
			}
			json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
				"output": []map[string]any{
					{"parts": []map[string]string{{"content": content}}},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func registerPayload(name, baseURL string) map[string]any {
	return map[string]any{
		"agent_name":   name,
		"agent_type":   "worker",
		"base_url":     baseURL,
		"auth_token":   "secret",
		"capabilities": []string{"echo"},
	}
}

// registerAgent registers an agent through the API against a fake agent
// server and asserts success.
func (fx *fixture) registerAgent(t *testing.T, name string) *httptest.Server {
	t.Helper()
	srv := newFakeAgent(t)
	code, body := fx.do(t, http.MethodPost, "/platform/agents/register", registerPayload(name, srv.URL))
	require.Equal(t, http.StatusOK, code, "register %s: %v", name, body)
	return srv
}
