package store_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/hdinguyen/mesh-sdk/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := store.NewRedis(context.Background(), mr.Addr(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewRedisUnreachable(t *testing.T) {
	_, err := store.NewRedis(context.Background(), "127.0.0.1:1", 0)
	require.Error(t, err)
}

func TestHashOperations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "agent:alpha", map[string]string{
		"agent_name": "alpha",
		"status":     "active",
	}))
	require.NoError(t, s.HSetField(ctx, "agent:alpha", "status", "inactive"))

	h, err := s.HGetAll(ctx, "agent:alpha")
	require.NoError(t, err)
	require.Equal(t, "alpha", h["agent_name"])
	require.Equal(t, "inactive", h["status"])
}

func TestHGetAllMissingKeyIsEmpty(t *testing.T) {
	s := newTestStore(t)

	h, err := s.HGetAll(context.Background(), "agent:nope")
	require.NoError(t, err)
	require.Empty(t, h)
}

func TestHSetNXGuardsExistingField(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.HSetNX(ctx, "agent:alpha", "agent_name", "alpha")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.HSetNX(ctx, "agent:alpha", "agent_name", "alpha")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetOperations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SAdd(ctx, "agents", "alpha", "beta"))
	members, err := s.SMembers(ctx, "agents")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alpha", "beta"}, members)

	require.NoError(t, s.SRem(ctx, "agents", "alpha"))
	members, err = s.SMembers(ctx, "agents")
	require.NoError(t, err)
	require.Equal(t, []string{"beta"}, members)
}

func TestListOrderingAndTrim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LPush(ctx, "history", "first"))
	require.NoError(t, s.LPush(ctx, "history", "second"))
	require.NoError(t, s.LPush(ctx, "history", "third"))

	values, err := s.LRange(ctx, "history", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"third", "second", "first"}, values)

	require.NoError(t, s.LTrim(ctx, "history", 0, 1))
	values, err = s.LRange(ctx, "history", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"third", "second"}, values)
}

func TestRPushAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RPush(ctx, "seq", "a", "b"))
	require.NoError(t, s.RPush(ctx, "seq", "c"))

	values, err := s.LRange(ctx, "seq", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, values)
}

func TestExistsAndDel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSetField(ctx, "agent:alpha", "agent_name", "alpha"))

	exists, err := s.Exists(ctx, "agent:alpha")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, s.Del(ctx, "agent:alpha", "agent:never-existed"))

	exists, err = s.Exists(ctx, "agent:alpha")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestKeyBuilders(t *testing.T) {
	require.Equal(t, "agent:alpha", store.AgentKey("alpha"))
	require.Equal(t, "queue:alpha", store.QueueKey("alpha"))
	require.Equal(t, "flow:f1", store.FlowKey("f1"))
	require.Equal(t, "flow:f1:agents", store.FlowAgentsKey("f1"))
	require.Equal(t, "flow:f1:execution:e1", store.ExecutionKey("f1", "e1"))
	require.Equal(t, "flow:f1:executions", store.ExecutionsKey("f1"))
}
