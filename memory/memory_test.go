package memory_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/gestalt/memory"
)

// runStoreContract checks the behavior every Store shares. The store must
// keep at least three messages per conversation.
func runStoreContract(t *testing.T, store memory.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("unknown key is empty", func(t *testing.T) {
		msgs, err := store.History(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("append keeps order", func(t *testing.T) {
		require.NoError(t, store.Append(ctx, "run-1",
			memory.Message{Role: memory.RoleUser, Content: "classify this"},
			memory.Message{Role: memory.RoleAssistant, Content: "computational"},
		))
		require.NoError(t, store.Append(ctx, "run-1",
			memory.Message{Role: memory.RoleUser, Content: "now the solution"},
		))

		msgs, err := store.History(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "classify this", msgs[0].Content)
		assert.Equal(t, memory.RoleAssistant, msgs[1].Role)
		assert.Equal(t, "now the solution", msgs[2].Content)
		assert.False(t, msgs[0].At.IsZero(), "append stamps the time")
	})

	t.Run("conversations are isolated", func(t *testing.T) {
		require.NoError(t, store.Append(ctx, "run-2", memory.Message{Role: memory.RoleUser, Content: "other"}))
		msgs, err := store.History(ctx, "run-2")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "other", msgs[0].Content)
	})

	t.Run("forget", func(t *testing.T) {
		require.NoError(t, store.Forget(ctx, "run-1"))
		msgs, err := store.History(ctx, "run-1")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestBoundedStoreContract(t *testing.T) {
	runStoreContract(t, memory.NewBoundedStore())
}

func TestRedisStoreContract(t *testing.T) {
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	runStoreContract(t, memory.NewRedisStoreFromClient(client))
}

func TestBoundedStoreEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	var evicted []string
	store := memory.NewBoundedStore(
		memory.WithMaxConversations(2),
		memory.WithEvictionCallback(func(key string) { evicted = append(evicted, key) }),
	)

	msg := memory.Message{Role: memory.RoleUser, Content: "hi"}
	require.NoError(t, store.Append(ctx, "a", msg))
	require.NoError(t, store.Append(ctx, "b", msg))
	_, _ = store.History(ctx, "a")
	require.NoError(t, store.Append(ctx, "c", msg))

	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, 2, store.Len())
	got, _ := store.History(ctx, "a")
	assert.Len(t, got, 1)
}

func TestBoundedStoreTrimsMessages(t *testing.T) {
	ctx := context.Background()
	store := memory.NewBoundedStore(memory.WithMaxMessages(3))
	for i := range 5 {
		require.NoError(t, store.Append(ctx, "k", memory.Message{Role: memory.RoleUser, Content: fmt.Sprint(i)}))
	}
	msgs, err := store.History(ctx, "k")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "2", msgs[0].Content)
	assert.Equal(t, "4", msgs[2].Content)
}

func TestBoundedStoreTTL(t *testing.T) {
	ctx := context.Background()
	store := memory.NewBoundedStore(memory.WithTTL(20 * time.Millisecond))
	require.NoError(t, store.Append(ctx, "k", memory.Message{Role: memory.RoleUser, Content: "x"}))

	time.Sleep(40 * time.Millisecond)
	msgs, err := store.History(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRedisStoreTrimAndExpire(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := memory.NewRedisStoreFromClient(client,
		memory.WithRedisPrefix("test:"),
		memory.WithRedisMaxMessages(2),
		memory.WithRedisTTL(time.Minute),
	)
	for i := range 4 {
		require.NoError(t, store.Append(ctx, "k", memory.Message{Role: memory.RoleUser, Content: fmt.Sprint(i)}))
	}

	msgs, err := store.History(ctx, "k")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "2", msgs[0].Content)

	assert.True(t, mr.Exists("test:k"))
	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("test:k"))
}
