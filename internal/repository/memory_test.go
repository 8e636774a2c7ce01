package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-proxy/internal/domain"
)

func TestMemoryStore_AppendPreservesOrder(t *testing.T) {
	s := NewMemoryStore(20, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.AddMessage(ctx, "u1", "c1", domain.RoleUser, "hi"))
	require.NoError(t, s.AddMessage(ctx, "u1", "c1", domain.RoleModel, "hello"))

	msgs, err := s.GetHistory(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Equal(t, []domain.Message{
		{Role: domain.RoleUser, Text: "hi"},
		{Role: domain.RoleModel, Text: "hello"},
	}, msgs)
}

func TestMemoryStore_TrimsToLastTwenty(t *testing.T) {
	s := NewMemoryStore(20, time.Hour)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		require.NoError(t, s.AddMessage(ctx, "u1", "c1", domain.RoleUser, fmt.Sprintf("m%d", i)))
	}

	msgs, err := s.GetHistory(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 20)
	require.Equal(t, "m5", msgs[0].Text)
	require.Equal(t, "m24", msgs[19].Text)
}

func TestMemoryStore_ClearRemovesHistory(t *testing.T) {
	s := NewMemoryStore(20, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.AddMessage(ctx, "u1", "c1", domain.RoleUser, "hi"))
	require.NoError(t, s.Clear(ctx, "u1", "c1"))

	msgs, err := s.GetHistory(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.Zero(t, s.Len())
}

func TestMemoryStore_KeysAreIsolatedPerUserAndConversation(t *testing.T) {
	s := NewMemoryStore(20, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.AddMessage(ctx, "u1", "c1", domain.RoleUser, "one"))
	require.NoError(t, s.AddMessage(ctx, "u2", "c1", domain.RoleUser, "two"))
	require.NoError(t, s.AddMessage(ctx, "u1", "c2", domain.RoleUser, "three"))

	msgs, err := s.GetHistory(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "one", msgs[0].Text)
	require.Equal(t, 3, s.Len())
}

func TestMemoryStore_ExpiredEntryIsEvictedOnRead(t *testing.T) {
	s := NewMemoryStore(20, time.Hour)
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }
	require.NoError(t, s.AddMessage(ctx, "u1", "c1", domain.RoleUser, "hi"))

	s.now = func() time.Time { return now.Add(25 * time.Hour) }
	msgs, err := s.GetHistory(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.Zero(t, s.Len())
}

func TestMemoryStore_WriteAfterExpiryStartsFresh(t *testing.T) {
	s := NewMemoryStore(20, time.Hour)
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }
	require.NoError(t, s.AddMessage(ctx, "u1", "c1", domain.RoleUser, "old"))

	s.now = func() time.Time { return now.Add(25 * time.Hour) }
	require.NoError(t, s.AddMessage(ctx, "u1", "c1", domain.RoleUser, "new"))

	msgs, err := s.GetHistory(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "new", msgs[0].Text)
}

func TestMemoryStore_ConcurrentAppendsLoseNothing(t *testing.T) {
	s := NewMemoryStore(100, time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.AddMessage(ctx, "u1", "c1", domain.RoleUser, fmt.Sprintf("m%d", n))
		}(i)
	}
	wg.Wait()

	msgs, err := s.GetHistory(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 50)
}
