package conversation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	fs, err := NewFileStore(filepath.Join(t.TempDir(), "conversations"))
	require.NoError(t, err)

	ss, err := NewSQLiteStore(filepath.Join(t.TempDir(), "conversations.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		fs.Close()
		ss.Close()
	})
	return map[string]Store{"file": fs, "sqlite": ss}
}

func TestStores(t *testing.T) {
	ctx := context.Background()

	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("should return nil for absent conversation", func(t *testing.T) {
				c, err := store.Load(ctx, "missing", "user-1")
				require.NoError(t, err)
				assert.Nil(t, c)
			})

			t.Run("should round trip a conversation", func(t *testing.T) {
				c := New("user-1")
				c.Append(Message{Role: RoleUser, Content: "hi"})
				c.Append(Message{
					Role:      RoleAssistant,
					ToolCalls: []ToolCallRecord{{ID: "call-1", Name: "lookup", Arguments: map[string]any{"q": "x"}}},
				})
				c.Append(Message{Role: RoleTool, ToolCallID: "call-1", ToolName: "lookup", Content: `{"answer":1}`})
				c.PersonaState["mood"] = "calm"

				require.NoError(t, store.Save(ctx, c))

				loaded, err := store.Load(ctx, c.ID, "user-1")
				require.NoError(t, err)
				require.NotNil(t, loaded)
				assert.Equal(t, c.ID, loaded.ID)
				require.Len(t, loaded.Messages, 3)
				assert.Equal(t, "lookup", loaded.Messages[1].ToolCalls[0].Name)
				assert.Equal(t, "x", loaded.Messages[1].ToolCalls[0].Arguments["q"])
				assert.Equal(t, "calm", loaded.PersonaState["mood"])
			})

			t.Run("should hide conversations of other users", func(t *testing.T) {
				c := New("owner")
				require.NoError(t, store.Save(ctx, c))

				loaded, err := store.Load(ctx, c.ID, "intruder")
				require.NoError(t, err)
				assert.Nil(t, loaded)
			})

			t.Run("should overwrite on repeated save", func(t *testing.T) {
				c := New("user-2")
				require.NoError(t, store.Save(ctx, c))
				c.Append(Message{Role: RoleUser, Content: "second"})
				require.NoError(t, store.Save(ctx, c))

				loaded, err := store.Load(ctx, c.ID, "user-2")
				require.NoError(t, err)
				require.Len(t, loaded.Messages, 1)
				assert.Equal(t, "second", loaded.Messages[0].Content)
			})

			t.Run("should reject unsafe ids", func(t *testing.T) {
				_, err := store.Load(ctx, "../etc/passwd", "user-1")
				assert.ErrorIs(t, err, ErrInvalidID)

				c := New("user/1")
				assert.ErrorIs(t, store.Save(ctx, c), ErrInvalidID)
			})

			t.Run("should serialize concurrent saves", func(t *testing.T) {
				base := New("user-3")
				var wg sync.WaitGroup
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						c := base.Clone()
						c.Append(Message{Role: RoleUser, Content: "x"})
						assert.NoError(t, store.Save(ctx, c))
					}()
				}
				wg.Wait()

				loaded, err := store.Load(ctx, base.ID, "user-3")
				require.NoError(t, err)
				require.NotNil(t, loaded)
				assert.Len(t, loaded.Messages, 1)
			})
		})
	}
}

func TestSQLiteStoreOwnership(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	c := New("owner")
	require.NoError(t, store.Save(ctx, c))

	hijack := c.Clone()
	hijack.UserID = "intruder"
	assert.ErrorIs(t, store.Save(ctx, hijack), ErrOwnerMismatch)

	loaded, err := store.Load(ctx, c.ID, "owner")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "owner", loaded.UserID)
}

func TestFileStoreClosed(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = store.Load(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen(t *testing.T) {
	t.Run("should reject unknown driver", func(t *testing.T) {
		_, err := Open("postgres", "")
		assert.Error(t, err)
	})

	t.Run("should open sqlite", func(t *testing.T) {
		s, err := Open("sqlite", filepath.Join(t.TempDir(), "c.db"))
		require.NoError(t, err)
		assert.IsType(t, &SQLiteStore{}, s)
		s.Close()
	})
}

func TestPendingToolCalls(t *testing.T) {
	c := New("u")
	c.Append(Message{Role: RoleUser, Content: "go"})
	assert.Empty(t, c.PendingToolCalls())

	c.Append(Message{Role: RoleAssistant, ToolCalls: []ToolCallRecord{{ID: "a", Name: "x"}, {ID: "b", Name: "y"}}})
	assert.Len(t, c.PendingToolCalls(), 2)

	c.Append(Message{Role: RoleTool, ToolCallID: "b"})
	pending := c.PendingToolCalls()
	require.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].ID)

	c.Append(Message{Role: RoleTool, ToolCallID: "a"})
	assert.Empty(t, c.PendingToolCalls())
}

func TestInsert(t *testing.T) {
	c := New("u")
	c.Append(Message{Role: RoleUser, Content: "one"})
	c.Append(Message{Role: RoleAssistant, Content: "three"})

	c.Insert(1, Message{Role: RoleTool, Content: "two"})
	c.Insert(10, Message{Role: RoleUser, Content: "four"})

	var got []string
	for _, m := range c.Messages {
		got = append(got, m.Content)
		assert.False(t, m.Timestamp.IsZero())
	}
	assert.Equal(t, []string{"one", "two", "three", "four"}, got)
}

func TestCloseUnanswered(t *testing.T) {
	t.Run("should append a failed result per open call", func(t *testing.T) {
		c := New("u")
		c.Append(Message{Role: RoleUser, Content: "go"})
		c.Append(Message{Role: RoleAssistant, ToolCalls: []ToolCallRecord{{ID: "a", Name: "x"}}})
		c.Append(Message{Role: RoleTool, ToolCallID: "a"})
		c.Append(Message{Role: RoleAssistant, ToolCalls: []ToolCallRecord{{ID: "b", Name: "y"}, {ID: "c", Name: "z"}}})
		c.Append(Message{Role: RoleTool, ToolCallID: "c"})

		closed := c.CloseUnanswered("not executed")
		require.Len(t, closed, 1)
		assert.Equal(t, "b", closed[0].ID)
		assert.Empty(t, c.PendingToolCalls())

		last := c.Messages[len(c.Messages)-1]
		assert.Equal(t, RoleTool, last.Role)
		assert.Equal(t, "b", last.ToolCallID)
		assert.Equal(t, "y", last.ToolName)
		assert.Equal(t, "not executed", last.Content)
		assert.True(t, last.IsError)
	})

	t.Run("should close calls of earlier assistant messages too", func(t *testing.T) {
		c := New("u")
		c.Append(Message{Role: RoleAssistant, ToolCalls: []ToolCallRecord{{ID: "early", Name: "x"}}})
		c.Append(Message{Role: RoleAssistant, ToolCalls: []ToolCallRecord{{ID: "late", Name: "x"}}})

		closed := c.CloseUnanswered("gone")
		require.Len(t, closed, 2)
		assert.Equal(t, "early", closed[0].ID)
		assert.Equal(t, "late", closed[1].ID)
	})

	t.Run("should do nothing when every call has a result", func(t *testing.T) {
		c := New("u")
		c.Append(Message{Role: RoleAssistant, ToolCalls: []ToolCallRecord{{ID: "a", Name: "x"}}})
		c.Append(Message{Role: RoleTool, ToolCallID: "a"})
		n := len(c.Messages)

		assert.Empty(t, c.CloseUnanswered("unused"))
		assert.Len(t, c.Messages, n)
	})
}

func TestClone(t *testing.T) {
	c := New("u")
	c.Append(Message{Role: RoleUser, Content: "one"})

	cp := c.Clone()
	cp.Append(Message{Role: RoleUser, Content: "two"})
	cp.Messages[0].Content = "changed"

	assert.Len(t, c.Messages, 1)
	assert.Equal(t, "one", c.Messages[0].Content)
}
