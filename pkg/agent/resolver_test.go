package agent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/turnstile/pkg/conversation"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopAgent struct{ conv *conversation.Context }

func (nopAgent) Invoke(context.Context, Input) (<-chan InternalChunk, error) {
	ch := make(chan InternalChunk)
	close(ch)
	return ch, nil
}

func (nopAgent) ContinueWithResult(context.Context, ToolResult) (InternalChunk, error) {
	return InternalChunk{Kind: ChunkAck}, nil
}

func newTestResolver(t *testing.T, store conversation.Store) (*Resolver, *int) {
	t.Helper()
	created := 0
	r, err := NewResolver(ResolverConfig{
		Store: store,
		Factory: FactoryFunc(func(_ context.Context, b Binding) (Agent, error) {
			created++
			return nopAgent{conv: b.Conversation}, nil
		}),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	return r, &created
}

func TestResolver(t *testing.T) {
	ctx := context.Background()

	t.Run("should create a fresh conversation when none is given", func(t *testing.T) {
		r, created := newTestResolver(t, nil)

		sess, err := r.Resolve(ctx, ResolveRequest{UserID: "u", SessionID: "s"})
		require.NoError(t, err)
		defer sess.Release()

		assert.NotEmpty(t, sess.InstanceID)
		assert.NotEmpty(t, sess.Context.ID)
		assert.Equal(t, "u", sess.Context.UserID)
		assert.Equal(t, 1, *created)
	})

	t.Run("should load an existing conversation from the store", func(t *testing.T) {
		store, err := conversation.NewFileStore(filepath.Join(t.TempDir(), "c"))
		require.NoError(t, err)
		existing := conversation.New("u")
		existing.Append(conversation.Message{Role: conversation.RoleUser, Content: "earlier"})
		require.NoError(t, store.Save(ctx, existing))

		r, _ := newTestResolver(t, store)
		sess, err := r.Resolve(ctx, ResolveRequest{UserID: "u", SessionID: "s", ConversationID: existing.ID})
		require.NoError(t, err)
		defer sess.Release()

		assert.Equal(t, existing.ID, sess.Context.ID)
		require.Len(t, sess.Context.Messages, 1)
	})

	t.Run("should start fresh when the conversation is unknown", func(t *testing.T) {
		store, err := conversation.NewFileStore(filepath.Join(t.TempDir(), "c"))
		require.NoError(t, err)

		r, _ := newTestResolver(t, store)
		sess, err := r.Resolve(ctx, ResolveRequest{UserID: "u", SessionID: "s", ConversationID: "nope"})
		require.NoError(t, err)
		defer sess.Release()

		assert.NotEqual(t, "nope", sess.Context.ID)
		assert.Empty(t, sess.Context.Messages)
	})

	t.Run("should reuse the cached instance after release", func(t *testing.T) {
		r, created := newTestResolver(t, nil)

		first, err := r.Resolve(ctx, ResolveRequest{UserID: "u", SessionID: "s", PersonaID: "p"})
		require.NoError(t, err)
		convID := first.Context.ID
		first.Context.Append(conversation.Message{Role: conversation.RoleUser, Content: "kept in memory"})
		first.Release()

		second, err := r.Resolve(ctx, ResolveRequest{UserID: "u", SessionID: "s", PersonaID: "p", ConversationID: convID})
		require.NoError(t, err)
		defer second.Release()

		assert.Equal(t, first.InstanceID, second.InstanceID)
		assert.Len(t, second.Context.Messages, 1)
		assert.Equal(t, 1, *created)
	})

	t.Run("should reject a second turn on a busy conversation", func(t *testing.T) {
		r, _ := newTestResolver(t, nil)

		first, err := r.Resolve(ctx, ResolveRequest{UserID: "u", SessionID: "s"})
		require.NoError(t, err)

		_, err = r.Resolve(ctx, ResolveRequest{UserID: "u", SessionID: "s", ConversationID: first.Context.ID})
		assert.ErrorIs(t, err, ErrConversationBusy)

		first.Release()
		first.Release()
		again, err := r.Resolve(ctx, ResolveRequest{UserID: "u", SessionID: "s", ConversationID: first.Context.ID})
		require.NoError(t, err)
		again.Release()
	})

	t.Run("should reject invalid identifiers", func(t *testing.T) {
		r, _ := newTestResolver(t, nil)

		_, err := r.Resolve(ctx, ResolveRequest{UserID: "", SessionID: "s"})
		assert.ErrorIs(t, err, ErrInvalidRequest)

		_, err = r.Resolve(ctx, ResolveRequest{UserID: "u", SessionID: "../s"})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("should surface factory failures", func(t *testing.T) {
		r, err := NewResolver(ResolverConfig{
			Factory: FactoryFunc(func(context.Context, Binding) (Agent, error) {
				return nil, errors.New("no credentials")
			}),
		})
		require.NoError(t, err)

		_, err = r.Resolve(ctx, ResolveRequest{UserID: "u", SessionID: "s"})
		assert.ErrorContains(t, err, "no credentials")
		assert.Equal(t, 0, r.Len())
	})

	t.Run("should evict idle instances only", func(t *testing.T) {
		r, _ := newTestResolver(t, nil)
		now := time.Now()
		r.now = func() time.Time { return now }

		idle, err := r.Resolve(ctx, ResolveRequest{UserID: "u", SessionID: "idle"})
		require.NoError(t, err)
		idle.Release()
		busy, err := r.Resolve(ctx, ResolveRequest{UserID: "u", SessionID: "busy"})
		require.NoError(t, err)
		defer busy.Release()

		now = now.Add(time.Hour)
		assert.Equal(t, 1, r.EvictIdle())
		assert.Equal(t, 1, r.Len())
	})
}
