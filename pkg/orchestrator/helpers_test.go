package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/turnstile/pkg/agent"
	"github.com/harun/turnstile/pkg/chunk"
	"github.com/harun/turnstile/pkg/conversation"
	"github.com/harun/turnstile/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	invoke func(ctx context.Context, in agent.Input) (<-chan agent.InternalChunk, error)
	cont   func(ctx context.Context, res agent.ToolResult) (agent.InternalChunk, error)

	invokes atomic.Int32
	mu      sync.Mutex
	fed     []agent.ToolResult
}

func (f *fakeAgent) Invoke(ctx context.Context, in agent.Input) (<-chan agent.InternalChunk, error) {
	f.invokes.Add(1)
	return f.invoke(ctx, in)
}

func (f *fakeAgent) ContinueWithResult(ctx context.Context, res agent.ToolResult) (agent.InternalChunk, error) {
	f.mu.Lock()
	f.fed = append(f.fed, res)
	f.mu.Unlock()
	if f.cont == nil {
		return agent.InternalChunk{Kind: agent.ChunkFinal}, nil
	}
	return f.cont(ctx, res)
}

func (f *fakeAgent) results() []agent.ToolResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.ToolResult(nil), f.fed...)
}

func streamOf(chunks ...agent.InternalChunk) func(context.Context, agent.Input) (<-chan agent.InternalChunk, error) {
	return func(context.Context, agent.Input) (<-chan agent.InternalChunk, error) {
		ch := make(chan agent.InternalChunk, len(chunks))
		for _, c := range chunks {
			ch <- c
		}
		close(ch)
		return ch, nil
	}
}

// blockingStream never produces anything until ctx ends.
func blockingStream(ctx context.Context, _ agent.Input) (<-chan agent.InternalChunk, error) {
	ch := make(chan agent.InternalChunk)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

type fakeDispatcher struct {
	fn    func(ctx context.Context, inv toolexecutor.Invocation) (agent.ToolResult, error)
	calls atomic.Int32
	mu    sync.Mutex
	seen  []toolexecutor.Invocation
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, inv toolexecutor.Invocation) (agent.ToolResult, error) {
	d.calls.Add(1)
	d.mu.Lock()
	d.seen = append(d.seen, inv)
	d.mu.Unlock()
	if d.fn == nil {
		return okResult(inv), nil
	}
	return d.fn(ctx, inv)
}

func okResult(inv toolexecutor.Invocation) agent.ToolResult {
	return agent.ToolResult{CallID: inv.CallID, ToolName: inv.ToolName, IsSuccess: true, Output: "ok:" + inv.ToolName}
}

type memStore struct {
	mu    sync.Mutex
	data  map[string]*conversation.Context
	saved int
	err   error
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]*conversation.Context)}
}

func (m *memStore) Load(_ context.Context, id, userID string) (*conversation.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data[id]
	if !ok || c.UserID != userID {
		return nil, nil
	}
	return c.Clone(), nil
}

func (m *memStore) Save(_ context.Context, c *conversation.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved++
	m.data[c.ID] = c.Clone()
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved
}

// only returns the single saved conversation.
func (m *memStore) only(t *testing.T) *conversation.Context {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.data, 1)
	for _, c := range m.data {
		return c.Clone()
	}
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	o        *Orchestrator
	store    *memStore
	agent    *fakeAgent
	disp     *fakeDispatcher
	resolver *agent.Resolver
	clock    *fakeClock
}

func newHarness(t *testing.T, ag *fakeAgent, disp *fakeDispatcher, mutate func(*Config)) *harness {
	t.Helper()
	if disp == nil {
		disp = &fakeDispatcher{}
	}

	store := newMemStore()
	resolver, err := agent.NewResolver(agent.ResolverConfig{
		Store: store,
		Factory: agent.FactoryFunc(func(context.Context, agent.Binding) (agent.Agent, error) {
			return ag, nil
		}),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.SweepInterval = ""
	if mutate != nil {
		mutate(&cfg)
	}

	clock := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	o, err := New(cfg, resolver, disp, store, WithLogger(zerolog.Nop()), WithClock(clock.Now))
	require.NoError(t, err)

	return &harness{o: o, store: store, agent: ag, disp: disp, resolver: resolver, clock: clock}
}

func turnRequest() TurnRequest {
	return TurnRequest{UserID: "user-1", SessionID: "session-1", PersonaID: "helper", TextInput: "hello"}
}

func collect(t *testing.T, ch <-chan chunk.Chunk) []chunk.Chunk {
	t.Helper()
	var out []chunk.Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("stream did not close")
			return out
		}
	}
}

func kindsOf(chunks []chunk.Chunk) []chunk.Kind {
	out := make([]chunk.Kind, len(chunks))
	for i, c := range chunks {
		out[i] = c.Kind
	}
	return out
}

func ofKind(chunks []chunk.Chunk, kind chunk.Kind) []chunk.Chunk {
	var out []chunk.Chunk
	for _, c := range chunks {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// requireTerminated checks the stream ended with exactly one final chunk and
// returns it.
func requireTerminated(t *testing.T, chunks []chunk.Chunk) chunk.Chunk {
	t.Helper()
	require.NotEmpty(t, chunks)

	finals := 0
	for _, c := range chunks {
		assert.NoError(t, c.Validate())
		if c.IsFinal {
			finals++
		}
	}
	require.Equal(t, 1, finals, "exactly one final chunk")
	last := chunks[len(chunks)-1]
	require.True(t, last.IsFinal, "final chunk is last")
	return last
}

func requireErrorCode(t *testing.T, chunks []chunk.Chunk, code chunk.ErrorCode) {
	t.Helper()
	last := requireTerminated(t, chunks)
	require.Equal(t, chunk.KindError, last.Kind)
	assert.Equal(t, code, last.Error.Code)
}
