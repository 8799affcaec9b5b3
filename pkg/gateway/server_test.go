package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/turnstile/pkg/chunk"
	"github.com/harun/turnstile/pkg/orchestrator"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mu      sync.Mutex
	turns   []orchestrator.TurnRequest
	results []orchestrator.ToolResultInput
	active  int
}

func (f *fakeService) emit(streamID string, final chunk.Chunk) <-chan chunk.Chunk {
	tr := chunk.Translator{StreamID: streamID, AgentInstanceID: "agent-1"}
	ch := make(chan chunk.Chunk, 3)
	ch <- tr.Progress(chunk.StageTurnStarted, "")
	ch <- final
	close(ch)
	return ch
}

func (f *fakeService) OrchestrateTurn(_ context.Context, req orchestrator.TurnRequest) <-chan chunk.Chunk {
	f.mu.Lock()
	f.turns = append(f.turns, req)
	f.mu.Unlock()
	tr := chunk.Translator{StreamID: "stream-1", AgentInstanceID: "agent-1"}
	return f.emit("stream-1", tr.Final(chunk.FinalResponse{Text: "echo: " + req.TextInput, Iterations: 1}))
}

func (f *fakeService) OrchestrateToolResult(_ context.Context, in orchestrator.ToolResultInput) <-chan chunk.Chunk {
	f.mu.Lock()
	f.results = append(f.results, in)
	f.mu.Unlock()
	tr := chunk.Translator{StreamID: in.StreamID, AgentInstanceID: "agent-1"}
	return f.emit(in.StreamID, tr.Error(chunk.CodeInactiveStream, "stream "+in.StreamID+" is not active"))
}

func (f *fakeService) gotTurns() []orchestrator.TurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.TurnRequest(nil), f.turns...)
}

func (f *fakeService) gotResults() []orchestrator.ToolResultInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.ToolResultInput(nil), f.results...)
}

func (f *fakeService) ActiveStreams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func newTestServer(t *testing.T, secret string) (*Server, *fakeService, *httptest.Server) {
	t.Helper()
	svc := &fakeService{active: 2}
	s, err := NewServer(Config{
		SharedSecret: secret,
		Service:      svc,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, svc, ts
}

func postJSON(t *testing.T, url, secret string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestNewServer(t *testing.T) {
	t.Run("should require a turn service", func(t *testing.T) {
		_, err := NewServer(Config{Port: 8080})
		assert.Error(t, err)
	})

	t.Run("should reject a negative port", func(t *testing.T) {
		_, err := NewServer(Config{Port: -1, Service: &fakeService{}})
		assert.Error(t, err)
	})
}

func TestHTTPTurns(t *testing.T) {
	t.Run("should stream a turn as ndjson", func(t *testing.T) {
		_, svc, ts := newTestServer(t, "s3cret")

		resp := postJSON(t, ts.URL+"/v1/turns", "s3cret", orchestrator.TurnRequest{
			UserID: "u1", SessionID: "s1", TextInput: "hello",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, chunk.ContentType, resp.Header.Get("Content-Type"))

		chunks, err := chunk.DecodeNDJSON(resp.Body)
		require.NoError(t, err)
		require.Len(t, chunks, 2)
		assert.Equal(t, chunk.KindProgress, chunks[0].Kind)
		assert.Equal(t, chunk.KindFinalResponse, chunks[1].Kind)
		assert.True(t, chunks[1].IsFinal)
		assert.Equal(t, "echo: hello", chunks[1].FinalResponse.Text)

		turns := svc.gotTurns()
		require.Len(t, turns, 1)
		assert.Equal(t, "u1", turns[0].UserID)
	})

	t.Run("should reject a missing secret", func(t *testing.T) {
		_, svc, ts := newTestServer(t, "s3cret")

		resp := postJSON(t, ts.URL+"/v1/turns", "", orchestrator.TurnRequest{UserID: "u1"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Empty(t, svc.gotTurns())
	})

	t.Run("should reject a wrong secret", func(t *testing.T) {
		_, _, ts := newTestServer(t, "s3cret")

		resp := postJSON(t, ts.URL+"/v1/turns", "nope", orchestrator.TurnRequest{UserID: "u1"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should accept any caller when no secret is configured", func(t *testing.T) {
		_, _, ts := newTestServer(t, "")

		resp := postJSON(t, ts.URL+"/v1/turns", "", orchestrator.TurnRequest{UserID: "u1"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("should reject a malformed body", func(t *testing.T) {
		_, svc, ts := newTestServer(t, "")

		resp, err := http.Post(ts.URL+"/v1/turns", "application/json", strings.NewReader("{not json"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Empty(t, svc.gotTurns())
	})

	t.Run("should refuse other methods", func(t *testing.T) {
		_, _, ts := newTestServer(t, "")

		resp, err := http.Get(ts.URL + "/v1/turns")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestHTTPToolResults(t *testing.T) {
	t.Run("should route the path stream id to the orchestrator", func(t *testing.T) {
		_, svc, ts := newTestServer(t, "")

		resp := postJSON(t, ts.URL+"/v1/streams/stream-9/tool-results", "", ToolResultBody{
			ToolCallID: "c1", ToolName: "ask_user", Output: "yes", IsSuccess: true,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		chunks, err := chunk.DecodeNDJSON(resp.Body)
		require.NoError(t, err)
		require.Len(t, chunks, 2)
		assert.Equal(t, chunk.KindError, chunks[1].Kind)
		assert.Equal(t, chunk.CodeInactiveStream, chunks[1].Error.Code)
		assert.Equal(t, "stream-9", chunks[1].StreamID)

		results := svc.gotResults()
		require.Len(t, results, 1)
		got := results[0]
		assert.Equal(t, "stream-9", got.StreamID)
		assert.Equal(t, "c1", got.ToolCallID)
		assert.Equal(t, "ask_user", got.ToolName)
		assert.True(t, got.IsSuccess)
	})
}

func TestHealth(t *testing.T) {
	t.Run("should report active streams and clients", func(t *testing.T) {
		_, _, ts := newTestServer(t, "s3cret")

		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var h Health
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
		assert.Equal(t, "ok", h.Status)
		assert.Equal(t, 2, h.ActiveStreams)
		assert.Equal(t, 0, h.Clients)
	})

	t.Run("should expose prometheus metrics without a secret", func(t *testing.T) {
		_, _, ts := newTestServer(t, "s3cret")

		resp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestRateLimitedTurns(t *testing.T) {
	t.Run("should answer 429 once the window is used up", func(t *testing.T) {
		svc := &fakeService{}
		s, err := NewServer(Config{Service: svc, Logger: zerolog.Nop(), RequestsPerMinute: 1})
		require.NoError(t, err)
		ts := httptest.NewServer(s.Handler())
		defer ts.Close()

		first := postJSON(t, ts.URL+"/v1/turns", "", orchestrator.TurnRequest{UserID: "u1"})
		assert.Equal(t, http.StatusOK, first.StatusCode)
		second := postJSON(t, ts.URL+"/v1/turns", "", orchestrator.TurnRequest{UserID: "u1"})
		assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	})
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
}

func readChunks(t *testing.T, conn *websocket.Conn) []chunk.Chunk {
	t.Helper()
	var out []chunk.Chunk
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var c chunk.Chunk
		require.NoError(t, conn.ReadJSON(&c))
		out = append(out, c)
		if c.IsFinal {
			return out
		}
	}
}

func TestWebSocket(t *testing.T) {
	t.Run("should stream chunks when the secret header is present", func(t *testing.T) {
		_, _, ts := newTestServer(t, "s3cret")

		header := http.Header{}
		header.Set(SecretHeader, "s3cret")
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(ClientMessage{
			Type: MsgStartTurn,
			Turn: &orchestrator.TurnRequest{UserID: "u1", SessionID: "s1", TextInput: "hi"},
		}))

		chunks := readChunks(t, conn)
		require.Len(t, chunks, 2)
		assert.Equal(t, "echo: hi", chunks[1].FinalResponse.Text)
	})

	t.Run("should authenticate through the challenge", func(t *testing.T) {
		_, _, ts := newTestServer(t, "s3cret")

		conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
		require.NoError(t, err)
		defer conn.Close()

		var challenge ServerMessage
		require.NoError(t, conn.ReadJSON(&challenge))
		require.Equal(t, MsgAuthChallenge, challenge.Type)
		require.NotEmpty(t, challenge.Challenge)

		require.NoError(t, conn.WriteJSON(ClientMessage{
			Type:      MsgAuthResponse,
			Signature: Sign("s3cret", challenge.Challenge),
		}))
		var result ServerMessage
		require.NoError(t, conn.ReadJSON(&result))
		assert.Equal(t, MsgAuthSuccess, result.Type)

		require.NoError(t, conn.WriteJSON(ClientMessage{
			Type:       MsgToolResult,
			ToolResult: &orchestrator.ToolResultInput{StreamID: "stream-3", ToolCallID: "c1", IsSuccess: true},
		}))
		chunks := readChunks(t, conn)
		require.Len(t, chunks, 2)
		assert.Equal(t, chunk.CodeInactiveStream, chunks[1].Error.Code)
	})

	t.Run("should refuse turns before authentication", func(t *testing.T) {
		_, svc, ts := newTestServer(t, "s3cret")

		conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
		require.NoError(t, err)
		defer conn.Close()

		var challenge ServerMessage
		require.NoError(t, conn.ReadJSON(&challenge))

		require.NoError(t, conn.WriteJSON(ClientMessage{
			Type:      MsgStartTurn,
			RequestID: "r1",
			Turn:      &orchestrator.TurnRequest{UserID: "u1"},
		}))
		var reply ServerMessage
		require.NoError(t, conn.ReadJSON(&reply))
		assert.Equal(t, MsgError, reply.Type)
		assert.Equal(t, "r1", reply.RequestID)
		assert.Empty(t, svc.gotTurns())
	})

	t.Run("should report unknown message types", func(t *testing.T) {
		_, _, ts := newTestServer(t, "")

		conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(ClientMessage{Type: "bogus", RequestID: "r2"}))
		var reply ServerMessage
		require.NoError(t, conn.ReadJSON(&reply))
		assert.Equal(t, MsgError, reply.Type)
		assert.Contains(t, reply.Message, "bogus")
	})

	t.Run("should close after too many bad signatures", func(t *testing.T) {
		_, _, ts := newTestServer(t, "s3cret")

		conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
		require.NoError(t, err)
		defer conn.Close()

		var challenge ServerMessage
		require.NoError(t, conn.ReadJSON(&challenge))

		for i := 0; i < maxAuthAttempts; i++ {
			require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgAuthResponse, Signature: "bad"}))
			var reply ServerMessage
			require.NoError(t, conn.ReadJSON(&reply))
			assert.Equal(t, MsgAuthFailure, reply.Type)
		}

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, _, err = conn.ReadMessage()
		assert.Error(t, err)
	})
}

func TestServerLifecycle(t *testing.T) {
	t.Run("should serve on an ephemeral port and stop", func(t *testing.T) {
		s, err := NewServer(Config{Host: "127.0.0.1", Port: 0, Service: &fakeService{}, Logger: zerolog.Nop()})
		require.NoError(t, err)
		require.NoError(t, s.Start())

		resp, err := http.Get("http://" + s.Addr() + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, s.Stop(ctx))

		resp2 := httptest.NewRecorder()
		s.Handler().ServeHTTP(resp2, httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(`{}`)))
		assert.Equal(t, http.StatusServiceUnavailable, resp2.Code)
	})
}
