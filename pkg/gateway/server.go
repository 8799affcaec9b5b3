package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/turnstile/internal/observability"
	"github.com/harun/turnstile/internal/tracing"
	"github.com/harun/turnstile/pkg/chunk"
	"github.com/harun/turnstile/pkg/orchestrator"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// Server exposes the orchestrator over HTTP NDJSON streams and WebSocket.
type Server struct {
	addr    string
	service TurnService
	auth    *AuthHandler
	clients *ClientRegistry
	logger  zerolog.Logger

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	requestsPerMinute int
	maxConcurrent     int
	limitersMu        sync.Mutex
	limiters          map[string]*ClientRateLimiter

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlight       sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host                 string
	Port                 int
	SharedSecret         string
	Service              TurnService
	Logger               zerolog.Logger
	RequestsPerMinute    int
	MaxConcurrentStreams int
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Service == nil {
		return nil, fmt.Errorf("turn service is required")
	}

	return &Server{
		addr:              net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		service:           cfg.Service,
		auth:              NewAuthHandler(cfg.SharedSecret),
		clients:           NewClientRegistry(),
		logger:            cfg.Logger.With().Str("component", "gateway").Logger(),
		requestsPerMinute: cfg.RequestsPerMinute,
		maxConcurrent:     cfg.MaxConcurrentStreams,
		limiters:          make(map[string]*ClientRateLimiter),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/turns", s.requireSecret(http.HandlerFunc(s.handleTurn)))
	mux.Handle("POST /v1/streams/{streamId}/tool-results", s.requireSecret(http.HandlerFunc(s.handleToolResult)))
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr is the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop refuses new work, closes WebSocket clients and waits for in-flight
// streams until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	for _, client := range s.clients.GetAll() {
		_ = client.Conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown deadline reached with streams still open")
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) limiterFor(key string) *ClientRateLimiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = NewClientRateLimiter(s.requestsPerMinute, s.maxConcurrent)
		s.limiters[key] = l
	}
	return l
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestContext(r *http.Request) context.Context {
	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	return tracing.WithTraceID(r.Context(), traceID)
}

func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Authorize(r) {
			observability.RecordSecurityAudit(r.Context(), "gateway.authorize", auditActor(r.Context(), remoteHost(r)), "denied", map[string]any{
				"path": r.URL.Path,
			})
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) admit(w http.ResponseWriter, r *http.Request) (func(), bool) {
	if s.shuttingDown() {
		writeJSONError(w, http.StatusServiceUnavailable, "server is shutting down")
		return nil, false
	}
	release, err := s.limiterFor(remoteHost(r)).Acquire()
	if err != nil {
		writeJSONError(w, http.StatusTooManyRequests, err.Error())
		return nil, false
	}
	return release, true
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid turn request: %v", err))
		return
	}

	release, ok := s.admit(w, r)
	if !ok {
		return
	}
	defer release()

	ctx := tracing.WithUserID(requestContext(r), req.UserID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("session_id", req.SessionID).Msg("Gateway received turn")

	s.stream(ctx, w, logger, func(ctx context.Context) <-chan chunk.Chunk {
		return s.service.OrchestrateTurn(ctx, req)
	})
}

func (s *Server) handleToolResult(w http.ResponseWriter, r *http.Request) {
	var body ToolResultBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid tool result: %v", err))
		return
	}

	release, ok := s.admit(w, r)
	if !ok {
		return
	}
	defer release()

	in := orchestrator.ToolResultInput{
		StreamID:     r.PathValue("streamId"),
		ToolCallID:   body.ToolCallID,
		ToolName:     body.ToolName,
		Output:       body.Output,
		IsSuccess:    body.IsSuccess,
		ErrorMessage: body.ErrorMessage,
	}
	ctx := tracing.WithStreamID(requestContext(r), in.StreamID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("tool_call_id", in.ToolCallID).Msg("Gateway received tool result")

	s.stream(ctx, w, logger, func(ctx context.Context) <-chan chunk.Chunk {
		return s.service.OrchestrateToolResult(ctx, in)
	})
}

// stream writes every chunk as one NDJSON line. After a write failure the
// orchestrator is cancelled and the rest of the channel is drained.
func (s *Server) stream(ctx context.Context, w http.ResponseWriter, logger zerolog.Logger, open func(context.Context) <-chan chunk.Chunk) {
	s.inFlight.Add(1)
	defer s.inFlight.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.Header().Set("Content-Type", chunk.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := chunk.NewNDJSONEncoder(w)
	broken := false
	for c := range open(ctx) {
		if broken {
			continue
		}
		if err := enc.Encode(c); err != nil {
			logger.Warn().Err(err).Msg("Client stream write failed")
			broken = true
			cancel()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(Health{
		Status:        "ok",
		ActiveStreams: s.service.ActiveStreams(),
		Clients:       s.clients.Count(),
	})
}

// ConnectedClients describes the open WebSocket clients.
func (s *Server) ConnectedClients() []ClientInfo {
	return s.clients.Snapshot()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		_ = conn.Close()
		return
	}
	now := time.Now()
	client := &Client{
		ID:            clientID,
		Conn:          conn,
		Authenticated: s.auth.Authorize(r),
		ConnectedAt:   now,
		LastActivity:  now,
		IPAddress:     remoteHost(r),
		RateLimiter:   NewClientRateLimiter(s.requestsPerMinute, s.maxConcurrent),
	}
	s.clients.Add(client)

	ctx := withClient(tracing.NewRequestContext(context.Background()), client)
	s.logger.Info().Str("clientId", clientID).Str("ip", client.IPAddress).Msg("Client connected")

	if !client.Authenticated {
		if err := s.sendAuthChallenge(client); err != nil {
			s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
			_ = conn.Close()
			s.clients.Remove(clientID)
			return
		}
	}

	go s.handleClient(ctx, client)
}

func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.auth.GenerateChallenge()
	if err != nil {
		return err
	}
	client.Challenge = challenge
	return client.Send(ServerMessage{Type: MsgAuthChallenge, Challenge: challenge})
}

func (s *Server) handleClient(ctx context.Context, client *Client) {
	ctx, cancel := context.WithCancel(ctx)
	var streams sync.WaitGroup
	defer func() {
		cancel()
		streams.Wait()
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.clients.Touch(client.ID)

		if !s.handleMessage(ctx, client, message, &streams) {
			return
		}
	}
}

// handleMessage returns false when the connection must be closed.
func (s *Server) handleMessage(ctx context.Context, client *Client, message []byte, streams *sync.WaitGroup) bool {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.sendError(client, "", "invalid message: "+err.Error())
		return true
	}

	if msg.Type == MsgAuthResponse {
		return s.handleAuthMessage(ctx, client, msg.Signature)
	}
	if !client.Authenticated {
		s.sendError(client, msg.RequestID, "authentication required")
		return true
	}

	var open func(context.Context) <-chan chunk.Chunk
	switch msg.Type {
	case MsgStartTurn:
		if msg.Turn == nil {
			s.sendError(client, msg.RequestID, "start_turn requires a turn")
			return true
		}
		req := *msg.Turn
		open = func(ctx context.Context) <-chan chunk.Chunk {
			return s.service.OrchestrateTurn(tracing.WithUserID(ctx, req.UserID), req)
		}
	case MsgToolResult:
		if msg.ToolResult == nil {
			s.sendError(client, msg.RequestID, "tool_result requires a toolResult")
			return true
		}
		in := *msg.ToolResult
		open = func(ctx context.Context) <-chan chunk.Chunk {
			return s.service.OrchestrateToolResult(tracing.WithStreamID(ctx, in.StreamID), in)
		}
	default:
		s.sendError(client, msg.RequestID, fmt.Sprintf("unknown message type %q", msg.Type))
		return true
	}

	release, err := client.RateLimiter.Acquire()
	if err != nil {
		s.sendError(client, msg.RequestID, err.Error())
		return true
	}

	streams.Add(1)
	s.inFlight.Add(1)
	go func() {
		defer streams.Done()
		defer s.inFlight.Done()
		defer release()
		s.relay(ctx, client, open)
	}()
	return true
}

func (s *Server) relay(ctx context.Context, client *Client, open func(context.Context) <-chan chunk.Chunk) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	broken := false
	for c := range open(ctx) {
		if broken {
			continue
		}
		if err := client.Send(c); err != nil {
			s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("Failed to send chunk")
			broken = true
			cancel()
		}
	}
}

func (s *Server) handleAuthMessage(ctx context.Context, client *Client, signature string) bool {
	result := s.auth.HandleAuthResponse(client, signature)
	if err := client.Send(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return false
	}

	if result.Type == MsgAuthSuccess {
		observability.RecordSecurityAudit(ctx, "gateway.ws_auth", auditActor(ctx, client.IPAddress), "granted", nil)
		s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
		return true
	}

	observability.RecordSecurityAudit(ctx, "gateway.ws_auth", auditActor(ctx, client.IPAddress), "denied", map[string]any{
		"reason":   result.Message,
		"attempts": client.AuthAttempts,
	})
	s.logger.Warn().Str("clientId", client.ID).Str("reason", result.Message).Msg("Authentication failed")
	return client.AuthAttempts < maxAuthAttempts
}

func (s *Server) sendError(client *Client, requestID, message string) {
	if err := client.Send(ServerMessage{Type: MsgError, RequestID: requestID, Message: message}); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send error")
	}
}
