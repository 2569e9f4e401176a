// Package gateway exposes the session pipeline and the approval gatekeeper
// over a WebSocket RPC protocol.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/soyeahso/turnstile/internal/approval"
	"github.com/soyeahso/turnstile/internal/channel"
	"github.com/soyeahso/turnstile/internal/config"
	"github.com/soyeahso/turnstile/internal/hooks"
	"github.com/soyeahso/turnstile/internal/logging"
	"github.com/soyeahso/turnstile/internal/session"
	"github.com/soyeahso/turnstile/internal/version"
)

var ErrClientClosed = errors.New("gateway: client connection closed")

const (
	handshakeTimeout = 10 * time.Second
	shutdownTimeout  = 10 * time.Second
	sweepInterval    = time.Minute
)

// Server is the turnstile HTTP + WebSocket server.
type Server struct {
	cfg      config.Config
	auth     ResolvedAuth
	log      *logging.Logger
	clients  *ClientRegistry
	handlers map[string]RequestHandler
	async    map[string]bool
	version  string
	eventSeq atomic.Int64

	mu        sync.RWMutex
	configRaw map[string]any

	sessions   *session.Manager
	gatekeeper *approval.Gatekeeper
	channels   *channel.Registry
	hooks      *hooks.Bus
	unsub      []func()

	inflight sync.WaitGroup

	startedAt   time.Time
	listenAddr  atomic.Value // string
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	authLimiter *authRateLimiter
}

// ServerOption configures the gateway server.
type ServerOption func(*Server)

// WithConfigRaw sets the raw config document served by config.get.
func WithConfigRaw(raw map[string]any) ServerOption {
	return func(s *Server) {
		if raw != nil {
			s.configRaw = raw
		}
	}
}

// WithSessions routes events.push and the session.* methods to m.
func WithSessions(m *session.Manager) ServerOption {
	return func(s *Server) { s.sessions = m }
}

// WithGatekeeper serves the approval.* methods from g.
func WithGatekeeper(g *approval.Gatekeeper) ServerOption {
	return func(s *Server) { s.gatekeeper = g }
}

// WithChannels reports channel state through channels.status.
func WithChannels(ch *channel.Registry) ServerOption {
	return func(s *Server) { s.channels = ch }
}

// WithHooks broadcasts bus events to connected clients and publishes the
// gateway's own lifecycle events.
func WithHooks(bus *hooks.Bus) ServerOption {
	return func(s *Server) { s.hooks = bus }
}

// New creates a gateway server.
func New(cfg config.Config, log *logging.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:         cfg,
		auth:        ResolveAuth(cfg.Gateway.Auth),
		log:         log.Sub("gateway"),
		clients:     NewClientRegistry(log.Sub("clients")),
		handlers:    make(map[string]RequestHandler),
		async:       make(map[string]bool),
		version:     version.Version,
		configRaw:   make(map[string]any),
		authLimiter: newAuthRateLimiter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.Gateway.AllowedOrigins),
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRPCHandlers()
	s.subscribe()
	return s
}

// subscribe forwards approval and session events to every client.
func (s *Server) subscribe() {
	if s.hooks == nil {
		return
	}
	forward := func(frame string) hooks.Handler {
		return func(_ context.Context, e hooks.Event) error {
			s.clients.Broadcast(frame, e, s.eventSeq.Add(1))
			return nil
		}
	}
	for _, typ := range hooks.ApprovalEvents {
		s.unsub = append(s.unsub, s.hooks.Subscribe(typ, "gateway", forward(EventApproval)))
	}
	for _, typ := range []hooks.EventType{hooks.SessionStarted, hooks.SessionClosed} {
		s.unsub = append(s.unsub, s.hooks.Subscribe(typ, "gateway", forward(EventSession)))
	}
}

// Handle registers an RPC method handler. Handlers of one connection run
// one at a time in arrival order.
func (s *Server) Handle(method string, handler RequestHandler) {
	s.handlers[method] = handler
	delete(s.async, method)
}

// HandleAsync registers a handler that may block; it runs on its own
// goroutine so the connection keeps serving other requests.
func (s *Server) HandleAsync(method string, handler RequestHandler) {
	s.handlers[method] = handler
	s.async[method] = true
}

// Methods returns the registered RPC method names, sorted.
func (s *Server) Methods() []string {
	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	slices.Sort(methods)
	return methods
}

func resolveBindAddr(cfg config.GatewayConfig) string {
	switch cfg.Bind {
	case "lan":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Port)
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Start listens for HTTP and WebSocket connections and blocks until ctx
// is cancelled or serving fails.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg.Gateway)

	mux := http.NewServeMux()
	s.registerHTTPRoutes(mux)

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     withMiddleware(mux, s.log, s.cfg.Gateway.AllowedOrigins),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	if s.cfg.Gateway.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(s.cfg.Gateway.TLS.CertPath, s.cfg.Gateway.TLS.KeyPath)
		if err != nil {
			ln.Close()
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		s.log.Info().Msg("TLS enabled")
	} else if s.cfg.Gateway.Bind != "loopback" {
		s.log.Warn().Msg("TLS is not enabled, credentials travel in cleartext")
	}

	s.startedAt = time.Now()
	s.listenAddr.Store(ln.Addr().String())

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("auth", s.auth.Mode).
		Int("methods", len(s.handlers)).
		Msg("gateway server ready")
	s.emit(ctx, hooks.Event{Type: hooks.GatewayStarted, Data: map[string]any{"addr": ln.Addr().String()}})

	serving := make(chan struct{})
	stopped := make(chan struct{})
	go s.sweepLoop(serving)
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			s.shutdown()
		case <-serving:
		}
	}()

	err = s.httpServer.Serve(ln)
	close(serving)
	<-stopped
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) shutdown() {
	s.log.Info().Msg("shutting down gateway server")
	for _, unsub := range s.unsub {
		unsub()
	}
	s.emit(context.Background(), hooks.Event{Type: hooks.GatewayStopped})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.clients.CloseAll()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("gateway shutdown")
	}
	s.inflight.Wait()
}

func (s *Server) sweepLoop(done <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.authLimiter.sweep()
		}
	}
}

// Addr returns the bound listen address once Start is serving.
func (s *Server) Addr() string {
	if v, ok := s.listenAddr.Load().(string); ok {
		return v
	}
	return ""
}

func (s *Server) emit(ctx context.Context, e hooks.Event) {
	if s.hooks != nil {
		s.hooks.Emit(ctx, e)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authLimiter.allow(r.RemoteAddr) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("rate limited after failed handshakes")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxPayloadBytes)

	client, err := s.handshake(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("handshake failed")
		s.authLimiter.recordFailure(r.RemoteAddr)
		conn.Close()
		return
	}

	s.clients.Add(client)
	defer func() {
		s.clients.Remove(client.ConnID)
		client.Close()
	}()

	s.readLoop(client)
}

// handshake runs challenge → connect → hello.
func (s *Server) handshake(conn *websocket.Conn) (*Client, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	challenge, err := NewEvent(EventChallenge, map[string]any{
		"nonce": uuid.NewString(),
		"ts":    time.Now().UnixMilli(),
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("creating challenge: %w", err)
	}
	if err := conn.WriteJSON(challenge); err != nil {
		return nil, fmt.Errorf("sending challenge: %w", err)
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading connect: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, fmt.Errorf("parsing connect frame: %w", err)
	}
	if frame.Type != FrameTypeRequest || frame.Method != "connect" {
		sendErrorAndClose(conn, frame.ID, CodeProtocol, "expected connect request")
		return nil, fmt.Errorf("expected connect request, got type=%s method=%s", frame.Type, frame.Method)
	}

	var params ConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		sendErrorAndClose(conn, frame.ID, CodeInvalidParams, "invalid connect params")
		return nil, fmt.Errorf("parsing connect params: %w", err)
	}
	if (params.MaxProtocol != 0 && params.MaxProtocol < ProtocolVersion) || params.MinProtocol > ProtocolVersion {
		sendErrorAndClose(conn, frame.ID, CodeProtocol, fmt.Sprintf("protocol %d not supported", ProtocolVersion))
		return nil, fmt.Errorf("protocol range %d-%d excludes %d", params.MinProtocol, params.MaxProtocol, ProtocolVersion)
	}

	authResult := Authorize(s.auth, params.Auth)
	if !authResult.OK {
		sendErrorAndClose(conn, frame.ID, CodeUnauthorized, authResult.Reason)
		return nil, fmt.Errorf("auth failed: %s", authResult.Reason)
	}

	conn.SetReadDeadline(time.Time{})
	client := NewClient(conn, params.Client, authResult, s.log.Sub("ws"))

	events := []string{EventChallenge}
	if s.hooks != nil {
		events = append(events, EventApproval, EventSession)
	}
	hello := HelloOK{
		Protocol: ProtocolVersion,
		Server: ServerInfo{
			Version: s.version,
			Commit:  version.Get().Commit,
			ConnID:  client.ConnID,
		},
		Features: Features{Methods: s.Methods(), Events: events},
		Policy: ServerPolicy{
			MaxPayload:       maxPayloadBytes,
			MaxBufferedBytes: maxBufferedBytes,
			TickIntervalMs:   tickIntervalMs,
		},
	}
	if err := client.Respond(frame.ID, hello); err != nil {
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	s.log.Info().
		Str("connId", client.ConnID).
		Str("clientId", params.Client.ID).
		Str("mode", params.Client.Mode).
		Str("authMethod", authResult.Method).
		Msg("client authenticated")
	return client, nil
}

func (s *Server) readLoop(client *Client) {
	for {
		frame, err := client.ReadFrame()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("connId", client.ConnID).Msg("client closed connection")
			} else {
				s.log.Debug().Err(err).Str("connId", client.ConnID).Msg("read loop ended")
			}
			return
		}

		if frame.Type != FrameTypeRequest {
			s.log.Debug().Str("type", frame.Type).Msg("ignoring non-request frame")
			continue
		}
		s.dispatch(client, frame)
	}
}

func (s *Server) dispatch(client *Client, frame Frame) {
	handler, ok := s.handlers[frame.Method]
	if !ok {
		client.RespondError(frame.ID, ErrorShape{
			Code:    CodeMethodNotFound,
			Message: "unknown method: " + frame.Method,
		})
		return
	}

	rc := &RequestContext{Client: client, Frame: frame, Server: s}
	if !s.async[frame.Method] {
		s.run(handler, rc)
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.run(handler, rc)
	}()
}

// run invokes a handler, answering with an internal error if it panics.
func (s *Server) run(handler RequestHandler, rc *RequestContext) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().Interface("panic", rec).Str("method", rc.Frame.Method).Msg("rpc handler panicked")
			rc.RespondError(CodeInternal, "internal error")
		}
	}()
	handler(rc)
}

func sendErrorAndClose(conn *websocket.Conn, reqID, code, message string) {
	conn.WriteJSON(NewErrorResponse(reqID, ErrorShape{Code: code, Message: message}))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, message))
}
