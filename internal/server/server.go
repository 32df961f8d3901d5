package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
	"sudooom.im.realtime/internal/auth"
	"sudooom.im.realtime/internal/config"
	"sudooom.im.realtime/internal/connection"
	apperrors "sudooom.im.realtime/internal/errors"
	"sudooom.im.realtime/internal/handler"
	"sudooom.im.realtime/internal/protocol"
	"sudooom.im.realtime/internal/snowflake"
)

const (
	authTimeout     = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Deps 服务依赖，Health 与 Metrics 可为 nil
type Deps struct {
	Authenticator *auth.Authenticator
	Manager       *connection.Manager
	Handler       *handler.Handler
	IDs           *snowflake.Node
	Health        http.Handler
	Ready         http.Handler
	Metrics       http.Handler
	Logger        *slog.Logger
}

type Server struct {
	cfg         *config.Config
	authn       *auth.Authenticator
	connMgr     *connection.Manager
	handler     *handler.Handler
	ids         *snowflake.Node
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	checkOrigin func(r *http.Request) bool
	routes      http.Handler
	httpServer  *http.Server

	mu       sync.Mutex
	closed   bool
	wtServer *webtransport.Server
	wg       sync.WaitGroup
}

func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:         cfg,
		authn:       deps.Authenticator,
		connMgr:     deps.Manager,
		handler:     deps.Handler,
		ids:         deps.IDs,
		logger:      deps.Logger.With("component", "server"),
		checkOrigin: originChecker(cfg.Server.AllowedOrigins),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /presence/{userId}", s.handlePresence)
	mux.HandleFunc("GET /stats", s.handleStats)
	if deps.Health != nil {
		mux.Handle("GET /health", deps.Health)
	}
	if deps.Ready != nil {
		mux.Handle("GET /ready", deps.Ready)
	}
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}
	s.routes = mux

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.routes,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// originChecker 未携带 Origin 的非浏览器客户端放行
// 白名单为空时只允许同源，包含 "*" 时允许全部
func originChecker(allowed []string) func(r *http.Request) bool {
	origins := make(map[string]struct{}, len(allowed))
	allowAll := false
	for _, o := range allowed {
		o = normalizeOrigin(o)
		if o == "*" {
			allowAll = true
		}
		origins[o] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		if len(origins) > 0 {
			_, ok := origins[normalizeOrigin(origin)]
			return ok
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

func normalizeOrigin(origin string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
}

// Routes HTTP 路由，WebSocket 与运维接口共用
func (s *Server) Routes() http.Handler {
	return s.routes
}

// StartHTTP 阻塞直到 HTTP 服务关闭
// 在 Shutdown 之后调用直接返回 nil
func (s *Server) StartHTTP() error {
	s.logger.Info("HTTP server starting", "addr", s.cfg.Server.HTTPAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWebTransport 阻塞直到 WebTransport 服务关闭
// 在 Shutdown 之后调用直接返回 nil
func (s *Server) StartWebTransport(ctx context.Context) error {
	if s.isClosed() {
		return nil
	}

	tlsConfig, err := loadTLSConfig(s.cfg.QUIC.CertFile, s.cfg.QUIC.KeyFile, ".", s.logger)
	if err != nil {
		return err
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:        s.cfg.QUIC.MaxIdleTimeout,
		KeepAlivePeriod:       s.cfg.QUIC.KeepAlivePeriod,
		MaxIncomingStreams:    s.cfg.QUIC.MaxIncomingStreams,
		MaxIncomingUniStreams: s.cfg.QUIC.MaxIncomingUniStreams,
		Allow0RTT:             s.cfg.QUIC.Allow0RTT,
		EnableDatagrams:       true, // WebTransport 需要启用数据报支持
	}

	wtServer := &webtransport.Server{
		H3: http3.Server{
			Addr:       s.cfg.Server.Addr,
			TLSConfig:  tlsConfig,
			QUICConfig: quicConfig,
		},
		CheckOrigin: s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webtransport", func(w http.ResponseWriter, r *http.Request) {
		// 升级后 r 不再可用，先取出 Cookie 与 Authorization
		creds := auth.CredentialsFromRequest(r, "")
		session, err := wtServer.Upgrade(w, r)
		if err != nil {
			s.logger.Error("WebTransport upgrade failed", "error", err)
			return
		}
		s.wg.Add(1)
		go s.handleSession(ctx, session, creds)
	})
	wtServer.H3.Handler = mux

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.wtServer = wtServer
	s.mu.Unlock()

	s.logger.Info("WebTransport server starting", "addr", s.cfg.Server.Addr)
	if err := wtServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) channelOptions(id int64, userID, remoteAddr string) connection.ChannelOptions {
	return connection.ChannelOptions{
		ID:          id,
		UserID:      userID,
		RemoteAddr:  remoteAddr,
		SendBuffer:  s.cfg.Presence.SendBuffer,
		IdleTimeout: s.cfg.Presence.IdleTimeout,
		Logger:      s.logger,
	}
}

// handleWebSocket 先认证再升级，认证失败不会进入注册表
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(r) {
		s.logger.Warn("WebSocket origin rejected", "origin", r.Header.Get("Origin"), "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusForbidden, apperrors.ErrOriginNotAllowed)
		return
	}

	creds := auth.CredentialsFromRequest(r, r.URL.Query().Get("token"))
	identity, err := s.authn.Authenticate(creds)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}

	id := s.ids.Generate().Int64()
	ch := connection.NewWebSocketChannel(ws, s.channelOptions(id, identity.UserID, creds.RemoteAddr))
	_ = ch.Send(protocol.EventAuthenticated, authAck(identity, id))
	s.serveChannel(ch, identity, ch.Serve)
}

// handleSession 首个双向流的首帧必须是认证请求
func (s *Server) handleSession(ctx context.Context, session *webtransport.Session, creds auth.Credentials) {
	defer s.wg.Done()

	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	stream, err := session.AcceptStream(authCtx)
	cancel()
	if err != nil {
		_ = session.CloseWithError(connection.CloseCodeAuthFailed, "auth timeout")
		return
	}

	_ = stream.SetReadDeadline(time.Now().Add(authTimeout))
	frameType, body, err := protocol.ReadFrame(stream)
	if err != nil || frameType != protocol.FrameTypeAuth {
		s.logger.Debug("Missing auth frame", "frame_type", frameType, "error", err)
		s.rejectSession(session, stream, apperrors.ErrMissingCredential)
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	var req protocol.AuthRequest
	if err := json.Unmarshal(body, &req); err == nil {
		creds.Handshake = req.Token
	}

	identity, err := s.authn.Authenticate(creds)
	if err != nil {
		s.rejectSession(session, stream, err)
		return
	}

	id := s.ids.Generate().Int64()
	ack, _ := json.Marshal(authAck(identity, id))
	_ = stream.SetWriteDeadline(time.Now().Add(authTimeout))
	if err := protocol.WriteFrame(stream, protocol.FrameTypeAuthAck, ack); err != nil {
		s.logger.Debug("Failed to write auth ack", "error", err)
		_ = session.CloseWithError(connection.CloseCodeNormal, "")
		return
	}

	ch := connection.NewWebTransportChannel(session, stream, s.channelOptions(id, identity.UserID, creds.RemoteAddr))
	s.serveChannel(ch, identity, ch.Serve)
}

func (s *Server) rejectSession(session *webtransport.Session, stream *webtransport.Stream, err error) {
	ack, _ := json.Marshal(protocol.AuthAck{
		Code:    apperrors.GetCode(err),
		Message: apperrors.GetMessage(err),
	})
	_ = stream.SetWriteDeadline(time.Now().Add(authTimeout))
	_ = protocol.WriteFrame(stream, protocol.FrameTypeAuthAck, ack)
	_ = stream.Close()
	if err := session.CloseWithError(connection.CloseCodeAuthFailed, "auth failed"); err != nil {
		s.logger.Debug("Failed to close session", "error", err)
	}
}

// serveChannel 注册通道并阻塞在读循环，返回时从注册表移除
func (s *Server) serveChannel(ch connection.Channel, identity *auth.Identity, serve func(func([]byte))) {
	if !s.connMgr.Register(ch, identity.UserID) {
		ch.ForceClose("registration rejected")
		return
	}
	defer s.connMgr.Remove(ch.ID())

	serve(s.handler.ForChannel(ch, identity.UserID))
}

func authAck(identity *auth.Identity, channelID int64) protocol.AuthAck {
	return protocol.AuthAck{
		Code:      apperrors.CodeSuccess,
		Message:   "ok",
		UserID:    identity.UserID,
		ChannelID: snowflake.ID(channelID).String(),
	}
}

// PresenceView GET /presence/{userId}
type PresenceView struct {
	UserID      string     `json:"userId"`
	Online      bool       `json:"online"`
	Connections int        `json:"connections"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	view := PresenceView{
		UserID:      userID,
		Online:      s.connMgr.IsOnline(userID),
		Connections: s.connMgr.ConnectionCount(userID),
	}
	if seen, ok := s.connMgr.LastSeen(userID); ok {
		view.LastSeen = &seen
	}
	writeJSON(w, http.StatusOK, view)
}

// StatsView GET /stats
type StatsView struct {
	connection.Stats
	OnlineUsers           int `json:"onlineUsers"`
	MaxConnectionsPerUser int `json:"maxConnectionsPerUser"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsView{
		Stats:                 s.connMgr.Stats(),
		OnlineUsers:           len(s.connMgr.OnlineUsers()),
		MaxConnectionsPerUser: s.connMgr.MaxConnectionsPerUser(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, protocol.ErrorPayload{
		Code:    apperrors.GetCode(err),
		Message: apperrors.GetMessage(err),
	})
}

// Shutdown 关闭监听与所有通道，等待 WebTransport 会话结束
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	wtServer := s.wtServer
	s.mu.Unlock()

	var errs []error
	for _, b := range s.connMgr.Bindings() {
		b.Channel.ForceClose("server shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if wtServer != nil {
		if err := wtServer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	return errors.Join(errs...)
}
