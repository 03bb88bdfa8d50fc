// Package web serves the threadgate HTTP and WebSocket API.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/threadgate/internal/approvals"
	"github.com/haasonsaas/threadgate/internal/auth"
	"github.com/haasonsaas/threadgate/internal/dispatch"
	"github.com/haasonsaas/threadgate/internal/observability"
	"github.com/haasonsaas/threadgate/internal/ratelimit"
	"github.com/haasonsaas/threadgate/internal/streams"
	"github.com/haasonsaas/threadgate/pkg/models"
)

// Chats is the thread and chat surface of the dispatcher.
type Chats interface {
	CreateThread(ctx context.Context, caller *models.User, tenantID, title string) (*models.Thread, error)
	StartChat(ctx context.Context, caller *models.User, req dispatch.StartChatRequest) (*dispatch.StartChatResult, error)
	Messages(ctx context.Context, caller *models.User, tenantID, threadID string, limit int) ([]*models.Message, error)
	AuthorizeThread(ctx context.Context, caller *models.User, tenantID, threadID string) (*models.Thread, error)
}

// Approvals is the approval workflow surface.
type Approvals interface {
	CreateForCaller(ctx context.Context, caller *models.User, req models.ApprovalRequest) (*models.Approval, error)
	Get(ctx context.Context, caller *models.User, id string) (*models.Approval, error)
	ListForThread(ctx context.Context, caller *models.User, tenantID, threadID string, opts approvals.ListOptions) ([]*models.Approval, error)
	Decide(ctx context.Context, caller *models.User, id string, decision models.ApprovalStatus, comments string) (*models.Approval, error)
	Execute(ctx context.Context, caller *models.User, id string) (*models.Approval, error)
	Respond(ctx context.Context, caller *models.User, id string, response models.ResponseValue) (*approvals.RespondResult, error)
}

// Streams reads generation output.
type Streams interface {
	Read(ctx context.Context, handle string, offset int64) (*streams.Snapshot, error)
	Wait(ctx context.Context, handle string, offset int64, timeout time.Duration) (*streams.Snapshot, error)
	Subscribe(ctx context.Context, handle string, offset int64) (<-chan streams.Event, error)
}

// Config holds server dependencies and listener settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	Auth      *auth.Service
	Chats     Chats
	Approvals Approvals
	Streams   Streams

	// RateLimiter throttles POST routes per caller. Nil disables it.
	RateLimiter *ratelimit.Limiter

	// Gatherer backs /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Server is the API server.
type Server struct {
	config   Config
	logger   *slog.Logger
	handler  http.Handler
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener
}

// New validates dependencies and builds the routing tree.
func New(cfg Config) (*Server, error) {
	if cfg.Auth == nil {
		return nil, errors.New("web: auth service is required")
	}
	if cfg.Chats == nil || cfg.Approvals == nil || cfg.Streams == nil {
		return nil, errors.New("web: chats, approvals and streams are required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config: cfg,
		logger: logger.With("component", "web"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 8192,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	api := http.NewServeMux()
	limit := RateLimitMiddleware(s.config.RateLimiter, s.config.Metrics)
	handle := func(pattern string, fn http.HandlerFunc) {
		var h http.Handler = fn
		if strings.HasPrefix(pattern, http.MethodPost+" ") {
			h = limit(h)
		}
		api.Handle(pattern, MetricsMiddleware(s.config.Metrics, pattern)(h))
	}
	handle("POST /api/threads", s.handleCreateThread)
	handle("POST /api/threads/{id}/chat", s.handleChat)
	handle("GET /api/threads/{id}/messages", s.handleMessages)
	handle("GET /api/threads/{id}/approvals", s.handleThreadApprovals)
	handle("POST /api/approvals", s.handleCreateApproval)
	handle("GET /api/approvals/{id}", s.handleGetApproval)
	handle("POST /api/approvals/{id}/decision", s.handleDecision)
	handle("POST /api/approvals/{id}/response", s.handleResponse)
	handle("POST /api/approvals/{id}/execute", s.handleExecute)
	handle("GET /api/streams/{handle}", s.handleStreamRead)
	handle("GET /ws/streams/{handle}", s.handleStreamSocket)

	metrics := promhttp.Handler()
	if s.config.Gatherer != nil {
		metrics = promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", handleHealthz)
	root.Handle("GET /metrics", metrics)
	authed := auth.Middleware(s.config.Auth, s.logger)(api)
	root.Handle("/api/", authed)
	root.Handle("/ws/", authed)

	var h http.Handler = root
	h = LoggingMiddleware(s.logger)(h)
	h = CORSMiddleware(s.config.AllowedOrigins)(h)
	return h
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr is the bound listener address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	s.listener = nil
	return err
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
