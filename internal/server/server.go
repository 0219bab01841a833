package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"genesis/internal/chat"
	"genesis/internal/config"
	"genesis/internal/hub"
	"genesis/internal/router"
	"genesis/internal/store"
)

const (
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 150 * time.Second
	idleTimeout         = 120 * time.Second
	socketWriteWait     = 10 * time.Second
)

// Deps are the collaborators the HTTP surface dispatches to.
type Deps struct {
	Router *router.Router
	Runner *chat.Runner
	Files  *store.Library
	Hub    *hub.Hub
}

type Server struct {
	cfg      config.Config
	router   *router.Router
	runner   *chat.Runner
	files    *store.Library
	hub      *hub.Hub
	app      *echo.Echo
	upgrader websocket.Upgrader
	address  string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Router == nil {
		return nil, errors.New("router must not be nil")
	}
	if deps.Runner == nil {
		return nil, errors.New("runner must not be nil")
	}
	if deps.Files == nil {
		return nil, errors.New("file library must not be nil")
	}
	if deps.Hub == nil {
		deps.Hub = hub.New()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Server.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		router:  deps.Router,
		runner:  deps.Runner,
		files:   deps.Files,
		hub:     deps.Hub,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.Server.AllowedOrigins),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled. Request contexts
// derive from ctx, so open sockets are torn down on shutdown.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	slog.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.app.GET("/models", s.handleModels)
	s.app.POST("/chat", s.handleChat)

	s.app.POST("/save_chat", s.handleSaveChat)
	s.app.POST("/load_chat", s.handleLoadChat)
	s.app.GET("/chats", s.handleListChats)
	s.app.DELETE("/chats/*", s.handleDeleteChat)

	files := s.app.Group("/files/:type")
	files.POST("/save", s.handleSaveFile)
	files.GET("/list", s.handleListFiles)
	files.POST("/load", s.handleLoadFile)
	files.DELETE("/delete/*", s.handleDeleteFile)

	dirs := s.app.Group("/directory/:type")
	dirs.GET("/list", s.handleListDirectory)
	dirs.GET("/list/*", s.handleListDirectory)
	dirs.POST("/create", s.handleCreateDirectory)
	dirs.DELETE("/delete/*", s.handleDeleteDirectory)

	s.app.GET("/ws/chat", s.handleChatSocket)
	s.app.GET("/ws/worker-connect", s.handleWorkerSocket)
	s.app.GET("/ws/frontend-requests", s.handleFrontendSocket)
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("genesis ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  WS   /ws/chat")
	fmt.Println("  WS   /ws/worker-connect")
	fmt.Println("  WS   /ws/frontend-requests")
	fmt.Println("  GET  /health  /models  /chats  /metrics")
	fmt.Println("  POST /chat  /save_chat  /load_chat")
	fmt.Println("  FILE /files/{chat,document,prompt}/{save,list,load,delete}")
	fmt.Println("  DIR  /directory/{chat,document,prompt}/{list,create,delete}")
	fmt.Printf("Socket example:\n  {\"requestId\":1,\"model\":\"deepseek-chat\",\"messages\":[{\"role\":\"user\",\"content\":\"hi\"}],\"stream\":true}\n\n")
}
