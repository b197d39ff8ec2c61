package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"groupchat/internal/chat"
	"groupchat/internal/storage"
)

// Server defines fields used in HTTP processing
type Server struct {
	logger        *zap.SugaredLogger
	httpServer    *http.Server
	afterShutdown []func()
}

// NewServer returns new Server serving the JSON API over store and the event channel over hub
func NewServer(logger *zap.Logger, store storage.Store, hub *chat.Hub, opts ...Option) (*Server, error) {
	sugar := logger.Sugar()
	h := &handler{
		logger: sugar,
		store:  store,
		hub:    hub,
	}
	ws := &wsHandler{
		logger:    sugar,
		store:     store,
		hub:       hub,
		queueSize: defaultQueueSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// browser clients are served from a different origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	cfg := &config{
		httpServer: &http.Server{Addr: ":9000"},
		handlers: map[string]http.Handler{
			"/users/add":             http.HandlerFunc(h.createUser),
			"/users/get":             http.HandlerFunc(h.getUser),
			"/users/update":          http.HandlerFunc(h.updateUser),
			"/groups/add":            http.HandlerFunc(h.createGroup),
			"/groups/get":            http.HandlerFunc(h.groupsByUserID),
			"/groups/roster":         http.HandlerFunc(h.roster),
			"/groups/update":         http.HandlerFunc(h.updateGroup),
			"/groups/delete":         http.HandlerFunc(h.deleteGroup),
			"/groups/members/add":    http.HandlerFunc(h.addMember),
			"/groups/members/remove": http.HandlerFunc(h.removeMember),
			"/groups/clear":          http.HandlerFunc(h.clearGroup),
			"/messages/get":          http.HandlerFunc(h.messagesByGroupID),
			"/messages/receipts":     http.HandlerFunc(h.receipts),
		},
		raw: map[string]http.Handler{"/ws": ws},
		ws:  ws,
	}

	opts = append(opts, applyEnforcePostJson(), applyLog(logger), registerHandlers())
	for _, opt := range opts {
		opt.apply(cfg)
	}

	return &Server{
		logger:        sugar,
		httpServer:    cfg.httpServer,
		afterShutdown: cfg.afterShutdown,
	}, nil
}

// Handler returns the root http.Handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		s.logger.Info("Shutting down HTTP server")

		if err := s.httpServer.Shutdown(context.Background()); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}
		s.logger.Info("HTTP server is stopped")

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %v", err)
	}

	<-idleConnsClosed

	for _, f := range s.afterShutdown {
		f()
	}

	return nil
}
