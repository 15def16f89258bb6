// Package api serves the gateway's HTTP surface: the platform webhook
// mount, Prometheus metrics, health, and the WebChat debug console's
// HTTP and WebSocket routes.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/langbot-app/LangBot/internal/config"
	"github.com/langbot-app/LangBot/internal/observability"
	"github.com/langbot-app/LangBot/internal/pipeline"
	"github.com/langbot-app/LangBot/internal/platform"
	"github.com/langbot-app/LangBot/internal/platform/webchat"
)

// Server is the HTTP surface of the gateway.
type Server struct {
	cfg    config.APIConfig
	logger *observability.Logger

	dispatcher *platform.Dispatcher
	webchat    *webchat.Adapter
	pipelines  *pipeline.Manager
	pool       *pipeline.Pool
	tokens     *TokenService

	wsPool *wsPool

	httpServer *http.Server
	listener   net.Listener
}

// Deps bundles what the server needs.
type Deps struct {
	Config     config.APIConfig
	Logger     *observability.Logger
	Dispatcher *platform.Dispatcher
	WebChat    *webchat.Adapter
	Pipelines  *pipeline.Manager
	Pool       *pipeline.Pool
}

// NewServer builds the server and its routes.
func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:        deps.Config,
		logger:     deps.Logger,
		dispatcher: deps.Dispatcher,
		webchat:    deps.WebChat,
		pipelines:  deps.Pipelines,
		pool:       deps.Pool,
		tokens:     NewTokenService(deps.Config.JWTSecret),
	}
	s.wsPool = newWSPool(deps.Logger, deps.Config.WSStaleTimeout)
	return s
}

// Handler builds the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	if s.dispatcher != nil {
		mux.Handle("/bots/", s.dispatcher)
	}

	mux.HandleFunc("POST /api/v1/pipelines/{uuid}/chat/send", s.handleChatSend)
	mux.HandleFunc("GET /api/v1/pipelines/{uuid}/messages/{session_type}", s.handleChatHistory)
	mux.HandleFunc("POST /api/v1/pipelines/{uuid}/reset/{session_type}", s.handleChatReset)
	mux.HandleFunc("GET /api/v1/pipelines/{uuid}/chat/ws", s.handleChatWS)

	return mux
}

// Start listens and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wsPool.startSweep()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error(ctx, "http server error", "error", err)
			}
		}
	}()

	if s.logger != nil {
		s.logger.Info(ctx, "http server listening", "addr", addr)
	}
	return nil
}

// Shutdown stops the server and closes debug connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsPool.stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
