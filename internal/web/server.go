package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vitos/mt5_trade_manager/internal/domain"
	"github.com/vitos/mt5_trade_manager/internal/usecase"
	"go.uber.org/zap"
)

// Server is the status/control surface: read-mostly JSON endpoints over the
// store and broker, plus bot start/stop, config updates, and the external
// signal inlet.
type Server struct {
	router *http.ServeMux
	server *http.Server
	store  domain.Store
	broker domain.Broker
	bots   *usecase.BotService
	logger *zap.Logger
}

func NewServer(
	port int,
	store domain.Store,
	broker domain.Broker,
	bots *usecase.BotService,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router: http.NewServeMux(),
		store:  store,
		broker: broker,
		bots:   bots,
		logger: logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	// Service
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /account", s.handleAccount)

	// Bots
	s.router.HandleFunc("GET /bots", s.handleListBots)
	s.router.HandleFunc("GET /bots/{id}", s.handleBotStatus)
	s.router.HandleFunc("POST /bots/{id}/start", s.handleStartBot)
	s.router.HandleFunc("POST /bots/{id}/stop", s.handleStopBot)
	s.router.HandleFunc("PUT /bots/{id}/config", s.handleUpdateConfig)
	s.router.HandleFunc("POST /bots/{id}/signal", s.handleSignal)

	// Groups and trades
	s.router.HandleFunc("GET /bots/{id}/groups", s.handleBotGroups)
	s.router.HandleFunc("GET /groups/{id}/trades", s.handleGroupTrades)

	// Audit log
	s.router.HandleFunc("GET /events", s.handleEvents)
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
