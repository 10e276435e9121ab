// Package server exposes the fusion model over HTTP with a websocket event
// stream and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/fusion-encoder/internal/checkpoint"
	"github.com/raaihank/fusion-encoder/internal/config"
	"github.com/raaihank/fusion-encoder/internal/logger"
	"github.com/raaihank/fusion-encoder/internal/metrics"
	"github.com/raaihank/fusion-encoder/internal/model"
	"github.com/raaihank/fusion-encoder/internal/web"
	"github.com/raaihank/fusion-encoder/internal/websocket"
)

const statusInterval = 30 * time.Second

// Dependencies are the collaborators the server is built around.
type Dependencies struct {
	Model   *model.Model
	Store   checkpoint.Store // optional; checkpoint routes answer 503 without it
	Metrics metrics.Metrics  // optional; a private registry is created when nil
	Version string
}

// Server represents the HTTP inference server
type Server struct {
	config    *config.Config
	logger    *logger.Logger
	model     *model.Model
	store     checkpoint.Store
	metrics   metrics.Metrics
	limiter   *RateLimiter
	router    *mux.Router
	server    *http.Server
	wsHub     *websocket.Hub
	version   string
	startedAt time.Time
}

// New creates a new server instance
func New(cfg *config.Config, log *logger.Logger, deps Dependencies) (*Server, error) {
	if deps.Model == nil {
		return nil, fmt.Errorf("server requires a model")
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics(metrics.InstanceInfo{
			ModelID: cfg.Model.ModelID,
			Version: deps.Version,
		})
	}

	ws := cfg.WebSocket
	wsHub := websocket.NewHub(websocket.HubConfig{
		BroadcastForward:     ws.Events.BroadcastForward,
		BroadcastCheckpoints: ws.Events.BroadcastCheckpoints,
		BroadcastSystem:      ws.Events.BroadcastSystem,
		BroadcastConnections: ws.Events.BroadcastConnections,
		Username:             ws.Username,
		Password:             ws.Password,
		MaxConnections:       ws.MaxConnections,
		ReadBufferSize:       ws.ReadBufferSize,
		WriteBufferSize:      ws.WriteBufferSize,
		PingInterval:         ws.PingInterval,
		PongTimeout:          ws.PongTimeout,
		WriteTimeout:         ws.WriteTimeout,
		MaxMessageSize:       ws.MaxMessageSize,
		AllowedOrigins:       ws.AllowedOrigins,
	}, deps.Metrics, log.Logger)

	s := &Server{
		config:    cfg,
		logger:    log.WithComponent("server"),
		model:     deps.Model,
		store:     deps.Store,
		metrics:   deps.Metrics,
		limiter:   NewRateLimiter(cfg.Server.RateLimit),
		router:    mux.NewRouter(),
		wsHub:     wsHub,
		version:   deps.Version,
		startedAt: time.Now(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, metrics.NewMetricsHandler(s.metrics, s.logger.Logger)).Methods(http.MethodGet)
	}

	if s.config.WebSocket.Enabled {
		s.router.HandleFunc(s.config.WebSocket.Path, s.wsHub.HandleWebSocket).Methods(http.MethodGet)
		s.router.Handle("/dashboard", web.NewDashboardHandler(web.DashboardData{
			Version: s.version,
			ModelID: s.model.Info().ModelID,
			WSPath:  s.config.WebSocket.Path,
		}, s.logger.Logger)).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.rateLimitMiddleware)
	api.Use(s.bodyLimitMiddleware)

	api.HandleFunc("/encode", s.handleEncode).Methods(http.MethodPost)
	api.HandleFunc("/normalize", s.handleNormalize).Methods(http.MethodPost)
	api.HandleFunc("/forward", s.handleForward).Methods(http.MethodPost)
	api.HandleFunc("/forward/batch", s.handleForwardBatch).Methods(http.MethodPost)
	api.HandleFunc("/checkpoints", s.handleListCheckpoints).Methods(http.MethodGet)
	api.HandleFunc("/checkpoints/{name}/save", s.handleSaveCheckpoint).Methods(http.MethodPost)
	api.HandleFunc("/checkpoints/{name}/load", s.handleLoadCheckpoint).Methods(http.MethodPost)

	// subrouters keep their own fallbacks, so /v1 needs them set as well
	for _, r := range []*mux.Router{s.router, api} {
		r.NotFoundHandler = http.HandlerFunc(handleNotFound)
		r.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)
	}
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not allowed on "+r.URL.Path)
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the WebSocket hub for broadcasting events
func (s *Server) Hub() *websocket.Hub {
	return s.wsHub
}

// UpdateRateLimit applies new rate limit settings to every client.
func (s *Server) UpdateRateLimit(cfg config.RateLimitConfig) {
	s.limiter.Update(cfg)
	s.logger.Info("Rate limit updated",
		zap.Bool("enabled", cfg.Enabled),
		zap.Float64("requests_per_second", cfg.RequestsPerSecond),
		zap.Int("burst", cfg.Burst),
	)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting fusion-encoder server",
		zap.String("addr", s.server.Addr),
		zap.String("model_id", s.config.Model.ModelID),
		zap.String("checkpoint_backend", s.config.Checkpoint.Backend),
		zap.Bool("websocket", s.config.WebSocket.Enabled),
	)

	go s.wsHub.Run(ctx)
	go s.limiter.StartCleanupRoutine(ctx, 10*time.Minute)
	go s.statusLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping fusion-encoder server")
	return s.server.Shutdown(ctx)
}

func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.wsHub.BroadcastEvent(websocket.Event{
				Type: websocket.EventTypeSystemStatus,
				Data: s.systemStatus(),
			})
		}
	}
}

func (s *Server) systemStatus() websocket.SystemStatusEvent {
	info := s.model.Info()
	return websocket.SystemStatusEvent{
		Status:           "healthy",
		Uptime:           time.Since(s.startedAt).Round(time.Second).String(),
		ModelID:          info.ModelID,
		ScalerFitted:     info.ScalerFitted,
		ConnectedClients: s.wsHub.ActiveConnections(),
	}
}
