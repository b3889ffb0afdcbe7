package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"relay-flow-backend/internal/metrics"
	"relay-flow-backend/internal/models"
	"relay-flow-backend/internal/utils"
)

// Config holds HTTP server configuration
type Config struct {
	Addr            string        `yaml:"addr" json:"addr"`                       // Listen address (default: :8080)
	ReadTimeout     time.Duration `yaml:"readTimeout" json:"readTimeout"`         // (default: 10s)
	WriteTimeout    time.Duration `yaml:"writeTimeout" json:"writeTimeout"`       // (default: 10s)
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"` // Graceful shutdown bound (default: 10s)
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// FlowSource is the read side of the pipeline coordinator.
type FlowSource interface {
	DefaultWindowMs() int64
	RouteSummaries(windowMs int64) []models.RouteSummary
	DestinationFlows(windowMs int64) []models.DestinationFlow
	BridgeSummaries() []models.BridgeSummary
	SelectFlow(bridge, destination string) *models.RouteSummary
	ReconcileFilter(filter models.FlowFilter) models.FlowFilter
	ActiveParticles(bridge, destination string) []models.DisplayParticle
	Options() models.SelectorOptions
	FeedStatus() models.FeedStatus
	GetStats() map[string]interface{}
}

// CountsSource serves 24h deposit counts.
type CountsSource interface {
	Counts() models.DailyCounts
}

// ChainSource serves the chain table with latest block heights.
type ChainSource interface {
	GetAllChains() []models.ChainInfo
}

// HistorySource reads persisted transactions.
type HistorySource interface {
	RecentTransactions(ctx context.Context, limit int) ([]models.Transaction, error)
}

// WebSocketHandler accepts push clients.
type WebSocketHandler interface {
	UpgradeConnection(w http.ResponseWriter, r *http.Request)
	GetClientCount() int
}

// Server represents the HTTP server
type Server struct {
	config  Config
	flows   FlowSource
	counts  CountsSource
	chains  ChainSource
	history HistorySource
	ws      WebSocketHandler
	logger  *zap.Logger
}

// Deps are the sources a Server reads from. History and WebSocket may be
// nil.
type Deps struct {
	Flows     FlowSource
	Counts    CountsSource
	Chains    ChainSource
	History   HistorySource
	WebSocket WebSocketHandler
}

// NewServer creates a new server
func NewServer(config Config, deps Deps, logger *zap.Logger) *Server {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	return &Server{
		config:  config,
		flows:   deps.Flows,
		counts:  deps.Counts,
		chains:  deps.Chains,
		history: deps.History,
		ws:      deps.WebSocket,
		logger:  utils.OrNamed(logger, "SERVER"),
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/routes", s.handleRoutes).Methods(http.MethodGet)
	api.HandleFunc("/destinations", s.handleDestinations).Methods(http.MethodGet)
	api.HandleFunc("/bridges", s.handleBridges).Methods(http.MethodGet)
	api.HandleFunc("/flow", s.handleFlow).Methods(http.MethodGet)
	api.HandleFunc("/particles", s.handleParticles).Methods(http.MethodGet)
	api.HandleFunc("/options", s.handleOptions).Methods(http.MethodGet)
	api.HandleFunc("/counts/24h", s.handleCounts).Methods(http.MethodGet)
	api.HandleFunc("/chains", s.handleChains).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	if s.ws != nil {
		r.HandleFunc("/ws", s.ws.UpgradeConnection)
	}
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.config.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return utils.WrapError(err, utils.ErrorTypeNetwork, "LISTEN_FAILED", "HTTP server failed", "SERVER").
				WithContext("addr", s.config.Addr)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
