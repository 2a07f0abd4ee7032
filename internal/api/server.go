package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/homegate/internal/automation"
	"github.com/nerrad567/homegate/internal/device"
	"github.com/nerrad567/homegate/internal/events"
	"github.com/nerrad567/homegate/internal/infrastructure/config"
	"github.com/nerrad567/homegate/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Sweeper runs one liveness sweep. *health.Monitor implements it.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time, timeout time.Duration) []events.ChangeEvent
}

// Ticker runs one automation tick. *automation.Engine implements it.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) automation.TickResult
}

// StatsProvider reports registry counts. *device.Registry implements it.
type StatsProvider interface {
	Stats() device.Stats
}

// Check is a named readiness probe such as the broker session or database.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	Logger   *logging.Logger
	Sweeper  Sweeper
	Ticker   Ticker
	Stats    StatsProvider
	Checks   []Check
	Gatherer prometheus.Gatherer
	Version  string
}

// Server is the HTTP surface for external schedulers and monitoring.
//
// It serves the idempotent scheduler hooks, a liveness/readiness probe and
// Prometheus metrics. The server is created with New() and started with
// Start().
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	sweeper   Sweeper
	ticker    Ticker
	stats     StatsProvider
	checks    []Check
	gatherer  prometheus.Gatherer
	version   string
	startTime time.Time
	now       func() time.Time
	server    *http.Server
}

// New creates a new API server with the given dependencies.
//
// Parameters:
//   - deps: Logger, sweeper and ticker are required
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Sweeper == nil {
		return nil, fmt.Errorf("health sweeper is required")
	}
	if deps.Ticker == nil {
		return nil, fmt.Errorf("automation ticker is required")
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		sweeper:   deps.Sweeper,
		ticker:    deps.Ticker,
		stats:     deps.Stats,
		checks:    deps.Checks,
		gatherer:  gatherer,
		version:   deps.Version,
		startTime: time.Now(),
		now:       time.Now,
	}, nil
}

// Handler returns the router. Start serves it; tests call it directly.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening in a background goroutine. Stop it with Close().
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Close gracefully shuts down the API server, waiting up to 10 seconds for
// in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
