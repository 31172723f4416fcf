// Package http exposes the coordinator over HTTP and WebSocket.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"switchboard/internal/app/batch"
	"switchboard/internal/app/coordinator"
	"switchboard/internal/app/pubsub"
	"switchboard/internal/app/scheduler"
	progressdomain "switchboard/internal/domain/progress"
	"switchboard/internal/domain/run"
	sessiondomain "switchboard/internal/domain/session"
	"switchboard/internal/infra/observability"
	"switchboard/internal/shared/logging"
)

// Coordinator is the application surface served by the router.
type Coordinator interface {
	ExecuteCommand(ctx context.Context, req coordinator.CommandRequest) (*coordinator.CommandResponse, error)
	StartCommand(ctx context.Context, req coordinator.CommandRequest) (*coordinator.CommandResponse, error)
	ContinueSession(ctx context.Context, sessionID, prompt string) (*coordinator.CommandResponse, error)
	CreateSession(workingDirectory string, sessionContext map[string]string) (*sessiondomain.Session, error)
	KillSession(sessionID string) bool
	ForkSession(sessionID string) (*sessiondomain.Session, error)
	GetSession(sessionID string) (*sessiondomain.Session, error)
	ListSessions() []*sessiondomain.Session
	GetRun(ctx context.Context, runID string) (*run.AgentRun, error)
	ListRuns(ctx context.Context, filter run.ListFilter) ([]*run.AgentRun, int, error)
	RetryAgentRun(ctx context.Context, runID string) (*run.AgentRun, error)
	CancelRun(ctx context.Context, runID string) (bool, error)
	GenerateCommitMessages(ctx context.Context, in batch.Input) (*batch.Result, error)
	StartCommitMessages(ctx context.Context, in batch.Input) (*batch.Batch, error)
	GenerateExecutiveSummary(ctx context.Context, in batch.SummaryInput) (*batch.Summary, error)
	SubscribeCommandOutput(sessionID string) (*pubsub.Subscription[sessiondomain.OutputChunk], error)
	SubscribeRunProgress(runID string) (*pubsub.Subscription[progressdomain.Event], error)
	SubscribeBatchProgress(batchID string) (*pubsub.Subscription[progressdomain.BatchProgress], error)
}

// Config configures the listener and router.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	Debug          bool
	ReadTimeout    time.Duration
}

// Server owns the gin engine and the HTTP listener.
type Server struct {
	coordinator Coordinator
	engine      *gin.Engine
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	metrics     *observability.Metrics
	gatherer    prometheus.Gatherer
	stats       func() scheduler.Stats
	logger      logging.Logger
	startTime   time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records request metrics and serves gatherer on /metrics.
func WithMetrics(metrics *observability.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = metrics
		s.gatherer = gatherer
	}
}

// WithSchedulerStats reports scheduler occupancy on /health.
func WithSchedulerStats(stats func() scheduler.Stats) Option {
	return func(s *Server) { s.stats = stats }
}

// NewServer builds the router. Call Start to listen.
func NewServer(c Coordinator, cfg Config, opts ...Option) *Server {
	s := &Server{
		coordinator: c,
		logger:      logging.NewComponentLogger("HTTPServer"),
		gatherer:    prometheus.DefaultGatherer,
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(LoggingMiddleware(s.logger))
	engine.Use(MetricsMiddleware(s.metrics))

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With", "X-Log-Id"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	s.engine = engine
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Handler:           engine,
		ReadHeaderTimeout: cfg.ReadTimeout,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for handlers to return.
// WebSocket streams are hijacked and end with their subscriptions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// routeMetrics is the promhttp handler, or a 404 when metrics are off.
func (s *Server) routeMetrics() gin.HandlerFunc {
	if s.gatherer == nil {
		return func(c *gin.Context) { c.Status(http.StatusNotFound) }
	}
	return gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}
