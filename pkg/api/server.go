// Package api exposes the lifecycle controller and the billing handler over
// a JSON HTTP interface.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jrepp/botfleet/pkg/billing"
	"github.com/jrepp/botfleet/pkg/fleet"
	"github.com/jrepp/botfleet/pkg/lifecycle"
	"github.com/jrepp/botfleet/pkg/supervisor"
)

// Fleet is the subset of the lifecycle controller the API calls.
type Fleet interface {
	CreateWorker(ctx context.Context, tenantID, name string) (*fleet.Worker, error)
	GetWorker(ctx context.Context, id int64) (*fleet.Worker, error)
	ListWorkers(ctx context.Context, tenantID string) ([]*fleet.Worker, error)
	DeleteWorker(ctx context.Context, id int64) error
	SetCredential(ctx context.Context, id int64, token string) error
	GetSettings(ctx context.Context, id int64) (*fleet.Settings, error)
	UpsertSettings(ctx context.Context, id int64, patch fleet.SettingsPatch) (*fleet.Settings, error)
	RequestStart(ctx context.Context, id int64) (*fleet.Worker, error)
	RequestStop(ctx context.Context, id int64) (*fleet.Worker, error)
	Describe(ctx context.Context, id int64) (*supervisor.Description, error)
	Logs(ctx context.Context, id int64, stream supervisor.Stream, lines int) ([]string, error)
	GetEntitlement(ctx context.Context, tenantID string) (*fleet.Entitlement, error)
}

// EventHandler processes one parsed billing event.
type EventHandler interface {
	Handle(ctx context.Context, ev *billing.Event) (billing.Result, error)
}

var _ Fleet = (*lifecycle.Controller)(nil)
var _ EventHandler = (*billing.Handler)(nil)

// Server wraps the gin router and its http.Server.
type Server struct {
	fleet    Fleet
	events   EventHandler
	gatherer prometheus.Gatherer
	log      *slog.Logger

	router *gin.Engine
	server *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the access and error logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// NewServer builds the router. events may be nil, in which case the billing
// endpoint is not registered.
func NewServer(f Fleet, events EventHandler, opts ...Option) *Server {
	s := &Server{
		fleet:    f,
		events:   events,
		gatherer: prometheus.DefaultGatherer,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "api")

	router := gin.New()
	router.Use(gin.Recovery(), requestID(), accessLog(s.log))
	s.router = router
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/api/v1")

	workers := v1.Group("/workers")
	workers.POST("", s.handleCreateWorker)
	workers.GET("", s.handleListWorkers)
	workers.GET("/:id", s.handleGetWorker)
	workers.DELETE("/:id", s.handleDeleteWorker)
	workers.PUT("/:id/credential", s.handleSetCredential)
	workers.GET("/:id/settings", s.handleGetSettings)
	workers.PATCH("/:id/settings", s.handleUpsertSettings)
	workers.POST("/:id/start", s.handleStart)
	workers.POST("/:id/stop", s.handleStop)
	workers.GET("/:id/metrics", s.handleDescribe)
	workers.GET("/:id/logs", s.handleLogs)

	v1.GET("/tenants/:tenant/entitlement", s.handleGetEntitlement)

	if s.events != nil {
		v1.POST("/billing/events", s.handleBillingEvent)
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server starting", "addr", addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("HTTP server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
