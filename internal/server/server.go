package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fleet-control/internal/handler"
	"fleet-control/internal/labeling"
	"fleet-control/internal/orchestrator"
	"fleet-control/internal/registry"
	"fleet-control/internal/samplestore"
)

// Server wires the HTTP layer over the lifecycle services.
type Server struct {
	router *gin.Engine
	srv    *http.Server
	logger *zap.Logger
}

// Deps are the services the HTTP API is built over.
type Deps struct {
	Store             *samplestore.Store
	Queue             *labeling.Queue
	Registry          *registry.Registry
	Orch              *orchestrator.Orchestrator
	LabelingBatchSize int
}

// NewServer builds the router and registers all routes.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	s := &Server{router: router, logger: logger}
	s.setupRoutes(deps)
	return s
}

func (s *Server) setupRoutes(deps Deps) {
	sampleHandler := handler.NewSampleHandler(deps.Store, s.logger)
	labelingHandler := handler.NewLabelingHandler(deps.Queue, deps.LabelingBatchSize, s.logger)
	registryHandler := handler.NewRegistryHandler(deps.Registry, s.logger)
	fleetHandler := handler.NewFleetHandler(deps.Store, deps.Registry, s.logger)
	retrainingHandler := handler.NewRetrainingHandler(deps.Orch, s.logger)
	monitoringHandler := handler.NewMonitoringHandler(deps.Store, deps.Queue, deps.Registry, deps.Orch, s.logger)

	api := s.router.Group("/api/v1")
	{
		sampleHandler.RegisterRoutes(api)
		labelingHandler.RegisterRoutes(api)
		registryHandler.RegisterRoutes(api)
		fleetHandler.RegisterRoutes(api)
		retrainingHandler.RegisterRoutes(api)
		monitoringHandler.RegisterRoutes(api)
	}

	s.router.GET("/health", monitoringHandler.GetHealth)
}

// Router exposes the underlying engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	s.logger.Info("Server starting", zap.String("address", addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
