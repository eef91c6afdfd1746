// Package server exposes the REST and SSE surface over gin.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/spyre-sh/spyre/internal/common/config"
	"github.com/spyre-sh/spyre/internal/common/httpmw"
	"github.com/spyre-sh/spyre/internal/common/logger"
	"github.com/spyre-sh/spyre/internal/dispatcher"
	"github.com/spyre-sh/spyre/internal/events/bus"
	"github.com/spyre-sh/spyre/internal/orchestrator"
	"github.com/spyre-sh/spyre/internal/pipeline"
	"github.com/spyre-sh/spyre/internal/provisioner"
	"github.com/spyre-sh/spyre/internal/proxmox"
	"github.com/spyre-sh/spyre/internal/store"
)

// Deps are the collaborators the handlers delegate to. Lifecycle is nil
// when no hypervisor is configured; environment create/destroy then return
// 409.
type Deps struct {
	Store        *store.Store
	Bus          bus.EventBus
	Dispatcher   *dispatcher.Dispatcher
	Engine       *pipeline.Engine
	Orchestrator *orchestrator.Manager
	Lifecycle    *proxmox.Lifecycle
	Provisioner  *provisioner.Provisioner
}

// Server is the HTTP front end.
type Server struct {
	http *http.Server
	log  *logger.Logger
}

// New builds the router and the HTTP server around it.
func New(cfg *config.Config, deps Deps, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.RequestLogger(log))
	router.Use(httpmw.CORS())

	h := &handlers{deps: deps, log: log}
	h.register(router.Group("/api"))

	return &Server{
		http: &http.Server{
			Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:     router,
			ReadTimeout: cfg.Server.ReadTimeoutDuration(),
			// No WriteTimeout: the SSE streams are long-lived.
		},
		log: log,
	}
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.Info("http server listening on " + s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
