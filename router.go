package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/choraleia/concierge/pkg/event"
	"github.com/choraleia/concierge/pkg/handler"
	"github.com/gin-gonic/gin"
)

type Server struct {
	ginEngine *gin.Engine
	app       *App
	logger    *slog.Logger
	addr      string
	port      int
}

func NewServer(app *App) *Server {
	gin.SetMode(gin.ReleaseMode)
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())

	server := &Server{
		ginEngine: ginEngine,
		app:       app,
		logger:    app.Logger,
		addr:      fmt.Sprintf("%s:%d", app.Config.Host(), app.Config.Port()),
	}

	server.SetupRoutes()

	return server
}

// Start listens and serves until ctx is cancelled. A bind failure is
// returned immediately.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.ginEngine}

	// Attempt to listen on port first; if occupied return error immediately
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}
	s.logger.Info("HTTP server listening", "addr", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	// Listen for context cancellation for graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	// Non-blocking: if startup fails immediately return error; otherwise return nil to let main continue
	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	default:
	}
	return nil
}

func (s *Server) SetupRoutes() {
	a := s.app
	metrics := handler.NewMetrics(nil)
	s.ginEngine.Use(metrics.Instrument())

	s.ginEngine.GET("/metrics", metrics.Handler())
	s.ginEngine.GET("/healthz", s.healthz)

	// Event push for observers
	// /api/events/ws
	s.ginEngine.GET("/api/events/ws", event.NewWSHandler(event.Global()).Handle)

	// API group
	// /api/v1
	apiGroup := s.ginEngine.Group("/api/v1")
	handler.NewConversationHandler(a.Assistant, a.Store, a.Delivery, a.Identity, a.Compactor, s.logger).RegisterRoutes(apiGroup)
	handler.NewKnowledgeHandler(a.Indexer, a.Retrieval, a.Scheduler, s.logger).RegisterRoutes(apiGroup)
	handler.NewStaffHandler(a.Identity, a.Domain, s.logger).RegisterRoutes(apiGroup)
}

// healthz reports whether the primary store answers.
func (s *Server) healthz(c *gin.Context) {
	sqlDB, err := s.app.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "vector_search": s.app.Vectors.Enabled(), "relay": s.app.Relay != nil})
}
