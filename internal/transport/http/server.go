// Package http exposes the trigger boundary over HTTP so the excluded web/job
// layer can call the orchestrator with the stable request/outcome schema.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mirra/internal/logger"
	"mirra/internal/orchestrator"
	"mirra/internal/store/auditlog"
)

// Server 提供触发接口与审计查询的最小 HTTP 服务。
type Server struct {
	addr   string
	router *gin.Engine
}

type ServerConfig struct {
	Addr         string
	Orchestrator *orchestrator.Orchestrator
	AuditLog     *auditlog.Store
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("http server requires an orchestrator")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9980"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &triggerHandler{orch: cfg.Orchestrator, audit: cfg.AuditLog}
	api := router.Group("/api/v1")
	api.POST("/triggers", h.handleTrigger)
	api.GET("/audit", h.handleAudit)

	return &Server{addr: cfg.Addr, router: router}, nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler { return s.router }
