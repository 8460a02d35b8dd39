// Package apihttp 提供引擎的 HTTP 接口：仓位查询、信号与成交回报提交、
// consumer 与行情连接状态以及 prometheus 指标。
package apihttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"quantflow/internal/logger"

	"github.com/gin-gonic/gin"
)

// Server 是 gin 之上的最小 HTTP 服务。
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig 描述 HTTP 服务依赖。Engine 必填，其余为可选。
type ServerConfig struct {
	Addr        string
	Engine      Pipeline
	Connections ConnectionQuerier
	Journal     EventLog
	Audit       AuditLog
	Metrics     http.Handler
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("api http server requires engine")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	NewRouter(cfg).Register(router.Group("/api"))
	return &Server{addr: cfg.Addr, router: router}, nil
}

// requestLogger 记录每个请求的方法、路径、状态码与耗时。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if query := c.Request.URL.RawQuery; query != "" {
			path += "?" + query
		}
		c.Next()
		status := c.Writer.Status()
		switch {
		case status >= http.StatusInternalServerError:
			logger.Warnf("HTTP %s %s status=%d ip=%s dur=%s", c.Request.Method, path, status, c.ClientIP(), time.Since(start))
		case logger.DebugEnabled():
			logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", c.Request.Method, path, status, c.ClientIP(), time.Since(start))
		}
	}
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Handler 暴露路由，便于测试直接驱动。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Slog().Handler(), slog.LevelWarn),
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("[http] listening on %s", s.addr)

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
