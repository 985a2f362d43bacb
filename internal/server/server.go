// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package server is the HTTP front end: query submission over POST, GET and
// WebSocket, the explorer page, health and metrics.
//
// Handlers never touch the database. They build a job request, hand it to the
// dispatcher and park on the pending result, so a slow query holds only the
// goroutine of the connection that asked for it.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"querygate/server/internal/job"
	"querygate/server/internal/metrics"
)

// maxDocumentBytes bounds a query document read from a request body or frame.
const maxDocumentBytes = 1 << 20

// Dispatcher queues requests. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Submit(req *job.Request) (*job.Pending, error)
}

// Options configures a Server.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// RateLimit is requests per second per client IP. Zero disables limiting.
	RateLimit float64
	RateBurst int
}

// Server routes HTTP requests to the dispatcher.
type Server struct {
	disp    Dispatcher
	logger  *slog.Logger
	metrics *metrics.Metrics
	router  *gin.Engine
}

// New builds the router.
func New(d Dispatcher, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		disp:    d,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestID())
	router.Use(s.accessLog())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}
	router.GET("/explorer", s.explorer)

	query := router.Group("/query")
	if opts.RateLimit > 0 {
		query.Use(RateLimitMiddleware(opts.RateLimit, opts.RateBurst))
	}
	query.POST("", s.postQuery)
	query.GET("", s.getQuery)
	query.GET("/ws", s.websocket)

	router.NoRoute(func(c *gin.Context) {
		if c.Request.Method == http.MethodGet {
			c.Redirect(http.StatusFound, "/explorer")
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"kind": "not_found", "message": "no such route"}})
	})

	s.router = router
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// HTTPServer returns an *http.Server for addr serving s.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
