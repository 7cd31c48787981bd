// Package dashboard hosts the operational HTTP surface: source states,
// host resources, health and Prometheus metrics.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tickflow/collector"
	"tickflow/config"
	"tickflow/logger"
)

// PipelineStatus is what the dashboard needs from the dispatcher.
type PipelineStatus interface {
	Status() []collector.Status
	Cycles() uint64
}

// Server hosts the Gin-powered monitoring endpoints.
type Server struct {
	cfg             config.DashboardConfig
	log             *logger.Log
	pipeline        PipelineStatus
	httpServer      *http.Server
	resourceSampler *resourceSampler
	started         time.Time
}

// NewServer constructs a dashboard server when the dashboard feature is
// enabled. When disabled the returned server is nil.
func NewServer(cfg config.DashboardConfig, pipeline PipelineStatus, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)
	return &Server{
		cfg:             cfg,
		log:             log,
		pipeline:        pipeline,
		resourceSampler: newResourceSampler(200, 5*time.Second, "/", log),
		started:         time.Now(),
	}
}

// Run starts the HTTP server and blocks until the context is cancelled
// or the server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.resourceSampler.stop()

	s.resourceSampler.start(ctx)
	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.buildRouter(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.SetTrustedProxies(nil)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).String(),
		})
	})

	router.GET("/api/status", func(c *gin.Context) {
		var sources []collector.Status
		var cycles uint64
		if s.pipeline != nil {
			sources = s.pipeline.Status()
			cycles = s.pipeline.Cycles()
		}
		c.JSON(http.StatusOK, gin.H{
			"cycles":  cycles,
			"sources": sources,
		})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}
	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}
	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
