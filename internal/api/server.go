package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	appconfig "depthflow/config"
	"depthflow/internal/metrics"
	"depthflow/internal/query"
	"depthflow/logger"
)

const defaultRange = "-1h"

// PriceReader is the read side the API serves.
type PriceReader interface {
	PricesSince(ctx context.Context, rangeStart, symbol string) (query.Series, error)
}

// Server exposes the price history, health and prometheus endpoints.
type Server struct {
	cfg        appconfig.APIConfig
	prices     PriceReader
	scrape     bool
	log        *logger.Entry
	httpServer *http.Server
}

// NewServer returns nil when the API is disabled. scrape mounts /metrics.
func NewServer(cfg appconfig.APIConfig, prices PriceReader, scrape bool) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)
	return &Server{
		cfg:    cfg,
		prices: prices,
		scrape: scrape,
		log:    logger.GetLogger().WithComponent("api").WithFields(logger.Fields{"address": cfg.Address}),
	}
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api listening")

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

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/api/prices", s.handlePrices)

	if s.scrape {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return router
}

func (s *Server) handlePrices(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol query param required"})
		return
	}
	rangeStart := c.DefaultQuery("range", defaultRange)

	series, err := s.prices.PricesSince(c.Request.Context(), rangeStart, symbol)
	switch {
	case errors.Is(err, query.ErrInvalidRange), errors.Is(err, query.ErrInvalidSymbol):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.log.WithError(err).WithFields(logger.Fields{"symbol": symbol, "range": rangeStart}).Error("price query failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "price query failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol": strings.ToUpper(symbol),
		"range":  rangeStart,
		"prices": nonNil(series.Prices),
		"times":  nonNil(series.Times),
		"types":  nonNil(series.Types),
	})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}

	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, "8080")
	}
	if host == "" || host == "*" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, port)
}
