// Package admin exposes the manual override surface: run-now triggers for
// each worker and single-identifier add/remove/force-migrate that reuse the
// worker and registry code paths. No authentication; the dashboard in front
// of this API owns sessions.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ipfs-cluster/cache-node/events"
	"github.com/ipfs-cluster/cache-node/ipfsnode"
	"github.com/ipfs-cluster/cache-node/registry"
	"github.com/ipfs-cluster/cache-node/workers"
)

const DefaultListenAddr = "127.0.0.1:8090"

// Config holds the admin server settings.
type Config struct {
	ListenAddr string `json:"listen_addr"`
}

// DefaultAdminConfig returns the standard admin settings.
func DefaultAdminConfig() *Config {
	return &Config{ListenAddr: DefaultListenAddr}
}

// Validate checks the configuration
func (cfg *Config) Validate() error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	return nil
}

// Server is the admin HTTP API.
type Server struct {
	cfg       *Config
	reg       registry.Registry
	node      workers.StorageNode
	scheduler *workers.Scheduler
	migration *workers.Migration
	recorder  *events.Recorder
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
	httpSrv   *http.Server
}

// NewServer creates the admin server.
func NewServer(cfg *Config, reg registry.Registry, node workers.StorageNode, scheduler *workers.Scheduler, migration *workers.Migration, recorder *events.Recorder, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	return &Server{
		cfg:       cfg,
		reg:       reg,
		node:      node,
		scheduler: scheduler,
		migration: migration,
		recorder:  recorder,
		gatherer:  gatherer,
		logger:    logger.Named("admin"),
	}
}

// Router builds the gin engine. Exposed separately for tests.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.POST("/workers/:name/run", s.handleRunWorker)
		v1.POST("/pins", s.handleAddPin)
		v1.GET("/pins/:id", s.handleGetPin)
		v1.DELETE("/pins/:id", s.handleRemovePin)
		v1.POST("/pins/:id/migrate", s.handleForceMigrate)
	}
	return router
}

// Start runs the HTTP server until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Router(),
	}
	s.logger.Info("admin API listening", zap.String("addr", s.cfg.ListenAddr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()

	total, err := s.reg.Count(ctx, registry.Filter{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	counts := gin.H{"total": total}
	for _, st := range []registry.Status{registry.StatusPending, registry.StatusAccepted, registry.StatusRejected} {
		status := st
		n, err := s.reg.Count(ctx, registry.Filter{Status: &status})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		counts[st.String()] = n
	}
	migrated, err := s.reg.Count(ctx, registry.Filter{Migrated: boolPtr(true)})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	counts["migrated"] = migrated

	resp := gin.H{
		"pins":    counts,
		"workers": s.scheduler.Workers(),
	}
	if stat, err := s.node.RepoStat(ctx); err == nil {
		resp["repo"] = gin.H{
			"size_bytes": stat.RepoSize,
			"max_bytes":  stat.StorageMax,
			"objects":    stat.NumObjects,
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRunWorker(c *gin.Context) {
	name := c.Param("name")
	if err := s.scheduler.TriggerNow(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.recorder.Record(c.Request.Context(), "admin", events.SeverityInfo,
		fmt.Sprintf("manual run of %s requested", name), nil)
	c.JSON(http.StatusAccepted, gin.H{"worker": name, "triggered": true})
}

type addPinRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	// Pin also pins the content on the storage daemon instead of only
	// tracking it.
	Pin bool `json:"pin"`
}

func (s *Server) handleAddPin(c *gin.Context) {
	var req addPinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	if req.Pin {
		if err := s.node.PinAdd(ctx, req.Identifier); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
	}

	pin := registry.Pin{
		Identifier:   req.Identifier,
		DiscoveredAt: time.Now().UTC(),
		Status:       registry.StatusPending,
		Note:         "added manually",
	}
	if size, err := s.node.ObjectSize(ctx, req.Identifier); err == nil && size > 0 {
		pin.SizeBytes = &size
	}

	created, err := s.reg.InsertIfAbsent(ctx, pin)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.recorder.Record(ctx, "admin", events.SeverityInfo,
		fmt.Sprintf("pin %s added manually", req.Identifier),
		map[string]string{"created": fmt.Sprintf("%t", created)})
	c.JSON(http.StatusOK, gin.H{"identifier": req.Identifier, "created": created})
}

func (s *Server) handleGetPin(c *gin.Context) {
	pin, err := s.reg.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "pin not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pin)
}

func (s *Server) handleRemovePin(c *gin.Context) {
	identifier := c.Param("id")
	ctx := c.Request.Context()

	if _, err := s.reg.Get(ctx, identifier); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "pin not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := s.node.PinRemove(ctx, identifier); err != nil && !errors.Is(err, ipfsnode.ErrNotPinned) {
		s.logger.Warn("manual unpin failed on daemon",
			zap.String("identifier", identifier),
			zap.Error(err))
	}

	now := time.Now().UTC()
	note := "unpinned manually"
	err := s.reg.Update(ctx, identifier, registry.PinUpdate{
		Unpinned:   boolPtr(true),
		UnpinnedAt: &now,
		Note:       &note,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.recorder.Record(ctx, "admin", events.SeverityInfo,
		fmt.Sprintf("pin %s unpinned manually", identifier), nil)
	c.JSON(http.StatusOK, gin.H{"identifier": identifier, "unpinned": true})
}

func (s *Server) handleForceMigrate(c *gin.Context) {
	identifier := c.Param("id")
	ctx := c.Request.Context()

	err := s.migration.ForceMigrate(ctx, identifier)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "pin not found"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	s.recorder.Record(ctx, "admin", events.SeverityInfo,
		fmt.Sprintf("pin %s force-migrated", identifier), nil)
	c.JSON(http.StatusOK, gin.H{"identifier": identifier, "migrated": true})
}

func boolPtr(b bool) *bool { return &b }
