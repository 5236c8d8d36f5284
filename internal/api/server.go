// Package api serves the miner's read-only status API.
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bardlex/kristminer/internal/database"
	"github.com/bardlex/kristminer/internal/events"
	"github.com/bardlex/kristminer/internal/miner"
	"github.com/bardlex/kristminer/pkg/errors"
	"github.com/bardlex/kristminer/pkg/log"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

// StatusProvider is the part of the controller the API reads from.
type StatusProvider interface {
	Status() miner.Status
	Devices() []miner.DeviceStatus
	RecentEvents(n int) []events.Event
}

// Storage is the read side of the optional storage backends.
type Storage interface {
	Health(ctx context.Context) map[string]error
	Summary(ctx context.Context, limit int) (*database.Summary, error)
	DeviceHashrate(ctx context.Context, deviceID int, window time.Duration) (*database.DeviceHashrate, error)
}

var (
	_ StatusProvider = (*miner.Controller)(nil)
	_ Storage        = (*database.Manager)(nil)
)

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Running  bool              `json:"running"`
	Block    string            `json:"block,omitempty"`
	Backends map[string]string `json:"backends,omitempty"`
}

// Server is the status HTTP server.
type Server struct {
	provider StatusProvider
	storage  Storage
	logger   *log.Logger
	router   *gin.Engine
	srv      *http.Server
}

// NewServer builds the router. storage may be nil.
func NewServer(addr string, provider StatusProvider, storage Storage, logger *log.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		provider: provider,
		storage:  storage,
		logger:   logger.WithComponent("api"),
		router:   router,
	}

	api := router.Group("/api/v1")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)
		api.GET("/devices", s.handleDevices)
		api.GET("/devices/:id/hashrate", s.handleDeviceHashrate)
		api.GET("/events", s.handleEvents)
		api.GET("/history", s.handleHistory)
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens and serves until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.srv.Addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfiguration, "api_listen",
			"failed to listen").WithContext("addr", s.srv.Addr)
	}

	s.logger.Info("status API listening", "addr", listener.Addr().String())
	if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "api_serve", "status API failed")
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.provider.Status()
	resp := HealthResponse{
		Status:  "healthy",
		Running: st.Running,
		Block:   st.Chain.BlockID,
	}
	if !st.Running {
		resp.Status = "stopped"
	}

	if s.storage != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		for name, err := range s.storage.Health(ctx) {
			if resp.Backends == nil {
				resp.Backends = make(map[string]string)
			}
			if err != nil {
				resp.Backends[name] = err.Error()
				if resp.Status == "healthy" {
					resp.Status = "degraded"
				}
				continue
			}
			resp.Backends[name] = "ok"
		}
	}

	code := http.StatusOK
	if !st.Running {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.Status())
}

func (s *Server) handleDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": s.provider.Devices()})
}

func (s *Server) handleEvents(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	evts := s.provider.RecentEvents(limit)
	if t := c.Query("type"); t != "" {
		filtered := evts[:0:0]
		for _, e := range evts {
			if string(e.Type) == t {
				filtered = append(filtered, e)
			}
		}
		evts = filtered
	}

	c.JSON(http.StatusOK, gin.H{"events": evts, "count": len(evts)})
}

func (s *Server) handleHistory(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	if s.storage == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history storage is not configured"})
		return
	}

	summary, err := s.storage.Summary(c.Request.Context(), limit)
	if err != nil {
		s.storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleDeviceHashrate(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device id"})
		return
	}

	var window time.Duration
	if raw := c.Query("window"); raw != "" {
		window, err = time.ParseDuration(raw)
		if err != nil || window <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window must be a positive duration"})
			return
		}
	}
	if s.storage == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "hashrate storage is not configured"})
		return
	}

	rate, err := s.storage.DeviceHashrate(c.Request.Context(), id, window)
	if err != nil {
		s.storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, rate)
}

func (s *Server) storageError(c *gin.Context, err error) {
	if errors.IsType(err, errors.ErrorTypeConfiguration) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.logger.WithError(err).Warn("storage query failed", "path", c.FullPath())
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
}

// queryLimit parses ?limit=, writing a 400 response when it is invalid.
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultEventLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return min(n, maxEventLimit), true
}
