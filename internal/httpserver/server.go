// Package httpserver serves the read-only status views and the mode command
// endpoint over HTTP with echo.
package httpserver

import (
	"bytes"
	"context"
	"image/png"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/patrickmn/go-cache"

	"github.com/tphakala/stallwatch/internal/conf"
	"github.com/tphakala/stallwatch/internal/datastore"
	"github.com/tphakala/stallwatch/internal/errors"
	"github.com/tphakala/stallwatch/internal/export"
	"github.com/tphakala/stallwatch/internal/logger"
	"github.com/tphakala/stallwatch/internal/mailbox"
	"github.com/tphakala/stallwatch/internal/pipeline"
	"github.com/tphakala/stallwatch/internal/raster"
)

const (
	frameKey               = "frame.png"
	defaultShutdownTimeout = 5 * time.Second
	defaultEventLimit      = 50
	maxEventLimit          = 1000
)

// Source is the vision state the server reads. *pipeline.Pipeline
// implements it.
type Source interface {
	Snapshot() pipeline.Snapshot
	Output() *raster.Raster
}

// Metrics receives per-request measurements.
type Metrics interface {
	RecordRequest(method, route, code string, d time.Duration)
}

// Config configures the server.
type Config struct {
	Listen          string
	CacheTTL        time.Duration // 0 disables the frame cache
	ShutdownTimeout time.Duration
}

// ConfigFromSettings maps the webserver settings section.
func ConfigFromSettings(s *conf.Settings) Config {
	return Config{
		Listen:          s.WebServer.Listen,
		CacheTTL:        s.WebServer.CacheTTL,
		ShutdownTimeout: defaultShutdownTimeout,
	}
}

// Deps are the collaborators behind the routes. Mailbox and Store may be
// nil, which disables the mode and events endpoints.
type Deps struct {
	Source  Source
	Mailbox *mailbox.Mailbox
	Store   datastore.Interface
	Metrics Metrics
	Log     logger.Logger
}

// Server is the HTTP status API.
type Server struct {
	cfg    Config
	deps   Deps
	echo   *echo.Echo
	frames *cache.Cache
	log    logger.Logger

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// ModeResponse is the body returned by the mode endpoint.
type ModeResponse struct {
	Command string `json:"command"`
	Reply   string `json:"reply"`
}

// StallsResponse is the body returned by the stalls endpoint.
type StallsResponse struct {
	Seq  uint64 `json:"seq"`
	Mode string `json:"mode"`
	Busy int    `json:"busy"`
	export.Status
}

// New builds the echo instance and registers the routes.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Source == nil {
		return nil, errors.Newf("http server needs a status source").
			Component("httpserver").
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  deps.Log,
	}
	if s.log == nil {
		s.log = GetLogger()
	}
	if cfg.CacheTTL > 0 {
		// No janitor: a single key never needs sweeping.
		s.frames = cache.New(cfg.CacheTTL, 0)
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.echo.Use(echomw.Recover())
	s.echo.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v echomw.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, logger.Error(v.Error))
			}
			s.log.Debug("request", fields...)
			return nil
		},
	}))
	if s.deps.Metrics != nil {
		s.echo.Use(s.metricsMiddleware)
	}
}

func (s *Server) metricsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		code := c.Response().Status
		if err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				code = he.Code
			} else {
				code = http.StatusInternalServerError
			}
		}
		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		s.deps.Metrics.RecordRequest(c.Request().Method, route, strconv.Itoa(code), time.Since(start))
		return err
	}
}

func (s *Server) setupRoutes() {
	g := s.echo.Group("/api/v1")
	g.GET("/health", s.health)
	g.GET("/stalls", s.stalls)
	g.GET("/status.json", s.statusJSON)
	g.GET("/status.svg", s.statusSVG)
	g.GET("/frame.png", s.frame)
	if s.deps.Mailbox != nil {
		g.POST("/mode/:cmd", s.mode)
	}
	if s.deps.Store != nil {
		g.GET("/events", s.events)
		g.GET("/calibration", s.calibration)
	}
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.Newf("http server already started").
			Component("httpserver").
			Category(errors.CategoryState).
			Build()
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.New(err).
			Component("httpserver").
			Category(errors.CategoryNetwork).
			Context("listen", s.cfg.Listen).
			Build()
	}
	s.listener = ln
	s.echo.Listener = ln
	s.done = make(chan struct{})

	done := s.done
	go func() {
		defer close(done)
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", logger.Error(err))
		}
	}()
	s.log.Info("http server started", logger.String("address", ln.Addr().String()))
	return nil
}

// Addr is the bound address, or nil when not started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown drains in-flight requests. Calling it on a stopped server does
// nothing.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return nil
	}
	s.listener = nil
	done := s.done
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.echo.Shutdown(ctx)
	<-done
	if err != nil {
		return errors.New(err).
			Component("httpserver").
			Category(errors.CategoryTimeout).
			Context("operation", "shutdown").
			Build()
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) health(c echo.Context) error {
	snap := s.deps.Source.Snapshot()
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"mode":   snap.Mode.String(),
	})
}

func (s *Server) stalls(c echo.Context) error {
	snap := s.deps.Source.Snapshot()
	return c.JSON(http.StatusOK, StallsResponse{
		Seq:    snap.Seq,
		Mode:   snap.Mode.String(),
		Busy:   snap.Busy(),
		Status: export.NewStatus(snap),
	})
}

func (s *Server) statusJSON(c echo.Context) error {
	var buf bytes.Buffer
	if err := export.RenderJSON(&buf, s.deps.Source.Snapshot()); err != nil {
		return s.fail(err, "status.json")
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, buf.Bytes())
}

func (s *Server) statusSVG(c echo.Context) error {
	var buf bytes.Buffer
	if err := export.RenderSVG(&buf, s.deps.Source.Snapshot()); err != nil {
		return s.fail(err, "status.svg")
	}
	return c.Blob(http.StatusOK, "image/svg+xml", buf.Bytes())
}

func (s *Server) frame(c echo.Context) error {
	if s.frames != nil {
		if data, ok := s.frames.Get(frameKey); ok {
			c.Response().Header().Set("X-Cache", "HIT")
			return c.Blob(http.StatusOK, "image/png", data.([]byte))
		}
	}

	out := s.deps.Source.Output()
	if out == nil || out.Empty() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no frame available")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, out.ToGray()); err != nil {
		return s.fail(err, "frame.png")
	}
	data := buf.Bytes()
	if s.frames != nil {
		s.frames.SetDefault(frameKey, data)
	}
	c.Response().Header().Set("X-Cache", "MISS")
	return c.Blob(http.StatusOK, "image/png", data)
}

func (s *Server) mode(c echo.Context) error {
	cmd, ok := mailbox.Parse(c.Param("cmd"))
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown command")
	}
	var reply string
	switch cmd {
	case mailbox.Get:
		return echo.NewHTTPError(http.StatusMethodNotAllowed, "get is read-only, use GET /api/v1/stalls")
	case mailbox.Update:
		reply = "UPDATE: OK"
	case mailbox.Check:
		reply = "CHECK: OK"
	case mailbox.Remap:
		reply = "REMAP: OK"
	case mailbox.Quit:
		reply = "BYE"
	}
	s.deps.Mailbox.Post(cmd)
	s.log.Info("mode command accepted",
		logger.String("command", cmd.String()),
		logger.String("remote", c.RealIP()))
	return c.JSON(http.StatusAccepted, ModeResponse{Command: cmd.String(), Reply: reply})
}

func (s *Server) events(c echo.Context) error {
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	var events []datastore.StallEvent
	if raw := c.QueryParam("stall"); raw != "" {
		stall, convErr := strconv.Atoi(raw)
		if convErr != nil || stall < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid stall")
		}
		events, err = s.deps.Store.StallEvents(ctx, stall, limit)
	} else {
		events, err = s.deps.Store.RecentEvents(ctx, limit)
	}
	if err != nil {
		return s.fail(err, "events")
	}
	if events == nil {
		events = []datastore.StallEvent{}
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) calibration(c echo.Context) error {
	cal, err := s.deps.Store.LatestCalibration(c.Request().Context())
	if err != nil {
		return s.fail(err, "calibration")
	}
	if cal == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no calibration recorded")
	}
	return c.JSON(http.StatusOK, cal)
}

func queryLimit(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return defaultEventLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
	}
	return min(n, maxEventLimit), nil
}

func (s *Server) fail(err error, route string) error {
	s.log.Error("request failed", logger.String("route", route), logger.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

// GetLogger returns the httpserver module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("httpserver")
}
