// Package control serves the line-oriented TCP protocol that drives the
// vision loop: get, update, check, remap and quit.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tphakala/stallwatch/internal/errors"
	"github.com/tphakala/stallwatch/internal/export"
	"github.com/tphakala/stallwatch/internal/logger"
	"github.com/tphakala/stallwatch/internal/mailbox"
	"github.com/tphakala/stallwatch/internal/pipeline"
)

// Protocol replies.
const (
	ReplyGet    = "GET: OK"
	ReplyUpdate = "UPDATE: OK"
	ReplyCheck  = "CHECK: OK"
	ReplyRemap  = "REMAP: OK"
	ReplyBye    = "BYE"
	ReplyError  = "CMD ERROR"
)

// maxLineLength bounds one command line.
const maxLineLength = 1024

// StatusFunc returns the current stall state for get.
type StatusFunc func() pipeline.Snapshot

// Metrics receives control server counters.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	RecordCommand(command string, ok bool)
	RecordRateLimited()
}

// Config configures the server.
type Config struct {
	Listen      string
	RateLimit   float64 // commands per second per connection, 0 disables
	Burst       int
	IdleTimeout time.Duration // 0 disables
}

// DefaultConfig returns the default listen address and limits.
func DefaultConfig() Config {
	return Config{
		Listen:      ":12345",
		RateLimit:   10,
		Burst:       5,
		IdleTimeout: 5 * time.Minute,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger overrides the module logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server accepts any number of clients. Every command goes through one
// shared mailbox, so the newest unread command wins.
type Server struct {
	cfg     Config
	mb      *mailbox.Mailbox
	status  StatusFunc
	metrics Metrics
	log     logger.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]net.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a server posting to mb. status may be nil, in which case
// get reports no stalls.
func NewServer(cfg Config, mb *mailbox.Mailbox, status StatusFunc, opts ...Option) *Server {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	s := &Server{
		cfg:    cfg,
		mb:     mb,
		status: status,
		log:    GetLogger(),
		conns:  make(map[string]net.Conn),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start binds the listener and accepts in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.Newf("control server already started").
			Component("control").
			Category(errors.CategoryState).
			Build()
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.New(err).
			Component("control").
			Category(errors.CategoryNetwork).
			Context("listen", s.cfg.Listen).
			Build()
	}
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Go(func() { s.acceptLoop(ln) })
	s.log.Info("control server started", logger.String("address", ln.Addr().String()))
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

// Stop closes the listener and every connection, then waits for the
// handlers to return. It is safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	if ln == nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	err := ln.Close()
	s.wg.Wait()
	s.log.Info("control server stopped")
	return err
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warn("accept failed", logger.Error(err))
			continue
		}

		id := uuid.NewString()
		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[id] = conn
		s.mu.Unlock()

		s.wg.Go(func() { s.handle(id, conn) })
	}
}

func (s *Server) handle(id string, conn net.Conn) {
	log := s.log.WithContext(logger.WithTraceID(s.ctx, id)).
		With(logger.String("remote", conn.RemoteAddr().String()))
	if s.metrics != nil {
		s.metrics.ConnectionOpened()
	}
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.ConnectionClosed()
		}
		log.Debug("client disconnected")
	}()
	log.Info("client connected")

	var limiter *rate.Limiter
	if s.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.Burst)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 128), maxLineLength)
	w := bufio.NewWriter(conn)

	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && s.ctx.Err() == nil {
				log.Debug("read ended", logger.Error(err))
			}
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if limiter != nil && !limiter.Allow() {
			if s.metrics != nil {
				s.metrics.RecordRateLimited()
			}
			if err := limiter.Wait(s.ctx); err != nil {
				return
			}
		}

		reply, quit := s.execute(line)
		log.Debug("command", logger.String("line", line), logger.String("reply", firstLine(reply)))
		if _, err := w.WriteString(reply); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
		if quit {
			return
		}
	}
}

// execute runs one command line and returns the full reply, newline
// terminated, and whether the connection must close.
func (s *Server) execute(line string) (string, bool) {
	cmd, ok := mailbox.Parse(line)
	if s.metrics != nil {
		name := cmd.String()
		if !ok {
			name = "invalid"
		}
		s.metrics.RecordCommand(name, ok)
	}
	if !ok {
		return ReplyError + "\n", false
	}

	switch cmd {
	case mailbox.Get:
		// get only reads state; posting it would clobber an unread command.
		var snap pipeline.Snapshot
		if s.status != nil {
			snap = s.status()
		}
		data, err := json.Marshal(export.NewStatus(snap))
		if err != nil {
			return ReplyError + "\n", false
		}
		return fmt.Sprintf("%s\n%s\n", ReplyGet, data), false
	case mailbox.Update:
		s.mb.Post(cmd)
		return ReplyUpdate + "\n", false
	case mailbox.Check:
		s.mb.Post(cmd)
		return ReplyCheck + "\n", false
	case mailbox.Remap:
		s.mb.Post(cmd)
		return ReplyRemap + "\n", false
	case mailbox.Quit:
		s.mb.Post(cmd)
		return ReplyBye + "\n", true
	}
	return ReplyError + "\n", false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// GetLogger returns the control module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("control")
}
