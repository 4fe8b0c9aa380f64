package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tphakala/stallwatch/internal/conf"
	"github.com/tphakala/stallwatch/internal/logger"
	"github.com/tphakala/stallwatch/internal/observability/metrics"
)

// Endpoint serves /metrics on its own listener.
type Endpoint struct {
	listenAddress string
	metrics       *Metrics

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewEndpoint returns an endpoint for settings.Telemetry, or an error when
// telemetry is disabled.
func NewEndpoint(settings *conf.Settings, m *Metrics) (*Endpoint, error) {
	if !settings.Telemetry.Enabled {
		return nil, errors.New("telemetry not enabled in settings")
	}
	return &Endpoint{listenAddress: settings.Telemetry.Listen, metrics: m}, nil
}

// Start binds the listener and serves until Shutdown. The bind error is
// returned synchronously.
func (e *Endpoint) Start() error {
	mux := http.NewServeMux()
	e.metrics.RegisterHandlers(mux)

	ln, err := net.Listen("tcp", e.listenAddress)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.listener = ln
	e.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	srv := e.server
	e.mu.Unlock()

	go func() {
		log.Info("telemetry endpoint starting", logger.String("address", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("telemetry HTTP server error", logger.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address, or nil before Start.
func (e *Endpoint) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Shutdown stops the server gracefully.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	srv := e.server
	e.server = nil
	e.mu.Unlock()
	if srv == nil {
		return nil
	}
	log.Info("stopping telemetry server")
	ctx, cancel := context.WithTimeout(ctx, metrics.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// GetMetrics returns the Metrics instance associated with this Endpoint.
func (e *Endpoint) GetMetrics() *Metrics {
	return e.metrics
}
