// Package monitor wires the sensor together and runs the vision loop: one
// pipeline tick per period, with the control server, HTTP API, exporters
// and publishers around it.
package monitor

import (
	"context"
	"image"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/stallwatch/internal/capture"
	"github.com/tphakala/stallwatch/internal/conf"
	"github.com/tphakala/stallwatch/internal/control"
	"github.com/tphakala/stallwatch/internal/datastore"
	"github.com/tphakala/stallwatch/internal/errors"
	"github.com/tphakala/stallwatch/internal/events"
	"github.com/tphakala/stallwatch/internal/export"
	"github.com/tphakala/stallwatch/internal/httpserver"
	"github.com/tphakala/stallwatch/internal/logger"
	"github.com/tphakala/stallwatch/internal/mailbox"
	"github.com/tphakala/stallwatch/internal/mqtt"
	"github.com/tphakala/stallwatch/internal/notification"
	"github.com/tphakala/stallwatch/internal/observability"
	"github.com/tphakala/stallwatch/internal/pipeline"
	"github.com/tphakala/stallwatch/internal/telemetry"
)

const (
	reopenInterval     = 5 * time.Second
	mqttRetryInterval  = 30 * time.Second
	mqttConnectTimeout = 30 * time.Second
	busShutdownTimeout = 5 * time.Second
	serviceStopTimeout = 5 * time.Second
	sentryFlushTimeout = 2 * time.Second
	defaultTick        = conf.DefaultTick
	tickErrorLogEvery  = 100
)

// GetLogger returns the monitor module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("monitor")
}

// Options replace the collaborators New would otherwise build from the
// settings.
type Options struct {
	Version string
	// Source replaces the camera selected by camera.source; Device is the
	// argument passed to its Open.
	Source capture.Source
	Device string
	// Fs receives export files and is read by the image source.
	Fs afero.Fs
	// Store replaces the database selected by output.*.
	Store datastore.Interface
	// MQTT replaces the paho client.
	MQTT mqtt.Client
	// DiskWatch enables the disk usage watcher on the critical paths.
	DiskWatch bool
}

// Runner owns every component of a running sensor.
type Runner struct {
	settings *conf.Settings
	opts     Options
	log      logger.Logger

	metrics  *observability.Metrics
	src      capture.Source
	device   string
	pipeline *pipeline.Pipeline
	mb       *mailbox.Mailbox
	bus      *events.Bus

	control  *control.Server
	http     *httpserver.Server
	endpoint *observability.Endpoint
	mqtt     mqtt.Client
	store    datastore.Interface
	disk     *DiskWatcher

	tick       time.Duration
	lastReopen time.Time
	tickErrors int

	closeOnce sync.Once
}

// New builds the pipeline and every enabled service. Nothing listens until
// Run.
func New(settings *conf.Settings, opts Options) (_ *Runner, err error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	r := &Runner{
		settings: settings,
		opts:     opts,
		log:      GetLogger(),
		mb:       &mailbox.Mailbox{},
		tick:     settings.Vision.Tick,
	}
	if r.tick <= 0 {
		r.tick = defaultTick
	}
	defer func() {
		if err != nil {
			r.close()
		}
	}()

	if r.metrics, err = observability.NewMetrics(); err != nil {
		return nil, err
	}
	if err = r.buildPipeline(); err != nil {
		return nil, err
	}
	r.bus = events.New(events.DefaultConfig())
	if err = r.buildConsumers(); err != nil {
		return nil, err
	}
	if err = r.buildServices(); err != nil {
		return nil, err
	}
	if opts.DiskWatch {
		r.disk = NewDiskWatcher(CriticalPaths(settings))
	}
	return r, nil
}

func (r *Runner) buildPipeline() error {
	src, device := r.opts.Source, r.opts.Device
	if src == nil {
		var err error
		src, device, err = NewSource(r.settings, r.opts.Fs,
			capture.WithMetrics(r.metrics.Capture))
		if err != nil {
			return err
		}
	}
	r.src, r.device = src, device

	// A camera that fails here is retried from the loop.
	if err := src.Open(device); err != nil {
		r.log.Warn("capture source disabled",
			logger.String("device", device),
			logger.Error(err))
	}
	r.lastReopen = time.Now()

	v := r.settings.Vision
	p, err := pipeline.New(src, nil, pipeline.Config{
		Block:      v.Block,
		Marker:     v.Marker,
		Output:     image.Pt(v.Output.Width, v.Output.Height),
		Thresholds: pipeline.Thresholds(v.Thresholds),
	},
		pipeline.WithMetrics(r.metrics.Pipeline),
		pipeline.WithNotifier(pipeline.NotifierFunc(func(s pipeline.Snapshot) {
			r.bus.Notify(s)
		})),
	)
	if err != nil {
		return err
	}
	r.pipeline = p
	return nil
}

func (r *Runner) buildConsumers() error {
	s := r.settings
	node := s.Main.Name

	if s.Export.Enabled {
		var frame export.FrameFunc
		if s.Export.PNG {
			frame = r.pipeline.Output
		}
		exp := export.NewExporter(r.opts.Fs, export.Options{
			Dir:  s.Export.Path,
			JSON: s.Export.JSON,
			SVG:  s.Export.SVG,
			PNG:  s.Export.PNG,
		}, frame)
		if err := r.bus.RegisterConsumer(exp); err != nil {
			return err
		}
	}

	r.store = r.opts.Store
	if r.store == nil {
		r.store = datastore.New(s)
	}
	if r.store != nil {
		if err := r.store.Open(); err != nil {
			r.store = nil
			return err
		}
		if err := r.bus.RegisterConsumer(datastore.NewRecorder(r.store, node)); err != nil {
			return err
		}
	}

	if s.MQTT.Enabled {
		cfg := mqtt.ConfigFromSettings(s)
		r.mqtt = r.opts.MQTT
		if r.mqtt == nil {
			client, err := mqtt.NewClient(cfg, r.metrics.MQTT)
			if err != nil {
				return err
			}
			r.mqtt = client
		}
		pub := mqtt.NewPublisher(r.mqtt, cfg, node, nil)
		if s.MQTT.Discovery.Enabled {
			pub.SetDiscovery(mqtt.NewDiscovery(r.mqtt, mqtt.DiscoveryConfig{
				Prefix:  s.MQTT.Discovery.Prefix,
				NodeID:  node,
				Version: r.opts.Version,
			}))
		}
		if err := r.bus.RegisterConsumer(pub); err != nil {
			return err
		}
	}

	if s.Notification.Enabled {
		n, err := notification.New(notification.ConfigFromSettings(s))
		if err != nil {
			return err
		}
		if err := r.bus.RegisterConsumer(n); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) buildServices() error {
	s := r.settings

	if s.Control.Enabled {
		r.control = control.NewServer(control.Config{
			Listen:      s.Control.Listen,
			RateLimit:   s.Control.RateLimit,
			Burst:       s.Control.Burst,
			IdleTimeout: s.Control.IdleTimeout,
		}, r.mb, r.pipeline.Snapshot, control.WithMetrics(r.metrics.Control))
	}

	if s.WebServer.Enabled {
		srv, err := httpserver.New(httpserver.ConfigFromSettings(s), httpserver.Deps{
			Source:  r.pipeline,
			Mailbox: r.mb,
			Store:   r.store,
			Metrics: r.metrics.HTTP,
		})
		if err != nil {
			return err
		}
		r.http = srv
	}

	if s.Telemetry.Enabled {
		ep, err := observability.NewEndpoint(s, r.metrics)
		if err != nil {
			return err
		}
		r.endpoint = ep
	}
	return nil
}

// Pipeline returns the vision pipeline.
func (r *Runner) Pipeline() *pipeline.Pipeline { return r.pipeline }

// Mailbox returns the command mailbox read once per tick.
func (r *Runner) Mailbox() *mailbox.Mailbox { return r.mb }

// Metrics returns the collectors of this runner.
func (r *Runner) Metrics() *observability.Metrics { return r.metrics }

// ControlAddr is the bound control address, nil when disabled or stopped.
func (r *Runner) ControlAddr() net.Addr {
	if r.control == nil {
		return nil
	}
	return r.control.Addr()
}

// HTTPAddr is the bound HTTP API address, nil when disabled or stopped.
func (r *Runner) HTTPAddr() net.Addr {
	if r.http == nil {
		return nil
	}
	return r.http.Addr()
}

// SetThresholds applies reloaded detection thresholds.
func (r *Runner) SetThresholds(th conf.Thresholds) {
	r.pipeline.SetThresholds(pipeline.Thresholds(th))
}

// Run starts the listeners and ticks the pipeline until ctx is done or a
// quit command arrives. Every component is released before it returns.
func (r *Runner) Run(ctx context.Context) error {
	defer r.close()

	if err := r.start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return r.loop(gctx)
	})
	if r.mqtt != nil {
		g.Go(func() error {
			r.connectMQTT(gctx)
			return nil
		})
	}
	if r.disk != nil {
		g.Go(func() error { return r.disk.Run(gctx) })
	}

	r.log.Info("sensor running",
		logger.String("node", r.settings.Main.Name),
		logger.Duration("tick", r.tick),
		logger.String("mode", r.pipeline.Mode().String()))
	return g.Wait()
}

func (r *Runner) start() error {
	if r.control != nil {
		if err := r.control.Start(); err != nil {
			return err
		}
	}
	if r.http != nil {
		if err := r.http.Start(); err != nil {
			return err
		}
	}
	if r.endpoint != nil {
		if err := r.endpoint.Start(); err != nil {
			return errors.New(err).
				Component("monitor").
				Category(errors.CategoryNetwork).
				Context("listen", r.settings.Telemetry.Listen).
				Build()
		}
	}
	return nil
}

// loop is the single goroutine that calls Exec.
func (r *Runner) loop(ctx context.Context) error {
	t := time.NewTicker(r.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if r.step() {
			r.log.Info("quit command received")
			return nil
		}
	}
}

// step runs one tick and reports whether the loop must stop.
func (r *Runner) step() bool {
	if cmd := r.mb.Take(); cmd != mailbox.None {
		if r.pipeline.Apply(cmd) {
			return true
		}
	}

	if err := r.pipeline.Exec(); err != nil {
		if r.tickErrors%tickErrorLogEvery == 0 {
			r.log.Warn("tick failed", logger.Error(err), logger.Int("failures", r.tickErrors+1))
		}
		r.tickErrors++
	} else {
		r.tickErrors = 0
	}

	if r.src.State() == capture.Disabled && time.Since(r.lastReopen) >= reopenInterval {
		r.lastReopen = time.Now()
		if err := r.src.Open(r.device); err != nil {
			r.log.Debug("capture source still disabled", logger.Error(err))
		} else {
			r.log.Info("capture source recovered", logger.String("device", r.device))
		}
	}
	return false
}

// connectMQTT connects the client and keeps retrying while it is down. A
// fresh connection gets a full resync of the stall states.
func (r *Runner) connectMQTT(ctx context.Context) {
	t := time.NewTicker(mqttRetryInterval)
	defer t.Stop()
	for {
		if !r.mqtt.IsConnected() {
			cctx, cancel := context.WithTimeout(ctx, mqttConnectTimeout)
			err := r.mqtt.Connect(cctx)
			cancel()
			if err != nil {
				r.log.Warn("mqtt connection failed", logger.Error(err))
			} else {
				r.log.Info("mqtt connected", logger.String("broker", r.settings.MQTT.Broker))
				r.bus.TryPublish(r.pipeline.Snapshot())
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// close releases components in reverse dependency order. It is safe to call
// on a partially built runner.
func (r *Runner) close() {
	r.closeOnce.Do(func() {
		if r.control != nil {
			if err := r.control.Stop(); err != nil {
				r.log.Warn("control server stop failed", logger.Error(err))
			}
		}
		if r.http != nil {
			if err := r.http.Shutdown(); err != nil {
				r.log.Warn("http server shutdown failed", logger.Error(err))
			}
		}
		if r.pipeline != nil {
			if err := r.pipeline.Stop(); err != nil {
				r.log.Warn("pipeline stop failed", logger.Error(err))
			}
		} else if r.src != nil {
			_ = r.src.Close()
		}
		if r.bus != nil {
			if err := r.bus.Shutdown(busShutdownTimeout); err != nil {
				r.log.Warn("event bus shutdown failed", logger.Error(err))
			}
		}
		if r.mqtt != nil {
			r.mqtt.Disconnect()
		}
		if r.store != nil {
			if err := r.store.Close(); err != nil {
				r.log.Warn("datastore close failed", logger.Error(err))
			}
		}
		if r.endpoint != nil {
			ctx, cancel := context.WithTimeout(context.Background(), serviceStopTimeout)
			if err := r.endpoint.Shutdown(ctx); err != nil {
				r.log.Warn("telemetry endpoint shutdown failed", logger.Error(err))
			}
			cancel()
		}
		r.log.Info("sensor stopped")
	})
}

// Run loads host facts, initialises error telemetry, builds a Runner from
// settings and runs it until ctx is done or a quit command arrives.
func Run(ctx context.Context, settings *conf.Settings, opts Options) error {
	log := GetLogger()
	CollectHostFacts().Log(log)

	if settings.Sentry.Enabled {
		dir := "."
		if path, err := conf.FindConfigFile(); err == nil {
			dir = filepath.Dir(path)
		}
		systemID, err := telemetry.LoadOrCreateSystemID(afero.NewOsFs(), dir)
		if err != nil {
			log.Warn("system id unavailable", logger.Error(err))
		}
		if err := telemetry.InitSentry(settings, telemetry.Options{
			Version:  opts.Version,
			SystemID: systemID,
		}); err != nil {
			log.Warn("sentry disabled", logger.Error(err))
		}
		defer telemetry.Flush(sentryFlushTimeout)
	}

	r, err := New(settings, opts)
	if err != nil {
		return err
	}
	conf.WatchThresholds(r.SetThresholds)
	return r.Run(ctx)
}
