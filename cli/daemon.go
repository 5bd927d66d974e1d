package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"feedback.evalgo.org/bridge"
	"feedback.evalgo.org/common"
	"feedback.evalgo.org/config"
	"feedback.evalgo.org/db/bolt"
	"feedback.evalgo.org/escalation"
	feedbackhttp "feedback.evalgo.org/http"
	"feedback.evalgo.org/otel"
	"feedback.evalgo.org/queue"
	"feedback.evalgo.org/queue/redis"
	"feedback.evalgo.org/statemanager"
)

// Daemon wires the registry, the escalation store and their surfaces
// together from one loaded configuration.
type Daemon struct {
	Config   *config.Config
	Store    *escalation.Store
	Manager  *statemanager.Manager
	Registry *prometheus.Registry
	Echo     *echo.Echo

	// Bridge is nil when no adapter is configured or the host could not be
	// reached at startup.
	Bridge *bridge.Bridge
	Host   bridge.Host

	logger   *logrus.Logger
	log      *logrus.Entry
	server   feedbackhttp.ServerConfig
	profiles *bolt.ConfigStore
	tracing  *otel.Provider
	spans    *otel.SpanRecorder
	closers  []func()
}

// NewDaemon builds every component named by cfg. Escalation layers come from
// the config file first; the stored "current" profile, when there is one,
// replaces them.
func NewDaemon(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Daemon, error) {
	if logger == nil {
		logger = common.Logger
	}
	d := &Daemon{
		Config: cfg,
		logger: logger,
		log:    common.Component(logger, "daemon"),
	}

	d.Store = escalation.NewStore(escalation.StoreConfig{Logger: common.Component(logger, "escalation")})
	if err := config.ApplyEscalation(cfg, d.Store); err != nil {
		return nil, fmt.Errorf("escalation layers: %w", err)
	}
	if err := d.openProfiles(); err != nil {
		return nil, err
	}

	d.Manager = statemanager.New(statemanager.Config{
		ServiceName:    cfg.Service.Name,
		MaxOperations:  cfg.Registry.MaxOperations,
		ThrottleWindow: cfg.Registry.ThrottleWindow,
		Resolver:       d.Store,
		Logger:         common.Component(logger, "statemanager"),
	})

	d.Registry = prometheus.NewRegistry()
	d.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.closers = append(d.closers, statemanager.NewMetrics("feedback", d.Registry).Attach(d.Manager))

	d.tracing = otel.Init(otel.Config{
		ServiceName:   cfg.Service.Name,
		Version:       cfg.Service.Version,
		OTLPEndpoint:  cfg.Tracing.Endpoint,
		Enabled:       cfg.Tracing.Enabled,
		SamplingRatio: cfg.Tracing.SamplingRatio,
		Environment:   cfg.Service.Environment,
	}, common.Component(logger, "otel"))
	if d.tracing != nil {
		d.spans = otel.NewSpanRecorder(d.tracing.TracerProvider())
		d.closers = append(d.closers, d.spans.Attach(d.Manager))
	}

	d.buildServer()
	d.connectBridge(ctx)
	return d, nil
}

func (d *Daemon) openProfiles() error {
	path := d.Config.Storage.BoltPath
	if path == "" {
		return nil
	}
	profiles, err := bolt.OpenConfigStore(path)
	if err != nil {
		return fmt.Errorf("profiles: %w", err)
	}
	restored, err := profiles.Restore(bolt.CurrentProfile, d.Store)
	if err != nil {
		_ = profiles.Close()
		return fmt.Errorf("profiles: %w", err)
	}
	d.log.WithFields(logrus.Fields{
		"path":     path,
		"restored": restored,
	}).Info("Escalation profiles opened")

	d.profiles = profiles
	stop := profiles.Persist(bolt.CurrentProfile, d.Store, func(err error) {
		d.log.WithError(err).Error("Failed to persist escalation profile")
	})
	d.closers = append(d.closers, func() {
		stop()
		if err := profiles.Close(); err != nil {
			d.log.WithError(err).Warn("Failed to close profile store")
		}
	})
	return nil
}

func (d *Daemon) buildServer() {
	cfg := d.Config
	d.server = feedbackhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Debug:           cfg.Server.Debug,
		BodyLimit:       feedbackhttp.DefaultServerConfig().BodyLimit,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RateLimit:       float64(cfg.Server.RateLimit),
		Logger:          common.Component(d.logger, "http"),
	}

	e := feedbackhttp.NewEchoServer(d.server)
	e.GET("/health", feedbackhttp.HealthCheckHandler(cfg.Service.Name, cfg.Service.Version, d.healthDetails))
	feedbackhttp.RegisterMetricsEndpoint(e, "/metrics", d.Registry)

	api := e.Group("/api/v1")
	if cfg.Server.TrackRequests {
		api.Use(d.Manager.Middleware("http-request"))
		if d.spans != nil {
			api.Use(otel.Correlate(d.spans))
		}
	}
	d.Manager.RegisterRoutes(api)
	d.Store.RegisterRoutes(api)
	d.Echo = e
}

func (d *Daemon) healthDetails() map[string]interface{} {
	stats := d.Manager.GetStats()
	details := map[string]interface{}{
		"operations":        stats.TotalOperations,
		"active_operations": stats.ActiveOperations,
		"bridge":            d.Bridge != nil && d.Bridge.IsActive(),
		"profiles":          d.profiles != nil,
		"tracing":           d.tracing != nil,
	}
	return details
}

// connectBridge selects the host adapter. A host that cannot be reached is
// logged and the daemon runs without a bridge.
func (d *Daemon) connectBridge(ctx context.Context) {
	cfg := d.Config.Bridge
	log := common.Component(d.logger, "bridge")

	var host bridge.Host
	switch cfg.Adapter {
	case "", config.AdapterNone:
		return
	case config.AdapterMemory:
		host = bridge.NewMemoryHost()
	case config.AdapterRedis:
		h, err := redis.NewHost(ctx, redis.Config{
			RedisURL:      cfg.RedisURL,
			ChannelPrefix: cfg.ChannelPrefix,
			Logger:        log,
		})
		if err != nil {
			log.WithError(err).Warn("Redis host unavailable, running without bridge")
			return
		}
		d.closers = append(d.closers, func() { _ = h.Close() })
		host = h
	case config.AdapterAMQP:
		h, err := queue.NewAMQPHost(queue.AMQPConfig{
			URL:         cfg.AMQPURL,
			QueuePrefix: cfg.ChannelPrefix,
			Logger:      log,
		})
		if err != nil {
			log.WithError(err).Warn("AMQP host unavailable, running without bridge")
			return
		}
		d.closers = append(d.closers, func() { _ = h.Close() })
		host = h
	}

	d.Host = host
	d.Bridge = bridge.New(bridge.Config{
		Host:         host,
		Manager:      d.Manager,
		InboundEvent: cfg.InboundEvent,
		CancelEvent:  cfg.CancelEvent,
		Logger:       log,
	})
	// Dispose before the adapter closes.
	d.closers = append(d.closers, d.Bridge.Dispose)
}

// Run serves until ctx is done. The janitor, the bridge listener and, when a
// loader is given, config file hot reload run alongside the HTTP server.
func (d *Daemon) Run(ctx context.Context, loader *config.Loader) error {
	g, ctx := errgroup.WithContext(ctx)

	if d.Bridge != nil {
		if err := d.Bridge.Start(); err != nil {
			d.log.WithError(err).Warn("Progress bridge failed to start")
		}
		g.Go(func() error {
			<-ctx.Done()
			d.Bridge.Stop()
			return nil
		})
	}

	g.Go(func() error {
		return feedbackhttp.Serve(ctx, d.Echo, d.server)
	})

	if d.Config.Registry.CleanupInterval > 0 {
		g.Go(func() error {
			d.janitor(ctx, d.Config.Registry.CleanupInterval, d.Config.Registry.RetentionAge)
			return nil
		})
	}

	if loader != nil && loader.Watch(d.Reload, func(err error) {
		d.log.WithError(err).Warn("Ignoring invalid configuration change")
	}) {
		d.log.WithField("file", loader.ConfigFile()).Info("Watching config file")
	}

	return g.Wait()
}

// Reload re-applies the escalation layers of cfg. Operations already
// started keep the thresholds they were created with.
func (d *Daemon) Reload(cfg *config.Config) {
	if err := config.ApplyEscalation(cfg, d.Store); err != nil {
		d.log.WithError(err).Warn("Failed to apply reloaded escalation layers")
		return
	}
	d.log.Info("Escalation layers reloaded")
}

func (d *Daemon) janitor(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.Manager.Cleanup(retention); n > 0 {
				d.log.WithField("removed", n).Debug("Removed finished operations")
			}
		}
	}
}

// Close releases everything NewDaemon acquired, in reverse order.
func (d *Daemon) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.tracing.Shutdown(ctx); err != nil {
		d.log.WithError(err).Warn("Failed to flush traces")
	}
}
