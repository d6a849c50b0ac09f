package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskdispatch/bus"
	"github.com/vinayprograms/taskdispatch/config"
	"github.com/vinayprograms/taskdispatch/dispatch"
	"github.com/vinayprograms/taskdispatch/heartbeat"
	"github.com/vinayprograms/taskdispatch/logging"
	"github.com/vinayprograms/taskdispatch/metrics"
	"github.com/vinayprograms/taskdispatch/ratelimit"
	"github.com/vinayprograms/taskdispatch/registry"
	"github.com/vinayprograms/taskdispatch/remote"
	"github.com/vinayprograms/taskdispatch/router"
	"github.com/vinayprograms/taskdispatch/selection"
	"github.com/vinayprograms/taskdispatch/service"
	"github.com/vinayprograms/taskdispatch/shutdown"
	"github.com/vinayprograms/taskdispatch/state"
	"github.com/vinayprograms/taskdispatch/tasks"
	"github.com/vinayprograms/taskdispatch/telemetry"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, newLogger(cfg))
		},
	}
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.natsURL != "" {
		cfg.Bus.URL = opts.natsURL
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	log := logging.New()
	log.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.JSON {
		log.SetJSON()
	}
	return log
}

func serve(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	d, err := newDispatcher(ctx, cfg, log, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		return err
	}
	if err := d.start(ctx); err != nil {
		_ = d.coord.Shutdown(context.Background())
		return err
	}
	log.Info("dispatcher_started", map[string]interface{}{
		"store":     cfg.Store.Backend,
		"registry":  cfg.Registry.Backend,
		"transport": cfg.Remote.Transport,
		"strategy":  cfg.Selection.Strategy,
	})
	return d.coord.Run(ctx, cfg.Dispatcher.DrainTimeout)
}

// dispatcher is one wired dispatcher process. Every component it opens is
// registered with coord, so a failed build or a shutdown tears down exactly
// what exists.
type dispatcher struct {
	cfg *config.Config
	log *logging.Logger

	bus      bus.MessageBus
	registry registry.Registry
	store    *tasks.Store
	router   *router.Router
	server   *service.Server
	monitor  *heartbeat.Monitor
	purger   *tasks.Purger
	gatherer prometheus.Gatherer

	coord *shutdown.Coordinator
}

func newDispatcher(ctx context.Context, cfg *config.Config, log *logging.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) (_ *dispatcher, err error) {
	d := &dispatcher{
		cfg:      cfg,
		log:      log,
		gatherer: gatherer,
		coord:    shutdown.NewCoordinator(log),
	}
	defer func() {
		if err != nil {
			_ = d.coord.Shutdown(context.Background())
		}
	}()

	var natsBus *bus.NATSBus
	if cfg.Bus.URL != "" {
		nc := bus.DefaultNATSConfig()
		nc.URL = cfg.Bus.URL
		nc.Name = cfg.Bus.Name
		if natsBus, err = bus.NewNATSBus(nc); err != nil {
			return nil, err
		}
		d.bus = natsBus
	} else {
		log.Warn("bus_in_process", map[string]interface{}{
			"reason": "bus.url not set; dispatcher requests are only served in-process",
		})
		d.bus = bus.NewMemoryBus(bus.DefaultConfig())
	}
	d.coord.Register("bus", shutdown.PhaseTransport, shutdown.Closer(d.bus.Close))

	backend, err := openStateStore(ctx, cfg, natsBus)
	if err != nil {
		return nil, err
	}
	d.coord.Register("task_store", shutdown.PhaseStorage, shutdown.Closer(backend.Close))
	d.store = tasks.NewStore(backend, tasks.WithRetention(cfg.Dispatcher.Retention))
	d.purger = tasks.NewPurger(d.store, cfg.Dispatcher.PurgeInterval, log)

	if d.registry, err = openRegistry(ctx, cfg, natsBus); err != nil {
		return nil, err
	}
	d.coord.Register("registry", shutdown.PhaseStorage, shutdown.Closer(d.registry.Close))
	if err := registerStaticAgents(ctx, d.registry, cfg.Registry.Agents); err != nil {
		return nil, err
	}

	m := metrics.MustNewMetrics(reg)

	tracer := telemetry.GetTracer()
	if cfg.Telemetry.Endpoint != "" {
		provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Endpoint:       cfg.Telemetry.Endpoint,
			Protocol:       cfg.Telemetry.Protocol,
			Insecure:       true,
			Debug:          cfg.Telemetry.Debug,
		})
		if err != nil {
			return nil, err
		}
		d.coord.RegisterFunc("tracer", shutdown.PhaseTelemetry, provider.Shutdown)
		tracer = provider.Tracer()
	}

	exporter, err := telemetry.NewExporter(cfg.Telemetry.EventsProtocol, cfg.Telemetry.EventsEndpoint)
	if err != nil {
		return nil, err
	}
	d.coord.Register("event_exporter", shutdown.PhaseTelemetry, shutdown.Closer(exporter.Close))
	events := dispatch.Publishers{dispatch.NewBusPublisher(d.bus), exporter}

	var adapter remote.Adapter
	switch cfg.Remote.Transport {
	case config.TransportBus:
		adapter = remote.NewBusAdapter(d.bus)
	default:
		adapter = remote.NewHTTPAdapter(remote.HTTPConfig{})
	}
	adapter = remote.WithTracing(adapter, tracer)

	strategy, err := selection.ParseStrategy(cfg.Selection.Strategy)
	if err != nil {
		return nil, err
	}

	var dir registry.Directory = d.registry
	if cfg.Heartbeat.Enabled {
		d.monitor, err = heartbeat.NewMonitor(heartbeat.MonitorConfig{
			Bus:     d.bus,
			Timeout: cfg.Heartbeat.Timeout,
			Logger:  log,
			Metrics: m,
		})
		if err != nil {
			return nil, err
		}
		dir = heartbeat.NewLiveDirectory(d.registry, d.monitor)
	}

	limiter, err := d.openLimiter()
	if err != nil {
		return nil, err
	}

	loop, err := dispatch.NewLoop(dispatch.Config{
		Store:     d.store,
		Directory: dir,
		Adapter:   adapter,
		Backoff:   cfg.Dispatcher.Backoff,
		Logger:    log,
		Metrics:   m,
		Events:    events,
		Limiter:   limiter,
	})
	if err != nil {
		return nil, err
	}

	d.router, err = router.New(router.Config{
		Store:    d.store,
		Selector: selection.NewSelector(dir, strategy),
		Loop:     loop,
		Pool:     dispatch.NewPool(cfg.Dispatcher.MaxConcurrent, m),
		Limits: router.Limits{
			MaxTimeout:        cfg.Dispatcher.MaxTimeout,
			DefaultTimeout:    cfg.Dispatcher.DefaultTimeout,
			DefaultMaxRetries: cfg.Dispatcher.DefaultMaxRetries,
			MaxRetriesCap:     cfg.Dispatcher.MaxRetriesCap,
		},
		Logger:    log,
		Metrics:   m,
		Tracer:    tracer,
		Events:    events,
		Directory: dir,
	})
	if err != nil {
		return nil, err
	}
	d.coord.RegisterFunc("router", shutdown.PhaseDispatch, d.router.Close)

	d.server = service.NewServer(d.bus, d.router, log)
	d.coord.Register("service", shutdown.PhaseIntake, shutdown.Closer(d.server.Close))

	return d, nil
}

// openLimiter builds the per-agent delivery limiter, or returns nil when
// throttling is off.
func (d *dispatcher) openLimiter() (ratelimit.RateLimiter, error) {
	rl := d.cfg.RateLimit
	if rl.Capacity <= 0 {
		return nil, nil
	}
	local := ratelimit.NewMemoryLimiter(ratelimit.WithDefault(rl.Capacity, rl.Window))
	var limiter ratelimit.RateLimiter = local
	if rl.Shared {
		dl, err := ratelimit.NewDistributedLimiter(ratelimit.DistributedConfig{
			Bus:    d.bus,
			Source: d.cfg.Bus.Name + "-" + uuid.NewString()[:8],
			Logger: d.log,
		}, local)
		if err != nil {
			_ = local.Close()
			return nil, err
		}
		limiter = dl
	}
	d.coord.Register("rate_limiter", shutdown.PhaseStorage, shutdown.Closer(limiter.Close))
	return limiter, nil
}

func openStateStore(ctx context.Context, cfg *config.Config, nb *bus.NATSBus) (state.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendNATS:
		if nb == nil {
			return nil, errors.New("nats store requires bus.url")
		}
		return state.NewNATSStore(ctx, state.NATSStoreConfig{
			Conn:   nb.Conn(),
			Bucket: cfg.Store.Bucket,
		})
	case config.BackendSQL:
		return state.NewSQLStore(ctx, state.SQLStoreConfig{
			Driver: cfg.Store.Driver,
			DSN:    cfg.Store.DSN,
		})
	default:
		return state.NewMemoryStore(), nil
	}
}

func openRegistry(ctx context.Context, cfg *config.Config, nb *bus.NATSBus) (registry.Registry, error) {
	if cfg.Registry.Backend == config.BackendNATS {
		if nb == nil {
			return nil, errors.New("nats registry requires bus.url")
		}
		rc := registry.DefaultNATSRegistryConfig()
		rc.BucketName = cfg.Registry.Bucket
		rc.TTL = cfg.Registry.TTL
		return registry.NewNATSRegistry(ctx, nb.Conn(), rc)
	}
	// Static agents never refresh their entry, so the in-memory directory
	// does not expire entries.
	return registry.NewMemoryRegistry(registry.MemoryConfig{}), nil
}

func registerStaticAgents(ctx context.Context, reg registry.Registry, agents []config.AgentConfig) error {
	for _, a := range agents {
		err := reg.Register(ctx, registry.AgentInfo{
			ID:           a.ID,
			Type:         a.Type,
			Capabilities: a.Capabilities,
			Address:      a.Address,
			Weight:       a.Weight,
			Healthy:      true,
			Status:       registry.StatusIdle,
		})
		if err != nil {
			return fmt.Errorf("register agent %s: %w", a.ID, err)
		}
	}
	return nil
}

// start recovers unfinished tasks, then opens intake.
func (d *dispatcher) start(ctx context.Context) error {
	n, err := d.router.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	if n > 0 {
		d.log.Info("tasks_recovered", map[string]interface{}{"count": n})
	}

	if err := d.purger.Start(ctx); err != nil {
		return err
	}
	d.coord.Register("purger", shutdown.PhaseDispatch, shutdown.Closer(d.purger.Stop))

	if err := d.server.Start(ctx); err != nil {
		return err
	}
	if d.monitor != nil {
		if err := d.monitor.Start(ctx); err != nil {
			return err
		}
		d.coord.Register("heartbeat", shutdown.PhaseIntake, shutdown.Closer(d.monitor.Stop))
	}
	if d.cfg.Metrics.Addr != "" {
		return d.serveMetrics()
	}
	return nil
}

func (d *dispatcher) serveMetrics() error {
	ln, err := net.Listen("tcp", d.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{})))
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	srv := &http.Server{Handler: engine, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("metrics_server_failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	d.coord.RegisterFunc("metrics", shutdown.PhaseIntake, srv.Shutdown)
	d.log.Info("metrics_listening", map[string]interface{}{"addr": ln.Addr().String()})
	return nil
}
