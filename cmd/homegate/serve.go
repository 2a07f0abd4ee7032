package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/nerrad567/homegate/internal/api"
	"github.com/nerrad567/homegate/internal/automation"
	"github.com/nerrad567/homegate/internal/device"
	"github.com/nerrad567/homegate/internal/events"
	"github.com/nerrad567/homegate/internal/gateway"
	"github.com/nerrad567/homegate/internal/health"
	"github.com/nerrad567/homegate/internal/infrastructure/config"
	"github.com/nerrad567/homegate/internal/infrastructure/database"
	"github.com/nerrad567/homegate/internal/infrastructure/influxdb"
	"github.com/nerrad567/homegate/internal/infrastructure/logging"
	"github.com/nerrad567/homegate/internal/infrastructure/metrics"
	"github.com/nerrad567/homegate/internal/infrastructure/mqtt"
	"github.com/nerrad567/homegate/internal/infrastructure/redis"
	"github.com/nerrad567/homegate/internal/ingest"
	"github.com/nerrad567/homegate/internal/topic"
	"github.com/nerrad567/homegate/migrations"
)

// shutdownTimeout bounds the broker drain on exit.
const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// run is the gateway lifecycle, separated from the command for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting homegate", "version", version, "commit", commit, "build_date", date)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "level", cfg.Logging.Level)

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	// Device registry
	store := device.NewSQLiteStore(db.DB)
	devices := device.NewRegistry(store)
	devices.SetLogger(log.Component("device"))
	devices.SetObserver(m)
	if loadErr := devices.Load(ctx); loadErr != nil {
		return fmt.Errorf("loading device registry: %w", loadErr)
	}
	st := devices.Stats()
	log.Info("device registry loaded", "devices", st.Devices, "entities", st.Entities)

	// Change fan-out
	bus := events.NewBus()
	bus.SetLogger(log.Component("events"))
	bus.SetCounter(m)

	checks := []api.Check{{Name: "database", Fn: db.HealthCheck}}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(cfg.Redis)
		pub := redis.NewPublisher(rdb)
		defer func() {
			if closeErr := pub.Close(); closeErr != nil {
				log.Error("error closing redis", "error", closeErr)
			}
		}()
		if pingErr := pub.HealthCheck(ctx); pingErr != nil {
			log.Warn("redis unreachable at startup, records will be dropped until it returns", "addr", cfg.Redis.Addr, "error", pingErr)
		}
		bus.AddSink(pub)
		checks = append(checks, api.Check{Name: "redis", Fn: pub.HealthCheck})
		log.Info("redis record fan-out enabled", "addr", cfg.Redis.Addr)
	}

	// Ingestion
	ingester := ingest.NewEngine(devices, bus)
	ingester.SetLogger(log.Component("ingest"))
	ingester.SetCounter(m)

	if cfg.InfluxDB.Enabled {
		influx, connErr := influxdb.Connect(cfg.InfluxDB)
		if connErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connErr)
		}
		influx.SetLogger(log.Component("influxdb"))
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influx.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		ingester.SetMirror(influx)
		checks = append(checks, api.Check{Name: "influxdb", Fn: influx.HealthCheck})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Broker session
	mgr := mqtt.NewManager(mqtt.NewPahoTransport(cfg.MQTT), mqtt.OptionsFromConfig(cfg.MQTT))
	mgr.SetLogger(log.Component("mqtt"))
	mgr.SetObserver(m)
	checks = append(checks, api.Check{Name: "mqtt", Fn: mgr.HealthCheck})

	// Automations
	rules, engine, err := startAutomations(ctx, cfg, db, devices, mgr, log)
	if err != nil {
		return err
	}
	engine.SetCounter(m)
	bus.Subscribe(engine)

	monitor := health.NewMonitor(devices, bus, health.Config{
		Interval: cfg.HealthInterval(),
		Timeout:  cfg.HealthTimeout(),
	})
	monitor.SetLogger(log.Component("health"))
	monitor.SetCounter(m)

	pipeline := gateway.NewPipeline(ingester, gateway.Config{
		Workers:   cfg.Ingest.Workers,
		QueueSize: cfg.Ingest.QueueSize,
	})
	pipeline.SetLogger(log.Component("gateway"))
	pipeline.SetCounter(m)

	if startErr := mgr.Start(ctx); startErr != nil {
		return fmt.Errorf("starting MQTT session: %w", startErr)
	}
	log.Info("MQTT session starting",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	pipeline.Start(ctx, mgr.Messages())

	if cfg.Health.TimerEnabled {
		monitor.Start(ctx)
		log.Info("health sweep timer started", "interval", cfg.HealthInterval(), "timeout", cfg.HealthTimeout())
	}

	var ticker *gateway.Scheduler
	if cfg.Automations.TickInterval > 0 {
		ticker = gateway.NewScheduler("automation-tick", time.Duration(cfg.Automations.TickInterval)*time.Second,
			func(ctx context.Context, now time.Time) { engine.Tick(ctx, now) })
		ticker.SetLogger(log.Component("scheduler"))
		ticker.Start(ctx)
	}

	var server *api.Server
	if cfg.API.Enabled {
		server, err = api.New(api.Deps{
			Config:   cfg.API,
			Logger:   log.Component("api"),
			Sweeper:  monitor,
			Ticker:   engine,
			Stats:    devices,
			Checks:   checks,
			Gatherer: prometheus.DefaultGatherer,
			Version:  version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
	}

	log.Info("initialisation complete", "automations", rules.Count())

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Inbound first so nothing new reaches the engine, then drain outbound.
	if server != nil {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}
	if ticker != nil {
		ticker.Stop()
	}
	monitor.Stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if stopErr := mgr.Stop(stopCtx); stopErr != nil {
		log.Error("error stopping MQTT session", "error", stopErr)
	}
	pipeline.Wait()
	engine.Wait()

	log.Info("homegate stopped")
	return nil
}

// openDatabase opens SQLite and applies pending migrations.
func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// startAutomations loads persisted rules, imports the rules file if one is
// configured, and builds the engine.
func startAutomations(ctx context.Context, cfg *config.Config, db *database.DB, devices *device.Registry,
	publisher automation.Publisher, log *logging.Logger) (*automation.Registry, *automation.Engine, error) {
	rules := automation.NewRegistry(automation.NewSQLiteRepository(db.DB))
	rules.SetLogger(log.Component("automation"))
	if err := rules.RefreshCache(ctx); err != nil {
		return nil, nil, fmt.Errorf("loading automations: %w", err)
	}

	if cfg.Automations.File != "" {
		defs, err := automation.LoadRules(cfg.Automations.File)
		if err != nil {
			return nil, nil, fmt.Errorf("loading automations file: %w", err)
		}
		scenes, err := rules.SyncScenes(ctx, defs.Scenes)
		if err != nil {
			return nil, nil, fmt.Errorf("importing scenes: %w", err)
		}
		res, err := rules.Sync(ctx, defs.Automations)
		if err != nil {
			return nil, nil, fmt.Errorf("importing automations: %w", err)
		}
		log.Info("automations imported", "path", cfg.Automations.File,
			"scenes", scenes, "created", res.Created, "updated", res.Updated)
	}

	var site *automation.Site
	if cfg.HasCoordinates() {
		site = &automation.Site{Latitude: *cfg.Site.Latitude, Longitude: *cfg.Site.Longitude}
	}

	codec, err := topic.NewCodec(cfg.MQTT.CommandSuffix)
	if err != nil {
		return nil, nil, fmt.Errorf("command topic codec: %w", err)
	}
	engine := automation.NewEngine(rules, devices, publisher, automation.EngineConfig{
		Codec:                  codec,
		Location:               cfg.Location(),
		Site:                   site,
		MaxExecutionsPerMinute: cfg.Automations.MaxExecutionsPerMinute,
	})
	engine.SetLogger(log.Component("automation"))
	return rules, engine, nil
}
