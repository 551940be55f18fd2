// dragond drives a Drag:on device and exposes it over MQTT and HTTP.
//
// The daemon keeps the serial link open through the supervisor, records
// every transformation and button edge in the SQLite journal, and fans
// device activity out to the MQTT bridge, InfluxDB, Prometheus and the
// WebSocket hub. Commands arriving over MQTT or HTTP are written to the
// command audit table.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/dragon-core/internal/api"
	"github.com/nerrad567/dragon-core/internal/audit"
	"github.com/nerrad567/dragon-core/internal/bridge"
	"github.com/nerrad567/dragon-core/internal/dragon"
	"github.com/nerrad567/dragon-core/internal/infrastructure/config"
	"github.com/nerrad567/dragon-core/internal/infrastructure/database"
	"github.com/nerrad567/dragon-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/dragon-core/internal/infrastructure/logging"
	"github.com/nerrad567/dragon-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/dragon-core/internal/journal"
	"github.com/nerrad567/dragon-core/internal/metrics"
	"github.com/nerrad567/dragon-core/internal/supervisor"
	"github.com/nerrad567/dragon-core/internal/telemetry"
	"github.com/nerrad567/dragon-core/migrations"
)

// Version information, set at build time via ldflags:
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"

	healthCheckTimeout = 5 * time.Second
	pruneInterval      = time.Hour
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the daemon body, separated from main for testability. It returns
// nil on a clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting dragon-core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	repo := journal.NewSQLiteRepository(db.DB)
	auditRepo := audit.NewSQLiteRepository(db.DB)

	// The audit writer outlives the bridge and API so their last commands
	// are flushed before the database closes.
	auditWriter := audit.NewAsyncWriter(auditRepo, log.Component("audit"), audit.DefaultQueueSize)
	auditCtx, stopAudit := context.WithCancel(context.Background())
	auditDone := make(chan struct{})
	go func() {
		defer close(auditDone)
		auditWriter.Run(auditCtx)
	}()
	defer func() {
		stopAudit()
		<-auditDone
		if n := auditWriter.Dropped(); n > 0 {
			log.Warn("audit entries dropped", "count", n)
		}
	}()

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT, cfg.Device.ID)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttLog := log.Component("mqtt")
		mqttClient.SetLogger(mqttLog)
		mqttClient.SetOnConnect(func() {
			mqttLog.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			mqttLog.Warn("MQTT disconnected", "error", err)
		})
	} else {
		log.Info("MQTT disabled")
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	hcCtx, hcCancel := context.WithTimeout(ctx, healthCheckTimeout)
	err = healthCheck(hcCtx, db, mqttClient, influxClient)
	hcCancel()
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	sup := supervisor.New(deviceOpener(cfg.Device, log.Component("dragon")), supervisorConfig(cfg.Device.Reconnect))
	sup.SetLogger(log.Component("supervisor"))

	prom := metrics.New(cfg.Device.ID, sup, sup)
	sup.OnStateChange(prom.SetConnected)
	sup.AddObserver(prom)
	sup.AddObserver(journal.NewRecorder(repo, cfg.Device.ID, log.Component("journal")))
	if influxClient != nil {
		sup.AddObserver(telemetry.NewInfluxRecorder(influxClient, cfg.Device.ID))
	}

	if mqttClient != nil {
		mqttBridge, bridgeErr := startBridge(ctx, cfg, mqttClient, sup, auditWriter, log.Component("bridge"))
		if bridgeErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", bridgeErr)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			mqttBridge.Stop()
		}()
	}

	supCtx, stopSupervisor := context.WithCancel(ctx)
	supDone := make(chan struct{})
	var supErr error
	go func() {
		defer close(supDone)
		supErr = sup.Run(supCtx)
	}()
	defer func() {
		log.Info("stopping device supervisor")
		stopSupervisor()
		<-supDone
	}()
	log.Info("device supervisor started",
		"port", cfg.Device.Serial.Port,
		"simulation", cfg.Device.Simulation,
	)

	if cfg.API.Enabled {
		srv, apiErr := startAPI(ctx, cfg, sup, apiStores{journal: repo, audit: auditWriter, auditLog: auditRepo}, prom, mqttClient, db, log)
		if apiErr != nil {
			return fmt.Errorf("starting API: %w", apiErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	retention := cfg.Database.JournalRetention()
	go prune(ctx, repo, retention, log.Component("journal"))
	go prune(ctx, auditRepo, retention, log.Component("audit"))

	log.Info("initialisation complete, waiting for shutdown signal")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case <-supDone:
		if supErr != nil {
			return fmt.Errorf("device supervisor: %w", supErr)
		}
	}

	log.Info("dragon-core stopped")
	return nil
}

// getConfigPath returns DRAGON_CONFIG if set, otherwise the default path.
func getConfigPath() string {
	if path := os.Getenv("DRAGON_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// deviceOptions maps the device section of the config onto driver options.
func deviceOptions(dc config.DeviceConfig, logger dragon.Logger) dragon.Options {
	a, b := dc.FullTravel()
	return dragon.Options{
		Port:               dc.Serial.Port,
		Baud:               dc.Serial.Baud,
		ReadTimeout:        dc.Serial.ReadTimeout(),
		TickInterval:       dc.Serial.TickInterval(),
		FullTravelA:        a,
		FullTravelB:        b,
		Simulation:         dc.Simulation,
		LogTransformations: dc.LogTransformations,
		Logger:             logger,
	}
}

func deviceOpener(dc config.DeviceConfig, logger dragon.Logger) supervisor.Opener {
	opts := deviceOptions(dc, logger)
	return func() (*dragon.Device, error) {
		return dragon.Open(opts)
	}
}

func supervisorConfig(rc config.ReconnectConfig) supervisor.Config {
	return supervisor.Config{
		Reconnect:       rc.Enabled,
		InitialInterval: time.Duration(rc.InitialIntervalMS) * time.Millisecond,
		MaxInterval:     time.Duration(rc.MaxIntervalMS) * time.Millisecond,
		MaxElapsed:      time.Duration(rc.MaxElapsedS) * time.Second,
	}
}

func startBridge(ctx context.Context, cfg *config.Config, client *mqtt.Client, sup *supervisor.Supervisor, rec audit.Recorder, log *logging.Logger) (*bridge.Bridge, error) {
	b, err := bridge.New(bridge.Config{
		DeviceID: cfg.Device.ID,
		Version:  version,
		QoS:      byte(cfg.MQTT.QoS),
		Audit:    rec,
	}, client, sup)
	if err != nil {
		return nil, err
	}
	b.SetLogger(log)

	sup.AddObserver(b)
	sup.OnStateChange(func(connected bool) {
		go func() {
			if err := b.Health().PublishNow(); err != nil {
				log.Warn("publishing health", "error", err, "device_connected", connected)
			}
		}()
	})

	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	log.Info("MQTT bridge started", "topic", mqtt.Topics{}.Command(cfg.Device.ID))
	return b, nil
}

// apiStores are the persistence collaborators handed to the API.
type apiStores struct {
	journal  journal.Repository
	audit    audit.Recorder
	auditLog audit.Repository
}

func startAPI(ctx context.Context, cfg *config.Config, sup *supervisor.Supervisor, stores apiStores, prom *metrics.Metrics, mqttClient *mqtt.Client, db *database.DB, log *logging.Logger) (*api.Server, error) {
	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	sup.AddObserver(hub)
	go hub.Run(ctx)

	deps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log.Component("api"),
		Device:   sup,
		DeviceID: cfg.Device.ID,
		Journal:  stores.journal,
		Audit:    stores.audit,
		AuditLog: stores.auditLog,
		Metrics:  prom.Handler(),
		DB:       db.DB,
		Hub:      hub,
		Version:  version,
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}

	srv, err := api.New(deps)
	if err != nil {
		return nil, err
	}
	if err := srv.Start(ctx); err != nil {
		return nil, err
	}
	return srv, nil
}

// pruner is satisfied by the journal and audit repositories.
type pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// prune deletes rows older than keep, once at start and then every
// pruneInterval. A zero keep disables pruning.
func prune(ctx context.Context, repo pruner, keep time.Duration, log *logging.Logger) {
	if keep <= 0 {
		return
	}

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		n, err := repo.PruneBefore(ctx, time.Now().Add(-keep))
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("pruning failed", "error", err)
		case n > 0:
			log.Info("pruned old rows", "rows", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// healthCheck verifies the infrastructure connections. Clients that are
// disabled are passed as nil and skipped.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
