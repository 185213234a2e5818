// HWM Core - Ground Station Hardware Manager
//
// This is the main entry point for the HWM Core daemon. HWM Core owns the
// radios, rotators and modems of a ground station and lends them to users
// in time-boxed sessions:
//   - Devices are declared once and grouped into pipelines
//   - Users book a pipeline for a window; overlapping bookings are refused
//   - While a session is active its owner commands the pipeline's devices
//
// Commands arrive over the HTTP API and, optionally, MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/hwm-core/internal/api"
	"github.com/nerrad567/hwm-core/internal/audit"
	"github.com/nerrad567/hwm-core/internal/auth"
	"github.com/nerrad567/hwm-core/internal/bridge"
	"github.com/nerrad567/hwm-core/internal/command"
	"github.com/nerrad567/hwm-core/internal/device"
	"github.com/nerrad567/hwm-core/internal/discovery"
	"github.com/nerrad567/hwm-core/internal/driver"
	"github.com/nerrad567/hwm-core/internal/driver/fake"
	"github.com/nerrad567/hwm-core/internal/driver/hamlib"
	"github.com/nerrad567/hwm-core/internal/driver/remote"
	"github.com/nerrad567/hwm-core/internal/infrastructure/config"
	"github.com/nerrad567/hwm-core/internal/infrastructure/database"
	"github.com/nerrad567/hwm-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/hwm-core/internal/infrastructure/logging"
	"github.com/nerrad567/hwm-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/hwm-core/internal/metrics"
	"github.com/nerrad567/hwm-core/internal/permission"
	"github.com/nerrad567/hwm-core/internal/pipeline"
	"github.com/nerrad567/hwm-core/internal/session"
	"github.com/nerrad567/hwm-core/internal/station"
	"github.com/nerrad567/hwm-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds driver shutdown when the daemon stops.
const shutdownTimeout = 15 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo,funlen // linear startup sequence
	log := logging.Default()
	log.Info("starting HWM Core",
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

	log = logging.New(cfg.Logging, version).With("station_id", cfg.Station.ID)
	defer log.Close() //nolint:errcheck // nothing left to log to
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"output", cfg.Logging.Output,
	)

	// Database: session archive and audit trail.
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
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	auditRepo := audit.NewSQLiteRepository(db.DB)

	// InfluxDB (optional)
	var (
		influxClient *influxdb.Client
		pointWriter  metrics.Writer
	)
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB, cfg.Station.ID)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		pointWriter = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}
	recorder := metrics.NewRecorder(pointWriter)

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() { log.Info("MQTT connected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	registry, err := newDriverRegistry(mqttClient)
	if err != nil {
		return fmt.Errorf("registering drivers: %w", err)
	}
	log.Info("drivers registered", "kinds", registry.Kinds())

	devices := device.NewManager(registry)
	devices.SetLogger(log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		log.Info("shutting down devices")
		if shutdownErr := devices.ShutdownAll(shutdownCtx); shutdownErr != nil {
			log.Error("device shutdown incomplete", "error", shutdownErr)
		}
	}()

	pipelines := pipeline.NewManager(devices)
	pipelines.SetLogger(log)
	pipelines.SetObserver(func(p pipeline.Pipeline) {
		log.Info("pipeline status changed", "pipeline_id", p.ID, "status", p.Status, "last_error", p.LastError)
	})

	coordinator := session.NewCoordinator(pipelines, session.Config{
		TickInterval: cfg.GetTickInterval(),
		HookTimeout:  cfg.GetHookTimeout(),
	})
	coordinator.SetLogger(log)
	coordinator.SetRepository(session.NewSQLiteRepository(db.DB))

	// Permissions
	grants := permission.NewStore()
	syncer := permission.NewSyncer(grants, permission.SyncerConfig{
		File:            cfg.Permissions.File,
		URL:             cfg.Permissions.URL,
		RefreshInterval: cfg.GetPermissionsRefresh(),
		MaxAge:          cfg.GetPermissionsMaxAge(),
	})
	syncer.SetLogger(log)
	if _, refreshErr := syncer.Refresh(ctx); refreshErr != nil {
		// Every command is denied until a refresh succeeds.
		log.Warn("initial permissions load failed", "error", refreshErr)
	}

	// Command dispatch
	dispatcher := command.NewDispatcher(coordinator, pipelines, grants, command.Config{
		RatePerSecond: cfg.Commands.RatePerSecond,
		Burst:         cfg.Commands.Burst,
	})
	dispatcher.SetLogger(log)
	dispatcher.SetAuditor(auditRepo)
	dispatcher.AddObserver(recorder)
	if regErr := dispatcher.RegisterHandler(command.NewStationHandler(coordinator, devices, nil)); regErr != nil {
		return fmt.Errorf("registering station commands: %w", regErr)
	}

	// Event fan-out: WebSocket hub, metrics and (optionally) MQTT.
	hub := api.NewHub(cfg.WebSocket, log)
	hub.SetBindings(pipelines)

	statuses := statusFanout{hub.DeviceStatusChanged, recorder.DeviceStatusChanged}
	telemetry := telemetryFanout{hub}
	coordinator.AddSink(hub)
	coordinator.AddSink(recorder)
	coordinator.AddStreamSink(hub)

	if mqttClient != nil {
		opts := bridge.Options{
			MQTT:     mqttClient,
			Topics:   mqttClient.Topics(),
			QoS:      mqttClient.QoS(),
			Bindings: pipelines,
			Logger:   log,
		}
		if cfg.MQTT.AcceptCommands {
			opts.Dispatcher = dispatcher
			opts.Streams = dispatcher
		}
		mqttBridge, bridgeErr := bridge.New(opts)
		if bridgeErr != nil {
			return fmt.Errorf("creating MQTT bridge: %w", bridgeErr)
		}
		if startErr := mqttBridge.Start(ctx); startErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT bridge", "dropped", mqttBridge.Dropped())
			mqttBridge.Stop()
		}()

		statuses = append(statuses, mqttBridge.DeviceStatusChanged)
		telemetry = append(telemetry, mqttBridge)
		coordinator.AddSink(mqttBridge)
		coordinator.AddStreamSink(mqttBridge)
		log.Info("MQTT bridge started", "accept_commands", cfg.MQTT.AcceptCommands)
	}

	devices.SetStatusObserver(statuses.DeviceStatusChanged)
	devices.SetTelemetrySink(telemetry)

	// Device output: output device -> active pipeline -> its session.
	devices.SetOutputSink(pipelines)
	pipelines.SetOutputRelay(coordinator)

	// Station hardware. A device or pipeline that fails to come up is
	// reported and left out; the rest of the station still serves.
	decl, err := station.Load(cfg.Station.DevicesFile)
	if err != nil {
		return fmt.Errorf("loading station: %w", err)
	}
	if applyErr := decl.Apply(ctx, devices, pipelines); applyErr != nil {
		log.Warn("station loaded with errors", "error", applyErr)
	}
	log.Info("station loaded",
		"devices", len(devices.List()),
		"pipelines", len(pipelines.List()),
	)

	recovered, err := coordinator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovering sessions: %w", err)
	}
	log.Info("sessions recovered", "count", recovered)

	// HTTP API
	operators := make([]auth.Operator, 0, len(cfg.Security.Operators))
	for _, op := range cfg.Security.Operators {
		operators = append(operators, auth.Operator{
			Username:     op.Username,
			UserID:       op.UserID,
			PasswordHash: op.PasswordHash,
			Admin:        op.Admin,
		})
	}
	issuer := auth.NewIssuer(cfg.Security.JWT.Secret, time.Duration(cfg.Security.JWT.AccessTokenTTL)*time.Minute)
	authn, err := auth.NewAuthenticator(issuer, operators)
	if err != nil {
		return fmt.Errorf("loading operators: %w", err)
	}

	server, err := api.New(api.Deps{
		Config:         cfg.API,
		WS:             cfg.WebSocket,
		Metrics:        cfg.Metrics,
		Logger:         log,
		Devices:        devices,
		Pipelines:      pipelines,
		Sessions:       coordinator,
		Commands:       dispatcher,
		Auth:           authn,
		Audit:          auditRepo,
		Permissions:    syncer,
		MetricsHandler: recorder.Handler(),
		Hub:            hub,
		Version:        version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	advertiser, err := discovery.Advertise(cfg.Discovery, discovery.Info{
		StationID: cfg.Station.ID,
		Version:   version,
		Port:      cfg.API.Port,
		TLS:       cfg.API.TLS.Enabled,
	})
	switch {
	case errors.Is(err, discovery.ErrDisabled):
		log.Info("mDNS discovery disabled")
	case err != nil:
		log.Warn("mDNS advertisement failed", "error", err)
	default:
		defer advertiser.Shutdown()
		log.Info("mDNS advertisement started", "instance", advertiser.Instance())
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coordinator.Run(gctx) })
	if cfg.Permissions.RefreshInterval > 0 {
		g.Go(func() error { return syncer.Run(gctx) })
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("shutdown signal received, cleaning up")
	// Deferred calls run in reverse: discovery, API, MQTT bridge,
	// devices, MQTT, InfluxDB, database.
	log.Info("HWM Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses HWM_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("HWM_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// newDriverRegistry registers the built-in driver kinds. Remote drivers
// need MQTT and are only available when a client is given.
func newDriverRegistry(mqttClient *mqtt.Client) (*driver.Registry, error) {
	registry := driver.NewRegistry()
	kinds := map[string]driver.Factory{
		fake.Kind:          fake.Factory(),
		hamlib.KindRig:     func() driver.Driver { return hamlib.NewRig() },
		hamlib.KindRotator: func() driver.Driver { return hamlib.NewRotator() },
	}
	if mqttClient != nil {
		kinds[remote.Kind] = remote.Factory(mqttClient, mqttClient.Topics())
	}
	for kind, factory := range kinds {
		if err := registry.Register(kind, factory); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// healthCheck verifies all infrastructure connections are healthy.
// mqttClient and influxClient may be nil when disabled.
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

// statusFanout delivers device status changes to several observers.
type statusFanout []device.StatusObserver

func (f statusFanout) DeviceStatusChanged(deviceID string, status driver.Status) {
	for _, obs := range f {
		obs(deviceID, status)
	}
}

// telemetryFanout delivers driver telemetry to several sinks.
type telemetryFanout []driver.TelemetrySink

func (f telemetryFanout) PublishTelemetry(deviceID, stream string, datum any) {
	for _, sink := range f {
		sink.PublishTelemetry(deviceID, stream, datum)
	}
}
