// vdcd - bus bridging daemon
//
// vdcd drives a DALI bus through a serial bridge (local serial port or a
// TCP serial proxy) and exposes the control gear over MQTT. All bus traffic
// goes through a single operation queue, scheduled on one main loop
// goroutine.
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

	"github.com/icecap85/vdcd/internal/bridges/dali"
	"github.com/icecap85/vdcd/internal/infrastructure/config"
	"github.com/icecap85/vdcd/internal/infrastructure/database"
	"github.com/icecap85/vdcd/internal/infrastructure/influxdb"
	"github.com/icecap85/vdcd/internal/infrastructure/logging"
	"github.com/icecap85/vdcd/internal/infrastructure/mqtt"
	"github.com/icecap85/vdcd/internal/mainloop"
	"github.com/icecap85/vdcd/internal/serialqueue"
	"github.com/icecap85/vdcd/internal/transport"
	"github.com/icecap85/vdcd/migrations"
)

// Set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/vdcd.yaml"

// shutdownTimeout bounds the work done on the main loop during shutdown.
const shutdownTimeout = 5 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting vdcd",
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

	db, err := database.Open(ctx, database.Config{
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

	applied, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete", "applied", applied)

	mqttClient, err := mqtt.Connect(cfg.MQTT)
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
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
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

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	if !cfg.Buses.DALI.Enabled {
		log.Info("DALI bus disabled, waiting for shutdown signal")
		<-ctx.Done()
		log.Info("vdcd stopped")
		return nil
	}

	if err := runDALI(ctx, cfg, db, mqttClient, influxClient, log); err != nil {
		return err
	}

	// Deferred Close() calls run in reverse order: InfluxDB, MQTT, database.
	log.Info("vdcd stopped")
	return nil
}

// runDALI wires the DALI port, its operation queue and the bridge onto a
// main loop and runs them until ctx is cancelled.
func runDALI(ctx context.Context, cfg *config.Config, db *database.DB,
	mqttClient *mqtt.Client, influxClient *influxdb.Client, log *logging.Logger) error {
	daliCfg := cfg.Buses.DALI

	var devices []dali.DeviceConfig
	if daliCfg.DeviceFile != "" {
		f, err := dali.LoadDeviceFile(daliCfg.DeviceFile)
		if err != nil {
			return fmt.Errorf("loading DALI devices: %w", err)
		}
		devices = f.Devices
		log.Info("DALI device file loaded", "path", daliCfg.DeviceFile, "devices", len(devices))
	}

	loop := mainloop.New(mainloop.Options{
		TickInterval: cfg.Scheduler.TickInterval,
		Logger:       log.Component("mainloop"),
	})

	port, err := transport.New(transport.Config{
		Connection:  daliCfg.Connection,
		DefaultPort: daliCfg.DefaultPort,
		BaudRate:    daliCfg.BaudRate,
		IdleTimeout: daliCfg.IdleTimeout,
		Logger:      log.Component("transport"),
	})
	if err != nil {
		return fmt.Errorf("configuring DALI port: %w", err)
	}
	defer func() {
		if closeErr := port.Close(); closeErr != nil {
			log.Error("error closing DALI port", "error", closeErr)
		}
	}()

	queue := serialqueue.New(loop, serialqueue.Options{
		Transmitter: portTransmitter(port),
		Receiver:    port.Receive,
		Logger:      log.Component("serialqueue"),
		MaxPasses:   cfg.Scheduler.MaxPasses,
	})
	port.SetNotify(func() {
		// Runs on the port reader goroutine.
		_ = loop.Post(func() { queue.HandleReadable() }) //nolint:errcheck // loop stopped means shutdown
	})

	var metrics dali.Metrics
	if influxClient != nil {
		metrics = influxClient
	}

	bridge, err := dali.NewBridge(dali.Options{
		BridgeID:         daliCfg.BridgeID,
		Version:          version,
		Comm:             dali.NewComm(queue, daliCfg.ReceiveTimeout, log.Component("dali")),
		MQTT:             mqttClient,
		Loop:             loop,
		Clock:            loop,
		Devices:          devices,
		Registry:         dali.NewRegistry(db),
		Metrics:          metrics,
		Queue:            queue,
		Port:             port,
		HealthInterval:   daliCfg.HealthInterval,
		PresenceInterval: daliCfg.PresenceInterval,
		Logger:           log.Component("dali"),
	})
	if err != nil {
		return fmt.Errorf("creating DALI bridge: %w", err)
	}

	loop.OnTick(func(now time.Time) {
		queue.ProcessAll()
		if queue.Len() == 0 {
			port.CloseIfIdle(now)
		}
		bridge.Tick(now)
	})

	if openErr := port.Open(ctx); openErr != nil {
		// Transmit reopens in the background; requests wait for it.
		log.Warn("DALI port not available yet", "endpoint", port.Endpoint().String(), "error", openErr)
	} else {
		log.Info("DALI port open", "endpoint", port.Endpoint().String())
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		return loop.Run(gctx)
	})

	if startErr := loop.Call(ctx, func() error { return bridge.Start(ctx) }); startErr != nil {
		stopLoop()
		_ = g.Wait() //nolint:errcheck // Run only returns nil
		if errors.Is(startErr, context.Canceled) {
			return nil
		}
		return fmt.Errorf("starting DALI bridge: %w", startErr)
	}
	log.Info("DALI bridge started", "endpoint", port.Endpoint().String(), "bridge_id", daliCfg.BridgeID)
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Stop the bridge and abort outstanding bus operations on the loop,
	// then stop the loop itself.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if stopErr := loop.Call(shutdownCtx, func() error {
		bridge.Stop()
		queue.Close()
		return nil
	}); stopErr != nil {
		log.Warn("DALI bridge did not stop cleanly", "error", stopErr)
	}

	stopLoop()
	if err := g.Wait(); err != nil {
		return fmt.Errorf("main loop: %w", err)
	}

	st := queue.Stats()
	log.Info("DALI bridge stopped",
		"enqueued", st.Enqueued,
		"completed", st.Completed,
		"aborted", st.Aborted,
		"timed_out", st.TimedOut,
	)
	return nil
}

// portTransmitter adapts port to the serial queue. While the port is still
// opening, requests stay queued instead of failing.
func portTransmitter(port *transport.Port) serialqueue.Transmitter {
	return func(p []byte) (int, error) {
		n, err := port.Transmit(p)
		if errors.Is(err, transport.ErrNotOpen) {
			return n, fmt.Errorf("%w: %w", serialqueue.ErrNotReady, err)
		}
		return n, err
	}
}

// getConfigPath returns the configuration file path.
// Uses VDCD_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("VDCD_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	// The DALI port opens in the background; its health is reported by the bridge.
	return nil
}
