package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"

	"sensormon/internal/api"
	"sensormon/internal/config"
	"sensormon/internal/driver"
	"sensormon/internal/driver/hwmon"
	"sensormon/internal/driver/mqttprobe"
	"sensormon/internal/driver/sensortag"
	"sensormon/internal/driver/simulated"
	"sensormon/internal/events"
	"sensormon/internal/metrics"
	"sensormon/internal/monitor"
	"sensormon/internal/mqtt"
	"sensormon/internal/seed"
	"sensormon/internal/sensor"
	"sensormon/internal/storage"
	"sensormon/internal/task"
)

// Version is set at build time via -ldflags "-X main.Version=vX.Y.Z"
var Version = "dev"

func main() {
	// Command line flags
	envFile := flag.String("env-file", ".env", "Path to the .env configuration file")
	addr := flag.String("addr", "", "HTTP server address (overrides "+config.EnvAddr+")")
	dbPath := flag.String("db", "", "bbolt database path (overrides "+config.EnvDBPath+")")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	// Load configuration from .env file
	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	if *addr != "" {
		if err := cfg.OverrideAddr(*addr); err != nil {
			logger.Fatalf("Invalid --addr: %v", err)
		}
	}
	if *dbPath != "" {
		if err := cfg.OverrideDBPath(*dbPath); err != nil {
			logger.Fatalf("Invalid --db: %v", err)
		}
	}
	logger.Printf("Configuration loaded: %s", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	store, err := storage.NewBoltStorage(cfg.DBPath())
	if err != nil {
		logger.Fatalf("Failed to open storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("[storage] Close failed: %v", err)
		}
	}()

	// Metrics
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(promRegistry)
	if err != nil {
		logger.Fatalf("Failed to register metrics: %v", err)
	}

	eventStore := events.NewStore(cfg.EventsCapacity())
	hub := api.NewLiveHub()

	// MQTT (optional)
	var mqttClient *mqtt.Client
	var exporter *mqtt.Exporter
	if cfg.MQTTBroker() != "" {
		mqttClient, err = mqtt.New(mqtt.Config{
			Broker:   cfg.MQTTBroker(),
			ClientID: cfg.MQTTClientID(),
			Username: cfg.MQTTUsername(),
			Password: cfg.MQTTPassword(),
			Prefix:   cfg.MQTTPrefix(),
			UseTLS:   cfg.MQTTUseTLS(),
		}, logger)
		if err != nil {
			logger.Fatalf("Failed to create MQTT client: %v", err)
		}

		publisher := mqtt.NewPublisher(mqttClient, logger)
		var discovery *mqtt.DiscoveryManager
		if cfg.MQTTDiscovery() {
			discovery = mqtt.NewDiscoveryManager(mqttClient, publisher, logger)
		}
		exporter = mqtt.NewExporter(publisher, discovery, cfg.MQTTPublishReadings())

		// Connect in the background; mqtt probes connect on demand as well
		go task.RunOnce(ctx, 0, logger, "MQTT", func(context.Context) error {
			return mqttClient.Connect()
		})
		defer mqttClient.Disconnect()
	}

	// Drivers
	factory := driver.NewFactory()
	mustRegister(logger, factory, simulated.Descriptor(), simulated.New)
	mustRegister(logger, factory, hwmon.Descriptor(), hwmon.Builder(cfg.HwmonRoot()))
	if mqttClient != nil {
		mustRegister(logger, factory, mqttprobe.Descriptor(), mqttprobe.Builder(mqttClient, logger))
	}
	if cfg.BLEEnabled() {
		adapter, err := sensortag.NewBlueZAdapter()
		if err != nil {
			logger.Printf("[sensortag] Bluetooth unavailable, SensorTags disabled: %v", err)
		} else {
			mustRegister(logger, factory, sensortag.Descriptor(), sensortag.Builder(adapter, logger))
		}
	}

	// Monitoring service
	opts := monitor.Options{
		Logger:         logger,
		Metrics:        m,
		Events:         eventStore,
		Taps:           []monitor.Tap{hub.Publish},
		ConnectTimeout: cfg.ConnectTimeout(),
		StopTimeout:    cfg.StopTimeout(),
		HistorySize:    cfg.HistoryDefault(),
		AutoStart:      cfg.AutoStartOnCreate(),
	}
	if exporter != nil {
		opts.Taps = append(opts.Taps, exporter.HandleReading)
		opts.Hooks = append(opts.Hooks, exporter)
	}
	service := monitor.NewService(store, factory, opts)

	// Seed sensors before the persisted set is loaded
	if path := cfg.SeedFile(); path != "" {
		configs, err := seed.Load(path)
		if err != nil {
			logger.Printf("[seed] %v", err)
		} else {
			seed.Apply(ctx, service, configs, logger)
		}
	}

	if err := service.Initialize(ctx); err != nil {
		logger.Fatalf("Failed to initialize sensors: %v", err)
	}

	// Retention
	if keep := cfg.RetentionMaxReadings(); keep > 0 {
		go task.RunPeriodic(ctx, cfg.RetentionInterval(), logger, "retention", func(context.Context) error {
			return service.EnforceRetention(keep)
		})
	}

	// HTTP server
	var serverOpts []api.ServerOption
	if perMinute := cfg.ControlRateLimit(); perMinute > 0 {
		limiter := api.NewControlLimiter(perMinute, time.Minute, 2*time.Minute)
		serverOpts = append(serverOpts, api.WithControlLimiter(limiter))
		go task.RunPeriodic(ctx, 10*time.Minute, logger, "rate limiter", func(context.Context) error {
			limiter.Sweep()
			return nil
		})
	}
	server := api.NewServer(service, eventStore, hub, promRegistry, logger, serverOpts...)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Printf("sensormon %s listening on %s", Version, cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("Server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Printf("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout()+5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP shutdown: %v", err)
	}
	service.Shutdown(shutdownCtx)
	logger.Printf("Stopped")
}

func mustRegister(logger *log.Logger, factory *driver.Factory, d sensor.Descriptor, build driver.BuildFunc) {
	if err := factory.Register(d, build); err != nil {
		logger.Fatalf("Failed to register driver %s: %v", d.Type, err)
	}
}
