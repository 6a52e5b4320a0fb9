package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/tejusbharadwaj/meterflow/internal/api"
	"github.com/tejusbharadwaj/meterflow/internal/config"
	"github.com/tejusbharadwaj/meterflow/internal/database"
	"github.com/tejusbharadwaj/meterflow/internal/gaps"
	server "github.com/tejusbharadwaj/meterflow/internal/grpc"
	"github.com/tejusbharadwaj/meterflow/internal/loader"
	"github.com/tejusbharadwaj/meterflow/internal/metrics"
	"github.com/tejusbharadwaj/meterflow/internal/pipeline"
	"github.com/tejusbharadwaj/meterflow/internal/scheduler"
	"github.com/tejusbharadwaj/meterflow/internal/storage"
	"github.com/tejusbharadwaj/meterflow/internal/updates"
	"github.com/tejusbharadwaj/meterflow/internal/worker"
)

// Command meterflow ingests hourly meter readings from vendor APIs into
// object storage and loads them into the warehouse.
//
// The service supports:
//   - Gap detection over a lookback window per meter
//   - Fetch, standardize and save stages run by idle-timeout worker pools
//   - Update manifests announcing every saved object
//   - A warehouse loader that finalizes the manifests it consumed
//   - gRPC health reporting and Prometheus metrics
//
// Usage:
//
//	meterflow [flags]
//
// The flags are:
//
//	-config string
//	      path to config file (default "config.yaml")
//	-once
//	      run the connectors (and the loader when enabled) once and exit
//	-connector string
//	      restrict -once to a single connector
//	-print-config
//	      print the effective configuration and exit
func main() {
	flags := parseFlags()

	appConfig, err := config.Load(flags.ConfigPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if flags.PrintConfig {
		out, err := config.Dump(appConfig)
		if err != nil {
			log.Fatalf("Failed to render configuration: %v", err)
		}
		fmt.Print(string(out))
		return
	}

	logger := newLogger(appConfig.Logging)
	entry := logrus.NewEntry(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	registry := prometheus.NewRegistry()
	m.MustRegister(registry)
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, err := createStorage(ctx, appConfig.Storage, entry)
	if err != nil {
		logger.Fatalf("Failed to create storage: %v", err)
	}

	pool := worker.NewPool(appConfig.Pipeline.PoolSize, entry)
	connectors, err := buildConnectors(appConfig, store, pool, m, entry)
	if err != nil {
		logger.Fatalf("Failed to build connectors: %v", err)
	}

	var (
		repo database.Repository
		load *loader.Loader
	)
	if appConfig.Loader.Enabled {
		repo, err = database.NewPostgresRepo(ctx, appConfig.Database.ConnString())
		if err != nil {
			logger.Fatalf("Failed to create repository: %v", err)
		}
		defer repo.Close()

		finalizer := updates.NewFinalizer(store, appConfig.Loader.Retry, m, entry)
		load = loader.New(appConfig.Loader.Settings(), store, repo, finalizer, pool, m, entry)
	}
	locations := appConfig.MeterLocations()

	health := server.NewHealthChecker()
	sched := scheduler.NewScheduler(ctx, entry, appConfig.Pipeline.RunTimeout)
	var jobs []string
	for _, conn := range appConfig.Connectors {
		c := connectors[conn.Name]
		health.Register(c.Name())
		err := sched.Add(scheduler.Job{
			Name:     c.Name(),
			Schedule: conn.Schedule,
			Run: func(ctx context.Context) error {
				report, err := c.Run(ctx, time.Time{})
				health.MarkRun(c.Name(), err)
				if err == nil {
					entry.WithFields(logrus.Fields{
						"connector":   c.Name(),
						"missing":     report.MissingMeterHours,
						"saved":       report.SavedCanonical,
						"manifests":   len(report.Manifests),
						"unprocessed": report.Unprocessed,
					}).Info("Connector run finished")
				}
				return err
			},
		})
		if err != nil {
			logger.Fatalf("Failed to schedule connector: %v", err)
		}
		jobs = append(jobs, c.Name())
	}
	if load != nil {
		health.Register("loader")
		err := sched.Add(scheduler.Job{
			Name:     "loader",
			Schedule: appConfig.Loader.Schedule,
			Run: func(ctx context.Context) error {
				_, err := load.Run(ctx, locations)
				health.MarkRun("loader", err)
				return err
			},
		})
		if err != nil {
			logger.Fatalf("Failed to schedule loader: %v", err)
		}
		jobs = append(jobs, "loader")
	}

	if flags.Once {
		if err := runOnce(sched, health, jobs, flags.Connector, entry); err != nil {
			logger.Fatalf("Run failed: %v", err)
		}
		return
	}

	srv := server.SetupServer(health, server.ServerConfig{
		RateLimit:      appConfig.Server.RateLimit,
		RateLimitBurst: appConfig.Server.RateLimitBurst,
	}, m, entry.WithField("component", "grpc"))

	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", appConfig.Server.Host, appConfig.Server.Port))
	if err != nil {
		logger.Fatalf("Failed to listen: %v", err)
	}

	var metricsSrv *http.Server
	if appConfig.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", appConfig.Server.Host, appConfig.Server.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	// Start background services
	errChan := make(chan error, 2)

	sched.Start()
	logger.WithFields(logrus.Fields{
		"connectors": len(connectors),
		"loader":     load != nil,
	}).Info("Started scheduler")

	go func() {
		logger.WithFields(logrus.Fields{
			"port": appConfig.Server.Port,
		}).Info("Starting gRPC server")
		if err := srv.Serve(lis); err != nil {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	if metricsSrv != nil {
		go func() {
			logger.WithField("addr", metricsSrv.Addr).Info("Serving metrics")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	handleShutdown(ctx, cancel, errChan, srv, metricsSrv, sched, logger)
}

type Flags struct {
	ConfigPath  string
	Once        bool
	Connector   string
	PrintConfig bool
}

func parseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "config.yaml", "Path to the configuration file")
	flag.BoolVar(&f.Once, "once", false, "Run the connectors once and exit")
	flag.StringVar(&f.Connector, "connector", "", "Restrict -once to a single connector")
	flag.BoolVar(&f.PrintConfig, "print-config", false, "Print the effective configuration and exit")

	flag.Parse()

	return f
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

func createStorage(ctx context.Context, cfg config.StorageConfig, log *logrus.Entry) (storage.Storage, error) {
	if cfg.Driver == "memory" {
		log.Warn("Using in-memory storage, objects are lost on exit")
		return storage.NewMemoryStore(), nil
	}
	store, err := storage.NewMinioStore(ctx, cfg.Minio, log)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func buildConnectors(cfg *config.Config, store storage.Storage, pool *worker.Pool, m *metrics.Collectors, log *logrus.Entry) (map[string]*pipeline.Connector, error) {
	out := make(map[string]*pipeline.Connector, len(cfg.Connectors))
	for _, conn := range cfg.Connectors {
		settings, err := cfg.Pipeline.Settings(conn)
		if err != nil {
			return nil, err
		}
		cache, err := gaps.NewHourCache(cfg.Pipeline.CacheSize, cfg.Pipeline.CacheTTL)
		if err != nil {
			return nil, err
		}

		createdBy := conn.CreatedBy
		if createdBy == "" {
			createdBy = conn.Name
		}
		connLog := log.WithField("connector", conn.Name)
		c, err := pipeline.New(settings, pipeline.Deps{
			Store:    store,
			Fetcher:  api.NewClient(conn.API, conn.Raw, settings.Location, store, connLog),
			Registry: api.Standardizers(createdBy, settings.Location),
			Pool:     pool,
			Cache:    cache,
			Metrics:  m,
			Log:      log,
		})
		if err != nil {
			return nil, err
		}
		out[conn.Name] = c
	}
	return out, nil
}

// runOnce triggers the registered jobs in order, or only the named
// connector, without starting the cron loop.
func runOnce(sched *scheduler.Scheduler, health *server.HealthChecker, jobs []string, only string, log *logrus.Entry) error {
	if only != "" {
		if only == "loader" || !slices.Contains(jobs, only) {
			return fmt.Errorf("unknown connector %q", only)
		}
		jobs = []string{only}
	}

	var errs []error
	for _, name := range jobs {
		if err := sched.Trigger(name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	for _, name := range jobs {
		if last, ok := health.LastRun(name); ok {
			log.WithFields(logrus.Fields{
				"job":    name,
				"at":     last.At,
				"failed": last.Err != nil,
			}).Debug("Recorded run")
		}
	}
	return errors.Join(errs...)
}

// Handle graceful shutdown
func handleShutdown(ctx context.Context, cancel context.CancelFunc, errChan <-chan error, srv *grpc.Server, metricsSrv *http.Server, sched *scheduler.Scheduler, logger *logrus.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Println("Context canceled, initiating shutdown")
	case sig := <-sigChan:
		logger.Printf("Received signal %v, initiating shutdown", sig)
	case err := <-errChan:
		logger.WithError(err).Error("Service error, initiating shutdown")
		exitCode = 1
	}

	// running jobs observe the cancelled context and drain
	cancel()
	sched.Stop()
	logger.Println("Scheduler stopped")

	logger.Println("Gracefully stopping server...")
	srv.GracefulStop()
	if metricsSrv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	logger.Println("Server stopped")

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
