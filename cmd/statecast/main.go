// Command statecast runs the state synchronization server. Configuration
// comes from the environment (see internal/config); --debug forces the log
// level regardless of SC_LOG_LEVEL.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/statecast/statecast/internal/auth"
	"github.com/statecast/statecast/internal/bus"
	"github.com/statecast/statecast/internal/config"
	"github.com/statecast/statecast/internal/docstore"
	"github.com/statecast/statecast/internal/extdata"
	"github.com/statecast/statecast/internal/limits"
	"github.com/statecast/statecast/internal/logging"
	"github.com/statecast/statecast/internal/metrics"
	"github.com/statecast/statecast/internal/resource"
	"github.com/statecast/statecast/internal/session"
	"github.com/statecast/statecast/internal/worker"
)

const (
	guardSampleInterval = 2 * time.Second
	shutdownTimeout     = 30 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	debug := flag.Bool("debug", false, "enable debug logging (overrides SC_LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		bootstrap := logging.New(logging.Config{Level: "info", Format: logging.FormatJSON})
		bootstrap.Error().Err(err).Msg("Cannot load configuration")
		return 1
	}
	if *debug || cfg.DebugLevel > 0 {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: logging.Format(cfg.LogFormat),
	})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := docstore.Open(ctx, docstore.Config{
		Backend:  cfg.DBBackend,
		Path:     cfg.DBPath,
		MongoURI: cfg.MongoURI,
		DBName:   cfg.DBName,
	})
	if err != nil {
		logger.Error().Err(err).Str("backend", cfg.DBBackend).Msg("Cannot open document store")
		return 1
	}
	defer store.Close()

	var (
		ruleStore   auth.RuleStore
		credentials auth.CredentialStore
	)
	if cfg.UseAuthFiles {
		ruleStore = auth.NewFileRuleStore(cfg.BaseAuthDir)
		credentials = auth.NewFileCredentialStore(filepath.Join(cfg.BaseAuthDir, "users.credentials"), cfg.AllowAddingUsers)
	} else {
		ruleStore = auth.NewDocRuleStore(store.Collection("auth.rules"))
		credentials = auth.NewDocCredentialStore(store.Collection("auth.users"), cfg.AllowAddingUsers)
	}
	authorizer := auth.NewAuthorizer(ruleStore, auth.Config{
		OwnerSelfAccess:  cfg.OwnerSelfAccess,
		PublicDataAccess: cfg.PublicDataAccess,
	}, logging.Component(logger, "auth"))

	var tokens auth.TokenVerifier
	if cfg.TokenSecret != "" {
		tokens = auth.NewJWTVerifier(cfg.TokenSecret)
	}

	var (
		sources *extdata.Registry
		cache   *extdata.Cache
	)
	if cfg.ExternalDataSourceConfigPath != "" {
		configs, err := extdata.LoadConfig(cfg.ExternalDataSourceConfigPath)
		if err != nil {
			logger.Error().Err(err).Str("path", cfg.ExternalDataSourceConfigPath).Msg("Cannot load external source configuration")
			return 1
		}
		extLogger := logging.Component(logger, "extdata")
		sources = extdata.NewRegistry(configs, extdata.NewSQLBackend(extLogger))
		cache = extdata.NewCache(sources, extLogger)
	}

	manager := resource.NewManager(store, sources, cache, logging.Component(logger, "resource"))

	workers := worker.NewPool(cfg.WorkerPoolSize, cfg.WorkerQueueSize, logging.Component(logger, "worker"))
	workers.Start(ctx)
	defer workers.Stop()

	guard := limits.NewGuard(limits.GuardConfig{
		MaxGoroutines:      cfg.MaxGoroutines,
		CPURejectThreshold: cfg.CPURejectThreshold,
		MemoryLimit:        cfg.MemoryLimit,
	}, logging.Component(logger, "limits"))
	guard.Start(ctx, guardSampleInterval)
	defer guard.Stop()

	collector := metrics.NewCollector(cfg.MetricsInterval, workers)
	collector.Start()
	defer collector.Stop()

	srv := session.NewServer(cfg, session.Deps{
		Manager:     manager,
		Authorizer:  authorizer,
		Credentials: credentials,
		Tokens:      tokens,
		Workers:     workers,
		Guard:       guard,
	}, logger)
	if err := srv.Start(); err != nil {
		logger.Error().Err(err).Msg("Cannot start server")
		return 1
	}
	logger.Info().Str("protocol", cfg.Protocol).Int("port", cfg.Port).Msg("Server running")

	// The control bus can ask for a full shutdown (fleet terminate); the
	// signal loop below treats that the same as SIGTERM.
	busStop := make(chan struct{}, 1)
	if cfg.NATSURL != "" {
		control, err := bus.Connect(cfg.NATSURL, srv, func(reason string) {
			select {
			case busStop <- struct{}{}:
			default:
			}
		}, logging.Component(logger, "bus"))
		if err != nil {
			logger.Error().Err(err).Str("url", cfg.NATSURL).Msg("Cannot connect control bus")
			return 1
		}
		defer control.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

loop:
	for {
		select {
		case sig := <-sigCh:
			// SIGHUP hangs up every client without stopping the server;
			// clients reconnect and resume from their last revision.
			if sig == syscall.SIGHUP {
				logger.Info().Msg("SIGHUP received, terminating all sessions")
				srv.TerminateAll("server restarting")
				continue
			}
			logger.Info().Str("signal", sig.String()).Msg("Shutting down")
			break loop
		case <-busStop:
			logger.Info().Msg("Control bus requested shutdown")
			break loop
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown did not complete cleanly")
		return 1
	}
	logger.Info().Msg("Server stopped")
	return 0
}
