package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/sqlwatch/admin"
	"github.com/maxpert/sqlwatch/cfg"
	"github.com/maxpert/sqlwatch/consumer"
	"github.com/maxpert/sqlwatch/dispatch"
	"github.com/maxpert/sqlwatch/queue"
	"github.com/maxpert/sqlwatch/relay"
	_ "github.com/maxpert/sqlwatch/relay/sink"
	"github.com/maxpert/sqlwatch/store"
	"github.com/maxpert/sqlwatch/telemetry"
	"github.com/maxpert/sqlwatch/watch"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const statsInterval = 5 * time.Second

func main() {
	flag.Parse()

	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("sqlwatch - SQLite query change notifications")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	watched, err := store.NewSQLite(store.SQLiteConfig{
		Path:           cfg.Config.Store.Path,
		BusyTimeout:    time.Duration(cfg.Config.Store.BusyTimeoutMS) * time.Millisecond,
		ExpiryInterval: time.Duration(cfg.Config.Store.ExpiryIntervalMS) * time.Millisecond,
		QueryCacheSize: cfg.Config.Store.QueryCacheSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create store")
		return
	}

	client, err := queue.Open(cfg.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create queue client")
		return
	}

	dispatcher := dispatch.New("consumer", cfg.Config.Watch.DispatchQueueLength)
	defer dispatcher.Stop()

	console := consumer.NewConsole(cfg.Config.Watch.Register)

	loop, err := watch.New(watch.Config{
		Store:      watched,
		Queue:      client,
		Sink:       console,
		Dispatcher: dispatcher,
		Query:      cfg.Config.Watch.Query,
		Label:      cfg.Config.Watch.Label,
		Options: store.SubscriptionOptions{
			Service:        cfg.Config.Watch.Service,
			Queue:          cfg.Config.Watch.Queue,
			Database:       cfg.Config.Watch.Database,
			TimeoutSeconds: cfg.Config.Watch.TimeoutSeconds,
		},
		GraceMargin: time.Duration(cfg.Config.Watch.GraceMarginSeconds) * time.Second,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create notification loop")
		return
	}

	if cfg.Config.Relay.Enabled {
		registry, err := startRelay()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start relay")
			return
		}
		defer registry.Stop()
	}

	collector := telemetry.NewMetricsCollector(watched, statsInterval)
	collector.Start()
	defer collector.Stop()

	if cfg.Config.Admin.Enabled {
		srv := startAdmin(loop, console, watched)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	if cfg.Config.Watch.StartOnBoot || cfg.Config.Watch.Once {
		if err := loop.Start(context.Background(), cfg.Config.Watch.Register); err != nil {
			log.Fatal().Err(err).Msg("Failed to start notification loop")
			return
		}
		if cfg.Config.Watch.Once {
			// Exit after the single fetch
			loop.RequestStop()
		}
	}

	log.Info().
		Str("store", cfg.Config.Store.Path).
		Str("queue", string(cfg.Config.Queue.Type)).
		Str("watch_queue", cfg.Config.Watch.Queue).
		Dur("receive_timeout", loop.ReceiveTimeout()).
		Msg("sqlwatch started")

	waitForShutdown(loop, console)
}

func startRelay() (*relay.Registry, error) {
	source, err := queue.NewSQLite(queue.SQLiteConfig{
		Path:        cfg.Config.Store.Path,
		BusyTimeout: time.Duration(cfg.Config.Store.BusyTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}

	registry, err := relay.NewRegistry(relay.RegistryConfig{
		LogPath:        cfg.GetRelayLogPath(),
		Source:         source,
		DrainBatchSize: cfg.Config.Relay.DrainBatchSize,
		DrainWait:      time.Duration(cfg.Config.Relay.DrainWaitMS) * time.Millisecond,
		Compression:    cfg.Config.Relay.Compression,
		SinkConfigs:    cfg.Config.Relay.Sinks,
	})
	if err != nil {
		return nil, err
	}

	if err := registry.Start(context.Background()); err != nil {
		return nil, err
	}
	return registry, nil
}

func startAdmin(loop *watch.Loop, console *consumer.Console, stats admin.StoreStats) *http.Server {
	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewAdminHandlers(loop, console, stats))
	if h := telemetry.GetMetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port),
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()

	log.Info().Str("addr", srv.Addr).Msg("Admin server listening")
	return srv
}

// waitForShutdown returns once the loop has stopped. The first signal asks it
// to stop after the outstanding wait; a second one forces it.
func waitForShutdown(loop *watch.Loop, console *consumer.Console) {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	requested := false
	for {
		select {
		case <-loop.Stopped():
			return
		case sig := <-signals:
			if !requested {
				requested = true
				log.Info().Str("signal", sig.String()).Msg("Stop requested, waiting for the current cycle")
				console.RequestExit()
				loop.RequestStop()
				continue
			}

			log.Warn().Str("signal", sig.String()).Msg("Forcing shutdown")
			timeout := time.Duration(cfg.Config.Watch.StopTimeoutSeconds) * time.Second
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := loop.Close(ctx); err != nil {
				log.Error().Err(err).Msg("Notification loop did not close in time")
			}
			cancel()
			return
		}
	}
}
