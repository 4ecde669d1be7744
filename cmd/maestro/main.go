package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"maestro/internal/config"
	"maestro/internal/event"
	"maestro/internal/logging"
	"maestro/internal/message"
	"maestro/internal/metrics"
	"maestro/internal/persist"
	"maestro/internal/pool"
	"maestro/internal/router"
	"maestro/internal/server"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags, exit, code := parseFlags(args, os.Stdout, os.Stderr)
	if exit {
		return code
	}

	settings, err := config.Load(flags.ConfigPath)
	if err != nil {
		os.Stderr.WriteString("maestro: " + err.Error() + "\n")
		return 1
	}
	settings = flags.apply(settings)

	level, _ := logging.ParseLevel(settings.Log.Level)
	logBuffer := logging.NewLogBuffer(logging.DefaultBufferSize)
	logger := logging.NewLogger(logBuffer, level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := event.NewBus[event.Event](ctx, event.BusOptions{
		Name:        "maestro",
		HistorySize: 256,
		Registry:    metrics.Default,
	})
	defer bus.Close()

	messageLog, err := persist.Open(persist.Options{
		Dir:             settings.Persistence.Dir,
		MaxSegmentBytes: settings.Persistence.MaxSegmentBytes,
		RetainSegments:  settings.Persistence.RetainSegments,
		TailCacheSize:   settings.Persistence.TailCacheSize,
		LockTimeout:     settings.Persistence.LockTimeout.Std(),
		LockRetries:     settings.Persistence.LockRetries,
		LockRetryDelay:  settings.Persistence.LockRetryDelay.Std(),
		Logger:          logger,
		Registry:        metrics.Default,
	})
	if err != nil {
		logger.Error("open message log failed", map[string]string{
			"dir":   settings.Persistence.Dir,
			"error": err.Error(),
		})
		return 1
	}
	defer messageLog.Close()

	connections := pool.New(pool.Options{
		HeartbeatInterval: settings.Heartbeat.Interval.Std(),
		HeartbeatTimeout:  settings.Heartbeat.Timeout.Std(),
		Logger:            logger,
		Registry:          metrics.Default,
		Bus:               bus,
	})
	defer connections.Close()

	messageRouter := router.New(connections, messageLog, router.Options{
		MaxRetries:       settings.Router.MaxRetries,
		RetryBase:        settings.Router.RetryBase.Std(),
		RetryInterval:    settings.Router.RetryInterval.Std(),
		FallbackCapacity: settings.Router.FallbackCapacity,
		FlushInterval:    settings.Router.FlushInterval.Std(),
		ReplayWindow:     settings.Router.ReplayWindow.Std(),
		ReplayLimit:      settings.Router.ReplayLimit,
		RegistrationWait: settings.Router.RegistrationWait.Std(),
		Logger:           logger,
		Registry:         metrics.Default,
		Bus:              bus,
	})
	defer messageRouter.Stop()

	// Dashboards connect like any other client under the "dashboard"
	// logical id; dashboard-class messages forward to that binding.
	messageRouter.RegisterDashboard(func(forwarded message.Message) {
		connections.SendToLogical("dashboard", forwarded)
	})

	listener := server.New(connections, messageRouter, server.Options{
		Port:         settings.Server.Port,
		PortAttempts: settings.Server.PortAttempts,
		Logger:       logger,
		Registry:     metrics.Default,
		Bus:          bus,
	})
	if err := listener.Start(); err != nil {
		logger.Error("start listener failed", map[string]string{
			"error": err.Error(),
		})
		return 1
	}
	defer listener.Stop()

	if flags.ConfigPath != "" {
		watcher, err := config.NewWatcher(flags.ConfigPath, logger, func(reloaded config.Settings) {
			if level, ok := logging.ParseLevel(reloaded.Log.Level); ok {
				logger.SetMinLevel(level)
			}
			bus.Publish(event.NewConfigEvent(flags.ConfigPath, reloaded.Log.Level))
		})
		if err != nil {
			logger.Warn("settings watch unavailable", map[string]string{
				"path":  flags.ConfigPath,
				"error": err.Error(),
			})
		} else {
			defer watcher.Close()
		}
	}

	go snapshotLoop(ctx, logger, metrics.Default, settings.Metrics.SnapshotInterval.Std())

	logger.Info("maestro started", map[string]string{
		"port":        strconv.Itoa(listener.Port()),
		"persist_dir": settings.Persistence.Dir,
	})

	<-ctx.Done()
	logger.Info("shutting down", nil)
	return 0
}
