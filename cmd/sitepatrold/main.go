package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/time/rate"

	"sitepatrol/internal/api"
	"sitepatrol/internal/browser"
	"sitepatrol/internal/check"
	"sitepatrol/internal/config"
	"sitepatrol/internal/core"
	"sitepatrol/internal/events"
	"sitepatrol/internal/logging"
	sitepatrolmcp "sitepatrol/internal/mcp"
	"sitepatrol/internal/notify"
	"sitepatrol/internal/pool"
	"sitepatrol/internal/queue"
	"sitepatrol/internal/seed"
	"sitepatrol/internal/store"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// In MCP stdio mode stdout carries the protocol.
	logOut := os.Stdout
	if cfg.Server.Mode == config.ModeMCP || cfg.Server.Mode == config.ModeBoth {
		logOut = os.Stderr
	}
	logger := logging.NewWithWriter(logOut, cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, logger); err != nil {
		logger.Error("sitepatrold exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir, cfg.Log.Retention)
	if err != nil {
		return err
	}
	defer storeInst.Close()

	interrupted, err := storeInst.FailInterruptedExecutions(baseCtx, "interrupted by restart")
	if err != nil {
		return err
	}
	if interrupted > 0 {
		logger.Warn("failed interrupted executions", "count", interrupted)
	}

	if cfg.SeedFile != "" {
		file, err := seed.Load(cfg.SeedFile)
		if err != nil {
			return err
		}
		if _, err := seed.Apply(baseCtx, storeInst, file, logger); err != nil {
			return err
		}
	}

	bus := events.NewBus(logger)
	bus.Subscribe(events.LogListener(logger),
		events.PatrolStarted, events.PatrolCompleted, events.PatrolFailed, events.TaskCreated)
	defer bus.Wait()

	launcher := browser.NewLauncher(browser.Options{Headless: cfg.Pool.Headless, Install: cfg.Pool.Install}, logger)
	if err := launcher.Start(); err != nil {
		return err
	}
	defer func() {
		if err := launcher.Stop(); err != nil {
			logger.Error("stop playwright", "err", err)
		}
	}()

	browsers := pool.New(launcher, pool.Config{Size: cfg.Pool.Size, LaunchTimeout: cfg.Pool.LaunchTimeout}, logger)
	if err := browsers.Initialize(baseCtx); err != nil {
		return err
	}
	defer func() {
		if err := browsers.Shutdown(); err != nil {
			logger.Error("shutdown browser pool", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	jobs := queue.New(cfg.Queue.Workers, logger)
	jobs.Start(ctx)

	var checkLimiter *rate.Limiter
	if cfg.Check.RatePerSecond > 0 {
		checkLimiter = rate.NewLimiter(rate.Limit(cfg.Check.RatePerSecond), max(cfg.Check.Burst, 1))
	}
	strategies := check.NewRegistry()
	strategies.Register(check.DefaultStrategy, check.NewPageCheck(check.PageOptions{
		NavigationTimeout: cfg.Check.NavigationTimeout,
		UserAgent:         cfg.Check.UserAgent,
		Limiter:           checkLimiter,
	}))

	reporter, err := newReporter(cfg, storeInst, logger)
	if err != nil {
		return err
	}

	coordCfg := core.DefaultCoordinatorConfig()
	coordCfg.AcquireTimeout = cfg.Pool.AcquireTimeout
	coordinator := core.NewCoordinator(storeInst, browsers, strategies, reporter, bus, logger, coordCfg)

	scheduler := core.NewScheduler(storeInst, coordinator, jobs, logger)
	if err := scheduler.Initialize(ctx); err != nil {
		return err
	}

	mcpServer := sitepatrolmcp.NewMCPServer(storeInst, coordinator, jobs, browsers, logger, cfg.Schedule.DefaultTimeZone)

	serveErr := make(chan error, 2)
	var httpServer *api.Server
	if cfg.Server.Mode == config.ModeHTTP || cfg.Server.Mode == config.ModeBoth {
		var runLimiter *rate.Limiter
		if cfg.Server.RunRate > 0 {
			runLimiter = rate.NewLimiter(rate.Limit(cfg.Server.RunRate), max(cfg.Server.RunBurst, 1))
		}
		httpServer = api.NewServer(api.Options{
			Addr:            cfg.Server.Addr,
			AuthToken:       cfg.Server.AuthToken,
			Store:           storeInst,
			Dispatcher:      coordinator,
			Scheduler:       scheduler,
			Queue:           jobs,
			Pool:            browsers,
			Events:          bus,
			MCP:             mcpServer.HTTPHandler(),
			RunLimiter:      runLimiter,
			DefaultTimeZone: cfg.Schedule.DefaultTimeZone,
			Logger:          logger,
		})
		go func() {
			if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}
	if cfg.Server.Mode == config.ModeMCP || cfg.Server.Mode == config.ModeBoth {
		go func() {
			// Run returns when stdin closes, which ends the session.
			serveErr <- mcpServer.Run()
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop timed out", "err", err)
	}
	if err := jobs.Stop(shutdownCtx); err != nil {
		logger.Warn("queue stop timed out", "err", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// newReporter wires the configured notification channels. With none
// configured every report is skipped.
func newReporter(cfg *config.Config, st *store.Store, logger *slog.Logger) (*notify.Reporter, error) {
	rc := notify.ReporterConfig{NotifyOnSuccess: cfg.Notification.NotifyOnSuccess}
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			return nil, err
		}
		rc.Push = bark
	}
	if cfg.Notification.SMTP.Host != "" {
		email, err := notify.NewEmailNotifier(notify.SMTPConfig(cfg.Notification.SMTP))
		if err != nil {
			return nil, err
		}
		rc.Email = email
	}
	return notify.NewReporter(st, rc, logger), nil
}
