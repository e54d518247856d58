// Command inspectd runs the inspect-link resolver service: one persistent
// game-coordinator session per configured login, a priority dispatch
// queue, and an HTTP front-end (§6.5).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inspectd/internal/api"
	"inspectd/internal/config"
	"inspectd/internal/fleet"
	"inspectd/internal/gamedata"
	"inspectd/internal/gcclient"
	"inspectd/internal/item"
	"inspectd/internal/resultcache"
	"inspectd/internal/scheduler"
)

func main() {
	configPath := flag.String("c", "./config.js", "path to the YAML-formatted config file")
	flag.StringVar(configPath, "config", "./config.js", "path to the YAML-formatted config file (long form)")
	steamDataDir := flag.String("s", "", "override bot_settings.steam_user.dataDirectory")
	flag.StringVar(steamDataDir, "steam_data", "", "override bot_settings.steam_user.dataDirectory (long form)")
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)

	if err := run(*configPath, *steamDataDir, logger); err != nil {
		logger.Printf("[main] fatal: %v", err)
		os.Exit(1)
	}
}

func run(configPath, steamDataDir string, logger *log.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if steamDataDir != "" {
		cfg.BotSettings.SteamUser.DataDirectory = steamDataDir
	}
	if cfg.BotSettings.MaxConcurrentRequests > 1 {
		logger.Printf("[main] max_concurrent_requests=%d ignored: wire correlation supports exactly one in-flight request per bot (§9)", cfg.BotSettings.MaxConcurrentRequests)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := resultcache.New(resultcache.DefaultMaxEntries)
	go runCacheCleanup(ctx, cache, logger)

	gd := gamedata.New(cfg.GameFilesURL, time.Duration(cfg.GameFilesUpdateIntervalMS)*time.Millisecond, cfg.EnableGameFileUpdates, logger)
	gd.Start(ctx)

	fleetCtl := fleet.New(logger)
	factory := gcSessionFactory(logger)
	for _, login := range cfg.Logins {
		fleetCtl.AddBot(login, cfg.BotSettings, factory, cache, gd)
	}

	fleetDone := make(chan struct{})
	go func() {
		fleetCtl.Run(ctx)
		close(fleetDone)
	}()

	sched := scheduler.New(dispatchHandler(fleetCtl), fleetCtl, logger)
	sched.Start(ctx)

	srv := api.New(cfg, fleetCtl, sched, cache, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: srv,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Printf("[main] listening on %s", httpServer.Addr)
		serveErrCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Printf("[main] received %s, shutting down", sig)
	case err := <-serveErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("[main] http server error: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("[main] http shutdown: %v", err)
	}

	sched.Pause()
	cancel() // triggers each Bot's graceful LogOff + the fleet's Run to return.

	select {
	case <-fleetDone:
	case <-time.After(10 * time.Second):
		logger.Printf("[main] timed out waiting for bots to shut down")
	}

	return nil
}

// dispatchHandler adapts the fleet's LookupFloat into the scheduler's
// Handler shape.
func dispatchHandler(f *fleet.Controller) scheduler.Handler {
	return func(ctx context.Context, e *scheduler.QueueEntry) (item.Decorated, time.Duration, error) {
		return f.LookupFloat(ctx, e.Link)
	}
}

// gcSessionFactory returns the Factory the fleet uses to build each Bot's
// game-coordinator session. The real session implementation is an
// external collaborator (§1, §6.3): a Steam-client + CS:GO
// game-coordinator library is not part of this module's dependency
// surface, so wiring a concrete Factory is left to whatever deployment
// links inspectd against that library. Until one is supplied, every login
// attempt fails fast and loudly instead of silently no-op'ing.
func gcSessionFactory(logger *log.Logger) gcclient.Factory {
	return func(events gcclient.Events) gcclient.Session {
		return &unconfiguredSession{logger: logger, events: events}
	}
}

type unconfiguredSession struct {
	logger *log.Logger
	events gcclient.Events
}

func (s *unconfiguredSession) Login(ctx context.Context, creds gcclient.Credentials) error {
	s.logger.Printf("[main] no game-coordinator client library wired in; cannot log in %s", creds.AccountName)
	if s.events.OnError != nil {
		s.events.OnError(errNoSessionBackend)
	}
	return errNoSessionBackend
}

func (s *unconfiguredSession) LogOff() {}

func (s *unconfiguredSession) GamesPlayed(appIDs []uint32) error { return errNoSessionBackend }

func (s *unconfiguredSession) InspectItem(owner, assetID, d string) error {
	return errNoSessionBackend
}

func (s *unconfiguredSession) RequestFreeLicense(appID uint32) error { return errNoSessionBackend }

var errNoSessionBackend = errors.New("gcclient: no game-coordinator session backend wired in")

func runCacheCleanup(ctx context.Context, cache *resultcache.Cache, logger *log.Logger) {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := cache.CleanupExpired()
			if n > 0 {
				logger.Printf("[cache] expired %d entries", n)
			}
		}
	}
}
