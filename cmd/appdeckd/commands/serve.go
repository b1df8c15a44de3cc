package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/appdeck-ai/appdeck/internal/bridge"
	"github.com/appdeck-ai/appdeck/internal/bus"
	"github.com/appdeck-ai/appdeck/internal/config"
	"github.com/appdeck-ai/appdeck/internal/logging"
	"github.com/appdeck-ai/appdeck/internal/server"
	"github.com/appdeck-ai/appdeck/internal/store"
	"github.com/appdeck-ai/appdeck/internal/surface"
	"github.com/appdeck-ai/appdeck/internal/watcher"
	"github.com/appdeck-ai/appdeck/internal/worker"
)

var (
	serveRoot   string
	serveStore  string
	serveListen string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the appdeck daemon",
	Long: `Start the appdeck host daemon: the event store watcher, the worker
supervisor, the surface registry, and the debug HTTP endpoint.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveRoot, "root", "", "Workspace root (defaults to current directory)")
	serveCmd.Flags().StringVar(&serveStore, "store", "", "Event store root (defaults to the XDG data dir)")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Debug server listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveRoot)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if serveStore != "" {
		cfg.StoreRoot = serveStore
	}
	if cfg.StoreRoot == "" {
		cfg.StoreRoot = paths.StorePath()
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}
	if cmd.Flags().Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = logLevel
	}

	logging.Init(logging.Config{Level: logging.ParseLevel(cfg.LogLevel), Pretty: logPretty})
	log := logging.ForComponent("daemon")
	log.Info().
		Str("version", Version).
		Str("root", workDir).
		Str("store", cfg.StoreRoot).
		Msg("starting appdeckd")

	st := store.New(cfg.StoreRoot, cfg.HistoryLimit)
	b := bus.New(st)

	w := watcher.New(st, b.Notify)
	if err := w.Start(); err != nil {
		return err
	}

	sup := worker.New(worker.Config{
		Bootstrap:   cfg.Bootstrap,
		Root:        workDir,
		StoreRoot:   cfg.StoreRoot,
		SearchPaths: cfg.SearchPaths,
	}, b)

	reg := surface.NewRegistry(surface.Config{
		StaticIDs: cfg.StaticSurfaces,
	}, b)

	detach := bridge.NewHandlers(b, sup, reg, workDir).Attach()

	// Launch every discovered application up front.
	apps, err := config.DiscoverApps(cfg.SearchPaths)
	if err != nil {
		log.Warn().Err(err).Msg("app discovery failed")
	}
	for _, app := range apps {
		if _, err := sup.Spawn(cmd.Context(), app.EntryPath(), nil); err != nil {
			log.Error().Err(err).Str("app", app.Name).Msg("app start failed")
		}
	}

	serverCfg := server.DefaultConfig()
	serverCfg.Listen = cfg.Listen
	srv := server.New(serverCfg, b, sup, reg)

	go func() {
		log.Info().Str("listen", cfg.Listen).Msg("debug server listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("debug server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("debug server shutdown")
	}

	detach()
	sup.StopAll(10 * time.Second)
	w.Stop()
	if err := b.Close(); err != nil {
		log.Warn().Err(err).Msg("bus close")
	}

	log.Info().Msg("stopped")
	return nil
}
