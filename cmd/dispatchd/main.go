package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wsdispatch/wsdispatch/internal/api"
	"github.com/wsdispatch/wsdispatch/internal/catalog"
	"github.com/wsdispatch/wsdispatch/internal/config"
	"github.com/wsdispatch/wsdispatch/internal/inbound"
	"github.com/wsdispatch/wsdispatch/internal/logging"
	"github.com/wsdispatch/wsdispatch/internal/outbound"
	"github.com/wsdispatch/wsdispatch/internal/policy"
	"github.com/wsdispatch/wsdispatch/internal/router"
	"github.com/wsdispatch/wsdispatch/internal/store"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	logLevel   string
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:     "dispatchd",
	Short:   "dispatchd - OneBot v11 command dispatch gateway",
	Long:    `dispatchd sits between a chat adapter and downstream bot services, routing commands to the right backend by prefix, style selection and priority.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dispatchd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default \""+config.DefaultPath+"\")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level from the config file")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "override logging.file from the config file")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() error {
	// Baseline logger for startup messages before the config is read.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "dispatchd"})

	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded environment from .env file")
	}

	loader := config.NewLoader(configPath)
	settings, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		settings.Logging.Level = logLevel
	}
	if logFile != "" {
		settings.Logging.File = logFile
	}

	logger := logging.Init(logging.Config{
		Format:    "auto",
		Level:     settings.Logging.Level,
		Component: "dispatchd",
		FilePath:  settings.Logging.File,
	})
	log.Info().Str("version", Version).Str("config", loader.Path()).Msg("Starting dispatchd")

	st, err := store.Open(settings.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	handle := catalog.NewHandle(catalog.Build(settings.CatalogInput()))
	manager := config.NewManager(loader.Path(), settings, handle)

	pool := outbound.NewPool(logger)
	for i := range settings.Connections {
		if _, err := pool.Add(settings.Connections[i].PoolConfig()); err != nil {
			return fmt.Errorf("register connection: %w", err)
		}
	}

	checker := policy.NewChecker(handle)
	rt := router.New(handle, checker, pool, st)

	inboundSrv := inbound.NewServer(rt, st, logger)
	// Frames the downstream bots push on their own fan back to every
	// connected adapter, but only from connections marked allow_forward.
	pool.SetHandler(func(connID string, frame []byte) {
		conn, ok := pool.Get(connID)
		if !ok || !conn.AllowForward() {
			return
		}
		inboundSrv.Broadcast(frame)
	})

	apiSrv := api.NewServer(manager, st, pool, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager.OnChange(func(next *config.Settings) {
		reconcilePool(ctx, pool, next)
	})

	watcher, err := config.NewWatcher(loader.Path(), manager)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	defer watcher.Stop()

	go reloadOnSIGHUP(ctx, manager)

	pool.ConnectAll(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return inboundSrv.Start(listenAddr(settings.Server.Host, settings.Server.WSPort))
	})
	g.Go(func() error {
		return apiSrv.Start(listenAddr(settings.Server.Host, settings.Server.Port))
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := inboundSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Inbound shutdown error")
		}
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("API shutdown error")
		}
		pool.StopAll()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Stopped")
	return nil
}

func listenAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func reloadOnSIGHUP(ctx context.Context, manager *config.Manager) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-hup:
			log.Info().Msg("SIGHUP received, reloading configuration")
			if err := manager.Reload(); err != nil {
				log.Error().Err(err).Msg("Config reload failed, keeping previous configuration")
			}
		case <-ctx.Done():
			return
		}
	}
}

// reconcilePool aligns the outbound pool with the connection list after a
// config change. Unchanged connections keep their sockets.
func reconcilePool(ctx context.Context, pool *outbound.Pool, settings *config.Settings) {
	desired := make(map[string]outbound.Config, len(settings.Connections))
	for i := range settings.Connections {
		cfg := settings.Connections[i].PoolConfig()
		desired[cfg.ID] = cfg
	}

	for _, conn := range pool.List() {
		cfg, keep := desired[conn.ID()]
		if keep && cfg == conn.Config() {
			delete(desired, conn.ID())
			continue
		}
		// Removed or changed; changed connections are re-added below with
		// their new config.
		if err := pool.Remove(conn.ID()); err != nil {
			log.Warn().Err(err).Str("connection", conn.ID()).Msg("Failed to remove outbound connection")
		}
	}

	for _, cfg := range desired {
		if _, err := pool.Add(cfg); err != nil {
			log.Error().Err(err).Str("connection", cfg.ID).Msg("Failed to add outbound connection")
		}
	}
	pool.ConnectAll(ctx)
}
