package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/api"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/config"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geostats"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/logger"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/markers"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/region"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/runner"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/upstream"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	verbose    bool

	cfg *config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "bedriftsgrafen",
	Short: "Map engine for the Bedriftsgrafen company explorer",
	Long: `Serves clustered company markers and region choropleths for the
Bedriftsgrafen map, and manages persisted cluster index snapshots.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
			return err
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		log, err = logger.Setup(cfg.Logging.Level, cfg.Logging.JSON)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket map server",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	serveCmd.Flags().String("addr", "", "listen address, overrides the config")

	rootCmd.AddCommand(serveCmd, snapshotCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newPool() *runner.Pool {
	return runner.NewPool(runner.Options{
		MaxIndexes: cfg.Indexes.Max,
		IdleTTL:    cfg.Indexes.IdleTTL,
		Dir:        cfg.Indexes.Dir,
		Cluster:    cfg.Cluster,
	}, log.Named("runner"))
}

func loadBoundaries() map[geo.Level]*region.Boundaries {
	out := make(map[geo.Level]*region.Boundaries)
	for level, path := range map[geo.Level]string{
		geo.LevelCounty:       cfg.Boundaries.County,
		geo.LevelMunicipality: cfg.Boundaries.Municipality,
	} {
		if path == "" {
			continue
		}
		b, err := region.LoadBoundaryFile(path, level)
		if err != nil {
			log.Error("boundaries_unavailable", zap.String("level", string(level)), zap.Error(err))
			continue
		}
		log.Info("boundaries_loaded", zap.String("level", string(level)), zap.Int("regions", len(b.Regions)))
		out[level] = b
	}
	return out
}

func runServe(cmd *cobra.Command, args []string) error {
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	client := upstream.New(cfg.Upstream.BaseURL, cfg.Upstream.Timeout, log.Named("upstream"))

	var remote markers.RemoteCache
	if cfg.Redis.Enabled && cfg.Redis.Addr != "" {
		rdb := markers.OpenRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer rdb.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis_unavailable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		} else {
			remote = markers.NewRedisCache(rdb, "bedriftsgrafen:")
		}
		cancel()
	}

	fetcher := markers.NewFetcher(markers.NewClient(client), markers.Options{
		MinZoom:      cfg.Markers.MinZoom,
		FreshFor:     cfg.Markers.FreshFor,
		Retries:      cfg.Markers.Retries,
		RetryBackoff: cfg.Markers.RetryBackoff,
		CacheSize:    cfg.Markers.CacheSize,
	}, remote, log.Named("markers"))

	pool := newPool()
	defer pool.Close()

	srv := api.NewServer(fetcher, pool, geostats.NewClient(client), loadBoundaries(), api.Options{
		AllowedOrigin:    cfg.Server.AllowedOrigin,
		MaxExpansionZoom: cfg.Map.MaxExpansionZoom,
		Cluster:          cfg.Cluster,
	}, log.Named("api"))

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	errc := make(chan error, 1)
	go func() {
		log.Info("server_listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-quit:
		log.Info("server_shutting_down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("server_shutdown_failed", zap.Error(err))
	}
	// Hijacked websocket connections are not covered by Shutdown.
	srv.CloseSessions()
	waited := make(chan struct{})
	go func() {
		srv.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		log.Warn("sessions_still_open")
	}
	log.Info("server_stopped")
	return nil
}
