package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/markview/markview/internal/cache"
	"github.com/markview/markview/internal/config"
	"github.com/markview/markview/internal/coordinator"
	"github.com/markview/markview/internal/hub"
	"github.com/markview/markview/internal/index"
	"github.com/markview/markview/internal/logging"
	"github.com/markview/markview/internal/pathguard"
	"github.com/markview/markview/internal/renderer"
	"github.com/markview/markview/internal/scanner"
	"github.com/markview/markview/internal/server"
	"github.com/markview/markview/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Serve a document directory",
	Long: `Serve starts the HTTP server over the configured document directory,
arms the filesystem watcher, and streams change notifications to websocket
subscribers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if noWatch, _ := cmd.Flags().GetBool("no-watch"); noWatch {
			cfg.Watch.Enabled = false
		}

		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	// Flag defaults restate config.Default so viper's flag-default layer
	// never zeroes a setting nothing overrode.
	defaults := config.Default()
	serveCmd.Flags().String("dir", defaults.Documents.BaseDir, "document directory to serve")
	serveCmd.Flags().IntP("port", "p", defaults.Server.Port, "port to listen on")
	serveCmd.Flags().String("host", defaults.Server.Host, "host to bind to")
	serveCmd.Flags().Bool("no-watch", false, "disable the filesystem watcher")
	serveCmd.Flags().Int64("cache-size", defaults.Cache.MaxBytes, "cache capacity in bytes")
	serveCmd.Flags().Duration("cache-ttl", defaults.Cache.TTL, "cache entry time to live")

	_ = viper.BindPFlag("documents.base_dir", serveCmd.Flags().Lookup("dir"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("cache.max_bytes", serveCmd.Flags().Lookup("cache-size"))
	_ = viper.BindPFlag("cache.ttl", serveCmd.Flags().Lookup("cache-ttl"))

	rootCmd.AddCommand(serveCmd)
}

// runServe is the composition root: it builds every component from the
// validated configuration and runs them until a signal arrives.
func runServe(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewLogger(&logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})

	guard, err := pathguard.New(cfg.Documents.BaseDir)
	if err != nil {
		return err
	}

	store := cache.NewStore(cache.Options{
		MaxBytes:      cfg.Cache.MaxBytes,
		TTL:           cfg.Cache.TTL,
		ErrorTTL:      cfg.Cache.ErrorTTL,
		RenderTimeout: cfg.Cache.RenderTimeout,
	}, renderer.NewMarkdown(), logger)

	ix := index.New(index.Options{
		SnippetLength: cfg.Search.SnippetLength,
		MaxResults:    cfg.Search.MaxResults,
	})

	h := hub.New(cfg.Hub.QueueDepth, logger)

	sc := scanner.New(guard, scanner.Options{
		Extensions:  cfg.Documents.Extensions,
		ExcludeDirs: cfg.Documents.ExcludeDirs,
		MaxFileSize: cfg.Documents.MaxFileSize,
		MaxDepth:    cfg.Documents.MaxDepth,
	}, logger)

	coord := coordinator.New(coordinator.Deps{
		Guard:   guard,
		Cache:   store,
		Index:   ix,
		Hub:     h,
		Scanner: sc,
		NewWatcher: func() (*watcher.FileWatcher, error) {
			return watcher.New(watcher.Options{
				Root:       guard.Base(),
				Extensions: cfg.Documents.Extensions,
				Debounce:   cfg.Watch.Debounce,
			}, logger)
		},
		MaxFileSize: cfg.Documents.MaxFileSize,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := coord.Seed(ctx); err != nil {
		return err
	}

	srv := server.New(server.Deps{
		Config:    cfg,
		Guard:     guard,
		Cache:     store,
		Index:     ix,
		Scanner:   sc,
		Hub:       h,
		Sequencer: coord,
		Logger:    logger,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	if cfg.Watch.Enabled {
		g.Go(func() error {
			return coord.Run(ctx)
		})
	}

	logger.Info(ctx, "markview started",
		"dir", guard.Base(), "addr", cfg.Server.Host, "port", cfg.Server.Port,
		"watch", cfg.Watch.Enabled)

	return g.Wait()
}
