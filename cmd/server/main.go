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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gihan9a/braidhttp/internal/config"
	"gihan9a/braidhttp/internal/logging"
	"gihan9a/braidhttp/internal/server"
	"gihan9a/braidhttp/internal/store"
	"gihan9a/braidhttp/internal/tls"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var (
		configPath string
		rootDir    string
		port       int
	)
	serve := func(c *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		// Command line flags override the file.
		if rootDir != "" {
			cfg.RootDir = rootDir
		}
		if port != 0 {
			cfg.Port = port
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return run(c.Context(), cfg)
	}

	root := &cobra.Command{
		Use:          "braid-server",
		Short:        "Serve resources over Braid-HTTP",
		SilenceUsage: true,
		RunE:         serve,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML or TOML configuration file")
	root.PersistentFlags().StringVarP(&rootDir, "dir", "d", "", "directory containing .braid files (overrides config)")
	root.PersistentFlags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the server (default)",
		Args:  cobra.NoArgs,
		RunE:  serve,
	})
	root.AddCommand(&cobra.Command{
		Use:   "generate-config [path]",
		Short: "Write a configuration file with the default settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			path := "config.yml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.SaveDefaultConfig(path); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "Default configuration written to %s\n", path)
			return nil
		},
	})
	return root
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Set up the TLS certificate if needed
	if cfg.TLS.Enabled && cfg.TLS.GenerateCert {
		if err := tls.EnsureCertificate(logger.Named("tls"), cfg.TLS.CertFile, cfg.TLS.KeyFile); err != nil {
			return fmt.Errorf("failed to set up TLS certificate: %w", err)
		}
	}

	opts := []server.Opt{server.WithLogger(logger)}
	if cfg.Storage.Path != "" {
		st, err := store.New(ctx, cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer st.Close()
		opts = append(opts, server.WithStore(st))
	}

	braidServer, err := server.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer braidServer.Close()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := braidServer.Start(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           braidServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var eg errgroup.Group
	eg.Go(func() error {
		var err error
		if cfg.TLS.Enabled {
			logger.Info("braid server running",
				zap.String("url", fmt.Sprintf("https://localhost%s", httpServer.Addr)),
				zap.String("root", cfg.RootDir),
				zap.String("cert", cfg.TLS.CertFile),
				zap.String("key", cfg.TLS.KeyFile),
			)
			err = httpServer.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.Info("braid server running",
				zap.String("url", fmt.Sprintf("http://localhost%s", httpServer.Addr)),
				zap.String("root", cfg.RootDir),
			)
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		cancel()
		return err
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		// Open subscriptions would hold Shutdown until its deadline.
		braidServer.Close()
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		return httpServer.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
