package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/llnl/hubcast/internal/config"
	"github.com/llnl/hubcast/internal/logging"
	"github.com/llnl/hubcast/internal/server"
	"github.com/llnl/hubcast/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "hubcast",
		Short:   "Mirror forge activity into a GitLab instance",
		Version: version.Version,
	}

	rootCmd.AddCommand(
		serveCmd(),
		mapCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook bridge",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logging.Setup(cfg.LoggingConfigPath)
	if err != nil {
		return err
	}

	svc, err := server.New(cfg, log)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: svc.Handler,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		log.Info("starting hubcast", "addr", srv.Addr, "src_forge", cfg.SrcForge)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown error", "error", err)
		}
		// Let in-flight syncs finish before the process exits.
		svc.Tasks.Stop(30 * time.Second)
	}

	return nil
}

func mapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "map",
		Short: "Account map utilities",
	}
	cmd.AddCommand(mapLookupCmd())
	return cmd
}

func mapLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <source-user>",
		Short: "Resolve a source username through the configured account map",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := logging.Setup(cfg.LoggingConfigPath)
			if err != nil {
				return err
			}

			accounts, err := server.BuildAccountMap(cfg, log)
			if err != nil {
				return err
			}

			dest, ok, err := accounts.Lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no mapping for %q", args[0])
			}
			fmt.Println(dest)
			return nil
		},
	}
}
