package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/19paoletto10-hub/twilio-sub000/internal/api"
	"github.com/19paoletto10-hub/twilio-sub000/internal/config"
	"github.com/19paoletto10-hub/twilio-sub000/internal/knowledge"
	"github.com/19paoletto10-hub/twilio-sub000/internal/persist"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sub000 server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		saveInterval, _ := cmd.Flags().GetDuration("save-interval")
		return runServer(saveInterval)
	},
}

func init() {
	serveCmd.Flags().Duration("save-interval", 5*time.Minute, "how often to persist the index (0 disables)")
}

func runServer(saveInterval time.Duration) error {
	fmt.Fprintf(os.Stderr, "sub000 version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := knowledge.New(cfg, knowledge.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	// Restore the persisted index if one exists. A missing index is a fresh
	// start; a corrupt one is fatal rather than silently served empty.
	switch err := engine.Load(); {
	case err == nil:
	case errors.Is(err, persist.ErrNotFound):
		slog.Info("no persisted index, starting empty")
	default:
		return fmt.Errorf("loading persisted index: %w", err)
	}

	handler := api.NewAppHandler(api.AppDeps{
		Engine:     engine,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server over stdio.
	mcpSrv := api.NewMCPServer(api.MCPDeps{Engine: engine})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Periodic persistence.
	if saveInterval > 0 {
		go func() {
			ticker := time.NewTicker(saveInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := engine.Save(); err != nil {
						slog.Error("periodic save failed", "error", err)
					}
				}
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "sub000 listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Final save so a clean shutdown never loses ingested documents.
	if err := engine.Save(); err != nil {
		return fmt.Errorf("saving on shutdown: %w", err)
	}
	return nil
}
