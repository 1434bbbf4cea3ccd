package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/workspace/ptymux/internal/config"
	"github.com/workspace/ptymux/internal/logging"
	"github.com/workspace/ptymux/internal/server"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ptymux server",
	Long: `Start the HTTP and WebSocket server. Settings come from PTYMUX_* environment
variables (or their unprefixed names); flags given here take precedence.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "listen host (env HOST)")
	serveCmd.Flags().Int("port", 0, "listen port (env PORT)")
	serveCmd.Flags().String("shell", "", "shell to spawn for new sessions (env DEFAULT_SHELL)")
	serveCmd.Flags().String("workdir", "", "working directory for new sessions (env WORKDIR)")
	serveCmd.Flags().String("static-dir", "", "directory of static client files to serve at / (env STATIC_DIR)")
	serveCmd.Flags().String("journal", "", "path of the SQLite lifecycle journal (env JOURNAL_PATH)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}

	logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Attrs: []slog.Attr{
			slog.String("service", "ptymux"),
			slog.String("version", Version),
		},
	})

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
		slog.Error("Server error", "error", serveErr)
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}
	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}

	slog.Info("ptymux stopped")
	return nil
}

// applyServeFlags copies explicitly set flags over the environment values and
// re-validates the result.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("shell") {
		cfg.DefaultShell, _ = flags.GetString("shell")
	}
	if flags.Changed("workdir") {
		cfg.WorkDir, _ = flags.GetString("workdir")
	}
	if flags.Changed("static-dir") {
		cfg.StaticDir, _ = flags.GetString("static-dir")
	}
	if flags.Changed("journal") {
		cfg.JournalPath, _ = flags.GetString("journal")
	}
	return cfg.Validate()
}
