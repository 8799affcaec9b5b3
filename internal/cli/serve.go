package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harun/turnstile/internal/config"
	"github.com/harun/turnstile/pkg/agent"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the turn gateway in the foreground",
	Long: `Run the turn orchestrator and its HTTP/WebSocket gateway until
interrupted. In-flight streams get a grace period to finish on shutdown.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, &agent.ProviderFactory{})
	if err != nil {
		return err
	}
	if err := a.start(); err != nil {
		_ = a.close()
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Turnstile listening on %s\n", a.gateway.Addr())

	if w, err := config.NewWatcher(config.WatcherConfig{
		Path:     cfgFile,
		OnReload: a.reload,
		Logger:   a.log.GetZerolog(),
	}); err != nil {
		a.log.Warn().Err(err).Msg("Config reload disabled")
	} else if err := w.Start(); err != nil {
		a.log.Warn().Err(err).Msg("Config reload disabled")
		_ = w.Stop()
	} else {
		defer w.Stop()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	a.log.Info().Msg("Shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.shutdown(shutdownCtx)
}
