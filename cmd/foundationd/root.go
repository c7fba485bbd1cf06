package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"

	"github.com/signal24/dk-server-foundation/internal/config"
)

var logger = newLogger()

// newLogger backs this process's slog.Logger with zap's production
// encoder via zapslog, rather than slog's plain text handler — every
// coordination/srpc/schema package takes a *slog.Logger, so this is the
// one place a faster structured encoder gets wired in for the whole
// process.
func newLogger() *slog.Logger {
	zl, err := zap.NewProduction()
	if err != nil {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return slog.New(zapslog.NewHandler(zl.Core()))
}

var rootCmd = &cobra.Command{
	Use:   "foundationd",
	Short: "foundationd runs the Redis-backed coordination and SRPC stack",
	Long: `foundationd wires Mutex, Leader, and Mesh coordination, an SRPC
duplex WebSocket server, and the schema-differ CLI into a single binary.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.Initialize()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(schemaCmd)
}

// rootContext returns a context canceled on SIGINT/SIGTERM, the same
// signal set the teacher CLI's root command watches for.
func rootContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
