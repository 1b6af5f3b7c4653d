// ttyd serves a terminal session over a web socket: one connected
// client gets one child process inside a PTY.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Xiaohua-Shen/ttyd/internal/config"
	"github.com/Xiaohua-Shen/ttyd/internal/server"
	"github.com/Xiaohua-Shen/ttyd/internal/session"
)

var version = "0.1.0"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ttyd: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	slog.Info("ttyd starting", "version", version, "command", cfg.Command, "signal", cfg.Signal)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Under the once policy the last session ending is the shutdown
	// signal.
	reg := session.NewRegistry(cfg, func() {
		slog.Info("exiting due to the once option")
		stop()
	})

	srv, err := server.New(cfg, reg)
	if err != nil {
		slog.Error("server setup failed", "error", err)
		os.Exit(1)
	}

	if err := srv.Start(ctx); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
