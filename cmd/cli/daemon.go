package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/xferd/config"
	"github.com/jaywantadh/xferd/internal/daemon"
	"github.com/jaywantadh/xferd/internal/metadata"
	"github.com/jaywantadh/xferd/internal/storage"
	"github.com/jaywantadh/xferd/internal/transport"
	"github.com/jaywantadh/xferd/pkg/logging"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Run the receiving daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Aliases: []string{"l"}, Usage: "address to listen on"},
			&cli.DurationFlag{Name: "expire", Value: 24 * time.Hour, Usage: "drop unfinished transfers idle this long"},
		},
		Action: func(c *cli.Context) error {
			cfg := config.Config.Daemon
			addr := cfg.ListenAddr
			if c.IsSet("listen") {
				addr = c.String("listen")
			}

			chunks, err := storage.NewLocalStorage(cfg.StoragePath)
			if err != nil {
				return err
			}
			states, err := metadata.OpenStore(cfg.MetadataPath)
			if err != nil {
				return err
			}
			defer states.Close()

			handler := daemon.NewHandler(daemon.Config{
				MaxFileSize:  cfg.MaxFileSize,
				MaxChunkSize: cfg.MaxChunkSize,
			}, chunks, states)
			server := transport.NewGRPCServer(handler.Serve)

			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", addr, err)
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				logging.Log.Info("Shutting down, waiting for running transfers")
				server.GracefulStop()
			}()
			go expireLoop(ctx.Done(), handler, c.Duration("expire"))

			logging.Log.WithField("addr", lis.Addr().String()).Info("Transfer daemon listening")
			return server.Serve(lis)
		},
	}
}

func expireLoop(done <-chan struct{}, handler *daemon.Handler, maxIdle time.Duration) {
	if maxIdle <= 0 {
		return
	}
	ticker := time.NewTicker(maxIdle / 4)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			n, err := handler.CleanupExpired(maxIdle)
			if err != nil {
				logging.Log.WithError(err).Warn("Expired transfer cleanup failed")
			} else if n > 0 {
				logging.Log.Infof("Removed %d expired transfers", n)
			}
		}
	}
}
