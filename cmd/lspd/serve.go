package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ggoodman/lsp-server-go/config"
	"github.com/ggoodman/lsp-server-go/examples/cake"
	"github.com/ggoodman/lsp-server-go/internal/logctx"
	"github.com/ggoodman/lsp-server-go/lspserver"
	"github.com/ggoodman/lsp-server-go/registrations"
	"github.com/ggoodman/lsp-server-go/registrations/memory"
	"github.com/ggoodman/lsp-server-go/registrations/redis"
	"github.com/ggoodman/lsp-server-go/stdio"
)

func newServeCmd() *cobra.Command {
	var logFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the cake language server over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			code, err := serve(cmd.Context(), cfg, logFile, cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			exitCode = code
			return nil
		},
	}
	cmd.Flags().StringVar(&logFile, "log-file", "", "write logs to this file instead of stderr")
	return cmd
}

// newLogger writes JSON records to stderr, since stdout carries the protocol.
func newLogger(cfg *config.Config, logFile string) (*slog.Logger, func() error, error) {
	out, closeFn := os.Stderr, func() error { return nil }
	if logFile != "" {
		f, err := os.OpenFile(filepath.Clean(logFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out, closeFn = f, f.Close
	}
	h := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.Level()})
	return slog.New(logctx.Handler{Handler: h}), closeFn, nil
}

func ledger(ctx context.Context, cfg *config.Config) (registrations.Store, func() error, error) {
	if cfg.Registrations != "redis" {
		return memory.New(), func() error { return nil }, nil
	}
	st, err := redis.New(ctx, redis.Config{Addr: cfg.Redis.Addr, KeyPrefix: cfg.Redis.KeyPrefix, TTL: cfg.Redis.TTL})
	if err != nil {
		return nil, nil, err
	}
	return st, st.Close, nil
}

func serve(ctx context.Context, cfg *config.Config, logFile string, in io.Reader, out io.Writer) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, closeLog, err := newLogger(cfg, logFile)
	if err != nil {
		return 1, err
	}
	defer closeLog()

	store, closeStore, err := ledger(ctx, cfg)
	if err != nil {
		return 1, err
	}
	defer closeStore()

	srv, _, err := cake.New(log,
		lspserver.WithRegistrationStore(store),
		lspserver.WithFileWatcher(cfg.Watch),
	)
	if err != nil {
		return 1, err
	}

	h := stdio.NewHandler(srv, stdio.WithIO(in, out), stdio.WithLogger(log))
	if err := h.Serve(ctx); err != nil {
		log.ErrorContext(ctx, "lspd.serve.fail", slog.String("err", err.Error()))
		return 1, err
	}
	return h.ExitCode(), nil
}
