// Command wsgate runs the WebSocket gateway with its control channel on
// standard input and output: one JSON request per line in, one response or
// notification per line out. Logs go to standard error.
package main

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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
	"golang.org/x/sync/errgroup"

	"github.com/LLIEPJIOK/service-mesh/wsgate/pkg/ws"
	"github.com/LLIEPJIOK/service-mesh/wsgate/pkg/ws/control"
)

const Version = "v0.1.0"

const shutdownTimeout = 10 * time.Second

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML file with flag values",
		EnvVars: []string{"WSGATE_CONFIG"},
	},
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		Usage:   "debug, info, warn or error",
		EnvVars: []string{"WSGATE_LOG_LEVEL"},
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "log-format",
		Value:   "text",
		Usage:   "text or json",
		EnvVars: []string{"WSGATE_LOG_FORMAT"},
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "admin-addr",
		Usage:   "address of the /metrics and /healthz listener, disabled when empty",
		EnvVars: []string{"WSGATE_ADMIN_ADDR"},
	}),
	altsrc.NewDurationFlag(&cli.DurationFlag{
		Name:    "handshake-timeout",
		Value:   ws.DefaultConfig().HandshakeTimeout,
		EnvVars: []string{"WSGATE_HANDSHAKE_TIMEOUT"},
	}),
	altsrc.NewDurationFlag(&cli.DurationFlag{
		Name:    "close-grace",
		Value:   ws.DefaultConfig().CloseGrace,
		EnvVars: []string{"WSGATE_CLOSE_GRACE"},
	}),
	altsrc.NewDurationFlag(&cli.DurationFlag{
		Name:    "stop-grace",
		Value:   ws.DefaultConfig().StopGrace,
		EnvVars: []string{"WSGATE_STOP_GRACE"},
	}),
	altsrc.NewInt64Flag(&cli.Int64Flag{
		Name:    "read-limit",
		Usage:   "maximum inbound message size in bytes, unlimited when 0",
		EnvVars: []string{"WSGATE_READ_LIMIT"},
	}),
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: loading .env: %v\n", err)
	}

	app := &cli.App{
		Name:    "wsgate",
		Usage:   "WebSocket gateway driven over stdin/stdout",
		Version: Version,
		Flags:   flags,
		Before:  altsrc.InitInputSourceWithContext(flags, altsrc.NewYamlSourceFromFlagFunc("config")),
		Action:  run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cCtx *cli.Context) error {
	logger, err := newLogger(cCtx.String("log-level"), cCtx.String("log-format"))
	if err != nil {
		return err
	}

	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(cCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cfg := ws.DefaultConfig()
	cfg.HandshakeTimeout = cCtx.Duration("handshake-timeout")
	cfg.CloseGrace = cCtx.Duration("close-grace")
	cfg.StopGrace = cCtx.Duration("stop-grace")
	cfg.ReadLimit = cCtx.Int64("read-limit")
	cfg.Logger = logger
	cfg.Metrics = ws.NewMetrics(reg)

	ctrl := control.NewServer(os.Stdout, control.ServerConfig{Logger: logger.With("component", "control")})
	gw := ws.New(cfg, ctrl)
	control.Register(ctrl, gw)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// The controller is gone once stdin closes.
		defer cancel()

		err := ctrl.Serve(gCtx, os.Stdin)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	if addr := cCtx.String("admin-addr"); addr != "" {
		admin := &http.Server{
			Addr:              addr,
			Handler:           adminRouter(gw, reg),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			logger.Info("admin listener starting", "addr", addr)

			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin listener: %w", err)
			}

			return nil
		})

		g.Go(func() error {
			<-gCtx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			return admin.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gCtx.Done()

		logger.Info("shutting down gateway")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := gw.Shutdown(shutdownCtx); err != nil {
			logger.Warn("gateway shutdown", "error", err)
		}

		return nil
	})

	return g.Wait()
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
