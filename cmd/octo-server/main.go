package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"octo/config"
	"octo/invoker"
	"octo/middleware"
	"octo/server"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "octo-server",
		Usage: "run scripts sent by octo clients and stream their output back",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a TOML config file.",
			},
			&cli.StringFlag{
				Name:  "bind",
				Usage: "Address to listen on, overrides server.bind.",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on, overrides server.port.",
			},
			&cli.StringFlag{
				Name:  "advertise",
				Usage: "Address registered for clients, overrides server.advertise.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "info",
			},
			&cli.BoolFlag{
				Name:  "dev",
				Usage: "Human-readable development logging.",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cctx *cli.Context) error {
	cfg := config.DefaultServerConfig()
	if path := cctx.String("config"); path != "" {
		var err error
		if cfg, err = config.LoadServer(path); err != nil {
			return err
		}
	}
	if cctx.IsSet("bind") {
		cfg.Bind = cctx.String("bind")
	}
	if cctx.IsSet("port") {
		cfg.Port = cctx.Int("port")
	}
	if cctx.IsSet("advertise") {
		cfg.Advertise = cctx.String("advertise")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cctx.String("log-level"), cctx.Bool("dev"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg, err := cfg.Registry.Open(cfg.ServiceName, logger.Named("registry"))
	if err != nil {
		return err
	}
	if reg != nil {
		defer reg.Close()
	}

	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger.Named("invoke"))}
	if cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}

	shell := &invoker.Shell{Path: cfg.Shell.Path, Dir: cfg.Shell.Dir, Env: cfg.Shell.Env}
	svr := server.NewServer(shell,
		server.WithLogger(logger),
		server.WithLimits(cfg.Limits),
		server.WithThrottle(cfg.Throttle.NewPolicy()),
		server.WithMaxTimers(cfg.MaxTimers),
		server.WithServiceName(cfg.ServiceName),
		server.WithRegistration(cfg.RegisterTTL, cfg.Weight),
		server.WithInvocationTimeout(cfg.InvocationTimeout),
		server.WithMiddleware(mws...),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- svr.Serve("tcp", cfg.Addr(), cfg.Advertise, reg)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		logger.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
	}
	if err := svr.Shutdown(cfg.ShutdownTimeout); err != nil {
		return err
	}
	return <-serveErr
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	if dev {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
