package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"

	"octo/client"
	"octo/config"
	"octo/loadbalance"
	"octo/message"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:      "octo-client",
		Usage:     "run a script on an octo server",
		ArgsUsage: "[script] [args...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a TOML config file.",
			},
			&cli.StringSliceFlag{
				Name:  "addr",
				Usage: "Server address; repeat for several. Overrides the configured registry.",
			},
			&cli.StringFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "Read the script from a file, - for stdin. All arguments are then passed to the script.",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Give up after this long, overrides client.timeout.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "warn",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cctx *cli.Context) error {
	cfg := config.DefaultClientConfig()
	if path := cctx.String("config"); path != "" {
		var err error
		if cfg, err = config.LoadClient(path); err != nil {
			return err
		}
	}
	if addrs := cctx.StringSlice("addr"); len(addrs) > 0 {
		cfg.Registry = config.RegistryConfig{Kind: config.RegistryStatic, Addrs: addrs}
	}
	if cctx.IsSet("timeout") {
		cfg.Timeout = cctx.Duration("timeout")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	script, args, err := scriptAndArgs(cctx)
	if err != nil {
		return err
	}

	lvl, err := zapcore.ParseLevel(cctx.String("log-level"))
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg, err := cfg.Registry.Open(cfg.ServiceName, logger.Named("registry"))
	if err != nil {
		return err
	}
	defer reg.Close()

	bal, err := loadbalance.New(cfg.Balancer)
	if err != nil {
		return err
	}
	c := client.NewClient(reg, bal,
		client.WithLogger(logger),
		client.WithServiceName(cfg.ServiceName),
		client.WithPoolSize(cfg.PoolSize),
		client.WithDialTimeout(cfg.DialTimeout),
		client.WithLimits(cfg.Limits))
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	// Out lines go to stdout and Err lines to stderr as they arrive.
	v, err := c.Execute(ctx, script, args, os.Stdout, os.Stderr)
	if err != nil {
		var remote *message.RemoteError
		if errors.As(err, &remote) {
			return cli.Exit(remote.Message, 1)
		}
		return err
	}
	if v != nil {
		fmt.Println(v)
	}
	return nil
}

func scriptAndArgs(cctx *cli.Context) (string, []any, error) {
	rest := cctx.Args().Slice()

	var script string
	switch file := cctx.String("file"); file {
	case "":
		if len(rest) == 0 {
			return "", nil, errors.New("no script given")
		}
		script, rest = rest[0], rest[1:]
	case "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", nil, fmt.Errorf("reading script from stdin: %w", err)
		}
		script = string(b)
	default:
		b, err := os.ReadFile(file)
		if err != nil {
			return "", nil, fmt.Errorf("reading script: %w", err)
		}
		script = string(b)
	}
	if strings.TrimSpace(script) == "" {
		return "", nil, errors.New("empty script")
	}

	args := make([]any, len(rest))
	for i, a := range rest {
		args[i] = a
	}
	return script, args, nil
}
