package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/opsight/opscheck/internal/config"
	"github.com/opsight/opscheck/internal/diag"
	"github.com/opsight/opscheck/internal/inspect"
	"github.com/opsight/opscheck/internal/probe"
)

// runtime is the state shared by every command of one invocation.
type runtime struct {
	cfg    *config.Config
	logger *zap.Logger
	out    printer
}

func (rt *runtime) openStore(ctx context.Context) (*inspect.Store, error) {
	return inspect.Open(ctx, inspect.Options{
		Driver: rt.cfg.Store.Driver,
		DSN:    rt.cfg.Store.DSN,
		Logger: rt.logger,
	})
}

func (rt *runtime) client() *probe.Client {
	s := rt.cfg.Service
	return probe.NewClient(s.BaseURL, s.Timeout, s.MaxRetries, rt.logger)
}

func (rt *runtime) credentials() probe.Credentials {
	return probe.Credentials{Username: rt.cfg.Service.Username, Password: rt.cfg.Service.Password}
}

func newLogger(debug, silent bool, w io.Writer) *zap.Logger {
	var (
		enc   zapcore.Encoder
		level = zapcore.InfoLevel
	)
	if debug {
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		level = zapcore.DebugLevel
	} else {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}
	if silent {
		level = zapcore.ErrorLevel
	}
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), level))
}

// applyFlags layers explicitly set flags and OPSCHECK_* variables over the
// config file.
func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("driver") {
		cfg.Store.Driver = c.String("driver")
	}
	if c.IsSet("dsn") {
		cfg.Store.DSN = c.String("dsn")
	}
	if c.IsSet("base-url") {
		cfg.Service.BaseURL = strings.TrimRight(c.String("base-url"), "/")
	}
	if c.IsSet("username") {
		cfg.Service.Username = c.String("username")
	}
	if c.IsSet("password") {
		cfg.Service.Password = c.String("password")
	}
	if c.IsSet("timeout") {
		cfg.Service.Timeout = c.Duration("timeout")
	}
	if c.IsSet("max-retries") {
		cfg.Service.MaxRetries = c.Int("max-retries")
	}
}

func newApp() *cli.App {
	rt := &runtime{}

	return &cli.App{
		Name:  "opscheck",
		Usage: "Inspect the OpSight backend store and probe its live API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file path (default ~/.opscheck/config.toml)",
				EnvVars: []string{"OPSCHECK_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Value:   formatTable,
				Usage:   "Output format (table, json, ndjson, yaml)",
			},
			&cli.StringFlag{
				Name:    "driver",
				Usage:   "Store driver (sqlite, postgres)",
				EnvVars: []string{"OPSCHECK_DRIVER"},
			},
			&cli.StringFlag{
				Name:    "dsn",
				Usage:   "sqlite file path or postgres connection URL",
				EnvVars: []string{"OPSCHECK_DSN"},
			},
			&cli.StringFlag{
				Name:    "base-url",
				Usage:   "Backend API base URL",
				EnvVars: []string{"OPSCHECK_BASE_URL"},
			},
			&cli.StringFlag{
				Name:    "username",
				Aliases: []string{"u"},
				EnvVars: []string{"OPSCHECK_USERNAME"},
			},
			&cli.StringFlag{
				Name:    "password",
				EnvVars: []string{"OPSCHECK_PASSWORD"},
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Usage:   "HTTP request timeout",
				EnvVars: []string{"OPSCHECK_TIMEOUT"},
			},
			&cli.IntFlag{
				Name:    "max-retries",
				Usage:   "Retries for the OpenAPI document on 429/5xx",
				EnvVars: []string{"OPSCHECK_MAX_RETRIES"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Human-readable debug logging",
			},
			&cli.BoolFlag{
				Name:  "silent",
				Usage: "Suppress all logging except errors",
			},
		},
		Before: func(c *cli.Context) error {
			format := c.String("format")
			if !validFormat(format) {
				return fmt.Errorf("invalid format %q: must be table, json, ndjson, or yaml", format)
			}

			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			applyFlags(c, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			rt.cfg = cfg
			rt.logger = newLogger(c.Bool("debug"), c.Bool("silent"), c.App.ErrWriter)
			rt.out = printer{w: c.App.Writer, format: format}
			return nil
		},
		After: func(c *cli.Context) error {
			if rt.logger != nil {
				_ = rt.logger.Sync()
			}
			return nil
		},
		Commands: append(storeCommands(rt), serviceCommands(rt)...),
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newApp().RunContext(ctx, os.Args)
	if err != nil {
		switch {
		case diag.IsNotFound(err):
			fmt.Fprintln(os.Stderr, "⚠️ ", err)
		case diag.IsFatal(err):
			fmt.Fprintln(os.Stderr, "🚫", err)
		default:
			fmt.Fprintln(os.Stderr, "❌", err)
		}
	}
	stop()
	os.Exit(diag.ExitCode(err))
}
