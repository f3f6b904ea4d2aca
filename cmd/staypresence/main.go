package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	intrnl "staypresence/internal"
	"staypresence/internal/app"
	"staypresence/internal/storage"
)

const serviceName = "staypresence"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:                 serviceName,
		Usage:                "real-time presence and room broadcast server",
		Version:              fmt.Sprintf("%s (%s)", intrnl.Version, intrnl.CommitHash()),
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			serveCommand(),
			watchCommand(),
			userCommand(),
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the websocket presence server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "YAML config file", EnvVars: []string{"STAYPRESENCE_CONFIG"}},
			&cli.StringFlag{Name: "addr", Usage: "listen address", EnvVars: []string{"STAYPRESENCE_ADDR"}},
			&cli.StringFlag{Name: "path", Usage: "websocket path", EnvVars: []string{"STAYPRESENCE_PATH"}},
			&cli.StringFlag{Name: "db", Usage: "sqlite user directory path", EnvVars: []string{"STAYPRESENCE_DB_PATH"}},
			&cli.StringFlag{Name: "jwt-secret", Usage: "HS256 secret shared with the main application", EnvVars: []string{"STAYPRESENCE_JWT_SECRET", "JWT_SECRET"}},
			&cli.StringFlag{Name: "internal-key", Usage: "key required on the emit API", EnvVars: []string{"STAYPRESENCE_INTERNAL_KEY"}},
			&cli.StringSliceFlag{Name: "frontend-origin", Usage: "allowed browser origin (repeatable)", EnvVars: []string{"STAYPRESENCE_FRONTEND_ORIGIN", "FRONTEND_URL"}},
			&cli.DurationFlag{Name: "auth-timeout", Usage: "time allowed to authenticate a new socket", EnvVars: []string{"STAYPRESENCE_AUTH_TIMEOUT"}},
			&cli.IntFlag{Name: "send-buffer", Usage: "outbound frames queued per connection", EnvVars: []string{"STAYPRESENCE_SEND_BUFFER"}},
			&cli.IntFlag{Name: "event-burst", Usage: "inbound frames allowed per window", EnvVars: []string{"STAYPRESENCE_EVENT_BURST"}},
			&cli.DurationFlag{Name: "event-window", Usage: "inbound rate window", EnvVars: []string{"STAYPRESENCE_EVENT_WINDOW"}},
			&cli.IntFlag{Name: "handshake-limit", Usage: "handshakes allowed per IP per window", EnvVars: []string{"STAYPRESENCE_HANDSHAKE_LIMIT"}},
			&cli.DurationFlag{Name: "handshake-window", Usage: "handshake rate window", EnvVars: []string{"STAYPRESENCE_HANDSHAKE_WINDOW"}},
			&cli.StringFlag{Name: "log-level", Usage: "zerolog level", EnvVars: []string{"STAYPRESENCE_LOG_LEVEL"}},
			&cli.BoolFlag{Name: "console", Usage: "human-readable logs", EnvVars: []string{"STAYPRESENCE_CONSOLE", "CONSOLE"}},
		},
		Action: func(c *cli.Context) error {
			cfg, err := app.LoadServerConfig(c.String("config"))
			if err != nil {
				return err
			}
			applyServeFlags(c, &cfg)
			logger := newLogger(cfg.LogLevel, cfg.Console)

			handle, err := app.RunServer(c.Context, cfg, logger)
			if err != nil {
				return err
			}
			return handle.Wait()
		},
	}
}

func applyServeFlags(c *cli.Context, cfg *app.ServerConfig) {
	if c.IsSet("addr") {
		cfg.Addr = c.String("addr")
	}
	if c.IsSet("path") {
		cfg.Path = c.String("path")
	}
	if c.IsSet("db") {
		cfg.DBPath = c.String("db")
	}
	if c.IsSet("jwt-secret") {
		cfg.JWTSecret = c.String("jwt-secret")
	}
	if c.IsSet("internal-key") {
		cfg.InternalKey = c.String("internal-key")
	}
	if c.IsSet("frontend-origin") {
		cfg.FrontendOrigins = c.StringSlice("frontend-origin")
	}
	if c.IsSet("auth-timeout") {
		cfg.AuthTimeout = c.Duration("auth-timeout")
	}
	if c.IsSet("send-buffer") {
		cfg.SendBuffer = c.Int("send-buffer")
	}
	if c.IsSet("event-burst") {
		cfg.EventBurst = c.Int("event-burst")
	}
	if c.IsSet("event-window") {
		cfg.EventWindow = c.Duration("event-window")
	}
	if c.IsSet("handshake-limit") {
		cfg.HandshakeLimit = c.Int("handshake-limit")
	}
	if c.IsSet("handshake-window") {
		cfg.HandshakeWindow = c.Duration("handshake-window")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("console") {
		cfg.Console = c.Bool("console")
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "open a terminal view of the events a user receives",
		ArgsUsage: "[kind:id ...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "server websocket URL", Value: "ws://localhost:8080/socket", EnvVars: []string{"STAYPRESENCE_URL"}},
			&cli.StringFlag{Name: "token", Usage: "bearer token", Required: true, EnvVars: []string{"STAYPRESENCE_TOKEN"}},
		},
		Action: func(c *cli.Context) error {
			return app.RunWatch(app.WatchConfig{
				ServerURL: c.String("url"),
				Token:     c.String("token"),
				Rooms:     c.Args().Slice(),
			})
		},
	}
}

func userCommand() *cli.Command {
	dbFlag := &cli.StringFlag{Name: "db", Usage: "sqlite user directory path", Value: app.DefaultDBPath(), EnvVars: []string{"STAYPRESENCE_DB_PATH"}}
	return &cli.Command{
		Name:  "user",
		Usage: "manage the local user directory",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "create a user",
				ArgsUsage: "<user-id>",
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{Name: "name", Usage: "display name"},
					&cli.StringFlag{Name: "company", Usage: "company (tenant) id"},
					&cli.StringSliceFlag{Name: "role", Usage: "role name (repeatable)"},
				},
				Action: func(c *cli.Context) error {
					userID := strings.TrimSpace(c.Args().First())
					if userID == "" {
						return errors.New("user id is required")
					}
					return app.AddUser(c.Context, c.String("db"), storage.User{
						ID:          userID,
						DisplayName: c.String("name"),
						CompanyID:   c.String("company"),
						IsActive:    true,
						Roles:       c.StringSlice("role"),
					})
				},
			},
			{
				Name:      "deactivate",
				Usage:     "mark a user inactive",
				ArgsUsage: "<user-id>",
				Flags:     []cli.Flag{dbFlag},
				Action: func(c *cli.Context) error {
					return app.SetUserActive(c.Context, c.String("db"), c.Args().First(), false)
				},
			},
			{
				Name:      "activate",
				Usage:     "mark a user active again",
				ArgsUsage: "<user-id>",
				Flags:     []cli.Flag{dbFlag},
				Action: func(c *cli.Context) error {
					return app.SetUserActive(c.Context, c.String("db"), c.Args().First(), true)
				},
			},
		},
	}
}

func newLogger(level string, console bool) zerolog.Logger {
	var logger zerolog.Logger
	if console {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	logger = logger.With().
		Timestamp().
		Str("service", serviceName).
		Str("version", intrnl.Version).
		Logger()
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	return logger.Level(parsed)
}
