package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v2"

	"capgate/internal/bootstrap"
	"capgate/internal/captcha/client"
	"capgate/internal/captcha/repository"
	"capgate/internal/captcha/service"
	"capgate/internal/config"
	"capgate/internal/logging"
)

// Build information, set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	errNotRedeemed = errors.New("challenge was not redeemed")
	errNotAccepted = errors.New("token was not accepted")
)

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "capctl",
		Usage:   "capgate proof-of-work CAPTCHA client",
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "capgate HTTP base URL",
				EnvVars: []string{"CAPCTL_SERVER"},
				Value:   "http://localhost:8080",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "overall deadline for server commands",
				Value: 2 * time.Minute,
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print results as JSON",
			},
		},
		Commands: []*cli.Command{
			solveCommand(),
			validateCommand(),
			sweepCommand(),
		},
	}
}

func newClient(c *cli.Context) *client.Client {
	return client.New(c.String("server"), nil)
}

func solveCommand() *cli.Command {
	return &cli.Command{
		Name:  "solve",
		Usage: "issue a challenge, solve it locally and print the redemption token",
		Action: func(c *cli.Context) error {
			ctx, cancel := contextWithTimeout(c)
			defer cancel()
			start := time.Now()
			res, err := newClient(c).Solve(ctx)
			if err != nil {
				return err
			}
			if !res.Success {
				return errNotRedeemed
			}
			if c.Bool("json") {
				return writeJSON(c.App.Writer, res)
			}
			fmt.Fprintf(c.App.Writer, "token:   %s\nexpires: %s\nsolved in %s\n",
				res.Token, time.UnixMilli(res.Expires).UTC().Format(time.RFC3339), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "spend a redemption token; fails if it was not accepted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "token",
				Aliases:  []string{"t"},
				Usage:    "redemption token from solve",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := contextWithTimeout(c)
			defer cancel()
			ok, err := newClient(c).Validate(ctx, c.String("token"))
			if err != nil {
				return err
			}
			if c.Bool("json") {
				if err := writeJSON(c.App.Writer, map[string]bool{"success": ok}); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(c.App.Writer, "valid: %t\n", ok)
			}
			if !ok {
				return errNotAccepted
			}
			return nil
		},
	}
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "delete expired tokens from the store configured by STORE_BACKEND (and .env)",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := logging.New(c.App.ErrWriter, cfg.LogLevel, "text")
			ctx, cancel := contextWithTimeout(c)
			defer cancel()

			repo, closer, err := repository.Open(ctx, bootstrap.StoreConfig(cfg, logger))
			if err != nil {
				return err
			}
			defer closer.Close()

			svc := service.NewService(repo, bootstrap.ServiceOptions(cfg), logger, nil, nil)
			n, err := svc.Sweep(ctx)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return writeJSON(c.App.Writer, map[string]any{"backend": cfg.StoreBackend, "removed": n})
			}
			fmt.Fprintf(c.App.Writer, "swept %d expired tokens from %s\n", n, cfg.StoreBackend)
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func contextWithTimeout(c *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context, c.Duration("timeout"))
}
