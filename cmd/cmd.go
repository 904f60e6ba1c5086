package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	"github.com/talkrelay/relay/config"
)

const (
	ServiceName      = "talkrelay"
	ServiceNamespace = "talkrelay"
)

var (
	version    = "0.0.0"
	commit     = "hash"
	commitDate = time.Now().String()
	branch     = "branch"
)

// Run builds and executes the CLI app: `serve` runs the relay, `stats`
// attaches a live terminal dashboard to a running one's /admin/stats
// (§SUPPLEMENTAL FEATURES), mirroring the teacher's cmd/cmd.go shape.
func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Anonymous end-to-end encrypted chat relay",
		Commands: []*cli.Command{
			serveCmd(),
			statsCmd(),
		},
	}
	return app.Run(os.Args)
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Run the relay server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to an optional hot-reloadable config file (CORS origins, admin key)",
			},
		},
		Action: func(c *cli.Context) error {
			flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
			flags.String("config_file", c.String("config_file"), "")

			cfg, err := config.Load(flags)
			if err != nil {
				return err
			}

			app := NewApp(cfg)
			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("shutting down...")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return app.Stop(ctx)
		},
	}
}
