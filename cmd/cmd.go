// Package cmd is the broker's CLI entrypoint: command routing via
// urfave/cli, fx application assembly (fx.go), and the operator-facing
// live stats dashboard (stats.go). One urfave/cli.App, one "server"
// command that loads config then runs the fx app until a signal
// arrives.
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

	"github.com/webitel/tpm-broker/config"
	"github.com/webitel/tpm-broker/internal/obs"
)

const (
	ServiceName      = "tpm-broker"
	ServiceNamespace = "webitel"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "TPM 2.0 resource-manager broker",
		Commands: []*cli.Command{
			serverCmd(),
			statsCmd(),
		},
	}

	return app.Run(os.Args)
}

// configFlags returns the urfave/cli overrides mirroring the subset of
// config.Config an operator most commonly wants to set without a config
// file (the device endpoint, the three listener addresses and the log
// level), plus the config file path itself; everything else is
// file/env-only.
func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config_file", Usage: "Path to the configuration file"},
		&cli.StringFlag{Name: "device-address", Usage: "Override device.address (net.Dial target)"},
		&cli.StringFlag{Name: "ws-listen-address", Usage: "Override ws.listen_address"},
		&cli.StringFlag{Name: "admin-http-listen-address", Usage: "Override admin.http_listen_address"},
		&cli.StringFlag{Name: "admin-grpc-listen-address", Usage: "Override admin.grpc_listen_address"},
		&cli.StringFlag{Name: "log-level", Usage: "Override log.level"},
	}
}

// bindPFlags projects whichever of configFlags the caller actually set
// onto a fresh pflag.FlagSet, the shape config.LoadConfig's flags
// parameter expects (spf13/viper binds pflag.Flag, not urfave/cli.Flag,
// so the two CLI libraries meet here rather than either wrapping the
// other).
func bindPFlags(c *cli.Context) *pflag.FlagSet {
	fs := pflag.NewFlagSet(ServiceName, pflag.ContinueOnError)
	fs.String("device.address", "", "")
	fs.String("ws.listen_address", "", "")
	fs.String("admin.http_listen_address", "", "")
	fs.String("admin.grpc_listen_address", "", "")
	fs.String("log.level", "", "")

	set := func(key, flagName string) {
		if c.IsSet(flagName) {
			_ = fs.Set(key, c.String(flagName))
		}
	}
	set("device.address", "device-address")
	set("ws.listen_address", "ws-listen-address")
	set("admin.http_listen_address", "admin-http-listen-address")
	set("admin.grpc_listen_address", "admin-grpc-listen-address")
	set("log.level", "log-level")

	return fs
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the broker",
		Flags:   configFlags(),
		Action: func(c *cli.Context) error {
			configPath := c.String("config_file")
			cfg, err := config.LoadConfig(configPath, bindPFlags(c))
			if err != nil {
				return err
			}
			app := NewApp(cfg)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			if err := config.Watch(configPath, func(reloaded *config.Config) {
				obs.SetLevel(reloaded.Log.Level)
				slog.Info("config reloaded", "log_level", reloaded.Log.Level)
			}); err != nil {
				slog.Warn("config hot-reload disabled", "error", err)
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("Shutting down...")
			return app.Stop(context.Background())
		},
	}
}
