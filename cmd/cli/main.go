package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/xferd/config"
	"github.com/jaywantadh/xferd/pkg/env"
	"github.com/jaywantadh/xferd/pkg/logging"
)

func main() {
	env.LoadEnv()

	app := &cli.App{
		Name:  "xferd",
		Usage: "Resumable, verified file transfer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "directory containing config.yaml (default $XFERD_CONFIG_DIR or .)",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			level := cfg.Log.Level
			if c.Bool("debug") {
				level = "debug"
			}
			return logging.InitLogger(level, cfg.Log.JSON)
		},
		Commands: []*cli.Command{
			uploadCommand(),
			resumeCommand(),
			listCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}
