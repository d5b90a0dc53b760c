package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/whiteshadow-gr/Hospify-sub000/pkg/version"
)

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	app := &cli.App{
		Name:                 "hatsync",
		Usage:                "Record location samples offline and sync them to a HAT personal data store",
		Version:              version.Version,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML config file",
				Value:   "hatsync.yaml",
				EnvVars: []string{"HATSYNC_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "store",
				Usage: "Override the SQLite sample store path",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the log level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version:    %s\n", version.Version)
					fmt.Printf("Git commit: %s\n", version.GitCommit)
					fmt.Printf("Built:      %s\n", version.BuildTime)
					return nil
				},
			},
			{
				Name:  "record",
				Usage: "Record samples from a feed file, stdin, or flags",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "feed",
						Usage: "Feed of lat,lon,accuracy[,timestamp] lines (\"-\" for stdin)",
					},
					&cli.Float64Flag{
						Name:  "lat",
						Usage: "Latitude of a single sample",
					},
					&cli.Float64Flag{
						Name:  "lon",
						Usage: "Longitude of a single sample",
					},
					&cli.Float64Flag{
						Name:  "accuracy",
						Usage: "Horizontal accuracy in meters of a single sample",
					},
				},
				Action: recordSamples,
			},
			{
				Name:  "sync",
				Usage: "Run one sync cycle",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "drain",
						Usage: "Repeat cycles until the queue is empty",
					},
					&cli.IntFlag{
						Name:  "batch",
						Usage: "Maximum samples per cycle (overrides config)",
					},
				},
				Action: startSync,
			},
			{
				Name:  "run",
				Usage: "Sync periodically until interrupted",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "feed",
						Usage: "Record samples from this feed while syncing (\"-\" for stdin)",
					},
					&cli.BoolFlag{
						Name:  "interactive",
						Usage: "Read keys from the terminal: s = sync now, q = quit",
					},
					&cli.DurationFlag{
						Name:  "interval",
						Usage: "Sync interval (overrides config)",
					},
					&cli.StringFlag{
						Name:  "metrics-addr",
						Usage: "Serve Prometheus metrics on this address (overrides config)",
					},
				},
				Action: runLoop,
			},
			{
				Name:   "status",
				Usage:  "Show queue and sync status",
				Action: showStatus,
			},
			{
				Name:  "purge",
				Usage: "Delete old samples from the local store",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "older-than",
						Usage: "Delete samples captured before now minus this duration",
						Value: 7 * 24 * time.Hour,
					},
					&cli.BoolFlag{
						Name:  "include-unsynced",
						Usage: "Also delete samples that were never synced",
					},
					&cli.BoolFlag{
						Name:  "archive",
						Usage: "Upload purged synced samples to the configured archive bucket first",
					},
				},
				Action: purgeSamples,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
