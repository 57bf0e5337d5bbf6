// submodule cmd contains command definitions
package main

import (
	"time"

	"github.com/urfave/cli/v3"
)

func formatFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "format",
			Aliases: []string{"f"},
			Usage:   "Output format (text, csv, markdown)",
			Value:   "text",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Write output to a file instead of stdout",
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Output raw JSON",
		},
	}
}

// setupCommand handles setup operations for configuration and the database.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Setup and configuration commands",
		Commands: []*cli.Command{
			{
				Name:   "database",
				Usage:  "Create the config file if missing, initialize the database and run migrations",
				Action: r.SetupDatabase,
			},
			{
				Name:   "rollback",
				Usage:  "Roll back the most recent database migration",
				Action: r.SetupRollback,
			},
		},
	}
}

// serveCommand starts the HTTP gateway.
func serveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the streaming gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address, overrides server.host and server.port",
			},
		},
		Action: r.Serve,
	}
}

// resolveCommand resolves one media id from the command line.
func resolveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "resolve",
		Usage: "Resolve a media id to a stored artifact",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "id"},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "title", Usage: "Track title"},
			&cli.StringFlag{Name: "artist", Usage: "Track artist"},
			&cli.StringFlag{Name: "album", Usage: "Track album"},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Run the strategy chain without persisting, printing each attempt",
			},
			&cli.BoolFlag{
				Name:  "open",
				Usage: "Open the resolved link in a browser",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output raw JSON",
			},
		},
		Action: r.Resolve,
	}
}

// poolCommand inspects and maintains the rapidapi quota pool.
func poolCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "pool",
		Usage: "Quota pool operations",
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "Show pool entries and daily usage",
				Flags:  formatFlags(),
				Action: r.PoolStatus,
			},
			{
				Name:  "reset",
				Usage: "Reset usage counters and re-activate entries",
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "key"},
				},
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "all",
						Usage: "Reset every entry",
					},
				},
				Action: r.PoolReset,
			},
			{
				Name:  "import",
				Usage: "Print a config endpoint from a RapidAPI cURL snippet",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "curl-file",
						Usage:    "Path to .sh file containing cURL command (Copy as cURL)",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "max-requests",
						Usage: "Request cap for the endpoint, 0 for unlimited",
						Value: 0,
					},
				},
				Action: r.PoolImport,
			},
		},
	}
}

// artifactsCommand inspects and maintains stored artifacts.
func artifactsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "artifacts",
		Aliases: []string{"art"},
		Usage:   "Stored artifact operations",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List stored artifacts, newest first",
				Flags: append(formatFlags(), &cli.IntFlag{
					Name:  "limit",
					Usage: "Maximum number of artifacts to list",
					Value: 50,
				}),
				Action: r.ArtifactsList,
			},
			{
				Name:  "show",
				Usage: "Show one artifact",
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "id"},
				},
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "Output raw JSON"},
				},
				Action: r.ArtifactsShow,
			},
			{
				Name:  "delete",
				Usage: "Delete an artifact and its stored object",
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "id"},
				},
				Action: r.ArtifactsDelete,
			},
		},
	}
}

// monitorCommand returns the top-level TUI command for watching the quota pool.
func monitorCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "monitor",
		Aliases: []string{"tui", "ui"},
		Usage:   "Launch the interactive pool monitor",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Refresh interval",
				Value: 5 * time.Second,
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Log file used while the TUI owns the terminal",
				Value: "./tmp/tunegate-tui.log",
			},
		},
		Action: r.Monitor,
	}
}
