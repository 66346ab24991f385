// ABOUTME: Command line tool for tsync files and running monitors
// ABOUTME: Inspects, dumps and verifies time-sync files and watches live synchronizer state
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/syntalos/tsync-go/internal/version"
	"github.com/urfave/cli/v2"
)

var verbose bool

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "tsyncctl"
	app.Version = version.Version
	app.EnableBashCompletion = true
	app.Usage = "inspect time-sync files and watch synchronizer monitors"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:        "verbose",
			Usage:       "log connection and discovery details",
			Destination: &verbose,
		},
	}
	app.Commands = []*cli.Command{
		infoCommand,
		dumpCommand,
		verifyCommand,
		watchCommand,
	}
	return app
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "tsyncctl: %v\n", err)
		os.Exit(1)
	}
}
