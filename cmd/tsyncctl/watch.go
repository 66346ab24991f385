// ABOUTME: watch command
// ABOUTME: Follows a running monitor, found by address or via mDNS, in a dashboard or as log lines
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/syntalos/tsync-go/internal/client"
	"github.com/syntalos/tsync-go/internal/discovery"
	"github.com/syntalos/tsync-go/internal/logging"
	"github.com/syntalos/tsync-go/internal/protocol"
	"github.com/syntalos/tsync-go/internal/ui"
	"github.com/urfave/cli/v2"
)

var errNoMonitor = errors.New("no monitor found")

var watchCommand = &cli.Command{
	Name:  "watch",
	Usage: "follows the synchronizer state published by a running host",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "server",
			Usage: "monitor address host:port, discovered via mDNS when empty",
		},
		&cli.DurationFlag{
			Name:  "discover-timeout",
			Usage: "how long to browse for a monitor",
			Value: 10 * time.Second,
		},
		&cli.BoolFlag{
			Name:  "plain",
			Usage: "print updates as lines instead of the dashboard",
		},
	},
	Action: watchMonitor,
}

func watchLogger(w io.Writer) logr.Logger {
	if !verbose {
		return logr.Discard()
	}
	log, _ := logging.New(logging.Config{Console: w, Debug: true})
	return log
}

func findMonitor(c *cli.Context, log logr.Logger) (string, error) {
	if addr := c.String("server"); addr != "" {
		return addr, nil
	}

	mgr := discovery.NewManager(discovery.Config{Logger: log})
	defer mgr.Stop()
	mgr.Browse()

	select {
	case server := <-mgr.Servers():
		fmt.Fprintf(c.App.ErrWriter, "found monitor %s at %s\n", server.Name, server.Addr())
		return server.Addr(), nil
	case <-time.After(c.Duration("discover-timeout")):
		return "", errNoMonitor
	case <-c.Context.Done():
		return "", c.Context.Err()
	}
}

func watchMonitor(c *cli.Context) error {
	log := watchLogger(c.App.ErrWriter)

	addr, err := findMonitor(c, log)
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	cl := client.NewClient(client.Config{
		ServerAddr: addr,
		Name:       fmt.Sprintf("tsyncctl@%s", hostname),
		Logger:     log,
	})
	if err := cl.Connect(); err != nil {
		return err
	}
	defer cl.Close()

	if c.Bool("plain") {
		return watchPlain(c, cl)
	}
	return watchDashboard(c, cl, addr)
}

func watchPlain(c *cli.Context, cl *client.Client) error {
	w := c.App.Writer
	for {
		select {
		case snap := <-cl.Snapshots:
			for _, s := range snap.Syncs {
				fmt.Fprintln(w, formatState("state", s))
			}
		case upd := <-cl.Updates:
			kind := "offset"
			if upd.Type == protocol.TypeSyncDetails {
				kind = "details"
			}
			fmt.Fprintln(w, formatState(kind, upd.State))
		case <-cl.Done():
			return nil
		case <-c.Context.Done():
			return nil
		}
	}
}

func watchDashboard(c *cli.Context, cl *client.Client, addr string) error {
	dash := ui.NewDashboard("tsyncctl watch")
	connected := true
	dash.Send(ui.StatusMsg{Connected: &connected, Source: fmt.Sprintf("%s (%s)", cl.Server().Name, addr)})

	go func() {
		defer dash.Stop()
		for {
			select {
			case snap := <-cl.Snapshots:
				dash.Send(ui.SnapshotMsg(snap))
			case upd := <-cl.Updates:
				dash.Send(ui.SyncMsg(upd.State))
			case <-cl.Done():
				return
			case <-c.Context.Done():
				return
			case <-dash.QuitChan():
				return
			}
		}
	}()

	return dash.Run()
}

func formatState(kind string, s protocol.SyncState) string {
	status := "ok"
	if !s.WithinTolerance() {
		status = "OUT"
	}
	ts := time.UnixMilli(s.Updated).Format("15:04:05.000")
	return fmt.Sprintf("%s %-7s %s/%s offset=%dus tolerance=%dus %s [%s]",
		ts, kind, s.Module, s.ID, s.OffsetUsec, s.ToleranceUsec, status, s.StrategiesText)
}
