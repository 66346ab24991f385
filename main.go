// ABOUTME: Entry point for the time synchronization host
// ABOUTME: Runs simulated devices against the master clock with monitor, dashboard and tsync output
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/syntalos/tsync-go/internal/config"
	"github.com/syntalos/tsync-go/internal/logging"
	"github.com/syntalos/tsync-go/internal/monitor"
	"github.com/syntalos/tsync-go/internal/sim"
	"github.com/syntalos/tsync-go/internal/ui"
	"github.com/syntalos/tsync-go/internal/version"
	"github.com/syntalos/tsync-go/pkg/clock"
	"github.com/syntalos/tsync-go/pkg/timesync"
	"golang.org/x/sync/errgroup"
)

var (
	configFile = flag.String("config", "", "YAML run configuration (default: built-in camera and ephys devices)")
	logFile    = flag.String("log-file", "", "Log file path (overrides config)")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	noTUI      = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
	duration   = flag.Duration("duration", -1, "Run duration, 0 runs until interrupted (overrides config)")
	dataDir    = flag.String("data-dir", "", "Directory for tsync files (overrides config)")
	port       = flag.Int("port", 0, "Monitor port (overrides config)")
	noMonitor  = flag.Bool("no-monitor", false, "Disable the websocket monitor")
	virtual    = flag.Bool("virtual", false, "Run in virtual time as fast as possible instead of real time")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	useTUI := !*noTUI && cfg.Run.Realtime

	logCfg := logging.Config{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Debug:      cfg.Log.Debug,
	}
	if !useTUI {
		// TUI mode logs only to file
		logCfg.Console = os.Stderr
	}
	log, syncLog := logging.New(logCfg)
	defer syncLog()
	timesync.Logger = log

	if err := run(cfg, log, useTUI); err != nil {
		log.Error(err, "Run failed")
		syncLog()
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flag overrides
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return nil, err
		}
	}

	if *logFile != "" {
		cfg.Log.File = *logFile
	}
	if *debug {
		cfg.Log.Debug = true
	}
	if *duration >= 0 {
		cfg.Run.Duration = *duration
	}
	if *dataDir != "" {
		cfg.Run.DataDir = *dataDir
	}
	if *port != 0 {
		cfg.Monitor.Port = *port
	}
	if *noMonitor {
		cfg.Monitor.Enabled = false
	}
	if *virtual {
		cfg.Run.Realtime = false
	}

	if !cfg.Run.Realtime && cfg.Run.Duration == 0 {
		return nil, fmt.Errorf("virtual runs need a duration")
	}
	return cfg, cfg.Validate()
}

func run(cfg *config.Config, log logr.Logger, useTUI bool) error {
	if err := os.MkdirAll(cfg.Run.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	collectionID := cfg.CollectionUUID()
	log.Info("Starting run", "name", cfg.Run.Name, "collection", collectionID.String(),
		"devices", len(cfg.Devices), "duration", cfg.Run.Duration.String(), "realtime", cfg.Run.Realtime)

	if !cfg.Run.Realtime {
		return runVirtual(cfg, log)
	}

	master := clock.NewSyncTimer()
	notifier := timesync.NewEventNotifier(256)
	defer notifier.Close()

	runner, err := buildRunner(cfg, master, log, sim.Options{
		DataDir:      cfg.Run.DataDir,
		CollectionID: collectionID,
		Notifier:     notifier,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.Run.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Run.Duration)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	master.Start()
	if err := runner.Start(); err != nil {
		return err
	}
	defer func() {
		runner.Stop()
		log.Info("Run stopped", "modules", len(runner.Modules()), "droppedEvents", notifier.Dropped())
		for _, st := range runner.Stats() {
			log.Info("Module summary", "module", st.Name, "samples", st.Samples,
				"backwards", st.Backwards, "calibrated", st.Calibrated, "expectedOffset", st.ExpectedOffset)
		}
	}()

	hub := monitor.New(monitor.Config{
		Port:       cfg.Monitor.Port,
		Name:       cfg.Monitor.Name,
		EnableMDNS: cfg.Monitor.MDNS,
		Debug:      cfg.Log.Debug,
	}, log)

	var dash *ui.Dashboard
	if useTUI {
		dash = ui.NewDashboard(fmt.Sprintf("%s: %s", version.Product, cfg.Run.Name))
		connected := true
		dash.Send(ui.StatusMsg{Connected: &connected, Source: fmt.Sprintf("local, monitor on :%d", cfg.Monitor.Port)})
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runner.RunRealtime(gctx, master)
	})

	if cfg.Monitor.Enabled {
		g.Go(func() error {
			return hub.Run(gctx)
		})
	}

	// the hub keeps the latest state of every synchronizer, served or not
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-notifier.Events():
				if !ok {
					return nil
				}
				state := hub.Publish(ev)
				if dash != nil {
					dash.Send(ui.SyncMsg(state))
				}
			}
		}
	})

	if dash != nil {
		g.Go(func() error {
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					dash.Stop()
					return nil
				case <-dash.QuitChan():
					log.Info("TUI quit requested, shutting down")
					cancel()
					return nil
				case <-ticker.C:
					dash.Send(ui.ModulesMsg(moduleInfos(runner.Stats())))
				}
			}
		})
		g.Go(func() error {
			err := dash.Run()
			cancel()
			return err
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		log.Info("Shutdown", "reason", context.Cause(ctx).Error())
	}
	return err
}

// runVirtual runs the configured duration on a manual clock as fast as possible
func runVirtual(cfg *config.Config, log logr.Logger) error {
	master := clock.NewManual(0)
	runner, err := buildRunner(cfg, master, log, sim.Options{
		DataDir:      cfg.Run.DataDir,
		CollectionID: cfg.CollectionUUID(),
	})
	if err != nil {
		return err
	}
	if err := runner.Start(); err != nil {
		return err
	}

	start := time.Now()
	runner.RunVirtual(master, cfg.Run.Duration.Microseconds())
	runner.Stop()

	for _, st := range runner.Stats() {
		log.Info("Module summary", "module", st.Name, "samples", st.Samples, "backwards", st.Backwards,
			"calibrated", st.Calibrated, "expectedOffset", st.ExpectedOffset, "indexOffset", st.IndexOffset)
	}
	log.Info("Virtual run finished", "simulated", cfg.Run.Duration.String(), "took", time.Since(start).String())
	return nil
}

func buildRunner(cfg *config.Config, master clock.MasterClock, log logr.Logger, opts sim.Options) (*sim.Runner, error) {
	modules := make([]sim.Module, 0, len(cfg.Devices))
	for _, dev := range cfg.Devices {
		m, err := sim.NewModule(dev, master, opts)
		if err != nil {
			return nil, err
		}
		modules = append(modules, m)
	}
	return sim.NewRunner(log, modules...), nil
}

func moduleInfos(stats []sim.Stats) []ui.ModuleInfo {
	out := make([]ui.ModuleInfo, 0, len(stats))
	for _, st := range stats {
		out = append(out, ui.ModuleInfo{
			Name:           st.Name,
			Kind:           st.Kind,
			Samples:        st.Samples,
			Backwards:      st.Backwards,
			Calibrated:     st.Calibrated,
			ExpectedOffset: st.ExpectedOffset,
			IndexOffset:    st.IndexOffset,
			CorrectionUsec: st.CorrectionUsec,
		})
	}
	return out
}
