package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/breeze-rmm/provision/internal/audit"
	"github.com/breeze-rmm/provision/internal/config"
	"github.com/breeze-rmm/provision/internal/executor"
	"github.com/breeze-rmm/provision/internal/logging"
	"github.com/breeze-rmm/provision/internal/marker"
	"github.com/breeze-rmm/provision/internal/patching"
	"github.com/breeze-rmm/provision/internal/preflight"
	"github.com/breeze-rmm/provision/internal/privilege"
	"github.com/breeze-rmm/provision/internal/retry"
	"github.com/breeze-rmm/provision/internal/sysinfo"
)

var log = logging.L("main")

// components holds everything a run needs; close releases it.
type components struct {
	cfg     *config.Config
	info    sysinfo.SystemInfo
	history *audit.Logger
	markers *marker.Multi
	logFile *logging.RotatingWriter
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}

	result := cfg.ValidateTiered()
	result.LogResult(logging.L("config"))
	if result.HasFatals() {
		return nil, fmt.Errorf("invalid config: %w", errors.Join(result.Fatals...))
	}
	return cfg, nil
}

// initLogging points the root handler at stdout, teed into the log file
// when one is configured.
func initLogging(cfg *config.Config) *logging.RotatingWriter {
	var out io.Writer = os.Stdout
	var file *logging.RotatingWriter
	if cfg.LogFile != "" {
		w, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file, logging to stdout only: %v\n", err)
		} else {
			file = w
			out = logging.Tee(os.Stdout, w)
		}
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	return file
}

// setup loads config and builds the shared collaborators. withMarkers is
// false for read-only commands.
func setup(ctx context.Context, withMarkers bool) (*components, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	c := &components{cfg: cfg}
	c.logFile = initLogging(cfg)
	c.info = sysinfo.Collect(ctx)

	log.Info("starting",
		"version", version,
		"hostname", c.info.Hostname,
		"platform", c.info.Platform(),
		"winget", cfg.WingetPath,
	)

	if !withMarkers {
		return c, nil
	}

	history, err := audit.NewLogger(cfg.HistoryFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		log.Warn("run history disabled", "file", cfg.HistoryFile, logging.KeyError, err)
	} else {
		c.history = history
	}

	markers, err := marker.New(ctx, cfg.Marker, logging.L("marker"))
	if err != nil {
		c.close()
		return nil, err
	}
	c.markers = markers
	return c, nil
}

func (c *components) close() {
	if c.markers != nil {
		c.markers.Close()
	}
	if c.history != nil {
		if dropped := c.history.DroppedCount(); dropped > 0 {
			log.Warn("run history entries dropped", "count", dropped)
		}
		c.history.Close()
	}
	if c.logFile != nil {
		c.logFile.Close()
	}
}

// checkHost runs preflight checks and returns an error when one failed.
func (c *components) checkHost(ctx context.Context) error {
	result := preflight.Run(ctx, preflight.Options{
		MinDiskSpaceGB:        c.cfg.MinDiskSpaceGB,
		RequireElevation:      c.cfg.RequireElevation,
		CheckInstallerService: c.cfg.Provider == config.ProviderWinget,
		CheckUpdateService:    c.cfg.Provider == config.ProviderWindowsUpdate,
	})
	for _, check := range result.Checks {
		log.Debug("preflight", "check", check.Name, "passed", check.Passed, "message", check.Message)
	}
	for _, w := range result.Warnings {
		log.Warn("preflight", "warning", w)
	}
	c.history.Log(audit.EventPreflight, "", map[string]any{
		"ok":       result.OK,
		"warnings": result.Warnings,
	})
	if !result.OK {
		return result.FirstError()
	}
	if !c.cfg.RequireElevation {
		if err := privilege.Require(); err != nil {
			log.Warn("not elevated; machine-scope upgrades and registry markers may fail", logging.KeyError, err)
		}
	}
	return nil
}

// provider returns the configured package manager. A busy Windows Update
// Agent is tried up to four times, ten seconds apart.
func (c *components) provider() patching.PackageManager {
	if c.cfg.Provider == config.ProviderWindowsUpdate {
		return patching.NewWindowsUpdateProvider(patching.WindowsUpdateOptions{
			ExcludeDrivers:        c.cfg.WUExcludeDrivers,
			ExcludeFeatureUpdates: c.cfg.WUExcludeFeatureUpdates,
			AcceptEula:            c.cfg.WUAcceptEula,
			Busy:                  retry.Policy{MaxAttempts: 4, Delay: 10 * time.Second},
			Logger:                logging.L("windows-update"),
		})
	}
	scan := executor.NewRunner(c.cfg.ScanTimeout(), logging.L("executor"))
	apply := scan.WithTimeout(c.cfg.InstallTimeout())
	return patching.NewWingetProvider(c.cfg.WingetPath, scan, apply, c.cfg.ExtraUpgradeArgs)
}

func (c *components) orchestrator(progress patching.ProgressCallback) *patching.Orchestrator {
	opts := patching.Options{
		Policy: retry.Policy{
			MaxAttempts: c.cfg.MaxAttempts,
			Delay:       c.cfg.RetryDelay(),
		},
		History:  c.history,
		Label:    c.cfg.Marker.Label,
		Version:  c.cfg.Marker.Version,
		Hostname: c.info.Hostname,
		Platform: c.info.Platform(),
		Logger:   logging.L("patching"),
		Progress: progress,
	}
	if c.markers != nil {
		opts.Reporter = c.markers
	}
	return patching.NewOrchestrator(c.provider(), opts)
}

func runUpdates(ctx context.Context) error {
	c, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.checkHost(ctx); err != nil {
		return err
	}

	res, err := c.orchestrator(progressPrinter(os.Stderr)).RunBatch(ctx)
	exitCode = res.ExitCode
	if err != nil {
		return err
	}
	if res.RebootRequired {
		log.Warn("one or more updates requested a restart")
	}
	return nil
}

func runScan(ctx context.Context) error {
	c, err := setup(ctx, false)
	if err != nil {
		return err
	}
	defer c.close()

	report, err := c.provider().Scan(ctx)
	if err != nil {
		return &patching.FatalInitError{Phase: patching.StateScanning, Err: err}
	}
	for _, row := range report.Rejected {
		log.Debug("row rejected", "row", row)
	}

	if scanJSON {
		records := report.Records
		if records == nil {
			records = []patching.UpdateRecord{}
		}
		return printJSON(records)
	}
	if len(report.Records) == 0 {
		fmt.Println("No upgrades available.")
		return nil
	}
	for _, rec := range report.Records {
		fmt.Printf("%-40s %-40s %s -> %s\n", rec.Name, rec.ID, rec.CurrentVersion, rec.AvailableVersion)
	}
	fmt.Printf("%d upgrades available.\n", len(report.Records))
	return nil
}

func runInstall(ctx context.Context, id, label string) error {
	c, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.checkHost(ctx); err != nil {
		return err
	}

	code, err := c.orchestrator(nil).InstallPackage(ctx, id, label)
	exitCode = code
	return err
}

// progressPrinter writes one line per finished update when w is a terminal.
func progressPrinter(w *os.File) patching.ProgressCallback {
	if !hasConsole(w) {
		return nil
	}
	return func(ev patching.ProgressEvent) {
		if ev.Outcome == nil {
			return
		}
		fmt.Fprintf(w, "[%d/%d] %s: %s\n", ev.CurrentItem, ev.TotalItems, ev.PackageName, ev.Outcome)
	}
}

// hasConsole reports whether f is connected to a terminal. It is false when
// the management agent captures output.
func hasConsole(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
