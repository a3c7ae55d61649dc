package patching

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/breeze-rmm/provision/internal/executor"
)

// CommandRunner starts an external binary and returns its exit code and
// combined output. *executor.Runner implements it.
type CommandRunner interface {
	Run(ctx context.Context, path string, args ...string) (executor.InvocationResult, error)
}

// RunFunc adapts a function to CommandRunner.
type RunFunc func(ctx context.Context, path string, args ...string) (executor.InvocationResult, error)

func (f RunFunc) Run(ctx context.Context, path string, args ...string) (executor.InvocationResult, error) {
	return f(ctx, path, args...)
}

// summaryLine matches winget's trailing "N upgrades available." line.
var summaryLine = regexp.MustCompile(`(?i)^\s*\d+\s+upgrades?\s+available`)

// columnGap splits a row on the padding winget uses to align columns.
// Single spaces inside a package name are kept.
var columnGap = regexp.MustCompile(`\s{2,}`)

// WingetProvider drives the Windows Package Manager CLI.
type WingetProvider struct {
	path      string
	scan      CommandRunner
	apply     CommandRunner
	extraArgs []string
}

// NewWingetProvider returns a provider that runs the winget binary at path.
// scan is used for enumeration and apply for upgrades and installs, so each
// can carry its own timeout. extraArgs are appended to every upgrade.
func NewWingetProvider(path string, scan, apply CommandRunner, extraArgs []string) *WingetProvider {
	if path == "" {
		path = "winget"
	}
	if apply == nil {
		apply = scan
	}
	return &WingetProvider{
		path:      path,
		scan:      scan,
		apply:     apply,
		extraArgs: append([]string(nil), extraArgs...),
	}
}

// ID returns the provider identifier.
func (w *WingetProvider) ID() string {
	return "winget"
}

// Scan enumerates pending upgrades. An *executor.ExecutionError is returned
// unchanged when winget cannot be started.
func (w *WingetProvider) Scan(ctx context.Context) (UpgradeReport, error) {
	res, err := w.scan.Run(ctx, w.path,
		"upgrade",
		"--include-unknown",
		"--accept-source-agreements",
	)
	if err != nil {
		return UpgradeReport{}, err
	}

	report := ParseUpgradeReport(res.Output)
	report.ExitCode = NormalizeExitCode(res.ExitCode)

	// Without a table, a non-zero exit means winget itself failed. "No
	// installed package found" is reported the same way and means nothing
	// to do.
	if !report.TableFound && report.ExitCode != 0 && report.ExitCode != ExitNoApplicationsFound {
		if res.TimedOut {
			return report, fmt.Errorf("winget upgrade timed out after %s", res.Duration.Round(time.Second))
		}
		return report, fmt.Errorf("winget upgrade failed (exit %s): %s", FormatExitCode(res.ExitCode), lastLine(res.Output))
	}
	return report, nil
}

// Apply upgrades a single package by winget ID.
func (w *WingetProvider) Apply(ctx context.Context, id string) (executor.InvocationResult, error) {
	if err := checkPackageID(id); err != nil {
		return executor.InvocationResult{}, err
	}
	args := []string{
		"upgrade",
		"--id", id,
		"--silent",
		"--accept-package-agreements",
		"--accept-source-agreements",
	}
	args = append(args, w.extraArgs...)
	return w.apply.Run(ctx, w.path, args...)
}

// Install installs a package by exact winget ID.
func (w *WingetProvider) Install(ctx context.Context, id string) (executor.InvocationResult, error) {
	if err := checkPackageID(id); err != nil {
		return executor.InvocationResult{}, err
	}
	return w.apply.Run(ctx, w.path,
		"install",
		"--id", id,
		"--exact",
		"--silent",
		"--accept-package-agreements",
		"--accept-source-agreements",
	)
}

// UpgradeReport is the parsed form of `winget upgrade` output.
type UpgradeReport struct {
	Records []UpdateRecord
	// Rejected holds data-region rows that were dropped, for debug logging.
	Rejected []string
	// TableFound is false when no header separator was seen.
	TableFound bool
	ExitCode   int
}

// ParseUpgradeOutput parses `winget upgrade` table output into records, in
// the order they appear.
//
//	Name            Id                  Version   Available  Source
//	---------------------------------------------------------------
//	Mozilla Firefox Mozilla.Firefox     128.0     129.0      winget
//	1 upgrades available.
func ParseUpgradeOutput(output string) []UpdateRecord {
	return ParseUpgradeReport(output).Records
}

// ParseUpgradeReport is ParseUpgradeOutput that also keeps the rows it dropped.
func ParseUpgradeReport(output string) UpgradeReport {
	var report UpgradeReport
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), executor.MaxOutputSize)

	for scanner.Scan() {
		line := stripProgress(scanner.Text())

		// Skip until we pass the separator line
		if !report.TableFound {
			if isSeparatorLine(line) {
				report.TableFound = true
			}
			continue
		}

		if summaryLine.MatchString(line) {
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		rec, ok := parseUpgradeRow(line)
		if !ok {
			report.Rejected = append(report.Rejected, line)
			continue
		}
		report.Records = append(report.Records, rec)
	}

	return report
}

func parseUpgradeRow(line string) (UpdateRecord, bool) {
	fields := columnGap.Split(strings.TrimSpace(line), -1)
	if len(fields) < 4 {
		return UpdateRecord{}, false
	}
	rec := UpdateRecord{
		Name:             strings.TrimSpace(fields[0]),
		ID:               strings.TrimSpace(fields[1]),
		CurrentVersion:   strings.TrimSpace(fields[2]),
		AvailableVersion: strings.TrimSpace(fields[3]),
	}
	if len(fields) > 4 {
		rec.Source = strings.TrimSpace(fields[4])
	}
	if rec.ID == "" {
		return UpdateRecord{}, false
	}
	return rec, true
}

// checkPackageID rejects IDs that winget would read as something other than
// the value of --id. IDs such as "Microsoft.VCRedist.2015+.x64" are valid.
func checkPackageID(id string) error {
	if id == "" || strings.HasPrefix(id, "-") || strings.ContainsFunc(id, unicode.IsSpace) {
		return fmt.Errorf("invalid winget package ID: %q", id)
	}
	return nil
}

// stripProgress drops spinner and progress-bar frames that winget redraws
// in place with a carriage return.
func stripProgress(line string) string {
	if i := strings.LastIndexByte(line, '\r'); i >= 0 {
		return line[i+1:]
	}
	return line
}

// isSeparatorLine checks if a line is a winget table separator (all dashes/spaces).
func isSeparatorLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < 10 {
		return false
	}
	for _, ch := range trimmed {
		if ch != '-' && ch != ' ' && ch != '\t' {
			return false
		}
	}
	return true
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	return strings.TrimSpace(stripProgress(lines[len(lines)-1]))
}
