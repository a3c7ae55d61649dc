// Package preflight checks that the machine is fit for a provisioning run
// before winget is touched.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/breeze-rmm/provision/internal/privilege"
)

// ErrPreflightFailed indicates a pre-flight check failed before patching could proceed.
type ErrPreflightFailed struct {
	Check   string // e.g. "disk_space", "elevation", "installer_service"
	Message string
}

func (e *ErrPreflightFailed) Error() string {
	return fmt.Sprintf("preflight check %q failed: %s", e.Check, e.Message)
}

// Options configures which checks run.
type Options struct {
	MinDiskSpaceGB   float64
	RequireElevation bool
	// CheckInstallerService fails the run when the Windows Installer
	// service is disabled, since MSI-based packages cannot install.
	CheckInstallerService bool
	// CheckUpdateService does the same for the Windows Update service.
	CheckUpdateService bool
}

// Result captures the outcome of all checks. Warnings never fail the run.
type Result struct {
	OK       bool
	Checks   []Check
	Warnings []string
}

// Check is one individual check result.
type Check struct {
	Name    string
	Passed  bool
	Message string
}

// usageFunc is swapped in tests.
var usageFunc = disk.UsageWithContext

// isElevated is swapped in tests.
var isElevated = privilege.IsElevated

// startTypeFunc is swapped in tests.
var startTypeFunc = serviceStartType

const (
	installerService = "msiserver"
	updateService    = "wuauserv"
)

const (
	startAutomatic = "automatic"
	startManual    = "manual"
	startDisabled  = "disabled"
)

var errNoServiceManager = errors.New("no Windows service manager on this platform")

// Run runs every enabled check.
func Run(ctx context.Context, opts Options) Result {
	result := Result{OK: true}

	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.OK = false
		}
	}

	if opts.RequireElevation {
		add(checkElevation())
	}
	if opts.MinDiskSpaceGB > 0 {
		add(checkDiskSpace(ctx, systemRoot(), opts.MinDiskSpaceGB))
	}
	if opts.CheckInstallerService {
		add(checkServiceEnabled("installer_service", installerService, "MSI-based updates cannot install"))
	}
	if opts.CheckUpdateService {
		add(checkServiceEnabled("update_service", updateService, "Windows Update cannot scan or install"))
	}

	if pending, reasons := DetectPendingReboot(); pending {
		for _, r := range reasons {
			result.Warnings = append(result.Warnings, "reboot pending: "+r)
		}
	}
	return result
}

// FirstError returns the first failed check as an *ErrPreflightFailed, or nil.
func (r Result) FirstError() error {
	for _, check := range r.Checks {
		if !check.Passed {
			return &ErrPreflightFailed{Check: check.Name, Message: check.Message}
		}
	}
	return nil
}

func checkElevation() Check {
	check := Check{Name: "elevation"}
	if !isElevated() {
		check.Message = "machine-wide upgrades need an elevated (administrator or SYSTEM) process"
		return check
	}
	check.Passed = true
	check.Message = "running elevated"
	return check
}

// checkServiceEnabled fails only on a positively disabled service. A
// service that cannot be queried is left for the package manager to report.
func checkServiceEnabled(checkName, service, consequence string) Check {
	check := Check{Name: checkName}
	startType, err := startTypeFunc(service)
	switch {
	case errors.Is(err, errNoServiceManager):
		check.Passed = true
		check.Message = "not applicable on this platform"
	case err != nil:
		check.Passed = true
		check.Message = fmt.Sprintf("could not query %s: %v", service, err)
	case startType == startDisabled:
		check.Message = fmt.Sprintf("service %s is disabled; %s", service, consequence)
	default:
		check.Passed = true
		check.Message = fmt.Sprintf("%s start type is %s", service, startType)
	}
	return check
}

// checkDiskSpace verifies the system drive has at least minGB free space.
func checkDiskSpace(ctx context.Context, path string, minGB float64) Check {
	check := Check{Name: "disk_space"}

	usage, err := usageFunc(ctx, path)
	if err != nil {
		check.Message = fmt.Sprintf("failed to check disk space on %s: %v", path, err)
		return check
	}

	freeGB := float64(usage.Free) / (1024 * 1024 * 1024)
	if freeGB < minGB {
		check.Message = fmt.Sprintf("insufficient disk space: %.1f GB free, minimum %.1f GB required", freeGB, minGB)
		return check
	}

	check.Passed = true
	check.Message = fmt.Sprintf("%.1f GB free on %s", freeGB, path)
	return check
}

func systemRoot() string {
	if runtime.GOOS != "windows" {
		return "/"
	}
	systemDrive := os.Getenv("SystemDrive")
	if systemDrive == "" {
		systemDrive = "C:"
	}
	return systemDrive + "\\"
}
