package patching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/provision/internal/executor"
	"github.com/breeze-rmm/provision/internal/logging"
	"github.com/breeze-rmm/provision/internal/retry"
)

// wuaProgID is the COM class the Windows Update Agent session is created from.
const wuaProgID = "Microsoft.Update.Session"

// OperationResultCode values from the WUA installation result.
const (
	wuResultNotStarted          = 0
	wuResultInProgress          = 1
	wuResultSucceeded           = 2
	wuResultSucceededWithErrors = 3
	wuResultFailed              = 4
	wuResultAborted             = 5
)

// dispException is DISP_E_EXCEPTION. IDispatch reports WUA failures with
// this code and puts the real HRESULT in the exception text.
const dispException = 0x80020009

var hresultText = regexp.MustCompile(`(?i)\b(?:0x)?(8[0-9a-f]{7})\b`)

// errUpdateNotPending means the update ID is no longer in the pending set,
// usually because it was installed since the scan.
var errUpdateNotPending = errors.New("update is no longer pending")

// WindowsUpdateOptions configures the Windows Update Agent provider.
type WindowsUpdateOptions struct {
	ExcludeDrivers        bool
	ExcludeFeatureUpdates bool
	AcceptEula            bool
	// Busy governs retries of a COM call that WUA rejects because another
	// scan or install holds the agent.
	Busy   retry.Policy
	Logger *slog.Logger
}

// wuUpdate is the subset of an IUpdate the provider uses.
type wuUpdate struct {
	ID         string
	Title      string
	KB         string
	Driver     bool
	BrowseOnly bool
}

// wuInstallResult is the subset of an IInstallationResult the provider uses.
type wuInstallResult struct {
	ResultCode     int
	HResult        int
	RebootRequired bool
}

// wuaCallError is a failed WUA call on one update. HResult becomes the
// update's exit code.
type wuaCallError struct {
	Op      string
	HResult int
	Err     error
}

func (e *wuaCallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, FormatExitCode(e.HResult))
}

func (e *wuaCallError) Unwrap() error { return e.Err }

// wuAgent is the COM surface. The Windows build drives the real agent.
type wuAgent interface {
	Search(ctx context.Context) ([]wuUpdate, error)
	Install(ctx context.Context, id string, acceptEula bool) (wuInstallResult, error)
}

// WindowsUpdateProvider installs operating system updates through the
// Windows Update Agent instead of winget.
type WindowsUpdateProvider struct {
	agent wuAgent
	opts  WindowsUpdateOptions
	log   *slog.Logger
}

// NewWindowsUpdateProvider returns a provider bound to the local agent.
func NewWindowsUpdateProvider(opts WindowsUpdateOptions) *WindowsUpdateProvider {
	log := logging.Or(opts.Logger, "windows-update")
	busy := opts.Busy
	busy.Logger = log
	return &WindowsUpdateProvider{
		agent: newWUAgent(busy, log),
		opts:  opts,
		log:   log,
	}
}

// ID returns the provider identifier.
func (w *WindowsUpdateProvider) ID() string {
	return "windows-update"
}

// Scan lists pending updates in the order the agent returns them. Excluded
// updates are reported as rejected rows.
func (w *WindowsUpdateProvider) Scan(ctx context.Context) (UpgradeReport, error) {
	updates, err := w.agent.Search(ctx)
	if err != nil {
		return UpgradeReport{}, err
	}
	report := UpgradeReport{TableFound: true}
	for _, u := range updates {
		if reason := w.exclusion(u); reason != "" {
			report.Rejected = append(report.Rejected, fmt.Sprintf("%s (%s)", u.Title, reason))
			continue
		}
		report.Records = append(report.Records, u.record())
	}
	return report, nil
}

// Apply installs one pending update by update ID.
func (w *WindowsUpdateProvider) Apply(ctx context.Context, id string) (executor.InvocationResult, error) {
	if _, err := uuid.Parse(id); err != nil {
		return executor.InvocationResult{}, fmt.Errorf("invalid update ID: %q", id)
	}
	start := time.Now()
	res, err := w.agent.Install(ctx, id, w.opts.AcceptEula)
	elapsed := time.Since(start)

	var callErr *wuaCallError
	switch {
	case err == nil:
		inv := res.invocation()
		inv.Duration = elapsed
		return inv, nil
	case errors.Is(err, errUpdateNotPending):
		return executor.InvocationResult{
			ExitCode: ExitWUNotApplicable,
			Output:   err.Error(),
			Duration: elapsed,
		}, nil
	case errors.As(err, &callErr):
		return executor.InvocationResult{
			ExitCode: NormalizeExitCode(callErr.HResult),
			Output:   callErr.Error(),
			Duration: elapsed,
		}, nil
	default:
		return executor.InvocationResult{}, err
	}
}

// Install is Apply: WUA has no separate first-install path.
func (w *WindowsUpdateProvider) Install(ctx context.Context, id string) (executor.InvocationResult, error) {
	return w.Apply(ctx, id)
}

func (w *WindowsUpdateProvider) exclusion(u wuUpdate) string {
	switch {
	case w.opts.ExcludeDrivers && u.Driver:
		return "driver excluded"
	case w.opts.ExcludeFeatureUpdates && u.BrowseOnly:
		return "feature update excluded"
	}
	return ""
}

func (u wuUpdate) record() UpdateRecord {
	return UpdateRecord{
		Name:             u.Title,
		ID:               u.ID,
		AvailableVersion: u.KB,
		Source:           "windows-update",
	}
}

// invocation renders an installation result the way the orchestrator reads
// a child process: succeeded results exit 0, and the output mentions a
// restart when the agent asks for one.
func (r wuInstallResult) invocation() executor.InvocationResult {
	inv := executor.InvocationResult{}
	switch {
	case r.ResultCode == wuResultSucceeded || r.ResultCode == wuResultSucceededWithErrors:
		inv.ExitCode = 0
	case r.HResult != 0:
		inv.ExitCode = NormalizeExitCode(r.HResult)
	default:
		inv.ExitCode = r.ResultCode
	}
	msg := "result code " + strconv.Itoa(r.ResultCode) + " (" + resultCodeName(r.ResultCode) + ")"
	if r.HResult != 0 {
		msg += ": " + FormatExitCode(r.HResult)
	}
	if r.RebootRequired {
		msg += "; restart required"
	}
	inv.Output = msg
	return inv
}

func resultCodeName(code int) string {
	switch code {
	case wuResultNotStarted:
		return "not started"
	case wuResultInProgress:
		return "in progress"
	case wuResultSucceeded:
		return "succeeded"
	case wuResultSucceededWithErrors:
		return "succeeded with errors"
	case wuResultFailed:
		return "failed"
	case wuResultAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// kbNumber formats a KBArticleIDs entry as "KB5034441".
func kbNumber(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(strings.ToUpper(raw), "KB") {
		return raw
	}
	return "KB" + raw
}

// hresultFromError extracts the HRESULT behind a failed COM call. A
// DISP_E_EXCEPTION is resolved through the exception text. It returns
// ExitUnspecifiedFailure when no code can be found.
func hresultFromError(err error) int {
	var coded interface{ Code() uintptr }
	if errors.As(err, &coded) {
		if code := uint32(coded.Code()); code != 0 && code != dispException {
			return NormalizeExitCode(int(code))
		}
	}
	for _, m := range hresultText.FindAllStringSubmatch(err.Error(), -1) {
		if code, perr := strconv.ParseUint(m[1], 16, 32); perr == nil && code != dispException {
			return NormalizeExitCode(int(code))
		}
	}
	return ExitUnspecifiedFailure
}

// isAgentBusy reports whether a WUA call failed only because another scan
// or install holds the agent.
func isAgentBusy(code int) bool {
	return code == ExitWUOperationInProgress || code == ExitWUInstallNotAllowed
}
